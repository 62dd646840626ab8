// Package websocket adapts WebSocket connections to hub sessions.
package websocket

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"

	"github.com/nfrund/chatrelay/internal/domain"
	"github.com/nfrund/chatrelay/internal/hub"
	"github.com/nfrund/chatrelay/internal/wire"
)

const (
	// Time allowed to write a message to the peer.
	defaultWriteWait = 10 * time.Second
	// Send pings to peer with this period.
	defaultPingPeriod = 54 * time.Second
	// Inbound frames larger than this close the connection.
	defaultReadLimit = 4096
)

// Options configures a Handler.
type Options struct {
	// OriginPatterns lists the hosts allowed in the Origin header, as
	// understood by websocket.AcceptOptions. "*" allows any origin.
	OriginPatterns []string
	ReadLimit      int64
	QueueSize      int
	WriteWait      time.Duration
	PingPeriod     time.Duration
}

// Handler upgrades HTTP requests and runs one session per connection.
type Handler struct {
	hub    *hub.Hub
	opts   Options
	logger *slog.Logger
}

// NewHandler creates a Handler that registers its sessions with h.
func NewHandler(h *hub.Hub, opts Options) *Handler {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = hub.DefaultQueueSize
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = defaultPingPeriod
	}
	return &Handler{
		hub:    h,
		opts:   opts,
		logger: slog.Default().With("component", "websocket"),
	}
}

// Serve handles a WebSocket upgrade request. The write pump runs in its own
// goroutine while the read pump runs on the request goroutine; when either
// ends, both are stopped and the session is deregistered.
func (h *Handler) Serve(c echo.Context) error {
	r := c.Request()
	conn, err := websocket.Accept(c.Response(), r, &websocket.AcceptOptions{
		OriginPatterns: h.opts.OriginPatterns,
	})
	if err != nil {
		// Accept has already written the HTTP error response.
		h.logger.Warn("Failed to upgrade connection to WebSocket", "remote_addr", r.RemoteAddr, "error", err)
		return nil
	}
	conn.SetReadLimit(h.opts.ReadLimit)

	session := hub.NewSession(r.RemoteAddr, h.opts.QueueSize)
	logger := h.logger.With("session_id", session.ID(), "remote_addr", session.RemoteAddr())

	if err := h.hub.Register(session); err != nil {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return nil
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		h.writePump(ctx, cancel, conn, session, logger)
	}()

	h.readPump(ctx, conn, session, logger)
	cancel()

	if err := h.hub.Deregister(session); err != nil && !errors.Is(err, domain.ErrClosed) {
		logger.Error("Failed to deregister session", "error", err)
	}
	<-writeDone
	conn.Close(websocket.StatusNormalClosure, "")
	logger.Info("WebSocket session closed", "dropped", session.Dropped())
	return nil
}

// readPump forwards text frames to the hub until the connection fails or
// ctx is canceled.
func (h *Handler) readPump(ctx context.Context, conn *websocket.Conn, session *hub.Session, logger *slog.Logger) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			switch {
			case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
				logger.Info("WebSocket closed by client")
			case ctx.Err() != nil, errors.Is(err, io.EOF):
				logger.Debug("WebSocket read stopped", "error", err)
			default:
				logger.Warn("WebSocket read error", "error", err)
			}
			return
		}

		if typ != websocket.MessageText {
			logger.Debug("Discarding binary frame", "size", len(data))
			continue
		}
		if err := h.hub.Ingest(data, session); err != nil {
			return
		}
	}
}

// writePump writes queued messages and pings to the connection. A closed
// queue while the session is still live means the hub stopped.
func (h *Handler) writePump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, session *hub.Session, logger *slog.Logger) {
	ticker := time.NewTicker(h.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-session.Outbound():
			if !ok {
				if ctx.Err() == nil {
					conn.Close(websocket.StatusGoingAway, "server shutting down")
				}
				return
			}
			payload, err := wire.Encode(msg)
			if err != nil {
				logger.Error("Failed to encode outbound message", "error", err)
				continue
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, h.opts.WriteWait)
			err = conn.Write(writeCtx, websocket.MessageText, payload)
			writeCancel()
			if err != nil {
				logger.Warn("WebSocket write error", "error", err)
				return
			}

		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, h.opts.WriteWait)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				logger.Warn("WebSocket ping failed", "error", err)
				return
			}
		}
	}
}
