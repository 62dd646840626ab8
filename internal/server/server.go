package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nfrund/chatrelay/internal/config"
	"github.com/nfrund/chatrelay/internal/durablelog"
	"github.com/nfrund/chatrelay/internal/hub"
	relaymw "github.com/nfrund/chatrelay/internal/middleware"
	"github.com/nfrund/chatrelay/internal/presence"
	"github.com/nfrund/chatrelay/internal/websocket"
)

// Server holds the dependencies for the relay's HTTP surface and the
// background components behind it.
type Server struct {
	E        *echo.Echo
	Cfg      *config.Config
	Registry *presence.Registry
	Hub      *hub.Hub
	Journal  *durablelog.Client

	backend    durablelog.Backend
	subscriber durablelog.Subscriber
	follower   *durablelog.Follower
	mirror     *presence.RedisMirror
	wsHandler  *websocket.Handler
	logger     *slog.Logger

	stopHub      context.CancelFunc
	stopRegistry context.CancelFunc
	stopFollower context.CancelFunc
	followerDone chan struct{}
}

type buildOptions struct {
	backend durablelog.Backend
	tracer  trace.Tracer
	mirror  presence.Mirror
}

// Option customizes how New assembles the server.
type Option func(*buildOptions)

// WithBackend uses b instead of opening the configured durable log.
func WithBackend(b durablelog.Backend) Option {
	return func(o *buildOptions) {
		o.backend = b
	}
}

// WithTracer sets the tracer used for durable log spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *buildOptions) {
		o.tracer = t
	}
}

// WithMirror uses m as the presence mirror instead of dialing Redis.
func WithMirror(m presence.Mirror) Option {
	return func(o *buildOptions) {
		o.mirror = m
	}
}

// New creates a new Server from cfg. Nothing runs until Start or Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	bo := buildOptions{}
	for _, opt := range opts {
		opt(&bo)
	}
	if bo.tracer == nil {
		bo.tracer = noop.NewTracerProvider().Tracer("chatrelay")
	}

	s := &Server{
		Cfg:    cfg,
		logger: slog.Default().With("component", "server"),
	}

	registryOpts := []presence.Option{
		presence.WithWindow(cfg.PresenceWindow),
		presence.WithSweepInterval(cfg.PresenceSweepInterval),
	}
	switch {
	case bo.mirror != nil:
		registryOpts = append(registryOpts, presence.WithMirror(bo.mirror))
	case cfg.Redis.Addr != "":
		m, err := presence.DialRedisMirror(ctx, presence.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			s.logger.Warn("Presence mirror unavailable, continuing without it", "error", err)
		} else {
			s.mirror = m
			registryOpts = append(registryOpts, presence.WithMirror(m))
		}
	}
	s.Registry = presence.NewRegistry(registryOpts...)

	backend := bo.backend
	if backend == nil {
		dl := cfg.DurableLog
		b, err := durablelog.Open(durablelog.Options{
			Backend: dl.Backend,
			Kafka: durablelog.KafkaOptions{
				Brokers:  dl.KafkaBrokers,
				Topic:    dl.KafkaTopic,
				Version:  dl.KafkaVersion,
				ClientID: "chatrelay-" + cfg.InstanceID,
				Timeout:  dl.AppendTimeout,
			},
			JetStream: durablelog.JetStreamOptions{
				URL:     dl.NATSURL,
				Subject: dl.NATSSubject,
				Stream:  dl.NATSStream,
				Name:    "chatrelay-" + cfg.InstanceID,
			},
			MemoryTopic: dl.KafkaTopic,
		})
		if err != nil {
			s.closeMirror()
			return nil, fmt.Errorf("open durable log: %w", err)
		}
		backend = b
	}
	s.backend = backend

	s.Journal = durablelog.NewClient(backend,
		durablelog.WithOrigin(cfg.InstanceID),
		durablelog.WithMaxAttempts(cfg.DurableLog.MaxAttempts),
		durablelog.WithBackoff(cfg.DurableLog.BackoffInitial, cfg.DurableLog.BackoffMax),
		durablelog.WithAppendTimeout(cfg.DurableLog.AppendTimeout),
		durablelog.WithQueueSize(cfg.DurableLog.QueueSize),
		durablelog.WithTracer(bo.tracer),
	)

	s.Hub = hub.NewHub(s.Registry,
		hub.WithJournal(s.Journal),
		hub.WithClock(s.Registry.Now),
	)

	if cfg.DurableLog.ReplayEnabled {
		// A fresh group per process so every relay sees every record.
		sub, err := backend.NewSubscriber("chatrelay-" + uuid.NewString())
		if err != nil {
			s.abort()
			return nil, fmt.Errorf("subscribe to durable log: %w", err)
		}
		follower, err := durablelog.NewFollower(sub, cfg.InstanceID, s.Hub.Deliver,
			durablelog.DefaultDedupeWindow, durablelog.WithFollowerTracer(bo.tracer))
		if err != nil {
			_ = sub.Close()
			s.abort()
			return nil, fmt.Errorf("create follower: %w", err)
		}
		s.subscriber = sub
		s.follower = follower
	}

	s.wsHandler = websocket.NewHandler(s.Hub, websocket.Options{
		OriginPatterns: cfg.OriginPatterns(),
		ReadLimit:      cfg.MaxMessageSize,
		QueueSize:      cfg.SendQueueSize,
	})

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestID())
	e.Use(relaymw.Logger)
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	setupErrorHandling(e)
	s.E = e

	s.RegisterRoutes()
	return s, nil
}

// abort releases what New acquired before a later step failed.
func (s *Server) abort() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Journal.Close(ctx); err != nil {
		s.logger.Warn("Failed to close durable log", "error", err)
	}
	s.closeMirror()
}

func (s *Server) closeMirror() {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Close(); err != nil {
		s.logger.Warn("Failed to close presence mirror", "error", err)
	}
}
