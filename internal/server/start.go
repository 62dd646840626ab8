package server

import (
	"context"
	"errors"
	"net/http"
	"time"
)

const shutdownTimeout = 10 * time.Second

// Start launches the presence sweeper, the hub loop and, when replay is
// enabled, the durable log follower. It does not listen for HTTP.
func (s *Server) Start() {
	regCtx, stopRegistry := context.WithCancel(context.Background())
	s.stopRegistry = stopRegistry
	go s.Registry.Run(regCtx)

	hubCtx, stopHub := context.WithCancel(context.Background())
	s.stopHub = stopHub
	go s.Hub.Run(hubCtx)

	if s.follower != nil {
		followCtx, stopFollower := context.WithCancel(context.Background())
		s.stopFollower = stopFollower
		s.followerDone = make(chan struct{})
		go func() {
			defer close(s.followerDone)
			if err := s.follower.Run(followCtx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("Durable log follower stopped", "error", err)
			}
		}()
	}
}

// Run starts the background components and serves HTTP on the configured
// address until ctx is canceled or the listener fails, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	s.Start()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Relay listening", "addr", s.Cfg.Addr, "ws_path", s.Cfg.WSPath)
		if err := s.E.Start(s.Cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down relay")
	case runErr = <-errCh:
		s.logger.Error("HTTP server failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, s.Shutdown(shutdownCtx))
}

// Shutdown stops accepting connections, stops the follower, stops the hub
// (closing every session), drains the durable log client and finally stops
// presence tracking.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error

	if err := s.E.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	if s.stopFollower != nil {
		s.stopFollower()
		select {
		case <-s.followerDone:
		case <-ctx.Done():
		}
	}

	if s.stopHub != nil {
		s.stopHub()
		select {
		case <-s.Hub.Done():
		case <-ctx.Done():
		}
	}

	if err := s.Journal.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.subscriber != nil {
		if err := s.subscriber.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if s.stopRegistry != nil {
		s.stopRegistry()
	}
	s.closeMirror()

	s.logger.Info("Relay stopped",
		"published", s.Journal.Published(),
		"failed", s.Journal.Failed(),
		"dropped", s.Journal.Dropped())
	return errors.Join(errs...)
}
