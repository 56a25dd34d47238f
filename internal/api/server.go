// Memento Back-Office - Analytics Aggregation and Session Enrichment
// Copyright 2026 Memento Films
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mementofilms/backoffice

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mementofilms/backoffice/internal/config"
	"github.com/mementofilms/backoffice/internal/logging"
)

// Server runs the HTTP listener as a suture service: Serve blocks until the
// context is canceled, then shuts the listener down gracefully.
type Server struct {
	srv *http.Server
}

// NewServer wraps the router in a configured http.Server.
func NewServer(cfg *config.ServerConfig, handler http.Handler) *Server {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       timeout,
			WriteTimeout:      timeout,
			IdleTimeout:       2 * timeout,
		},
	}
}

// Serve runs the listener until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.srv.Addr).Msg("HTTP server listening")
		if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("Graceful shutdown failed, closing listener")
		if closeErr := s.srv.Close(); closeErr != nil {
			return closeErr
		}
	}
	<-errCh
	return ctx.Err()
}

// String names the server in supervisor logs.
func (s *Server) String() string {
	return "http-server"
}
