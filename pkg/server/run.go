package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NicolasHaas/screenrelay/pkg/auth"
)

// shutdownGrace bounds how long Run waits for peers to read their CLOSE.
const shutdownGrace = 5 * time.Second

// Run starts the server and blocks until shutdown signal.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		_ = s.store.Close()
		return err
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	sig := <-sigCh

	slog.Info("shutting down...", "signal", sig.String())
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return s.Shutdown(ctx)
}

// ensureBootstrapAdmin creates the bootstrap admin only on first run (no users exist).
func (s *Server) ensureBootstrapAdmin() error {
	admin := s.cfg.BootstrapAdmin
	created, err := auth.EnsureBootstrapAdmin(s.ctx, s.store, admin.Username, admin.Password)
	if err != nil {
		return fmt.Errorf("server: bootstrap admin: %w", err)
	}
	if !created {
		return nil
	}

	slog.Warn("========================================")
	slog.Warn("credential store was empty, created bootstrap admin", "user", admin.Username)
	slog.Warn("change its password with --set-password")
	slog.Warn("========================================")
	return nil
}
