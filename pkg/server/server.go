// Package server implements the relay server: the TCP/TLS listener, the
// per-connection supervisor, and the operator HTTP endpoint.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NicolasHaas/screenrelay/pkg/auth"
	"github.com/NicolasHaas/screenrelay/pkg/datastore"
	"github.com/NicolasHaas/screenrelay/pkg/protocol"
	"github.com/NicolasHaas/screenrelay/pkg/relay"
	"github.com/NicolasHaas/screenrelay/pkg/version"
)

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and will Close() it on shutdown.
type Dependencies struct {
	Store datastore.DataProviderFactory
}

// Server is the relay server.
type Server struct {
	cfg      Config
	store    datastore.DataProviderFactory
	auth     *auth.Authenticator
	registry *relay.Registry
	metrics  *Metrics

	tlsConfig *tls.Config
	listener  net.Listener
	admin     *http.Server
	adminLn   net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	nextConnID atomic.Uint64
	connsMu    sync.Mutex
	conns      map[uint64]*conn

	shutdownOnce sync.Once
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil {
		return nil, errors.New("server: missing store dependency")
	}
	authn, err := auth.New(deps.Store)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:   cfg,
		store: deps.Store,
		auth:  authn,
		registry: relay.NewRegistry(relay.Options{
			MaxSessions:          cfg.MaxSessions,
			MaxViewersPerSession: cfg.MaxViewersPerSession,
		}),
		metrics: NewMetrics(),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[uint64]*conn),
	}, nil
}

// Registry returns the session registry.
func (s *Server) Registry() *relay.Registry {
	return s.registry
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Addr returns the relay listener address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// AdminAddr returns the admin HTTP address, or nil when it is disabled.
func (s *Server) AdminAddr() net.Addr {
	if s.adminLn == nil {
		return nil
	}
	return s.adminLn.Addr()
}

// Start seeds the bootstrap admin, loads TLS material and binds the
// listeners. Any failure here is fatal: nothing is left listening.
func (s *Server) Start() error {
	if err := s.ensureBootstrapAdmin(); err != nil {
		return err
	}

	if s.cfg.SSLEnabled {
		tlsCfg, err := loadTLSConfig(s.cfg)
		if err != nil {
			return err
		}
		s.tlsConfig = tlsCfg
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln

	if err := s.startAdminHTTP(); err != nil {
		_ = ln.Close()
		return err
	}

	s.wg.Add(1)
	go s.acceptLoop(ln)

	if s.cfg.SessionIdleTimeout > 0 {
		go s.janitor(s.cfg.SessionIdleTimeout)
	}
	s.metrics.StartPeriodicLog(60*time.Second, s.ctx.Done())

	slog.Info("relay server running",
		"addr", ln.Addr().String(),
		"tls", s.cfg.SSLEnabled,
		"admin", s.cfg.AdminAddr,
		"version", version.String(),
	)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("accept error", "err", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		c := s.newConn(raw)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.serve()
		}()
	}
}

// janitor closes sessions that have sat without viewers or host activity
// for longer than idle.
func (s *Server) janitor(idle time.Duration) {
	interval := idle / 2
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			for _, id := range s.registry.Sweep(now.UTC(), idle) {
				s.metrics.SessionsClosed.Add(1)
				slog.Info("closed idle session", "session", id, "idle", idle)
			}
		}
	}
}

func (s *Server) trackConn(c *conn) {
	s.connsMu.Lock()
	s.conns[c.id] = c
	s.connsMu.Unlock()
}

func (s *Server) untrackConn(c *conn) {
	s.connsMu.Lock()
	delete(s.conns, c.id)
	s.connsMu.Unlock()
}

func (s *Server) liveConns() []*conn {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	out := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Shutdown stops accepting, sends CLOSE{server_shutdown} to every peer and
// waits for connections to drain until ctx is done, after which remaining
// sockets are closed. The store is closed last.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			_ = s.listener.Close()
		}

		closed := s.registry.CloseAll(protocol.ReasonServerShutdown)
		s.metrics.SessionsClosed.Add(int64(closed))
		shutdownMsg := relay.NewPacket(protocol.NewCloseMessage(protocol.ReasonServerShutdown))
		for _, c := range s.liveConns() {
			_ = c.out.PushFinal(shutdownMsg)
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			slog.Warn("shutdown deadline reached, closing remaining connections")
			for _, c := range s.liveConns() {
				c.Abort(protocol.ReasonServerShutdown)
			}
			<-done
		}

		if s.admin != nil {
			if shutErr := s.admin.Shutdown(ctx); shutErr != nil {
				_ = s.admin.Close()
			}
		}
		if s.store != nil {
			err = s.store.Close()
		}
		slog.Info("relay server stopped")
	})
	return err
}
