package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/NicolasHaas/screenrelay/pkg/model"
	"github.com/NicolasHaas/screenrelay/pkg/protocol"
	"github.com/NicolasHaas/screenrelay/pkg/relay"
	"github.com/NicolasHaas/screenrelay/pkg/version"
)

// startAdminHTTP binds the operator endpoint. It exposes /metrics in
// Prometheus text exposition format, /healthz, and the session table. The
// bind happens synchronously so a bad admin_addr fails startup.
func (s *Server) startAdminHTTP() error {
	addr := s.cfg.AdminAddr
	if addr == "" {
		return nil // admin endpoint disabled
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen admin %s: %w", addr, err)
	}
	s.adminLn = ln
	s.admin = &http.Server{
		Handler:           s.adminHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("admin HTTP listening", "addr", ln.Addr().String())
		if err := s.admin.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin HTTP error", "err", err)
		}
	}()
	return nil
}

func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok " + version.String() + "\n"))
	})
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleCloseSession)
	return mux
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.registry.List()
	if sessions == nil {
		sessions = []model.SessionInfo{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(sessions); err != nil {
		slog.Debug("write session list", "err", err)
	}
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.registry.CloseSession(id, protocol.ReasonSessionClosedByOp)
	switch {
	case errors.Is(err, relay.ErrSessionNotFound):
		http.Error(w, "session not found", http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.metrics.SessionsClosed.Add(1)
	slog.Info("session closed by operator", "session", id, "remote", r.RemoteAddr)
	w.WriteHeader(http.StatusNoContent)
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()
	sessions, viewers := s.registry.Count()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeFloat := func(name, help, mtype string, value float64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %f\n", name, value)
	}

	writeFloat("screenrelay_uptime_seconds", "Server uptime in seconds.", "gauge", uptime)

	write("screenrelay_connections_active", "Current open client connections.", "gauge",
		m.ActiveConnections.Load())
	write("screenrelay_connections_total", "Lifetime TCP connections accepted.", "counter",
		m.TotalConnections.Load())
	write("screenrelay_disconnects_total", "Total client disconnects.", "counter",
		m.TotalDisconnects.Load())
	write("screenrelay_tls_handshake_failures_total", "TLS handshakes that failed or timed out.", "counter",
		m.HandshakeFailures.Load())
	write("screenrelay_protocol_errors_total", "Connections closed for a protocol violation.", "counter",
		m.ProtocolErrors.Load())
	write("screenrelay_slow_consumers_total", "Connections aborted for outbound queue overflow.", "counter",
		m.SlowConsumers.Load())

	write("screenrelay_auth_success_total", "Successful authentication attempts.", "counter",
		m.SuccessfulAuths.Load())
	write("screenrelay_auth_failed_total", "Failed authentication attempts.", "counter",
		m.FailedAuths.Load())

	write("screenrelay_sessions_open", "Currently open sessions.", "gauge", int64(sessions))
	write("screenrelay_viewers_attached", "Viewers attached to open sessions.", "gauge", int64(viewers))
	write("screenrelay_sessions_created_total", "Sessions created.", "counter",
		m.SessionsCreated.Load())
	write("screenrelay_sessions_closed_total", "Sessions closed.", "counter",
		m.SessionsClosed.Load())
	write("screenrelay_viewers_joined_total", "Successful session joins.", "counter",
		m.ViewersJoined.Load())

	write("screenrelay_frames_in_total", "FRAME messages received from hosts.", "counter",
		m.FramesIn.Load())
	write("screenrelay_frames_out_total", "FRAME messages written to viewers.", "counter",
		m.FramesOut.Load())
	write("screenrelay_frames_dropped_total", "Frames evicted from outbound queues.", "counter",
		m.FramesDropped.Load())
	write("screenrelay_clipboard_in_total", "CLIPBOARD messages received.", "counter",
		m.ClipboardIn.Load())
	write("screenrelay_clipboard_out_total", "CLIPBOARD messages written.", "counter",
		m.ClipboardOut.Load())
	write("screenrelay_bytes_in_total", "Wire bytes read.", "counter", m.BytesIn.Load())
	write("screenrelay_bytes_out_total", "Wire bytes written.", "counter", m.BytesOut.Load())
}
