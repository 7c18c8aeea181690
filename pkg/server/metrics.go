package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/NicolasHaas/screenrelay/pkg/protocol"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime TCP connections accepted
	ActiveConnections atomic.Int64 // current open connections
	HandshakeFailures atomic.Int64 // TLS handshakes that failed or timed out
	FailedAuths       atomic.Int64 // failed authentication attempts
	SuccessfulAuths   atomic.Int64 // successful authentication attempts
	ProtocolErrors    atomic.Int64 // connections closed for a protocol violation
	SlowConsumers     atomic.Int64 // connections aborted for queue overflow
	TotalDisconnects  atomic.Int64 // total disconnects (clean + unclean)

	// Session counters
	SessionsCreated atomic.Int64
	SessionsClosed  atomic.Int64
	ViewersJoined   atomic.Int64

	// Relay counters
	FramesIn      atomic.Int64 // FRAME messages received from hosts
	FramesOut     atomic.Int64 // FRAME messages written to viewers
	FramesDropped atomic.Int64 // frames evicted from outbound queues
	ClipboardIn   atomic.Int64 // CLIPBOARD messages received
	ClipboardOut  atomic.Int64 // CLIPBOARD messages written
	BytesIn       atomic.Int64 // wire bytes read
	BytesOut      atomic.Int64 // wire bytes written
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics as a serializable struct.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	HandshakeFailures int64 `json:"handshake_failures"`
	SuccessfulAuths   int64 `json:"successful_auths"`
	FailedAuths       int64 `json:"failed_auths"`
	ProtocolErrors    int64 `json:"protocol_errors"`
	SlowConsumers     int64 `json:"slow_consumers"`
	TotalDisconnects  int64 `json:"total_disconnects"`

	SessionsCreated int64 `json:"sessions_created"`
	SessionsClosed  int64 `json:"sessions_closed"`
	ViewersJoined   int64 `json:"viewers_joined"`

	FramesIn      int64 `json:"frames_in"`
	FramesOut     int64 `json:"frames_out"`
	FramesDropped int64 `json:"frames_dropped"`
	ClipboardIn   int64 `json:"clipboard_in"`
	ClipboardOut  int64 `json:"clipboard_out"`
	BytesIn       int64 `json:"bytes_in"`
	BytesOut      int64 `json:"bytes_out"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:            uptime.Truncate(time.Second).String(),
		UptimeSeconds:     int64(uptime.Seconds()),
		ActiveConnections: m.ActiveConnections.Load(),
		TotalConnections:  m.TotalConnections.Load(),
		HandshakeFailures: m.HandshakeFailures.Load(),
		SuccessfulAuths:   m.SuccessfulAuths.Load(),
		FailedAuths:       m.FailedAuths.Load(),
		ProtocolErrors:    m.ProtocolErrors.Load(),
		SlowConsumers:     m.SlowConsumers.Load(),
		TotalDisconnects:  m.TotalDisconnects.Load(),
		SessionsCreated:   m.SessionsCreated.Load(),
		SessionsClosed:    m.SessionsClosed.Load(),
		ViewersJoined:     m.ViewersJoined.Load(),
		FramesIn:          m.FramesIn.Load(),
		FramesOut:         m.FramesOut.Load(),
		FramesDropped:     m.FramesDropped.Load(),
		ClipboardIn:       m.ClipboardIn.Load(),
		ClipboardOut:      m.ClipboardOut.Load(),
		BytesIn:           m.BytesIn.Load(),
		BytesOut:          m.BytesOut.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// countWritten records a message written to a peer.
func (m *Metrics) countWritten(t protocol.Type, n int) {
	m.BytesOut.Add(int64(n))
	switch t {
	case protocol.TypeFrame:
		m.FramesOut.Add(1)
	case protocol.TypeClipboard:
		m.ClipboardOut.Add(1)
	}
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"sessions_created", s.SessionsCreated,
		"frames_in", s.FramesIn,
		"frames_out", s.FramesOut,
		"frames_dropped", s.FramesDropped,
		"clipboard_in", s.ClipboardIn,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
