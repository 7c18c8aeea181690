package server

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NicolasHaas/screenrelay/pkg/auth"
	"github.com/NicolasHaas/screenrelay/pkg/logging"
	"github.com/NicolasHaas/screenrelay/pkg/model"
	"github.com/NicolasHaas/screenrelay/pkg/protocol"
	"github.com/NicolasHaas/screenrelay/pkg/rbac"
	"github.com/NicolasHaas/screenrelay/pkg/relay"
)

// closeLinger is how long a connection keeps reading after its final CLOSE
// was written, so the peer can read the CLOSE before the socket goes away.
const closeLinger = 2 * time.Second

// conn supervises one client connection. The reader goroutine decodes and
// dispatches inbound messages; a single writer goroutine drains out. Nothing
// else writes to the socket.
type conn struct {
	srv *Server
	id  uint64
	nc  net.Conn
	log *slog.Logger
	out *relay.Queue

	// Owned by the reader goroutine.
	ident       auth.Identity
	authed      bool
	failedAuths int
	lastSeq     uint64
	seqSeen     bool

	abortOnce   sync.Once
	abortReason atomic.Value // string
	writerDone  chan struct{}
}

var _ relay.Member = (*conn)(nil)

func (s *Server) newConn(raw net.Conn) *conn {
	id := s.nextConnID.Add(1)
	nc := raw
	if s.tlsConfig != nil {
		nc = tls.Server(raw, s.tlsConfig)
	}
	c := &conn{
		srv:        s,
		id:         id,
		nc:         nc,
		log:        logging.ForConn(id, raw.RemoteAddr().String()),
		writerDone: make(chan struct{}),
	}
	c.out = relay.NewQueue(s.cfg.ViewerQueueSize, func(relay.Packet) {
		s.metrics.FramesDropped.Add(1)
	})
	return c
}

// ConnID implements relay.Member.
func (c *conn) ConnID() uint64 { return c.id }

// Username implements relay.Member.
func (c *conn) Username() string { return c.ident.Username }

// Outbound implements relay.Member.
func (c *conn) Outbound() *relay.Queue { return c.out }

// Abort closes the socket from outside the connection's goroutines. The
// reader then fails and runs the normal teardown.
func (c *conn) Abort(reason string) {
	c.abortOnce.Do(func() {
		c.abortReason.Store(reason)
		if reason == protocol.ReasonSlowConsumer {
			c.srv.metrics.SlowConsumers.Add(1)
		}
		c.log.Warn("aborting connection", "reason", reason)
		_ = c.nc.Close()
	})
}

func (c *conn) serve() {
	s := c.srv
	s.metrics.TotalConnections.Add(1)
	s.metrics.ActiveConnections.Add(1)
	s.trackConn(c)
	c.log.Debug("connection accepted")

	// The auth deadline covers the TLS handshake as well.
	_ = c.nc.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))

	if tc, ok := c.nc.(*tls.Conn); ok {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.AuthTimeout)
		err := tc.HandshakeContext(ctx)
		cancel()
		if err != nil {
			s.metrics.HandshakeFailures.Add(1)
			c.log.Warn("tls handshake failed", "err", err)
			close(c.writerDone)
			c.out.Close()
			_ = c.nc.Close()
			c.finish("handshake_failed")
			return
		}
	}

	go c.writeLoop()
	c.readLoop()
	c.teardown()
}

func (c *conn) readLoop() {
	r := protocol.NewReader(c.nc, c.srv.cfg.MaxMessageSize)
	for {
		msg, err := r.ReadMessage()
		if err != nil {
			c.readFailed(err)
			return
		}
		c.srv.metrics.BytesIn.Add(int64(msg.Size()))

		// Once a final CLOSE is queued nothing the peer says matters.
		if c.out.Final() {
			continue
		}

		if err := c.handle(msg); err != nil {
			c.handleFailed(err)
			return
		}
	}
}

func (c *conn) readFailed(err error) {
	var ne net.Error
	switch {
	case c.out.Final():
		c.log.Debug("read ended after close", "err", err)
	case errors.Is(err, io.EOF):
		c.log.Debug("peer disconnected")
	case protocol.IsProtocolError(err):
		c.handleFailed(err)
	case errors.As(err, &ne) && ne.Timeout() && !c.authed:
		c.log.Warn("authentication timed out")
		c.closeWith(protocol.ReasonAuthTimeout)
	default:
		c.log.Debug("read failed", "err", err)
	}
}

func (c *conn) handleFailed(err error) {
	switch {
	case errors.Is(err, errStopReading):
	case protocol.IsProtocolError(err):
		c.srv.metrics.ProtocolErrors.Add(1)
		c.log.Warn("protocol error", "err", err)
		c.closeWith(reasonFor(err))
	case errors.Is(err, relay.ErrQueueOverflow):
		c.Abort(protocol.ReasonSlowConsumer)
	case errors.Is(err, relay.ErrQueueClosed):
	default:
		c.log.Error("connection failed", "err", err)
		c.closeWith(protocol.ReasonInternalError)
	}
}

// closeWith queues the final CLOSE{reason}.
func (c *conn) closeWith(reason string) {
	_ = c.out.PushFinal(relay.NewPacket(protocol.NewCloseMessage(reason)))
}

func (c *conn) send(m protocol.Message) error {
	return c.out.Push(relay.NewPacket(m))
}

func (c *conn) handle(msg protocol.Message) error {
	switch msg.Type {
	case protocol.TypePing:
		var ping protocol.Ping
		if err := protocol.Decode(msg, &ping); err != nil {
			return err
		}
		return c.send(protocol.MustControl(protocol.TypePong, &protocol.Pong{Timestamp: ping.Timestamp}))
	case protocol.TypeClose:
		var cl protocol.Close
		_ = protocol.Decode(msg, &cl)
		c.log.Debug("peer closed", "reason", cl.Reason)
		return errStopReading
	}

	if !c.authed {
		if msg.Type != protocol.TypeAuthRequest {
			return violation("unauthenticated", "%s before authentication", msg.Type)
		}
		return c.handleAuth(msg)
	}

	switch msg.Type {
	case protocol.TypeAuthRequest:
		return violation("authenticated", "%s after successful authentication", msg.Type)
	case protocol.TypeCreateSession:
		return c.handleCreate(msg)
	case protocol.TypeJoinSession:
		return c.handleJoin(msg)
	case protocol.TypeListSessions:
		return c.handleList()
	case protocol.TypeFrame, protocol.TypeClipboard:
		return c.handleData(msg)
	default:
		return violation("dispatch", "%s is not sent by clients", msg.Type)
	}
}

func (c *conn) handleAuth(msg protocol.Message) error {
	s := c.srv
	var req protocol.AuthRequest
	if err := protocol.Decode(msg, &req); err != nil {
		return err
	}

	id, err := s.auth.Authenticate(req.Username, req.Password)
	if err != nil {
		reason := protocol.ReasonInvalidCredentials
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			c.log.Error("authentication failed", "user", req.Username, "err", err)
			reason = protocol.ReasonInternalError
		} else {
			c.log.Warn("authentication failed", "user", req.Username)
		}
		s.metrics.FailedAuths.Add(1)
		c.failedAuths++
		if err := c.send(protocol.MustControl(protocol.TypeAuthResult, &protocol.AuthResult{Reason: reason})); err != nil {
			return err
		}
		if c.failedAuths >= s.cfg.MaxAuthAttempts {
			c.log.Warn("too many authentication attempts", "attempts", c.failedAuths)
			c.closeWith(protocol.ReasonTooManyAttempts)
			return errStopReading
		}
		return nil
	}

	c.ident = id
	c.authed = true
	_ = c.nc.SetReadDeadline(time.Time{})
	s.metrics.SuccessfulAuths.Add(1)
	c.log.Info("authenticated", "user", id.Username, "role", id.Role.String())

	return c.send(protocol.MustControl(protocol.TypeAuthResult, &protocol.AuthResult{
		OK:       true,
		Username: id.Username,
		Role:     id.Role.String(),
	}))
}

// denied logs and reports whether the connection lacks perm.
func (c *conn) denied(perm model.Permission) bool {
	if msg := rbac.RequirePermission(c.ident.Role, perm); msg != "" {
		c.log.Warn(msg, "user", c.ident.Username)
		return true
	}
	return false
}

func (c *conn) handleCreate(msg protocol.Message) error {
	var req protocol.CreateSession
	if err := protocol.Decode(msg, &req); err != nil {
		return err
	}
	if c.denied(model.PermHostSession) {
		return c.send(protocol.MustControl(protocol.TypeSessionCreated,
			&protocol.SessionCreated{Reason: protocol.ReasonPermissionDenied}))
	}

	sess, err := c.srv.registry.Create(c, req.RequestedID, req.Name)
	if err != nil {
		c.log.Info("create session rejected", "requested_id", req.RequestedID, "err", err)
		return c.send(protocol.MustControl(protocol.TypeSessionCreated,
			&protocol.SessionCreated{Reason: reasonFor(err)}))
	}
	c.srv.metrics.SessionsCreated.Add(1)
	c.log.Info("session created", "user", c.ident.Username, "session", sess.ID, "name", sess.Name)
	return nil
}

func (c *conn) handleJoin(msg protocol.Message) error {
	var req protocol.JoinSession
	if err := protocol.Decode(msg, &req); err != nil {
		return err
	}
	if c.denied(model.PermJoinSession) {
		return c.send(protocol.MustControl(protocol.TypeJoinResult,
			&protocol.JoinResult{Reason: protocol.ReasonPermissionDenied, SessionID: req.SessionID}))
	}

	sess, err := c.srv.registry.Join(req.SessionID, c)
	if err != nil {
		c.log.Info("join rejected", "session", req.SessionID, "err", err)
		return c.send(protocol.MustControl(protocol.TypeJoinResult,
			&protocol.JoinResult{Reason: reasonFor(err), SessionID: req.SessionID}))
	}
	c.srv.metrics.ViewersJoined.Add(1)
	c.log.Info("joined session", "user", c.ident.Username, "session", sess.ID, "host", sess.Host)
	return nil
}

func (c *conn) handleList() error {
	if c.denied(model.PermListSessions) {
		return c.send(protocol.MustControl(protocol.TypeSessionList,
			&protocol.SessionList{Reason: protocol.ReasonPermissionDenied}))
	}
	infos := c.srv.registry.List()
	list := protocol.SessionList{OK: true, Sessions: make([]protocol.SessionSummary, 0, len(infos))}
	for _, info := range infos {
		list.Sessions = append(list.Sessions, protocol.SessionSummary{
			SessionID:   info.ID,
			Name:        info.Name,
			Host:        info.Host,
			CreatedAt:   info.CreatedAt,
			ViewerCount: info.ViewerCount,
		})
	}
	return c.send(protocol.MustControl(protocol.TypeSessionList, &list))
}

func (c *conn) handleData(msg protocol.Message) error {
	d, err := protocol.DecodeData(msg)
	if err != nil {
		return err
	}
	if c.seqSeen && d.Sequence <= c.lastSeq {
		return violation("sequence", "%s sequence %d not greater than %d", msg.Type, d.Sequence, c.lastSeq)
	}
	c.lastSeq, c.seqSeen = d.Sequence, true

	sess, ok := c.srv.registry.SessionOf(c)
	if !ok {
		return violation("relay", "%s outside a session", msg.Type)
	}
	if msg.Type == protocol.TypeFrame {
		c.srv.metrics.FramesIn.Add(1)
	} else {
		c.srv.metrics.ClipboardIn.Add(1)
	}

	if sess.IsHost(c) {
		if _, err := sess.Broadcast(msg); err != nil && !errors.Is(err, relay.ErrSessionClosed) {
			return err
		}
		return nil
	}

	if msg.Type == protocol.TypeFrame {
		return violation("relay", "viewer sent %s", msg.Type)
	}
	// An overflowing host has already been aborted by ToHost.
	if err := sess.ToHost(msg); err != nil && !errors.Is(err, relay.ErrSessionClosed) && !errors.Is(err, relay.ErrQueueOverflow) {
		return err
	}
	return nil
}

type closeWriter interface {
	CloseWrite() error
}

func (c *conn) writeLoop() {
	defer close(c.writerDone)
	for {
		p, err := c.out.Pop(context.Background())
		if err != nil {
			return
		}
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
		n, err := c.nc.Write(p.Wire)
		if err != nil {
			c.log.Debug("write failed", "type", p.Type, "err", err)
			_ = c.nc.Close()
			return
		}
		c.srv.metrics.countWritten(p.Type, n)

		// CLOSE is only ever queued as the final packet.
		if p.Type == protocol.TypeClose {
			if cw, ok := c.nc.(closeWriter); ok {
				_ = cw.CloseWrite()
			}
			_ = c.nc.SetReadDeadline(time.Now().Add(closeLinger))
			return
		}
	}
}

// teardown leaves the registry before any connection resource is released,
// so no session ever references a dead connection.
func (c *conn) teardown() {
	s := c.srv
	if dep, ok := s.registry.Leave(c); ok {
		if dep.WasHost {
			s.metrics.SessionsClosed.Add(1)
			c.log.Info("host left, session closed", "session", dep.SessionID, "viewers", dep.Detached)
		} else {
			c.log.Info("viewer left", "session", dep.SessionID)
		}
	}

	if c.out.Final() {
		select {
		case <-c.writerDone:
		case <-time.After(s.cfg.WriteTimeout):
		}
	}
	c.out.Close()
	_ = c.nc.Close()
	<-c.writerDone

	reason, _ := c.abortReason.Load().(string)
	c.finish(reason)
}

func (c *conn) finish(reason string) {
	c.srv.metrics.ActiveConnections.Add(-1)
	c.srv.metrics.TotalDisconnects.Add(1)
	c.srv.untrackConn(c)
	if reason != "" {
		c.log.Info("connection closed", "reason", reason)
	} else {
		c.log.Debug("connection closed")
	}
}
