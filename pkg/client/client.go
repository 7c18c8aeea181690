// Package client implements the screen relay client protocol: authentication,
// hosting or joining a session, and sending or receiving frames and
// clipboard data.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NicolasHaas/screenrelay/pkg/protocol"
)

// RejectedError is a negative result from the server.
type RejectedError struct {
	Op     string
	Reason string
}

func (e *RejectedError) Error() string {
	return "client: " + e.Op + " rejected: " + e.Reason
}

// ClosedError is returned once the server has sent CLOSE.
type ClosedError struct {
	Reason string
}

func (e *ClosedError) Error() string {
	return "client: closed by server: " + e.Reason
}

// Client is one relay connection. Sends are safe for concurrent use; reads
// (Recv and the request methods) must come from a single goroutine.
type Client struct {
	conn net.Conn
	r    *protocol.Reader

	wmu sync.Mutex
	seq atomic.Uint64

	// Messages that arrived while a request waited for its reply.
	pending []protocol.Message
	closed  atomic.Pointer[ClosedError]
}

// Dial connects to addr. A nil tlsCfg dials plain TCP.
func Dial(ctx context.Context, addr string, tlsCfg *tls.Config) (*Client, error) {
	var (
		conn net.Conn
		err  error
	)
	if tlsCfg != nil {
		dialer := &tls.Dialer{Config: tlsCfg}
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("client: connect %s: %w", addr, err)
	}
	return New(conn), nil
}

// New wraps an established connection.
func New(conn net.Conn) *Client {
	return &Client{conn: conn, r: protocol.NewReader(conn, 0)}
}

// Send writes one message.
func (c *Client) Send(m protocol.Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return protocol.WriteMessage(c.conn, m)
}

func (c *Client) sendControl(t protocol.Type, v any) error {
	m, err := protocol.NewControl(t, v)
	if err != nil {
		return err
	}
	return c.Send(m)
}

// Recv returns the next message from the server, stashed ones first.
func (c *Client) Recv() (protocol.Message, error) {
	if len(c.pending) > 0 {
		m := c.pending[0]
		c.pending = c.pending[1:]
		return m, nil
	}
	if cl := c.closed.Load(); cl != nil {
		return protocol.Message{}, cl
	}
	m, err := c.r.ReadMessage()
	if err != nil {
		return protocol.Message{}, fmt.Errorf("client: recv: %w", err)
	}
	if m.Type == protocol.TypeClose {
		c.markClosed(m)
	}
	return m, nil
}

// await reads until a message of type want arrives. Anything else is kept
// for Recv. A CLOSE ends the wait with a *ClosedError.
func (c *Client) await(want protocol.Type, v any) error {
	if cl := c.closed.Load(); cl != nil {
		return cl
	}
	for {
		m, err := c.r.ReadMessage()
		if err != nil {
			return fmt.Errorf("client: await %s: %w", want, err)
		}
		switch m.Type {
		case want:
			return protocol.Decode(m, v)
		case protocol.TypeClose:
			return c.markClosed(m)
		default:
			c.pending = append(c.pending, m)
		}
	}
}

func (c *Client) markClosed(m protocol.Message) *ClosedError {
	var cl protocol.Close
	_ = protocol.Decode(m, &cl)
	ce := &ClosedError{Reason: cl.Reason}
	c.closed.Store(ce)
	return ce
}

// Authenticate logs in and returns the granted role.
func (c *Client) Authenticate(username, password string) (string, error) {
	if err := c.sendControl(protocol.TypeAuthRequest, &protocol.AuthRequest{Username: username, Password: password}); err != nil {
		return "", err
	}
	var res protocol.AuthResult
	if err := c.await(protocol.TypeAuthResult, &res); err != nil {
		return "", err
	}
	if !res.OK {
		return "", &RejectedError{Op: "authenticate", Reason: res.Reason}
	}
	return res.Role, nil
}

// CreateSession hosts a new session. An empty requestedID lets the server
// pick one. It returns the session id.
func (c *Client) CreateSession(requestedID, name string) (string, error) {
	if err := c.sendControl(protocol.TypeCreateSession, &protocol.CreateSession{RequestedID: requestedID, Name: name}); err != nil {
		return "", err
	}
	var res protocol.SessionCreated
	if err := c.await(protocol.TypeSessionCreated, &res); err != nil {
		return "", err
	}
	if !res.OK {
		return "", &RejectedError{Op: "create session", Reason: res.Reason}
	}
	return res.SessionID, nil
}

// JoinSession attaches to a session as a viewer.
func (c *Client) JoinSession(id string) (protocol.JoinResult, error) {
	if err := c.sendControl(protocol.TypeJoinSession, &protocol.JoinSession{SessionID: id}); err != nil {
		return protocol.JoinResult{}, err
	}
	var res protocol.JoinResult
	if err := c.await(protocol.TypeJoinResult, &res); err != nil {
		return protocol.JoinResult{}, err
	}
	if !res.OK {
		return res, &RejectedError{Op: "join session", Reason: res.Reason}
	}
	return res, nil
}

// ListSessions returns the server's open sessions. It needs the admin role.
func (c *Client) ListSessions() ([]protocol.SessionSummary, error) {
	if err := c.Send(protocol.Message{Type: protocol.TypeListSessions}); err != nil {
		return nil, err
	}
	var res protocol.SessionList
	if err := c.await(protocol.TypeSessionList, &res); err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, &RejectedError{Op: "list sessions", Reason: res.Reason}
	}
	return res.Sessions, nil
}

// SendFrame sends one encoded frame and returns its sequence number.
func (c *Client) SendFrame(data []byte) (uint64, error) {
	seq := c.seq.Add(1)
	return seq, c.Send(protocol.NewDataMessage(protocol.TypeFrame, seq, data))
}

// SendClipboard sends clipboard text. Frames and clipboard share one
// sequence counter.
func (c *Client) SendClipboard(text string) (uint64, error) {
	seq := c.seq.Add(1)
	return seq, c.Send(protocol.NewDataMessage(protocol.TypeClipboard, seq, []byte(text)))
}

// Ping measures a round trip to the server.
func (c *Client) Ping() (time.Duration, error) {
	start := time.Now()
	ts := start.UnixNano()
	if err := c.sendControl(protocol.TypePing, &protocol.Ping{Timestamp: ts}); err != nil {
		return 0, err
	}
	for {
		var pong protocol.Pong
		if err := c.await(protocol.TypePong, &pong); err != nil {
			return 0, err
		}
		if pong.Timestamp == ts {
			return time.Since(start), nil
		}
	}
}

// Close says goodbye and closes the connection.
func (c *Client) Close() error {
	if c.closed.Load() == nil {
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.sendControl(protocol.TypeClose, &protocol.Close{Reason: protocol.ReasonClientClosed})
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("client: close: %w", err)
	}
	return nil
}
