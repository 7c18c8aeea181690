package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/NicolasHaas/screenrelay/pkg/model"
	"github.com/NicolasHaas/screenrelay/pkg/protocol"
)

// Member is a connection attached to a session. The registry only enqueues
// into a member's queue; the member's own supervisor drains it.
type Member interface {
	ConnID() uint64
	Username() string
	Outbound() *Queue
	// Abort tears the connection down from outside its own goroutines. It
	// must not block and must not call back into the registry synchronously.
	Abort(reason string)
}

// State is the lifecycle state of a session.
type State int

const (
	StateOpen State = iota
	StateClosed
)

func (s State) String() string {
	if s == StateOpen {
		return "open"
	}
	return "closed"
}

// Session is one host streaming to zero or more viewers.
type Session struct {
	ID        string
	Name      string
	Host      string
	CreatedAt time.Time

	lastActivity atomic.Int64 // unix nanos
	now          func() time.Time

	mu      sync.Mutex
	state   State
	host    Member
	viewers map[uint64]Member
}

func newSession(id, name string, host Member, now func() time.Time) *Session {
	s := &Session{
		ID:        id,
		Name:      name,
		Host:      host.Username(),
		CreatedAt: now(),
		now:       now,
		state:     StateOpen,
		host:      host,
		viewers:   make(map[uint64]Member),
	}
	s.touch(s.CreatedAt)
	return s
}

func (s *Session) touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

// LastActivity returns when the host last sent data or membership changed.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ViewerCount returns the number of attached viewers.
func (s *Session) ViewerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.viewers)
}

// Info returns a point-in-time summary.
func (s *Session) Info() model.SessionInfo {
	return model.SessionInfo{
		ID:          s.ID,
		Name:        s.Name,
		Host:        s.Host,
		CreatedAt:   s.CreatedAt,
		ViewerCount: s.ViewerCount(),
	}
}

// IsHost reports whether m is the host of this session.
func (s *Session) IsHost(m Member) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host != nil && s.host.ConnID() == m.ConnID()
}

// Broadcast enqueues m on every viewer queue in one pass, so every viewer
// sees the host's messages in send order. The message is encoded once.
// Viewers whose queue overflows are aborted as slow consumers. It returns
// the number of viewers the message was queued for.
func (s *Session) Broadcast(m protocol.Message) (int, error) {
	p := NewPacket(m)
	var slow []Member

	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return 0, ErrSessionClosed
	}
	delivered := 0
	for _, v := range s.viewers {
		switch err := v.Outbound().Push(p); err {
		case nil:
			delivered++
		case ErrQueueOverflow:
			slow = append(slow, v)
		}
	}
	s.mu.Unlock()

	s.touch(s.now())
	for _, v := range slow {
		v.Abort(protocol.ReasonSlowConsumer)
	}
	return delivered, nil
}

// ToHost enqueues m on the host's queue. A host that cannot keep up with
// clipboard and control traffic is aborted.
func (s *Session) ToHost(m protocol.Message) error {
	s.mu.Lock()
	if s.state != StateOpen || s.host == nil {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	host := s.host
	err := host.Outbound().Push(NewPacket(m))
	s.mu.Unlock()

	if err == ErrQueueOverflow {
		host.Abort(protocol.ReasonSlowConsumer)
	}
	return err
}

// addViewer attaches v. Caller holds the registry lock.
func (s *Session) addViewer(v Member, limit int, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return ErrSessionClosed
	}
	if limit > 0 && len(s.viewers) >= limit {
		return ErrCapacityExceeded
	}
	s.viewers[v.ConnID()] = v
	s.touch(now)
	_ = v.Outbound().Push(NewPacket(protocol.MustControl(protocol.TypeJoinResult, &protocol.JoinResult{
		OK:        true,
		SessionID: s.ID,
		Name:      s.Name,
		Host:      s.Host,
	})))
	s.notifyHostLocked(protocol.TypeViewerJoined, v.Username())
	return nil
}

// removeViewer detaches v. Caller holds the registry lock.
func (s *Session) removeViewer(v Member, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.viewers[v.ConnID()]; !ok {
		return false
	}
	delete(s.viewers, v.ConnID())
	s.touch(now)
	if s.state == StateOpen {
		s.notifyHostLocked(protocol.TypeViewerLeft, v.Username())
	}
	return true
}

func (s *Session) notifyHostLocked(t protocol.Type, username string) {
	if s.host == nil {
		return
	}
	msg := protocol.MustControl(t, &protocol.ViewerEvent{Username: username, ViewerCount: len(s.viewers)})
	// Advisory only. Overflow is acted on by the next ToHost.
	_ = s.host.Outbound().Push(NewPacket(msg))
}

// close flips the session to CLOSED and detaches everyone, returning the
// members that were attached. Caller holds the registry lock.
func (s *Session) close() (host Member, viewers []Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil, nil
	}
	s.state = StateClosed
	host = s.host
	s.host = nil
	viewers = make([]Member, 0, len(s.viewers))
	for _, v := range s.viewers {
		viewers = append(viewers, v)
	}
	clear(s.viewers)
	return host, viewers
}
