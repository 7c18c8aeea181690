// Package relay holds the session registry and the fan-out engine that moves
// host frames and clipboard updates to viewers.
package relay

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NicolasHaas/screenrelay/pkg/model"
	"github.com/NicolasHaas/screenrelay/pkg/protocol"
)

var (
	ErrSessionNotFound   = errors.New("relay: session not found")
	ErrSessionClosed     = errors.New("relay: session closed")
	ErrSessionIDConflict = errors.New("relay: session id conflict")
	ErrInvalidSessionID  = errors.New("relay: invalid session id")
	ErrCapacityExceeded  = errors.New("relay: capacity exceeded")
	ErrAlreadyInSession  = errors.New("relay: connection already in a session")
)

// Reason maps a registry error to the reason string sent on the wire.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return protocol.ReasonSessionNotFound
	case errors.Is(err, ErrSessionClosed):
		return protocol.ReasonSessionClosed
	case errors.Is(err, ErrSessionIDConflict):
		return protocol.ReasonSessionIDConflict
	case errors.Is(err, ErrInvalidSessionID):
		return protocol.ReasonInvalidSessionID
	case errors.Is(err, ErrCapacityExceeded):
		return protocol.ReasonCapacityExceeded
	case errors.Is(err, ErrAlreadyInSession):
		return protocol.ReasonAlreadyInSession
	default:
		return protocol.ReasonInternalError
	}
}

// Options configures a Registry. Zero limits mean unlimited.
type Options struct {
	MaxSessions          int
	MaxViewersPerSession int

	Now   func() time.Time
	NewID func() string
}

// Registry is the process-wide table of open sessions. Every membership
// change happens under its lock; the registry lock is always taken before a
// session lock.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	retired  map[string]struct{}
	byConn   map[uint64]*Session

	maxSessions int
	maxViewers  int
	now         func() time.Time
	newID       func() string
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		sessions:    make(map[string]*Session),
		retired:     make(map[string]struct{}),
		byConn:      make(map[uint64]*Session),
		maxSessions: opts.MaxSessions,
		maxViewers:  opts.MaxViewersPerSession,
		now:         opts.Now,
		newID:       opts.NewID,
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	if r.newID == nil {
		r.newID = uuid.NewString
	}
	return r
}

// Create opens a session hosted by host and queues SESSION_CREATED for it
// before any viewer can join. A non-empty requestedID is used verbatim; it
// conflicts with any open session and with every id this registry has ever
// closed. An empty name defaults to "Session by <host>".
func (r *Registry) Create(host Member, requestedID, name string) (*Session, error) {
	if requestedID != "" {
		if err := model.ValidateSessionID(requestedID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSessionID, err)
		}
	}
	if len(name) > model.MaxSessionNameLength {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSessionID, model.ErrSessionNameTooLong)
	}
	if name == "" {
		name = "Session by " + host.Username()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byConn[host.ConnID()]; ok {
		return nil, ErrAlreadyInSession
	}

	id := requestedID
	if id != "" {
		if r.inUseLocked(id) {
			return nil, ErrSessionIDConflict
		}
	} else {
		for id = r.newID(); r.inUseLocked(id); id = r.newID() {
		}
	}

	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		return nil, ErrCapacityExceeded
	}

	s := newSession(id, name, host, r.now)
	r.sessions[id] = s
	r.byConn[host.ConnID()] = s
	_ = host.Outbound().Push(NewPacket(protocol.MustControl(protocol.TypeSessionCreated,
		&protocol.SessionCreated{OK: true, SessionID: id})))
	return s, nil
}

func (r *Registry) inUseLocked(id string) bool {
	if _, ok := r.sessions[id]; ok {
		return true
	}
	_, ok := r.retired[id]
	return ok
}

// Join attaches viewer to the session with the given id. The viewer's
// JOIN_RESULT is queued ahead of any frame broadcast after the join.
func (r *Registry) Join(id string, viewer Member) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byConn[viewer.ConnID()]; ok {
		return nil, ErrAlreadyInSession
	}
	s, ok := r.sessions[id]
	if !ok {
		if _, gone := r.retired[id]; gone {
			return nil, ErrSessionClosed
		}
		return nil, ErrSessionNotFound
	}
	if err := s.addViewer(viewer, r.maxViewers, r.now()); err != nil {
		return nil, err
	}
	r.byConn[viewer.ConnID()] = s
	return s, nil
}

// Departure describes what Leave did.
type Departure struct {
	SessionID string
	WasHost   bool
	// Detached is the number of viewers sent CLOSE because the host left.
	Detached int
}

// Leave removes m from whatever session it belongs to. A departing host
// closes the session: it is removed, its id retired, and every viewer gets a
// final CLOSE{host_disconnected}, all before the registry lock is released,
// so a concurrent Join either lands before the close and receives CLOSE, or
// fails with ErrSessionClosed.
func (r *Registry) Leave(m Member) (Departure, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byConn[m.ConnID()]
	if !ok {
		return Departure{}, false
	}
	delete(r.byConn, m.ConnID())

	if !s.IsHost(m) {
		s.removeViewer(m, r.now())
		return Departure{SessionID: s.ID}, true
	}

	_, viewers := s.close()
	r.retireLocked(s, viewers)
	closeMsg := NewPacket(protocol.NewCloseMessage(protocol.ReasonHostDisconnected))
	for _, v := range viewers {
		_ = v.Outbound().PushFinal(closeMsg)
	}
	return Departure{SessionID: s.ID, WasHost: true, Detached: len(viewers)}, true
}

// CloseSession closes the session with the given id on behalf of an
// operator. Host and viewers all receive a final CLOSE{reason}.
func (r *Registry) CloseSession(id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	r.closeLocked(s, reason)
	return nil
}

// Sweep closes every session that has had no viewers and no host activity
// for at least idle. It returns the closed ids.
func (r *Registry) Sweep(now time.Time, idle time.Duration) []string {
	if idle <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var closed []string
	for id, s := range r.sessions {
		if s.ViewerCount() > 0 || now.Sub(s.LastActivity()) < idle {
			continue
		}
		r.closeLocked(s, protocol.ReasonIdleTimeout)
		closed = append(closed, id)
	}
	sort.Strings(closed)
	return closed
}

// CloseAll closes every open session with reason and returns how many there were.
func (r *Registry) CloseAll(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, s := range r.sessions {
		r.closeLocked(s, reason)
		n++
	}
	return n
}

func (r *Registry) closeLocked(s *Session, reason string) {
	host, viewers := s.close()
	r.retireLocked(s, viewers)
	closeMsg := NewPacket(protocol.NewCloseMessage(reason))
	if host != nil {
		delete(r.byConn, host.ConnID())
		_ = host.Outbound().PushFinal(closeMsg)
	}
	for _, v := range viewers {
		_ = v.Outbound().PushFinal(closeMsg)
	}
}

func (r *Registry) retireLocked(s *Session, viewers []Member) {
	delete(r.sessions, s.ID)
	r.retired[s.ID] = struct{}{}
	for _, v := range viewers {
		delete(r.byConn, v.ConnID())
	}
}

// Get returns the open session with the given id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// SessionOf returns the session m currently belongs to.
func (r *Registry) SessionOf(m Member) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byConn[m.ConnID()]
	return s, ok
}

// List returns a snapshot of open sessions ordered by creation time.
func (r *Registry) List() []model.SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Count returns the number of open sessions and attached viewers.
func (r *Registry) Count() (sessions, viewers int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		viewers += s.ViewerCount()
	}
	return len(r.sessions), viewers
}
