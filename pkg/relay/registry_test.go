package relay

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"

	"github.com/NicolasHaas/screenrelay/pkg/model"
	"github.com/NicolasHaas/screenrelay/pkg/protocol"
)

var nextTestConnID atomic.Uint64

type fakeMember struct {
	id      uint64
	name    string
	q       *Queue
	aborted atomic.Value // string
}

func newFakeMember(name string, capacity int) *fakeMember {
	return &fakeMember{id: nextTestConnID.Add(1), name: name, q: NewQueue(capacity, nil)}
}

func (m *fakeMember) ConnID() uint64      { return m.id }
func (m *fakeMember) Username() string    { return m.name }
func (m *fakeMember) Outbound() *Queue    { return m.q }
func (m *fakeMember) Abort(reason string) { m.aborted.Store(reason) }

func (m *fakeMember) abortReason() string {
	s, _ := m.aborted.Load().(string)
	return s
}

// closeReasons pops everything queued for m and returns the CLOSE reasons.
func closeReasons(t *testing.T, m *fakeMember) []string {
	t.Helper()
	var reasons []string
	for _, p := range drain(t, m.q) {
		if p.Type != protocol.TypeClose {
			continue
		}
		var c protocol.Close
		if err := protocol.Decode(protocol.Message{Type: p.Type, Payload: p.Wire[protocol.HeaderSize:]}, &c); err != nil {
			t.Fatalf("Decode CLOSE: %v", err)
		}
		reasons = append(reasons, c.Reason)
	}
	return reasons
}

func TestCreateSession(t *testing.T) {
	r := NewRegistry(Options{})
	host := newFakeMember("alice", 8)

	s, err := r.Create(host, "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := uuid.Parse(s.ID); err != nil {
		t.Fatalf("generated id %q is not a uuid: %v", s.ID, err)
	}
	if s.Name != "Session by alice" {
		t.Fatalf("default name = %q", s.Name)
	}

	want := []model.SessionInfo{{ID: s.ID, Name: "Session by alice", Host: "alice", ViewerCount: 0}}
	if diff := cmp.Diff(want, r.List(), cmpopts.IgnoreFields(model.SessionInfo{}, "CreatedAt")); diff != "" {
		t.Fatalf("List mismatch (-want +got):\n%s", diff)
	}

	if _, err := r.Create(host, "", ""); !errors.Is(err, ErrAlreadyInSession) {
		t.Fatalf("second Create by same host: want ErrAlreadyInSession, got %v", err)
	}
}

func TestCreateRequestedID(t *testing.T) {
	r := NewRegistry(Options{})
	h1 := newFakeMember("alice", 8)
	h2 := newFakeMember("bob", 8)

	if _, err := r.Create(h1, "demo", "Demo"); err != nil {
		t.Fatalf("Create demo: %v", err)
	}
	if _, err := r.Create(h2, "demo", ""); !errors.Is(err, ErrSessionIDConflict) {
		t.Fatalf("Create duplicate: want ErrSessionIDConflict, got %v", err)
	}
	if _, err := r.Create(h2, "bad id!", ""); !errors.Is(err, ErrInvalidSessionID) {
		t.Fatalf("Create invalid: want ErrInvalidSessionID, got %v", err)
	}

	// Closed ids are retired for good.
	r.Leave(h1)
	for i := 0; i < 3; i++ {
		if _, err := r.Create(h2, "demo", ""); !errors.Is(err, ErrSessionIDConflict) {
			t.Fatalf("Create retired id attempt %d: want ErrSessionIDConflict, got %v", i, err)
		}
	}
}

func TestCreateRegeneratesRetiredID(t *testing.T) {
	ids := []string{"fixed", "fixed", "fresh"}
	var n int
	r := NewRegistry(Options{NewID: func() string {
		id := ids[n]
		n++
		return id
	}})

	h1 := newFakeMember("alice", 8)
	if _, err := r.Create(h1, "", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	r.Leave(h1)

	s, err := r.Create(newFakeMember("bob", 8), "", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.ID != "fresh" {
		t.Fatalf("generated id reused a retired id: %q", s.ID)
	}
}

func TestCreateRace(t *testing.T) {
	r := NewRegistry(Options{})
	const racers = 32

	var wg sync.WaitGroup
	var wins atomic.Int32
	var conflicts atomic.Int32
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := r.Create(newFakeMember("host", 8), "contested", "")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrSessionIDConflict):
				conflicts.Add(1)
			default:
				t.Errorf("Create: unexpected error %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 || conflicts.Load() != racers-1 {
		t.Fatalf("create race: wins=%d conflicts=%d", wins.Load(), conflicts.Load())
	}
}

func TestJoinErrors(t *testing.T) {
	r := NewRegistry(Options{MaxViewersPerSession: 1})
	host := newFakeMember("alice", 8)
	s, err := r.Create(host, "room", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := r.Join("nope", newFakeMember("v", 8)); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Join missing: want ErrSessionNotFound, got %v", err)
	}
	if got := len(r.List()); got != 1 {
		t.Fatalf("Join missing created a session: %d sessions", got)
	}

	v1 := newFakeMember("v1", 8)
	if _, err := r.Join(s.ID, v1); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, err := r.Join(s.ID, v1); !errors.Is(err, ErrAlreadyInSession) {
		t.Fatalf("Join twice: want ErrAlreadyInSession, got %v", err)
	}
	if _, err := r.Join(s.ID, newFakeMember("v2", 8)); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Join over limit: want ErrCapacityExceeded, got %v", err)
	}

	r.Leave(host)
	if _, err := r.Join(s.ID, newFakeMember("v3", 8)); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Join closed: want ErrSessionClosed, got %v", err)
	}
}

func TestMaxSessions(t *testing.T) {
	r := NewRegistry(Options{MaxSessions: 1})
	if _, err := r.Create(newFakeMember("a", 8), "", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Create(newFakeMember("b", 8), "", ""); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Create over limit: want ErrCapacityExceeded, got %v", err)
	}
	if got := len(r.List()); got != 1 {
		t.Fatalf("rejected Create left state behind: %d sessions", got)
	}
}

func TestJoinNotifiesHost(t *testing.T) {
	r := NewRegistry(Options{})
	host := newFakeMember("alice", 8)
	s, _ := r.Create(host, "", "")
	v := newFakeMember("bob", 8)
	if _, err := r.Join(s.ID, v); err != nil {
		t.Fatalf("Join: %v", err)
	}
	r.Leave(v)

	var types []protocol.Type
	for _, p := range drain(t, host.q) {
		types = append(types, p.Type)
	}
	want := []protocol.Type{protocol.TypeSessionCreated, protocol.TypeViewerJoined, protocol.TypeViewerLeft}
	if diff := cmp.Diff(want, types); diff != "" {
		t.Fatalf("host queue (-want +got):\n%s", diff)
	}
	joined := drain(t, v.q)
	if len(joined) != 1 || joined[0].Type != protocol.TypeJoinResult {
		t.Fatalf("viewer queue = %v", joined)
	}
	if s.ViewerCount() != 0 || s.State() != StateOpen {
		t.Fatalf("viewer leave changed session: viewers=%d state=%s", s.ViewerCount(), s.State())
	}
}

func TestHostLeaveClosesViewers(t *testing.T) {
	r := NewRegistry(Options{})
	host := newFakeMember("alice", 8)
	s, _ := r.Create(host, "", "")

	const n = 5
	viewers := make([]*fakeMember, n)
	for i := range viewers {
		viewers[i] = newFakeMember(fmt.Sprintf("v%d", i), 8)
		if _, err := r.Join(s.ID, viewers[i]); err != nil {
			t.Fatalf("Join: %v", err)
		}
	}

	dep, ok := r.Leave(host)
	if !ok || !dep.WasHost || dep.Detached != n {
		t.Fatalf("Leave(host) = %+v, %t", dep, ok)
	}
	if len(r.List()) != 0 {
		t.Fatalf("closed session still listed")
	}
	if s.State() != StateClosed {
		t.Fatalf("session state = %s", s.State())
	}

	closes := 0
	for _, v := range viewers {
		reasons := closeReasons(t, v)
		if diff := cmp.Diff([]string{protocol.ReasonHostDisconnected}, reasons); diff != "" {
			t.Fatalf("viewer %s CLOSE reasons (-want +got):\n%s", v.name, diff)
		}
		closes += len(reasons)
		// Viewer teardown after the cascade is a no-op.
		if _, ok := r.Leave(v); ok {
			t.Fatalf("viewer %s still registered after host left", v.name)
		}
	}
	if closes != n {
		t.Fatalf("CLOSE deliveries want=%d got=%d", n, closes)
	}
}

func TestJoinRacesHostLeave(t *testing.T) {
	for round := 0; round < 50; round++ {
		r := NewRegistry(Options{})
		host := newFakeMember("alice", 8)
		s, _ := r.Create(host, "", "")

		const n = 16
		viewers := make([]*fakeMember, n)
		errs := make([]error, n)
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := range viewers {
			viewers[i] = newFakeMember("v", 8)
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				_, errs[i] = r.Join(s.ID, viewers[i])
			}(i)
		}
		var dep Departure
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			dep, _ = r.Leave(host)
		}()
		close(start)
		wg.Wait()

		joined := 0
		for i, v := range viewers {
			reasons := closeReasons(t, v)
			switch {
			case errs[i] == nil:
				joined++
				if len(reasons) != 1 {
					t.Fatalf("round %d: joined viewer got %d CLOSE", round, len(reasons))
				}
			case errors.Is(errs[i], ErrSessionClosed):
				if len(reasons) != 0 {
					t.Fatalf("round %d: rejected viewer got CLOSE", round)
				}
			default:
				t.Fatalf("round %d: Join: unexpected error %v", round, errs[i])
			}
		}
		if joined != dep.Detached {
			t.Fatalf("round %d: joined=%d detached=%d", round, joined, dep.Detached)
		}
	}
}

func TestBroadcastOrderAndLatestFrames(t *testing.T) {
	const k = 4
	r := NewRegistry(Options{})
	host := newFakeMember("alice", k)
	s, _ := r.Create(host, "", "")
	v := newFakeMember("bob", k)
	if _, err := r.Join(s.ID, v); err != nil {
		t.Fatalf("Join: %v", err)
	}
	drain(t, v.q)

	for seq := uint64(1); seq <= 100; seq++ {
		if _, err := s.Broadcast(protocol.NewDataMessage(protocol.TypeFrame, seq, []byte{1, 2, 3})); err != nil {
			t.Fatalf("Broadcast: %v", err)
		}
	}

	got := drain(t, v.q)
	want := []uint64{97, 98, 99, 100}
	if diff := cmp.Diff(want, sequences(t, got)); diff != "" {
		t.Fatalf("viewer frames (-want +got):\n%s", diff)
	}
	for _, p := range got {
		d, _ := protocol.DecodeData(protocol.Message{Type: p.Type, Payload: p.Wire[protocol.HeaderSize:]})
		if diff := cmp.Diff([]byte{1, 2, 3}, d.Payload); diff != "" {
			t.Fatalf("payload corrupted (-want +got):\n%s", diff)
		}
	}
}

func TestBroadcastClipboardReachesEveryViewer(t *testing.T) {
	const k = 2
	r := NewRegistry(Options{})
	host := newFakeMember("alice", k)
	s, _ := r.Create(host, "", "")
	viewers := []*fakeMember{newFakeMember("a", k), newFakeMember("b", k), newFakeMember("c", k)}
	for _, v := range viewers {
		if _, err := r.Join(s.ID, v); err != nil {
			t.Fatalf("Join: %v", err)
		}
		drain(t, v.q)
	}

	seq := uint64(0)
	for i := 0; i < 10; i++ {
		seq++
		_, _ = s.Broadcast(protocol.NewDataMessage(protocol.TypeFrame, seq, []byte("f")))
		if i%3 == 0 {
			seq++
			n, err := s.Broadcast(protocol.NewDataMessage(protocol.TypeClipboard, seq, []byte("c")))
			if err != nil || n != len(viewers) {
				t.Fatalf("Broadcast clipboard = %d, %v", n, err)
			}
		}
	}

	for _, v := range viewers {
		got := drain(t, v.q)
		clips := 0
		for _, p := range got {
			if p.Type == protocol.TypeClipboard {
				clips++
			}
		}
		if clips != 4 {
			t.Fatalf("viewer %s clipboards want=4 got=%d", v.name, clips)
		}
		seqs := sequences(t, got)
		for i := 1; i < len(seqs); i++ {
			if seqs[i] <= seqs[i-1] {
				t.Fatalf("viewer %s reordered: %v", v.name, seqs)
			}
		}
	}
}

func TestBroadcastAbortsSlowConsumer(t *testing.T) {
	const k = 1
	r := NewRegistry(Options{})
	host := newFakeMember("alice", k)
	s, _ := r.Create(host, "", "")
	slow := newFakeMember("slow", k)
	if _, err := r.Join(s.ID, slow); err != nil {
		t.Fatalf("Join: %v", err)
	}

	for seq := uint64(1); seq <= uint64(4*k+17); seq++ {
		_, _ = s.Broadcast(protocol.NewDataMessage(protocol.TypeClipboard, seq, []byte("c")))
	}
	if got := slow.abortReason(); got != protocol.ReasonSlowConsumer {
		t.Fatalf("slow viewer abort reason = %q", got)
	}
}

func TestCloseSessionAndSweep(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(Options{Now: func() time.Time { return now }})

	h1 := newFakeMember("alice", 8)
	s1, _ := r.Create(h1, "busy", "")
	v := newFakeMember("bob", 8)
	if _, err := r.Join(s1.ID, v); err != nil {
		t.Fatalf("Join: %v", err)
	}
	h2 := newFakeMember("carol", 8)
	if _, err := r.Create(h2, "idle", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if got := r.Sweep(now.Add(time.Hour), 0); got != nil {
		t.Fatalf("Sweep with idle=0 closed %v", got)
	}
	closed := r.Sweep(now.Add(10*time.Minute), 5*time.Minute)
	if diff := cmp.Diff([]string{"idle"}, closed); diff != "" {
		t.Fatalf("Sweep (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{protocol.ReasonIdleTimeout}, closeReasons(t, h2)); diff != "" {
		t.Fatalf("idle host CLOSE (-want +got):\n%s", diff)
	}

	if err := r.CloseSession("busy", protocol.ReasonSessionClosedByOp); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if err := r.CloseSession("busy", protocol.ReasonSessionClosedByOp); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("CloseSession twice: want ErrSessionNotFound, got %v", err)
	}
	for _, m := range []*fakeMember{h1, v} {
		reasons := closeReasons(t, m)
		if len(reasons) != 1 || reasons[0] != protocol.ReasonSessionClosedByOp {
			t.Fatalf("%s CLOSE reasons = %v", m.name, reasons)
		}
	}
	if sessions, viewers := r.Count(); sessions != 0 || viewers != 0 {
		t.Fatalf("Count after close = %d sessions, %d viewers", sessions, viewers)
	}
}

func TestReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrSessionNotFound, protocol.ReasonSessionNotFound},
		{fmt.Errorf("wrapped: %w", ErrSessionClosed), protocol.ReasonSessionClosed},
		{ErrSessionIDConflict, "SessionIdConflict"},
		{ErrCapacityExceeded, protocol.ReasonCapacityExceeded},
		{errors.New("boom"), protocol.ReasonInternalError},
	}
	for _, tt := range tests {
		if got := Reason(tt.err); got != tt.want {
			t.Errorf("Reason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
