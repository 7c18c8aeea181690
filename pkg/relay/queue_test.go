package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/NicolasHaas/screenrelay/pkg/protocol"
)

func framePacket(seq uint64) Packet {
	return NewPacket(protocol.NewDataMessage(protocol.TypeFrame, seq, []byte{byte(seq)}))
}

func clipPacket(seq uint64) Packet {
	return NewPacket(protocol.NewDataMessage(protocol.TypeClipboard, seq, []byte("clip")))
}

func drain(t *testing.T, q *Queue) []Packet {
	t.Helper()
	var out []Packet
	for q.Len() > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		p, err := q.Pop(ctx)
		cancel()
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		out = append(out, p)
	}
	return out
}

func sequences(t *testing.T, ps []Packet) []uint64 {
	t.Helper()
	seqs := make([]uint64, 0, len(ps))
	for _, p := range ps {
		d, err := protocol.DecodeData(protocol.Message{Type: p.Type, Payload: p.Wire[protocol.HeaderSize:]})
		if err != nil {
			t.Fatalf("DecodeData: %v", err)
		}
		seqs = append(seqs, d.Sequence)
	}
	return seqs
}

func TestQueueKeepsLatestFrames(t *testing.T) {
	const k = 4
	evicted := 0
	q := NewQueue(k, func(Packet) { evicted++ })

	for seq := uint64(1); seq <= 100; seq++ {
		if err := q.Push(framePacket(seq)); err != nil {
			t.Fatalf("Push(%d): %v", seq, err)
		}
	}
	if q.Len() != k {
		t.Fatalf("Len want=%d got=%d", k, q.Len())
	}
	if evicted != 100-k || q.Evicted() != uint64(100-k) {
		t.Fatalf("evicted want=%d got callback=%d counter=%d", 100-k, evicted, q.Evicted())
	}

	got := sequences(t, drain(t, q))
	want := []uint64{97, 98, 99, 100}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sequences want=%v got=%v", want, got)
		}
	}
}

func TestQueueNeverDropsClipboard(t *testing.T) {
	const k = 2
	q := NewQueue(k, nil)

	_ = q.Push(framePacket(1))
	_ = q.Push(framePacket(2))
	if err := q.Push(clipPacket(3)); err != nil {
		t.Fatalf("Push clipboard: %v", err)
	}
	// Full of non-frames now except frame 2; more clipboards go past capacity.
	for seq := uint64(4); seq <= 6; seq++ {
		if err := q.Push(clipPacket(seq)); err != nil {
			t.Fatalf("Push clipboard %d: %v", seq, err)
		}
	}

	got := drain(t, q)
	var clips []uint64
	for i, seq := range sequences(t, got) {
		if got[i].Type == protocol.TypeClipboard {
			clips = append(clips, seq)
		}
	}
	if len(clips) != 4 {
		t.Fatalf("clipboards delivered want=4 got=%v", clips)
	}
	for i := 1; i < len(clips); i++ {
		if clips[i] <= clips[i-1] {
			t.Fatalf("clipboards out of order: %v", clips)
		}
	}
}

func TestQueueOverflow(t *testing.T) {
	const k = 1
	q := NewQueue(k, nil)
	limit := 4*k + 16
	for i := 0; i < limit; i++ {
		if err := q.Push(clipPacket(uint64(i))); err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
	}
	if err := q.Push(clipPacket(999)); !errors.Is(err, ErrQueueOverflow) {
		t.Fatalf("Push past hard limit: want ErrQueueOverflow, got %v", err)
	}
}

func TestQueuePushFinal(t *testing.T) {
	q := NewQueue(8, nil)
	_ = q.Push(framePacket(1))
	_ = q.Push(clipPacket(2))
	_ = q.Push(framePacket(3))

	closeMsg := NewPacket(protocol.NewCloseMessage(protocol.ReasonHostDisconnected))
	if err := q.PushFinal(closeMsg); err != nil {
		t.Fatalf("PushFinal: %v", err)
	}
	if err := q.PushFinal(closeMsg); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("second PushFinal: want ErrQueueClosed, got %v", err)
	}
	if err := q.Push(framePacket(4)); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Push after final: want ErrQueueClosed, got %v", err)
	}

	got := drain(t, q)
	if len(got) != 2 || got[0].Type != protocol.TypeClipboard || got[1].Type != protocol.TypeClose {
		types := make([]protocol.Type, 0, len(got))
		for _, p := range got {
			types = append(types, p.Type)
		}
		t.Fatalf("after final want [CLIPBOARD CLOSE], got %v", types)
	}
	if _, err := q.Pop(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Pop after final: want ErrQueueClosed, got %v", err)
	}
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := NewQueue(2, nil)
	done := make(chan Packet, 1)
	go func() {
		p, err := q.Pop(context.Background())
		if err == nil {
			done <- p
		}
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	_ = q.Push(framePacket(7))

	select {
	case p, ok := <-done:
		if !ok || p.Type != protocol.TypeFrame {
			t.Fatalf("Pop got %+v ok=%t", p, ok)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not wake up")
	}
}

func TestQueueCloseWakesPop(t *testing.T) {
	q := NewQueue(2, nil)
	errc := make(chan error, 1)
	go func() {
		_, err := q.Pop(context.Background())
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrQueueClosed) {
			t.Fatalf("Pop after Close: want ErrQueueClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not wake Pop")
	}
}

func TestQueuePopContext(t *testing.T) {
	q := NewQueue(2, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Pop: want DeadlineExceeded, got %v", err)
	}
}
