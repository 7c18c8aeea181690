package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/NicolasHaas/screenrelay/pkg/protocol"
)

var (
	// ErrQueueOverflow means the consumer fell so far behind on messages that
	// cannot be dropped that the queue hit its hard limit.
	ErrQueueOverflow = errors.New("relay: outbound queue overflow")
	// ErrQueueClosed is returned by Push after Close or after a final packet,
	// and by Pop once the queue is closed or its final packet was taken.
	ErrQueueClosed = errors.New("relay: outbound queue closed")
)

// DefaultQueueCapacity is the number of queued messages per connection before
// frames start being evicted.
const DefaultQueueCapacity = 8

// Packet is an encoded wire message waiting in an outbound queue. Wire is
// shared between all queues a broadcast reached and must not be modified.
type Packet struct {
	Type protocol.Type
	Wire []byte
}

// NewPacket encodes m once for queueing.
func NewPacket(m protocol.Message) Packet {
	return Packet{Type: m.Type, Wire: m.Encode()}
}

// Queue is a connection's outbound message queue. Any goroutine may push;
// a single writer goroutine pops.
//
// Once Len reaches the capacity, every push first evicts the oldest queued
// FRAME. Clipboard and control packets are never evicted: when no FRAME is
// left to evict they are appended past the capacity, up to a hard limit of
// 4*capacity+16 packets.
type Queue struct {
	mu        sync.Mutex
	items     []Packet
	capacity  int
	hardLimit int
	final     bool
	finalSent bool
	closed    bool
	evicted   uint64

	notify  chan struct{}
	onEvict func(Packet)
}

// NewQueue creates a queue holding up to capacity packets before evicting
// frames. onEvict, when non-nil, is called for every evicted frame with the
// queue lock held; it must not touch the queue.
func NewQueue(capacity int, onEvict func(Packet)) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		items:     make([]Packet, 0, capacity),
		capacity:  capacity,
		hardLimit: 4*capacity + 16,
		notify:    make(chan struct{}, 1),
		onEvict:   onEvict,
	}
}

// Push enqueues p without blocking.
func (q *Queue) Push(p Packet) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.final {
		return ErrQueueClosed
	}
	if len(q.items) >= q.capacity {
		q.evictOldestFrame()
	}
	if len(q.items) >= q.hardLimit {
		return ErrQueueOverflow
	}
	q.items = append(q.items, p)
	q.signal()
	return nil
}

// PushFinal enqueues p as the last packet the writer will ever send. Queued
// frames are discarded so the final packet is not stuck behind stale video;
// queued clipboard and control packets are still delivered first. Later
// pushes fail with ErrQueueClosed.
func (q *Queue) PushFinal(p Packet) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.final {
		return ErrQueueClosed
	}
	kept := q.items[:0]
	for _, it := range q.items {
		if it.Type == protocol.TypeFrame {
			q.evicted++
			if q.onEvict != nil {
				q.onEvict(it)
			}
			continue
		}
		kept = append(kept, it)
	}
	clear(q.items[len(kept):])
	q.items = append(kept, p)
	q.final = true
	q.signal()
	return nil
}

// Pop blocks until a packet is available, the queue is closed, or ctx is done.
// After the final packet has been returned, Pop reports ErrQueueClosed.
func (q *Queue) Pop(ctx context.Context) (Packet, error) {
	for {
		q.mu.Lock()
		if q.closed || q.finalSent {
			q.mu.Unlock()
			return Packet{}, ErrQueueClosed
		}
		if len(q.items) > 0 {
			p := q.items[0]
			q.items[0] = Packet{}
			q.items = q.items[1:]
			if q.final && len(q.items) == 0 {
				q.finalSent = true
			}
			q.mu.Unlock()
			return p, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return Packet{}, ctx.Err()
		}
	}
}

// Close discards pending packets and wakes the writer.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	clear(q.items)
	q.items = nil
	q.signal()
}

// Len returns the number of queued packets.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Evicted returns how many frames this queue has dropped.
func (q *Queue) Evicted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}

// Final reports whether a final packet has been queued.
func (q *Queue) Final() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.final
}

func (q *Queue) evictOldestFrame() {
	for i, it := range q.items {
		if it.Type != protocol.TypeFrame {
			continue
		}
		copy(q.items[i:], q.items[i+1:])
		q.items[len(q.items)-1] = Packet{}
		q.items = q.items[:len(q.items)-1]
		q.evicted++
		if q.onEvict != nil {
			q.onEvict(it)
		}
		return
	}
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
