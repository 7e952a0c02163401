package bus

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"rollcall.dev/internal/obs"
)

// Event types published on the bus.
const (
	TypeTransition = "transition"
	TypeLog        = "log"
	TypeOverflow   = "overflow"
)

// Event is one status transition or log line. Statuses travel as strings so
// observers can decode the stream without the domain packages.
type Event struct {
	Seq        uint64    `json:"seq"`
	Type       string    `json:"type"`
	IdentityID string    `json:"identity_id,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

const defaultBuffer = 64

// Bus fan-outs events to all subscribers. Publish never blocks: each
// subscriber owns a bounded queue drained by its own pump goroutine, and
// when the queue overflows the oldest entry is dropped and an overflow
// marker is delivered in its place.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	seq    atomic.Uint64
	buffer int
}

type subscriber struct {
	mu      sync.Mutex
	queue   []Event
	limit   int
	dropped int
	wake    chan struct{}
	out     chan Event
}

// New initialises an empty bus. buffer is the per-subscriber queue bound;
// non-positive means the default.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus{
		subs:   make(map[uint64]*subscriber),
		buffer: buffer,
	}
}

// Publish stamps the event and hands it to every subscriber queue. For one
// subscriber, events are delivered in publish order, so transitions of a
// single identity arrive in the order they occurred.
func (b *Bus) Publish(evt Event) {
	evt.Seq = b.seq.Add(1)
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		sub.push(evt)
	}
}

// Subscribe registers a subscriber and returns its delivery channel. The
// channel is closed when the provided context ends. buffer overrides the
// bus default when positive.
func (b *Bus) Subscribe(ctx context.Context, buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = b.buffer
	}
	sub := &subscriber{
		limit: buffer,
		wake:  make(chan struct{}, 1),
		out:   make(chan Event),
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		defer func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.out)
		}()
		sub.pump(ctx)
	}()

	return sub.out
}

// SubscriberCount reports the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// push appends the event, dropping the oldest entry once the queue is full.
func (s *subscriber) push(evt Event) {
	s.mu.Lock()
	if len(s.queue) >= s.limit {
		s.queue = s.queue[1:]
		s.dropped++
		obs.EventDropped()
	}
	s.queue = append(s.queue, evt)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump drains the queue into the delivery channel. A pending drop count is
// surfaced as one overflow marker ahead of the remaining (newer) events.
func (s *subscriber) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
		for {
			evt, ok := s.next()
			if !ok {
				break
			}
			select {
			case s.out <- evt:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *subscriber) next() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropped > 0 {
		n := s.dropped
		s.dropped = 0
		return Event{
			Type:   TypeOverflow,
			Detail: strconv.Itoa(n) + " events dropped",
			At:     time.Now().UTC(),
		}, true
	}
	if len(s.queue) == 0 {
		return Event{}, false
	}
	evt := s.queue[0]
	s.queue = s.queue[1:]
	return evt, true
}
