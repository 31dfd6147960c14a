package runtime

import (
	"sync"

	"github.com/google/uuid"

	"github.com/qsologio/qsolog/pkg/types"
)

// EventKind names a runtime event variant.
type EventKind uint8

const (
	// EventOpApplied is published once per applied op, before any
	// EventDurableUpTo covering it.
	EventOpApplied EventKind = iota
	// EventDurableUpTo reports that ops 1..Seq are persisted. Values are
	// monotonic nondecreasing per subscriber.
	EventDurableUpTo
	// EventPersistError reports a failed batch commit; the runtime is
	// degraded from this point on.
	EventPersistError
	// EventShutdown is the final event a subscriber receives.
	EventShutdown
)

func (k EventKind) String() string {
	switch k {
	case EventOpApplied:
		return "op_applied"
	case EventDurableUpTo:
		return "durable_up_to"
	case EventPersistError:
		return "persist_error"
	case EventShutdown:
		return "shutdown"
	}
	return "unknown"
}

// Event is one entry on the broadcast stream.
type Event struct {
	Kind EventKind
	// Seq is the op sequence for OpApplied, the durable high-water mark for
	// DurableUpTo, and the last durable sequence for PersistError.
	Seq types.OpSeq
	// Summary carries the op summary for OpApplied.
	Summary string
	// Detail carries the failure description for PersistError.
	Detail string
}

// Subscription is one subscriber's view of the event stream. Laggards lose
// intermediate events but always receive the next one; the channel closes
// after EventShutdown.
type Subscription struct {
	id     string
	ch     chan Event
	cancel func(id string)
	once   sync.Once
}

// Events returns the receive channel.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Cancel detaches the subscription. Idempotent.
func (s *Subscription) Cancel() {
	s.once.Do(func() { s.cancel(s.id) })
}

// broadcaster fans events out to subscribers without ever blocking the
// writer: a full subscriber buffer drops its oldest event to make room.
type broadcaster struct {
	mu      sync.Mutex
	buffer  int
	subs    map[string]chan Event
	closed  bool
	onDrop  func()
	onCount func(n int)
}

func newBroadcaster(buffer int) *broadcaster {
	return &broadcaster{
		buffer: buffer,
		subs:   make(map[string]chan Event),
	}
}

func (b *broadcaster) subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return &Subscription{id: "", ch: ch, cancel: func(string) {}}
	}
	id := uuid.New().String()
	b.subs[id] = ch
	if b.onCount != nil {
		b.onCount(len(b.subs))
	}
	return &Subscription{id: id, ch: ch, cancel: b.remove}
}

func (b *broadcaster) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
		if b.onCount != nil {
			b.onCount(len(b.subs))
		}
	}
}

// publish is called by the writer goroutine only.
func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		// Single producer: after evicting one entry the send succeeds.
		select {
		case <-ch:
			if b.onDrop != nil {
				b.onDrop()
			}
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	if b.onCount != nil {
		b.onCount(0)
	}
}
