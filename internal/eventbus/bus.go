package eventbus

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Event is a small in-memory signal used to decouple components.
// Data should be small and ideally JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Handler reacts to an emitted event. A returned error is reported to the
// emitter but does not stop other handlers.
type Handler func(ctx context.Context, e Event) error

// HandlerID identifies a registration for Off.
type HandlerID uint64

// Bus is an instance-scoped pub/sub hub.
//
// Contract:
//   - Emit runs every handler registered for the type concurrently and waits
//     for all of them. Handler order is unspecified.
//   - Publish and Emit both feed channel subscribers without blocking; a slow
//     subscriber drops events.
//   - Nothing is persisted. Handlers registered later never see past events.
type Bus interface {
	On(eventType string, h Handler) HandlerID
	Off(id HandlerID)
	Emit(ctx context.Context, e Event) error

	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It owns no background goroutines.
func New() Bus {
	return &memBus{
		subs:     map[uint64]chan Event{},
		handlers: map[HandlerID]registration{},
	}
}

type registration struct {
	eventType string
	h         Handler
}

type memBus struct {
	mu       sync.RWMutex
	subs     map[uint64]chan Event
	handlers map[HandlerID]registration
	seq      atomic.Uint64
}

func (b *memBus) On(eventType string, h Handler) HandlerID {
	if h == nil {
		return 0
	}
	id := HandlerID(b.seq.Add(1))
	b.mu.Lock()
	b.handlers[id] = registration{eventType: eventType, h: h}
	b.mu.Unlock()
	return id
}

func (b *memBus) Off(id HandlerID) {
	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
}

func (b *memBus) Emit(ctx context.Context, e Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	hs := make([]Handler, 0, 4)
	for _, r := range b.handlers {
		if r.eventType == e.Type {
			hs = append(hs, r.h)
		}
	}
	b.mu.RUnlock()

	b.Publish(e)

	if len(hs) == 0 {
		return nil
	}

	// errgroup.Group without a derived context: one failing handler must not
	// cancel its siblings.
	var g errgroup.Group
	for _, h := range hs {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("eventbus: handler for %s panicked: %v\n%s", e.Type, r, debug.Stack())
				}
			}()
			return h(ctx, e)
		})
	}
	return g.Wait()
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// An unsubscribe may close ch concurrently.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
