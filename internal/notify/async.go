package notify

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Async delivers events on a background goroutine so slow sinks never hold
// up the pipeline. Events are dropped, with a log line, when the buffer is
// full. Close drains what is queued.
type Async struct {
	next   Notifier
	events chan asyncEvent
	done   chan struct{}
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

type asyncEvent struct {
	ctx context.Context
	e   Event
}

// NewAsync starts a delivery goroutine in front of next.
func NewAsync(next Notifier, buffer int) *Async {
	if buffer <= 0 {
		buffer = 64
	}
	a := &Async{
		next:   next,
		events: make(chan asyncEvent, buffer),
		done:   make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *Async) loop() {
	defer close(a.done)
	for ev := range a.events {
		a.next.Notify(ev.ctx, ev.e)
	}
}

func (a *Async) Notify(ctx context.Context, e Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		log.Warn().Str("message", e.Message).Msg("Notification after close dropped")
		return
	}
	select {
	case a.events <- asyncEvent{ctx: context.WithoutCancel(ctx), e: e}:
	default:
		log.Warn().Str("message", e.Message).Msg("Notification buffer full, event dropped")
	}
}

// Close stops accepting events and waits for the queue to drain or ctx to end.
func (a *Async) Close(ctx context.Context) {
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.events)
		a.mu.Unlock()
	})
	select {
	case <-a.done:
	case <-ctx.Done():
		log.Warn().Msg("Notification queue not drained before deadline")
	}
}
