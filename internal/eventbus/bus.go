// Package eventbus is an in-process, non-blocking pub/sub implementation of
// ports.EventBus, grounded on maestro_v2's internal/events.Bus: per-
// subscriber buffered channels, dropped sends instead of blocking
// publishers; Publish delivers inline, with no delivery goroutines. It
// generalizes the
// single-EventType keying into dot-separated subject patterns (run.<id>.*,
// step.<run>.<step>.completed, …) matching spec.md §6's event grammar.
package eventbus

import (
	"context"
	"strings"
	"sync"

	"github.com/blockci/enginecore/internal/domain"
)

type subscription struct {
	pattern []string
	ch      chan domain.Event
}

// Bus is a subject-pattern event bus.
type Bus struct {
	mu         sync.RWMutex
	subs       map[int]*subscription
	nextID     int
	bufferSize int
}

// New creates a Bus with the given per-subscriber channel buffer size.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{subs: make(map[int]*subscription), bufferSize: bufferSize}
}

// Publish fans an event out to every subscription whose pattern matches the
// event's subject. A full subscriber channel causes the event to be
// dropped for that subscriber only, never blocking the publisher — at-
// least-once delivery to a healthy, keeping-up subscriber is still
// guaranteed by the idempotency keys carried on the event itself
// (spec.md §6), not by this bus.
func (b *Bus) Publish(ctx context.Context, event domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subject := strings.Split(event.Subject(), ".")
	for _, sub := range b.subs {
		if !matchSubject(sub.pattern, subject) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe registers interest in subjects matching pattern (dot-separated,
// "*" matches exactly one segment, "**" matches any number of trailing
// segments). The returned channel is closed, and delivery stopped, once the
// unsubscribe func is called or ctx is done.
func (b *Bus) Subscribe(ctx context.Context, pattern string) (<-chan domain.Event, func(), error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscription{
		pattern: strings.Split(pattern, "."),
		ch:      make(chan domain.Event, b.bufferSize),
	}
	b.subs[id] = sub
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
	}

	go func() {
		<-ctx.Done()
		unsubscribe()
	}()

	return sub.ch, unsubscribe, nil
}

func matchSubject(pattern, subject []string) bool {
	for i, tok := range pattern {
		if tok == "**" {
			return true // matches the rest, however long
		}
		if i >= len(subject) {
			return false
		}
		if tok != "*" && tok != subject[i] {
			return false
		}
	}
	return len(pattern) == len(subject)
}
