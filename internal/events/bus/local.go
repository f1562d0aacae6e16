package bus

import (
	"context"
	"strings"
	"sync"
)

// LocalEventBus is an in-process event bus. It implements the same subject
// matching semantics as NATS ("*" matches one token, ">" matches the rest)
// and delivers events synchronously in publish order.
type LocalEventBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*localSub
	closed bool
}

type localSub struct {
	subject string
	handler Handler
}

var _ EventBus = (*LocalEventBus)(nil)

// NewLocalEventBus creates an in-process bus.
func NewLocalEventBus() *LocalEventBus {
	return &LocalEventBus{subs: make(map[int]*localSub)}
}

// Publish delivers the event to all matching subscribers.
func (b *LocalEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	var handlers []Handler
	for _, sub := range b.subs {
		if subjectMatches(sub.subject, subject) {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, event)
	}
	return nil
}

// Subscribe registers a handler for a subject pattern.
func (b *LocalEventBus) Subscribe(subject string, handler Handler) (Unsubscribe, error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = &localSub{subject: subject, handler: handler}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}, nil
}

// Close removes all subscriptions.
func (b *LocalEventBus) Close() error {
	b.mu.Lock()
	b.subs = make(map[int]*localSub)
	b.closed = true
	b.mu.Unlock()
	return nil
}

// subjectMatches reports whether a subject matches a pattern with NATS
// wildcard semantics.
func subjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, p := range pt {
		if p == ">" {
			return true
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
