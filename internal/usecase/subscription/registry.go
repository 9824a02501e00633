// Package subscription fans server-pushed notifications out to observers.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"moonrpc/internal/domain"
)

// Wildcard subscribes to every notification regardless of method.
const Wildcard = "*"

// Handle identifies a registration so it can be removed later.
type Handle struct {
	id    uint64
	topic string
}

// Topic returns the topic the handle was registered under.
func (h Handle) Topic() string { return h.topic }

// Valid reports whether the handle came from Subscribe.
func (h Handle) Valid() bool { return h.id != 0 }

type subscription struct {
	id      uint64
	topic   string
	handler domain.NotificationHandler
}

// Registry is a goroutine-safe, synchronous notification fan-out.
//
// Subscriptions are kept in one slice so that topic and wildcard observers
// run in the exact order they registered.
type Registry struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID atomic.Uint64
	logger *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Subscribe registers handler for notifications whose method equals topic,
// or for all notifications when topic is Wildcard.
func (r *Registry) Subscribe(topic string, handler domain.NotificationHandler) Handle {
	if topic == "" {
		topic = Wildcard
	}
	id := r.nextID.Add(1)

	r.mu.Lock()
	r.subs = append(r.subs, subscription{id: id, topic: topic, handler: handler})
	r.mu.Unlock()

	return Handle{id: id, topic: topic}
}

// Unsubscribe removes the registration. Returns false if it was already gone.
func (r *Registry) Unsubscribe(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s.id == h.id {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Dispatch invokes every matching handler in registration order and returns
// once all of them have returned. A failing or panicking handler is logged
// and does not stop the others. Returns the number of handlers invoked.
func (r *Registry) Dispatch(ctx context.Context, n domain.Notification) int {
	r.mu.RLock()
	matched := make([]subscription, 0, len(r.subs))
	for _, s := range r.subs {
		if s.topic == Wildcard || s.topic == n.Method {
			matched = append(matched, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range matched {
		if err := r.invoke(ctx, n, s); err != nil {
			r.logger.Warn("notification handler failed",
				"method", n.Method,
				"topic", s.topic,
				"subscription", s.id,
				"error", err,
			)
		}
	}
	return len(matched)
}

func (r *Registry) invoke(ctx context.Context, n domain.Notification, s subscription) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return s.handler(ctx, n)
}
