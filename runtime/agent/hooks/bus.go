// Package hooks publishes observability events produced by the executor and
// the orchestration loop. Subscribers persist them (run log), stream them
// (Pulse sink), or feed tests.
package hooks

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus fans events out to registered subscribers.
	//
	// Delivery is synchronous in the publisher goroutine, in registration
	// order, and stops at the first subscriber error.
	Bus interface {
		// Publish delivers event to every registered subscriber.
		Publish(ctx context.Context, event Event) error
		// Register adds sub and returns a Subscription that removes it.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber handles published events. Implementations must be safe for
	// concurrent use since the executor publishes from several goroutines.
	// Returning an error halts delivery to later subscribers and is reported
	// to the publisher, so non-critical failures should be logged instead.
	Subscriber interface {
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a function to Subscriber.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription is an active registration. Close is idempotent.
	Subscription interface {
		Close() error
	}

	bus struct {
		mu   sync.RWMutex
		subs []*subscription
	}

	subscription struct {
		bus  *bus
		sub  Subscriber
		once sync.Once
	}
)

// NewBus returns an empty in-memory bus.
func NewBus() Bus {
	return &bus{}
}

// HandleEvent calls f.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

func (b *bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()
	for _, s := range subs {
		if err := s.sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b, sub: sub}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s, nil
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, other := range b.subs {
			if other == s {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	})
	return nil
}
