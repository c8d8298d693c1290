// Package events carries job state-change notifications between the
// components that change job state and the subscribers watching them.
//
// Notifications are hints: subscribers must re-read the store for the
// authoritative state, and a dropped notification is never an error.
package events

import (
	"context"
	"sync"

	"github.com/cuongbtq/mintqueue/internal/domain"
)

// Bus publishes and delivers job events
type Bus interface {
	Publish(ctx context.Context, ev domain.JobEvent) error
	// Subscribe delivers events for jobID until cancel is called or ctx ends
	Subscribe(ctx context.Context, jobID string) (ch <-chan domain.JobEvent, cancel func(), err error)
}

const subscriberBuffer = 16

// MemoryBus is an in-process Bus
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string]map[*memorySub]struct{}
}

type memorySub struct {
	ch   chan domain.JobEvent
	done chan struct{}
	once sync.Once
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus creates an in-process bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[*memorySub]struct{})}
}

// Publish never blocks; events for slow subscribers are dropped
func (b *MemoryBus) Publish(ctx context.Context, ev domain.JobEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs[ev.JobID] {
		select {
		case sub.ch <- ev:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, jobID string) (<-chan domain.JobEvent, func(), error) {
	sub := &memorySub{
		ch:   make(chan domain.JobEvent, subscriberBuffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[*memorySub]struct{})
	}
	b.subs[jobID][sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			b.mu.Lock()
			delete(b.subs[jobID], sub)
			if len(b.subs[jobID]) == 0 {
				delete(b.subs, jobID)
			}
			close(sub.ch)
			close(sub.done)
			b.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-sub.done:
		}
	}()

	return sub.ch, cancel, nil
}

// subscribers returns the number of live subscriptions for jobID
func (b *MemoryBus) subscribers(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}
