// Package bus implements an in-process, non-blocking publish/subscribe fan-out
// for host events: status updates, alarms, job progress, diagnoses and the
// like. Every subsystem that wants to observe the machine subscribes to the
// event types it cares about; the Controller, JobRunner and RecoverySupervisor
// are the bus's principal publishers.
package bus

import (
	"sync"

	"github.com/cncforge/grblhost/internal/logging"
	"github.com/cncforge/grblhost/internal/types"
)

const (
	subscriberBufSize = 64
	tapBufSize        = 256
)

// Bus is the observable event bus. All cross-component notification passes
// through it. Multiple consumers (RecoverySupervisor, UI, loggers) can each
// register their own tap channel via NewTap to observe the full stream.
type Bus struct {
	log logging.Logger

	mu          sync.RWMutex
	subscribers map[types.EventType][]chan types.Event
	taps        []chan types.Event
}

// New creates a new Bus. A nil log is replaced with a no-op logger.
func New(log logging.Logger) *Bus {
	return &Bus{
		log:         logging.OrNop(log),
		subscribers: make(map[types.EventType][]chan types.Event),
	}
}

// Publish fans out ev to all subscribers of ev.Type and to every tap channel.
// Non-blocking: a full subscriber channel drops the event with a warning
// rather than stalling the publisher.
func (b *Bus) Publish(ev types.Event) {
	b.mu.RLock()
	subs := b.subscribers[ev.Type]
	taps := b.taps
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			b.log.Warn("bus: subscriber channel full, event dropped", "type", string(ev.Type), "source", ev.Source)
		}
	}

	for _, tap := range taps {
		select {
		case tap <- ev:
		default:
			b.log.Warn("bus: tap channel full, event dropped", "type", string(ev.Type))
		}
	}
}

// Subscribe returns a receive-only channel that delivers events of type t.
// Each call creates a new, independent subscriber channel.
func (b *Bus) Subscribe(t types.EventType) <-chan types.Event {
	ch := make(chan types.Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[t] = append(b.subscribers[t], ch)
	b.mu.Unlock()
	return ch
}

// NewTap registers and returns a new read-only tap channel that receives
// every published event regardless of type.
func (b *Bus) NewTap() <-chan types.Event {
	ch := make(chan types.Event, tapBufSize)
	b.mu.Lock()
	b.taps = append(b.taps, ch)
	b.mu.Unlock()
	return ch
}

// Tap is an alias for NewTap, kept for call sites that prefer the shorter name.
func (b *Bus) Tap() <-chan types.Event {
	return b.NewTap()
}
