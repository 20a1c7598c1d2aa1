package event

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"deltran/pkg/logger"
)

// Subscriber receives every published event, in publication order, on a
// buffered channel. When a subscriber's buffer is full, that one delivery
// is dropped and logged rather than allowed to block publication; the
// subscriber stays registered and receives later events.
type Subscriber struct {
	ch   chan Event
	name string
}

func (s *Subscriber) Events() <-chan Event { return s.ch }

// Bus fans out published events to in-process subscribers and, through an
// optional websocket bridge (see bridge.go), to external demo clients. It
// deduplicates by event ID using Redis SETNX with a TTL, the same pattern
// the teacher uses for HTTP idempotency keys
// (internal/middleware/idempotency.go Require/SetNX), generalized from
// request dedup to event-delivery dedup.
type Bus struct {
	redis *redis.Client
	dedupTTL time.Duration
	log   logger.Logger

	mu          sync.RWMutex
	subscribers map[string]*Subscriber
}

func NewBus(rdb *redis.Client, dedupTTL time.Duration, log logger.Logger) *Bus {
	return &Bus{
		redis:       rdb,
		dedupTTL:    dedupTTL,
		log:         log,
		subscribers: make(map[string]*Subscriber),
	}
}

// Subscribe registers a new in-process subscriber with the given buffer
// depth. Callers must call Unsubscribe when done to release the channel.
func (b *Bus) Subscribe(name string, buffer int) *Subscriber {
	sub := &Subscriber{ch: make(chan Event, buffer), name: name}
	b.mu.Lock()
	b.subscribers[name] = sub
	b.mu.Unlock()
	return sub
}

func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[name]; ok {
		close(sub.ch)
		delete(b.subscribers, name)
	}
}

// Publish emits one event of the given type and payload. Publication is
// at-least-once from the caller's perspective: Publish only returns an
// error if the dedup reservation itself fails (Redis unavailable), never
// because a slow subscriber couldn't keep up.
func (b *Bus) Publish(ctx context.Context, t Type, payload map[string]interface{}) (Event, error) {
	ev := newEvent(t, payload)
	return ev, b.deliver(ctx, ev)
}

// Redeliver re-publishes a previously constructed event, e.g. from a durable
// outbox retry loop. The dedup key is the event's own ID, so redelivery of
// an already-delivered event is a safe no-op from every subscriber's view.
func (b *Bus) Redeliver(ctx context.Context, ev Event) error {
	return b.deliver(ctx, ev)
}

func (b *Bus) deliver(ctx context.Context, ev Event) error {
	dedupKey := fmt.Sprintf("event:dedup:%s", ev.ID.String())
	reserved, err := b.redis.SetNX(ctx, dedupKey, "1", b.dedupTTL).Result()
	if err != nil {
		return fmt.Errorf("event: dedup reservation failed: %w", err)
	}
	if !reserved {
		b.log.Info("event: duplicate suppressed", map[string]interface{}{"event_id": ev.ID.String(), "type": string(ev.Type)})
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for name, sub := range b.subscribers {
		select {
		case sub.ch <- ev:
		default:
			b.log.Warn("event: subscriber buffer full, dropping delivery", map[string]interface{}{
				"subscriber": name,
				"event_id":   ev.ID.String(),
				"type":       string(ev.Type),
			})
		}
	}
	return nil
}
