// ABOUTME: In-memory fan-out broadcaster keyed by conversation id
// ABOUTME: Publish drops values for slow subscribers; Deliver waits for them

package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Broadcaster provides in-memory pub/sub. Subscribers register for a key and
// receive every value published to it after subscribing.
type Broadcaster[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]subscriber[T] // key -> subID -> sub
	closed      bool
	closing     chan struct{}
	closeOnce   sync.Once
	logger      *slog.Logger
}

type subscriber[T any] struct {
	ch   chan T
	done <-chan struct{} // the subscriber's ctx
}

// New creates a broadcaster. Pass nil logger for default.
func New[T any](logger *slog.Logger) *Broadcaster[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster[T]{
		subscribers: make(map[string]map[string]subscriber[T]),
		closing:     make(chan struct{}),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for key. It returns the receive channel and
// a subscription ID for Unsubscribe. The subscription is removed when ctx is
// cancelled. Subscribing to a closed broadcaster returns a closed channel.
func (b *Broadcaster[T]) Subscribe(ctx context.Context, key string) (<-chan T, string) {
	subID := uuid.New().String()
	ch := make(chan T, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[key]; !ok {
		b.subscribers[key] = make(map[string]subscriber[T])
	}
	b.subscribers[key][subID] = subscriber[T]{ch: ch, done: ctx.Done()}
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "key", key, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(key, subID)
	}()

	return ch, subID
}

// Publish sends v to all subscribers of key except excludeSubID, if set.
// Values are dropped for subscribers whose channels are full.
func (b *Broadcaster[T]) Publish(key string, v T, excludeSubID string) {
	// Sends are non-blocking, so holding the read lock keeps Unsubscribe from
	// closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subscribers[key] {
		if excludeSubID != "" && id == excludeSubID {
			continue
		}
		select {
		case sub.ch <- v:
		default:
			b.logger.Debug("dropped value for slow subscriber", "key", key, "sub_id", id)
		}
	}
}

// Deliver sends v to every subscriber of key, waiting for each one to take
// it. A subscriber is skipped once its ctx is cancelled or the broadcaster
// is closing. Use it for values a subscriber must not miss; callers must not
// hold locks a subscriber needs to make progress.
func (b *Broadcaster[T]) Deliver(key string, v T) {
	// Unsubscribe needs the write lock, so channels stay open for the
	// duration. A blocked send always has an exit through done or closing.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subscribers[key] {
		select {
		case sub.ch <- v:
		case <-sub.done:
			b.logger.Debug("subscriber left before delivery", "key", key, "sub_id", id)
		case <-b.closing:
			return
		}
	}
}

// Subscribers returns the number of live subscriptions for key.
func (b *Broadcaster[T]) Subscribers(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[key])
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster[T]) Unsubscribe(key, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[key]
	if !ok {
		return
	}
	sub, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(sub.ch)

	if len(subs) == 0 {
		delete(b.subscribers, key)
	}

	b.logger.Debug("subscriber removed", "key", key, "sub_id", subID)
}

// Close closes every subscriber channel. Pending Deliver calls return and
// later Publish and Deliver calls are no-ops.
func (b *Broadcaster[T]) Close() {
	b.closeOnce.Do(func() { close(b.closing) })

	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subscribers {
		for subID, sub := range subs {
			close(sub.ch)
			delete(subs, subID)
		}
		delete(b.subscribers, key)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}
