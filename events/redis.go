package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus fans events out over Redis pub/sub so every engine instance
// sees every event. Delivery is fire-and-forget: subscribers joining
// later do not replay history.
type RedisBus struct {
	client    *redis.Client
	prefix    string
	pubsub    *redis.PubSub
	mu        sync.RWMutex
	handlers  map[Kind]map[string]Handler
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

// NewRedisBus creates a bus on an existing client. The constructor
// blocks until the pattern subscription is confirmed so that events
// published right after it returns are not lost.
func NewRedisBus(client *redis.Client, prefix string, logger *zap.Logger) (*RedisBus, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	if prefix == "" {
		prefix = "flowsmith:events"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx := context.Background()
	pubsub := client.PSubscribe(ctx, prefix+":*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s:*: %w", prefix, err)
	}

	bus := &RedisBus{
		client:   client,
		prefix:   prefix,
		pubsub:   pubsub,
		handlers: make(map[Kind]map[string]Handler),
		done:     make(chan struct{}),
		logger:   logger.With(zap.String("component", "redis_event_bus")),
	}
	go bus.consume()
	return bus, nil
}

func (b *RedisBus) channel(kind Kind) string {
	return b.prefix + ":" + string(kind)
}

// Publish marshals the event and publishes it on the kind's channel.
func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(event.Kind), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe registers a local handler for a kind; KindAll matches everything.
func (b *RedisBus) Subscribe(kind Kind, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[kind] == nil {
		b.handlers[kind] = make(map[string]Handler)
	}
	id := fmt.Sprintf("%s-%d", kind, atomic.AddInt64(&subscriptionCounter, 1))
	b.handlers[kind][id] = handler
	return id
}

// Unsubscribe removes a handler.
func (b *RedisBus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for kind, handlers := range b.handlers {
		if _, ok := handlers[subscriptionID]; ok {
			delete(handlers, subscriptionID)
			if len(handlers) == 0 {
				delete(b.handlers, kind)
			}
			return
		}
	}
}

func (b *RedisBus) consume() {
	ch := b.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warn("dropping malformed event payload",
					zap.String("channel", msg.Channel),
					zap.Error(err))
				continue
			}
			b.dispatch(event)
		case <-b.done:
			return
		}
	}
}

func (b *RedisBus) dispatch(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Kind])+len(b.handlers[KindAll]))
	for _, h := range b.handlers[event.Kind] {
		handlers = append(handlers, h)
	}
	for _, h := range b.handlers[KindAll] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		h := handler
		go func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked", zap.Any("recover", r))
				}
			}()
			h(event)
		}()
	}
}

// Close stops the consumer. The Redis client is owned by the caller
// and stays open.
func (b *RedisBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		err = b.pubsub.Close()
	})
	return err
}
