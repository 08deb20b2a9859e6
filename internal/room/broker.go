package room

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "room:"

// Broker fans room payloads out to every server instance, including the
// one that published them.
type Broker interface {
	Publish(ctx context.Context, roomID string, payload []byte) error
	Subscribe(ctx context.Context) (<-chan Delivery, error)
}

type RedisBroker struct {
	redis *redis.Client
	log   *slog.Logger
}

func NewRedisBroker(client *redis.Client, log *slog.Logger) *RedisBroker {
	return &RedisBroker{redis: client, log: log}
}

func (b *RedisBroker) Publish(ctx context.Context, roomID string, payload []byte) error {
	return b.redis.Publish(ctx, channelPrefix+roomID, payload).Err()
}

// Subscribe listens on every room channel until ctx is done.
func (b *RedisBroker) Subscribe(ctx context.Context) (<-chan Delivery, error) {
	pubsub := b.redis.PSubscribe(ctx, channelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to rooms: %w", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				roomID := strings.TrimPrefix(msg.Channel, channelPrefix)
				select {
				case out <- Delivery{RoomID: roomID, Payload: []byte(msg.Payload)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	b.log.Info("Subscribed to room channels", "pattern", channelPrefix+"*")
	return out, nil
}

// MemoryBroker is a single-instance Broker, used when no Redis is configured.
type MemoryBroker struct {
	mu   sync.Mutex
	subs []chan Delivery
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{}
}

func (b *MemoryBroker) Publish(ctx context.Context, roomID string, payload []byte) error {
	b.mu.Lock()
	subs := append([]chan Delivery(nil), b.subs...)
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- Delivery{RoomID: roomID, Payload: payload}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context) (<-chan Delivery, error) {
	ch := make(chan Delivery, 256)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.subs {
			if sub == ch {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
	}()
	return ch, nil
}
