package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agrous/stock-ledger/internal/core/domain"
	"github.com/agrous/stock-ledger/internal/port"
)

const (
	itemChannelPrefix = "items:"
	idempotencyKeyTTL = 24 * time.Hour
)

var (
	_ port.CacheRepository = (*RedisAdapter)(nil)
	_ port.Notifier        = (*RedisAdapter)(nil)
)

// RedisAdapter holds idempotency keys and carries item snapshots over
// pub/sub so every server instance can feed its WebSocket subscribers.
// Stock itself never lives here.
type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisAdapter) PublishItem(ctx context.Context, item domain.Item) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}
	return r.client.Publish(ctx, itemChannelPrefix+item.ID, payload).Err()
}

func (r *RedisAdapter) SubscribeItem(ctx context.Context, itemID string) (<-chan domain.Item, func(), error) {
	pubsub := r.client.Subscribe(ctx, itemChannelPrefix+itemID)

	// Wait for the subscription to be confirmed so no publish after this
	// call returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", itemID, err)
	}

	out := make(chan domain.Item, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var item domain.Item
			if err := json.Unmarshal([]byte(msg.Payload), &item); err != nil {
				continue
			}
			select {
			case out <- item:
			default:
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() { pubsub.Close() })
	}
	stop := context.AfterFunc(ctx, cancel)

	return out, func() {
		stop()
		cancel()
	}, nil
}
