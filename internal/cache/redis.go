// Package cache provides the Redis-backed idempotency result cache.
// It is the fast path in front of the store's idempotency records; a
// miss or a Redis outage degrades to the durable path, never to a
// double-credit.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"creditledger/internal/model"
)

const keyPrefix = "idem:"

type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (c *Redis) Lookup(ctx context.Context, ref string) (model.TxResult, bool, error) {
	data, err := c.client.Get(ctx, keyPrefix+ref).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.TxResult{}, false, nil
	}
	if err != nil {
		return model.TxResult{}, false, fmt.Errorf("cache lookup %q: %w", ref, err)
	}
	var res model.TxResult
	if err := json.Unmarshal(data, &res); err != nil {
		return model.TxResult{}, false, fmt.Errorf("cache decode %q: %w", ref, err)
	}
	return res, true, nil
}

func (c *Redis) Record(ctx context.Context, ref string, res model.TxResult, ttl time.Duration) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	// SetNX keeps the first recorded result; replays must all observe it.
	if err := c.client.SetNX(ctx, keyPrefix+ref, data, ttl).Err(); err != nil {
		return fmt.Errorf("cache record %q: %w", ref, err)
	}
	return nil
}
