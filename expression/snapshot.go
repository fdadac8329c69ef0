package expression

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"auralis_expression/cache"
	"auralis_expression/logger"
	"github.com/redis/go-redis/v9"
)

const (
	snapshotCacheKey      = "expression:state"
	snapshotGenerationKey = "expression:state:generation"
	snapshotCacheTTL      = 30 * time.Second
	snapshotCacheTimeout  = 300 * time.Millisecond
)

var errStaleSnapshot = errors.New("expression: snapshot generation moved")

// State is the full durable view a viewer needs to (re)synchronise.
type State struct {
	Mode      Mode    `json:"mode"`
	Entries   []Entry `json:"entries"`
	CurrentID string  `json:"current_id"`
	Current   *Entry  `json:"current"`
}

// SnapshotCache keeps the last State in Redis. A nil cache is valid and
// always misses.
type SnapshotCache struct {
	client *redis.Client
	log    *logger.Logger
}

// NewSnapshotCache returns nil when client is nil.
func NewSnapshotCache(client *redis.Client, log *logger.Logger) *SnapshotCache {
	if client == nil {
		return nil
	}
	if log == nil {
		log = logger.Nop()
	}
	return &SnapshotCache{client: client, log: log.With("component", "SnapshotCache")}
}

func (c *SnapshotCache) get(ctx context.Context) (State, bool) {
	if c == nil || c.client == nil {
		return State{}, false
	}
	ctx, cancel := cache.Timeout(ctx, snapshotCacheTimeout)
	defer cancel()

	data, err := c.client.Get(ctx, snapshotCacheKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("read state snapshot cache failed", "error", err)
		}
		return State{}, false
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		c.log.Warn("decode state snapshot cache failed", "error", err)
		return State{}, false
	}
	return state, true
}

// generation returns the counter every invalidation bumps. Callers read it
// before loading the state they intend to store.
func (c *SnapshotCache) generation(ctx context.Context) (int64, bool) {
	if c == nil || c.client == nil {
		return 0, false
	}
	ctx, cancel := cache.Timeout(ctx, snapshotCacheTimeout)
	defer cancel()

	gen, err := c.client.Get(ctx, snapshotGenerationKey).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.log.Warn("read state snapshot generation failed", "error", err)
		return 0, false
	}
	return gen, true
}

// store writes state only while the generation still equals gen, so a
// mutation committed after the state was read is never masked.
func (c *SnapshotCache) store(ctx context.Context, gen int64, state State) {
	if c == nil || c.client == nil {
		return
	}
	payload, err := json.Marshal(state)
	if err != nil {
		c.log.Warn("encode state snapshot failed", "error", err)
		return
	}
	ctx, cancel := cache.Timeout(ctx, snapshotCacheTimeout)
	defer cancel()

	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, snapshotGenerationKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != gen {
			return errStaleSnapshot
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, snapshotCacheKey, payload, snapshotCacheTTL)
			return nil
		})
		return err
	}, snapshotGenerationKey)
	switch {
	case err == nil:
	case errors.Is(err, errStaleSnapshot), errors.Is(err, redis.TxFailedErr):
		c.log.Debug("state snapshot skipped, generation moved", "generation", gen)
	default:
		c.log.Warn("store state snapshot cache failed", "error", err)
	}
}

func (c *SnapshotCache) invalidate(ctx context.Context) {
	if c == nil || c.client == nil {
		return
	}
	ctx, cancel := cache.Timeout(ctx, snapshotCacheTimeout)
	defer cancel()

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, snapshotGenerationKey)
		pipe.Del(ctx, snapshotCacheKey)
		return nil
	})
	if err != nil {
		c.log.Warn("invalidate state snapshot cache failed", "error", err)
	}
}
