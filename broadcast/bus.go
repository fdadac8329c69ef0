package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"auralis_expression/expression"
	"auralis_expression/logger"
	goredis "github.com/redis/go-redis/v9"
)

// Bus carries change events between processes.
type Bus interface {
	Publish(ctx context.Context, event expression.ChangeEvent) error
	StartForwarder(ctx context.Context, onEvent func(expression.ChangeEvent)) error
}

type redisBus struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

// NewRedisBus publishes and receives events on a Redis pub/sub channel. The
// client is owned by the caller.
func NewRedisBus(rdb *goredis.Client, channel string, log *logger.Logger) (Bus, error) {
	if rdb == nil {
		return nil, errors.New("broadcast: redis client required")
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = "expression:events"
	}
	if log == nil {
		log = logger.Nop()
	}
	return &redisBus{log: log.With("component", "RedisEventBus"), rdb: rdb, channel: channel}, nil
}

func (b *redisBus) Publish(ctx context.Context, event expression.ChangeEvent) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

// StartForwarder subscribes and hands every decoded event to onEvent until
// ctx ends. It returns once the subscription is confirmed.
func (b *redisBus) StartForwarder(ctx context.Context, onEvent func(expression.ChangeEvent)) error {
	if onEvent == nil {
		return errors.New("broadcast: onEvent callback required")
	}

	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("broadcast: redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var event expression.ChangeEvent
				if err := json.Unmarshal([]byte(m.Payload), &event); err != nil {
					b.log.Warn("bad redis expression payload", "error", err)
					continue
				}
				onEvent(event)
			}
		}
	}()

	return nil
}
