package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/example/roadside-dispatch/internal/models"
)

// RedisRelay carries live channel events between processes over Redis
// Pub/Sub. Each process runs Run to deliver relayed events to its own Hub.
type RedisRelay struct {
	client *redis.Client
	prefix string
	hub    *Hub
	logger *slog.Logger
}

func NewRedisRelay(addr, password, prefix string, hub *Hub, logger *slog.Logger) *RedisRelay {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisRelay{client: c, prefix: prefix, hub: hub, logger: logger}
}

func (r *RedisRelay) channel(group string) string { return r.prefix + ":" + group }

func (r *RedisRelay) Publish(ctx context.Context, group string, ev models.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel(group), b).Err()
}

// Run blocks until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.PSubscribe(ctx, r.prefix+":*")
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis relay: subscription closed")
			}
			var ev models.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.logger.Warn("relay: invalid event", "channel", msg.Channel, "error", err)
				continue
			}
			group := strings.TrimPrefix(msg.Channel, r.prefix+":")
			if _, err := r.hub.Broadcast(group, ev); err != nil && !errors.Is(err, ErrNoSession) {
				r.logger.Warn("relay: broadcast failed", "group", group, "error", err)
			}
		}
	}
}

func (r *RedisRelay) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisRelay) Close() error { return r.client.Close() }
