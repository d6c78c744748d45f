package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type RedisPusher interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// Redis appends completions to a list; consumers BLPOP from the head.
type Redis struct {
	Client RedisPusher
	List   string
}

func NewRedisFromConfig(cfg Config) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &Redis{Client: client, List: cfg.RedisList}
}

func (r *Redis) Publish(ctx context.Context, c Completion) error {
	body, err := c.Encode()
	if err != nil {
		return err
	}
	if err := r.Client.RPush(ctx, r.List, body).Err(); err != nil {
		return fmt.Errorf("push completion for task %s: %w", c.TaskID, err)
	}
	return nil
}
