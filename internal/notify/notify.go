// Package notify publishes a best-effort completion notice when a task
// reaches a terminal outcome. Delivery is attempted once and never retried.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coughsense/coughsense-go/internal/platform/env"
)

const (
	KindNone  = "none"
	KindSQS   = "sqs"
	KindRedis = "redis"
)

type Completion struct {
	TaskID     string    `json:"task_id"`
	JobID      string    `json:"job_id"`
	Deployment string    `json:"deployment"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Bucket     string    `json:"bucket,omitempty"`
	OutputKey  string    `json:"output_key,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

func (c Completion) Encode() ([]byte, error) {
	if strings.TrimSpace(c.TaskID) == "" {
		return nil, errors.New("completion task id is required")
	}
	return json.Marshal(c)
}

type Notifier interface {
	Publish(ctx context.Context, c Completion) error
}

type Noop struct{}

func (Noop) Publish(context.Context, Completion) error { return nil }

type Config struct {
	Kind          string
	SQSQueueURL   string
	Region        string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisList     string
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Kind:          strings.ToLower(env.String("COUGHSENSE_NOTIFY_KIND", KindNone)),
		SQSQueueURL:   env.String("COUGHSENSE_NOTIFY_SQS_QUEUE_URL", ""),
		Region:        env.String("AWS_REGION", ""),
		RedisAddr:     env.String("COUGHSENSE_NOTIFY_REDIS_ADDR", "localhost:6379"),
		RedisPassword: env.String("COUGHSENSE_NOTIFY_REDIS_PASSWORD", ""),
		RedisList:     env.String("COUGHSENSE_NOTIFY_REDIS_LIST", "coughsense:completions"),
	}
	var err error
	if cfg.RedisDB, err = env.Int("COUGHSENSE_NOTIFY_REDIS_DB", 0); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Kind {
	case KindNone:
	case KindSQS:
		if strings.TrimSpace(c.SQSQueueURL) == "" {
			return errors.New("COUGHSENSE_NOTIFY_SQS_QUEUE_URL is required for sqs")
		}
	case KindRedis:
		if strings.TrimSpace(c.RedisAddr) == "" || strings.TrimSpace(c.RedisList) == "" {
			return errors.New("COUGHSENSE_NOTIFY_REDIS_ADDR and COUGHSENSE_NOTIFY_REDIS_LIST are required for redis")
		}
		if c.RedisDB < 0 {
			return errors.New("COUGHSENSE_NOTIFY_REDIS_DB must be >= 0")
		}
	default:
		return fmt.Errorf("unsupported COUGHSENSE_NOTIFY_KIND %q", c.Kind)
	}
	return nil
}

// New builds the configured notifier.
func New(ctx context.Context, cfg Config) (Notifier, error) {
	switch cfg.Kind {
	case KindSQS:
		return NewSQSFromEnv(ctx, cfg.Region, cfg.SQSQueueURL)
	case KindRedis:
		return NewRedisFromConfig(cfg), nil
	default:
		return Noop{}, nil
	}
}
