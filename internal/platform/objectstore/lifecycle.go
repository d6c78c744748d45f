package objectstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
)

const RetentionRuleID = "coughsense-artifact-retention"

// RetentionLifecycle expires every object in the bucket after days, with an
// empty prefix filter so no key escapes the window.
func RetentionLifecycle(days int) (*lifecycle.Configuration, error) {
	if days <= 0 {
		return nil, errors.New("retention days must be positive")
	}
	cfg := lifecycle.NewConfiguration()
	cfg.Rules = []lifecycle.Rule{{
		ID:         RetentionRuleID,
		Status:     "Enabled",
		RuleFilter: lifecycle.Filter{Prefix: ""},
		Expiration: lifecycle.Expiration{Days: lifecycle.ExpirationDays(days)},
	}}
	return cfg, nil
}

func ApplyRetention(ctx context.Context, client *minio.Client, bucket string, days int) error {
	cfg, err := RetentionLifecycle(days)
	if err != nil {
		return err
	}
	if err := client.SetBucketLifecycle(ctx, bucket, cfg); err != nil {
		return fmt.Errorf("set lifecycle %s: %w", bucket, err)
	}
	return nil
}

// RetentionDays reads back the installed rule; 0 means none is active.
func RetentionDays(ctx context.Context, client *minio.Client, bucket string) (int, error) {
	cfg, err := client.GetBucketLifecycle(ctx, bucket)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchLifecycleConfiguration" {
			return 0, nil
		}
		return 0, fmt.Errorf("get lifecycle %s: %w", bucket, err)
	}
	for _, rule := range cfg.Rules {
		if rule.ID == RetentionRuleID && rule.Status == "Enabled" {
			return int(rule.Expiration.Days), nil
		}
	}
	return 0, nil
}
