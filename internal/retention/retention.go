// Package retention enforces the artifact retention window for stores that
// cannot run a bucket lifecycle rule themselves.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coughsense/coughsense-go/internal/platform/objectstore"
)

const DefaultDays = 100

// Policy is absolute: age is measured from creation only. Prefix, tags and
// access history never extend it.
type Policy struct {
	Window time.Duration
}

func Days(n int) Policy {
	return Policy{Window: time.Duration(n) * 24 * time.Hour}
}

func (p Policy) Validate() error {
	if p.Window <= 0 {
		return errors.New("retention window must be positive")
	}
	return nil
}

// Expired reports whether an object created at created is past the window at now.
// An object exactly at the boundary is still retained.
func (p Policy) Expired(created, now time.Time) bool {
	return now.Sub(created) > p.Window
}

type Result struct {
	Scanned int
	Deleted int
	Failed  int
}

// Sweeper deletes expired objects from a bucket.
type Sweeper struct {
	Store  objectstore.Store
	Bucket string
	Policy Policy
	Logger *slog.Logger
	Now    func() time.Time
}

// SweepOnce deletes every expired object it can. A failed delete does not
// stop the pass; all failures are returned together.
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	if s.Store == nil || s.Bucket == "" {
		return Result{}, errors.New("sweeper store and bucket are required")
	}
	if err := s.Policy.Validate(); err != nil {
		return Result{}, err
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	objects, err := s.Store.List(ctx, s.Bucket, "")
	if err != nil {
		return Result{}, fmt.Errorf("list %s: %w", s.Bucket, err)
	}
	res := Result{Scanned: len(objects)}
	at := now()
	var errs []error
	for _, obj := range objects {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if !s.Policy.Expired(obj.LastModified, at) {
			continue
		}
		if err := s.Store.Delete(ctx, s.Bucket, obj.Key); err != nil {
			res.Failed++
			errs = append(errs, fmt.Errorf("delete %s/%s: %w", s.Bucket, obj.Key, err))
			continue
		}
		res.Deleted++
	}
	if s.Logger != nil && (res.Deleted > 0 || res.Failed > 0) {
		s.Logger.Info("retention sweep", "bucket", s.Bucket, "scanned", res.Scanned, "deleted", res.Deleted, "failed", res.Failed)
	}
	return res, errors.Join(errs...)
}

// Run sweeps on every tick until ctx is done. Errors are logged, not fatal.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.SweepOnce(ctx); err != nil && s.Logger != nil {
			s.Logger.Warn("retention sweep failed", "bucket", s.Bucket, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
