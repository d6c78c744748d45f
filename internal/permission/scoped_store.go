package permission

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/coughsense/coughsense-go/internal/platform/objectstore"
)

var ErrAccessDenied = errors.New("access denied")

// AccessError is a boundary denial. It points at deployment misconfiguration,
// not at the job, and is never retried.
type AccessError struct {
	Decision Decision
	Action   string
	Resource string
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("%s: %s %s on %s (%s)", ErrAccessDenied, e.Decision.Identity, e.Action, e.Resource, e.Decision.Reason)
}

func (e *AccessError) Is(target error) bool { return target == ErrAccessDenied }

// ScopedStore checks every call against the data identity before it reaches
// the underlying store.
type ScopedStore struct {
	inner    objectstore.Store
	identity Identity
}

func NewScopedStore(inner objectstore.Store, identity Identity) (*ScopedStore, error) {
	if inner == nil {
		return nil, errors.New("store is required")
	}
	if identity.Purpose != PurposeData {
		return nil, fmt.Errorf("scoped store needs the data identity, got %q", identity.Purpose)
	}
	return &ScopedStore{inner: inner, identity: identity}, nil
}

func (s *ScopedStore) check(action, resource string) error {
	d := Simulate(s.identity, action, resource)
	if !d.Allowed() {
		return &AccessError{Decision: d, Action: action, Resource: resource}
	}
	return nil
}

func (s *ScopedStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	if err := s.check(ActionPutObject, ObjectARN(bucket, key)); err != nil {
		return err
	}
	return s.inner.Put(ctx, bucket, key, body, size, contentType)
}

func (s *ScopedStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, objectstore.ObjectInfo, error) {
	if err := s.check(ActionGetObject, ObjectARN(bucket, key)); err != nil {
		return nil, objectstore.ObjectInfo{}, err
	}
	return s.inner.Get(ctx, bucket, key)
}

func (s *ScopedStore) Stat(ctx context.Context, bucket, key string) (objectstore.ObjectInfo, error) {
	if err := s.check(ActionGetObject, ObjectARN(bucket, key)); err != nil {
		return objectstore.ObjectInfo{}, err
	}
	return s.inner.Stat(ctx, bucket, key)
}

func (s *ScopedStore) List(ctx context.Context, bucket, prefix string) ([]objectstore.ObjectInfo, error) {
	if err := s.check(ActionListBucket, BucketARN(bucket)); err != nil {
		return nil, err
	}
	return s.inner.List(ctx, bucket, prefix)
}

// Delete is never granted to the data identity; expiry belongs to the store.
func (s *ScopedStore) Delete(ctx context.Context, bucket, key string) error {
	if err := s.check("s3:DeleteObject", ObjectARN(bucket, key)); err != nil {
		return err
	}
	return s.inner.Delete(ctx, bucket, key)
}
