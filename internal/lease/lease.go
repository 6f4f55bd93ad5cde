// Package lease implements the exclusive (repo_id, job_type) worker lease
// (C3) against Redis, using the same narrow client surface the teacher's
// fabric package abstracted its hub registrations behind: Set/Get/Del
// with TTLs plus a compare-and-set SetIfEqual. A relational fallback lives alongside the
// rest of the sync persistence in internal/store for deployments with
// no Redis.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RedisClient is the minimal surface this package needs. It mirrors the
// teacher's fabric.RedisClient interface shape; a redis/go-redis client
// satisfies it through the thin GoRedisClient adapter in redis.go.
type RedisClient interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, key string) error
	// SetIfEqual atomically replaces value at key with newValue only if
	// the current value equals expect, refreshing ttl. Returns false if
	// the compare-and-swap missed (key absent or value mismatched).
	SetIfEqual(ctx context.Context, key, expect, newValue string, ttl time.Duration) (bool, error)
}

// ErrHeld is returned by Claim when another worker currently holds an
// unexpired lease for the same (repo_id, job_type).
var ErrHeld = errors.New("lease: held by another worker")

// ErrLost is returned by Renew/Release when the caller no longer owns
// the lease it's trying to act on (expired and stolen, or never held).
var ErrLost = errors.New("lease: not held by this worker")

type Manager struct {
	client RedisClient
	prefix string
}

func NewManager(client RedisClient, keyPrefix string) *Manager {
	return &Manager{client: client, prefix: keyPrefix}
}

func (m *Manager) key(repoID int64, jobType string) string {
	return fmt.Sprintf("%slease:%d:%s", m.prefix, repoID, jobType)
}

// Claim attempts to acquire the lease for (repoID, jobType) under
// workerID for ttl. It succeeds if the key is absent (first claim) or
// the key's prior value belongs to this same workerID (idempotent
// re-claim by the same process). A held-by-someone-else key returns
// ErrHeld; Redis's own key TTL is what reclaims an abandoned lease once
// it expires, so no explicit steal-on-expiry branch is needed here.
func (m *Manager) Claim(ctx context.Context, repoID int64, jobType, workerID string, ttl time.Duration) error {
	key := m.key(repoID, jobType)
	ok, err := m.client.Set(ctx, key, workerID, ttl)
	if err != nil {
		return fmt.Errorf("lease: claim %s: %w", key, err)
	}
	if ok {
		return nil
	}
	current, err := m.client.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("lease: claim %s: read current holder: %w", key, err)
	}
	if current == workerID {
		return nil
	}
	return fmt.Errorf("%w: %s held by %s", ErrHeld, key, current)
}

// Renew extends the lease's TTL. It only succeeds if workerID is still
// the recorded holder.
func (m *Manager) Renew(ctx context.Context, repoID int64, jobType, workerID string, ttl time.Duration) error {
	key := m.key(repoID, jobType)
	ok, err := m.client.SetIfEqual(ctx, key, workerID, workerID, ttl)
	if err != nil {
		return fmt.Errorf("lease: renew %s: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLost, key)
	}
	return nil
}

// Release drops the lease iff workerID is still the recorded holder.
// A worker whose lease already expired and was reclaimed by someone
// else must not delete the new holder's key, so this is a compare-and-
// delete rather than a plain Del.
func (m *Manager) Release(ctx context.Context, repoID int64, jobType, workerID string) error {
	key := m.key(repoID, jobType)
	current, err := m.client.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("lease: release %s: %w", key, err)
	}
	if current != workerID {
		return fmt.Errorf("%w: %s", ErrLost, key)
	}
	return m.client.Del(ctx, key)
}
