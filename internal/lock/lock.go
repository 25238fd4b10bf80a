// Package lock provides the per-tenant deployment lease. One deployment
// mutates a tenant's live rules at a time; the lease has a TTL so a crashed
// holder's lock becomes stealable.
package lock

import (
	"context"
	"time"

	"github.com/haywardsec/rulegate/internal/domain"
	"github.com/haywardsec/rulegate/internal/storage"
	"github.com/sethvargo/go-retry"
)

// Locker acquires and releases per-tenant deployment leases.
type Locker interface {
	// Acquire takes the tenant lease for the holder, waiting up to the
	// configured bound. Re-acquiring with the same holder renews the lease.
	// Returns domain.ErrLockConflict when another holder keeps it.
	Acquire(ctx context.Context, tenantID, holder string, ttl time.Duration) (*Lease, error)
	// Release drops the lease if the holder still owns it.
	Release(ctx context.Context, tenantID, holder string) error
}

// Lease is a held per-tenant lock. Renew extends it by the original TTL;
// canary deployments renew on every control action.
type Lease struct {
	TenantID  string
	Holder    string
	TTL       time.Duration
	ExpiresAt time.Time

	store storage.Storage
}

// Renew extends the lease by its TTL.
func (l *Lease) Renew(ctx context.Context) error {
	expiresAt := time.Now().Add(l.TTL)
	if err := l.store.AcquireLock(ctx, l.TenantID, l.Holder, expiresAt); err != nil {
		return err
	}
	l.ExpiresAt = expiresAt
	return nil
}

// Release drops the lease.
func (l *Lease) Release(ctx context.Context) error {
	return l.store.ReleaseLock(ctx, l.TenantID, l.Holder)
}

// StoreLocker backs the lease with the deployment_locks table.
type StoreLocker struct {
	store storage.Storage
	wait  time.Duration
}

// Ensure StoreLocker implements Locker.
var _ Locker = (*StoreLocker)(nil)

// NewStoreLocker creates a storage-backed locker that waits up to wait for
// a contended lock before giving up.
func NewStoreLocker(store storage.Storage, wait time.Duration) *StoreLocker {
	return &StoreLocker{store: store, wait: wait}
}

// Acquire takes the tenant lease, retrying with backoff while another
// unexpired holder owns it.
func (s *StoreLocker) Acquire(ctx context.Context, tenantID, holder string, ttl time.Duration) (*Lease, error) {
	var expiresAt time.Time

	backoff := retry.WithMaxDuration(s.wait, retry.NewFibonacci(50*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		expiresAt = time.Now().Add(ttl)
		if err := s.store.AcquireLock(ctx, tenantID, holder, expiresAt); err != nil {
			if err == domain.ErrLockConflict {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Lease{
		TenantID:  tenantID,
		Holder:    holder,
		TTL:       ttl,
		ExpiresAt: expiresAt,
		store:     s.store,
	}, nil
}

// Release drops the tenant lease if the holder owns it.
func (s *StoreLocker) Release(ctx context.Context, tenantID, holder string) error {
	return s.store.ReleaseLock(ctx, tenantID, holder)
}
