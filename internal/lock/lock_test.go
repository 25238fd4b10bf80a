package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/haywardsec/rulegate/internal/domain"
	"github.com/haywardsec/rulegate/internal/storage/memory"
)

func TestAcquireAndRelease(t *testing.T) {
	store := memory.New()
	locker := NewStoreLocker(store, 10*time.Millisecond)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "tenant-a", "key-1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if lease.Holder != "key-1" || lease.TenantID != "tenant-a" {
		t.Errorf("Expected lease for tenant-a/key-1, got %s/%s", lease.TenantID, lease.Holder)
	}

	holder, _, err := store.GetLockHolder(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("GetLockHolder failed: %v", err)
	}
	if holder != "key-1" {
		t.Errorf("Expected holder key-1, got %s", holder)
	}

	if err := lease.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, _, err := store.GetLockHolder(ctx, "tenant-a"); err != domain.ErrNotFound {
		t.Errorf("Expected lock to be gone, got %v", err)
	}
}

func TestAcquireConflict(t *testing.T) {
	store := memory.New()
	locker := NewStoreLocker(store, 10*time.Millisecond)
	ctx := context.Background()

	if _, err := locker.Acquire(ctx, "tenant-a", "key-1", time.Minute); err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}

	_, err := locker.Acquire(ctx, "tenant-a", "key-2", time.Minute)
	if err != domain.ErrLockConflict {
		t.Errorf("Expected ErrLockConflict, got %v", err)
	}
}

func TestAcquireSameHolderRenews(t *testing.T) {
	store := memory.New()
	locker := NewStoreLocker(store, 10*time.Millisecond)
	ctx := context.Background()

	first, err := locker.Acquire(ctx, "tenant-a", "key-1", time.Minute)
	if err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}

	second, err := locker.Acquire(ctx, "tenant-a", "key-1", time.Minute)
	if err != nil {
		t.Fatalf("Re-acquire by same holder failed: %v", err)
	}
	if second.ExpiresAt.Before(first.ExpiresAt) {
		t.Errorf("Expected re-acquire to extend expiry, got %v before %v", second.ExpiresAt, first.ExpiresAt)
	}
}

func TestAcquireStealsExpiredLock(t *testing.T) {
	store := memory.New()
	locker := NewStoreLocker(store, 10*time.Millisecond)
	ctx := context.Background()

	err := store.AcquireLock(ctx, "tenant-a", "dead-key", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("Failed to seed expired lock: %v", err)
	}

	lease, err := locker.Acquire(ctx, "tenant-a", "key-1", time.Minute)
	if err != nil {
		t.Fatalf("Expected expired lock to be stealable, got %v", err)
	}
	if lease.Holder != "key-1" {
		t.Errorf("Expected holder key-1, got %s", lease.Holder)
	}
}

func TestAcquireWaitsForRelease(t *testing.T) {
	store := memory.New()
	locker := NewStoreLocker(store, 2*time.Second)
	ctx := context.Background()

	first, err := locker.Acquire(ctx, "tenant-a", "key-1", time.Minute)
	if err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		first.Release(context.Background())
	}()

	lease, err := locker.Acquire(ctx, "tenant-a", "key-2", time.Minute)
	if err != nil {
		t.Fatalf("Expected second acquire to win after release, got %v", err)
	}
	if lease.Holder != "key-2" {
		t.Errorf("Expected holder key-2, got %s", lease.Holder)
	}
}

func TestRenewExtendsExpiry(t *testing.T) {
	store := memory.New()
	locker := NewStoreLocker(store, 10*time.Millisecond)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "tenant-a", "key-1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	before := lease.ExpiresAt

	time.Sleep(5 * time.Millisecond)
	if err := lease.Renew(ctx); err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	if !lease.ExpiresAt.After(before) {
		t.Errorf("Expected renewed expiry after %v, got %v", before, lease.ExpiresAt)
	}

	_, expires, err := store.GetLockHolder(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("GetLockHolder failed: %v", err)
	}
	if !expires.Equal(lease.ExpiresAt) {
		t.Errorf("Expected stored expiry %v, got %v", lease.ExpiresAt, expires)
	}
}

func TestReleaseByNonHolderKeepsLock(t *testing.T) {
	store := memory.New()
	locker := NewStoreLocker(store, 10*time.Millisecond)
	ctx := context.Background()

	if _, err := locker.Acquire(ctx, "tenant-a", "key-1", time.Minute); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := locker.Release(ctx, "tenant-a", "key-2"); err != nil {
		t.Fatalf("Release by non-holder errored: %v", err)
	}

	holder, _, err := store.GetLockHolder(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("GetLockHolder failed: %v", err)
	}
	if holder != "key-1" {
		t.Errorf("Expected key-1 to keep the lock, got %s", holder)
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	store := memory.New()
	locker := NewStoreLocker(store, 10*time.Millisecond)

	const contenders = 8
	var wg sync.WaitGroup
	results := make([]error, contenders)

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, results[n] = locker.Acquire(context.Background(), "tenant-a", "key-"+string(rune('a'+n)), time.Minute)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
		} else if err != domain.ErrLockConflict {
			t.Errorf("Expected ErrLockConflict for losers, got %v", err)
		}
	}
	if winners != 1 {
		t.Errorf("Expected exactly one winner, got %d", winners)
	}
}
