package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func TestLockTryAcquireAndRelease(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	lock := NewLock(rdb, 300*time.Second)
	ctx := context.Background()

	ok, err := lock.TryAcquire(ctx, 419131)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if !ok {
		t.Fatal("expected to acquire an uncontended lock")
	}

	ok, err = lock.TryAcquire(ctx, 419131)
	if err != nil {
		t.Fatalf("TryAcquire (contended): %v", err)
	}
	if ok {
		t.Error("expected a second acquire of the same epoch to fail")
	}

	if err := lock.Release(ctx, 419131); err != nil {
		t.Fatalf("Release: %v", err)
	}

	ok, err = lock.TryAcquire(ctx, 419131)
	if err != nil {
		t.Fatalf("TryAcquire after release: %v", err)
	}
	if !ok {
		t.Error("expected to re-acquire after release")
	}
}
