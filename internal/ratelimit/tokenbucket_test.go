package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestMemStoreAllowsUpToBucketSize(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := store.Allow(ctx, "peerA", 5, 1.0)
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d should be allowed within bucket size", i)
		}
	}

	res, err := store.Allow(ctx, "peerA", 5, 1.0)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if res.Allowed {
		t.Fatal("request beyond bucket size should be denied")
	}
}

func TestMemStoreRefillsOverTime(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		store.Allow(ctx, "peerB", 2, 10.0) // fast refill: 10 tokens/sec
	}
	res, _ := store.Allow(ctx, "peerB", 2, 10.0)
	if res.Allowed {
		t.Fatal("bucket should be exhausted immediately")
	}

	time.Sleep(150 * time.Millisecond)
	res, err := store.Allow(ctx, "peerB", 2, 10.0)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !res.Allowed {
		t.Fatal("expected token to have refilled after 150ms at 10/s")
	}
}

func TestMemStoreKeysAreIndependent(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	store.Allow(ctx, "peerC", 1, 1.0)
	res, _ := store.Allow(ctx, "peerC", 1, 1.0)
	if res.Allowed {
		t.Fatal("peerC bucket should be exhausted")
	}

	res2, _ := store.Allow(ctx, "peerD", 1, 1.0)
	if !res2.Allowed {
		t.Fatal("peerD should have its own independent bucket")
	}
}

func TestGateFailsOpenOnStoreError(t *testing.T) {
	gate := NewGate(erroringStore{}, 1, 1.0)
	if !gate.Allow(context.Background(), "anyone") {
		t.Fatal("gate should fail open when the store errors")
	}
}

type erroringStore struct{}

func (erroringStore) Allow(context.Context, string, int64, float64) (*Result, error) {
	return nil, errStoreDown
}

var errStoreDown = &storeError{"store unreachable"}

type storeError struct{ msg string }

func (e *storeError) Error() string { return e.msg }
