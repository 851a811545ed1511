package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) *TokenBucket {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewTokenBucket(client, capacity, refill, time.Minute)
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket := newBucket(t, 2, 1)

	allowed, _, err := bucket.Allow(ctx, "tenant")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "tenant")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "tenant")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}

	// Refill cannot be driven with miniredis.FastForward(): the script gets its clock from
	// the caller, not from Redis.
}

func TestWaitBlocksUntilRefill(t *testing.T) {
	ctx := context.Background()
	bucket := newBucket(t, 1, 20)

	if err := bucket.Wait(ctx, "carrier"); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	start := time.Now()
	if err := bucket.Wait(ctx, "carrier"); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("expected second wait to block for a refill, took %s", elapsed)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	bucket := newBucket(t, 1, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := bucket.Wait(ctx, "carrier"); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	err := bucket.Wait(ctx, "carrier")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDelayBounds(t *testing.T) {
	b := &TokenBucket{refill: 2, maxWait: time.Second}
	if d := b.delay(0); d != 500*time.Millisecond {
		t.Fatalf("expected 500ms for an empty bucket, got %s", d)
	}
	if d := b.delay(0.999); d != 10*time.Millisecond {
		t.Fatalf("expected floor of 10ms, got %s", d)
	}
	b.refill = 0.1
	if d := b.delay(0); d != time.Second {
		t.Fatalf("expected cap of maxWait, got %s", d)
	}
}
