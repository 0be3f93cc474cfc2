package agent

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiter_ImmediateBurst(t *testing.T) {
	rl := NewRateLimiter(5, 60.0)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := rl.Wait(ctx, "c1"); err != nil {
			t.Fatalf("burst token %d failed: %v", i, err)
		}
	}
}

func TestRateLimiter_WaitsAfterBurst(t *testing.T) {
	rl := NewRateLimiter(1, 600.0) // 10/sec refill

	ctx := context.Background()
	if err := rl.Wait(ctx, "c1"); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	start := time.Now()
	if err := rl.Wait(ctx, "c1"); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("expected some wait time, got %v", elapsed)
	}
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	rl := NewRateLimiter(1, 1.0)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := rl.Wait(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := rl.Wait(ctx, "b"); err != nil {
		t.Fatalf("another key must have its own burst: %v", err)
	}
}

func TestRateLimiter_CancelledContext(t *testing.T) {
	rl := NewRateLimiter(1, 1.0)
	ctx, cancel := context.WithCancel(context.Background())

	if err := rl.Wait(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := rl.Wait(ctx, "c1"); err == nil {
		t.Fatal("expected context cancelled error")
	}
}

func TestRateLimiter_Prune(t *testing.T) {
	rl := NewRateLimiter(1, 60)
	clock := time.Now()
	rl.now = func() time.Time { return clock }

	rl.Wait(context.Background(), "old")
	clock = clock.Add(time.Hour)
	rl.Wait(context.Background(), "fresh")

	if n := rl.Prune(30 * time.Minute); n != 1 {
		t.Fatalf("expected 1 pruned bucket, got %d", n)
	}
	if _, ok := rl.buckets["fresh"]; !ok {
		t.Fatal("fresh bucket should survive")
	}
}
