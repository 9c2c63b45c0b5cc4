package ratelimit

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(limit int) (*InMemoryLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := NewInMemoryLimiter(limit, time.Minute)
	l.now = clock.Now
	return l, clock
}

func TestInMemoryLimiter_Allow(t *testing.T) {
	l, _ := newTestLimiter(3)
	ctx := context.Background()

	for i := range 3 {
		d, err := l.Allow(ctx, "g1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !d.Allowed {
			t.Errorf("request %d should be allowed", i)
		}
		if want := 3 - i - 1; d.Remaining != want {
			t.Errorf("request %d: remaining = %d, want %d", i, d.Remaining, want)
		}
	}

	d, _ := l.Allow(ctx, "g1")
	if d.Allowed {
		t.Error("expected request over the limit to be rejected")
	}
	if d.Remaining != 0 || d.Limit != 3 {
		t.Errorf("unexpected decision: %+v", d)
	}
}

func TestInMemoryLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(1)
	ctx := context.Background()

	l.Allow(ctx, "g1")
	if d, _ := l.Allow(ctx, "g1"); d.Allowed {
		t.Error("g1 should be limited")
	}
	if d, _ := l.Allow(ctx, "g2"); !d.Allowed {
		t.Error("g2 should not be limited")
	}
}

func TestInMemoryLimiter_WindowResets(t *testing.T) {
	l, clock := newTestLimiter(1)
	ctx := context.Background()

	first, _ := l.Allow(ctx, "g1")
	if want := clock.Now().Add(time.Minute); !first.ResetAt.Equal(want) {
		t.Errorf("ResetAt = %v, want %v", first.ResetAt, want)
	}

	clock.Advance(59 * time.Second)
	if d, _ := l.Allow(ctx, "g1"); d.Allowed {
		t.Error("window has not elapsed yet")
	}

	clock.Advance(time.Second)
	if d, _ := l.Allow(ctx, "g1"); !d.Allowed {
		t.Error("expected a fresh window")
	}
}

func TestInMemoryLimiter_SweepsExpiredWindows(t *testing.T) {
	l, clock := newTestLimiter(5)
	ctx := context.Background()

	l.Allow(ctx, "a")
	l.Allow(ctx, "b")
	clock.Advance(2 * time.Minute)
	l.Allow(ctx, "c")

	if n := len(l.windows); n != 1 {
		t.Errorf("expected expired windows swept, %d left", n)
	}
}

func TestInMemoryLimiter_ZeroLimit(t *testing.T) {
	l, _ := newTestLimiter(0)

	d, _ := l.Allow(context.Background(), "g1")
	if d.Allowed || d.Remaining != 0 {
		t.Errorf("zero limit should deny every request: %+v", d)
	}
}

func TestInMemoryLimiter_ConcurrentAccess(t *testing.T) {
	l, _ := newTestLimiter(100)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				if d, _ := l.Allow(ctx, "g1"); d.Allowed {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if allowed != 100 {
		t.Errorf("expected exactly 100 allowed, got %d", allowed)
	}
}

func TestRedisLimiter(t *testing.T) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("REDIS_URL not set")
	}

	l, err := NewRedisLimiter(redisURL, 2, time.Minute)
	if err != nil {
		t.Fatalf("NewRedisLimiter() error = %v", err)
	}
	defer l.Close()

	ctx := context.Background()
	key := "test-" + time.Now().Format(time.RFC3339Nano)
	defer l.client.Del(ctx, redisKeyPrefix+key)

	for i := range 2 {
		if d, err := l.Allow(ctx, key); err != nil || !d.Allowed {
			t.Fatalf("request %d: %+v, %v", i, d, err)
		}
	}

	d, err := l.Allow(ctx, key)
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if d.Allowed {
		t.Error("third request should be rejected")
	}

	if n := l.client.ZCard(ctx, redisKeyPrefix+key).Val(); n != 2 {
		t.Errorf("rejected request must not be counted, set holds %d", n)
	}
}
