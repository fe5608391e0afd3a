package rate

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLimiterAllowAndReset(t *testing.T) {
	lim := NewMemory(2, time.Second)
	now := time.Now()

	allowed, retry, err := lim.Allow(context.Background(), "user-1", now)
	if err != nil || !allowed || retry != 0 {
		t.Fatalf("expected allow on first call")
	}

	allowed, retry, err = lim.Allow(context.Background(), "user-1", now)
	if err != nil || !allowed || retry != 0 {
		t.Fatalf("expected allow on second call")
	}

	allowed, retry, err = lim.Allow(context.Background(), "user-1", now)
	if err != nil || allowed {
		t.Fatalf("expected rate limit on third call")
	}
	if retry <= 0 {
		t.Fatalf("expected retryAfter > 0")
	}

	allowed, _, err = lim.Allow(context.Background(), "user-1", now.Add(2*time.Second))
	if err != nil || !allowed {
		t.Fatalf("expected allow after window reset")
	}
}

func TestMemoryLimiterIsolatesKeys(t *testing.T) {
	lim := NewMemory(1, time.Second)
	now := time.Now()

	if allowed, _, _ := lim.Allow(context.Background(), "user-1", now); !allowed {
		t.Fatalf("expected allow for user-1")
	}
	if allowed, _, _ := lim.Allow(context.Background(), "user-2", now); !allowed {
		t.Fatalf("expected allow for user-2")
	}
	if allowed, _, _ := lim.Allow(context.Background(), "user-1", now); allowed {
		t.Fatalf("expected user-1 limited")
	}
}
