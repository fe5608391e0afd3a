package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Abhishekmac/creditFlow-14sep/internal/storage"
)

func TestSimulatedResolverAlwaysApproves(t *testing.T) {
	r := NewSimulatedResolver(0, 0, 1.0, 42)
	payment := storage.Payment{ID: uuid.New()}

	for i := 0; i < 20; i++ {
		out := r.Resolve(context.Background(), payment)
		if out.Status != storage.PaymentStatusSuccess {
			t.Fatalf("expected success at rate 1.0, got %s", out.Status)
		}
		if !strings.HasPrefix(out.ExternalRef, "sim-") {
			t.Fatalf("expected sim- reference, got %q", out.ExternalRef)
		}
	}
}

func TestSimulatedResolverAlwaysDeclines(t *testing.T) {
	r := NewSimulatedResolver(0, 0, 0, 42)
	payment := storage.Payment{ID: uuid.New()}

	for i := 0; i < 20; i++ {
		out := r.Resolve(context.Background(), payment)
		if out.Status != storage.PaymentStatusFailed {
			t.Fatalf("expected failed at rate 0, got %s", out.Status)
		}
		if out.FailureReason == "" {
			t.Fatalf("expected a failure reason")
		}
	}
}

func TestSimulatedResolverHonorsDelayBounds(t *testing.T) {
	r := NewSimulatedResolver(10*time.Millisecond, 30*time.Millisecond, 1.0, 7)

	start := time.Now()
	r.Resolve(context.Background(), storage.Payment{ID: uuid.New()})
	elapsed := time.Since(start)

	if elapsed < 10*time.Millisecond {
		t.Fatalf("resolved before minimum delay: %s", elapsed)
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("resolution took too long: %s", elapsed)
	}
}

func TestSimulatedResolverStopsOnCancel(t *testing.T) {
	r := NewSimulatedResolver(10*time.Second, 10*time.Second, 1.0, 7)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	out := r.Resolve(ctx, storage.Payment{ID: uuid.New()})
	if time.Since(start) > time.Second {
		t.Fatalf("cancelled resolve should return promptly")
	}
	if out.Status == "" {
		t.Fatalf("expected an outcome even when cancelled")
	}
}
