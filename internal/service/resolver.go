package service

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/Abhishekmac/creditFlow-14sep/internal/storage"
)

// Outcome is what an external processor reported (or what the simulation
// decided) for a pending payment.
type Outcome struct {
	Status        string
	FailureReason string
	ExternalRef   string
}

// Resolver decides the terminal status of a pending payment. Implementations
// may block; the caller runs them off the request path.
type Resolver interface {
	Resolve(ctx context.Context, payment storage.Payment) Outcome
}

// SimulatedResolver stands in for a bank or processor integration. It waits a
// random delay inside the configured bounds and approves payments at the
// configured rate.
type SimulatedResolver struct {
	delayMin    time.Duration
	delayMax    time.Duration
	successRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSimulatedResolver(delayMin, delayMax time.Duration, successRate float64, seed int64) *SimulatedResolver {
	if delayMin < 0 {
		delayMin = 0
	}
	if delayMax < delayMin {
		delayMax = delayMin
	}
	if successRate < 0 {
		successRate = 0
	}
	if successRate > 1 {
		successRate = 1
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SimulatedResolver{
		delayMin:    delayMin,
		delayMax:    delayMax,
		successRate: successRate,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

func (r *SimulatedResolver) Resolve(ctx context.Context, payment storage.Payment) Outcome {
	delay, success := r.roll()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		// Cancellation only cuts the wait short; the outcome is still
		// returned so a pending payment is never left without a decision.
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
	}

	if success {
		return Outcome{
			Status:      storage.PaymentStatusSuccess,
			ExternalRef: "sim-" + payment.ID.String()[:8],
		}
	}
	return Outcome{
		Status:        storage.PaymentStatusFailed,
		FailureReason: "declined by processor",
	}
}

func (r *SimulatedResolver) roll() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delay := r.delayMin
	if spread := r.delayMax - r.delayMin; spread > 0 {
		delay += time.Duration(r.rng.Int63n(int64(spread)))
	}
	return delay, r.rng.Float64() < r.successRate
}
