package rate

import (
	"context"
	"time"
)

// Limiter gates payment submission per caller key.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error)
}
