package delivery

import (
	"math"
	"math/rand"
	"time"

	"github.com/flowmesh-io/gateway/internal/types"
)

// NextDelay computes the delay before the given attempt number (1-based)
// under policy: exponential is base*2^(attempt-1), linear is
// base*attempt, fixed is base, each capped at max_delay; jitter then
// multiplies the result by a uniform factor in [0.5, 1.5].
func NextDelay(policy types.RetryPolicy, attempt int) time.Duration {
	var delay time.Duration
	switch policy.Strategy {
	case types.BackoffLinear:
		delay = policy.BaseDelay * time.Duration(attempt)
	case types.BackoffFixed:
		delay = policy.BaseDelay
	default: // exponential
		delay = time.Duration(float64(policy.BaseDelay) * math.Pow(2, float64(attempt-1)))
	}
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	if policy.Jitter {
		factor := 0.5 + rand.Float64()
		delay = time.Duration(float64(delay) * factor)
	}
	return delay
}
