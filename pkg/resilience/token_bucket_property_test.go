package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestTokenCountStaysWithinCapacityAcrossOperations pins down spec §8's
// token-bucket invariant directly: tokens ∈ [0, capacity] after every
// Allow call, whether it succeeds, fails, or is interleaved with refill
// waits.
func TestTokenCountStaysWithinCapacityAcrossOperations(t *testing.T) {
	const capacity = 10.0
	rl := NewRateLimiter("property", RateLimiterConfig{RequestsPerSecond: 50, BurstSize: capacity})

	for i := 0; i < 200; i++ {
		rl.Allow()
		tokens := rl.Tokens()
		require.GreaterOrEqual(t, tokens, 0.0)
		require.LessOrEqual(t, tokens, capacity)

		if i%10 == 0 {
			time.Sleep(time.Millisecond)
		}
	}
}
