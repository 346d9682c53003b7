package session

import (
	"math"
	"math/rand"
	"time"
)

// NextBackoffDelay returns the retry delay for attempt N (1-based):
// min(initial * multiplier^(N-1), max). With jitter the delay is drawn from
// [base(N), base(N+1)), still clamped to max, so the sequence stays
// non-decreasing and never passes the cap.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := baseDelay(cfg, attempt)
	if cfg.Jitter && rng != nil {
		next := baseDelay(cfg, attempt+1)
		delay += rng.Float64() * (next - delay)
	}
	return time.Duration(delay)
}

func baseDelay(cfg BackoffConfig, attempt int) float64 {
	d := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && d > float64(cfg.MaxDelay) {
		return float64(cfg.MaxDelay)
	}
	return d
}
