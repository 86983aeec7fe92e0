package dlq

import "time"

// Backoff returns the delay before the given attempt (1-based):
// min(base·2^(attempt-1), cap) with ±JitterPct applied. The result is never
// negative.
func Backoff(cfg Config, attempt int) time.Duration {
	cfg = cfg.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.BackoffCap {
			d = cfg.BackoffCap
			break
		}
	}
	if d > cfg.BackoffCap {
		d = cfg.BackoffCap
	}
	// cfg.Rand in [0,1) maps to [-jitter, +jitter).
	jitter := time.Duration(float64(d) * cfg.JitterPct * (cfg.Rand()*2 - 1))
	d += jitter
	if d < 0 {
		d = 0
	}
	return d
}
