package resilience

import (
	"time"

	"github.com/sells-group/dmi/internal/config"
)

// FromConfig converts the store retry settings to a RetryConfig. Unset
// values keep their defaults.
func FromConfig(c config.RetryConfig) RetryConfig {
	cfg := DefaultRetryConfig()
	if c.MaxAttempts > 0 {
		cfg.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoffMs > 0 {
		cfg.Backoff.Initial = time.Duration(c.InitialBackoffMs) * time.Millisecond
	}
	if c.MaxBackoffMs > 0 {
		cfg.Backoff.Max = time.Duration(c.MaxBackoffMs) * time.Millisecond
	}
	if c.Multiplier > 0 {
		cfg.Backoff.Multiplier = c.Multiplier
	}
	if c.JitterFraction >= 0 {
		cfg.Backoff.Jitter = c.JitterFraction
	}
	return cfg
}
