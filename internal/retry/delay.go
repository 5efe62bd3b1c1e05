package retry

import (
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// Config encapsulates backoff settings for transient failures.
// It is immutable after construction.
type Config struct {
	InitialDelay  time.Duration // base delay for the first retry
	MaxDelay      time.Duration // cap for exponential growth
	BackoffFactor float64       // multiplier per attempt
	MaxAttempts   int           // total attempts including the first
	EnableJitter  bool          // randomize delays to avoid retry storms
	JitterFactor  float64       // jitter range as a fraction of the delay
}

// DefaultConfig returns the default backoff settings
// (1s initial, 30s cap, factor 2, 5 attempts, 10% jitter).
func DefaultConfig() Config {
	return Config{
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
		MaxAttempts:   5,
		EnableJitter:  true,
		JitterFactor:  0.1,
	}
}

// Normalize returns a copy with zero/invalid fields replaced by defaults.
func (c Config) Normalize() Config {
	d := DefaultConfig()
	if c.InitialDelay > 0 {
		d.InitialDelay = c.InitialDelay
	}
	if c.MaxDelay > 0 {
		d.MaxDelay = c.MaxDelay
	}
	if c.BackoffFactor > 1 {
		d.BackoffFactor = c.BackoffFactor
	}
	if c.MaxAttempts > 0 {
		d.MaxAttempts = c.MaxAttempts
	}
	d.EnableJitter = c.EnableJitter
	if c.JitterFactor > 0 {
		d.JitterFactor = c.JitterFactor
	}
	if d.InitialDelay > d.MaxDelay {
		d.InitialDelay = d.MaxDelay
	}
	return d
}

// Delay computes the wait before the next attempt. attempt is 1-based:
// the delay after the first failure is Delay(1).
//
// Precedence: a Retry-After-Ms header is used verbatim; a Retry-After
// header (seconds or HTTP-date) is converted to a duration, the date
// form clamped at zero; otherwise exponential backoff capped at
// MaxDelay, with optional uniform jitter in ±JitterFactor of the delay,
// floored at zero.
func Delay(attempt int, cfg Config, headers http.Header) time.Duration {
	if d, ok := retryAfter(headers); ok {
		return d
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
	if capped := float64(cfg.MaxDelay); delay > capped {
		delay = capped
	}
	if cfg.EnableJitter && cfg.JitterFactor > 0 {
		offset := (rand.Float64()*2 - 1) * cfg.JitterFactor * delay
		delay += offset
		if delay < 0 {
			delay = 0
		}
	}
	return time.Duration(delay)
}

func retryAfter(headers http.Header) (time.Duration, bool) {
	if headers == nil {
		return 0, false
	}
	if v := headers.Get("Retry-After-Ms"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms >= 0 {
			return time.Duration(ms) * time.Millisecond, true
		}
	}
	v := headers.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
