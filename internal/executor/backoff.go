package executor

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	// DefaultRateLimitDelay is used when a 429 carries no delay hint.
	DefaultRateLimitDelay = 60 * time.Second
	// MaxRateLimitDelay caps the escalation of unhinted 429 delays.
	MaxRateLimitDelay = 30 * time.Minute
	// ServerErrorCooldown parks an account after 5xx on every endpoint.
	ServerErrorCooldown = 20 * time.Second

	sleepChunk = 5 * time.Second
)

// retryDelay extracts the server's retry hint from a 429 response: the
// Retry-After header, then a RetryInfo detail, then quotaResetDelay metadata.
// Hints of zero or less, including dates already in the past, count as no
// hint so the caller falls back to the escalating default.
func retryDelay(header http.Header, body []byte, now time.Time) (time.Duration, bool) {
	if v := strings.TrimSpace(header.Get("Retry-After")); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			if d := time.Duration(secs * float64(time.Second)); d > 0 {
				return d, true
			}
		} else if at, err := http.ParseTime(v); err == nil {
			if d := at.Sub(now); d > 0 {
				return d, true
			}
		}
	}

	var hint time.Duration
	found := false
	details := gjson.GetBytes(body, "error.details")
	details.ForEach(func(_, detail gjson.Result) bool {
		if strings.HasSuffix(detail.Get("@type").String(), "RetryInfo") {
			if d, ok := parseProtoDuration(detail.Get("retryDelay").String()); ok && d > 0 {
				hint, found = d, true
				return false
			}
		}
		return true
	})
	if found {
		return hint, true
	}
	details.ForEach(func(_, detail gjson.Result) bool {
		if d, ok := parseProtoDuration(detail.Get("metadata.quotaResetDelay").String()); ok && d > 0 {
			hint, found = d, true
			return false
		}
		return true
	})
	return hint, found
}

// parseProtoDuration accepts "12s", "1.5s", "3m2s" and bare second counts.
func parseProtoDuration(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil && d >= 0 {
		return d, true
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second)), true
	}
	return 0, false
}

// escalatedDelay doubles the default delay for each consecutive unhinted 429.
func escalatedDelay(streak int) time.Duration {
	d := DefaultRateLimitDelay
	for i := 1; i < streak && d < MaxRateLimitDelay; i++ {
		d *= 2
	}
	if d > MaxRateLimitDelay {
		d = MaxRateLimitDelay
	}
	return d
}

// sleepContext waits for d in bounded chunks, returning early with the
// context's error when it is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	for d > 0 {
		step := d
		if step > sleepChunk {
			step = sleepChunk
		}
		timer := time.NewTimer(step)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		d -= step
	}
	return ctx.Err()
}
