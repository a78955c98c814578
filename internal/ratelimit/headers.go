package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Rate limit response headers.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderResetAfter = "X-RateLimit-Reset-After"
	HeaderBucket     = "X-RateLimit-Bucket"
	HeaderGlobal     = "X-RateLimit-Global"
	HeaderScope      = "X-RateLimit-Scope"
	HeaderRetryAfter = "Retry-After"
)

// Headers is the rate limit state a response reported.
type Headers struct {
	// Present is false when the response carried no bucket headers at all.
	Present    bool
	Bucket     string
	Limit      int
	Remaining  int
	Reset      time.Time
	ResetAfter time.Duration
	RetryAfter time.Duration
	Global     bool
	Scope      string
}

// ParseHeaders extracts bucket state from response headers. now is used to
// resolve an HTTP-date Retry-After.
func ParseHeaders(h http.Header, now time.Time) Headers {
	var out Headers
	if h == nil {
		return out
	}

	out.Bucket = strings.TrimSpace(h.Get(HeaderBucket))
	out.Scope = strings.ToLower(strings.TrimSpace(h.Get(HeaderScope)))
	out.Global = strings.EqualFold(strings.TrimSpace(h.Get(HeaderGlobal)), "true") || out.Scope == "global"
	out.RetryAfter = parseRetryAfter(h.Get(HeaderRetryAfter), now)

	limit, limitOK := parseInt(h.Get(HeaderLimit))
	remaining, remainingOK := parseInt(h.Get(HeaderRemaining))
	if !limitOK || !remainingOK {
		return out
	}

	out.Present = true
	out.Limit = limit
	out.Remaining = remaining
	if after, ok := parseSeconds(h.Get(HeaderResetAfter)); ok {
		out.ResetAfter = after
	}
	if epoch, err := strconv.ParseFloat(strings.TrimSpace(h.Get(HeaderReset)), 64); err == nil && epoch > 0 {
		sec := int64(epoch)
		nsec := int64((epoch - float64(sec)) * float64(time.Second))
		out.Reset = time.Unix(sec, nsec).UTC()
	}
	if out.ResetAfter == 0 && !out.Reset.IsZero() && out.Reset.After(now) {
		out.ResetAfter = out.Reset.Sub(now)
	}

	return out
}

func parseRetryAfter(retry string, now time.Time) time.Duration {
	retry = strings.TrimSpace(retry)
	if retry == "" {
		return 0
	}
	if seconds, ok := parseSeconds(retry); ok {
		return seconds
	}
	if parsed, err := http.ParseTime(retry); err == nil {
		if d := parsed.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func parseSeconds(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	seconds, err := time.ParseDuration(value + "s")
	if err != nil || seconds < 0 {
		return 0, false
	}
	return seconds, true
}

func parseInt(value string) (int, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return n, true
}
