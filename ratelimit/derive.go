package ratelimit

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// resetHeaders are the vendor headers consulted, in order, after Retry-After.
var resetHeaders = []string{
	"x-ratelimit-reset",
	"x-ratelimit-reset-requests",
	"x-ratelimit-reset-tokens",
	"anthropic-ratelimit-requests-reset",
	"anthropic-ratelimit-tokens-reset",
}

// retryInMessage matches provider error text like "try again in 7.5s" or
// "please retry after 30 seconds".
var retryInMessage = regexp.MustCompile(`(?i)(?:try again|retry) (?:in|after) ([0-9]+(?:\.[0-9]+)?)\s*(ms|milliseconds?|s|seconds?|m|minutes?)?`)

// ResetFromHeaders derives the earliest safe retry time from rate-limit
// response headers. Checks Retry-After (delay-seconds or HTTP-date) first,
// then the vendor x-ratelimit-reset* variants.
func ResetFromHeaders(hdr http.Header) (time.Time, bool) {
	if hdr == nil {
		return time.Time{}, false
	}

	if v := hdr.Get("Retry-After"); v != "" {
		if seconds, err := strconv.ParseFloat(v, 64); err == nil && seconds >= 0 {
			return time.Now().Add(time.Duration(seconds * float64(time.Second))), true
		}
		if at, err := time.Parse(time.RFC1123, v); err == nil {
			return at, true
		}
	}

	for _, name := range resetHeaders {
		v := hdr.Get(name)
		if v == "" {
			continue
		}
		// RFC3339 timestamp, unix epoch seconds, or Go-style duration,
		// depending on vendor.
		if at, err := time.Parse(time.RFC3339, v); err == nil {
			return at, true
		}
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil && epoch > 0 {
			return time.Unix(epoch, 0), true
		}
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return time.Now().Add(d), true
		}
	}

	return time.Time{}, false
}

// ResetFromMessage derives a retry time from provider error text, e.g.
// "Rate limit exceeded, try again in 7.5s".
func ResetFromMessage(msg string) (time.Time, bool) {
	m := retryInMessage.FindStringSubmatch(msg)
	if m == nil {
		return time.Time{}, false
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return time.Time{}, false
	}

	unit := time.Second
	switch {
	case strings.HasPrefix(strings.ToLower(m[2]), "ms"), strings.HasPrefix(strings.ToLower(m[2]), "milli"):
		unit = time.Millisecond
	case strings.HasPrefix(strings.ToLower(m[2]), "m"):
		unit = time.Minute
	}

	return time.Now().Add(time.Duration(value * float64(unit))), true
}
