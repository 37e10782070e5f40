package ai

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/selivandex/decision-engine/pkg/errs"
)

var (
	quotaMessageRe = regexp.MustCompile(`(?i)(rate[ _-]?limit|too many requests|quota|resource[ _]exhausted|overloaded|\b429\b)`)
	retryHintRe    = regexp.MustCompile(`(?i)(?:retry|try again)\s+(?:after|in)\s+([0-9]+(?:\.[0-9]+)?)\s*(ms|milliseconds?|s|secs?|seconds?|m|minutes?)?`)
)

// classifyFailure turns an upstream failure into a provider error, tagging quota
// exhaustion as a rate limit. The gateway never retries; callers own backoff.
func classifyFailure(provider string, status int, retryAfterHeader string, err error) error {
	var tagged *errs.Error
	if errors.As(err, &tagged) {
		return err
	}

	msg := ""
	if err != nil {
		msg = err.Error()
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && status == 0 {
		status = apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && status == 0 {
		status = reqErr.HTTPStatusCode
	}

	if status == http.StatusTooManyRequests || quotaMessageRe.MatchString(msg) {
		retryAfter := parseRetryAfter(retryAfterHeader)
		if retryAfter == 0 {
			retryAfter = retryHintFromMessage(msg)
		}
		return errs.RateLimited("ai.generate", provider, retryAfter, err)
	}
	return errs.Provider("ai.generate", provider, err)
}

// parseRetryAfter reads a Retry-After header in either delta-seconds or HTTP-date form.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func retryHintFromMessage(msg string) time.Duration {
	m := retryHintRe.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil || n <= 0 {
		return 0
	}
	unit := strings.ToLower(m[2])
	switch {
	case strings.HasPrefix(unit, "ms"), strings.HasPrefix(unit, "milli"):
		return time.Duration(n * float64(time.Millisecond))
	case unit == "m", strings.HasPrefix(unit, "min"):
		return time.Duration(n * float64(time.Minute))
	default:
		return time.Duration(n * float64(time.Second))
	}
}
