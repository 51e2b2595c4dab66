package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidJSON is returned when a provider produced output that could not
// be coerced into a JSON document by any recovery step.
var ErrInvalidJSON = errors.New("llm: response is not valid JSON")

// ErrExhausted is returned when every model in the cascade has been tried
// for a record and none produced a valid response.
var ErrExhausted = errors.New("llm: all models exhausted")

// ProviderError describes a failed provider call with enough detail for the
// cascade to decide between retrying, blocking the model, or advancing.
type ProviderError struct {
	Provider   string
	Model      string
	Status     int
	Message    string
	Retryable  bool
	RetryAfter time.Duration // from Retry-After or a retryDelay hint, zero if absent
	ResetAt    time.Time     // absolute reset signalled by the provider, zero if absent
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s/%s: status %d: %s", e.Provider, e.Model, e.Status, e.Message)
	}
	return fmt.Sprintf("%s/%s: %s", e.Provider, e.Model, e.Message)
}

// PermanentError wraps an error that must not be retried on the same model,
// such as a prompt that exceeds the model's context window.
type PermanentError struct {
	Err error
}

func NewPermanentError(err error) *PermanentError { return &PermanentError{Err: err} }

func (e *PermanentError) Error() string {
	if e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err represents a failure that a different
// model, or the same model later, could plausibly recover from: timeouts,
// network errors, 5xx responses and rate limits.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}

// IsRateLimited reports whether err is a provider rate-limit rejection.
func IsRateLimited(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Status == http.StatusTooManyRequests
}

// httpError builds a ProviderError from an HTTP failure, classifying the
// status and mining headers and body for rate-limit recovery hints.
func httpError(provider, model string, status int, body string, h http.Header) *ProviderError {
	e := &ProviderError{
		Provider: provider,
		Model:    model,
		Status:   status,
		Message:  truncateMessage(body),
	}
	switch {
	case status == http.StatusTooManyRequests:
		e.Retryable = true
		e.RetryAfter = retryAfterFromHeaders(h)
		if e.RetryAfter == 0 {
			e.RetryAfter = parseRetryDelay(body)
		}
		if reset := resetFromHeaders(h); !reset.IsZero() {
			e.ResetAt = reset
		}
	case status >= 500:
		e.Retryable = true
	case status == http.StatusRequestTimeout:
		e.Retryable = true
	}
	return e
}

func truncateMessage(body string) string {
	body = strings.TrimSpace(body)
	if len(body) > 512 {
		return body[:512]
	}
	return body
}

// retryAfterFromHeaders reads the standard Retry-After header, accepting
// both delta-seconds and HTTP-date forms.
func retryAfterFromHeaders(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(raw); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// resetFromHeaders reads OpenAI-style reset headers. Values come either as
// a Go-style duration ("2m59s") or a Unix timestamp in seconds.
func resetFromHeaders(h http.Header) time.Time {
	if h == nil {
		return time.Time{}
	}
	for _, key := range []string{"X-RateLimit-Reset-Requests", "X-RateLimit-Reset", "X-RateLimit-Reset-Tokens"} {
		raw := strings.TrimSpace(h.Get(key))
		if raw == "" {
			continue
		}
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			return time.Now().Add(d)
		}
		if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 1_000_000_000 {
			return time.Unix(secs, 0)
		}
	}
	return time.Time{}
}

var retryDelayRe = regexp.MustCompile(`"retryDelay"\s*:\s*"([0-9.]+)s"`)

// parseRetryDelay extracts the retryDelay hint some providers embed in a
// 429 error body, e.g. {"error":{...,"details":[{"retryDelay":"30s"}]}}.
func parseRetryDelay(body string) time.Duration {
	m := retryDelayRe.FindStringSubmatch(body)
	if m == nil {
		return 0
	}
	secs, err := strconv.ParseFloat(m[1], 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
