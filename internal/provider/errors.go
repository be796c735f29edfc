package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies a failed provider call.
type ErrorKind string

const (
	KindNetwork     ErrorKind = "network"
	KindAuth        ErrorKind = "auth"
	KindRateLimited ErrorKind = "rate_limited"
	KindMalformed   ErrorKind = "malformed"
	KindTimeout     ErrorKind = "timeout"
	KindServer      ErrorKind = "server"
	KindUnknown     ErrorKind = "unknown"
)

// CallError is returned by every adapter when a call fails.
type CallError struct {
	Provider   string
	Model      string
	Kind       ErrorKind
	StatusCode int           // 0 when no HTTP response was received
	RetryAfter time.Duration // provider hint, 0 when absent
	Err        error
}

func (e *CallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: %s (status %d): %v", e.Provider, e.Model, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Model, e.Kind, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// RateLimited reports whether the provider throttled the key.
func (e *CallError) RateLimited() bool { return e.Kind == KindRateLimited }

// KindForStatus maps an HTTP status code to an ErrorKind.
func KindForStatus(code int) ErrorKind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusUnauthorized || code == http.StatusForbidden || code == http.StatusPaymentRequired:
		return KindAuth
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return KindTimeout
	case code >= 500:
		return KindServer
	case code >= 400:
		return KindMalformed
	default:
		return KindUnknown
	}
}

// ParseRetryAfter reads a Retry-After header given either as seconds or as
// an HTTP date.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// statusError builds a CallError from an HTTP response status.
func statusError(provider, model string, code int, header http.Header, body string) *CallError {
	ce := &CallError{
		Provider:   provider,
		Model:      model,
		Kind:       KindForStatus(code),
		StatusCode: code,
		Err:        fmt.Errorf("unexpected status code %d: %s", code, truncate(body, 512)),
	}
	if header != nil {
		ce.RetryAfter = ParseRetryAfter(header.Get("Retry-After"), time.Now())
	}
	return ce
}

// Classify wraps err as a CallError when it is not one already. Errors
// without an HTTP status are classified from their shape.
func Classify(provider, model string, err error) *CallError {
	if err == nil {
		return nil
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}
	kind := KindUnknown
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			kind = KindTimeout
		} else {
			kind = KindNetwork
		}
	case errors.Is(err, context.Canceled):
		kind = KindNetwork
	}
	return &CallError{Provider: provider, Model: model, Kind: kind, Err: err}
}

// KindOf returns the ErrorKind of err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// IsRateLimited reports whether err is a rate-limited CallError.
func IsRateLimited(err error) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.RateLimited()
}

// RetryAfter returns the provider's retry hint carried by err, if any.
func RetryAfter(err error) time.Duration {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
