package remote

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// APIError is the unified error surface for every remote call.
type APIError interface {
	error
	StatusCode() int
	Retryable() bool
	RetryAfter() *time.Duration
}

type httpErrorBase struct {
	statusCode int
	message    string
	retryable  bool
	retryAfter *time.Duration
}

func (e *httpErrorBase) Error() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" {
		msg = "request failed"
	}
	return "remote error (status=" + strconv.Itoa(e.statusCode) + "): " + msg
}
func (e *httpErrorBase) StatusCode() int            { return e.statusCode }
func (e *httpErrorBase) Retryable() bool            { return e.retryable }
func (e *httpErrorBase) RetryAfter() *time.Duration { return e.retryAfter }

type InvalidRequestError struct{ httpErrorBase }
type AuthenticationError struct{ httpErrorBase }
type AccessDeniedError struct{ httpErrorBase }
type NotFoundError struct{ httpErrorBase }
type RateLimitError struct{ httpErrorBase }
type ServerError struct{ httpErrorBase }
type UnknownHTTPError struct{ httpErrorBase }

// bodyExcerptLimit bounds how much of a server error body ends up in error
// text; full bodies are never logged.
const bodyExcerptLimit = 500

func excerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > bodyExcerptLimit {
		s = s[:bodyExcerptLimit] + "..."
	}
	return s
}

// ErrorFromHTTPStatus maps a non-2xx status onto the taxonomy. Only
// 429/500/502/503/504 are retryable; everything else surfaces immediately.
func ErrorFromHTTPStatus(statusCode int, message string, retryAfter *time.Duration) error {
	base := httpErrorBase{
		statusCode: statusCode,
		message:    message,
		retryAfter: retryAfter,
	}
	switch statusCode {
	case 401:
		return &AuthenticationError{base}
	case 403:
		return &AccessDeniedError{base}
	case 404:
		return &NotFoundError{base}
	case 429:
		base.retryable = true
		return &RateLimitError{base}
	case 500, 502, 503, 504:
		base.retryable = true
		return &ServerError{base}
	default:
		if statusCode >= 400 && statusCode < 500 {
			return &InvalidRequestError{base}
		}
		return &UnknownHTTPError{base}
	}
}

// ParseRetryAfter parses a Retry-After header value: integer seconds or an
// HTTP-date.
func ParseRetryAfter(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}

// IsContinuationInvalid reports whether the service rejected the
// continuation token. Such runs must abort instead of chaining further.
func IsContinuationInvalid(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "previous_response_id")
}

func IsAuthenticationError(err error) bool {
	var e *AuthenticationError
	return errors.As(err, &e)
}
