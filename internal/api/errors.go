package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Custom Error Types
var (
	ErrRateLimited    = errors.New("API rate limit exceeded")
	ErrUnauthorized   = errors.New("request unauthorized (check cookies)")
	ErrNotFound       = errors.New("resource not found")
	ErrServerError    = errors.New("server error")
	ErrHttpStatus     = errors.New("unexpected HTTP status code")
	ErrMalformed      = errors.New("malformed response")
	ErrReadTimeout    = errors.New("read timed out")
	ErrIncompleteRead = errors.New("incomplete read")
	ErrUnsupportedURL = errors.New("unsupported URL")
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s (status %d from %s)", e.Unwrap().Error(), e.Code, e.URL)
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden:
		return ErrUnauthorized
	case e.Code == http.StatusNotFound:
		return ErrNotFound
	case e.Code == http.StatusTooManyRequests:
		return ErrRateLimited
	case e.Code >= 500:
		return ErrServerError
	}
	return ErrHttpStatus
}

type ErrorClass int

const (
	ClassNone ErrorClass = iota
	ClassRetryable
	ClassAuth
	ClassPermanent
)

func (c ErrorClass) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassAuth:
		return "auth"
	case ClassPermanent:
		return "permanent"
	}
	return "none"
}

// Classify maps an error from this package (or the transport underneath)
// onto retryable / auth / permanent.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch se.Unwrap() {
		case ErrUnauthorized:
			return ClassAuth
		case ErrRateLimited, ErrServerError:
			return ClassRetryable
		}
		return ClassPermanent
	}
	switch {
	case errors.Is(err, ErrUnauthorized):
		return ClassAuth
	case errors.Is(err, ErrServerError), errors.Is(err, ErrRateLimited):
		return ClassRetryable
	case errors.Is(err, ErrMalformed), errors.Is(err, ErrNotFound):
		return ClassPermanent
	}

	if errors.Is(err, ErrReadTimeout) ||
		errors.Is(err, ErrIncompleteRead) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return ClassRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassRetryable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassRetryable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassRetryable
	}
	return ClassPermanent
}

// IsRetryable is shorthand for Classify(err) == ClassRetryable.
func IsRetryable(err error) bool {
	return Classify(err) == ClassRetryable
}
