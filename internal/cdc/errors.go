package cdc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Class tells a caller whether a failed operation may be retried.
type Class int

const (
	// Fatal errors abort the current unit of work.
	Fatal Class = iota
	// Retryable errors are transient and retried with backoff.
	Retryable
)

func (c Class) String() string {
	if c == Retryable {
		return "retryable"
	}
	return "fatal"
}

var (
	// ErrEntityNotFound is returned when an entity was deleted or never existed.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrRetryBudgetExhausted is returned once a cycle spent its retry budget.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

	// ErrAborted is returned by a capture loop that hit a fatal error. It
	// needs an operator to restart it.
	ErrAborted = errors.New("capture loop aborted")

	// ErrStreamLocked is returned when another process owns the stream.
	ErrStreamLocked = errors.New("stream is locked by another process")
)

// RetryableError represents a temporary error that may succeed on retry.
type RetryableError struct {
	err error
}

func (e *RetryableError) Error() string {
	return e.err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.err
}

// NewRetryableError wraps an error as retryable.
func NewRetryableError(err error) error {
	return &RetryableError{err: err}
}

// FatalError represents a permanent error that should not be retried.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string {
	return e.err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.err
}

// NewFatalError wraps an error as fatal (non-retryable).
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// StatusError is a non-2xx HTTP response from the remote API.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s (%s)", e.StatusCode, http.StatusText(e.StatusCode), e.URL)
}

// Classify maps a failure onto Retryable or Fatal. Explicit wrappers win;
// otherwise transport timeouts, connection resets, 5xx/429/408 responses
// and truncated JSON are retryable and everything else is fatal.
func Classify(err error) Class {
	if err == nil {
		return Fatal
	}

	var fatal *FatalError
	if errors.As(err, &fatal) {
		return Fatal
	}
	var retryable *RetryableError
	if errors.As(err, &retryable) {
		return Retryable
	}

	if errors.Is(err, ErrEntityNotFound) || errors.Is(err, ErrRetryBudgetExhausted) ||
		errors.Is(err, ErrAborted) || errors.Is(err, ErrStreamLocked) {
		return Fatal
	}
	if errors.Is(err, context.Canceled) {
		return Fatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}

	var status *StatusError
	if errors.As(err, &status) {
		switch {
		case status.StatusCode >= 500,
			status.StatusCode == http.StatusTooManyRequests,
			status.StatusCode == http.StatusRequestTimeout:
			return Retryable
		default:
			return Fatal
		}
	}

	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return Retryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Retryable
	}

	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return Retryable
	}

	return Fatal
}

// IsRetryable reports whether err is classified Retryable.
func IsRetryable(err error) bool {
	return err != nil && Classify(err) == Retryable
}

// IsFatal reports whether err is classified Fatal.
func IsFatal(err error) bool {
	return err != nil && Classify(err) == Fatal
}
