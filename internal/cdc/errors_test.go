package cdc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	var syntaxErr error = &json.SyntaxError{Offset: 3}

	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"explicit retryable", NewRetryableError(errors.New("boom")), Retryable},
		{"explicit fatal", NewFatalError(errors.New("boom")), Fatal},
		{"fatal wins over retryable inside", NewFatalError(NewRetryableError(errors.New("boom"))), Fatal},
		{"entity not found", fmt.Errorf("fetch Q1: %w", ErrEntityNotFound), Fatal},
		{"budget exhausted", ErrRetryBudgetExhausted, Fatal},
		{"deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), Retryable},
		{"canceled", context.Canceled, Fatal},
		{"http 503", &StatusError{StatusCode: 503}, Retryable},
		{"http 500", &StatusError{StatusCode: 500}, Retryable},
		{"http 429", &StatusError{StatusCode: 429}, Retryable},
		{"http 408", &StatusError{StatusCode: 408}, Retryable},
		{"http 401", &StatusError{StatusCode: 401}, Fatal},
		{"http 403", &StatusError{StatusCode: 403}, Fatal},
		{"http 404", &StatusError{StatusCode: 404}, Fatal},
		{"client timeout", &url.Error{Op: "Get", URL: "https://example.org", Err: timeoutErr{}}, Retryable},
		{"connection reset", fmt.Errorf("read: %w", syscall.ECONNRESET), Retryable},
		{"truncated body", fmt.Errorf("decode: %w", io.ErrUnexpectedEOF), Retryable},
		{"truncated json", fmt.Errorf("decode: %w", syntaxErr), Retryable},
		{"unknown", errors.New("missing field"), Fatal},
		{"nil", nil, Fatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassHelpers(t *testing.T) {
	assert.True(t, IsRetryable(NewRetryableError(errors.New("x"))))
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsFatal(errors.New("x")))
	assert.False(t, IsFatal(nil))
	assert.Equal(t, "retryable", Retryable.String())
	assert.Equal(t, "fatal", Fatal.String())
}
