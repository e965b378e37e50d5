package network

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Common errors returned by the fetcher.
var (
	// ErrNetwork matches every transport-level fetch failure.
	ErrNetwork = errors.New("network request failed")

	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of fetch failures.
type ErrorClass string

const (
	// ErrorClassNetwork represents connection level failures (refused, reset, DNS).
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassTimeout represents timeouts.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassCanceled represents a caller cancelling the request.
	ErrorClassCanceled ErrorClass = "canceled"
)

// FetchError represents a failed fetch with additional context.
type FetchError struct {
	URL        string
	ErrorClass ErrorClass
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s error: %v", e.URL, e.ErrorClass, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is makes every FetchError match ErrNetwork.
func (e *FetchError) Is(target error) bool {
	return target == ErrNetwork
}

// classifyError categorizes a transport error.
func classifyError(err error) ErrorClass {
	if errors.Is(err, context.Canceled) {
		return ErrorClassCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClassTimeout
	}
	return ErrorClassNetwork
}

// shouldRetry determines if an error class is worth another attempt.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassNetwork, ErrorClassTimeout:
		return true
	default:
		// Cancelled requests have no one left to answer
		return false
	}
}
