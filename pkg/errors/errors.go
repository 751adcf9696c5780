// Package errors provides the sentinel errors and error types shared by the
// arc-nosql stores.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

var (
	// ErrNotOpen indicates an operation was attempted before Open completed
	// or after Close.
	ErrNotOpen = stderrors.New("store not open")

	// ErrAborted indicates the caller's context was already done.
	ErrAborted = stderrors.New("aborted by caller")

	// ErrInvalidInput indicates the input is invalid.
	ErrInvalidInput = stderrors.New("invalid input")

	// ErrInvalidCursor indicates a pagination cursor could not be decoded or
	// does not belong to the query it was submitted with.
	ErrInvalidCursor = stderrors.New("invalid cursor")
)

// ProviderError wraps a failure reported by the backing table service.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Provider wraps err as a *ProviderError for op. Cancellation errors are
// mapped to ErrAborted instead. Returns nil if err is nil.
func Provider(op string, err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrAborted, err)
	}
	return &ProviderError{Op: op, Err: err}
}

// IsProvider reports whether err is or wraps a *ProviderError.
func IsProvider(err error) bool {
	var pe *ProviderError
	return stderrors.As(err, &pe)
}

// Checkpoint returns an ErrAborted error if ctx is done.
func Checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrAborted, err)
	}
	return nil
}
