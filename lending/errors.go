package lending

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors returned by the engine and by store adapters.
// Callers match them with errors.Is.
var (
	// ErrNotFound means the referenced book or loan does not exist.
	ErrNotFound = errors.New("not found")

	// ErrOutOfStock means the conditional decrement matched no record with stock left.
	ErrOutOfStock = errors.New("book not available for borrowing")

	// ErrInvalidInput means required patron or book fields are missing.
	ErrInvalidInput = errors.New("invalid input")

	// ErrAlreadyBorrowed means the patron already holds an open loan for the book.
	ErrAlreadyBorrowed = errors.New("book already borrowed by this patron")

	// ErrStorageFailure wraps any error coming from an unreachable store or a rejected write.
	ErrStorageFailure = errors.New("storage failure")
)

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, msg)
}

// classify passes domain errors through untouched and marks everything else
// as a storage failure, keeping the original error in the chain.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isDomainError(err) || errors.Is(err, ErrStorageFailure) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageFailure, err)
}

func isDomainError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrOutOfStock) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrAlreadyBorrowed)
}

// errorType is used as a log attribute.
func errorType(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrOutOfStock):
		return "out_of_stock"
	case errors.Is(err, ErrAlreadyBorrowed):
		return "already_borrowed"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, context.Canceled):
		return "context_canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "context_deadline_exceeded"
	default:
		return "storage"
	}
}
