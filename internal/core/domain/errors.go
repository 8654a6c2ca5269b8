package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrDimensionMismatch = errors.New("dimension mismatch")
	ErrNotFound          = errors.New("not found")
	ErrTemporary         = errors.New("temporary failure")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnavailable       = errors.New("upstream unavailable")
	ErrContentFiltered   = errors.New("content filtered")
	ErrTimeout           = errors.New("timeout")
	ErrConsistency       = errors.New("consistency violation")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// FailureKindOf maps an error to the failure kind reported on a query result.
func FailureKindOf(err error) FailureKind {
	switch {
	case err == nil:
		return ""
	case IsKind(err, ErrTimeout):
		return FailureTimeout
	case IsKind(err, ErrInvalidInput), IsKind(err, ErrDimensionMismatch):
		return FailureInput
	case IsKind(err, ErrContentFiltered):
		return FailureContentFiltered
	case IsKind(err, ErrConsistency):
		return FailureConsistency
	default:
		return FailureUpstream
	}
}
