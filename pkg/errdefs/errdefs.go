package errdefs

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the Lattice core. Handlers classify wrapped
// errors with errors.Is; services attach context with fmt.Errorf and %w.
var (
	ErrValidation              = errors.New("validation failed")
	ErrCINotFound              = errors.New("configuration item not found")
	ErrRelationshipNotFound    = errors.New("relationship not found")
	ErrJobNotFound             = errors.New("job not found")
	ErrAlreadyExists           = errors.New("already exists")
	ErrInvalidConditionType    = errors.New("invalid condition type")
	ErrInvalidRelationshipType = errors.New("invalid relationship type")
	ErrDateParse               = errors.New("invalid date")
	ErrQueryFailure            = errors.New("graph query failed")
	ErrQueueFailure            = errors.New("queue operation failed")
	ErrRateLimited             = errors.New("rate limit exceeded")
	ErrCancelled               = errors.New("operation cancelled")
	ErrConflict                = errors.New("concurrent modification conflict")
)

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// CINotFound wraps ErrCINotFound with the missing id.
func CINotFound(id string) error {
	return fmt.Errorf("%w: %s", ErrCINotFound, id)
}

// RelationshipNotFound wraps ErrRelationshipNotFound with the missing id.
func RelationshipNotFound(id string) error {
	return fmt.Errorf("%w: %s", ErrRelationshipNotFound, id)
}

// IsNotFound reports whether err is any not-found kind.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCINotFound) ||
		errors.Is(err, ErrRelationshipNotFound) ||
		errors.Is(err, ErrJobNotFound)
}

// IsCancelled reports whether err represents a cooperative
// cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidConditionType) ||
		errors.Is(err, ErrInvalidRelationshipType) ||
		errors.Is(err, ErrDateParse)
}
