package billing

import (
	"errors"
	"fmt"
)

// ErrorKind is the caller-facing failure category
type ErrorKind int

const (
	// KindInternal is an unclassified failure
	KindInternal ErrorKind = iota
	// KindValidation rejects input before any side effect
	KindValidation
	// KindConflict reports a uniqueness violation
	KindConflict
	// KindTransient is an infrastructure failure that survived retries
	KindTransient
	// KindCompensated means a partial failure was unwound and surfaced
	KindCompensated
	// KindNotFound means the referenced row does not exist
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindCompensated:
		return "compensated"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

var (
	ErrNotFound             = errors.New("not found")
	ErrCustomerNotFound     = fmt.Errorf("customer %w", ErrNotFound)
	ErrSubscriptionNotFound = fmt.Errorf("subscription %w", ErrNotFound)
	ErrPriceNotFound        = fmt.Errorf("price %w", ErrNotFound)
	ErrProductNotFound      = fmt.Errorf("product %w", ErrNotFound)
	ErrFeatureNotFound      = fmt.Errorf("feature %w", ErrNotFound)
	ErrAccountNotFound      = fmt.Errorf("processor account %w", ErrNotFound)
	ErrGrantNotFound        = fmt.Errorf("feature grant %w", ErrNotFound)
	ErrDuplicateCustomer    = errors.New("customer with this email or external id already exists")
	ErrExternalIDImmutable  = errors.New("external id cannot be changed once set")

	// ErrSubscriptionChanged is returned when a subscription left the price a
	// change was computed from before the change was written
	ErrSubscriptionChanged = &Error{Kind: KindConflict, Message: "subscription was changed concurrently"}
)

// Error carries an ErrorKind and a message safe to show to callers
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with kind and a caller-facing message
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation returns a validation error with message
func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

// KindOf extracts the ErrorKind from err. Wrapped ErrNotFound maps to
// KindNotFound.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindInternal
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	return KindInternal
}

// PublicMessage returns the message a caller may see for err
func PublicMessage(err error) string {
	var be *Error
	if errors.As(err, &be) && be.Kind != KindInternal {
		return be.Message
	}
	if errors.Is(err, ErrNotFound) {
		return err.Error()
	}
	return "internal error"
}
