package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/lib/pq"
)

// Kind classifies a datastore failure
type Kind int

const (
	KindUnknown Kind = iota
	KindDeadlock
	KindSerialization
	KindConnection
	KindTimeout
	KindLockConflict
	KindUniqueViolation
	KindNotFound
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindDeadlock:
		return "deadlock"
	case KindSerialization:
		return "serialization"
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	case KindLockConflict:
		return "lock_conflict"
	case KindUniqueViolation:
		return "unique_violation"
	case KindNotFound:
		return "not_found"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Retryable reports whether an operation failing with this kind may be retried
func (k Kind) Retryable() bool {
	switch k {
	case KindDeadlock, KindSerialization, KindConnection, KindTimeout, KindLockConflict:
		return true
	default:
		return false
	}
}

// PostgreSQL SQLSTATE codes used for classification
const (
	codeDeadlockDetected     = "40P01"
	codeSerializationFailure = "40001"
	codeQueryCanceled        = "57014"
	codeLockNotAvailable     = "55P03"
	codeUniqueViolation      = "23505"
	classConnectionException = "08"
	codeAdminShutdown        = "57P01"
	codeCannotConnectNow     = "57P03"
)

// Classify maps a datastore error to a Kind using the driver's error codes
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}

	if errors.Is(err, sql.ErrNoRows) {
		return KindNotFound
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, sql.ErrConnDone) {
		return KindConnection
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		switch {
		case code == codeDeadlockDetected:
			return KindDeadlock
		case code == codeSerializationFailure:
			return KindSerialization
		case code == codeQueryCanceled:
			return KindTimeout
		case code == codeLockNotAvailable:
			return KindLockConflict
		case code == codeUniqueViolation:
			return KindUniqueViolation
		case code == codeAdminShutdown, code == codeCannotConnectNow:
			return KindConnection
		case strings.HasPrefix(code, classConnectionException):
			return KindConnection
		}
		return KindUnknown
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindConnection
	}

	return KindUnknown
}

// Error is returned by Store operations and carries the classified Kind
type Error struct {
	Op       string
	Kind     Kind
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed (%s after %d attempts): %v", e.Op, e.Kind, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind carried by err, classifying it if needed
func KindOf(err error) Kind {
	return Classify(err)
}

// IsNotFound reports whether err is a missing-row error
func IsNotFound(err error) bool {
	return Classify(err) == KindNotFound
}

// IsUniqueViolation reports whether err is a uniqueness conflict
func IsUniqueViolation(err error) bool {
	return Classify(err) == KindUniqueViolation
}

// ConstraintName returns the violated constraint name when err is a pq.Error
func ConstraintName(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Constraint
	}
	return ""
}
