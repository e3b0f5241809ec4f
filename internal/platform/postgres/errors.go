package postgres

import (
	"errors"

	"github.com/lib/pq"
)

// ErrorClass buckets driver errors into retry policy categories.
type ErrorClass int

const (
	// ErrorClassPermanent covers constraint violations and anything retrying cannot fix.
	ErrorClassPermanent ErrorClass = iota
	// ErrorClassTransient covers lock timeouts and momentary unavailability.
	ErrorClassTransient
	// ErrorClassDeadlock covers deadlock detection aborts.
	ErrorClassDeadlock
	// ErrorClassSerialization covers serialisation failures under concurrent commits.
	ErrorClassSerialization
)

// ClassifyError maps a Postgres error to its retry class.
func ClassifyError(err error) ErrorClass {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001":
			return ErrorClassSerialization
		case "40P01":
			return ErrorClassDeadlock
		case "55P03", "57014":
			return ErrorClassTransient
		}
	}
	return ErrorClassPermanent
}

// IsRetryable reports whether re-running the transaction may succeed.
func IsRetryable(err error) bool {
	switch ClassifyError(err) {
	case ErrorClassTransient, ErrorClassDeadlock, ErrorClassSerialization:
		return true
	default:
		return false
	}
}

// IsUniqueViolation reports whether the error is a unique constraint breach,
// optionally for a specific constraint name.
func IsUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}
