// Package fault defines the error taxonomy shared by the reconciliation
// pipeline and the helpers callers use to classify failures.
package fault

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind names an error category. The zero value means "unclassified".
type Kind string

const (
	KindNone        Kind = ""
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindMappingGap  Kind = "mapping_gap"
	KindConflict    Kind = "conflict"
	KindTransaction Kind = "transaction"
)

// ValidationError reports malformed caller input. It is always raised
// before any transaction begins.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Validation builds a ValidationError.
func Validation(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError reports an unknown origin id or unit id.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s %s", e.Entity, e.Key)
}

// NotFound builds a NotFoundError.
func NotFound(entity string, key any) *NotFoundError {
	return &NotFoundError{Entity: entity, Key: fmt.Sprint(key)}
}

// MappingGapError lists raw specialty names that have no canonical mapping.
// It is a warning unless the caller runs in strict mode.
type MappingGapError struct {
	OriginID string
	RawNames []string
}

func (e *MappingGapError) Error() string {
	return fmt.Sprintf("mapping gap: origin %s: unmapped specialties [%s]",
		e.OriginID, strings.Join(e.RawNames, ", "))
}

// ConflictError reports that a concurrent operation changed the target after
// it was loaded. Callers may retry.
type ConflictError struct {
	Err error
}

func (e *ConflictError) Error() string {
	return "conflict: " + e.Err.Error()
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// Conflict wraps err as a ConflictError.
func Conflict(err error) *ConflictError {
	return &ConflictError{Err: err}
}

// TransactionError wraps an underlying store failure. Nothing was applied.
type TransactionError struct {
	Err error
}

func (e *TransactionError) Error() string {
	return "transaction: " + e.Err.Error()
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

// Transaction wraps err as a TransactionError unless it already carries a
// kind from this package, or is a Postgres serialization or lock failure
// (which becomes a ConflictError).
func Transaction(err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindNone {
		return err
	}
	if isRetryablePG(err) {
		return Conflict(err)
	}
	return &TransactionError{Err: err}
}

// retryableSQLStates are SQLSTATE codes that mean "another transaction got
// there first": serialization_failure, deadlock_detected, lock_not_available.
var retryableSQLStates = map[string]bool{
	"40001": true,
	"40P01": true,
	"55P03": true,
}

func isRetryablePG(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return retryableSQLStates[pgErr.Code]
	}
	return false
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return KindValidation
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return KindNotFound
	}
	var mg *MappingGapError
	if errors.As(err, &mg) {
		return KindMappingGap
	}
	var ce *ConflictError
	if errors.As(err, &ce) {
		return KindConflict
	}
	var te *TransactionError
	if errors.As(err, &te) {
		return KindTransaction
	}
	return KindNone
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// Rejected reports whether err was raised before any state change.
func Rejected(err error) bool {
	k := KindOf(err)
	return k == KindValidation || k == KindNotFound
}
