// Package dberr provides structured error types for the Conform engine.
// All errors include a category, code, message, and optional cause for
// consistent handling across components.
package dberr

import (
	"errors"
	"fmt"
)

// Category classifies errors by failure class.
type Category string

const (
	// CategoryConfiguration covers definition and registry mistakes:
	// duplicate database names, unknown names, malformed definitions.
	// Never retried; always a caller bug.
	CategoryConfiguration Category = "CONFIGURATION"

	// CategoryConsistency covers live schema state that cannot be
	// reconciled to its stamped version, and failed verifications.
	// Fatal: the host must halt rather than proceed.
	CategoryConsistency Category = "CONSISTENCY"

	// CategoryTransition covers transition scripts failing mid-execution.
	// The enclosing transaction is aborted; the previous stamped version
	// remains intact.
	CategoryTransition Category = "TRANSITION"
)

// Error codes for each category.
const (
	// Configuration codes
	CodeDuplicateDatabase = "DUPLICATE_DATABASE"
	CodeUnknownDatabase   = "UNKNOWN_DATABASE"
	CodeInvalidDefinition = "INVALID_DEFINITION"

	// Consistency codes
	CodeReconcileFailed = "RECONCILE_FAILED"
	CodeVerifyFailed    = "VERIFY_FAILED"

	// Transition codes
	CodeScriptFailed = "SCRIPT_FAILED"
)

// Error is the structured error type used throughout the engine.
type Error struct {
	Category Category
	Code     string
	Message  string
	Database string // logical database name, when known
	Version  int    // version being applied, for TRANSITION errors
	Cause    error
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s:%s]", e.Category, e.Code)
	if e.Database != "" {
		prefix += " " + e.Database
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s %s", prefix, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new Error.
func New(category Category, code, message string) *Error {
	return &Error{Category: category, Code: code, Message: message}
}

// Newf creates a new Error with a formatted message.
func Newf(category Category, code, format string, args ...interface{}) *Error {
	return &Error{Category: category, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(category Category, code, message string, cause error) *Error {
	return &Error{Category: category, Code: code, Message: message, Cause: cause}
}

// WithDatabase returns a copy of the error annotated with a database name.
func (e *Error) WithDatabase(name string) *Error {
	cp := *e
	cp.Database = name
	return &cp
}

// WithVersion returns a copy of the error annotated with a version number.
func (e *Error) WithVersion(v int) *Error {
	cp := *e
	cp.Version = v
	return &cp
}

// GetCategory extracts the category from an error chain.
// Returns empty string if the chain contains no *Error.
func GetCategory(err error) Category {
	var de *Error
	if errors.As(err, &de) {
		return de.Category
	}
	return ""
}

// GetCode extracts the code from an error chain.
func GetCode(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool {
	return GetCategory(err) == CategoryConfiguration
}

// IsConsistency reports whether err is a fatal consistency error.
func IsConsistency(err error) bool {
	return GetCategory(err) == CategoryConsistency
}

// IsTransition reports whether err is a failed transition script.
func IsTransition(err error) bool {
	return GetCategory(err) == CategoryTransition
}

// NewTransitionError annotates a failed transition script with its database
// and target version.
func NewTransitionError(database string, version int, cause error) *Error {
	e := Wrap(CategoryTransition, CodeScriptFailed,
		fmt.Sprintf("transition to version %d failed", version), cause)
	e.Database = database
	e.Version = version
	return e
}
