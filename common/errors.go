package common

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine errors so callers can map them to transport
// responses without string matching.
type ErrorKind string

const (
	// KindParse indicates malformed XML or an unrecognized element type.
	KindParse ErrorKind = "PARSE_ERROR"

	// KindInvalidDefinition indicates a structural violation found after
	// parsing, such as a missing start event or a dangling sequence flow.
	KindInvalidDefinition ErrorKind = "INVALID_DEFINITION"

	// KindMalformedProcess indicates a graph invariant violated at runtime,
	// such as a node without a required outgoing flow or a branch that
	// cannot reach its join.
	KindMalformedProcess ErrorKind = "MALFORMED_PROCESS"

	// KindDelegateFailure indicates a service-task delegate returned an
	// error or timed out.
	KindDelegateFailure ErrorKind = "DELEGATE_FAILURE"

	// KindStore indicates the durable store was unreachable, a constraint
	// was violated, or a transaction aborted.
	KindStore ErrorKind = "STORE_ERROR"

	// KindNotFound indicates an unknown instance, task, definition, or form.
	KindNotFound ErrorKind = "NOT_FOUND"

	// KindConflict indicates an operation invalid for the instance's
	// current status.
	KindConflict ErrorKind = "CONFLICT"

	// KindValidation indicates malformed caller input.
	KindValidation ErrorKind = "VALIDATION_ERROR"
)

// Error is the typed error surfaced by every engine layer. Node-handler
// errors become error records and FAILED status; store errors roll back
// their transaction and surface unchanged.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a typed error with a formatted message.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds a typed error around an underlying cause.
func WrapError(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain. Unclassified errors report
// an empty kind.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
