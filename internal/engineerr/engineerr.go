// Package engineerr defines the engine's error taxonomy as comparable kind
// sentinels, wrapped with operation context the way this codebase's store
// layer wraps transport failures.
package engineerr

import (
	"errors"
	"fmt"
)

// Kind is one of the error taxonomy's fixed set of comparable kinds.
type Kind string

const (
	KindStore            Kind = "store_error"
	KindLLMTransient     Kind = "llm_transient"
	KindLLMRateLimited   Kind = "llm_rate_limited"
	KindLLMInvalid       Kind = "llm_invalid_response"
	KindEmbedding        Kind = "embedding_error"
	KindCapabilityDenied Kind = "capability_denied"
	KindBudgetExceeded   Kind = "budget_exceeded"
	KindToolValidation   Kind = "tool_validation_error"
	KindToolNotPermitted Kind = "tool_not_permitted"
	KindCancelled        Kind = "cancelled"
	KindTimeout          Kind = "timeout"
)

// Error wraps an underlying error with a Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a wrapped Error. op should be "package.Func" style.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether the first *Error in err's chain carries the given Kind.
// Kinds of *Error values nested deeper inside that one are not inspected.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind carried by err, if any.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
