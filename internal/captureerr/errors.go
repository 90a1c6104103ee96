package captureerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// #region kind
// Kind is the coarse error category used for propagation decisions.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindResource      Kind = "resource"
	KindRuntime       Kind = "runtime"
	KindSystem        Kind = "system"
	KindConcurrency   Kind = "concurrency"
	KindNetwork       Kind = "network"
)

// #endregion kind

// #region code
// Code narrows a Kind to the specific failure.
type Code string

const (
	CodeInvalidValue      Code = "invalid_value"
	CodeMissingRequired   Code = "missing_required"
	CodeValidationFailed  Code = "validation_failed"
	CodeInvalidState      Code = "invalid_state"
	CodeNotAvailable      Code = "not_available"
	CodeAllocationFailed  Code = "allocation_failed"
	CodeOperationFailed   Code = "operation_failed"
	CodeStateError        Code = "state_error"
	CodeTimeout           Code = "timeout"
	CodeIOError           Code = "io_error"
	CodeLockContention    Code = "lock_contention"
	CodeDeadlock          Code = "deadlock"
	CodeIntegrityMismatch Code = "integrity_mismatch"
	CodeNotFound          Code = "not_found"
)

// #endregion code

// #region severity
// Severity drives alerting; it is independent of Kind.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// #endregion severity

// #region context
// Context is the structured part of an error, sufficient for alerting
// without parsing the message.
type Context struct {
	Operation  string   `json:"operation,omitempty"`
	Component  string   `json:"component,omitempty"`
	ResourceID string   `json:"resource_id,omitempty"`
	TraceID    string   `json:"trace_id,omitempty"`
	RetryCount int      `json:"retry_count"`
	Severity   Severity `json:"severity"`
}

// #endregion context

// #region error
// Error is the error type returned at every package boundary of the core.
type Error struct {
	Kind      Kind
	Code      Code
	Message   string
	Timestamp time.Time
	Context   Context
	Cause     error
}

// New creates an error with warning severity, matching the default used
// by the control plane for unclassified failures.
func New(kind Kind, code Code, msg string) *Error {
	return &Error{
		Kind:      kind,
		Code:      code,
		Message:   msg,
		Timestamp: time.Now().UTC(),
		Context:   Context{Severity: SeverityWarning},
	}
}

// Newf is New with a format string.
func Newf(kind Kind, code Code, format string, args ...any) *Error {
	return New(kind, code, fmt.Sprintf(format, args...))
}

// Error renders the error on one line.
func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s/%s] %s", e.Kind, e.Code, e.Message)

	var where []string
	if e.Context.Component != "" {
		where = append(where, e.Context.Component)
	}
	if e.Context.Operation != "" {
		where = append(where, e.Context.Operation)
	}
	if e.Context.ResourceID != "" {
		where = append(where, e.Context.ResourceID)
	}
	if len(where) > 0 {
		fmt.Fprintf(&sb, " (%s)", strings.Join(where, " "))
	}
	if e.Cause != nil {
		fmt.Fprintf(&sb, " - caused by: %v", e.Cause)
	}
	return sb.String()
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// MarshalJSON emits every structured field plus the cause text.
func (e *Error) MarshalJSON() ([]byte, error) {
	var cause string
	if e.Cause != nil {
		cause = e.Cause.Error()
	}
	return json.Marshal(struct {
		Kind      Kind      `json:"kind"`
		Code      Code      `json:"code"`
		Message   string    `json:"message"`
		Timestamp time.Time `json:"timestamp"`
		Context   Context   `json:"context"`
		Cause     string    `json:"cause,omitempty"`
	}{e.Kind, e.Code, e.Message, e.Timestamp, e.Context, cause})
}

// #endregion error

// #region builders
func (e *Error) WithOperation(op string) *Error {
	e.Context.Operation = op
	return e
}

// WithComponent records the reporting component.
func (e *Error) WithComponent(c string) *Error {
	e.Context.Component = c
	return e
}

// WithResource records the resource the error concerns.
func (e *Error) WithResource(id string) *Error {
	e.Context.ResourceID = id
	return e
}

// WithTrace records a trace id.
func (e *Error) WithTrace(id string) *Error {
	e.Context.TraceID = id
	return e
}

// WithRetryCount records how many attempts were made.
func (e *Error) WithRetryCount(n int) *Error {
	e.Context.RetryCount = n
	return e
}

// WithSeverity overrides the severity derived from the kind.
func (e *Error) WithSeverity(s Severity) *Error {
	e.Context.Severity = s
	return e
}

// Wrap sets the underlying cause.
func (e *Error) Wrap(cause error) *Error {
	e.Cause = cause
	return e
}

// #endregion builders

// #region shortcuts
// Configuration errors are surfaced immediately and never retried.
func Configuration(code Code, msg string) *Error {
	return New(KindConfiguration, code, msg).WithSeverity(SeverityError)
}

// InvalidState reports an illegal state transition.
func InvalidState(msg string) *Error {
	return New(KindResource, CodeInvalidState, msg)
}

// OperationFailed reports a runtime failure after local handling was exhausted.
func OperationFailed(msg string) *Error {
	return New(KindRuntime, CodeOperationFailed, msg).WithSeverity(SeverityError)
}

// Concurrency reports lock contention or deadlock avoidance.
func Concurrency(code Code, msg string) *Error {
	return New(KindConcurrency, code, msg)
}

// System reports storage and other I/O failures.
func System(code Code, msg string) *Error {
	return New(KindSystem, code, msg).WithSeverity(SeverityError)
}

// #endregion shortcuts

// #region predicates
// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsKind reports whether any *Error in err's chain has the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var ce *Error
		if !errors.As(err, &ce) {
			return false
		}
		if ce.Kind == kind {
			return true
		}
		err = ce.Cause
	}
	return false
}

// IsCode reports whether any *Error in err's chain has the given code.
func IsCode(err error, code Code) bool {
	for err != nil {
		var ce *Error
		if !errors.As(err, &ce) {
			return false
		}
		if ce.Code == code {
			return true
		}
		err = ce.Cause
	}
	return false
}

// #endregion predicates
