// Package errors provides structured error handling for the bus middleware.
// It defines the error taxonomy shared by the capability layer and every
// backend: connectivity failures, type incompatibility at attach time, time
// conversion failures, service-level logic failures and contained dispatch
// faults. All failures are explicit result values; nothing in the core
// retries or swallows an error on the caller's behalf.
package errors

import (
	"fmt"
	"time"
)

// Category classifies an error for programmatic handling
type Category string

const (
	CategoryConnectivity Category = "connectivity"
	CategoryTypeMismatch Category = "type_mismatch"
	CategoryConversion   Category = "conversion"
	CategoryServiceLogic Category = "service_logic"
	CategoryDispatch     Category = "dispatch"
	CategoryProtocol     Category = "protocol"
	CategoryInternal     Category = "internal"
)

// Severity indicates how critical an error is
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Context carries information about where and when an error occurred
type Context struct {
	Backend   string    `json:"backend,omitempty"`
	Topic     string    `json:"topic,omitempty"`
	Service   string    `json:"service,omitempty"`
	CallID    string    `json:"call_id,omitempty"`
	Component string    `json:"component,omitempty"`
	Operation string    `json:"operation,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// BusError is the interface implemented by all middleware errors
type BusError interface {
	error

	// Code returns the numeric error code
	Code() int

	// Message returns a human-readable error message
	Message() string

	// Category returns the error category for classification
	Category() Category

	// Severity returns the error severity level
	Severity() Severity

	// Context returns the error context information
	Context() *Context

	// WithContext returns a new error with the provided context
	WithContext(ctx *Context) BusError

	// WithDetail returns a new error with additional detail appended
	WithDetail(detail string) BusError

	// Unwrap returns the underlying error for error chain traversal
	Unwrap() error
}

// baseError implements the BusError interface
type baseError struct {
	code     int
	message  string
	details  string
	category Category
	severity Severity
	context  *Context
	cause    error
}

func (e *baseError) Error() string {
	if e.details != "" {
		return fmt.Sprintf("%s: %s", e.message, e.details)
	}
	return e.message
}

func (e *baseError) Code() int { return e.code }

func (e *baseError) Message() string { return e.message }

func (e *baseError) Category() Category { return e.category }

func (e *baseError) Severity() Severity { return e.severity }

func (e *baseError) Context() *Context { return e.context }

func (e *baseError) WithContext(ctx *Context) BusError {
	newErr := *e
	if ctx.Timestamp.IsZero() {
		ctx.Timestamp = time.Now()
	}
	newErr.context = ctx
	return &newErr
}

func (e *baseError) WithDetail(detail string) BusError {
	newErr := *e
	if newErr.details != "" {
		newErr.details = fmt.Sprintf("%s; %s", newErr.details, detail)
	} else {
		newErr.details = detail
	}
	return &newErr
}

func (e *baseError) Unwrap() error { return e.cause }

// NewError creates a new BusError with the specified parameters
func NewError(code int, message string, category Category, severity Severity) BusError {
	return &baseError{
		code:     code,
		message:  message,
		category: category,
		severity: severity,
		context:  &Context{Timestamp: time.Now()},
	}
}

// NewErrorf creates a new BusError with a formatted message
func NewErrorf(code int, category Category, severity Severity, format string, args ...interface{}) BusError {
	return &baseError{
		code:     code,
		message:  fmt.Sprintf(format, args...),
		category: category,
		severity: severity,
		context:  &Context{Timestamp: time.Now()},
	}
}

// WrapError wraps an existing error as a BusError
func WrapError(err error, code int, message string, category Category, severity Severity) BusError {
	return &baseError{
		code:     code,
		message:  message,
		category: category,
		severity: severity,
		cause:    err,
		context:  &Context{Timestamp: time.Now()},
	}
}

// AsBusError extracts a BusError from any error in the chain
func AsBusError(err error) (BusError, bool) {
	for err != nil {
		if busErr, ok := err.(BusError); ok {
			return busErr, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// IsCategory checks whether an error belongs to a specific category
func IsCategory(err error, category Category) bool {
	if busErr, ok := AsBusError(err); ok {
		return busErr.Category() == category
	}
	return false
}

// IsCode checks whether an error carries a specific error code
func IsCode(err error, code int) bool {
	if busErr, ok := AsBusError(err); ok {
		return busErr.Code() == code
	}
	return false
}
