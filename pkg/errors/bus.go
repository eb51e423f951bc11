package errors

import (
	"fmt"
)

// ConnectionFailed creates an error for a failed backend connection attempt.
func ConnectionFailed(backend, endpoint string, cause error) BusError {
	message := fmt.Sprintf("failed to connect to %s backend", backend)
	if endpoint != "" {
		message = fmt.Sprintf("%s at %s", message, endpoint)
	}
	return WrapError(cause, CodeConnectionFailed, message, CategoryConnectivity, SeverityError).
		WithContext(&Context{Backend: backend, Operation: "connect"})
}

// ConnectionLost creates an error for a connection dropped mid-operation.
func ConnectionLost(backend, operation string, cause error) BusError {
	return WrapError(cause, CodeConnectionLost,
		fmt.Sprintf("%s connection lost during %s", backend, operation),
		CategoryConnectivity, SeverityError).
		WithContext(&Context{Backend: backend, Operation: operation})
}

// RegistrationRefused creates an error for a refused advertise or subscribe.
func RegistrationRefused(backend, topic, reason string) BusError {
	return NewErrorf(CodeRegistrationRefused, CategoryConnectivity, SeverityError,
		"%s refused registration on %q: %s", backend, topic, reason).
		WithContext(&Context{Backend: backend, Topic: topic, Operation: "register"})
}

// ServiceUnreachable creates an error for a service call with no reachable server.
func ServiceUnreachable(backend, service string) BusError {
	return NewErrorf(CodeServiceUnreachable, CategoryConnectivity, SeverityError,
		"no server reachable for service %q", service).
		WithContext(&Context{Backend: backend, Service: service, Operation: "call_service"})
}

// HandleClosed creates an error for an operation on an already closed handle.
func HandleClosed(component string) BusError {
	return NewErrorf(CodeHandleClosed, CategoryConnectivity, SeverityWarning,
		"%s is closed", component).
		WithContext(&Context{Component: component})
}

// ChecksumMismatch creates the attach-time type incompatibility error. It is
// surfaced when a second endpoint attaches to a channel with a different
// checksum than the endpoints already present; it is never deferred to first
// message delivery.
func ChecksumMismatch(topic, want, got string) BusError {
	return NewErrorf(CodeChecksumMismatch, CategoryTypeMismatch, SeverityError,
		"type checksum mismatch on %q: channel has %s, attachment has %s", topic, want, got).
		WithContext(&Context{Topic: topic, Operation: "attach"})
}

// ConversionError creates an error for a time or duration value outside the
// representable range. Field names which component failed.
func ConversionError(code int, field string, format string, args ...interface{}) BusError {
	return NewErrorf(code, CategoryConversion, SeverityWarning, format, args...).
		WithDetail(fmt.Sprintf("field %q", field))
}

// ServiceLogic creates the response-level failure reported by a service
// callback. It is wire-distinct from connectivity failure: the server was
// reached and declined.
func ServiceLogic(service, message string) BusError {
	return NewError(CodeServiceLogic, message, CategoryServiceLogic, SeverityWarning).
		WithContext(&Context{Service: service, Operation: "dispatch"})
}

// DispatchFault creates the error produced when a service callback aborts
// abnormally. The fault is contained at the dispatch boundary and converted
// into a response-level failure; it never terminates the server.
func DispatchFault(service string, recovered interface{}) BusError {
	return NewErrorf(CodeDispatchFault, CategoryDispatch, SeverityCritical,
		"service callback panicked: %v", recovered).
		WithContext(&Context{Service: service, Operation: "dispatch"})
}

// ServiceTaken creates an error for advertising a service that already has
// an active server.
func ServiceTaken(backend, service string) BusError {
	return NewErrorf(CodeServiceTaken, CategoryServiceLogic, SeverityError,
		"service %q already has an active server", service).
		WithContext(&Context{Backend: backend, Service: service, Operation: "advertise_service"})
}

// ProtocolError creates an error for malformed or unexpected wire traffic.
func ProtocolError(backend, detail string, cause error) BusError {
	return WrapError(cause, CodeProtocolError,
		fmt.Sprintf("%s protocol error: %s", backend, detail),
		CategoryProtocol, SeverityError).
		WithContext(&Context{Backend: backend})
}

// Internal creates an error for a middleware invariant violation.
func Internal(component, detail string) BusError {
	return NewErrorf(CodeInternalError, CategoryInternal, SeverityCritical,
		"internal error in %s: %s", component, detail).
		WithContext(&Context{Component: component})
}

// IsConnectivity reports whether an error is a connectivity failure.
func IsConnectivity(err error) bool { return IsCategory(err, CategoryConnectivity) }

// IsTypeIncompatibility reports whether an error is an attach-time checksum
// mismatch.
func IsTypeIncompatibility(err error) bool { return IsCategory(err, CategoryTypeMismatch) }

// IsConversion reports whether an error is a time/duration conversion failure.
func IsConversion(err error) bool { return IsCategory(err, CategoryConversion) }

// IsServiceLogic reports whether an error is a failure reported by the remote
// service callback, as opposed to a transport failure.
func IsServiceLogic(err error) bool {
	return IsCategory(err, CategoryServiceLogic) || IsCategory(err, CategoryDispatch)
}

// IsDispatchFault reports whether an error originated from a contained
// callback abort.
func IsDispatchFault(err error) bool { return IsCategory(err, CategoryDispatch) }
