package errors

// Error codes for the bus middleware. Ranges are grouped per concern so a
// backend can allocate protocol-specific codes without colliding with the
// core taxonomy.
const (
	// Connectivity errors (1000-1099)
	CodeConnectionFailed    int = 1000 // Failed to reach the backend
	CodeConnectionLost      int = 1001 // Connection dropped mid-operation
	CodeRegistrationRefused int = 1002 // Backend refused an advertise/subscribe
	CodeServiceUnreachable  int = 1003 // No server reachable for a service call
	CodeHandleClosed        int = 1004 // Operation on a closed handle

	// Type compatibility errors (1100-1199)
	CodeChecksumMismatch int = 1100 // Endpoints disagree on a channel's checksum

	// Conversion errors (1200-1299)
	CodeSecondsOutOfRange int = 1200 // Seconds overflow or negative seconds
	CodeNanosOutOfRange   int = 1201 // Nanoseconds overflow or negative nanoseconds
	CodeTimeOverflow      int = 1202 // Combining seconds and nanoseconds overflowed

	// Service execution errors (1300-1399)
	CodeServiceLogic  int = 1300 // Service callback reported a failure
	CodeDispatchFault int = 1301 // Service callback aborted abnormally
	CodeServiceTaken  int = 1302 // A server is already advertised on this name

	// Backend plumbing errors (1400-1499)
	CodeProtocolError int = 1400 // Malformed or unexpected wire traffic
	CodeInternalError int = 1401 // Invariant violation inside the middleware
)
