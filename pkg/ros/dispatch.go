package ros

import (
	"context"

	buserr "github.com/rosbus/rosbus-go/pkg/errors"
)

// DispatchServiceCall runs one service callback invocation on its own
// goroutine and delivers the outcome through reply. Backends must route every
// incoming service request through here rather than invoking the callback
// inline on their read loop.
//
// Running each invocation on a fresh goroutine is what makes the execution
// model safe: a callback is allowed to block for arbitrarily long and to
// re-enter the bus (publish, call another service, push into a bounded
// channel awaited by another goroutine). Were callbacks executed on a shared
// bounded pool or on the transport's read loop, enough concurrent blocking
// callbacks would leave no context free to make the progress the callbacks
// are waiting on.
//
// A panic inside the callback is contained here and converted into a
// dispatch-fault error; it never unwinds into the backend or terminates the
// server. reply is invoked exactly once.
func DispatchServiceCall(ctx context.Context, service string, fn RawServiceFn, request []byte, reply func(response []byte, err error)) {
	go func() {
		response, err := runContained(ctx, service, fn, request)
		reply(response, err)
	}()
}

// runContained invokes fn with panic containment at the dispatch boundary.
func runContained(ctx context.Context, service string, fn RawServiceFn, request []byte) (response []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			response = nil
			err = buserr.DispatchFault(service, r)
		}
	}()
	return fn(ctx, request)
}
