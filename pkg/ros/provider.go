package ros

import (
	"context"

	"github.com/rosbus/rosbus-go/pkg/types"
)

// RawPublisher is the backend half of a typed Publisher. Publish returns
// once the payload has been accepted by the backend's outbound path; what
// delivery guarantee applies beyond that point is backend-defined and
// documented per backend.
type RawPublisher interface {
	Publish(ctx context.Context, payload []byte) error

	// Close unadvertises the topic. Backends must tolerate multiple calls;
	// the typed layer additionally guards with sync.Once.
	Close() error
}

// RawSubscription is the backend half of a typed Subscriber. Next suspends
// until a message arrives, the context is done, or the subscription is torn
// down. A subscription has single-consumer semantics: one delivery queue,
// each payload consumed at most once.
type RawSubscription interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// RawServiceClient is the backend half of a typed ServiceClient. Requests
// issued sequentially on one client receive responses in FIFO order.
type RawServiceClient interface {
	Call(ctx context.Context, request []byte) ([]byte, error)
	Close() error
}

// RawServiceServer is the backend handle for an advertised service. Close
// deregisters the service; invocations already dispatched are allowed to
// finish.
type RawServiceServer interface {
	Close() error
}

// RawServiceFn is the byte-level service callback a backend invokes once per
// incoming request. It may block indefinitely and may re-enter the bus, so
// backends must never invoke it inline on their read loop; use
// DispatchServiceCall, which runs each invocation on its own goroutine with
// panic containment.
type RawServiceFn func(ctx context.Context, request []byte) ([]byte, error)

// TopicProvider is the pub/sub capability a backend exposes.
//
// Both operations fail with a connectivity error when the backend is
// unreachable or registration is refused, and with a type-incompatibility
// error when an existing attachment on the same name carries a different
// checksum. The checksum gate applies at attach time, never at first
// message.
type TopicProvider interface {
	Advertise(ctx context.Context, topic string, ty types.TypeIdentity) (RawPublisher, error)
	Subscribe(ctx context.Context, topic string, ty types.TypeIdentity) (RawSubscription, error)
}

// ServiceProvider is the service capability a backend exposes.
type ServiceProvider interface {
	// CallService performs a oneshot call: set up whatever connection is
	// needed, perform one request/response exchange, tear it down. Fails
	// with a connectivity error when no server is reachable.
	CallService(ctx context.Context, service string, ty types.ServiceType, request []byte) ([]byte, error)

	// ServiceClient returns a persistent client that amortizes connection
	// setup across repeated calls.
	ServiceClient(ctx context.Context, service string, ty types.ServiceType) (RawServiceClient, error)

	// AdvertiseService registers fn to be invoked once per incoming request.
	// A service has at most one active server; a second advertisement on the
	// same name fails. The service stays active until the returned handle is
	// closed.
	AdvertiseService(ctx context.Context, service string, ty types.ServiceType, fn RawServiceFn) (RawServiceServer, error)
}

// Ros is the full node-handle capability bundle. Any backend implementing
// both capability contracts plus teardown qualifies; there is no registration
// step beyond satisfying the methods.
//
// Backend handles are cheaply shareable: concrete backends expose a Clone
// method returning a handle over the same underlying connection (cloning
// never opens a new connection), and closing the last clone tears the
// connection down exactly once.
type Ros interface {
	TopicProvider
	ServiceProvider

	Close() error
}
