// Package ros defines the capability contracts every wire backend implements
// and the strongly-typed publish/subscribe and service surface applications
// program against.
//
// The design is split into two layers because Go interfaces cannot carry
// generic methods:
//
//   - The backend contracts (TopicProvider, ServiceProvider, Ros) are
//     non-generic. They operate on a topic or service name, a wire identity
//     (types.TypeIdentity / types.ServiceType) and opaque JSON payloads.
//     Backends are pure byte transports; they never see application message
//     structs.
//
//   - Package-level generic functions (Advertise, Subscribe, CallService,
//     NewServiceClient, AdvertiseService) provide the typed surface. They own
//     the codec boundary and return typed handles (Publisher, Subscriber,
//     ServiceClient, ServiceServer).
//
// Every handle exposes Close. Closing is idempotent: the first call performs
// the backend deregistration (unadvertise, unsubscribe, client teardown,
// server shutdown) exactly once and later calls are no-ops. The intended
// usage pattern is to defer Close at acquisition so deregistration happens on
// every exit path, including error paths.
//
// Service callbacks run under the dispatch engine in this package: one fresh
// goroutine per invocation, never inline on a backend's read loop. Callbacks
// may therefore block indefinitely and may perform further bus operations
// from inside the callback without risking scheduler starvation. A panicking
// callback is contained at the dispatch boundary and reported to the caller
// as a response-level failure.
package ros
