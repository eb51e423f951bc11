// Package pkg provides the core components of the rosbus middleware.
//
// The middleware gives robot applications typed publish/subscribe topics and
// request/response services over pluggable backends. This package contains
// several sub-packages implementing different aspects of the system.
//
// # Typed API
//
// The typed surface lives in pkg/ros as package-level generic functions over
// any backend:
//
//	nh := mock.NewClient()
//	defer nh.Close()
//
//	sub, err := ros.Subscribe[StringMsg](ctx, nh, "/chatter")
//	if err != nil {
//	    // Handle error
//	}
//	defer sub.Close()
//
//	msg, err := sub.Next(ctx)
//
// # Backends
//
// A backend is anything implementing the ros.Ros contract; the module ships
// four:
//
//   - backend/mock: In-process shared-memory backend
//   - backend/rosbridge: Websocket connection to a bridge server
//   - backend/natsbus: NATS broker subjects and request/reply
//   - backend/meshros: Brokerless libp2p gossip mesh
//
// # Sub-packages
//
//   - ros: Capability contracts, typed handles and the dispatch engine
//   - types: Message identity, service types, Time and Duration conversions
//   - errors: Structured error taxonomy
//   - logging: Structured leveled logging
//   - observability: Prometheus metrics and OpenTelemetry tracing
package pkg
