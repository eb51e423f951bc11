// Package rosbus provides a transport-agnostic client middleware for robot
// middleware communication: publish/subscribe topics and request/response
// services over pluggable backends.
//
// The middleware separates the typed API surface from backend transports. The
// pkg/ros package defines the capability contracts and the generic typed
// layer; a backend is anything implementing those contracts. This package is
// the root of the module, providing convenient exports of the backend
// constructors.
//
// # Overview
//
// The module consists of several sub-packages:
//
//   - pkg/ros: Capability contracts, typed handles and the dispatch engine
//   - pkg/types: Message identity, service types, Time and Duration
//   - pkg/errors: The structured error taxonomy shared by all components
//   - pkg/backend/mock: In-process backend for tests and examples
//   - pkg/backend/rosbridge: Websocket backend speaking the bridge v2 JSON protocol
//   - pkg/backend/natsbus: NATS broker backend
//   - pkg/backend/meshros: Brokerless libp2p gossip mesh backend
//   - pkg/observability: Prometheus metrics, OpenTelemetry tracing, middleware
//
// # Publishing and Subscribing
//
// Message types are plain structs satisfying types.Message; topic attachment
// is checked against the type checksum at attach time:
//
//	import (
//	    "context"
//	    rosbus "github.com/rosbus/rosbus-go"
//	    "github.com/rosbus/rosbus-go/pkg/ros"
//	)
//
//	func main() {
//	    ctx := context.Background()
//	    nh, err := rosbus.DialRosbridge(ctx, "ws://localhost:9090")
//	    if err != nil {
//	        // Handle error
//	    }
//	    defer nh.Close()
//
//	    pub, err := ros.Advertise[StringMsg](ctx, nh, "/chatter")
//	    if err != nil {
//	        // Handle error
//	    }
//	    defer pub.Close()
//
//	    _ = pub.Publish(ctx, StringMsg{Data: "hello"})
//	}
//
// # Services
//
// Services pair a request and a response type. Callbacks run one goroutine
// per invocation, so they may block and may re-enter the bus:
//
//	srv, err := ros.AdvertiseService(ctx, nh, "/set_flag", SetBool,
//	    func(req SetBoolRequest) (SetBoolResponse, error) {
//	        return SetBoolResponse{Success: true}, nil
//	    })
//	if err != nil {
//	    // Handle error
//	}
//	defer srv.Close()
//
//	resp, err := ros.CallService[SetBoolRequest, SetBoolResponse](
//	    ctx, nh, "/set_flag", SetBool, SetBoolRequest{Data: true})
//
// # Examples
//
// The module includes runnable examples in the examples directory:
//
//   - pubsub: A publisher and subscriber on the in-process backend
//   - service-toggle: A toggle service and its caller
package rosbus
