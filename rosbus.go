// Package rosbus provides a Golang client middleware for robot pub/sub and
// request/response communication over pluggable backends
package rosbus

import (
	"github.com/rosbus/rosbus-go/pkg/backend/meshros"
	"github.com/rosbus/rosbus-go/pkg/backend/mock"
	"github.com/rosbus/rosbus-go/pkg/backend/natsbus"
	"github.com/rosbus/rosbus-go/pkg/backend/rosbridge"
	"github.com/rosbus/rosbus-go/pkg/observability"
	"github.com/rosbus/rosbus-go/pkg/ros"
)

// Version represents the current version of the middleware
const Version = "1.0.0"

// Ros is the node handle contract every backend implements.
type Ros = ros.Ros

// These exports provide direct access to the backend constructors
var (
	// NewMockClient creates an in-process backend for tests and examples
	NewMockClient = mock.NewClient

	// DialRosbridge connects to a bridge server over websocket
	DialRosbridge = rosbridge.Dial

	// DialNats connects to a NATS broker
	DialNats = natsbus.Dial

	// NewMeshNode starts a brokerless libp2p mesh node
	NewMeshNode = meshros.New

	// Instrument wraps a node handle with metrics and tracing
	Instrument = observability.Instrument
)
