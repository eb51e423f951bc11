package ros

import (
	"context"
	"sync"

	buserr "github.com/rosbus/rosbus-go/pkg/errors"
	"github.com/rosbus/rosbus-go/pkg/types"
)

// ServiceFn is the application-level service callback: one request in, one
// response or error out. It is invoked once per incoming request on its own
// goroutine, so it may block and may perform further bus operations. A
// returned error reaches the caller as a service-level failure, distinct
// from any transport failure.
type ServiceFn[Req, Resp types.Message] func(req Req) (Resp, error)

// CallService performs a oneshot typed service call. Request and response
// types are given explicitly:
//
//	resp, err := ros.CallService[SetBoolRequest, SetBoolResponse](ctx, nh, "/toggle", SetBool, req)
func CallService[Req, Resp types.Message](ctx context.Context, provider ServiceProvider, service string, ty types.ServiceType, req Req) (Resp, error) {
	var resp Resp
	payload, err := marshalMessage(service, req)
	if err != nil {
		return resp, err
	}
	raw, err := provider.CallService(ctx, service, ty, payload)
	if err != nil {
		return resp, err
	}
	if err := unmarshalMessage(service, raw, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// NewServiceClient returns a persistent typed client for a service,
// amortizing connection setup across repeated calls.
func NewServiceClient[Req, Resp types.Message](ctx context.Context, provider ServiceProvider, service string, ty types.ServiceType) (*ServiceClient[Req, Resp], error) {
	raw, err := provider.ServiceClient(ctx, service, ty)
	if err != nil {
		return nil, err
	}
	return &ServiceClient[Req, Resp]{service: service, raw: raw}, nil
}

// AdvertiseService registers a typed callback as the server for a service.
// The service stays active until the returned handle is closed.
func AdvertiseService[Req, Resp types.Message](ctx context.Context, provider ServiceProvider, service string, ty types.ServiceType, fn ServiceFn[Req, Resp]) (*ServiceServer, error) {
	rawFn := func(ctx context.Context, request []byte) ([]byte, error) {
		var req Req
		if err := unmarshalMessage(service, request, &req); err != nil {
			return nil, err
		}
		resp, err := fn(req)
		if err != nil {
			// The callback declined; round-trip its message as a
			// response-level failure.
			return nil, buserr.ServiceLogic(service, err.Error())
		}
		return marshalMessage(service, resp)
	}

	raw, err := provider.AdvertiseService(ctx, service, ty, rawFn)
	if err != nil {
		return nil, err
	}
	return &ServiceServer{service: service, raw: raw}, nil
}

// ServiceClient is a typed persistent client. Calls issued sequentially on
// one client receive responses in FIFO order; concurrent clients have no
// ordering relative to one another.
type ServiceClient[Req, Resp types.Message] struct {
	service string
	raw     RawServiceClient

	closeOnce sync.Once
	closeErr  error
}

// Call performs one request/response exchange.
func (c *ServiceClient[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	var resp Resp
	payload, err := marshalMessage(c.service, req)
	if err != nil {
		return resp, err
	}
	raw, err := c.raw.Call(ctx, payload)
	if err != nil {
		return resp, err
	}
	if err := unmarshalMessage(c.service, raw, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// Service returns the service name this client is attached to.
func (c *ServiceClient[Req, Resp]) Service() string { return c.service }

// Close tears the client down. The first call deregisters; later calls
// return the first call's result.
func (c *ServiceClient[Req, Resp]) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.raw.Close() })
	return c.closeErr
}

// ServiceServer is the handle keeping an advertised service alive. Closing
// it moves the server from active to shutting down: the backend stops
// accepting new requests, invocations already dispatched run to completion,
// and the service is deregistered exactly once.
type ServiceServer struct {
	service string
	raw     RawServiceServer

	closeOnce sync.Once
	closeErr  error
}

// Service returns the advertised service name.
func (s *ServiceServer) Service() string { return s.service }

// Close shuts the server down and deregisters the service.
func (s *ServiceServer) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.raw.Close() })
	return s.closeErr
}
