// Package natsbus implements the node handle contract over a NATS
// connection. Topics map to broker subjects and services map to NATS
// request/reply.
//
// Delivery guarantee: at-most-once (core NATS). Publish returns once the
// message has been handed to the connection's outbound buffer; subscribers
// that are disconnected at publish time never see the message.
//
// Subjects are scoped by the type checksum, so endpoints with incompatible
// types never meet on the wire. The attach-time checksum gate is enforced
// locally across all endpoints created from one connection; a remote
// endpoint attached with a different checksum is unreachable rather than an
// attach error, because core NATS has no registry to consult. A name's
// checksum binding is pinned for the life of the connection: closing every
// endpoint on a name does not release it for re-attachment under a different
// checksum.
//
// The connection is injected behind the narrow Conn interface so tests can
// substitute a fake; Dial wires a real nats.Conn.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	buserr "github.com/rosbus/rosbus-go/pkg/errors"
	"github.com/rosbus/rosbus-go/pkg/logging"
	"github.com/rosbus/rosbus-go/pkg/ros"
	"github.com/rosbus/rosbus-go/pkg/types"
)

const (
	topicPrefix   = "rosbus.topics."
	servicePrefix = "rosbus.services."

	defaultQueueSize = 64
)

// Subscription is the handle returned by Conn.Subscribe.
type Subscription interface {
	Unsubscribe() error
}

// Conn is the slice of a NATS connection the backend uses. A wrapper around
// a real connection is returned by Wrap; tests provide fakes.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(subject, reply string, data []byte)) (Subscription, error)
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	Close()
}

type natsConn struct{ nc *nats.Conn }

func (c natsConn) Publish(subject string, data []byte) error {
	return c.nc.Publish(subject, data)
}

func (c natsConn) Subscribe(subject string, handler func(subject, reply string, data []byte)) (Subscription, error) {
	return c.nc.Subscribe(subject, func(m *nats.Msg) {
		handler(m.Subject, m.Reply, m.Data)
	})
}

func (c natsConn) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

func (c natsConn) Close() { c.nc.Close() }

// Wrap adapts a real NATS connection to the Conn interface.
func Wrap(nc *nats.Conn) Conn { return natsConn{nc: nc} }

// serviceEnvelope is the reply payload for service calls. Result false
// carries the server-side failure message so callers can distinguish "server
// reachable, logic declined" from "server unreachable".
type serviceEnvelope struct {
	Result  bool            `json:"result"`
	Values  json.RawMessage `json:"values,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Client is a cloneable node handle over one NATS connection.
type Client struct {
	state *state
}

var _ ros.Ros = (*Client)(nil)

type state struct {
	conn      Conn
	ownsConn  bool
	log       logging.Logger
	queueSize int

	mu        sync.Mutex
	refs      int
	closed    bool
	checksums map[string]string
	services  map[string]Subscription
}

// Option configures a Client.
type Option func(*state)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(log logging.Logger) Option {
	return func(s *state) { s.log = log }
}

// WithQueueSize sets the per-subscriber delivery queue capacity.
func WithQueueSize(n int) Option {
	return func(s *state) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// Dial connects to a NATS server and returns a handle owning the connection.
func Dial(url string, opts ...Option) (*Client, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, buserr.ConnectionFailed("nats", url, err)
	}
	c := NewWithConn(Wrap(nc), opts...)
	c.state.ownsConn = true
	return c, nil
}

// NewWithConn returns a handle over an injected connection. The caller
// retains ownership of the connection's lifetime.
func NewWithConn(conn Conn, opts ...Option) *Client {
	s := &state{
		conn:      conn,
		log:       logging.NewNoopLogger(),
		queueSize: defaultQueueSize,
		refs:      1,
		checksums: make(map[string]string),
		services:  make(map[string]Subscription),
	}
	for _, opt := range opts {
		opt(s)
	}
	return &Client{state: s}
}

// Clone returns a new handle sharing this handle's connection.
func (c *Client) Clone() *Client {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	c.state.refs++
	return &Client{state: c.state}
}

// Close releases this handle; the last clone unsubscribes all advertised
// services and closes the connection if the handle owns it.
func (c *Client) Close() error {
	s := c.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.refs--
	if s.refs > 0 {
		return nil
	}
	s.closed = true
	for name, sub := range s.services {
		_ = sub.Unsubscribe()
		delete(s.services, name)
	}
	if s.ownsConn {
		s.conn.Close()
	}
	s.log.Info("nats backend closed")
	return nil
}

func (s *state) gate(name, checksum string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return buserr.HandleClosed("nats backend")
	}
	if existing, ok := s.checksums[name]; ok {
		if existing != checksum {
			return buserr.ChecksumMismatch(name, existing, checksum)
		}
		return nil
	}
	s.checksums[name] = checksum
	return nil
}

// topicSubject maps a topic name and checksum to a broker subject.
func topicSubject(topic, checksum string) string {
	return topicPrefix + sanitize(topic) + "." + checksumToken(checksum)
}

func serviceSubject(service, checksum string) string {
	return servicePrefix + sanitize(service) + "." + checksumToken(checksum)
}

func sanitize(name string) string {
	name = strings.Trim(name, "/")
	if name == "" {
		return "_"
	}
	return strings.ReplaceAll(name, "/", ".")
}

func checksumToken(checksum string) string {
	if checksum == "" {
		return "untyped"
	}
	return checksum
}

// Advertise attaches a publisher. NATS needs no broker-side registration
// for publishers, so only the local gate applies.
func (c *Client) Advertise(ctx context.Context, topic string, ty types.TypeIdentity) (ros.RawPublisher, error) {
	s := c.state
	if err := s.gate(topic, ty.Checksum); err != nil {
		return nil, err
	}
	s.log.Debug("advertised topic", logging.String("topic", topic), logging.String("type", ty.Name))
	return &publisher{state: s, subject: topicSubject(topic, ty.Checksum)}, nil
}

// Subscribe attaches a subscriber to a topic's subject.
func (c *Client) Subscribe(ctx context.Context, topic string, ty types.TypeIdentity) (ros.RawSubscription, error) {
	s := c.state
	if err := s.gate(topic, ty.Checksum); err != nil {
		return nil, err
	}
	ch := make(chan []byte, s.queueSize)
	sub, err := s.conn.Subscribe(topicSubject(topic, ty.Checksum), func(_, _ string, data []byte) {
		select {
		case ch <- data:
		default:
			// Queue full: drop the oldest buffered message, then retry.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- data:
			default:
			}
		}
	})
	if err != nil {
		return nil, buserr.RegistrationRefused("nats", topic, err.Error())
	}
	s.log.Debug("subscribed to topic", logging.String("topic", topic), logging.String("type", ty.Name))
	return &subscription{sub: sub, ch: ch, done: make(chan struct{})}, nil
}

// CallService performs a oneshot request/reply exchange.
func (c *Client) CallService(ctx context.Context, service string, ty types.ServiceType, request []byte) ([]byte, error) {
	return c.state.call(ctx, service, ty, request)
}

func (s *state) call(ctx context.Context, service string, ty types.ServiceType, request []byte) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, buserr.HandleClosed("nats backend")
	}
	s.mu.Unlock()

	data, err := s.conn.Request(ctx, serviceSubject(service, ty.Checksum), request)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, nats.ErrTimeout) {
			return nil, buserr.ServiceUnreachable("nats", service)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, buserr.ConnectionLost("nats", "request", err)
	}
	var env serviceEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, buserr.ProtocolError("nats", "malformed service reply", err)
	}
	if !env.Result {
		return nil, buserr.ServiceLogic(service, env.Message)
	}
	return env.Values, nil
}

// ServiceClient returns a persistent client for a service.
func (c *Client) ServiceClient(ctx context.Context, service string, ty types.ServiceType) (ros.RawServiceClient, error) {
	s := c.state
	if err := s.gate(service, ty.Checksum); err != nil {
		return nil, err
	}
	return &serviceClient{state: s, service: service, ty: ty}, nil
}

// AdvertiseService subscribes to the service subject and answers requests
// via NATS reply subjects.
func (c *Client) AdvertiseService(ctx context.Context, service string, ty types.ServiceType, fn ros.RawServiceFn) (ros.RawServiceServer, error) {
	s := c.state
	if err := s.gate(service, ty.Checksum); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if _, ok := s.services[service]; ok {
		s.mu.Unlock()
		return nil, buserr.ServiceTaken("nats", service)
	}
	s.mu.Unlock()

	sub, err := s.conn.Subscribe(serviceSubject(service, ty.Checksum), func(_, reply string, data []byte) {
		ros.DispatchServiceCall(context.Background(), service, fn, data, func(response []byte, err error) {
			env := serviceEnvelope{Result: err == nil, Values: response}
			if err != nil {
				env.Message = err.Error()
			}
			payload, merr := json.Marshal(env)
			if merr != nil {
				s.log.WithError(merr).Error("failed to encode service reply",
					logging.String("service", service))
				return
			}
			if perr := s.conn.Publish(reply, payload); perr != nil {
				s.log.WithError(perr).Error("failed to send service reply",
					logging.String("service", service))
			}
		})
	})
	if err != nil {
		return nil, buserr.RegistrationRefused("nats", service, err.Error())
	}

	// Re-check under the storing lock: a concurrent advertiser may have won
	// the name between the check above and the subscribe.
	s.mu.Lock()
	if _, ok := s.services[service]; ok {
		s.mu.Unlock()
		_ = sub.Unsubscribe()
		return nil, buserr.ServiceTaken("nats", service)
	}
	s.services[service] = sub
	s.mu.Unlock()
	s.log.Debug("advertised service", logging.String("service", service), logging.String("type", ty.Name))
	return &serviceServer{state: s, service: service}, nil
}

type publisher struct {
	state   *state
	subject string

	mu     sync.Mutex
	closed bool
}

func (p *publisher) Publish(ctx context.Context, payload []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return buserr.HandleClosed("publisher")
	}
	p.mu.Unlock()
	if err := p.state.conn.Publish(p.subject, payload); err != nil {
		return buserr.ConnectionLost("nats", "publish", err)
	}
	return nil
}

func (p *publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type subscription struct {
	sub  Subscription
	ch   chan []byte
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

func (sub *subscription) Next(ctx context.Context) ([]byte, error) {
	// The delivery channel is never closed because the broker callback may
	// still be in flight during teardown; done signals shutdown instead.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-sub.done:
		return nil, buserr.HandleClosed("subscriber")
	case payload := <-sub.ch:
		return payload, nil
	}
}

func (sub *subscription) Close() error {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return nil
	}
	sub.closed = true
	sub.mu.Unlock()
	close(sub.done)
	if err := sub.sub.Unsubscribe(); err != nil {
		return buserr.ConnectionLost("nats", "unsubscribe", err)
	}
	return nil
}

type serviceClient struct {
	state   *state
	service string
	ty      types.ServiceType

	mu     sync.Mutex
	closed bool
}

func (c *serviceClient) Call(ctx context.Context, request []byte) ([]byte, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, buserr.HandleClosed("service client")
	}
	c.mu.Unlock()
	return c.state.call(ctx, c.service, c.ty, request)
}

func (c *serviceClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type serviceServer struct {
	state   *state
	service string

	mu     sync.Mutex
	closed bool
}

func (srv *serviceServer) Close() error {
	srv.mu.Lock()
	if srv.closed {
		srv.mu.Unlock()
		return nil
	}
	srv.closed = true
	srv.mu.Unlock()

	s := srv.state
	s.mu.Lock()
	sub, ok := s.services[srv.service]
	if ok {
		delete(s.services, srv.service)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return buserr.ConnectionLost("nats", "unsubscribe service", err)
	}
	return nil
}
