// Package mock provides an in-process backend implementing the full node
// handle contract. It is intended for tests and examples: topics and
// services live in shared memory, no network is involved, and the handle
// exposes counters so tests can observe registration and deregistration.
//
// Delivery guarantee: at-most-once per subscriber. Each subscriber owns a
// bounded delivery queue (default capacity 64); when the queue is full the
// oldest buffered message is dropped so a slow subscriber can never stall
// publishers or other subscribers.
package mock

import (
	"context"
	"sync"

	buserr "github.com/rosbus/rosbus-go/pkg/errors"
	"github.com/rosbus/rosbus-go/pkg/logging"
	"github.com/rosbus/rosbus-go/pkg/ros"
	"github.com/rosbus/rosbus-go/pkg/types"
)

const defaultQueueSize = 64

// Counts is a snapshot of the backend's registration state, exposed so tests
// can assert lifecycle invariants.
type Counts struct {
	ActivePublishers  int
	ActiveSubscribers int
	ActiveServices    int
	Unadvertises      int
	Unsubscribes      int
	ServiceTeardowns  int
}

// Client is a cloneable in-process node handle. All clones share one
// registry; closing the last clone tears the registry down.
type Client struct {
	state *state
}

var _ ros.Ros = (*Client)(nil)

type state struct {
	mu        sync.Mutex
	refs      int
	closed    bool
	queueSize int
	log       logging.Logger

	topics   map[string]*topicState
	services map[string]*serviceState

	counts Counts
}

type topicState struct {
	checksum string
	pubs     int
	nextSub  int
	subs     map[int]chan []byte
}

type serviceState struct {
	checksum string
	ty       types.ServiceType
	fn       ros.RawServiceFn
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

// NewClient creates a new in-process backend with its own empty registry.
func NewClient(opts ...Option) *Client {
	s := &state{
		refs:      1,
		queueSize: defaultQueueSize,
		log:       logging.NewNoopLogger(),
		topics:    make(map[string]*topicState),
		services:  make(map[string]*serviceState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return &Client{state: s}
}

// Clone returns a new handle sharing this handle's registry. Cloning never
// allocates new connection state.
func (c *Client) Clone() *Client {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	c.state.refs++
	return &Client{state: c.state}
}

// Close releases this handle. When the last clone is closed the registry is
// torn down: all subscriber queues are closed and all services deregistered.
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
	for _, t := range s.topics {
		for _, ch := range t.subs {
			close(ch)
		}
	}
	s.topics = make(map[string]*topicState)
	s.services = make(map[string]*serviceState)
	s.log.Info("mock backend closed")
	return nil
}

// Counts returns a snapshot of the registration counters.
func (c *Client) Counts() Counts {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	return c.state.counts
}

// Advertise attaches a publisher to a topic, gating on checksum equality
// with any endpoints already attached.
func (c *Client) Advertise(ctx context.Context, topic string, ty types.TypeIdentity) (ros.RawPublisher, error) {
	s := c.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, buserr.HandleClosed("mock backend")
	}
	t, ok := s.topics[topic]
	if !ok {
		t = &topicState{checksum: ty.Checksum, subs: make(map[int]chan []byte)}
		s.topics[topic] = t
	} else if t.checksum != ty.Checksum {
		return nil, buserr.ChecksumMismatch(topic, t.checksum, ty.Checksum)
	}
	t.pubs++
	s.counts.ActivePublishers++
	s.log.Debug("advertised topic", logging.String("topic", topic), logging.String("type", ty.Name))
	return &publisher{state: s, topic: topic}, nil
}

// Subscribe attaches a subscriber to a topic, gating on checksum equality
// with any endpoints already attached.
func (c *Client) Subscribe(ctx context.Context, topic string, ty types.TypeIdentity) (ros.RawSubscription, error) {
	s := c.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, buserr.HandleClosed("mock backend")
	}
	t, ok := s.topics[topic]
	if !ok {
		t = &topicState{checksum: ty.Checksum, subs: make(map[int]chan []byte)}
		s.topics[topic] = t
	} else if t.checksum != ty.Checksum {
		return nil, buserr.ChecksumMismatch(topic, t.checksum, ty.Checksum)
	}
	id := t.nextSub
	t.nextSub++
	ch := make(chan []byte, s.queueSize)
	t.subs[id] = ch
	s.counts.ActiveSubscribers++
	s.log.Debug("subscribed to topic", logging.String("topic", topic), logging.String("type", ty.Name))
	return &subscription{state: s, topic: topic, id: id, ch: ch}, nil
}

// CallService performs a oneshot call against the currently registered
// server, if any.
func (c *Client) CallService(ctx context.Context, service string, ty types.ServiceType, request []byte) ([]byte, error) {
	return c.state.call(ctx, service, ty, request)
}

// ServiceClient returns a persistent client handle. The server is looked up
// per call, so a client may outlive one server and reach its replacement.
func (c *Client) ServiceClient(ctx context.Context, service string, ty types.ServiceType) (ros.RawServiceClient, error) {
	s := c.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, buserr.HandleClosed("mock backend")
	}
	if srv, ok := s.services[service]; ok && srv.checksum != ty.Checksum {
		return nil, buserr.ChecksumMismatch(service, srv.checksum, ty.Checksum)
	}
	return &serviceClient{state: s, service: service, ty: ty}, nil
}

// AdvertiseService registers fn as the single active server for a service.
func (c *Client) AdvertiseService(ctx context.Context, service string, ty types.ServiceType, fn ros.RawServiceFn) (ros.RawServiceServer, error) {
	s := c.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, buserr.HandleClosed("mock backend")
	}
	if _, ok := s.services[service]; ok {
		return nil, buserr.ServiceTaken("mock", service)
	}
	s.services[service] = &serviceState{checksum: ty.Checksum, ty: ty, fn: fn}
	s.counts.ActiveServices++
	s.log.Debug("advertised service", logging.String("service", service), logging.String("type", ty.Name))
	return &serviceServer{state: s, service: service}, nil
}

func (s *state) call(ctx context.Context, service string, ty types.ServiceType, request []byte) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, buserr.HandleClosed("mock backend")
	}
	srv, ok := s.services[service]
	if !ok {
		s.mu.Unlock()
		return nil, buserr.ServiceUnreachable("mock", service)
	}
	if srv.checksum != ty.Checksum {
		s.mu.Unlock()
		return nil, buserr.ChecksumMismatch(service, srv.checksum, ty.Checksum)
	}
	fn := srv.fn
	s.mu.Unlock()

	type outcome struct {
		response []byte
		err      error
	}
	done := make(chan outcome, 1)
	ros.DispatchServiceCall(ctx, service, fn, request, func(response []byte, err error) {
		done <- outcome{response: response, err: err}
	})
	select {
	case out := <-done:
		return out.response, out.err
	case <-ctx.Done():
		// Local wait abandoned; the dispatched invocation runs to
		// completion on its own goroutine.
		return nil, ctx.Err()
	}
}

type publisher struct {
	state *state
	topic string

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

	s := p.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return buserr.HandleClosed("mock backend")
	}
	t, ok := s.topics[p.topic]
	if !ok {
		return buserr.Internal("mock", "publisher attached to unknown topic")
	}
	for _, ch := range t.subs {
		select {
		case ch <- payload:
		default:
			// Queue full: drop the oldest buffered message, then retry.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- payload:
			default:
			}
		}
	}
	return nil
}

func (p *publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	s := p.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if t, ok := s.topics[p.topic]; ok {
		t.pubs--
		if t.pubs == 0 && len(t.subs) == 0 {
			delete(s.topics, p.topic)
		}
	}
	s.counts.ActivePublishers--
	s.counts.Unadvertises++
	return nil
}

type subscription struct {
	state *state
	topic string
	id    int
	ch    chan []byte

	mu     sync.Mutex
	closed bool
}

func (sub *subscription) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case payload, ok := <-sub.ch:
		if !ok {
			return nil, buserr.HandleClosed("subscriber")
		}
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

	s := sub.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if t, ok := s.topics[sub.topic]; ok {
		if ch, exists := t.subs[sub.id]; exists {
			delete(t.subs, sub.id)
			close(ch)
		}
		if t.pubs == 0 && len(t.subs) == 0 {
			delete(s.topics, sub.topic)
		}
	}
	s.counts.ActiveSubscribers--
	s.counts.Unsubscribes++
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
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	// New calls fail as unreachable from here on; invocations already
	// dispatched hold their own reference to the callback and finish.
	delete(s.services, srv.service)
	s.counts.ActiveServices--
	s.counts.ServiceTeardowns++
	return nil
}
