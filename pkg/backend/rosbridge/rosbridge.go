// Package rosbridge implements the node handle contract over a websocket
// connection to a bridge server speaking the v2 JSON protocol.
//
// Delivery guarantee: best-effort. Publish returns once the frame has been
// written to the websocket; the bridge forwards to its own subscribers
// without acknowledgment. Subscriber queues are bounded (default capacity
// 64) and drop the oldest buffered message when full, so a slow consumer
// never stalls the read pump.
//
// The bridge protocol carries no type checksums, so the attach-time checksum
// gate is enforced locally across all endpoints created from one connection.
// A name's checksum binding is pinned for the life of the connection: closing
// every endpoint on a name does not release it for re-attachment under a
// different checksum.
package rosbridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	buserr "github.com/rosbus/rosbus-go/pkg/errors"
	"github.com/rosbus/rosbus-go/pkg/logging"
	"github.com/rosbus/rosbus-go/pkg/ros"
	"github.com/rosbus/rosbus-go/pkg/types"
)

const (
	defaultQueueSize = 64
	pingInterval     = 20 * time.Second
	writeTimeout     = 10 * time.Second
)

// Client is a cloneable node handle over one bridge connection. All clones
// share the websocket; closing the last clone closes it.
type Client struct {
	state *state
}

var _ ros.Ros = (*Client)(nil)

type state struct {
	endpoint string
	conn     *websocket.Conn
	writeMu  sync.Mutex
	log      logging.Logger

	queueSize int

	mu        sync.Mutex
	refs      int
	closed    bool
	closeErr  error
	cancel    context.CancelFunc
	group     *errgroup.Group
	checksums map[string]string             // channel name -> checksum attached from this client
	subs      map[string]map[int]chan []byte // topic -> delivery queues
	nextSub   int
	pending   map[string]chan callOutcome // call id -> waiter
	services  map[string]*localService    // advertised from this client
}

type localService struct {
	ty types.ServiceType
	fn ros.RawServiceFn
}

type callOutcome struct {
	values json.RawMessage
	err    error
}

// Option configures a Client.
type Option func(*state)

// WithLogger sets the logger used for connection and registration events.
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

// Dial connects to a bridge server, e.g. "ws://localhost:9090".
func Dial(ctx context.Context, endpoint string, opts ...Option) (*Client, error) {
	s := &state{
		endpoint:  endpoint,
		log:       logging.NewNoopLogger(),
		queueSize: defaultQueueSize,
		refs:      1,
		checksums: make(map[string]string),
		subs:      make(map[string]map[int]chan []byte),
		pending:   make(map[string]chan callOutcome),
		services:  make(map[string]*localService),
	}
	for _, opt := range opts {
		opt(s)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, buserr.ConnectionFailed("rosbridge", endpoint, err)
	}
	s.conn = conn

	pumpCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	g, gctx := errgroup.WithContext(pumpCtx)
	s.group = g
	g.Go(func() error { return s.readPump(gctx) })
	g.Go(func() error { return s.pingLoop(gctx) })

	s.log.Info("connected to rosbridge", logging.String("endpoint", endpoint))
	return &Client{state: s}, nil
}

// Clone returns a new handle sharing this handle's connection.
func (c *Client) Clone() *Client {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	c.state.refs++
	return &Client{state: c.state}
}

// Close releases this handle; the last clone closes the websocket and fails
// any in-flight service calls.
func (c *Client) Close() error {
	s := c.state
	s.mu.Lock()
	if s.closed {
		defer s.mu.Unlock()
		return s.closeErr
	}
	s.refs--
	if s.refs > 0 {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	s.teardown(buserr.HandleClosed("rosbridge connection"))
	// Safe to wait here: teardown has already closed the socket, which
	// unblocks the read pump.
	_ = s.group.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

func (s *state) teardown(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, waiters := range s.subs {
		for _, ch := range waiters {
			close(ch)
		}
	}
	s.subs = make(map[string]map[int]chan []byte)
	for id, ch := range s.pending {
		ch <- callOutcome{err: cause}
		delete(s.pending, id)
	}
	cancel := s.cancel
	s.mu.Unlock()

	// Cancel first so the pump goroutines treat the read error from the
	// closing socket as a shutdown, not a connection loss. teardown may be
	// invoked from the read pump itself, so it must not wait on the group.
	cancel()
	err := s.conn.Close()
	s.mu.Lock()
	s.closeErr = err
	s.mu.Unlock()
	s.log.Info("rosbridge connection closed")
}

// readPump is the single reader of the websocket. It routes incoming frames
// and never invokes a service callback inline.
func (s *state) readPump(ctx context.Context) error {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			s.teardown(buserr.ConnectionLost("rosbridge", "read", err))
			return err
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("discarding malformed bridge frame", logging.ErrorField(err))
			continue
		}
		switch msg.Op {
		case opPublish:
			s.deliver(msg.Topic, msg.Msg)
		case opServiceResponse:
			s.completeCall(msg)
		case opCallService:
			s.serveCall(ctx, msg)
		case opStatus:
			s.log.Debug("bridge status", logging.String("level", msg.Level), logging.String("id", msg.ID))
		default:
			s.log.Debug("ignoring bridge op", logging.String("op", msg.Op))
		}
	}
}

func (s *state) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			s.writeMu.Unlock()
			if err != nil {
				return err
			}
		}
	}
}

func (s *state) deliver(topic string, payload json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs[topic] {
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
}

func (s *state) completeCall(msg message) {
	s.mu.Lock()
	ch, ok := s.pending[msg.ID]
	if ok {
		delete(s.pending, msg.ID)
	}
	s.mu.Unlock()
	if !ok {
		s.log.Debug("service response with no waiter", logging.String("id", msg.ID))
		return
	}
	if msg.Result != nil && !*msg.Result {
		detail := string(msg.Values)
		ch <- callOutcome{err: buserr.ServiceLogic(msg.Service, detail)}
		return
	}
	ch <- callOutcome{values: msg.Values}
}

// serveCall dispatches an incoming request for a locally advertised service.
func (s *state) serveCall(ctx context.Context, msg message) {
	s.mu.Lock()
	svc, ok := s.services[msg.Service]
	s.mu.Unlock()
	if !ok {
		s.log.Warn("request for unadvertised service", logging.String("service", msg.Service))
		return
	}
	service := msg.Service
	id := msg.ID
	ros.DispatchServiceCall(ctx, service, svc.fn, msg.Args, func(response []byte, err error) {
		resp := message{Op: opServiceResponse, Service: service, ID: id}
		if err != nil {
			reason, _ := json.Marshal(err.Error())
			resp.Result = boolPtr(false)
			resp.Values = reason
		} else {
			resp.Result = boolPtr(true)
			resp.Values = response
		}
		if werr := s.write(resp); werr != nil {
			s.log.WithError(werr).Error("failed to send service response",
				logging.String("service", service))
		}
	})
}

// write serializes access to the websocket so concurrent publishers cannot
// interleave partial frames.
func (s *state) write(msg message) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return buserr.HandleClosed("rosbridge connection")
	}
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(msg); err != nil {
		return buserr.ConnectionLost("rosbridge", "write", err)
	}
	return nil
}

// gate enforces the local checksum gate for one channel name.
func (s *state) gate(name, checksum string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return buserr.HandleClosed("rosbridge connection")
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

// Advertise registers a publisher with the bridge.
func (c *Client) Advertise(ctx context.Context, topic string, ty types.TypeIdentity) (ros.RawPublisher, error) {
	s := c.state
	if err := s.gate(topic, ty.Checksum); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	if err := s.write(message{Op: opAdvertise, ID: id, Topic: topic, Type: ty.Name}); err != nil {
		return nil, err
	}
	s.log.Debug("advertised topic", logging.String("topic", topic), logging.String("type", ty.Name))
	return &publisher{state: s, topic: topic, id: id}, nil
}

// Subscribe registers a subscriber with the bridge and returns its delivery
// queue.
func (c *Client) Subscribe(ctx context.Context, topic string, ty types.TypeIdentity) (ros.RawSubscription, error) {
	s := c.state
	if err := s.gate(topic, ty.Checksum); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.subs[topic] == nil {
		s.subs[topic] = make(map[int]chan []byte)
	}
	subID := s.nextSub
	s.nextSub++
	ch := make(chan []byte, s.queueSize)
	s.subs[topic][subID] = ch
	s.mu.Unlock()

	id := uuid.NewString()
	if err := s.write(message{Op: opSubscribe, ID: id, Topic: topic, Type: ty.Name}); err != nil {
		s.mu.Lock()
		delete(s.subs[topic], subID)
		s.mu.Unlock()
		return nil, err
	}
	s.log.Debug("subscribed to topic", logging.String("topic", topic), logging.String("type", ty.Name))
	return &subscription{state: s, topic: topic, subID: subID, id: id, ch: ch}, nil
}

// CallService performs a oneshot call through the bridge.
func (c *Client) CallService(ctx context.Context, service string, ty types.ServiceType, request []byte) ([]byte, error) {
	return c.state.call(ctx, service, request)
}

func (s *state) call(ctx context.Context, service string, request []byte) ([]byte, error) {
	id := uuid.NewString()
	ch := make(chan callOutcome, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, buserr.HandleClosed("rosbridge connection")
	}
	s.pending[id] = ch
	s.mu.Unlock()

	err := s.write(message{Op: opCallService, ID: id, Service: service, Args: request})
	if err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, err
	}

	select {
	case out := <-ch:
		return out.values, out.err
	case <-ctx.Done():
		// Abandoning the wait does not retract the request; the bridge may
		// still execute it.
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// ServiceClient returns a persistent client. The bridge multiplexes all
// calls over the shared websocket, so the client only pins the service name;
// per-client FIFO ordering holds because each call is correlated by id and
// issued sequentially by the caller.
func (c *Client) ServiceClient(ctx context.Context, service string, ty types.ServiceType) (ros.RawServiceClient, error) {
	s := c.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, buserr.HandleClosed("rosbridge connection")
	}
	return &serviceClient{state: s, service: service}, nil
}

// AdvertiseService registers a local callback as the server for a service.
func (c *Client) AdvertiseService(ctx context.Context, service string, ty types.ServiceType, fn ros.RawServiceFn) (ros.RawServiceServer, error) {
	s := c.state
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, buserr.HandleClosed("rosbridge connection")
	}
	if _, ok := s.services[service]; ok {
		s.mu.Unlock()
		return nil, buserr.ServiceTaken("rosbridge", service)
	}
	s.services[service] = &localService{ty: ty, fn: fn}
	s.mu.Unlock()

	if err := s.write(message{Op: opAdvertiseService, Service: service, Type: ty.Name}); err != nil {
		s.mu.Lock()
		delete(s.services, service)
		s.mu.Unlock()
		return nil, err
	}
	s.log.Debug("advertised service", logging.String("service", service), logging.String("type", ty.Name))
	return &serviceServer{state: s, service: service}, nil
}

type publisher struct {
	state *state
	topic string
	id    string

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
	return p.state.write(message{Op: opPublish, ID: p.id, Topic: p.topic, Msg: payload})
}

func (p *publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.state.write(message{Op: opUnadvertise, ID: p.id, Topic: p.topic})
}

type subscription struct {
	state *state
	topic string
	subID int
	id    string
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
	if waiters, ok := s.subs[sub.topic]; ok {
		if ch, exists := waiters[sub.subID]; exists {
			delete(waiters, sub.subID)
			close(ch)
		}
		if len(waiters) == 0 {
			delete(s.subs, sub.topic)
		}
	}
	s.mu.Unlock()
	return s.write(message{Op: opUnsubscribe, ID: sub.id, Topic: sub.topic})
}

type serviceClient struct {
	state   *state
	service string

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
	return c.state.call(ctx, c.service, request)
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
	delete(s.services, srv.service)
	s.mu.Unlock()
	return s.write(message{Op: opUnadvertiseService, Service: srv.service})
}
