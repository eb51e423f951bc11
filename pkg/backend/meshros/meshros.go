// Package meshros implements the node handle contract over a brokerless
// peer-to-peer gossip mesh built on libp2p. Peers discover each other via
// mDNS and/or bootstrap addresses; topics and service request/reply channels
// ride gossipsub topics.
//
// Delivery guarantee: best-effort gossip. Publish returns once the payload
// has been handed to the mesh router; propagation to remote subscribers
// depends on mesh connectivity. Subscriber queues are bounded (default
// capacity 64) and drop the oldest buffered message when full.
//
// Type checksums are part of the mesh topic names, so endpoints with
// incompatible types join disjoint meshes and never exchange payloads. The
// attach-time checksum gate is additionally enforced locally across all
// endpoints created from one node. A name's checksum binding is pinned for
// the life of the node: closing every endpoint on a name does not release it
// for re-attachment under a different checksum.
package meshros

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	buserr "github.com/rosbus/rosbus-go/pkg/errors"
	"github.com/rosbus/rosbus-go/pkg/logging"
	"github.com/rosbus/rosbus-go/pkg/ros"
	"github.com/rosbus/rosbus-go/pkg/types"
)

const defaultQueueSize = 64

// Options configures a mesh node.
type Options struct {
	// ListenAddrs are multiaddrs to listen on. Defaults to an ephemeral TCP
	// port on all interfaces.
	ListenAddrs []string

	// Bootstrap are multiaddrs of peers to connect to at startup.
	Bootstrap []string

	// Rendezvous is the mDNS service tag shared by nodes that should find
	// each other. Ignored unless EnableMDNS is set.
	Rendezvous string

	// EnableMDNS turns on local-network peer discovery.
	EnableMDNS bool

	// QueueSize overrides the per-subscriber delivery queue capacity.
	QueueSize int

	// Logger receives lifecycle events. Defaults to a no-op logger.
	Logger logging.Logger
}

// Client is a cloneable node handle over one mesh host.
type Client struct {
	state *state
}

var _ ros.Ros = (*Client)(nil)

type state struct {
	ctx    context.Context
	cancel context.CancelFunc

	host      host.Host
	ps        *pubsub.PubSub
	log       logging.Logger
	queueSize int
	callerID  string

	mu        sync.Mutex
	refs      int
	closed    bool
	topics    map[string]*pubsub.Topic
	checksums map[string]string
	services  map[string]ros.RawServiceFn
}

// New starts a mesh node and returns its handle.
func New(parent context.Context, opts Options) (*Client, error) {
	ctx, cancel := context.WithCancel(parent)

	log := opts.Logger
	if log == nil {
		log = logging.NewNoopLogger()
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	listenAddrs := make([]ma.Multiaddr, 0, len(opts.ListenAddrs))
	for _, raw := range opts.ListenAddrs {
		if raw == "" {
			continue
		}
		a, err := ma.NewMultiaddr(raw)
		if err != nil {
			cancel()
			return nil, buserr.ConnectionFailed("meshros", raw, err)
		}
		listenAddrs = append(listenAddrs, a)
	}
	if len(listenAddrs) == 0 {
		a, _ := ma.NewMultiaddr("/ip4/0.0.0.0/tcp/0")
		listenAddrs = append(listenAddrs, a)
	}

	h, err := libp2p.New(libp2p.ListenAddrs(listenAddrs...))
	if err != nil {
		cancel()
		return nil, buserr.ConnectionFailed("meshros", "", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		cancel()
		return nil, buserr.ConnectionFailed("meshros", "", err)
	}

	s := &state{
		ctx:       ctx,
		cancel:    cancel,
		host:      h,
		ps:        ps,
		log:       log,
		queueSize: queueSize,
		callerID:  uuid.NewString(),
		refs:      1,
		topics:    make(map[string]*pubsub.Topic),
		checksums: make(map[string]string),
		services:  make(map[string]ros.RawServiceFn),
	}

	if opts.EnableMDNS {
		service := mdns.NewMdnsService(h, opts.Rendezvous, &mdnsNotifee{host: h, ctx: ctx, log: log})
		if err := service.Start(); err != nil {
			log.Warn("mdns start failed", logging.ErrorField(err))
		}
	}

	for _, raw := range opts.Bootstrap {
		if raw == "" {
			continue
		}
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			log.Warn("skipping bootstrap addr", logging.String("addr", raw), logging.ErrorField(err))
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			log.Warn("skipping bootstrap addr", logging.String("addr", raw), logging.ErrorField(err))
			continue
		}
		if err := h.Connect(ctx, *info); err != nil {
			log.Warn("bootstrap connect failed", logging.String("peer", info.ID.String()), logging.ErrorField(err))
		}
	}

	log.Info("mesh node started", logging.String("peer", h.ID().String()))
	return &Client{state: s}, nil
}

// PeerID returns this node's mesh identity.
func (c *Client) PeerID() string { return c.state.host.ID().String() }

// ListenAddrs returns the full multiaddrs other nodes can bootstrap from.
func (c *Client) ListenAddrs() []string {
	h := c.state.host
	out := make([]string, 0, len(h.Addrs()))
	for _, addr := range h.Addrs() {
		out = append(out, addr.String()+"/p2p/"+h.ID().String())
	}
	return out
}

// Clone returns a new handle sharing this handle's mesh host.
func (c *Client) Clone() *Client {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	c.state.refs++
	return &Client{state: c.state}
}

// Close releases this handle; the last clone leaves all topics and shuts the
// host down.
func (c *Client) Close() error {
	s := c.state
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.refs--
	if s.refs > 0 {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	topics := s.topics
	s.topics = make(map[string]*pubsub.Topic)
	s.services = make(map[string]ros.RawServiceFn)
	s.mu.Unlock()

	s.cancel()
	for _, t := range topics {
		_ = t.Close()
	}
	err := s.host.Close()
	s.log.Info("mesh node closed")
	return err
}

func (s *state) gate(name, checksum string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return buserr.HandleClosed("mesh node")
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

func (s *state) joinTopic(name string) (*pubsub.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, buserr.HandleClosed("mesh node")
	}
	if t, ok := s.topics[name]; ok {
		return t, nil
	}
	t, err := s.ps.Join(name)
	if err != nil {
		return nil, buserr.RegistrationRefused("meshros", name, err.Error())
	}
	s.topics[name] = t
	return t, nil
}

// pump moves payloads from a mesh subscription into a bounded delivery
// queue, dropping the oldest buffered payload when the queue is full.
func (s *state) pump(ctx context.Context, sub *pubsub.Subscription, ch chan []byte) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		payload := append([]byte(nil), msg.Data...)
		select {
		case ch <- payload:
		default:
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

// Advertise joins the topic's mesh and returns a publisher on it.
func (c *Client) Advertise(ctx context.Context, topic string, ty types.TypeIdentity) (ros.RawPublisher, error) {
	s := c.state
	if err := s.gate(topic, ty.Checksum); err != nil {
		return nil, err
	}
	t, err := s.joinTopic(topicName(topic, ty.Checksum))
	if err != nil {
		return nil, err
	}
	s.log.Debug("advertised topic", logging.String("topic", topic), logging.String("type", ty.Name))
	return &publisher{state: s, topic: t}, nil
}

// Subscribe joins the topic's mesh and returns a subscription on it.
func (c *Client) Subscribe(ctx context.Context, topic string, ty types.TypeIdentity) (ros.RawSubscription, error) {
	s := c.state
	if err := s.gate(topic, ty.Checksum); err != nil {
		return nil, err
	}
	t, err := s.joinTopic(topicName(topic, ty.Checksum))
	if err != nil {
		return nil, err
	}
	meshSub, err := t.Subscribe()
	if err != nil {
		return nil, buserr.RegistrationRefused("meshros", topic, err.Error())
	}

	ch := make(chan []byte, s.queueSize)
	subCtx, subCancel := context.WithCancel(s.ctx)
	go s.pump(subCtx, meshSub, ch)
	s.log.Debug("subscribed to topic", logging.String("topic", topic), logging.String("type", ty.Name))
	return &subscription{sub: meshSub, cancel: subCancel, ch: ch, done: make(chan struct{})}, nil
}

// CallService performs a oneshot call over the mesh: publish the request on
// the service's request topic, await the correlated response on a
// caller-owned reply topic.
func (c *Client) CallService(ctx context.Context, service string, ty types.ServiceType, request []byte) ([]byte, error) {
	return c.state.call(ctx, service, ty, request)
}

func (s *state) call(ctx context.Context, service string, ty types.ServiceType, request []byte) ([]byte, error) {
	// Local fast path: a server advertised on this node answers directly,
	// without a mesh round trip.
	s.mu.Lock()
	fn, local := s.services[service]
	s.mu.Unlock()
	if local {
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
			return nil, ctx.Err()
		}
	}

	reqTopic, err := s.joinTopic(requestTopicName(service, ty.Checksum))
	if err != nil {
		return nil, err
	}
	if len(reqTopic.ListPeers()) == 0 {
		return nil, buserr.ServiceUnreachable("meshros", service)
	}

	replyName := replyTopicName(service, ty.Checksum, s.callerID)
	replyTopic, err := s.joinTopic(replyName)
	if err != nil {
		return nil, err
	}
	replySub, err := replyTopic.Subscribe()
	if err != nil {
		return nil, buserr.RegistrationRefused("meshros", service, err.Error())
	}
	defer replySub.Cancel()

	id := uuid.NewString()
	payload, err := json.Marshal(callRequest{ID: id, Reply: replyName, Args: request})
	if err != nil {
		return nil, buserr.ProtocolError("meshros", "failed to encode call request", err)
	}
	if err := reqTopic.Publish(ctx, payload); err != nil {
		return nil, buserr.ConnectionLost("meshros", "publish request", err)
	}

	for {
		msg, err := replySub.Next(ctx)
		if err != nil {
			// Abandoning the wait does not retract the request; the server
			// may still execute it.
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, buserr.ConnectionLost("meshros", "await response", err)
		}
		var resp callResponse
		if err := json.Unmarshal(msg.Data, &resp); err != nil {
			s.log.Warn("discarding malformed service response", logging.String("service", service))
			continue
		}
		if resp.ID != id {
			continue
		}
		if !resp.Result {
			return nil, buserr.ServiceLogic(service, resp.Message)
		}
		return resp.Values, nil
	}
}

// ServiceClient returns a persistent client for a service.
func (c *Client) ServiceClient(ctx context.Context, service string, ty types.ServiceType) (ros.RawServiceClient, error) {
	s := c.state
	if err := s.gate(service, ty.Checksum); err != nil {
		return nil, err
	}
	return &serviceClient{state: s, service: service, ty: ty}, nil
}

// AdvertiseService subscribes to the service's request topic and answers
// each request on its caller's reply topic.
func (c *Client) AdvertiseService(ctx context.Context, service string, ty types.ServiceType, fn ros.RawServiceFn) (ros.RawServiceServer, error) {
	s := c.state
	if err := s.gate(service, ty.Checksum); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if _, ok := s.services[service]; ok {
		s.mu.Unlock()
		return nil, buserr.ServiceTaken("meshros", service)
	}
	s.mu.Unlock()

	reqTopic, err := s.joinTopic(requestTopicName(service, ty.Checksum))
	if err != nil {
		return nil, err
	}
	reqSub, err := reqTopic.Subscribe()
	if err != nil {
		return nil, buserr.RegistrationRefused("meshros", service, err.Error())
	}

	// Re-check under the storing lock: a concurrent advertiser may have won
	// the name between the check above and the subscribe.
	s.mu.Lock()
	if _, ok := s.services[service]; ok {
		s.mu.Unlock()
		reqSub.Cancel()
		return nil, buserr.ServiceTaken("meshros", service)
	}
	s.services[service] = fn
	s.mu.Unlock()

	srvCtx, srvCancel := context.WithCancel(s.ctx)
	go s.serveLoop(srvCtx, service, ty, fn, reqSub)
	s.log.Debug("advertised service", logging.String("service", service), logging.String("type", ty.Name))
	return &serviceServer{state: s, service: service, sub: reqSub, cancel: srvCancel}, nil
}

// serveLoop reads requests off the mesh and dispatches each one on its own
// goroutine; the loop itself never blocks on a callback.
func (s *state) serveLoop(ctx context.Context, service string, ty types.ServiceType, fn ros.RawServiceFn, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		var req callRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.log.Warn("discarding malformed service request", logging.String("service", service))
			continue
		}
		replyTopic, err := s.joinTopic(req.Reply)
		if err != nil {
			s.log.WithError(err).Warn("cannot join reply topic", logging.String("service", service))
			continue
		}
		id := req.ID
		ros.DispatchServiceCall(ctx, service, fn, req.Args, func(response []byte, err error) {
			resp := callResponse{ID: id, Result: err == nil, Values: response}
			if err != nil {
				resp.Message = err.Error()
			}
			payload, merr := json.Marshal(resp)
			if merr != nil {
				s.log.WithError(merr).Error("failed to encode service response",
					logging.String("service", service))
				return
			}
			if perr := replyTopic.Publish(ctx, payload); perr != nil {
				s.log.WithError(perr).Error("failed to publish service response",
					logging.String("service", service))
			}
		})
	}
}

type mdnsNotifee struct {
	host host.Host
	ctx  context.Context
	log  logging.Logger
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if err := n.host.Connect(n.ctx, info); err != nil {
		n.log.Debug("mdns peer connect failed", logging.String("peer", info.ID.String()))
	}
}

type publisher struct {
	state *state
	topic *pubsub.Topic

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
	if err := p.topic.Publish(ctx, payload); err != nil {
		return buserr.ConnectionLost("meshros", "publish", err)
	}
	return nil
}

func (p *publisher) Close() error {
	// Leaving the mesh topic is deferred to node teardown: other local
	// endpoints may still be attached to it.
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type subscription struct {
	sub    *pubsub.Subscription
	cancel context.CancelFunc
	ch     chan []byte
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

func (sub *subscription) Next(ctx context.Context) ([]byte, error) {
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
	sub.cancel()
	sub.sub.Cancel()
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
	sub     *pubsub.Subscription
	cancel  context.CancelFunc

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

	// Stop accepting new requests; dispatched invocations finish on their
	// own goroutines.
	srv.cancel()
	srv.sub.Cancel()
	return nil
}
