package ros

import (
	"context"
	"encoding/json"
	"sync"

	buserr "github.com/rosbus/rosbus-go/pkg/errors"
	"github.com/rosbus/rosbus-go/pkg/types"
)

// Advertise attaches a typed publisher to a topic. The message type is given
// explicitly at the call site:
//
//	pub, err := ros.Advertise[std_msgs.Bool](ctx, nh, "/flag")
//	if err != nil { ... }
//	defer pub.Close()
func Advertise[T types.Message](ctx context.Context, provider TopicProvider, topic string) (*Publisher[T], error) {
	raw, err := provider.Advertise(ctx, topic, types.IdentityOf[T]())
	if err != nil {
		return nil, err
	}
	return &Publisher[T]{topic: topic, raw: raw}, nil
}

// Subscribe attaches a typed subscriber to a topic. Each subscriber owns an
// independent delivery queue; fan-out to multiple listeners means multiple
// subscribers, not multiple consumers of one.
func Subscribe[T types.Message](ctx context.Context, provider TopicProvider, topic string) (*Subscriber[T], error) {
	raw, err := provider.Subscribe(ctx, topic, types.IdentityOf[T]())
	if err != nil {
		return nil, err
	}
	return &Subscriber[T]{topic: topic, raw: raw}, nil
}

// Publisher is a typed handle on an advertised topic. Messages published
// sequentially on one Publisher reach every subscriber in publish order; no
// order is defined across distinct publishers.
type Publisher[T types.Message] struct {
	topic string
	raw   RawPublisher

	closeOnce sync.Once
	closeErr  error
}

// Publish encodes msg and hands it to the backend's outbound path, returning
// once the backend has accepted it.
func (p *Publisher[T]) Publish(ctx context.Context, msg T) error {
	payload, err := marshalMessage(p.topic, msg)
	if err != nil {
		return err
	}
	return p.raw.Publish(ctx, payload)
}

// Topic returns the topic name this publisher is attached to.
func (p *Publisher[T]) Topic() string { return p.topic }

// Close unadvertises the topic. The first call deregisters; later calls
// return the first call's result.
func (p *Publisher[T]) Close() error {
	p.closeOnce.Do(func() { p.closeErr = p.raw.Close() })
	return p.closeErr
}

// Subscriber is a typed handle on a subscribed topic.
type Subscriber[T types.Message] struct {
	topic string
	raw   RawSubscription

	closeOnce sync.Once
	closeErr  error
}

// Next suspends until a message arrives, the context is done, or the
// subscription is torn down. A consumed message is never returned again.
func (s *Subscriber[T]) Next(ctx context.Context) (T, error) {
	var msg T
	payload, err := s.raw.Next(ctx)
	if err != nil {
		return msg, err
	}
	if err := unmarshalMessage(s.topic, payload, &msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// Topic returns the topic name this subscriber is attached to.
func (s *Subscriber[T]) Topic() string { return s.topic }

// Close unsubscribes from the topic. The first call deregisters; later calls
// return the first call's result.
func (s *Subscriber[T]) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.raw.Close() })
	return s.closeErr
}

func marshalMessage(channel string, v interface{}) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, buserr.WrapError(err, buserr.CodeProtocolError,
			"failed to encode message", buserr.CategoryProtocol, buserr.SeverityError).
			WithContext(&buserr.Context{Topic: channel, Component: "codec", Operation: "marshal"})
	}
	return payload, nil
}

func unmarshalMessage(channel string, payload []byte, v interface{}) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return buserr.WrapError(err, buserr.CodeProtocolError,
			"failed to decode message", buserr.CategoryProtocol, buserr.SeverityError).
			WithContext(&buserr.Context{Topic: channel, Component: "codec", Operation: "unmarshal"})
	}
	return nil
}
