package ros_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rosbus/rosbus-go/pkg/backend/mock"
	buserr "github.com/rosbus/rosbus-go/pkg/errors"
	"github.com/rosbus/rosbus-go/pkg/ros"
	"github.com/rosbus/rosbus-go/pkg/types"
)

// Hand-written stand-ins for generated message types.

type boolMsg struct {
	Data bool `json:"data"`
}

func (boolMsg) TypeName() string   { return "std_msgs/Bool" }
func (boolMsg) MD5Sum() string     { return "8b94c1b53db61fb6aed406028ad6332a" }
func (boolMsg) Definition() string { return "bool data" }

type stringMsg struct {
	Data string `json:"data"`
}

func (stringMsg) TypeName() string   { return "std_msgs/String" }
func (stringMsg) MD5Sum() string     { return "992ce8a1687cec8c8bd883ec73ca41d1" }
func (stringMsg) Definition() string { return "string data" }

type setBoolRequest struct {
	Data bool `json:"data"`
}

func (setBoolRequest) TypeName() string   { return "std_srvs/SetBoolRequest" }
func (setBoolRequest) MD5Sum() string     { return "8b94c1b53db61fb6aed406028ad6332a" }
func (setBoolRequest) Definition() string { return "bool data" }

type setBoolResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (setBoolResponse) TypeName() string   { return "std_srvs/SetBoolResponse" }
func (setBoolResponse) MD5Sum() string     { return "937c9679a518e3a18d831e57125ea522" }
func (setBoolResponse) Definition() string { return "bool success\nstring message" }

var setBoolType = types.ServiceTypeOf[setBoolRequest, setBoolResponse](
	"std_srvs/SetBool", "09fb03525b03e7ea1fd3992bafd87e16")

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	ctx := testContext(t)
	nh := mock.NewClient()
	defer nh.Close()

	sub, err := ros.Subscribe[stringMsg](ctx, nh, "/chatter")
	require.NoError(t, err)
	defer sub.Close()

	pub, err := ros.Advertise[stringMsg](ctx, nh, "/chatter")
	require.NoError(t, err)
	defer pub.Close()

	require.NoError(t, pub.Publish(ctx, stringMsg{Data: "hello"}))

	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Data)
	assert.Equal(t, "/chatter", sub.Topic())
	assert.Equal(t, "/chatter", pub.Topic())
}

func TestPublishOrderPreservedPerPublisher(t *testing.T) {
	ctx := testContext(t)
	nh := mock.NewClient()
	defer nh.Close()

	sub, err := ros.Subscribe[stringMsg](ctx, nh, "/ordered")
	require.NoError(t, err)
	defer sub.Close()

	pub, err := ros.Advertise[stringMsg](ctx, nh, "/ordered")
	require.NoError(t, err)
	defer pub.Close()

	want := []string{"one", "two", "three", "four"}
	for _, data := range want {
		require.NoError(t, pub.Publish(ctx, stringMsg{Data: data}))
	}

	for _, expected := range want {
		msg, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, expected, msg.Data)
	}
}

func TestIndependentSubscriberQueues(t *testing.T) {
	ctx := testContext(t)
	nh := mock.NewClient()
	defer nh.Close()

	first, err := ros.Subscribe[boolMsg](ctx, nh, "/flag")
	require.NoError(t, err)
	defer first.Close()
	second, err := ros.Subscribe[boolMsg](ctx, nh, "/flag")
	require.NoError(t, err)
	defer second.Close()

	pub, err := ros.Advertise[boolMsg](ctx, nh, "/flag")
	require.NoError(t, err)
	defer pub.Close()

	require.NoError(t, pub.Publish(ctx, boolMsg{Data: true}))

	got, err := first.Next(ctx)
	require.NoError(t, err)
	assert.True(t, got.Data)

	// The other subscriber receives its own copy.
	got, err = second.Next(ctx)
	require.NoError(t, err)
	assert.True(t, got.Data)
}

func TestChecksumMismatchAtAttachTime(t *testing.T) {
	ctx := testContext(t)
	nh := mock.NewClient()
	defer nh.Close()

	pub, err := ros.Advertise[boolMsg](ctx, nh, "/mixed")
	require.NoError(t, err)
	defer pub.Close()

	// A second endpoint with a different checksum is refused before any
	// message flows.
	_, err = ros.Subscribe[stringMsg](ctx, nh, "/mixed")
	require.Error(t, err)
	assert.True(t, buserr.IsTypeIncompatibility(err))
}

func TestServiceCallRoundTrip(t *testing.T) {
	ctx := testContext(t)
	nh := mock.NewClient()
	defer nh.Close()

	var mu sync.Mutex
	state := false
	srv, err := ros.AdvertiseService(ctx, nh, "/toggle", setBoolType,
		func(req setBoolRequest) (setBoolResponse, error) {
			mu.Lock()
			defer mu.Unlock()
			state = req.Data
			return setBoolResponse{Success: true, Message: "ok"}, nil
		})
	require.NoError(t, err)
	defer srv.Close()

	resp, err := ros.CallService[setBoolRequest, setBoolResponse](ctx, nh, "/toggle", setBoolType, setBoolRequest{Data: true})
	require.NoError(t, err)
	assert.True(t, resp.Success)

	mu.Lock()
	assert.True(t, state)
	mu.Unlock()
}

func TestServiceCallbackErrorReachesCaller(t *testing.T) {
	ctx := testContext(t)
	nh := mock.NewClient()
	defer nh.Close()

	srv, err := ros.AdvertiseService(ctx, nh, "/grumpy", setBoolType,
		func(req setBoolRequest) (setBoolResponse, error) {
			return setBoolResponse{}, errors.New("not today")
		})
	require.NoError(t, err)
	defer srv.Close()

	_, err = ros.CallService[setBoolRequest, setBoolResponse](ctx, nh, "/grumpy", setBoolType, setBoolRequest{})
	require.Error(t, err)
	assert.True(t, buserr.IsServiceLogic(err))
	assert.False(t, buserr.IsConnectivity(err))
	assert.Contains(t, err.Error(), "not today")
}

func TestServiceCallbackPanicIsContained(t *testing.T) {
	ctx := testContext(t)
	nh := mock.NewClient()
	defer nh.Close()

	srv, err := ros.AdvertiseService(ctx, nh, "/faulty", setBoolType,
		func(req setBoolRequest) (setBoolResponse, error) {
			panic("boom")
		})
	require.NoError(t, err)
	defer srv.Close()

	_, err = ros.CallService[setBoolRequest, setBoolResponse](ctx, nh, "/faulty", setBoolType, setBoolRequest{})
	require.Error(t, err)
	assert.True(t, buserr.IsDispatchFault(err))

	// The server survives the fault and keeps serving.
	srv2, err := ros.AdvertiseService(ctx, nh, "/healthy", setBoolType,
		func(req setBoolRequest) (setBoolResponse, error) {
			return setBoolResponse{Success: true}, nil
		})
	require.NoError(t, err)
	defer srv2.Close()

	resp, err := ros.CallService[setBoolRequest, setBoolResponse](ctx, nh, "/healthy", setBoolType, setBoolRequest{})
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestCallUnadvertisedServiceFailsFast(t *testing.T) {
	ctx := testContext(t)
	nh := mock.NewClient()
	defer nh.Close()

	// Must return a connectivity error, not hang waiting for a server.
	start := time.Now()
	_, err := ros.CallService[setBoolRequest, setBoolResponse](ctx, nh, "/nobody", setBoolType, setBoolRequest{})
	require.Error(t, err)
	assert.True(t, buserr.IsConnectivity(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSecondServerRefused(t *testing.T) {
	ctx := testContext(t)
	nh := mock.NewClient()
	defer nh.Close()

	srv, err := ros.AdvertiseService(ctx, nh, "/single", setBoolType,
		func(req setBoolRequest) (setBoolResponse, error) {
			return setBoolResponse{}, nil
		})
	require.NoError(t, err)

	_, err = ros.AdvertiseService(ctx, nh, "/single", setBoolType,
		func(req setBoolRequest) (setBoolResponse, error) {
			return setBoolResponse{}, nil
		})
	require.Error(t, err)
	assert.True(t, buserr.IsCode(err, buserr.CodeServiceTaken))

	// After teardown the name is free again.
	require.NoError(t, srv.Close())
	srv2, err := ros.AdvertiseService(ctx, nh, "/single", setBoolType,
		func(req setBoolRequest) (setBoolResponse, error) {
			return setBoolResponse{}, nil
		})
	require.NoError(t, err)
	defer srv2.Close()
}

func TestPersistentServiceClient(t *testing.T) {
	ctx := testContext(t)
	nh := mock.NewClient()
	defer nh.Close()

	calls := 0
	var mu sync.Mutex
	srv, err := ros.AdvertiseService(ctx, nh, "/counter", setBoolType,
		func(req setBoolRequest) (setBoolResponse, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			return setBoolResponse{Success: req.Data}, nil
		})
	require.NoError(t, err)
	defer srv.Close()

	client, err := ros.NewServiceClient[setBoolRequest, setBoolResponse](ctx, nh, "/counter", setBoolType)
	require.NoError(t, err)
	defer client.Close()

	for i := 0; i < 3; i++ {
		resp, err := client.Call(ctx, setBoolRequest{Data: true})
		require.NoError(t, err)
		assert.True(t, resp.Success)
	}

	mu.Lock()
	assert.Equal(t, 3, calls)
	mu.Unlock()
}

func TestHandleCloseIsIdempotent(t *testing.T) {
	ctx := testContext(t)
	nh := mock.NewClient()
	defer nh.Close()

	pub, err := ros.Advertise[boolMsg](ctx, nh, "/flag")
	require.NoError(t, err)
	sub, err := ros.Subscribe[boolMsg](ctx, nh, "/flag")
	require.NoError(t, err)
	srv, err := ros.AdvertiseService(ctx, nh, "/toggle", setBoolType,
		func(req setBoolRequest) (setBoolResponse, error) {
			return setBoolResponse{}, nil
		})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, pub.Close())
		require.NoError(t, sub.Close())
		require.NoError(t, srv.Close())
	}

	counts := nh.Counts()
	assert.Equal(t, 1, counts.Unadvertises)
	assert.Equal(t, 1, counts.Unsubscribes)
	assert.Equal(t, 1, counts.ServiceTeardowns)
	assert.Equal(t, 0, counts.ActivePublishers)
	assert.Equal(t, 0, counts.ActiveSubscribers)
	assert.Equal(t, 0, counts.ActiveServices)
}

func TestReentrantCallbackDoesNotDeadlock(t *testing.T) {
	ctx := testContext(t)
	nh := mock.NewClient(mock.WithQueueSize(1))
	defer nh.Close()

	pub, err := ros.Advertise[stringMsg](ctx, nh, "/events")
	require.NoError(t, err)
	defer pub.Close()

	sub, err := ros.Subscribe[stringMsg](ctx, nh, "/events")
	require.NoError(t, err)
	defer sub.Close()

	// The callback re-enters the bus: it publishes on a topic while serving.
	// Each invocation runs on its own goroutine, so concurrent blocking
	// callbacks can always make progress.
	srv, err := ros.AdvertiseService(ctx, nh, "/notify", setBoolType,
		func(req setBoolRequest) (setBoolResponse, error) {
			if err := pub.Publish(ctx, stringMsg{Data: "served"}); err != nil {
				return setBoolResponse{}, err
			}
			return setBoolResponse{Success: true}, nil
		})
	require.NoError(t, err)
	defer srv.Close()

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = ros.CallService[setBoolRequest, setBoolResponse](ctx, nh, "/notify", setBoolType, setBoolRequest{Data: true})
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
	}

	// At least the most recent event survives the capacity-1 queue.
	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "served", msg.Data)
}

func TestBlockingCallbackChannelSend(t *testing.T) {
	ctx := testContext(t)
	nh := mock.NewClient()
	defer nh.Close()

	// The callback blocks on a capacity-1 channel drained by a separate
	// goroutine. Calls must complete in bounded time even when several are
	// in flight at once.
	values := make(chan bool, 1)
	srv, err := ros.AdvertiseService(ctx, nh, "/record", setBoolType,
		func(req setBoolRequest) (setBoolResponse, error) {
			select {
			case values <- req.Data:
				return setBoolResponse{Success: true}, nil
			case <-ctx.Done():
				return setBoolResponse{}, ctx.Err()
			}
		})
	require.NoError(t, err)
	defer srv.Close()

	drained := make(chan bool, 2)
	go func() {
		for i := 0; i < 2; i++ {
			select {
			case v := <-values:
				drained <- v
			case <-ctx.Done():
				return
			}
		}
	}()

	for _, value := range []bool{false, true} {
		resp, err := ros.CallService[setBoolRequest, setBoolResponse](ctx, nh, "/record", setBoolType, setBoolRequest{Data: value})
		require.NoError(t, err)
		assert.True(t, resp.Success)
	}

	// Sequential calls on one caller reach the callback in order.
	assert.False(t, <-drained)
	assert.True(t, <-drained)
}

func TestServiceToggleScenario(t *testing.T) {
	ctx := testContext(t)
	nh := mock.NewClient()
	defer nh.Close()

	var mu sync.Mutex
	state := false
	srv, err := ros.AdvertiseService(ctx, nh, "/set_flag", setBoolType,
		func(req setBoolRequest) (setBoolResponse, error) {
			mu.Lock()
			defer mu.Unlock()
			prev := state
			state = req.Data
			return setBoolResponse{Success: prev != req.Data}, nil
		})
	require.NoError(t, err)
	defer srv.Close()

	client, err := ros.NewServiceClient[setBoolRequest, setBoolResponse](ctx, nh, "/set_flag", setBoolType)
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Call(ctx, setBoolRequest{Data: true})
	require.NoError(t, err)
	assert.True(t, resp.Success)

	resp, err = client.Call(ctx, setBoolRequest{Data: true})
	require.NoError(t, err)
	assert.False(t, resp.Success)

	resp, err = client.Call(ctx, setBoolRequest{Data: false})
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestSubscriberNextHonorsContext(t *testing.T) {
	nh := mock.NewClient()
	defer nh.Close()

	ctx := testContext(t)
	sub, err := ros.Subscribe[boolMsg](ctx, nh, "/quiet")
	require.NoError(t, err)
	defer sub.Close()

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = sub.Next(short)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
