package mock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	buserr "github.com/rosbus/rosbus-go/pkg/errors"
	"github.com/rosbus/rosbus-go/pkg/types"
)

var (
	boolIdentity = types.TypeIdentity{Name: "std_msgs/Bool", Checksum: "8b94c1b53db61fb6aed406028ad6332a"}
	strIdentity  = types.TypeIdentity{Name: "std_msgs/String", Checksum: "992ce8a1687cec8c8bd883ec73ca41d1"}
	echoService  = types.ServiceType{Name: "test/Echo", Checksum: "00aa"}
)

func TestCloneSharesRegistry(t *testing.T) {
	ctx := context.Background()
	nh := NewClient()
	clone := nh.Clone()

	sub, err := nh.Subscribe(ctx, "/shared", boolIdentity)
	require.NoError(t, err)

	pub, err := clone.Advertise(ctx, "/shared", boolIdentity)
	require.NoError(t, err)
	require.NoError(t, pub.Publish(ctx, []byte(`{"data":true}`)))

	payload, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":true}`, string(payload))

	// Closing one clone leaves the registry alive for the other.
	require.NoError(t, clone.Close())
	_, err = nh.Advertise(ctx, "/still-open", boolIdentity)
	require.NoError(t, err)

	require.NoError(t, nh.Close())
	_, err = nh.Advertise(ctx, "/after-close", boolIdentity)
	require.Error(t, err)
	assert.True(t, buserr.IsCode(err, buserr.CodeHandleClosed))
}

func TestCloseIsIdempotentOnBackend(t *testing.T) {
	nh := NewClient()
	require.NoError(t, nh.Close())
	require.NoError(t, nh.Close())
}

func TestDropOldestWhenQueueFull(t *testing.T) {
	ctx := context.Background()
	nh := NewClient(WithQueueSize(2))
	defer nh.Close()

	sub, err := nh.Subscribe(ctx, "/burst", strIdentity)
	require.NoError(t, err)
	pub, err := nh.Advertise(ctx, "/burst", strIdentity)
	require.NoError(t, err)

	for _, payload := range []string{"a", "b", "c", "d"} {
		require.NoError(t, pub.Publish(ctx, []byte(payload)))
	}

	// Capacity 2, drop-oldest: the two most recent survive.
	got1, err := sub.Next(ctx)
	require.NoError(t, err)
	got2, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c", string(got1))
	assert.Equal(t, "d", string(got2))
}

func TestSlowSubscriberDoesNotStallOthers(t *testing.T) {
	ctx := context.Background()
	nh := NewClient(WithQueueSize(1))
	defer nh.Close()

	slow, err := nh.Subscribe(ctx, "/mixed-pace", strIdentity)
	require.NoError(t, err)
	fast, err := nh.Subscribe(ctx, "/mixed-pace", strIdentity)
	require.NoError(t, err)
	pub, err := nh.Advertise(ctx, "/mixed-pace", strIdentity)
	require.NoError(t, err)

	// The slow subscriber never drains; publishing must still complete and
	// the fast subscriber must still see the latest message.
	for i := 0; i < 10; i++ {
		require.NoError(t, pub.Publish(ctx, []byte("tick")))
		got, err := fast.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, "tick", string(got))
	}
	_ = slow
}

func TestSubscriptionNextAfterBackendClose(t *testing.T) {
	ctx := context.Background()
	nh := NewClient()

	sub, err := nh.Subscribe(ctx, "/doomed", boolIdentity)
	require.NoError(t, err)
	require.NoError(t, nh.Close())

	_, err = sub.Next(ctx)
	require.Error(t, err)
	assert.True(t, buserr.IsCode(err, buserr.CodeHandleClosed))
}

func TestServiceClientOutlivesServer(t *testing.T) {
	ctx := context.Background()
	nh := NewClient()
	defer nh.Close()

	echo := func(ctx context.Context, request []byte) ([]byte, error) {
		return request, nil
	}

	srv, err := nh.AdvertiseService(ctx, "/echo", echoService, echo)
	require.NoError(t, err)

	client, err := nh.ServiceClient(ctx, "/echo", echoService)
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Call(ctx, []byte("first"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(resp))

	// Server goes away: calls fail as unreachable, not as logic errors.
	require.NoError(t, srv.Close())
	_, err = client.Call(ctx, []byte("second"))
	require.Error(t, err)
	assert.True(t, buserr.IsConnectivity(err))

	// A replacement server becomes reachable through the same client.
	srv2, err := nh.AdvertiseService(ctx, "/echo", echoService, echo)
	require.NoError(t, err)
	defer srv2.Close()

	resp, err = client.Call(ctx, []byte("third"))
	require.NoError(t, err)
	assert.Equal(t, "third", string(resp))
}

func TestServiceChecksumGate(t *testing.T) {
	ctx := context.Background()
	nh := NewClient()
	defer nh.Close()

	srv, err := nh.AdvertiseService(ctx, "/typed", echoService,
		func(ctx context.Context, request []byte) ([]byte, error) { return request, nil })
	require.NoError(t, err)
	defer srv.Close()

	other := types.ServiceType{Name: "test/Echo", Checksum: "ff00"}
	_, err = nh.ServiceClient(ctx, "/typed", other)
	require.Error(t, err)
	assert.True(t, buserr.IsTypeIncompatibility(err))

	_, err = nh.CallService(ctx, "/typed", other, []byte("x"))
	require.Error(t, err)
	assert.True(t, buserr.IsTypeIncompatibility(err))
}

func TestAbandonedCallDoesNotLeak(t *testing.T) {
	defer goleak.VerifyNone(t)

	nh := NewClient()
	defer nh.Close()

	release := make(chan struct{})
	srv, err := nh.AdvertiseService(context.Background(), "/slow", echoService,
		func(ctx context.Context, request []byte) ([]byte, error) {
			<-release
			return request, nil
		})
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = nh.CallService(ctx, "/slow", echoService, []byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Release the dispatched invocation so its goroutine finishes before the
	// leak check runs.
	close(release)
	time.Sleep(50 * time.Millisecond)
}

func TestTopicForgottenWhenLastEndpointLeaves(t *testing.T) {
	ctx := context.Background()
	nh := NewClient()
	defer nh.Close()

	pub, err := nh.Advertise(ctx, "/transient", boolIdentity)
	require.NoError(t, err)
	require.NoError(t, pub.Close())

	// The name is free for a differently-typed channel once empty.
	sub, err := nh.Subscribe(ctx, "/transient", strIdentity)
	require.NoError(t, err)
	require.NoError(t, sub.Close())
}
