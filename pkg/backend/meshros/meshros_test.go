package meshros

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	buserr "github.com/rosbus/rosbus-go/pkg/errors"
	"github.com/rosbus/rosbus-go/pkg/types"
)

var (
	boolIdentity = types.TypeIdentity{Name: "std_msgs/Bool", Checksum: "8b94c1b53db61fb6aed406028ad6332a"}
	strIdentity  = types.TypeIdentity{Name: "std_msgs/String", Checksum: "992ce8a1687cec8c8bd883ec73ca41d1"}
	echoService  = types.ServiceType{Name: "test/Echo", Checksum: "00aa"}
)

func startNode(t *testing.T) *Client {
	t.Helper()
	node, err := New(context.Background(), Options{
		ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = node.Close() })
	return node
}

func TestNewRejectsMalformedListenAddr(t *testing.T) {
	_, err := New(context.Background(), Options{ListenAddrs: []string{"not-a-multiaddr"}})
	require.Error(t, err)
	assert.True(t, buserr.IsConnectivity(err))
}

func TestNodeIdentity(t *testing.T) {
	node := startNode(t)
	assert.NotEmpty(t, node.PeerID())
	addrs := node.ListenAddrs()
	require.NotEmpty(t, addrs)
	for _, addr := range addrs {
		assert.Contains(t, addr, "/p2p/"+node.PeerID())
	}
}

func TestLocalPublishSubscribe(t *testing.T) {
	node := startNode(t)
	ctx := context.Background()

	sub, err := node.Subscribe(ctx, "/chatter", strIdentity)
	require.NoError(t, err)
	defer sub.Close()

	pub, err := node.Advertise(ctx, "/chatter", strIdentity)
	require.NoError(t, err)
	defer pub.Close()

	require.NoError(t, pub.Publish(ctx, []byte(`{"data":"hi"}`)))

	recvCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	payload, err := sub.Next(recvCtx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":"hi"}`, string(payload))
}

func TestLocalChecksumGate(t *testing.T) {
	node := startNode(t)
	ctx := context.Background()

	_, err := node.Advertise(ctx, "/mixed", boolIdentity)
	require.NoError(t, err)

	_, err = node.Subscribe(ctx, "/mixed", strIdentity)
	require.Error(t, err)
	assert.True(t, buserr.IsTypeIncompatibility(err))
}

func TestChecksumPinnedAfterEndpointClose(t *testing.T) {
	node := startNode(t)
	ctx := context.Background()

	pub, err := node.Advertise(ctx, "/pinned", boolIdentity)
	require.NoError(t, err)
	require.NoError(t, pub.Close())

	// The name keeps its checksum for the node's lifetime even with no
	// endpoints left on it.
	_, err = node.Advertise(ctx, "/pinned", strIdentity)
	require.Error(t, err)
	assert.True(t, buserr.IsTypeIncompatibility(err))
}

func TestLocalServiceFastPath(t *testing.T) {
	node := startNode(t)
	ctx := context.Background()

	srv, err := node.AdvertiseService(ctx, "/echo", echoService,
		func(ctx context.Context, request []byte) ([]byte, error) {
			return request, nil
		})
	require.NoError(t, err)
	defer srv.Close()

	values, err := node.CallService(ctx, "/echo", echoService, []byte(`{"data":true}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":true}`, string(values))
}

func TestCallWithNoServerFailsFast(t *testing.T) {
	node := startNode(t)
	ctx := context.Background()

	start := time.Now()
	_, err := node.CallService(ctx, "/nobody", echoService, []byte(`{}`))
	require.Error(t, err)
	assert.True(t, buserr.IsCode(err, buserr.CodeServiceUnreachable))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestSecondServerRefused(t *testing.T) {
	node := startNode(t)
	ctx := context.Background()

	echo := func(ctx context.Context, request []byte) ([]byte, error) { return request, nil }

	srv, err := node.AdvertiseService(ctx, "/single", echoService, echo)
	require.NoError(t, err)
	defer srv.Close()

	_, err = node.AdvertiseService(ctx, "/single", echoService, echo)
	require.Error(t, err)
	assert.True(t, buserr.IsCode(err, buserr.CodeServiceTaken))
}

func TestConcurrentAdvertiseSingleWinner(t *testing.T) {
	node := startNode(t)
	ctx := context.Background()

	echo := func(ctx context.Context, request []byte) ([]byte, error) { return request, nil }

	start := make(chan struct{})
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = node.AdvertiseService(ctx, "/contested", echoService, echo)
		}(i)
	}
	close(start)
	wg.Wait()

	var failed int
	for _, err := range errs {
		if err != nil {
			assert.True(t, buserr.IsCode(err, buserr.CodeServiceTaken))
			failed++
		}
	}
	require.Equal(t, 1, failed)
}

func TestCloneRefcounting(t *testing.T) {
	node := startNode(t)
	ctx := context.Background()
	clone := node.Clone()

	require.NoError(t, clone.Close())
	_, err := node.Advertise(ctx, "/alive", boolIdentity)
	require.NoError(t, err)

	require.NoError(t, node.Close())
	_, err = node.Advertise(ctx, "/dead", boolIdentity)
	require.Error(t, err)
	assert.True(t, buserr.IsCode(err, buserr.CodeHandleClosed))
}
