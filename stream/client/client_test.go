package client

import (
	"context"
	"github.com/ValentinKolb/dStream/stream/codec"
	"github.com/ValentinKolb/dStream/stream/common"
	"github.com/ValentinKolb/dStream/stream/internal/fakebroker"
	"github.com/ValentinKolb/dStream/stream/pool"
	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func startBroker(t *testing.T) *fakebroker.Broker {
	t.Helper()
	b, err := fakebroker.Start()
	require.NoError(t, err)
	return b
}

func connect(t *testing.T, conf common.ClientConfig, opts ...Option) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Connect(ctx, conf, opts...)
	require.NoError(t, err)
	return c
}

func closeClient(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, c.Close(ctx))
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// metadataHandler answers metadata requests with a fixed node for every stream
func metadataHandler(node codec.Broker) fakebroker.Handler {
	return func(s *fakebroker.Session, h codec.RequestHeader, r *codec.Reader) bool {
		streams := r.ReadStringArray()
		metas := make([]codec.StreamMetadata, 0, len(streams))
		for _, stream := range streams {
			metas = append(metas, codec.StreamMetadata{Stream: stream, Code: common.ResponseCodeOK, Leader: &node, Replicas: []codec.Broker{node}})
		}
		s.Write(codec.EncodeMetadataResponse(h.CorrelationID, []codec.Broker{node}, metas))
		return true
	}
}

// --------------------------------------------------------------------------
// Client
// --------------------------------------------------------------------------

func TestConnect(t *testing.T) {
	defer leaktest.Check(t)()
	b := startBroker(t)
	defer b.Close()

	c := connect(t, b.Config())
	defer closeClient(t, c)

	assert.NotEmpty(t, c.ID())
	assert.Equal(t, uint32(1048576), c.MaxFrameSize())
	assert.Equal(t, "3.13.1", c.ManagementVersion())
	assert.True(t, c.ConnectionInfo().Ready)
	assert.Len(t, b.Sessions(), 1)
	assert.Equal(t, 0, c.PublisherCount())
	assert.Equal(t, 0, c.ConsumerCount())
}

func TestConnectFails(t *testing.T) {
	b := startBroker(t)
	b.FailAuthenticate = true
	defer b.Close()

	_, err := Connect(testContext(t), b.Config())
	require.Error(t, err)
	assert.True(t, common.IsResponseCode(err, common.ResponseCodeAuthenticationFailure))
}

func TestManagementRequests(t *testing.T) {
	defer leaktest.Check(t)()
	b := startBroker(t)
	defer b.Close()

	b.Handle(common.KeyPartitions, func(s *fakebroker.Session, h codec.RequestHeader, r *codec.Reader) bool {
		s.Respond(h, common.ResponseCodeOK, func(w *codec.Writer) { w.WriteStringArray([]string{r.ReadString() + "-0"}) })
		return true
	})

	c := connect(t, b.Config())
	defer closeClient(t, c)
	ctx := testContext(t)

	require.NoError(t, c.CreateStream(ctx, "orders", map[string]string{"max-age": "1h"}))
	require.NoError(t, c.DeleteStream(ctx, "orders"))
	require.NoError(t, c.CreateSuperStream(ctx, "invoices", SuperStreamOptions{Partitions: 2}))

	partitions, err := c.QueryPartitions(ctx, "invoices")
	require.NoError(t, err)
	assert.Equal(t, []string{"invoices-0"}, partitions)

	metas, err := c.QueryMetadata(ctx, "orders", "invoices")
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Equal(t, b.AdvertisedHost, metas[0].Leader.Host)

	create := b.Requests(common.KeyCreate)
	require.Len(t, create, 1)
	_, r, err := codec.ParseRequest(create[0].Body)
	require.NoError(t, err)
	assert.Equal(t, "orders", r.ReadString())
	assert.Equal(t, map[string]string{"max-age": "1h"}, r.ReadStringMap())

	superStream := b.Requests(common.KeyCreateSuperStream)
	require.Len(t, superStream, 1)
	_, r, err = codec.ParseRequest(superStream[0].Body)
	require.NoError(t, err)
	assert.Equal(t, "invoices", r.ReadString())
	assert.Equal(t, []string{"invoices-0", "invoices-1"}, r.ReadStringArray())
	assert.Equal(t, []string{"0", "1"}, r.ReadStringArray())
}

func TestSuperStreamTopology(t *testing.T) {
	tests := []struct {
		name       string
		opts       SuperStreamOptions
		partitions []string
		keys       []string
	}{
		{"Default", SuperStreamOptions{}, []string{"s-0", "s-1", "s-2"}, []string{"0", "1", "2"}},
		{"Count", SuperStreamOptions{Partitions: 1}, []string{"s-0"}, []string{"0"}},
		{"BindingKeys", SuperStreamOptions{Partitions: 5, BindingKeys: []string{"eu", "us"}}, []string{"s-eu", "s-us"}, []string{"eu", "us"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			partitions, keys := superStreamTopology("s", tt.opts)
			assert.Equal(t, tt.partitions, partitions)
			assert.Equal(t, tt.keys, keys)
		})
	}
}

func TestChooseNode(t *testing.T) {
	leader := codec.Broker{Host: "leader", Port: 1}
	replica := codec.Broker{Host: "replica", Port: 2}

	tests := []struct {
		name     string
		meta     codec.StreamMetadata
		leader   bool
		expected string
		ok       bool
	}{
		{"PublisherUsesLeader", codec.StreamMetadata{Leader: &leader, Replicas: []codec.Broker{replica}}, true, "leader", true},
		{"ConsumerUsesReplica", codec.StreamMetadata{Leader: &leader, Replicas: []codec.Broker{replica}}, false, "replica", true},
		{"ConsumerFallsBackToLeader", codec.StreamMetadata{Leader: &leader}, false, "leader", true},
		{"NoNode", codec.StreamMetadata{}, false, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, ok := chooseNode(tt.meta, tt.leader)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, node.Host)
		})
	}
}

func TestUnavailableStream(t *testing.T) {
	defer leaktest.Check(t)()
	b := startBroker(t)
	defer b.Close()

	b.Handle(common.KeyMetadata, func(s *fakebroker.Session, h codec.RequestHeader, r *codec.Reader) bool {
		stream := r.ReadStringArray()[0]
		s.Write(codec.EncodeMetadataResponse(h.CorrelationID, nil, []codec.StreamMetadata{
			{Stream: stream, Code: common.ResponseCodeStreamDoesNotExist},
		}))
		return true
	})

	c := connect(t, b.Config())
	defer closeClient(t, c)

	_, err := c.DeclarePublisher(testContext(t), PublisherConfig{Stream: "missing"})
	require.Error(t, err)
	assert.True(t, common.IsResponseCode(err, common.ResponseCodeStreamDoesNotExist))
	assert.Len(t, b.Sessions(), 1)
}

// --------------------------------------------------------------------------
// Connection sharing
// --------------------------------------------------------------------------

func TestPublishersShareConnection(t *testing.T) {
	defer leaktest.Check(t)()
	b := startBroker(t)
	defer b.Close()

	c := connect(t, b.Config())
	defer closeClient(t, c)
	ctx := testContext(t)

	first, err := c.DeclarePublisher(ctx, PublisherConfig{Stream: "orders"})
	require.NoError(t, err)
	second, err := c.DeclarePublisher(ctx, PublisherConfig{Stream: "orders"})
	require.NoError(t, err)

	require.Same(t, first.conn, second.conn)
	conn := first.conn
	key := pool.CacheKey("orders", "/", b.AdvertisedHost)
	assert.Len(t, b.Sessions(), 2)
	assert.Equal(t, 2, conn.RefCount())
	assert.Equal(t, 1, c.Pool().Size(pool.PurposePublisher, key))
	assert.NotEqual(t, first.ExtendedID(), second.ExtendedID())

	require.NoError(t, first.Close(ctx))
	assert.Equal(t, 1, conn.RefCount())
	assert.Equal(t, 1, c.Pool().Size(pool.PurposePublisher, key))
	select {
	case <-conn.Done():
		t.Fatal("connection closed while in use")
	default:
	}

	require.NoError(t, second.Close(ctx))
	assert.Equal(t, 0, c.Pool().Size(pool.PurposePublisher, key))
	<-conn.Done()
	assert.Len(t, b.Requests(common.KeyDeletePublisher), 2)
}

func TestMaxSharedOpensNewConnection(t *testing.T) {
	defer leaktest.Check(t)()
	b := startBroker(t)
	defer b.Close()

	conf := b.Config()
	conf.Pool.MaxSharedConnectionInstances = 1
	c := connect(t, conf)
	defer closeClient(t, c)
	ctx := testContext(t)

	first, err := c.DeclarePublisher(ctx, PublisherConfig{Stream: "orders"})
	require.NoError(t, err)
	second, err := c.DeclarePublisher(ctx, PublisherConfig{Stream: "orders"})
	require.NoError(t, err)

	assert.NotSame(t, first.conn, second.conn)
	assert.Len(t, b.Sessions(), 3)
	assert.Equal(t, 2, c.Pool().Size(pool.PurposePublisher, pool.CacheKey("orders", "/", b.AdvertisedHost)))
}

func TestSharedPoolBetweenClients(t *testing.T) {
	defer leaktest.Check(t)()
	b := startBroker(t)
	defer b.Close()

	shared := pool.New(0)
	c1 := connect(t, b.Config(), WithPool(shared))
	defer closeClient(t, c1)
	c2 := connect(t, b.Config(), WithPool(shared))
	defer closeClient(t, c2)
	ctx := testContext(t)

	p1, err := c1.DeclarePublisher(ctx, PublisherConfig{Stream: "orders"})
	require.NoError(t, err)
	p2, err := c2.DeclarePublisher(ctx, PublisherConfig{Stream: "orders"})
	require.NoError(t, err)
	require.Same(t, p1.conn, p2.conn)

	require.NoError(t, p1.Send(ctx, Message{Body: []byte("one")}))
	require.NoError(t, p2.Send(ctx, Message{Body: []byte("two")}))

	// every client only sees the confirmations of its own publisher
	for _, p := range []*Publisher{p1, p2} {
		select {
		case confirmation := <-p.Confirms():
			assert.True(t, confirmation.Confirmed)
			assert.Equal(t, uint64(1), confirmation.PublishingID)
		case <-time.After(2 * time.Second):
			t.Fatalf("no confirmation for %s", p.ExtendedID())
		}
	}
	select {
	case confirmation := <-p1.Confirms():
		t.Fatalf("unexpected confirmation %v", confirmation)
	case <-time.After(50 * time.Millisecond):
	}
}

// --------------------------------------------------------------------------
// Abnormal closing
// --------------------------------------------------------------------------

func TestMetadataUpdateClosesPublisherAndConsumer(t *testing.T) {
	defer leaktest.Check(t)()
	b := startBroker(t)
	defer b.Close()

	c := connect(t, b.Config())
	defer closeClient(t, c)
	ctx := testContext(t)

	reasons := make(chan error, 2)
	publisher, err := c.DeclarePublisher(ctx, PublisherConfig{
		Stream:           "orders",
		ConnectionClosed: func(reason error) { reasons <- reason },
	})
	require.NoError(t, err)
	consumer, err := c.DeclareConsumer(ctx, ConsumerConfig{
		Stream:           "orders",
		ConnectionClosed: func(reason error) { reasons <- reason },
	}, func(*Consumer, *Delivery) {})
	require.NoError(t, err)

	sessions := b.Sessions()
	require.Len(t, sessions, 3)
	for _, s := range sessions[1:] {
		require.NoError(t, s.Write(codec.EncodeMetadataUpdate(common.ResponseCodeStreamNotAvailable, "orders")))
	}

	for i := 0; i < 2; i++ {
		select {
		case reason := <-reasons:
			assert.ErrorIs(t, reason, ErrStreamUnavailable)
		case <-time.After(2 * time.Second):
			t.Fatal("closing callback not called")
		}
	}
	assert.True(t, publisher.IsClosed())
	assert.True(t, consumer.IsClosed())
	assert.Equal(t, 0, c.PublisherCount())
	assert.Equal(t, 0, c.ConsumerCount())

	// the connections were released and closed
	<-publisher.conn.Done()
	<-consumer.conn.Done()
	_, open := <-publisher.Confirms()
	assert.False(t, open)
	assert.ErrorIs(t, publisher.Send(ctx, Message{Body: []byte("late")}), ErrPublisherClosed)
}

func TestConnectionLossAbortsPublisher(t *testing.T) {
	defer leaktest.Check(t)()
	b := startBroker(t)
	defer b.Close()

	c := connect(t, b.Config())
	defer closeClient(t, c)

	reasons := make(chan error, 1)
	publisher, err := c.DeclarePublisher(testContext(t), PublisherConfig{
		Stream:           "orders",
		ConnectionClosed: func(reason error) { reasons <- reason },
	})
	require.NoError(t, err)

	require.NoError(t, b.Sessions()[1].Close())

	select {
	case reason := <-reasons:
		assert.Error(t, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("closing callback not called")
	}
	assert.True(t, publisher.IsClosed())
	assert.Equal(t, 0, c.Pool().Len(pool.PurposePublisher))
}

func TestClientClose(t *testing.T) {
	defer leaktest.Check(t)()
	b := startBroker(t)
	defer b.Close()

	c := connect(t, b.Config())
	ctx := testContext(t)

	publisher, err := c.DeclarePublisher(ctx, PublisherConfig{Stream: "orders"})
	require.NoError(t, err)
	consumer, err := c.DeclareConsumer(ctx, ConsumerConfig{Stream: "orders"}, func(*Consumer, *Delivery) {})
	require.NoError(t, err)

	require.NoError(t, c.Close(ctx))
	assert.True(t, publisher.IsClosed())
	assert.True(t, consumer.IsClosed())
	assert.Len(t, b.Requests(common.KeyUnsubscribe), 1)
	assert.Len(t, b.Requests(common.KeyDeletePublisher), 1)

	// closing twice is a no-op
	require.NoError(t, c.Close(ctx))

	_, err = c.DeclarePublisher(ctx, PublisherConfig{Stream: "orders"})
	assert.ErrorIs(t, err, ErrClientClosed)
}

// --------------------------------------------------------------------------
// Address resolver
// --------------------------------------------------------------------------

func TestAddressResolver(t *testing.T) {
	tests := []struct {
		name        string
		node        func(b *fakebroker.Broker) codec.Broker
		expectError bool
		sessions    int
	}{
		{
			name: "AdvertisedNodeMatches",
			node: func(b *fakebroker.Broker) codec.Broker {
				return codec.Broker{Host: b.AdvertisedHost, Port: uint32(b.AdvertisedPort)}
			},
			sessions: 2,
		},
		{
			name: "NodeNeverReached",
			node: func(*fakebroker.Broker) codec.Broker {
				return codec.Broker{Host: "10.0.0.9", Port: 5552}
			},
			expectError: true,
			sessions:    4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer leaktest.Check(t)()
			b := startBroker(t)
			defer b.Close()
			b.Handle(common.KeyMetadata, metadataHandler(tt.node(b)))

			conf := b.Config()
			conf.Hostname = "resolver.invalid"
			conf.AddressResolver = common.AddressResolverConf{Enabled: true, Host: b.Host(), Port: b.Port(), MaxAttempts: 3}
			c := connect(t, conf)
			defer closeClient(t, c)

			publisher, err := c.DeclarePublisher(testContext(t), PublisherConfig{Stream: "orders"})
			if tt.expectError {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "after 3 attempts")
			} else {
				require.NoError(t, err)
				assert.Equal(t, b.AdvertisedHost, publisher.conn.Hostname())
			}
			assert.Len(t, b.Sessions(), tt.sessions)
		})
	}
}

func TestConnectDialError(t *testing.T) {
	b := startBroker(t)
	conf := b.Config()
	b.Close()

	conf.TimeoutSecond = 1
	_, err := Connect(testContext(t), conf)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrClientClosed))
}

func TestConsumerCountTracksDeclarations(t *testing.T) {
	defer leaktest.Check(t)()
	b := startBroker(t)
	defer b.Close()

	c := connect(t, b.Config())
	defer closeClient(t, c)
	ctx := testContext(t)

	handler := func(*Consumer, *Delivery) {}
	first, err := c.DeclareConsumer(ctx, ConsumerConfig{Stream: "orders"}, handler)
	require.NoError(t, err)
	_, err = c.DeclareConsumer(ctx, ConsumerConfig{Stream: "invoices"}, handler)
	require.NoError(t, err)

	assert.Equal(t, 2, c.ConsumerCount())
	assert.Len(t, c.Consumers(), 2)
	require.NoError(t, c.CloseConsumer(ctx, first.ExtendedID()))
	assert.Equal(t, 1, c.ConsumerCount())
	assert.Error(t, c.CloseConsumer(ctx, first.ExtendedID()))
}
