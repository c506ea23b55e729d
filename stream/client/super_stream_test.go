package client

import (
	"fmt"
	"github.com/ValentinKolb/dStream/stream/codec"
	"github.com/ValentinKolb/dStream/stream/common"
	"github.com/ValentinKolb/dStream/stream/internal/fakebroker"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sort"
	"testing"
	"time"
)

var invoicePartitions = []string{"invoices-0", "invoices-1", "invoices-2"}

func handlePartitions(b *fakebroker.Broker, partitions []string) {
	b.Handle(common.KeyPartitions, func(s *fakebroker.Session, h codec.RequestHeader, r *codec.Reader) bool {
		s.Respond(h, common.ResponseCodeOK, func(w *codec.Writer) { w.WriteStringArray(partitions) })
		return true
	})
}

// --------------------------------------------------------------------------
// Consumer
// --------------------------------------------------------------------------

func TestSuperStreamConsumer(t *testing.T) {
	defer leaktest.Check(t)()
	b := startBroker(t)
	defer b.Close()
	handlePartitions(b, invoicePartitions)

	c := connect(t, b.Config())
	defer closeClient(t, c)
	ctx := testContext(t)

	policy, err := NewCreditsOnChunkCompleted(CreditPolicyConfig{StartFrom: 4, CreditUpdate: 2})
	require.NoError(t, err)

	col := newCollector()
	s, err := c.DeclareSuperStreamConsumer(ctx, SuperStreamConsumerConfig{
		SuperStream:  "invoices",
		ConsumerRef:  "billing",
		CreditPolicy: policy,
	}, col.handle)
	require.NoError(t, err)
	assert.Equal(t, invoicePartitions, s.Partitions())
	assert.Equal(t, "billing", s.ConsumerRef())
	assert.Equal(t, 3, c.ConsumerCount())

	var streams []string
	for _, req := range b.Requests(common.KeySubscribe) {
		sub := parseSubscribe(t, req)
		streams = append(streams, sub.stream)
		assert.Equal(t, uint16(4), sub.credit)
		assert.Equal(t, "billing", sub.properties["name"])
		assert.Equal(t, "true", sub.properties["single-active-consumer"])
		assert.Equal(t, "invoices", sub.properties["super-stream"])
	}
	sort.Strings(streams)
	assert.Equal(t, invoicePartitions, streams)

	for _, partition := range invoicePartitions {
		consumer, ok := s.Consumer(partition)
		require.True(t, ok)
		assert.Equal(t, partition, consumer.Stream())
		assert.Same(t, policy, consumer.policy)
	}

	require.NoError(t, s.Close(ctx))
	assert.Equal(t, 0, c.ConsumerCount())
	assert.Len(t, b.Requests(common.KeyUnsubscribe), 3)
	require.NoError(t, s.Close(ctx))
}

func TestSuperStreamConsumerGeneratesRef(t *testing.T) {
	defer leaktest.Check(t)()
	b := startBroker(t)
	defer b.Close()

	c := connect(t, b.Config())
	defer closeClient(t, c)
	ctx := testContext(t)

	s, err := c.DeclareSuperStreamConsumer(ctx, SuperStreamConsumerConfig{
		SuperStream: "invoices",
		Partitions:  []string{"invoices-0"},
	}, func(*Consumer, *Delivery) {})
	require.NoError(t, err)
	defer s.Close(ctx)

	assert.Regexp(t, `^invoices-[0-9a-f-]{36}$`, s.ConsumerRef())
	// explicit partitions are not queried
	assert.Empty(t, b.Requests(common.KeyPartitions))
}

func TestSuperStreamConsumerFailsAsWhole(t *testing.T) {
	defer leaktest.Check(t)()
	b := startBroker(t)
	defer b.Close()
	handlePartitions(b, invoicePartitions)

	b.Handle(common.KeySubscribe, func(s *fakebroker.Session, h codec.RequestHeader, r *codec.Reader) bool {
		r.ReadUint8()
		if r.ReadString() != "invoices-1" {
			return false
		}
		s.Respond(h, common.ResponseCodeStreamDoesNotExist, nil)
		return true
	})

	c := connect(t, b.Config())
	defer closeClient(t, c)

	s, err := c.DeclareSuperStreamConsumer(testContext(t), SuperStreamConsumerConfig{SuperStream: "invoices"}, func(*Consumer, *Delivery) {})
	require.Error(t, err)
	assert.Nil(t, s)
	assert.True(t, common.IsResponseCode(err, common.ResponseCodeStreamDoesNotExist))
	assert.Contains(t, err.Error(), "invoices-1")

	// no partition stays subscribed
	assert.Equal(t, 0, c.ConsumerCount())
}

func TestSuperStreamConsumerValidation(t *testing.T) {
	tests := []struct {
		name   string
		config SuperStreamConsumerConfig
	}{
		{"NoLocator", SuperStreamConsumerConfig{SuperStream: "s", Partitions: []string{"s-0"}}},
		{"NoSuperStream", SuperStreamConsumerConfig{Locator: &Client{}, Partitions: []string{"s-0"}}},
		{"NoPartitions", SuperStreamConsumerConfig{Locator: &Client{}, SuperStream: "s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSuperStreamConsumer(testContext(t), func(*Consumer, *Delivery) {}, tt.config)
			assert.Error(t, err)
		})
	}
}

// --------------------------------------------------------------------------
// Publisher
// --------------------------------------------------------------------------

func TestHashPartition(t *testing.T) {
	hits := make(map[int]int)
	for i := 0; i < 300; i++ {
		key := fmt.Sprintf("key-%d", i)
		partition := hashPartition(key, 3)
		require.GreaterOrEqual(t, partition, 0)
		require.Less(t, partition, 3)
		assert.Equal(t, partition, hashPartition(key, 3), "hash routing must be stable")
		hits[partition]++
	}
	assert.Len(t, hits, 3)
	assert.Equal(t, 0, hashPartition("anything", 1))
}

func routingKey(msg Message) string {
	if msg.Properties != nil && msg.Properties.MessageID != nil {
		return fmt.Sprint(msg.Properties.MessageID)
	}
	return string(msg.Body)
}

func receivePartitionConfirmations(t *testing.T, s *SuperStreamPublisher, n int) []PartitionConfirmation {
	t.Helper()
	var out []PartitionConfirmation
	for len(out) < n {
		select {
		case confirmation := <-s.Confirms():
			out = append(out, confirmation)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of %d confirmations", len(out), n)
		}
	}
	return out
}

func TestSuperStreamPublisherHashRouting(t *testing.T) {
	defer leaktest.Check(t)()
	b := startBroker(t)
	defer b.Close()
	handlePartitions(b, invoicePartitions)

	c := connect(t, b.Config())
	defer closeClient(t, c)
	ctx := testContext(t)

	s, err := c.DeclareSuperStreamPublisher(ctx, SuperStreamPublisherConfig{
		SuperStream:  "invoices",
		Routing:      RoutingHash,
		KeyExtractor: routingKey,
	})
	require.NoError(t, err)
	assert.Equal(t, invoicePartitions, s.Partitions())

	// partition publishers are declared on first use
	assert.Equal(t, 0, c.PublisherCount())

	expected := invoicePartitions[hashPartition("customer-1", 3)]
	require.NoError(t, s.Send(ctx, Message{Body: []byte("customer-1")}, Message{Body: []byte("customer-1")}))
	assert.Equal(t, 1, c.PublisherCount())
	_, ok := s.Publisher(expected)
	assert.True(t, ok)

	for _, confirmation := range receivePartitionConfirmations(t, s, 2) {
		assert.Equal(t, expected, confirmation.Partition)
		assert.True(t, confirmation.Confirmed)
	}

	require.NoError(t, s.Close(ctx))
	assert.Equal(t, 0, c.PublisherCount())
	_, open := <-s.Confirms()
	assert.False(t, open)
	assert.ErrorIs(t, s.Send(ctx, Message{Body: []byte("customer-1")}), ErrPublisherClosed)
}

func TestSuperStreamPublisherKeyRouting(t *testing.T) {
	defer leaktest.Check(t)()
	b := startBroker(t)
	defer b.Close()
	handlePartitions(b, []string{"invoices-eu", "invoices-us"})

	b.Handle(common.KeyRoute, func(s *fakebroker.Session, h codec.RequestHeader, r *codec.Reader) bool {
		key := r.ReadString()
		var streams []string
		if key == "eu" || key == "us" {
			streams = []string{"invoices-" + key}
		}
		s.Respond(h, common.ResponseCodeOK, func(w *codec.Writer) { w.WriteStringArray(streams) })
		return true
	})

	c := connect(t, b.Config())
	defer closeClient(t, c)
	ctx := testContext(t)

	s, err := c.DeclareSuperStreamPublisher(ctx, SuperStreamPublisherConfig{
		SuperStream:  "invoices",
		Routing:      RoutingKey,
		KeyExtractor: routingKey,
	})
	require.NoError(t, err)
	defer s.Close(ctx)

	require.NoError(t, s.Send(ctx, Message{Body: []byte("eu")}, Message{Body: []byte("us")}, Message{Body: []byte("eu")}))
	confirmations := receivePartitionConfirmations(t, s, 3)
	perPartition := make(map[string]int)
	for _, confirmation := range confirmations {
		perPartition[confirmation.Partition]++
	}
	assert.Equal(t, map[string]int{"invoices-eu": 2, "invoices-us": 1}, perPartition)

	// routes are cached per key
	assert.Len(t, b.Requests(common.KeyRoute), 2)

	assert.ErrorContains(t, s.Send(ctx, Message{Body: []byte("apac")}), "no partition")
	assert.ErrorContains(t, s.Send(ctx, Message{}), "no routing key")
}

func TestRoutingStrategyString(t *testing.T) {
	assert.Equal(t, "hash", RoutingHash.String())
	assert.Equal(t, "key", RoutingKey.String())
}
