package client

import (
	"bytes"
	"context"
	"github.com/ValentinKolb/dStream/stream/codec"
	"github.com/ValentinKolb/dStream/stream/common"
	"github.com/ValentinKolb/dStream/stream/internal/fakebroker"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func published(n, size int) []codec.PublishedMessage {
	out := make([]codec.PublishedMessage, n)
	for i := range out {
		out[i] = codec.PublishedMessage{PublishingID: uint64(i + 1), Data: bytes.Repeat([]byte("x"), size)}
	}
	return out
}

func batchSizes(batches [][]codec.PublishedMessage) []int {
	sizes := make([]int, len(batches))
	for i, batch := range batches {
		sizes[i] = len(batch)
	}
	return sizes
}

func TestSplitBatches(t *testing.T) {
	// every message of 88 data bytes takes 100 bytes in a v1 frame
	tests := []struct {
		name        string
		messages    []codec.PublishedMessage
		frameMax    uint32
		batchSize   int
		expected    []int
		expectError bool
	}{
		{"Empty", nil, 0, 10, []int{}, false},
		{"UnlimitedFrame", published(5, 88), 0, 2, []int{2, 2, 1}, false},
		{"SingleBatch", published(3, 88), 1000, 10, []int{3}, false},
		{"FrameMaxSplits", published(5, 88), codec.PublishOverhead + 200, 10, []int{2, 2, 1}, false},
		{"ExactFit", published(2, 88), codec.PublishOverhead + 100, 10, []int{1, 1}, false},
		{"MessageTooLarge", published(1, 88), codec.PublishOverhead + 99, 10, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batches, err := splitBatches(tt.messages, tt.frameMax, 1, tt.batchSize)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, batchSizes(batches))

			// order and content survive the split
			var flat []codec.PublishedMessage
			for _, batch := range batches {
				size := codec.PublishOverhead
				for _, m := range batch {
					size += m.EncodedSize(1)
				}
				if tt.frameMax > 0 {
					assert.LessOrEqual(t, size, int(tt.frameMax))
				}
				flat = append(flat, batch...)
			}
			assert.Equal(t, len(tt.messages), len(flat))
			for i := range flat {
				assert.Equal(t, tt.messages[i].PublishingID, flat[i].PublishingID)
			}
		})
	}
}

func receiveConfirmations(t *testing.T, p *Publisher, n int) []Confirmation {
	t.Helper()
	var out []Confirmation
	for len(out) < n {
		select {
		case confirmation, ok := <-p.Confirms():
			require.True(t, ok, "confirmation channel closed")
			out = append(out, confirmation)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of %d confirmations", len(out), n)
		}
	}
	return out
}

func TestPublisherConfirms(t *testing.T) {
	defer leaktest.Check(t)()
	b := startBroker(t)
	defer b.Close()

	c := connect(t, b.Config())
	defer closeClient(t, c)
	ctx := testContext(t)

	p, err := c.DeclarePublisher(ctx, PublisherConfig{Stream: "orders"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.NextPublishingID())
	assert.Equal(t, "orders", p.Stream())

	require.NoError(t, p.Send(ctx, Message{Body: []byte("a")}, Message{Body: []byte("b")}))
	confirmations := receiveConfirmations(t, p, 2)
	for i, confirmation := range confirmations {
		assert.True(t, confirmation.Confirmed)
		assert.Equal(t, uint64(i+1), confirmation.PublishingID)
	}
	assert.Equal(t, uint64(3), p.NextPublishingID())

	// explicit ids move the sequence forward
	require.NoError(t, p.Send(ctx, Message{Body: []byte("c"), PublishingID: 10}, Message{Body: []byte("d")}))
	confirmations = receiveConfirmations(t, p, 2)
	assert.Equal(t, uint64(10), confirmations[0].PublishingID)
	assert.Equal(t, uint64(11), confirmations[1].PublishingID)
}

func TestPublisherContinuesSequence(t *testing.T) {
	defer leaktest.Check(t)()
	b := startBroker(t)
	defer b.Close()

	b.Handle(common.KeyQueryPublisherSequence, func(s *fakebroker.Session, h codec.RequestHeader, r *codec.Reader) bool {
		s.Respond(h, common.ResponseCodeOK, func(w *codec.Writer) { w.WriteUint64(41) })
		return true
	})

	c := connect(t, b.Config())
	defer closeClient(t, c)
	ctx := testContext(t)

	p, err := c.DeclarePublisher(ctx, PublisherConfig{Stream: "orders", PublisherRef: "billing"})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), p.NextPublishingID())

	last, err := p.GetLastPublishingID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(41), last)

	require.NoError(t, p.Send(ctx, Message{Body: []byte("a")}))
	assert.Equal(t, uint64(42), receiveConfirmations(t, p, 1)[0].PublishingID)

	declare := b.Requests(common.KeyDeclarePublisher)
	require.Len(t, declare, 1)
	_, r, err := codec.ParseRequest(declare[0].Body)
	require.NoError(t, err)
	assert.Equal(t, p.id, r.ReadUint8())
	assert.Equal(t, "billing", r.ReadString())
	assert.Equal(t, "orders", r.ReadString())
}

func TestPublisherErrors(t *testing.T) {
	defer leaktest.Check(t)()
	b := startBroker(t)
	defer b.Close()

	b.Handle(common.KeyPublish, func(s *fakebroker.Session, h codec.RequestHeader, r *codec.Reader) bool {
		publisherID := r.ReadUint8()
		r.ReadInt32()
		id := r.ReadUint64()
		s.Write(codec.EncodePublishError(publisherID, []codec.PublishingError{{PublishingID: id, Code: common.ResponseCodePublisherDoesNotExist}}))
		return true
	})

	c := connect(t, b.Config())
	defer closeClient(t, c)
	ctx := testContext(t)

	p, err := c.DeclarePublisher(ctx, PublisherConfig{Stream: "orders"})
	require.NoError(t, err)
	require.NoError(t, p.Send(ctx, Message{Body: []byte("a")}))

	confirmation := receiveConfirmations(t, p, 1)[0]
	assert.False(t, confirmation.Confirmed)
	assert.Equal(t, uint64(1), confirmation.PublishingID)
	assert.Equal(t, common.ResponseCodePublisherDoesNotExist, confirmation.Code)
}

func TestUnreadConfirmsDoNotBlockConnection(t *testing.T) {
	defer leaktest.Check(t)()
	b := startBroker(t)
	defer b.Close()

	c := connect(t, b.Config())
	defer closeClient(t, c)
	ctx := testContext(t)

	p, err := c.DeclarePublisher(ctx, PublisherConfig{Stream: "orders", PublisherRef: "billing", BatchSize: 1, ConfirmBuffer: 1})
	require.NoError(t, err)

	const messages = 50
	for i := 0; i < messages; i++ {
		require.NoError(t, p.Send(ctx, Message{Body: []byte("a")}))
	}
	require.Eventually(t, func() bool { return len(b.Requests(common.KeyPublish)) == messages }, 2*time.Second, 10*time.Millisecond)

	// nobody reads the confirmations, requests on the connection still complete
	requestCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = p.GetLastPublishingID(requestCtx)
	require.NoError(t, err)

	for i, confirmation := range receiveConfirmations(t, p, messages) {
		assert.True(t, confirmation.Confirmed)
		assert.Equal(t, uint64(i+1), confirmation.PublishingID)
	}
}

func TestIDsAreReusedAfterClose(t *testing.T) {
	tests := []struct {
		name string
		// declare returns the id, the connection id and a close function
		declare func(t *testing.T, ctx context.Context, c *Client) (uint8, string, func() error)
	}{
		{
			name: "Publisher",
			declare: func(t *testing.T, ctx context.Context, c *Client) (uint8, string, func() error) {
				p, err := c.DeclarePublisher(ctx, PublisherConfig{Stream: "orders"})
				require.NoError(t, err)
				return p.id, p.conn.ID(), func() error { return p.Close(ctx) }
			},
		},
		{
			name: "Consumer",
			declare: func(t *testing.T, ctx context.Context, c *Client) (uint8, string, func() error) {
				consumer, err := c.DeclareConsumer(ctx, ConsumerConfig{Stream: "orders"}, func(*Consumer, *Delivery) {})
				require.NoError(t, err)
				return consumer.SubscriptionID(), consumer.conn.ID(), func() error { return consumer.Close(ctx, true) }
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer leaktest.Check(t)()
			b := startBroker(t)
			defer b.Close()

			c := connect(t, b.Config())
			defer closeClient(t, c)
			ctx := testContext(t)

			// keeps the connection open
			keptID, connID, _ := tt.declare(t, ctx, c)
			assert.Equal(t, uint8(0), keptID)

			for i := 0; i < 300; i++ {
				id, churnConnID, closeFn := tt.declare(t, ctx, c)
				require.Equal(t, connID, churnConnID)
				require.Equal(t, uint8(1), id, "declaration %d", i)
				require.NoError(t, closeFn())
			}

			id, lastConnID, _ := tt.declare(t, ctx, c)
			assert.Equal(t, connID, lastConnID)
			assert.Equal(t, uint8(1), id)
			assert.Equal(t, 2, c.PublisherCount()+c.ConsumerCount())
		})
	}
}

func TestPublisherSplitsFrames(t *testing.T) {
	defer leaktest.Check(t)()
	b := startBroker(t)
	defer b.Close()

	conf := b.Config()
	conf.FrameMax = 1024
	c := connect(t, conf)
	defer closeClient(t, c)
	ctx := testContext(t)

	p, err := c.DeclarePublisher(ctx, PublisherConfig{Stream: "orders"})
	require.NoError(t, err)
	require.Equal(t, uint32(1024), p.MaxFrameSize())

	messages := make([]Message, 10)
	for i := range messages {
		messages[i] = Message{Body: bytes.Repeat([]byte("m"), 300)}
	}
	require.NoError(t, p.Send(ctx, messages...))
	receiveConfirmations(t, p, 10)

	frames := b.Requests(common.KeyPublish)
	assert.Greater(t, len(frames), 1)
	for _, frame := range frames {
		// recorded bodies exclude the length prefix
		assert.LessOrEqual(t, len(frame.Body)+4, 1024)
	}

	err = p.Send(ctx, Message{Body: bytes.Repeat([]byte("m"), 2000)})
	assert.ErrorContains(t, err, "does not fit frame-max")
}

func TestPublisherBatchSize(t *testing.T) {
	defer leaktest.Check(t)()
	b := startBroker(t)
	defer b.Close()

	c := connect(t, b.Config())
	defer closeClient(t, c)
	ctx := testContext(t)

	p, err := c.DeclarePublisher(ctx, PublisherConfig{Stream: "orders", BatchSize: 3})
	require.NoError(t, err)

	messages := make([]Message, 7)
	for i := range messages {
		messages[i] = Message{Body: []byte("m")}
	}
	require.NoError(t, p.Send(ctx, messages...))
	receiveConfirmations(t, p, 7)
	assert.Len(t, b.Requests(common.KeyPublish), 3)
}

func TestPublisherFilterValueUsesV2(t *testing.T) {
	tests := []struct {
		name     string
		version  string
		expected uint16
	}{
		{"FilteringSupported", "3.13.1", 2},
		{"FilteringUnsupported", "3.12.0", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer leaktest.Check(t)()
			b := startBroker(t)
			defer b.Close()
			b.Properties["version"] = tt.version

			c := connect(t, b.Config())
			defer closeClient(t, c)
			ctx := testContext(t)

			p, err := c.DeclarePublisher(ctx, PublisherConfig{Stream: "orders"})
			require.NoError(t, err)
			require.NoError(t, p.Send(ctx, Message{Body: []byte("a"), FilterValue: "eu"}))
			receiveConfirmations(t, p, 1)
			assert.Equal(t, tt.expected, b.Requests(common.KeyPublish)[0].Header.Version)
		})
	}
}

func TestPublisherClose(t *testing.T) {
	defer leaktest.Check(t)()
	b := startBroker(t)
	defer b.Close()

	c := connect(t, b.Config())
	defer closeClient(t, c)
	ctx := testContext(t)

	p, err := c.DeclarePublisher(ctx, PublisherConfig{Stream: "orders"})
	require.NoError(t, err)
	require.NoError(t, c.DeletePublisher(ctx, p.ExtendedID()))

	assert.True(t, p.IsClosed())
	assert.Len(t, b.Requests(common.KeyDeletePublisher), 1)
	assert.ErrorIs(t, p.Send(ctx, Message{Body: []byte("a")}), ErrPublisherClosed)
	_, open := <-p.Confirms()
	assert.False(t, open)

	// closing again neither fails nor sends a second delete
	require.NoError(t, p.Close(ctx))
	assert.Len(t, b.Requests(common.KeyDeletePublisher), 1)
	assert.Error(t, c.DeletePublisher(ctx, p.ExtendedID()))
}
