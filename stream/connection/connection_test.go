package connection

import (
	"context"
	"github.com/ValentinKolb/dStream/stream/codec"
	"github.com/ValentinKolb/dStream/stream/common"
	"github.com/ValentinKolb/dStream/stream/internal/fakebroker"
	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"sync/atomic"
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

func dial(t *testing.T, conf common.ClientConfig, opts ...Option) *Connection {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, conf, opts...)
	require.NoError(t, err)
	return conn
}

func closeConn(t *testing.T, conn *Connection) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn.Close(ctx, ClosingParams{Code: common.ResponseCodeOK, Reason: "test", Manually: true})
}

// --------------------------------------------------------------------------
// Handshake
// --------------------------------------------------------------------------

func TestHandshake(t *testing.T) {
	defer leaktest.Check(t)()
	b := startBroker(t)
	defer b.Close()

	conf := b.Config()
	conf.FrameMax = common.UnlimitedFrameMax
	conf.HeartbeatSecond = 0
	conf.ConnectionName = "handshake-test"

	conn := dial(t, conf)
	defer closeConn(t, conn)

	assert.True(t, conn.Ready())
	assert.Equal(t, StateReady, conn.State())
	assert.Equal(t, uint32(1048576), conn.MaxFrameSize())
	assert.Equal(t, uint32(60), conn.Heartbeat())
	assert.Equal(t, b.AdvertisedHost, conn.ServerEndpoint().Host)
	assert.Equal(t, b.AdvertisedPort, conn.ServerEndpoint().Port)
	assert.Equal(t, "3.13.1", conn.ManagementVersion())
	assert.True(t, conn.IsFilteringEnabled())
	assert.True(t, conn.SupportsDeliverV2())

	// the broker saw the negotiated values
	sessions := b.Sessions()
	require.Len(t, sessions, 1)
	frameMax, heartbeat, ok := sessions[0].Tuned()
	require.True(t, ok)
	assert.Equal(t, uint32(1048576), frameMax)
	assert.Equal(t, uint32(60), heartbeat)

	// handshake order
	assert.Equal(t, []uint16{
		common.KeyPeerProperties,
		common.KeySaslHandshake,
		common.KeySaslAuthenticate,
		common.ResponseKey(common.KeyTune),
		common.KeyOpen,
		common.KeyExchangeCommandVersions,
	}, b.Keys())

	// correlation ids start after 100 and increase
	first := b.Requests(common.KeyPeerProperties)[0].Header.CorrelationID
	open := b.Requests(common.KeyOpen)[0].Header.CorrelationID
	assert.Equal(t, uint32(initialCorrelationID+1), first)
	assert.Greater(t, open, first)

	// connection name sent as peer property
	_, r, err := codec.ParseRequest(b.Requests(common.KeyPeerProperties)[0].Body)
	require.NoError(t, err)
	assert.Equal(t, "handshake-test", r.ReadStringMap()["connection_name"])
}

func TestHandshakeNegotiation(t *testing.T) {
	tests := []struct {
		name              string
		clientFrameMax    uint32
		serverFrameMax    uint32
		clientHeartbeat   uint32
		serverHeartbeat   uint32
		expectedFrameMax  uint32
		expectedHeartbeat uint32
	}{
		{"ClientSmaller", 524288, 1048576, 30, 60, 524288, 30},
		{"ServerUnlimited", 131072, 0, 0, 60, 131072, 60},
		{"HeartbeatDisabledByServer", 1048576, 1048576, 30, 0, 1048576, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer leaktest.Check(t)()
			b := startBroker(t)
			defer b.Close()
			b.TuneFrameMax = tt.serverFrameMax
			b.TuneHeartbeat = tt.serverHeartbeat

			conf := b.Config()
			conf.FrameMax = tt.clientFrameMax
			conf.HeartbeatSecond = tt.clientHeartbeat

			conn := dial(t, conf)
			defer closeConn(t, conn)

			assert.Equal(t, tt.expectedFrameMax, conn.MaxFrameSize())
			assert.Equal(t, tt.expectedHeartbeat, conn.Heartbeat())
			assert.Equal(t, tt.expectedHeartbeat > 0, conn.heartbeat.isStarted())
		})
	}
}

func TestHandshakeManagementVersionGate(t *testing.T) {
	tests := []struct {
		version  string
		expected bool
	}{
		{"3.13.0", true},
		{"3.12.9", false},
		{"unknown", false},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			defer leaktest.Check(t)()
			b := startBroker(t)
			defer b.Close()
			b.Properties["version"] = tt.version

			conn := dial(t, b.Config())
			defer closeConn(t, conn)

			assert.Equal(t, tt.expected, conn.IsFilteringEnabled())

			// publish v2 is only declared when filtering is enabled
			_, r, err := codec.ParseRequest(b.Requests(common.KeyExchangeCommandVersions)[0].Body)
			require.NoError(t, err)
			n := int(r.ReadInt32())
			publishMax := uint16(0)
			for i := 0; i < n; i++ {
				key, _, maxVersion := r.ReadUint16(), r.ReadUint16(), r.ReadUint16()
				if key == common.KeyPublish {
					publishMax = maxVersion
				}
			}
			if tt.expected {
				assert.Equal(t, uint16(2), publishMax)
			} else {
				assert.Equal(t, uint16(1), publishMax)
			}
		})
	}
}

func TestHandshakeFailures(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(b *fakebroker.Broker, conf *common.ClientConfig)
		check   func(t *testing.T, err error)
	}{
		{
			name: "MechanismNotOffered",
			prepare: func(b *fakebroker.Broker, conf *common.ClientConfig) {
				b.Mechanisms = []string{common.MechanismPlain}
				conf.Mechanism = common.MechanismExternal
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, common.ErrMechanismNotOffered)
			},
		},
		{
			name: "AuthenticationFailure",
			prepare: func(b *fakebroker.Broker, conf *common.ClientConfig) {
				b.FailAuthenticate = true
			},
			check: func(t *testing.T, err error) {
				assert.True(t, common.IsResponseCode(err, common.ResponseCodeAuthenticationFailure))
			},
		},
		{
			name: "NoTune",
			prepare: func(b *fakebroker.Broker, conf *common.ClientConfig) {
				b.SkipTune = true
				conf.RequestTimeoutSecond = 1
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, common.ErrRequestTimeout)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer leaktest.Check(t)()
			b := startBroker(t)
			defer b.Close()

			conf := b.Config()
			tt.prepare(b, &conf)

			conn, err := New(conf)
			require.NoError(t, err)
			err = conn.Start(context.Background())
			require.Error(t, err)
			tt.check(t, err)

			assert.Equal(t, StateClosed, conn.State())
			assert.False(t, conn.Ready())
			<-conn.Done()
		})
	}
}

func TestNewRejectsUnsupportedMechanism(t *testing.T) {
	conf := common.DefaultClientConfig()
	conf.Mechanism = "SCRAM-SHA-256"

	_, err := New(conf)
	var protoErr *common.ProtocolError
	assert.True(t, errors.As(err, &protoErr))
}

// --------------------------------------------------------------------------
// Correlation
// --------------------------------------------------------------------------

func TestResponsesOutOfOrder(t *testing.T) {
	defer leaktest.Check(t)()
	b := startBroker(t)
	defer b.Close()

	var mu sync.Mutex
	type pending struct {
		header codec.RequestHeader
		stream string
	}
	var held []pending

	b.Handle(common.KeyStreamStats, func(s *fakebroker.Session, h codec.RequestHeader, r *codec.Reader) bool {
		mu.Lock()
		defer mu.Unlock()
		held = append(held, pending{header: h, stream: r.ReadString()})
		if len(held) < 2 {
			return true
		}
		// answer the second request first
		for i := len(held) - 1; i >= 0; i-- {
			p := held[i]
			s.Respond(p.header, common.ResponseCodeOK, func(w *codec.Writer) {
				w.WriteInt32(1)
				w.WriteString("length")
				w.WriteInt64(int64(len(p.stream)))
			})
		}
		return true
	})

	conn := dial(t, b.Config())
	defer closeConn(t, conn)

	var wg sync.WaitGroup
	results := make(map[string]int64)
	var resultsMu sync.Mutex
	for _, stream := range []string{"a", "bbbb"} {
		wg.Add(1)
		go func(stream string) {
			defer wg.Done()
			stats, err := conn.StreamStats(context.Background(), stream)
			assert.NoError(t, err)
			resultsMu.Lock()
			results[stream] = stats["length"]
			resultsMu.Unlock()
		}(stream)
	}
	wg.Wait()

	assert.Equal(t, map[string]int64{"a": 1, "bbbb": 4}, results)
	assert.Equal(t, 0, conn.correlator.pending())
}

func TestResponseKeyMismatch(t *testing.T) {
	defer leaktest.Check(t)()
	b := startBroker(t)
	defer b.Close()

	b.Handle(common.KeyDelete, func(s *fakebroker.Session, h codec.RequestHeader, r *codec.Reader) bool {
		s.Write(codec.EncodeResponse(common.ResponseKey(common.KeyCreate), h.CorrelationID, common.ResponseCodeOK, nil))
		return true
	})

	conn := dial(t, b.Config())
	defer closeConn(t, conn)

	err := conn.DeleteStream(context.Background(), "stream")
	var protoErr *common.ProtocolError
	assert.True(t, errors.As(err, &protoErr))
}

func TestRequestTimeout(t *testing.T) {
	defer leaktest.Check(t)()
	b := startBroker(t)
	defer b.Close()

	b.Handle(common.KeyDelete, func(s *fakebroker.Session, h codec.RequestHeader, r *codec.Reader) bool {
		return true
	})

	conf := b.Config()
	conf.RequestTimeoutSecond = 1
	conn := dial(t, conf)
	defer closeConn(t, conn)

	err := conn.DeleteStream(context.Background(), "stream")
	assert.ErrorIs(t, err, common.ErrRequestTimeout)
	assert.Equal(t, 0, conn.correlator.pending())
	assert.True(t, conn.Ready(), "a timeout does not close the connection")
}

func TestResponseErrorCode(t *testing.T) {
	defer leaktest.Check(t)()
	b := startBroker(t)
	defer b.Close()

	b.Handle(common.KeyCreate, func(s *fakebroker.Session, h codec.RequestHeader, r *codec.Reader) bool {
		s.Respond(h, common.ResponseCodeStreamAlreadyExists, nil)
		return true
	})

	conn := dial(t, b.Config())
	defer closeConn(t, conn)

	err := conn.CreateStream(context.Background(), "stream", nil)
	assert.True(t, common.IsResponseCode(err, common.ResponseCodeStreamAlreadyExists))
}

func TestPendingRequestsFailedOnClose(t *testing.T) {
	defer leaktest.Check(t)()
	b := startBroker(t)
	defer b.Close()

	received := make(chan struct{})
	b.Handle(common.KeyDelete, func(s *fakebroker.Session, h codec.RequestHeader, r *codec.Reader) bool {
		close(received)
		return true
	})

	conn := dial(t, b.Config())

	errCh := make(chan error, 1)
	go func() {
		errCh <- conn.DeleteStream(context.Background(), "stream")
	}()

	<-received
	// the broker goes away without answering
	b.Sessions()[0].Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, common.ErrConnectionClosed)
	case <-time.After(3 * time.Second):
		t.Fatal("pending request not failed")
	}
	<-conn.Done()
	assert.Equal(t, 0, conn.correlator.pending())

	// requests after the teardown fail immediately
	err := conn.DeleteStream(context.Background(), "stream")
	assert.ErrorIs(t, err, common.ErrConnectionClosed)
}

// --------------------------------------------------------------------------
// Closing
// --------------------------------------------------------------------------

func TestConnectionClosedListener(t *testing.T) {
	tests := []struct {
		name        string
		close       func(conn *Connection, b *fakebroker.Broker)
		expectFired bool
	}{
		{
			name:        "BrokerDropsSocket",
			close:       func(conn *Connection, b *fakebroker.Broker) { b.Sessions()[0].Close() },
			expectFired: true,
		},
		{
			name: "ManualClose",
			close: func(conn *Connection, b *fakebroker.Broker) {
				conn.Close(context.Background(), ClosingParams{Code: common.ResponseCodeOK, Reason: "bye", Manually: true})
			},
			expectFired: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer leaktest.Check(t)()
			b := startBroker(t)
			defer b.Close()

			var fired atomic.Int32
			conn := dial(t, b.Config(), WithListeners(Listeners{
				ConnectionClosed: func(error) { fired.Add(1) },
			}))

			tt.close(conn, b)
			<-conn.Done()
			// a second close is a no-op
			closeConn(t, conn)

			if tt.expectFired {
				require.Eventually(t, func() bool { return fired.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
			} else {
				assert.Equal(t, int32(0), fired.Load())
			}
		})
	}
}

func TestManualCloseSendsCloseRequest(t *testing.T) {
	defer leaktest.Check(t)()
	b := startBroker(t)
	defer b.Close()

	conn := dial(t, b.Config())
	err := conn.Close(context.Background(), ClosingParams{Code: common.ResponseCodeOK, Reason: "bye", Manually: true})
	require.NoError(t, err)

	require.Len(t, b.Requests(common.KeyClose), 1)
	_, r, err := codec.ParseRequest(b.Requests(common.KeyClose)[0].Body)
	require.NoError(t, err)
	assert.Equal(t, common.ResponseCodeOK, r.ReadUint16())
	assert.Equal(t, "bye", r.ReadString())
	assert.Equal(t, StateClosed, conn.State())
}

func TestManualCloseIsNotAReadFailure(t *testing.T) {
	defer leaktest.Check(t)()
	b := startBroker(t)
	defer b.Close()

	// answer without closing the socket, only the client closes it
	b.Handle(common.KeyClose, func(s *fakebroker.Session, h codec.RequestHeader, r *codec.Reader) bool {
		s.Respond(h, common.ResponseCodeOK, nil)
		return true
	})

	failures := readFailures.Get()
	conn := dial(t, b.Config())
	require.NoError(t, conn.Close(context.Background(), ClosingParams{Code: common.ResponseCodeOK, Reason: "bye", Manually: true}))
	<-conn.readerDone

	assert.Equal(t, failures, readFailures.Get())
	assert.NoError(t, conn.Err())
}

func TestServerInitiatedClose(t *testing.T) {
	defer leaktest.Check(t)()
	b := startBroker(t)
	defer b.Close()

	closedReason := make(chan error, 1)
	conn := dial(t, b.Config())
	conn.OnConnectionClosed(func(reason error) { closedReason <- reason })

	require.NoError(t, b.Sessions()[0].Write(codec.EncodeServerClose(7, common.ResponseCodeOK, "maintenance")))

	select {
	case reason := <-closedReason:
		assert.Contains(t, reason.Error(), "maintenance")
	case <-time.After(3 * time.Second):
		t.Fatal("connection not closed")
	}

	require.Eventually(t, func() bool {
		return len(b.Requests(common.ResponseKey(common.KeyClose))) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint32(7), b.Requests(common.ResponseKey(common.KeyClose))[0].Header.CorrelationID)
	assert.False(t, conn.Ready())
}

func TestHeartbeatTimeoutClosesConnection(t *testing.T) {
	defer leaktest.Check(t)()
	b := startBroker(t)
	defer b.Close()
	b.TuneHeartbeat = 1

	closedReason := make(chan error, 1)
	conf := b.Config()
	conf.HeartbeatSecond = 0
	conn := dial(t, conf, WithListeners(Listeners{
		ConnectionClosed: func(reason error) { closedReason <- reason },
	}))

	select {
	case reason := <-closedReason:
		assert.ErrorIs(t, reason, common.ErrHeartbeatTimeout)
	case <-time.After(6 * time.Second):
		t.Fatal("silent broker not detected")
	}
	assert.ErrorIs(t, conn.Err(), common.ErrHeartbeatTimeout)
	assert.NotEmpty(t, b.Requests(common.KeyHeartbeat), "idle connection sends heartbeats")
}

// --------------------------------------------------------------------------
// Server initiated frames
// --------------------------------------------------------------------------

func TestMetadataUpdateFiresClosingCallbacksOnce(t *testing.T) {
	defer leaktest.Check(t)()
	b := startBroker(t)
	defer b.Close()

	conn := dial(t, b.Config())
	defer closeConn(t, conn)

	var publisher, consumer, other, updates atomic.Int32
	conn.OnPublisherClosed("p-1", "orders", func() { publisher.Add(1) })
	conn.OnConsumerClosed("c-1", "orders", func() { consumer.Add(1) })
	conn.OnConsumerClosed("c-2", "invoices", func() { other.Add(1) })
	conn.OnConsumerClosed("c-3", "orders", func() { t.Error("removed listener fired") })
	conn.RemoveClosingListener("c-3")
	conn.OnMetadataUpdate(func(*codec.MetadataUpdate) { updates.Add(1) })

	session := b.Sessions()[0]
	require.NoError(t, session.Write(codec.EncodeMetadataUpdate(common.ResponseCodeStreamNotAvailable, "orders")))
	require.NoError(t, session.Write(codec.EncodeMetadataUpdate(common.ResponseCodeStreamNotAvailable, "orders")))

	require.Eventually(t, func() bool { return updates.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), publisher.Load())
	assert.Equal(t, int32(1), consumer.Load())
	assert.Equal(t, int32(0), other.Load())
}

func TestPublishConfirmListener(t *testing.T) {
	defer leaktest.Check(t)()
	b := startBroker(t)
	defer b.Close()

	conn := dial(t, b.Config())
	defer closeConn(t, conn)

	confirms := make(chan *codec.PublishConfirm, 1)
	conn.OnPublishConfirm(func(c *codec.PublishConfirm) { confirms <- c })

	ctx := context.Background()
	publisherID, err := conn.NextPublisherID()
	require.NoError(t, err)
	require.NoError(t, conn.DeclarePublisher(ctx, publisherID, "", "orders"))
	require.NoError(t, conn.Publish(ctx, publisherID, []codec.PublishedMessage{
		{PublishingID: 1, Data: []byte("one")},
		{PublishingID: 2, Data: []byte("two"), FilterValue: "eu"},
	}))

	select {
	case confirm := <-confirms:
		assert.Equal(t, publisherID, confirm.PublisherID)
		assert.Equal(t, []uint64{1, 2}, confirm.PublishingIDs)
	case <-time.After(2 * time.Second):
		t.Fatal("no confirm")
	}
	// a filter value requires publish v2
	assert.Equal(t, uint16(2), b.Requests(common.KeyPublish)[0].Header.Version)
}

func TestDeliverListener(t *testing.T) {
	defer leaktest.Check(t)()
	b := startBroker(t)
	defer b.Close()

	conn := dial(t, b.Config())
	defer closeConn(t, conn)

	delivered := make(chan *codec.Deliver, 2)
	conn.OnDeliverV1(func(d *codec.Deliver) { delivered <- d })
	conn.OnDeliverV2(func(d *codec.Deliver) { delivered <- d })

	chunk, err := codec.EncodeChunk(10, time.Now().UnixMilli(), []codec.ChunkEntry{
		{Records: [][]byte{[]byte("a"), []byte("b")}},
	})
	require.NoError(t, err)

	session := b.Sessions()[0]
	require.NoError(t, session.Write(codec.EncodeDeliver(1, 3, 0, chunk)))
	require.NoError(t, session.Write(codec.EncodeDeliver(2, 3, 99, chunk)))

	for _, version := range []uint16{1, 2} {
		select {
		case d := <-delivered:
			assert.Equal(t, version, d.Version)
			assert.Equal(t, uint8(3), d.SubscriptionID)
			require.Len(t, d.Chunk.Records, 2)
			assert.Equal(t, uint64(10), d.Chunk.Records[0].Offset)
			assert.Equal(t, uint64(11), d.Chunk.Records[1].Offset)
			if version == 2 {
				assert.Equal(t, uint64(99), d.CommittedChunkID)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no delivery")
		}
	}
}

func TestConsumerUpdateQueryIsAnswered(t *testing.T) {
	tests := []struct {
		name         string
		listener     func(*codec.ConsumerUpdateQuery) (common.OffsetSpec, bool)
		expectedType common.OffsetType
		expectedVal  int64
	}{
		{
			name: "ListenerOffset",
			listener: func(q *codec.ConsumerUpdateQuery) (common.OffsetSpec, bool) {
				return common.OffsetAt(42), q.SubscriptionID == 4
			},
			expectedType: common.OffsetTypeOffset,
			expectedVal:  42,
		},
		{
			name: "NotOwned",
			listener: func(q *codec.ConsumerUpdateQuery) (common.OffsetSpec, bool) {
				return common.OffsetFirst(), false
			},
			expectedType: common.OffsetTypeNext,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer leaktest.Check(t)()
			b := startBroker(t)
			defer b.Close()

			conn := dial(t, b.Config())
			defer closeConn(t, conn)
			conn.OnConsumerUpdateQuery(tt.listener)

			session := b.Sessions()[0]
			correlationID := session.NextCorrelationID()
			require.NoError(t, session.Write(codec.EncodeConsumerUpdateQuery(correlationID, 4, true)))

			answerKey := common.ResponseKey(common.KeyConsumerUpdate)
			require.Eventually(t, func() bool { return len(b.Requests(answerKey)) == 1 }, 2*time.Second, 10*time.Millisecond)

			header, r, err := codec.ParseRequest(b.Requests(answerKey)[0].Body)
			require.NoError(t, err)
			assert.Equal(t, correlationID, header.CorrelationID)
			assert.Equal(t, common.ResponseCodeOK, r.ReadUint16())
			assert.Equal(t, tt.expectedType, common.OffsetType(r.ReadUint16()))
			if tt.expectedType == common.OffsetTypeOffset {
				assert.Equal(t, tt.expectedVal, r.ReadInt64())
			}
		})
	}
}

func TestNextIDs(t *testing.T) {
	conn, err := New(common.DefaultClientConfig())
	require.NoError(t, err)

	tests := []struct {
		name    string
		next    func() (uint8, error)
		release func(uint8)
	}{
		{"Publisher", conn.NextPublisherID, conn.ReleasePublisherID},
		{"Consumer", conn.NextConsumerID, conn.ReleaseConsumerID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 256; i++ {
				id, err := tt.next()
				require.NoError(t, err)
				require.Equal(t, uint8(i), id)
			}
			_, err := tt.next()
			assert.ErrorIs(t, err, common.ErrNoFreeID)

			// the lowest free id is handed out first
			tt.release(7)
			tt.release(3)
			for _, expected := range []uint8{3, 7} {
				id, err := tt.next()
				require.NoError(t, err)
				assert.Equal(t, expected, id)
			}
			_, err = tt.next()
			assert.ErrorIs(t, err, common.ErrNoFreeID)
		})
	}

	conn.IncrRefCount()
	conn.IncrRefCount()
	assert.Equal(t, 1, conn.DecrRefCount())
	assert.Equal(t, 1, conn.RefCount())
}
