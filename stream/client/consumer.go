package client

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/dStream/lib/amqp10"
	"github.com/ValentinKolb/dStream/stream/codec"
	"github.com/ValentinKolb/dStream/stream/common"
	"github.com/ValentinKolb/dStream/stream/connection"
	"github.com/ValentinKolb/dStream/stream/pool"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Delivery is a consumed message
type Delivery struct {
	Stream         string
	Offset         uint64
	ChunkTimestamp time.Time
	Message        amqp10.Message
}

// Handler is called for every consumed message, in offset order
type Handler func(consumer *Consumer, delivery *Delivery)

// ConsumerFilter subscribes to messages with the given filter values only.
// The broker filters per chunk, PostFilter drops the remaining messages of a
// chunk on the client.
type ConsumerFilter struct {
	Values          []string
	MatchUnfiltered bool
	PostFilter      func(msg amqp10.Message) bool
}

// ConsumerConfig configures a consumer
type ConsumerConfig struct {
	Stream string
	// ConsumerRef names the consumer for offset tracking and single active consumption
	ConsumerRef string
	// Offset is where the subscription starts, the zero value means next
	Offset       common.OffsetSpec
	SingleActive bool
	// SuperStream is set for the partition consumers of a super stream
	SuperStream  string
	Filter       *ConsumerFilter
	CreditPolicy CreditPolicy
	// ConsumerUpdate returns the offset to continue from when a single active
	// consumer is activated. By default the stored offset of ConsumerRef is
	// used, or Offset if none is stored.
	ConsumerUpdate func(consumer *Consumer, active bool) common.OffsetSpec
	// ConnectionClosed is called when the consumer ends because its stream or
	// connection went away
	ConnectionClosed func(reason error)
}

func (config ConsumerConfig) subscribeProperties() map[string]string {
	props := map[string]string{}
	if config.ConsumerRef != "" {
		props["name"] = config.ConsumerRef
	}
	if config.SingleActive {
		props["single-active-consumer"] = "true"
	}
	if config.SuperStream != "" {
		props["super-stream"] = config.SuperStream
	}
	if config.Filter != nil {
		for i, value := range config.Filter.Values {
			props[fmt.Sprintf("filter.%d", i)] = value
		}
		props["match-unfiltered"] = strconv.FormatBool(config.Filter.MatchUnfiltered)
	}
	return props
}

// Consumer is a subscription to one stream. Messages are handed to the
// handler on a goroutine of the consumer, never on the connection reader.
type Consumer struct {
	client         *Client
	conn           *connection.Connection
	subscriptionID uint8
	extendedID     string
	config         ConsumerConfig
	handler        Handler
	policy         CreditPolicy

	// chunks waiting for the handler, bounded by the credits granted
	chunks *queue[*codec.Chunk]
	done   chan struct{}

	// records below minOffset are skipped, chunks may start before the requested offset
	minOffset  atomic.Uint64
	lastOffset atomic.Int64

	closed    atomic.Bool
	closeOnce sync.Once
}

// DeclareConsumer subscribes to a stream on a random replica of it
func (c *Client) DeclareConsumer(ctx context.Context, config ConsumerConfig, handler Handler) (*Consumer, error) {
	if config.Stream == "" {
		return nil, errors.New("consumer needs a stream")
	}
	if handler == nil {
		return nil, errors.New("consumer needs a handler")
	}
	if config.SingleActive && config.ConsumerRef == "" {
		return nil, errors.New("single active consumer needs a consumer ref")
	}
	if config.Offset.Type == 0 {
		config.Offset = common.OffsetNext()
	}
	if config.CreditPolicy == nil {
		config.CreditPolicy = DefaultCreditPolicy
	}

	conn, err := c.connectionFor(ctx, pool.PurposeConsumer, config.Stream)
	if err != nil {
		return nil, err
	}
	if config.Filter != nil && !conn.IsFilteringEnabled() {
		c.release(ctx, conn)
		return nil, ErrFilteringNotSupported
	}

	id, err := conn.NextConsumerID()
	if err != nil {
		c.release(ctx, conn)
		return nil, err
	}
	consumer := &Consumer{
		client:         c,
		conn:           conn,
		subscriptionID: id,
		extendedID:     fmt.Sprintf("%d@%s", id, conn.ID()),
		config:         config,
		handler:        handler,
		policy:         config.CreditPolicy,
		chunks:         newQueue[*codec.Chunk](),
		done:           make(chan struct{}),
	}
	consumer.lastOffset.Store(-1)
	consumer.setStartOffset(config.Offset)

	route := routeKey{conn.ID(), id}
	c.consumerRoutes.Store(route, consumer)
	go consumer.run()

	err = conn.Subscribe(ctx, codec.SubscribeRequest{
		SubscriptionID: id,
		Stream:         config.Stream,
		Offset:         config.Offset,
		Credit:         consumer.policy.OnSubscription(),
		Properties:     config.subscribeProperties(),
	})
	if err != nil {
		consumer.closed.Store(true)
		consumer.shutdown(true)
		if relErr := c.release(ctx, conn); relErr != nil {
			Logger.Warningf("Failed to release connection %s: %v", conn.ID(), relErr)
		}
		return nil, err
	}

	conn.OnConsumerClosed(consumer.extendedID, config.Stream, func() {
		// runs on the reader of the connection, which release may need
		go consumer.abort(ErrStreamUnavailable)
	})
	c.consumers.Store(consumer.extendedID, consumer)
	Logger.Infof("Declared consumer %s on %s (ref '%s', offset %s)", consumer.extendedID, config.Stream, config.ConsumerRef, config.Offset)
	return consumer, nil
}

// CloseConsumer unsubscribes the consumer with the extended id
func (c *Client) CloseConsumer(ctx context.Context, extendedID string) error {
	consumer, ok := c.consumers.Load(extendedID)
	if !ok {
		return errors.Errorf("consumer %s not found", extendedID)
	}
	return consumer.Close(ctx, true)
}

// --------------------------------------------------------------------------
// Delivery
// --------------------------------------------------------------------------

func (c *Consumer) setStartOffset(offset common.OffsetSpec) {
	if offset.Type == common.OffsetTypeOffset {
		c.minOffset.Store(uint64(offset.Value))
	} else {
		c.minOffset.Store(0)
	}
}

func (c *Consumer) requestCredits(credits uint16) error {
	return c.conn.Credit(context.Background(), c.subscriptionID, credits)
}

// enqueue runs on the connection reader and must not block it
func (c *Consumer) enqueue(chunk *codec.Chunk) {
	if c.closed.Load() {
		return
	}
	c.policy.OnChunkReceived(c.requestCredits)
	c.chunks.push(chunk)
}

func (c *Consumer) run() {
	for {
		select {
		case <-c.done:
			return
		case <-c.chunks.ready():
		}
		for _, chunk := range c.chunks.drain() {
			if !c.handleChunk(chunk) {
				return
			}
			c.policy.OnChunkCompleted(c.requestCredits)
		}
	}
}

// handleChunk passes the records of a chunk to the handler, it returns false
// if the consumer was closed in between
func (c *Consumer) handleChunk(chunk *codec.Chunk) bool {
	timestamp := time.UnixMilli(chunk.Timestamp)
	for _, record := range chunk.Records {
		select {
		case <-c.done:
			return false
		default:
		}
		if record.Offset < c.minOffset.Load() {
			continue
		}

		msg, err := amqp10.Decode(record.Data)
		if err != nil {
			Logger.Warningf("Consumer %s: skipping undecodable message at offset %d: %v", c.extendedID, record.Offset, err)
			continue
		}
		c.lastOffset.Store(int64(record.Offset))
		if filter := c.config.Filter; filter != nil && filter.PostFilter != nil && !filter.PostFilter(msg) {
			continue
		}
		c.handler(c, &Delivery{
			Stream:         c.config.Stream,
			Offset:         record.Offset,
			ChunkTimestamp: timestamp,
			Message:        msg,
		})
	}
	return true
}

// consumerUpdate answers the broker when a single active consumer changes
// state, it runs on its own goroutine
func (c *Consumer) consumerUpdate(active bool) common.OffsetSpec {
	Logger.Infof("Consumer %s on %s is now %s", c.extendedID, c.config.Stream, map[bool]string{true: "active", false: "inactive"}[active])

	offset := c.config.Offset
	if c.config.ConsumerUpdate != nil {
		offset = c.config.ConsumerUpdate(c, active)
	} else if c.config.ConsumerRef != "" {
		ctx, cancel := c.client.requestContext()
		defer cancel()
		stored, err := c.conn.QueryOffset(ctx, c.config.ConsumerRef, c.config.Stream)
		if err == nil {
			offset = common.OffsetAt(stored + 1)
		} else {
			Logger.Debugf("No stored offset for %s on %s: %v", c.config.ConsumerRef, c.config.Stream, err)
		}
	}
	c.setStartOffset(offset)
	return offset
}

// --------------------------------------------------------------------------
// Offsets
// --------------------------------------------------------------------------

// StoreOffset stores an offset for the consumer ref, the broker does not confirm it
func (c *Consumer) StoreOffset(ctx context.Context, offset uint64) error {
	if c.config.ConsumerRef == "" {
		return errors.New("consumer has no reference")
	}
	return c.conn.StoreOffset(ctx, c.config.ConsumerRef, c.config.Stream, offset)
}

// QueryOffset returns the offset stored for the consumer ref
func (c *Consumer) QueryOffset(ctx context.Context) (uint64, error) {
	if c.config.ConsumerRef == "" {
		return 0, errors.New("consumer has no reference")
	}
	return c.conn.QueryOffset(ctx, c.config.ConsumerRef, c.config.Stream)
}

// LastConsumedOffset returns the offset of the last decoded message, -1 before the first one
func (c *Consumer) LastConsumedOffset() int64 { return c.lastOffset.Load() }

func (c *Consumer) ExtendedID() string { return c.extendedID }

func (c *Consumer) Stream() string { return c.config.Stream }

func (c *Consumer) ConsumerRef() string { return c.config.ConsumerRef }

func (c *Consumer) SubscriptionID() uint8 { return c.subscriptionID }

func (c *Consumer) IsClosed() bool { return c.closed.Load() }

// --------------------------------------------------------------------------
// Closing
// --------------------------------------------------------------------------

// Close ends the consumer. With manually set the subscription is cancelled
// on the broker, otherwise only the local state is released.
func (c *Consumer) Close(ctx context.Context, manually bool) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	var result *multierror.Error
	if manually {
		if err := c.conn.Unsubscribe(ctx, c.subscriptionID); err != nil {
			result = multierror.Append(result, err)
		}
	}
	// without unsubscribing the broker still knows the id
	c.shutdown(manually && result == nil)
	if err := c.client.release(ctx, c.conn); err != nil {
		result = multierror.Append(result, err)
	}
	Logger.Infof("Closed consumer %s (manually %t)", c.extendedID, manually)
	return result.ErrorOrNil()
}

// abort ends a consumer whose stream or connection went away
func (c *Consumer) abort(reason error) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	Logger.Warningf("Consumer %s on %s closed: %v", c.extendedID, c.config.Stream, reason)
	c.shutdown(true)
	if err := c.client.release(context.Background(), c.conn); err != nil {
		Logger.Warningf("Failed to release connection %s: %v", c.conn.ID(), err)
	}
	if c.config.ConnectionClosed != nil {
		c.config.ConnectionClosed(reason)
	}
}

// shutdown unregisters the consumer and stops its handler goroutine. The
// subscription id is reused only if freeID is set.
func (c *Consumer) shutdown(freeID bool) {
	c.closeOnce.Do(func() {
		c.client.consumers.Delete(c.extendedID)
		c.client.consumerRoutes.Delete(routeKey{c.conn.ID(), c.subscriptionID})
		c.conn.RemoveClosingListener(c.extendedID)
		if freeID {
			c.conn.ReleaseConsumerID(c.subscriptionID)
		}
		close(c.done)
	})
}
