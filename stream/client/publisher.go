package client

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/dStream/lib/amqp10"
	"github.com/ValentinKolb/dStream/stream/codec"
	"github.com/ValentinKolb/dStream/stream/connection"
	"github.com/ValentinKolb/dStream/stream/pool"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"sync"
	"sync/atomic"
)

const (
	defaultBatchSize     = 100
	defaultConfirmBuffer = 1024
)

// Message is an outgoing message, encoded as an AMQP 1.0 message
type Message struct {
	Body                  []byte
	Properties            *amqp10.Properties
	ApplicationProperties map[string]any
	MessageAnnotations    map[string]any
	// FilterValue is matched by consumer filters, it requires filtering support of the broker
	FilterValue string
	// PublishingID is used for deduplication, 0 assigns the next id of the publisher
	PublishingID uint64
}

func (m Message) encode() ([]byte, error) {
	return amqp10.Encode(amqp10.Message{
		Body:                  m.Body,
		Properties:            m.Properties,
		ApplicationProperties: m.ApplicationProperties,
		MessageAnnotations:    m.MessageAnnotations,
	})
}

// Confirmation is the outcome of a published message
type Confirmation struct {
	PublishingID uint64
	Confirmed    bool
	// Code is the broker error code of an unconfirmed message
	Code uint16
}

// PublisherConfig configures a publisher
type PublisherConfig struct {
	Stream string
	// PublisherRef enables deduplication, publishing ids continue from the last stored one
	PublisherRef string
	// BatchSize is the maximum number of messages per publish frame
	BatchSize int
	// ConfirmBuffer is the capacity of the confirmation channel
	ConfirmBuffer int
	// ConnectionClosed is called when the publisher ends because its stream
	// or connection went away
	ConnectionClosed func(reason error)
}

// Publisher publishes messages to one stream
type Publisher struct {
	client     *Client
	conn       *connection.Connection
	id         uint8
	extendedID string
	config     PublisherConfig

	// serializes id assignment and frame writes
	sendMu sync.Mutex
	nextID atomic.Uint64

	// outcomes reported by the reader, forwardConfirms moves them to confirms
	outcomes  *queue[Confirmation]
	confirms  chan Confirmation
	forwarded chan struct{}
	done      chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
}

// DeclarePublisher creates a publisher on a connection to the leader of the stream
func (c *Client) DeclarePublisher(ctx context.Context, config PublisherConfig) (*Publisher, error) {
	if config.Stream == "" {
		return nil, errors.New("publisher needs a stream")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}
	if config.ConfirmBuffer <= 0 {
		config.ConfirmBuffer = defaultConfirmBuffer
	}

	conn, err := c.connectionFor(ctx, pool.PurposePublisher, config.Stream)
	if err != nil {
		return nil, err
	}

	id, err := conn.NextPublisherID()
	if err != nil {
		c.release(ctx, conn)
		return nil, err
	}
	p := &Publisher{
		client:     c,
		conn:       conn,
		id:         id,
		extendedID: fmt.Sprintf("%d@%s", id, conn.ID()),
		config:     config,
		outcomes:   newQueue[Confirmation](),
		confirms:   make(chan Confirmation, config.ConfirmBuffer),
		forwarded:  make(chan struct{}),
		done:       make(chan struct{}),
	}
	p.nextID.Store(1)

	route := routeKey{conn.ID(), id}
	c.publisherRoutes.Store(route, p)
	fail := func(err error) (*Publisher, error) {
		c.publisherRoutes.Delete(route)
		conn.ReleasePublisherID(id)
		if relErr := c.release(ctx, conn); relErr != nil {
			Logger.Warningf("Failed to release connection %s: %v", conn.ID(), relErr)
		}
		return nil, err
	}

	if err := conn.DeclarePublisher(ctx, id, config.PublisherRef, config.Stream); err != nil {
		return fail(err)
	}
	if config.PublisherRef != "" {
		last, err := conn.QueryPublisherSequence(ctx, config.PublisherRef, config.Stream)
		if err != nil {
			conn.DeletePublisher(ctx, id)
			return fail(err)
		}
		p.nextID.Store(last + 1)
	}

	go p.forwardConfirms()
	conn.OnPublisherClosed(p.extendedID, config.Stream, func() {
		// runs on the reader of the connection, which release may need
		go p.abort(ErrStreamUnavailable)
	})
	c.publishers.Store(p.extendedID, p)
	Logger.Infof("Declared publisher %s on %s (ref '%s')", p.extendedID, config.Stream, config.PublisherRef)
	return p, nil
}

// DeletePublisher closes the publisher with the extended id
func (c *Client) DeletePublisher(ctx context.Context, extendedID string) error {
	p, ok := c.publishers.Load(extendedID)
	if !ok {
		return errors.Errorf("publisher %s not found", extendedID)
	}
	return p.Close(ctx)
}

// Send publishes messages. Messages are split into frames that fit the
// negotiated frame-max. Send returns once the frames are written, the broker
// reports the outcome on the Confirms channel.
func (p *Publisher) Send(ctx context.Context, messages ...Message) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}

	encoded := make([]codec.PublishedMessage, len(messages))
	for i, m := range messages {
		data, err := m.encode()
		if err != nil {
			return errors.Wrapf(err, "encode message %d", i)
		}
		encoded[i] = codec.PublishedMessage{PublishingID: m.PublishingID, FilterValue: m.FilterValue, Data: data}
	}

	// sizes are computed for v2 whenever it may be used, v2 frames are never smaller
	version := uint16(1)
	if p.conn.IsFilteringEnabled() {
		version = 2
	}

	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	for i := range encoded {
		if encoded[i].PublishingID == 0 {
			encoded[i].PublishingID = p.nextID.Add(1) - 1
		} else if encoded[i].PublishingID >= p.nextID.Load() {
			p.nextID.Store(encoded[i].PublishingID + 1)
		}
	}

	batches, err := splitBatches(encoded, p.conn.MaxFrameSize(), version, p.config.BatchSize)
	if err != nil {
		return err
	}
	for _, batch := range batches {
		if err := p.conn.Publish(ctx, p.id, batch); err != nil {
			return err
		}
	}
	return nil
}

// splitBatches groups messages so that no publish frame exceeds frameMax
// (0 = unlimited) and no frame carries more than batchSize messages
func splitBatches(messages []codec.PublishedMessage, frameMax uint32, version uint16, batchSize int) ([][]codec.PublishedMessage, error) {
	var batches [][]codec.PublishedMessage
	var current []codec.PublishedMessage
	size := codec.PublishOverhead

	for _, m := range messages {
		messageSize := m.EncodedSize(version)
		if frameMax > 0 && codec.PublishOverhead+messageSize > int(frameMax) {
			return nil, errors.Errorf("message %d of %d bytes does not fit frame-max %d", m.PublishingID, messageSize, frameMax)
		}
		full := len(current) >= batchSize || (frameMax > 0 && size+messageSize > int(frameMax))
		if len(current) > 0 && full {
			batches = append(batches, current)
			current = nil
			size = codec.PublishOverhead
		}
		current = append(current, m)
		size += messageSize
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches, nil
}

// Confirms returns the channel of confirmations and publish errors. Outcomes
// that do not fit are queued in memory until the channel is read. It is closed
// with the publisher, queued outcomes are dropped then.
func (p *Publisher) Confirms() <-chan Confirmation { return p.confirms }

// confirm runs on the connection reader
func (p *Publisher) confirm(ids []uint64) {
	outcomes := make([]Confirmation, len(ids))
	for i, id := range ids {
		outcomes[i] = Confirmation{PublishingID: id, Confirmed: true}
	}
	p.outcomes.push(outcomes...)
}

// fail runs on the connection reader
func (p *Publisher) fail(errs []codec.PublishingError) {
	outcomes := make([]Confirmation, len(errs))
	for i, e := range errs {
		outcomes[i] = Confirmation{PublishingID: e.PublishingID, Code: e.Code}
	}
	p.outcomes.push(outcomes...)
}

// forwardConfirms hands queued outcomes to the confirmation channel in order
func (p *Publisher) forwardConfirms() {
	defer close(p.forwarded)
	for {
		select {
		case <-p.done:
			return
		case <-p.outcomes.ready():
		}
		for _, outcome := range p.outcomes.drain() {
			select {
			case p.confirms <- outcome:
			case <-p.done:
				return
			}
		}
	}
}

// GetLastPublishingID returns the last publishing id stored by the broker for the publisher reference
func (p *Publisher) GetLastPublishingID(ctx context.Context) (uint64, error) {
	if p.config.PublisherRef == "" {
		return 0, errors.New("publisher has no reference")
	}
	return p.conn.QueryPublisherSequence(ctx, p.config.PublisherRef, p.config.Stream)
}

// NextPublishingID returns the id the next message without explicit id gets
func (p *Publisher) NextPublishingID() uint64 { return p.nextID.Load() }

func (p *Publisher) ExtendedID() string { return p.extendedID }

func (p *Publisher) Stream() string { return p.config.Stream }

func (p *Publisher) PublisherRef() string { return p.config.PublisherRef }

// MaxFrameSize returns the frame-max of the publisher connection
func (p *Publisher) MaxFrameSize() uint32 { return p.conn.MaxFrameSize() }

func (p *Publisher) IsClosed() bool { return p.closed.Load() }

// Close deletes the publisher on the broker and releases its connection
func (p *Publisher) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	var result *multierror.Error
	if err := p.conn.DeletePublisher(ctx, p.id); err != nil {
		result = multierror.Append(result, err)
	}
	// an id the broker may still know is not reused
	p.shutdown(result == nil)
	if err := p.client.release(ctx, p.conn); err != nil {
		result = multierror.Append(result, err)
	}
	Logger.Infof("Closed publisher %s", p.extendedID)
	return result.ErrorOrNil()
}

// abort ends a publisher whose stream or connection went away
func (p *Publisher) abort(reason error) {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	Logger.Warningf("Publisher %s on %s closed: %v", p.extendedID, p.config.Stream, reason)
	p.shutdown(true)
	if err := p.client.release(context.Background(), p.conn); err != nil {
		Logger.Warningf("Failed to release connection %s: %v", p.conn.ID(), err)
	}
	if p.config.ConnectionClosed != nil {
		p.config.ConnectionClosed(reason)
	}
}

// shutdown unregisters the publisher and closes the confirmation channel. The
// publisher id is reused only if freeID is set.
func (p *Publisher) shutdown(freeID bool) {
	p.closeOnce.Do(func() {
		p.client.publishers.Delete(p.extendedID)
		p.client.publisherRoutes.Delete(routeKey{p.conn.ID(), p.id})
		p.conn.RemoveClosingListener(p.extendedID)
		if freeID {
			p.conn.ReleasePublisherID(p.id)
		}

		close(p.done)
		<-p.forwarded
		close(p.confirms)
	})
}
