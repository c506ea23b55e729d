package client

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/dStream/lib/compression"
	"github.com/ValentinKolb/dStream/stream/codec"
	"github.com/ValentinKolb/dStream/stream/common"
	"github.com/ValentinKolb/dStream/stream/connection"
	"github.com/ValentinKolb/dStream/stream/pool"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"math/rand/v2"
	"strconv"
	"sync/atomic"
)

var Logger = logger.GetLogger("stream/client")

// routeKey addresses a publisher or consumer id on one connection
type routeKey struct {
	connectionID string
	id           uint8
}

// Client is the entry point for publishing and consuming. It is safe for
// concurrent use.
type Client struct {
	id         string
	config     common.ClientConfig
	pool       *pool.Pool
	ownsPool   bool
	compressor *compression.Registry
	listeners  connection.Listeners
	locator    *connection.Connection

	// connections this client installed its listeners on
	attached *xsync.MapOf[string, *connection.Connection]

	publishers      *xsync.MapOf[string, *Publisher]
	consumers       *xsync.MapOf[string, *Consumer]
	publisherRoutes *xsync.MapOf[routeKey, *Publisher]
	consumerRoutes  *xsync.MapOf[routeKey, *Consumer]

	closed atomic.Bool
}

// Option configures a client
type Option func(*Client)

// WithPool shares a connection pool between clients. A shared pool is not
// drained when the client closes.
func WithPool(p *pool.Pool) Option {
	return func(c *Client) { c.pool = p }
}

// WithCompressionRegistry sets the codecs used for compressed sub-entries
func WithCompressionRegistry(registry *compression.Registry) Option {
	return func(c *Client) { c.compressor = registry }
}

// WithListeners registers listeners on the locator connection
func WithListeners(listeners connection.Listeners) Option {
	return func(c *Client) { c.listeners = listeners }
}

// Connect opens the locator connection
func Connect(ctx context.Context, config common.ClientConfig, opts ...Option) (*Client, error) {
	c := &Client{
		id:              uuid.NewString(),
		config:          config,
		attached:        xsync.NewMapOf[string, *connection.Connection](),
		publishers:      xsync.NewMapOf[string, *Publisher](),
		consumers:       xsync.NewMapOf[string, *Consumer](),
		publisherRoutes: xsync.NewMapOf[routeKey, *Publisher](),
		consumerRoutes:  xsync.NewMapOf[routeKey, *Consumer](),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.pool == nil {
		c.pool = pool.New(config.Pool.MaxSharedConnectionInstances)
		c.ownsPool = true
	}
	if c.compressor == nil {
		c.compressor = compression.NewRegistry()
	}

	locatorConf := config
	locatorConf.Leader = false
	locatorConf.StreamName = ""
	locator, err := connection.Dial(ctx, locatorConf,
		connection.WithCompressionRegistry(c.compressor),
		connection.WithListeners(c.listeners))
	if err != nil {
		return nil, errors.Wrap(err, "unable to open locator connection")
	}
	c.locator = locator
	Logger.Infof("Client %s connected to %s", c.id, locator.ServerEndpoint())
	return c, nil
}

// Close closes every publisher and consumer, the locator connection and, if
// the client created it, the connection pool
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	Logger.Infof("Closing client %s ...", c.id)

	var result *multierror.Error
	c.consumers.Range(func(_ string, consumer *Consumer) bool {
		if err := consumer.Close(ctx, true); err != nil {
			result = multierror.Append(result, err)
		}
		return true
	})
	c.publishers.Range(func(_ string, publisher *Publisher) bool {
		if err := publisher.Close(ctx); err != nil {
			result = multierror.Append(result, err)
		}
		return true
	})

	err := c.locator.Close(ctx, connection.ClosingParams{Code: common.ResponseCodeOK, Reason: "client closed", Manually: true})
	if err != nil {
		result = multierror.Append(result, errors.Wrap(err, "close locator"))
	}
	if c.ownsPool {
		if err := c.pool.Drain(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// --------------------------------------------------------------------------
// Management
// --------------------------------------------------------------------------

// CreateStream creates a stream, arguments are e.g. max-length-bytes or max-age
func (c *Client) CreateStream(ctx context.Context, stream string, arguments map[string]string) error {
	return c.locator.CreateStream(ctx, stream, arguments)
}

func (c *Client) DeleteStream(ctx context.Context, stream string) error {
	return c.locator.DeleteStream(ctx, stream)
}

// SuperStreamOptions describe the partitions of a new super stream. With
// binding keys one partition per key is created, otherwise Partitions
// partitions (default 3) bound to the keys "0", "1", ...
type SuperStreamOptions struct {
	Partitions  int
	BindingKeys []string
	Arguments   map[string]string
}

// superStreamTopology returns the partition names and binding keys of a super stream
func superStreamTopology(superStream string, opts SuperStreamOptions) (partitions, bindingKeys []string) {
	if len(opts.BindingKeys) > 0 {
		for _, key := range opts.BindingKeys {
			partitions = append(partitions, fmt.Sprintf("%s-%s", superStream, key))
		}
		return partitions, opts.BindingKeys
	}

	n := opts.Partitions
	if n <= 0 {
		n = 3
	}
	for i := 0; i < n; i++ {
		partitions = append(partitions, fmt.Sprintf("%s-%d", superStream, i))
		bindingKeys = append(bindingKeys, strconv.Itoa(i))
	}
	return partitions, bindingKeys
}

func (c *Client) CreateSuperStream(ctx context.Context, superStream string, opts SuperStreamOptions) error {
	partitions, bindingKeys := superStreamTopology(superStream, opts)
	return c.locator.CreateSuperStream(ctx, superStream, partitions, bindingKeys, opts.Arguments)
}

func (c *Client) DeleteSuperStream(ctx context.Context, superStream string) error {
	return c.locator.DeleteSuperStream(ctx, superStream)
}

// QueryMetadata returns leader and replicas of the streams
func (c *Client) QueryMetadata(ctx context.Context, streams ...string) ([]codec.StreamMetadata, error) {
	payload, err := c.locator.Metadata(ctx, streams...)
	if err != nil {
		return nil, err
	}
	return payload.Streams, nil
}

func (c *Client) QueryPartitions(ctx context.Context, superStream string) ([]string, error) {
	return c.locator.Partitions(ctx, superStream)
}

func (c *Client) RouteQuery(ctx context.Context, routingKey, superStream string) ([]string, error) {
	return c.locator.Route(ctx, routingKey, superStream)
}

func (c *Client) StreamStats(ctx context.Context, stream string) (map[string]int64, error) {
	return c.locator.StreamStats(ctx, stream)
}

// QueryOffset returns the offset stored for a consumer reference
func (c *Client) QueryOffset(ctx context.Context, reference, stream string) (uint64, error) {
	return c.locator.QueryOffset(ctx, reference, stream)
}

// QueryPublisherSequence returns the last publishing id stored for a publisher reference
func (c *Client) QueryPublisherSequence(ctx context.Context, reference, stream string) (uint64, error) {
	return c.locator.QueryPublisherSequence(ctx, reference, stream)
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

func (c *Client) ID() string { return c.id }

func (c *Client) Pool() *pool.Pool { return c.pool }

func (c *Client) MaxFrameSize() uint32 { return c.locator.MaxFrameSize() }

func (c *Client) ServerVersions() []common.CommandVersion { return c.locator.ServerVersions() }

func (c *Client) ManagementVersion() string { return c.locator.ManagementVersion() }

// ConnectionInfo describes the locator connection
func (c *Client) ConnectionInfo() connection.Info { return c.locator.Info() }

func (c *Client) PublisherCount() int { return c.publishers.Size() }

func (c *Client) ConsumerCount() int { return c.consumers.Size() }

// Consumers returns the open consumers of the client
func (c *Client) Consumers() []*Consumer {
	var out []*Consumer
	c.consumers.Range(func(_ string, consumer *Consumer) bool {
		out = append(out, consumer)
		return true
	})
	return out
}

// --------------------------------------------------------------------------
// Connections
// --------------------------------------------------------------------------

// chooseNode returns the leader for publishers, a random replica (or the
// leader if there is none) for consumers
func chooseNode(meta codec.StreamMetadata, leader bool) (codec.Broker, bool) {
	if !leader && len(meta.Replicas) > 0 {
		return meta.Replicas[rand.IntN(len(meta.Replicas))], true
	}
	if meta.Leader != nil {
		return *meta.Leader, true
	}
	return codec.Broker{}, false
}

// connectionFor returns a pooled connection to the node serving the stream.
// Its reference count is already incremented.
func (c *Client) connectionFor(ctx context.Context, purpose pool.Purpose, stream string) (*connection.Connection, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	payload, err := c.locator.Metadata(ctx, stream)
	if err != nil {
		return nil, err
	}
	var meta *codec.StreamMetadata
	for i := range payload.Streams {
		if payload.Streams[i].Stream == stream {
			meta = &payload.Streams[i]
		}
	}
	if meta == nil {
		return nil, errors.Wrapf(ErrNoAvailableNode, "no metadata for %s", stream)
	}
	if !common.IsOKCode(meta.Code) {
		return nil, errors.Wrapf(&common.ResponseError{Key: common.KeyMetadata, Code: meta.Code}, "metadata of %s", stream)
	}

	leader := purpose == pool.PurposePublisher
	node, ok := chooseNode(*meta, leader)
	if !ok {
		return nil, errors.Wrapf(ErrNoAvailableNode, "%s", stream)
	}

	conn, err := c.pool.GetOrCreate(ctx, purpose, stream, c.config.VHost, node.Host, func(ctx context.Context) (pool.IConnection, error) {
		return c.connectOnNode(ctx, node, leader, stream)
	})
	if err != nil {
		return nil, err
	}
	streamConn := conn.(*connection.Connection)
	c.attach(streamConn)
	return streamConn, nil
}

// connectOnNode opens a connection to the node. Behind a load balancer the
// resolver endpoint is dialed until the broker advertises the wanted node.
func (c *Client) connectOnNode(ctx context.Context, node codec.Broker, leader bool, stream string) (*connection.Connection, error) {
	conf := c.config
	conf.Hostname = node.Host
	conf.Port = int(node.Port)
	conf.Leader = leader
	conf.StreamName = stream
	opts := []connection.Option{connection.WithCompressionRegistry(c.compressor)}

	if !conf.AddressResolver.Enabled {
		return connection.Dial(ctx, conf, opts...)
	}

	attempts := conf.AddressResolver.MaxAttempts
	if attempts <= 0 {
		attempts = common.DefaultAddressResolverTries
	}
	for i := 1; i <= attempts; i++ {
		conn, err := connection.Dial(ctx, conf, opts...)
		if err != nil {
			return nil, err
		}
		advertised := conn.ServerEndpoint()
		if advertised.Host == node.Host && advertised.Port == int(node.Port) {
			return conn, nil
		}
		Logger.Debugf("Attempt %d/%d: resolver connected to %s, want %s:%d", i, attempts, advertised, node.Host, node.Port)
		conn.Close(ctx, connection.ClosingParams{Code: common.ResponseCodeOK, Reason: "wrong node", Manually: true})
	}
	return nil, errors.Errorf("could not reach node %s:%d through %s after %d attempts",
		node.Host, node.Port, conf.DialEndpoint(), attempts)
}

// attach installs the listeners of this client on a pooled connection once.
// Pools may be shared, so every listener only handles the publishers and
// consumers of this client.
func (c *Client) attach(conn *connection.Connection) {
	if _, loaded := c.attached.LoadOrStore(conn.ID(), conn); loaded {
		return
	}
	conn.On(connection.Listeners{
		PublishConfirm: func(confirm *codec.PublishConfirm) {
			if p, ok := c.publisherRoutes.Load(routeKey{conn.ID(), confirm.PublisherID}); ok {
				p.confirm(confirm.PublishingIDs)
			}
		},
		PublishError: func(pubErr *codec.PublishError) {
			if p, ok := c.publisherRoutes.Load(routeKey{conn.ID(), pubErr.PublisherID}); ok {
				p.fail(pubErr.Errors)
			}
		},
		DeliverV1: func(d *codec.Deliver) { c.deliver(conn, d) },
		DeliverV2: func(d *codec.Deliver) { c.deliver(conn, d) },
		ConsumerUpdateQuery: func(q *codec.ConsumerUpdateQuery) (common.OffsetSpec, bool) {
			consumer, ok := c.consumerRoutes.Load(routeKey{conn.ID(), q.SubscriptionID})
			if !ok {
				return common.OffsetSpec{}, false
			}
			return consumer.consumerUpdate(q.Active), true
		},
		ConnectionClosed: func(reason error) { c.connectionClosed(conn, reason) },
	})
}

func (c *Client) deliver(conn *connection.Connection, d *codec.Deliver) {
	consumer, ok := c.consumerRoutes.Load(routeKey{conn.ID(), d.SubscriptionID})
	if !ok {
		Logger.Debugf("Dropping chunk for unknown subscription %d on %s", d.SubscriptionID, conn.ID())
		return
	}
	consumer.enqueue(d.Chunk)
}

// connectionClosed ends every publisher and consumer of a connection that
// went away without being closed by the client
func (c *Client) connectionClosed(conn *connection.Connection, reason error) {
	Logger.Warningf("Connection %s closed: %v", conn.ID(), reason)
	c.pool.Remove(conn)
	c.attached.Delete(conn.ID())

	c.consumers.Range(func(_ string, consumer *Consumer) bool {
		if consumer.conn == conn {
			consumer.abort(reason)
		}
		return true
	})
	c.publishers.Range(func(_ string, publisher *Publisher) bool {
		if publisher.conn == conn {
			publisher.abort(reason)
		}
		return true
	})
}

// requestContext bounds a request the client issues on its own by the
// request timeout, without a timeout it ends with the connection
func (c *Client) requestContext() (context.Context, context.CancelFunc) {
	if c.config.RequestTimeout() <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), c.config.RequestTimeout())
}

// release drops one reference of a connection, it is closed when unused
func (c *Client) release(ctx context.Context, conn *connection.Connection) error {
	refs := conn.DecrRefCount()
	if !c.pool.RemoveIfUnused(conn) {
		Logger.Debugf("Connection %s still used by %d publishers/consumers", conn.ID(), refs)
		return nil
	}
	c.attached.Delete(conn.ID())
	select {
	case <-conn.Done():
		return nil
	default:
	}
	return conn.Close(ctx, connection.ClosingParams{Code: common.ResponseCodeOK, Reason: "no more publishers or consumers", Manually: true})
}
