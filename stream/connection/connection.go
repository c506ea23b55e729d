package connection

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/dStream/lib/compression"
	"github.com/ValentinKolb/dStream/stream/codec"
	"github.com/ValentinKolb/dStream/stream/common"
	"github.com/ValentinKolb/dStream/stream/transport"
	"github.com/ValentinKolb/dStream/stream/transport/tcp"
	"github.com/ValentinKolb/dStream/stream/transport/tls"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/pkg/errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

var Logger = logger.GetLogger("stream/conn")

// initialCorrelationID is incremented before the first use, the first request uses 101
const initialCorrelationID = 100

// clientProperties are sent with every peer properties exchange
var clientProperties = map[string]string{
	"product":     "dStream",
	"version":     "0.1.0",
	"platform":    "Go",
	"copyright":   "Copyright (c) dStream authors",
	"information": "Licensed under the MIT license",
}

// --------------------------------------------------------------------------
// Handshake states
// --------------------------------------------------------------------------

// State is the stage of the connection handshake
type State int32

const (
	StateConnecting State = iota
	StatePeerPropertiesExchanged
	StateAuthenticated
	StateTuned
	StateOpened
	StateCommandVersionsExchanged
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StatePeerPropertiesExchanged:
		return "peer-properties-exchanged"
	case StateAuthenticated:
		return "authenticated"
	case StateTuned:
		return "tuned"
	case StateOpened:
		return "opened"
	case StateCommandVersionsExchanged:
		return "command-versions-exchanged"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Endpoint is a host and port, e.g. the address advertised by the broker
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Info is a snapshot of the connection for logging and tooling
type Info struct {
	ID             string
	Host           string
	Port           int
	LocalAddr      string
	Ready          bool
	State          State
	Leader         bool
	StreamName     string
	RefCount       int
	FrameMax       uint32
	Heartbeat      uint32
	ServerVersion  string
	FilterEnabled  bool
	PendingWaiters int
}

// ClosingParams are sent to the broker when the client closes the connection
type ClosingParams struct {
	Code   uint16
	Reason string
	// Manually marks the close as user initiated, the ConnectionClosed listener is not fired
	Manually bool
}

// --------------------------------------------------------------------------
// Connection
// --------------------------------------------------------------------------

// Connection owns one socket to a broker node. It runs the handshake, serializes
// writes in submission order and matches responses by correlation id.
type Connection struct {
	id         string
	config     common.ClientConfig
	connector  transport.IClientConnector
	compressor *compression.Registry

	conn    net.Conn
	writeMu sync.Mutex

	state          atomic.Int32
	correlationID  atomic.Uint32
	refs           atomic.Int32
	setupCompleted atomic.Bool
	manualClose    atomic.Bool
	frameMax       atomic.Uint32

	publisherIDs idSet
	consumerIDs  idSet

	// written during the handshake, read only afterwards
	heartbeatSeconds uint32
	peerProperties   map[string]string
	serverEndpoint   Endpoint
	serverVersions   []common.CommandVersion
	filteringEnabled bool

	correlator *correlator
	heartbeat  *heartbeatMonitor
	listeners  *listenerRegistry
	tuneCh     chan *codec.Tune

	closeOnce  sync.Once
	closed     chan struct{}
	closeErr   error
	readerDone chan struct{}
	background sync.WaitGroup
}

// Option configures a connection
type Option func(*Connection)

// WithConnector replaces the connector chosen from the configuration
func WithConnector(connector transport.IClientConnector) Option {
	return func(c *Connection) { c.connector = connector }
}

// WithCompressionRegistry sets the codecs used for compressed sub-entries
func WithCompressionRegistry(registry *compression.Registry) Option {
	return func(c *Connection) { c.compressor = registry }
}

// WithListeners registers listeners before the connection starts
func WithListeners(listeners Listeners) Option {
	return func(c *Connection) { c.listeners.add(listeners) }
}

// WithConnectionID sets the connection id instead of a generated one
func WithConnectionID(id string) Option {
	return func(c *Connection) { c.id = id }
}

// New creates an unstarted connection
func New(config common.ClientConfig, opts ...Option) (*Connection, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid client configuration")
	}

	c := &Connection{
		id:         uuid.NewString(),
		config:     config,
		correlator: newCorrelator(),
		listeners:  &listenerRegistry{},
		tuneCh:     make(chan *codec.Tune, 1),
		closed:     make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	c.correlationID.Store(initialCorrelationID)
	c.frameMax.Store(config.FrameMax)
	c.heartbeat = newHeartbeatMonitor(c.sendHeartbeat, c.onHeartbeatTimeout)
	c.state.Store(int32(StateConnecting))

	for _, opt := range opts {
		opt(c)
	}

	if c.compressor == nil {
		c.compressor = compression.NewRegistry()
	}
	if c.connector == nil {
		if config.TLS.Enabled {
			connector, err := tls.NewConnector(config)
			if err != nil {
				return nil, err
			}
			c.connector = connector
		} else {
			c.connector = tcp.NewConnector(config)
		}
	}
	return c, nil
}

// Dial creates and starts a connection
func Dial(ctx context.Context, config common.ClientConfig, opts ...Option) (*Connection, error) {
	c, err := New(config, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Start connects the socket and runs the handshake. Any failure is fatal, the
// connection is torn down and cannot be restarted.
func (c *Connection) Start(ctx context.Context) error {
	endpoint := c.config.DialEndpoint()
	conn, err := transport.Dial(ctx, c.connector, endpoint, c.config)
	if err != nil {
		handshakeFailures.Inc()
		c.teardown(err)
		return err
	}
	c.conn = conn
	connectionsOpened.Inc()
	Logger.Infof("Connected to %s (connection %s)", endpoint, c.id)

	go c.readLoop()

	if err := c.handshake(ctx); err != nil {
		handshakeFailures.Inc()
		Logger.Warningf("Handshake with %s failed in state %s: %v", endpoint, c.State(), err)
		c.teardown(err)
		return errors.Wrapf(err, "handshake with %s failed", endpoint)
	}
	return nil
}

// handshake runs the states from Connecting to Ready
func (c *Connection) handshake(ctx context.Context) error {
	// 1. peer properties and management version gate
	properties, err := c.exchangeProperties(ctx)
	if err != nil {
		return err
	}
	c.peerProperties = properties
	c.filteringEnabled = ManagementVersionSatisfies(properties["version"], RequiredManagementVersion)
	c.setState(StatePeerPropertiesExchanged)

	// 2. SASL
	if err := c.authenticate(ctx); err != nil {
		return err
	}
	c.setState(StateAuthenticated)

	// 3. tune
	heartbeat, err := c.tune(ctx)
	if err != nil {
		return err
	}
	c.heartbeatSeconds = heartbeat
	c.setState(StateTuned)

	// 4. open
	if err := c.open(ctx); err != nil {
		return err
	}
	c.setState(StateOpened)

	// the heartbeat starts once with the final interval
	if !c.heartbeat.isStarted() {
		c.heartbeat.start(time.Duration(heartbeat) * time.Second)
	}

	// 5. command versions
	if err := c.exchangeCommandVersions(ctx); err != nil {
		return err
	}
	c.setState(StateCommandVersionsExchanged)

	c.setupCompleted.Store(true)
	c.setState(StateReady)
	Logger.Infof("Connection %s to %s ready (frame-max %d, heartbeat %ds, filtering %t)",
		c.id, c.serverEndpoint, c.frameMax.Load(), heartbeat, c.filteringEnabled)
	return nil
}

func (c *Connection) exchangeProperties(ctx context.Context) (map[string]string, error) {
	Logger.Debugf("Exchange peer properties ...")
	properties := make(map[string]string, len(clientProperties)+1)
	for k, v := range clientProperties {
		properties[k] = v
	}
	properties["connection_name"] = c.config.ConnectionName
	if properties["connection_name"] == "" {
		properties["connection_name"] = common.DefaultConnectionName
	}

	resp, err := c.SendAndWait(ctx, codec.PeerPropertiesRequest{Properties: properties})
	if err != nil {
		return nil, errors.Wrap(err, "unable to exchange peer properties")
	}
	payload, _ := resp.Payload.(*codec.PeerPropertiesPayload)
	if payload == nil {
		return map[string]string{}, nil
	}
	Logger.Debugf("Server properties: %v", payload.Properties)
	return payload.Properties, nil
}

func (c *Connection) authenticate(ctx context.Context) error {
	request, err := codec.NewSaslAuthenticateRequest(c.config.Mechanism, c.config.Username, c.config.Password)
	if err != nil {
		return err
	}

	resp, err := c.SendAndWait(ctx, codec.SaslHandshakeRequest{})
	if err != nil {
		return errors.Wrap(err, "sasl handshake failed")
	}
	var mechanisms []string
	if payload, ok := resp.Payload.(*codec.SaslHandshakePayload); ok {
		mechanisms = payload.Mechanisms
	}
	Logger.Debugf("Mechanisms: %v", mechanisms)

	offered := false
	for _, m := range mechanisms {
		if m == c.config.Mechanism {
			offered = true
			break
		}
	}
	if !offered {
		return errors.Wrapf(common.ErrMechanismNotOffered, "unable to find %s mechanism in %v", c.config.Mechanism, mechanisms)
	}

	Logger.Debugf("Start SASL %s authentication ...", c.config.Mechanism)
	if _, err := c.SendAndWait(ctx, request); err != nil {
		return errors.Wrap(err, "authentication failed")
	}
	return nil
}

// tune waits for the unsolicited tune frame of the server, negotiates
// frame-max and heartbeat and answers with the effective values
func (c *Connection) tune(ctx context.Context) (uint32, error) {
	var timeoutCh <-chan time.Time
	if timeout := c.config.RequestTimeout(); timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var proposal *codec.Tune
	select {
	case proposal = <-c.tuneCh:
	case <-c.closed:
		return 0, errors.Wrap(c.closeReason(), "connection closed while waiting for tune")
	case <-timeoutCh:
		return 0, errors.Wrap(common.ErrRequestTimeout, "no tune received")
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	frameMax := NegotiateFrameMax(c.config.FrameMax, proposal.FrameMax)
	heartbeat := NegotiateHeartbeat(c.config.HeartbeatSecond, proposal.Heartbeat)
	Logger.Debugf("Tune: server proposed frame-max %d heartbeat %d, using %d / %d",
		proposal.FrameMax, proposal.Heartbeat, frameMax, heartbeat)

	c.frameMax.Store(frameMax)
	if err := c.Send(ctx, codec.TuneResponse{FrameMax: frameMax, Heartbeat: heartbeat}); err != nil {
		return 0, errors.Wrap(err, "failed to answer tune")
	}
	return heartbeat, nil
}

func (c *Connection) open(ctx context.Context) error {
	Logger.Debugf("Open virtual host %s ...", c.config.VHost)
	resp, err := c.SendAndWait(ctx, codec.OpenRequest{VHost: c.config.VHost})
	if err != nil {
		return errors.Wrapf(err, "unable to open virtual host %s", c.config.VHost)
	}

	c.serverEndpoint = Endpoint{Host: "", Port: common.DefaultPort}
	if payload, ok := resp.Payload.(*codec.OpenPayload); ok {
		c.serverEndpoint.Host = payload.Properties["advertised_host"]
		if port, err := strconv.Atoi(payload.Properties["advertised_port"]); err == nil {
			c.serverEndpoint.Port = port
		}
	}
	return nil
}

func (c *Connection) exchangeCommandVersions(ctx context.Context) error {
	resp, err := c.SendAndWait(ctx, codec.ExchangeCommandVersionsRequest{
		Versions: common.ClientSupportedVersions(c.filteringEnabled),
	})
	if err != nil {
		return errors.Wrap(err, "unable to exchange command versions")
	}
	if payload, ok := resp.Payload.(*codec.CommandVersionsPayload); ok {
		c.serverVersions = payload.Versions
	}
	if c.filteringEnabled && !common.SupportsVersion(c.serverVersions, common.KeyPublish, 2) {
		Logger.Warningf("Server %s does not declare publish v2, filtering disabled", c.serverEndpoint)
		c.filteringEnabled = false
	}
	return nil
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
	Logger.Debugf("Connection %s: %s", c.id, s)
}

// --------------------------------------------------------------------------
// Send primitives
// --------------------------------------------------------------------------

// nextCorrelationID increments the counter before use
func (c *Connection) nextCorrelationID() uint32 {
	return c.correlationID.Add(1)
}

// write serializes a frame. Writes are done in submission order under the write lock.
func (c *Connection) write(cmd codec.Command, correlationID uint32) error {
	frame := codec.Encode(cmd, correlationID)

	select {
	case <-c.closed:
		return errors.Wrap(common.ErrConnectionClosed, c.closeReasonText())
	default:
	}
	if c.conn == nil {
		return common.ErrNotReady
	}

	c.writeMu.Lock()
	if timeout := c.config.Timeout(); timeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	_, err := c.conn.Write(frame)
	c.writeMu.Unlock()

	if err != nil {
		return errors.Wrapf(err, "failed to write %s", common.KeyName(cmd.Key()))
	}
	c.heartbeat.reportSent()
	framesWritten.Inc()
	bytesWritten.Add(len(frame))
	if cmd.Key() != common.KeyHeartbeat {
		Logger.Debugf("Write cmd key: %s - correlationId: %d length: %d", common.KeyName(cmd.Key()), correlationID, len(frame))
	}
	return nil
}

// Send writes a command that is not answered (publish, credit, store offset, ...)
func (c *Connection) Send(ctx context.Context, cmd codec.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cmd.Correlated() {
		return c.write(cmd, c.nextCorrelationID())
	}
	return c.write(cmd, 0)
}

// SendAndWait writes a correlated command and waits for its response. A response
// with a failure code is returned together with a *common.ResponseError.
func (c *Connection) SendAndWait(ctx context.Context, cmd codec.Command) (*codec.Response, error) {
	if !cmd.Correlated() || cmd.ResponseKey() == 0 {
		return nil, common.NewProtocolError("%s is not a correlated request", common.KeyName(cmd.Key()))
	}

	correlationID := c.nextCorrelationID()
	if err := c.write(cmd, correlationID); err != nil {
		return nil, err
	}

	w := c.correlator.expect(correlationID, cmd.ResponseKey())
	resp, err := c.correlator.await(ctx, correlationID, w, c.config.RequestTimeout())
	if err != nil {
		return nil, errors.Wrapf(err, "%s (correlation id %d)", common.KeyName(cmd.Key()), correlationID)
	}
	if err := resp.Err(); err != nil {
		return resp, err
	}
	return resp, nil
}

func (c *Connection) sendHeartbeat() error {
	return c.write(codec.HeartbeatCommand{}, 0)
}

// --------------------------------------------------------------------------
// Reader
// --------------------------------------------------------------------------

// readLoop reads frames until the socket fails or is closed
func (c *Connection) readLoop() {
	defer close(c.readerDone)

	for {
		body, err := codec.ReadFrame(c.conn, c.frameMax.Load())
		if err != nil {
			select {
			case <-c.closed:
				// socket closed by teardown
			default:
				readFailures.Inc()
				Logger.Warningf("Connection %s read failed: %v", c.id, err)
			}
			c.teardown(errors.Wrap(err, "read failed"))
			return
		}
		c.heartbeat.reportReceived()
		framesRead.Inc()
		bytesRead.Add(len(body) + 4)

		decoded, err := codec.DecodeFrame(body, c.compressor)
		if err != nil {
			decodeErrors.Inc()
			Logger.Errorf("Connection %s: %v", c.id, err)
			continue
		}
		c.dispatch(decoded)
	}
}

// dispatch routes a decoded frame to the correlator or the listeners
func (c *Connection) dispatch(decoded codec.Decoded) {
	switch frame := decoded.(type) {
	case *codec.Response:
		c.correlator.deliver(frame)
	case *codec.Tune:
		select {
		case c.tuneCh <- frame:
		default:
			Logger.Warningf("Connection %s: ignoring unexpected tune", c.id)
		}
	case *codec.Heartbeat:
		// liveness is recorded for every frame
	case *codec.CloseRequest:
		c.handleServerClose(frame)
	case *codec.PublishConfirm:
		c.listeners.emitPublishConfirm(frame)
	case *codec.PublishError:
		c.listeners.emitPublishError(frame)
	case *codec.MetadataUpdate:
		metadataUpdates.Inc()
		Logger.Infof("Metadata update for stream %s: %s", frame.Stream, common.ErrorMessageOf(frame.Code))
		c.listeners.emitMetadataUpdate(frame)
	case *codec.Deliver:
		c.listeners.emitDeliver(frame)
	case *codec.ConsumerUpdateQuery:
		// listeners may query offsets on this connection, so they must not run on the reader
		c.background.Add(1)
		go func() {
			defer c.background.Done()
			c.answerConsumerUpdate(frame)
		}()
	case *codec.CreditError:
		Logger.Warningf("Credit for subscription %d failed: %s", frame.SubscriptionID, common.ErrorMessageOf(frame.Code))
	}
}

func (c *Connection) answerConsumerUpdate(query *codec.ConsumerUpdateQuery) {
	offset := c.listeners.answerConsumerUpdate(query)
	resp := codec.ConsumerUpdateResponse{Code: common.ResponseCodeOK, Offset: offset}
	if err := c.write(resp, query.CorrelationID); err != nil {
		Logger.Warningf("Failed to answer consumer update for subscription %d: %v", query.SubscriptionID, err)
	}
}

// handleServerClose answers a close of the broker and tears the connection down
func (c *Connection) handleServerClose(req *codec.CloseRequest) {
	Logger.Infof("Server closed connection %s: code 0x%02x reason '%s'", c.id, req.Code, req.Reason)
	c.heartbeat.stop()
	if err := c.write(codec.CloseResponse{Code: common.ResponseCodeOK}, req.CorrelationID); err != nil {
		Logger.Warningf("Failed to answer server close: %v", err)
	}
	c.teardown(errors.Errorf("closed by server: %s", req.Reason))
}

// --------------------------------------------------------------------------
// Closing
// --------------------------------------------------------------------------

func (c *Connection) onHeartbeatTimeout() {
	c.teardown(common.ErrHeartbeatTimeout)
}

// teardown stops the heartbeat, closes the socket, fails all pending requests
// and notifies the ConnectionClosed listeners. It runs once.
func (c *Connection) teardown(reason error) {
	c.closeOnce.Do(func() {
		c.setupCompleted.Store(false)
		c.setState(StateClosed)
		c.closeErr = reason

		c.heartbeat.stop()
		// the reader treats a read error after closed as a regular shutdown
		close(c.closed)
		if c.conn != nil {
			c.conn.Close()
			connectionsClosed.Inc()
		}

		pendingErr := common.ErrConnectionClosed
		if reason != nil {
			pendingErr = errors.Wrap(common.ErrConnectionClosed, reason.Error())
		}
		c.correlator.failAll(pendingErr)

		Logger.Infof("Connection %s closed (manual %t): %v", c.id, c.manualClose.Load(), reason)
		if !c.manualClose.Load() {
			c.listeners.emitConnectionClosed(reason)
		}
	})
}

func (c *Connection) closeReason() error {
	if c.closeErr != nil {
		return errors.Wrap(common.ErrConnectionClosed, c.closeErr.Error())
	}
	return common.ErrConnectionClosed
}

func (c *Connection) closeReasonText() string {
	if c.closeErr != nil {
		return c.closeErr.Error()
	}
	return "closed"
}

// Close stops the heartbeat, sends a close request and closes the socket.
// The broker answer is awaited but a failure does not prevent the local close.
func (c *Connection) Close(ctx context.Context, params ClosingParams) error {
	Logger.Infof("Closing connection %s ...", c.id)
	c.manualClose.Store(params.Manually)
	c.heartbeat.stop()

	var closeErr error
	if c.setupCompleted.Load() {
		resp, err := c.SendAndWait(ctx, codec.CloseRequest{Code: params.Code, Reason: params.Reason})
		if err != nil {
			closeErr = errors.Wrap(err, "close request failed")
		} else {
			Logger.Debugf("Close response ok: %t", resp.Ok())
		}
	}

	c.teardown(nil)
	c.background.Wait()
	return closeErr
}

// Done is closed once the connection is torn down
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Err returns the reason the connection was torn down, nil while it is open
// or after a clean close
func (c *Connection) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

// --------------------------------------------------------------------------
// Listener registration
// --------------------------------------------------------------------------

// On registers additional listeners, every non nil slot is added
func (c *Connection) On(listeners Listeners) { c.listeners.add(listeners) }

func (c *Connection) OnMetadataUpdate(fn func(*codec.MetadataUpdate)) {
	c.listeners.add(Listeners{MetadataUpdate: fn})
}

func (c *Connection) OnPublishConfirm(fn func(*codec.PublishConfirm)) {
	c.listeners.add(Listeners{PublishConfirm: fn})
}

func (c *Connection) OnPublishError(fn func(*codec.PublishError)) {
	c.listeners.add(Listeners{PublishError: fn})
}

func (c *Connection) OnDeliverV1(fn func(*codec.Deliver)) { c.listeners.add(Listeners{DeliverV1: fn}) }

func (c *Connection) OnDeliverV2(fn func(*codec.Deliver)) { c.listeners.add(Listeners{DeliverV2: fn}) }

func (c *Connection) OnConsumerUpdateQuery(fn func(*codec.ConsumerUpdateQuery) (common.OffsetSpec, bool)) {
	c.listeners.add(Listeners{ConsumerUpdateQuery: fn})
}

func (c *Connection) OnConnectionClosed(fn func(error)) {
	c.listeners.add(Listeners{ConnectionClosed: fn})
}

// OnPublisherClosed registers a callback fired once when a metadata update reports the stream
func (c *Connection) OnPublisherClosed(extendedID, stream string, callback func()) {
	c.listeners.addPublisherClosing(closingRegistration{extendedID: extendedID, stream: stream, callback: callback})
}

// OnConsumerClosed registers a callback fired once when a metadata update reports the stream
func (c *Connection) OnConsumerClosed(extendedID, stream string, callback func()) {
	c.listeners.addConsumerClosing(closingRegistration{extendedID: extendedID, stream: stream, callback: callback})
}

// RemoveClosingListener drops the closing registration of a publisher or consumer
func (c *Connection) RemoveClosingListener(extendedID string) {
	c.listeners.removeClosing(extendedID)
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

func (c *Connection) ID() string { return c.id }

func (c *Connection) State() State { return State(c.state.Load()) }

// Ready reports whether the handshake completed and the connection is open
func (c *Connection) Ready() bool { return c.setupCompleted.Load() }

func (c *Connection) Hostname() string { return c.config.Hostname }

func (c *Connection) VHost() string { return c.config.VHost }

func (c *Connection) IsLeader() bool { return c.config.Leader }

func (c *Connection) StreamName() string { return c.config.StreamName }

// ServerEndpoint returns the host and port advertised by the broker
func (c *Connection) ServerEndpoint() Endpoint { return c.serverEndpoint }

// MaxFrameSize returns the negotiated frame-max (0 = unlimited)
func (c *Connection) MaxFrameSize() uint32 { return c.frameMax.Load() }

// Heartbeat returns the negotiated heartbeat interval in seconds
func (c *Connection) Heartbeat() uint32 { return c.heartbeatSeconds }

func (c *Connection) PeerProperties() map[string]string { return c.peerProperties }

// ManagementVersion returns the broker version reported in the peer properties
func (c *Connection) ManagementVersion() string { return c.peerProperties["version"] }

func (c *Connection) IsFilteringEnabled() bool { return c.filteringEnabled }

// ServerVersions returns a copy of the command versions declared by the server
func (c *Connection) ServerVersions() []common.CommandVersion {
	return append([]common.CommandVersion(nil), c.serverVersions...)
}

// SupportsDeliverV2 reports whether chunks carry the committed chunk id
func (c *Connection) SupportsDeliverV2() bool {
	return common.SupportsVersion(c.serverVersions, common.KeyDeliver, 2)
}

func (c *Connection) IncrRefCount() { c.refs.Add(1) }

// DecrRefCount decrements and returns the reference count
func (c *Connection) DecrRefCount() int { return int(c.refs.Add(-1)) }

func (c *Connection) RefCount() int { return int(c.refs.Load()) }

// NextPublisherID takes the lowest free publisher id of the connection
func (c *Connection) NextPublisherID() (uint8, error) {
	id, ok := c.publisherIDs.acquire()
	if !ok {
		return 0, errors.Wrapf(common.ErrNoFreeID, "publisher ids of %s", c.id)
	}
	return id, nil
}

// ReleasePublisherID makes a publisher id available again
func (c *Connection) ReleasePublisherID(id uint8) { c.publisherIDs.release(id) }

// NextConsumerID takes the lowest free subscription id of the connection
func (c *Connection) NextConsumerID() (uint8, error) {
	id, ok := c.consumerIDs.acquire()
	if !ok {
		return 0, errors.Wrapf(common.ErrNoFreeID, "subscription ids of %s", c.id)
	}
	return id, nil
}

// ReleaseConsumerID makes a subscription id available again
func (c *Connection) ReleaseConsumerID(id uint8) { c.consumerIDs.release(id) }

// idSet tracks the ids in use out of the 256 a connection has per kind
type idSet struct {
	mu    sync.Mutex
	inUse [256]bool
}

func (s *idSet) acquire() (uint8, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.inUse {
		if !s.inUse[id] {
			s.inUse[id] = true
			return uint8(id), true
		}
	}
	return 0, false
}

func (s *idSet) release(id uint8) {
	s.mu.Lock()
	s.inUse[id] = false
	s.mu.Unlock()
}

// Info returns a snapshot of the connection
func (c *Connection) Info() Info {
	info := Info{
		ID:             c.id,
		Host:           c.serverEndpoint.Host,
		Port:           c.serverEndpoint.Port,
		Ready:          c.Ready(),
		State:          c.State(),
		Leader:         c.config.Leader,
		StreamName:     c.config.StreamName,
		RefCount:       c.RefCount(),
		FrameMax:       c.MaxFrameSize(),
		Heartbeat:      c.heartbeatSeconds,
		ServerVersion:  c.ManagementVersion(),
		FilterEnabled:  c.filteringEnabled,
		PendingWaiters: c.correlator.pending(),
	}
	if c.conn != nil {
		info.LocalAddr = c.conn.LocalAddr().String()
	}
	return info
}

func (c *Connection) String() string {
	return fmt.Sprintf("connection %s (%s, leader %t, refs %d)", c.id, c.config.Endpoint(), c.config.Leader, c.RefCount())
}
