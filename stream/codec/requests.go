package codec

import (
	"github.com/ValentinKolb/dStream/stream/common"
)

// --------------------------------------------------------------------------
// Shared command parts
// --------------------------------------------------------------------------

// correlatedV1 is embedded by correlated version 1 requests
type correlatedV1 struct{}

func (correlatedV1) Version() uint16  { return 1 }
func (correlatedV1) Correlated() bool { return true }

// uncorrelatedV1 is embedded by fire-and-forget version 1 commands
type uncorrelatedV1 struct{}

func (uncorrelatedV1) Version() uint16     { return 1 }
func (uncorrelatedV1) Correlated() bool    { return false }
func (uncorrelatedV1) ResponseKey() uint16 { return 0 }

// --------------------------------------------------------------------------
// Handshake
// --------------------------------------------------------------------------

// PeerPropertiesRequest announces the client properties
type PeerPropertiesRequest struct {
	correlatedV1
	Properties map[string]string
}

func (PeerPropertiesRequest) Key() uint16              { return common.KeyPeerProperties }
func (PeerPropertiesRequest) ResponseKey() uint16      { return common.ResponseKey(common.KeyPeerProperties) }
func (c PeerPropertiesRequest) WriteContent(w *Writer) { w.WriteStringMap(c.Properties) }

// SaslHandshakeRequest asks for the mechanisms offered by the server
type SaslHandshakeRequest struct {
	correlatedV1
}

func (SaslHandshakeRequest) Key() uint16          { return common.KeySaslHandshake }
func (SaslHandshakeRequest) ResponseKey() uint16  { return common.ResponseKey(common.KeySaslHandshake) }
func (SaslHandshakeRequest) WriteContent(*Writer) {}

// SaslAuthenticateRequest authenticates with the given mechanism
type SaslAuthenticateRequest struct {
	correlatedV1
	Mechanism string
	Username  string
	Password  string
}

func (SaslAuthenticateRequest) Key() uint16 { return common.KeySaslAuthenticate }
func (SaslAuthenticateRequest) ResponseKey() uint16 {
	return common.ResponseKey(common.KeySaslAuthenticate)
}

// NewSaslAuthenticateRequest validates the mechanism, only PLAIN and EXTERNAL are implemented
func NewSaslAuthenticateRequest(mechanism, username, password string) (SaslAuthenticateRequest, error) {
	switch mechanism {
	case common.MechanismPlain, common.MechanismExternal:
		return SaslAuthenticateRequest{Mechanism: mechanism, Username: username, Password: password}, nil
	default:
		return SaslAuthenticateRequest{}, common.NewProtocolError("auth mechanism '%s' not implemented", mechanism)
	}
}

// SaslPayload returns the opaque sasl data: "\x00user\x00pass" for PLAIN, empty for EXTERNAL
func (c SaslAuthenticateRequest) SaslPayload() []byte {
	if c.Mechanism != common.MechanismPlain {
		return []byte{}
	}
	payload := make([]byte, 0, 2+len(c.Username)+len(c.Password))
	payload = append(payload, 0)
	payload = append(payload, c.Username...)
	payload = append(payload, 0)
	payload = append(payload, c.Password...)
	return payload
}

func (c SaslAuthenticateRequest) WriteContent(w *Writer) {
	w.WriteString(c.Mechanism)
	w.WriteBytes(c.SaslPayload())
}

// TuneResponse is the client reply to the unsolicited tune frame
type TuneResponse struct {
	uncorrelatedV1
	FrameMax  uint32
	Heartbeat uint32
}

func (TuneResponse) Key() uint16 { return common.ResponseKey(common.KeyTune) }
func (c TuneResponse) WriteContent(w *Writer) {
	w.WriteUint32(c.FrameMax)
	w.WriteUint32(c.Heartbeat)
}

// OpenRequest opens the virtual host
type OpenRequest struct {
	correlatedV1
	VHost string
}

func (OpenRequest) Key() uint16              { return common.KeyOpen }
func (OpenRequest) ResponseKey() uint16      { return common.ResponseKey(common.KeyOpen) }
func (c OpenRequest) WriteContent(w *Writer) { w.WriteString(c.VHost) }

// CloseRequest closes the connection, it is sent by both peers
type CloseRequest struct {
	correlatedV1
	Code   uint16
	Reason string

	// CorrelationID is set when the close was received from the server
	CorrelationID uint32
}

func (CloseRequest) Key() uint16         { return common.KeyClose }
func (CloseRequest) ResponseKey() uint16 { return common.ResponseKey(common.KeyClose) }
func (CloseRequest) FrameKey() uint16    { return common.KeyClose }
func (c CloseRequest) WriteContent(w *Writer) {
	w.WriteUint16(c.Code)
	w.WriteString(c.Reason)
}

// CloseResponse answers a close request of the server
type CloseResponse struct {
	correlatedV1
	Code uint16
}

func (CloseResponse) Key() uint16              { return common.ResponseKey(common.KeyClose) }
func (CloseResponse) ResponseKey() uint16      { return 0 }
func (c CloseResponse) WriteContent(w *Writer) { w.WriteUint16(c.Code) }

// HeartbeatCommand is the bare keep-alive frame
type HeartbeatCommand struct {
	uncorrelatedV1
}

func (HeartbeatCommand) Key() uint16          { return common.KeyHeartbeat }
func (HeartbeatCommand) WriteContent(*Writer) {}

// ExchangeCommandVersionsRequest advertises the supported command versions
type ExchangeCommandVersionsRequest struct {
	correlatedV1
	Versions []common.CommandVersion
}

func (ExchangeCommandVersionsRequest) Key() uint16 { return common.KeyExchangeCommandVersions }
func (ExchangeCommandVersionsRequest) ResponseKey() uint16 {
	return common.ResponseKey(common.KeyExchangeCommandVersions)
}
func (c ExchangeCommandVersionsRequest) WriteContent(w *Writer) {
	w.WriteInt32(int32(len(c.Versions)))
	for _, v := range c.Versions {
		w.WriteUint16(v.Key)
		w.WriteUint16(v.MinVersion)
		w.WriteUint16(v.MaxVersion)
	}
}

// --------------------------------------------------------------------------
// Publishing
// --------------------------------------------------------------------------

// DeclarePublisherRequest binds a publisher id to a stream
type DeclarePublisherRequest struct {
	correlatedV1
	PublisherID uint8
	Reference   string
	Stream      string
}

func (DeclarePublisherRequest) Key() uint16 { return common.KeyDeclarePublisher }
func (DeclarePublisherRequest) ResponseKey() uint16 {
	return common.ResponseKey(common.KeyDeclarePublisher)
}
func (c DeclarePublisherRequest) WriteContent(w *Writer) {
	w.WriteUint8(c.PublisherID)
	w.WriteString(c.Reference)
	w.WriteString(c.Stream)
}

// PublishedMessage is one message of a publish frame
type PublishedMessage struct {
	PublishingID uint64
	FilterValue  string
	Data         []byte
}

// EncodedSize returns the bytes the message takes in a publish frame of the given version
func (m PublishedMessage) EncodedSize(version uint16) int {
	size := 8 + 4 + len(m.Data)
	if version >= 2 {
		size += 2 + len(m.FilterValue)
	}
	return size
}

// PublishOverhead is the size of a publish frame without messages (length
// prefix, key, version, publisher id, message count)
const PublishOverhead = 4 + 2 + 2 + 1 + 4

// PublishCommand publishes a batch of messages. Version 2 carries a filter value per message.
type PublishCommand struct {
	PublisherID uint8
	Messages    []PublishedMessage
	V2          bool
}

func (PublishCommand) Key() uint16         { return common.KeyPublish }
func (PublishCommand) Correlated() bool    { return false }
func (PublishCommand) ResponseKey() uint16 { return 0 }
func (c PublishCommand) Version() uint16 {
	if c.V2 {
		return 2
	}
	return 1
}
func (c PublishCommand) WriteContent(w *Writer) {
	w.WriteUint8(c.PublisherID)
	w.WriteInt32(int32(len(c.Messages)))
	for _, m := range c.Messages {
		w.WriteUint64(m.PublishingID)
		if c.V2 {
			w.WriteString(m.FilterValue)
		}
		w.WriteBytes(m.Data)
	}
}

// QueryPublisherSequenceRequest returns the last publishing id of a publisher reference
type QueryPublisherSequenceRequest struct {
	correlatedV1
	Reference string
	Stream    string
}

func (QueryPublisherSequenceRequest) Key() uint16 { return common.KeyQueryPublisherSequence }
func (QueryPublisherSequenceRequest) ResponseKey() uint16 {
	return common.ResponseKey(common.KeyQueryPublisherSequence)
}
func (c QueryPublisherSequenceRequest) WriteContent(w *Writer) {
	w.WriteString(c.Reference)
	w.WriteString(c.Stream)
}

// DeletePublisherRequest removes a publisher id
type DeletePublisherRequest struct {
	correlatedV1
	PublisherID uint8
}

func (DeletePublisherRequest) Key() uint16 { return common.KeyDeletePublisher }
func (DeletePublisherRequest) ResponseKey() uint16 {
	return common.ResponseKey(common.KeyDeletePublisher)
}
func (c DeletePublisherRequest) WriteContent(w *Writer) { w.WriteUint8(c.PublisherID) }

// --------------------------------------------------------------------------
// Consuming
// --------------------------------------------------------------------------

func writeOffsetSpec(w *Writer, offset common.OffsetSpec) {
	w.WriteUint16(uint16(offset.Type))
	if offset.HasValue() {
		w.WriteInt64(offset.Value)
	}
}

// SubscribeRequest subscribes to a stream
type SubscribeRequest struct {
	correlatedV1
	SubscriptionID uint8
	Stream         string
	Offset         common.OffsetSpec
	Credit         uint16
	Properties     map[string]string
}

func (SubscribeRequest) Key() uint16         { return common.KeySubscribe }
func (SubscribeRequest) ResponseKey() uint16 { return common.ResponseKey(common.KeySubscribe) }
func (c SubscribeRequest) WriteContent(w *Writer) {
	w.WriteUint8(c.SubscriptionID)
	w.WriteString(c.Stream)
	writeOffsetSpec(w, c.Offset)
	w.WriteUint16(c.Credit)
	w.WriteStringMap(c.Properties)
}

// CreditCommand grants credits to a subscription, only failures are answered
type CreditCommand struct {
	uncorrelatedV1
	SubscriptionID uint8
	Credit         uint16
}

func (CreditCommand) Key() uint16 { return common.KeyCredit }
func (c CreditCommand) WriteContent(w *Writer) {
	w.WriteUint8(c.SubscriptionID)
	w.WriteUint16(c.Credit)
}

// StoreOffsetCommand stores the offset of a consumer reference, it is not answered
type StoreOffsetCommand struct {
	uncorrelatedV1
	Reference string
	Stream    string
	Offset    uint64
}

func (StoreOffsetCommand) Key() uint16 { return common.KeyStoreOffset }
func (c StoreOffsetCommand) WriteContent(w *Writer) {
	w.WriteString(c.Reference)
	w.WriteString(c.Stream)
	w.WriteUint64(c.Offset)
}

// QueryOffsetRequest returns the stored offset of a consumer reference
type QueryOffsetRequest struct {
	correlatedV1
	Reference string
	Stream    string
}

func (QueryOffsetRequest) Key() uint16         { return common.KeyQueryOffset }
func (QueryOffsetRequest) ResponseKey() uint16 { return common.ResponseKey(common.KeyQueryOffset) }
func (c QueryOffsetRequest) WriteContent(w *Writer) {
	w.WriteString(c.Reference)
	w.WriteString(c.Stream)
}

// UnsubscribeRequest cancels a subscription
type UnsubscribeRequest struct {
	correlatedV1
	SubscriptionID uint8
}

func (UnsubscribeRequest) Key() uint16              { return common.KeyUnsubscribe }
func (UnsubscribeRequest) ResponseKey() uint16      { return common.ResponseKey(common.KeyUnsubscribe) }
func (c UnsubscribeRequest) WriteContent(w *Writer) { w.WriteUint8(c.SubscriptionID) }

// ConsumerUpdateResponse answers a consumer update query of the server with
// the offset the now active consumer starts from
type ConsumerUpdateResponse struct {
	correlatedV1
	Code   uint16
	Offset common.OffsetSpec
}

func (ConsumerUpdateResponse) Key() uint16         { return common.ResponseKey(common.KeyConsumerUpdate) }
func (ConsumerUpdateResponse) ResponseKey() uint16 { return 0 }
func (c ConsumerUpdateResponse) WriteContent(w *Writer) {
	w.WriteUint16(c.Code)
	writeOffsetSpec(w, c.Offset)
}

// --------------------------------------------------------------------------
// Management
// --------------------------------------------------------------------------

// CreateRequest creates a stream
type CreateRequest struct {
	correlatedV1
	Stream    string
	Arguments map[string]string
}

func (CreateRequest) Key() uint16         { return common.KeyCreate }
func (CreateRequest) ResponseKey() uint16 { return common.ResponseKey(common.KeyCreate) }
func (c CreateRequest) WriteContent(w *Writer) {
	w.WriteString(c.Stream)
	w.WriteStringMap(c.Arguments)
}

// DeleteRequest deletes a stream
type DeleteRequest struct {
	correlatedV1
	Stream string
}

func (DeleteRequest) Key() uint16              { return common.KeyDelete }
func (DeleteRequest) ResponseKey() uint16      { return common.ResponseKey(common.KeyDelete) }
func (c DeleteRequest) WriteContent(w *Writer) { w.WriteString(c.Stream) }

// MetadataRequest queries leader and replicas of streams
type MetadataRequest struct {
	correlatedV1
	Streams []string
}

func (MetadataRequest) Key() uint16              { return common.KeyMetadata }
func (MetadataRequest) ResponseKey() uint16      { return common.ResponseKey(common.KeyMetadata) }
func (c MetadataRequest) WriteContent(w *Writer) { w.WriteStringArray(c.Streams) }

// RouteRequest resolves the partitions of a super stream for a routing key
type RouteRequest struct {
	correlatedV1
	RoutingKey  string
	SuperStream string
}

func (RouteRequest) Key() uint16         { return common.KeyRoute }
func (RouteRequest) ResponseKey() uint16 { return common.ResponseKey(common.KeyRoute) }
func (c RouteRequest) WriteContent(w *Writer) {
	w.WriteString(c.RoutingKey)
	w.WriteString(c.SuperStream)
}

// PartitionsRequest lists the partitions of a super stream
type PartitionsRequest struct {
	correlatedV1
	SuperStream string
}

func (PartitionsRequest) Key() uint16              { return common.KeyPartitions }
func (PartitionsRequest) ResponseKey() uint16      { return common.ResponseKey(common.KeyPartitions) }
func (c PartitionsRequest) WriteContent(w *Writer) { w.WriteString(c.SuperStream) }

// StreamStatsRequest queries the statistics of a stream
type StreamStatsRequest struct {
	correlatedV1
	Stream string
}

func (StreamStatsRequest) Key() uint16              { return common.KeyStreamStats }
func (StreamStatsRequest) ResponseKey() uint16      { return common.ResponseKey(common.KeyStreamStats) }
func (c StreamStatsRequest) WriteContent(w *Writer) { w.WriteString(c.Stream) }

// CreateSuperStreamRequest creates a super stream with its partitions
type CreateSuperStreamRequest struct {
	correlatedV1
	SuperStream string
	Partitions  []string
	BindingKeys []string
	Arguments   map[string]string
}

func (CreateSuperStreamRequest) Key() uint16 { return common.KeyCreateSuperStream }
func (CreateSuperStreamRequest) ResponseKey() uint16 {
	return common.ResponseKey(common.KeyCreateSuperStream)
}
func (c CreateSuperStreamRequest) WriteContent(w *Writer) {
	w.WriteString(c.SuperStream)
	w.WriteStringArray(c.Partitions)
	w.WriteStringArray(c.BindingKeys)
	w.WriteStringMap(c.Arguments)
}

// DeleteSuperStreamRequest deletes a super stream with its partitions
type DeleteSuperStreamRequest struct {
	correlatedV1
	SuperStream string
}

func (DeleteSuperStreamRequest) Key() uint16 { return common.KeyDeleteSuperStream }
func (DeleteSuperStreamRequest) ResponseKey() uint16 {
	return common.ResponseKey(common.KeyDeleteSuperStream)
}
func (c DeleteSuperStreamRequest) WriteContent(w *Writer) { w.WriteString(c.SuperStream) }
