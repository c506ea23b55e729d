package codec

import (
	"github.com/ValentinKolb/dStream/lib/compression"
	"github.com/ValentinKolb/dStream/stream/common"
)

// Decoded is implemented by every decoded inbound frame
type Decoded interface {
	FrameKey() uint16
}

// --------------------------------------------------------------------------
// Correlated responses
// --------------------------------------------------------------------------

// Response is a reply to a correlated request. Payload holds the command
// specific fields (one of the *Payload types below) or nil.
type Response struct {
	Key           uint16
	Version       uint16
	CorrelationID uint32
	Code          uint16
	Payload       any
}

func (r *Response) FrameKey() uint16 { return r.Key }

// Ok reports whether the broker accepted the request
func (r *Response) Ok() bool { return common.IsOKCode(r.Code) }

// Err returns a *common.ResponseError for a failed response, nil otherwise
func (r *Response) Err() error {
	if r.Ok() {
		return nil
	}
	return &common.ResponseError{Key: r.Key, Code: r.Code}
}

// PeerPropertiesPayload holds the server properties
type PeerPropertiesPayload struct {
	Properties map[string]string
}

// SaslHandshakePayload lists the offered mechanisms
type SaslHandshakePayload struct {
	Mechanisms []string
}

// SaslAuthenticatePayload carries an optional challenge
type SaslAuthenticatePayload struct {
	Challenge []byte
}

// OpenPayload carries the connection properties, among them the advertised host and port
type OpenPayload struct {
	Properties map[string]string
}

// CommandVersionsPayload lists the versions the server supports
type CommandVersionsPayload struct {
	Versions []common.CommandVersion
}

// Broker is a node of the cluster
type Broker struct {
	Reference uint16
	Host      string
	Port      uint32
}

// StreamMetadata describes leader and replicas of one stream
type StreamMetadata struct {
	Stream   string
	Code     uint16
	Leader   *Broker
	Replicas []Broker
}

// MetadataPayload is the answer to a metadata query
type MetadataPayload struct {
	Brokers []Broker
	Streams []StreamMetadata
}

// StreamsPayload is the answer to route and partitions queries
type StreamsPayload struct {
	Streams []string
}

// StreamStatsPayload holds stream statistics (e.g. first_chunk_id, committed_chunk_id)
type StreamStatsPayload struct {
	Stats map[string]int64
}

// OffsetPayload is the answer to query offset
type OffsetPayload struct {
	Offset uint64
}

// SequencePayload is the answer to query publisher sequence
type SequencePayload struct {
	Sequence uint64
}

// --------------------------------------------------------------------------
// Server initiated frames
// --------------------------------------------------------------------------

// Tune is the unsolicited frame-max and heartbeat proposal of the server
type Tune struct {
	FrameMax  uint32
	Heartbeat uint32
}

func (*Tune) FrameKey() uint16 { return common.KeyTune }

// Heartbeat is the bare keep-alive frame of the server
type Heartbeat struct{}

func (*Heartbeat) FrameKey() uint16 { return common.KeyHeartbeat }

// PublishConfirm confirms published messages
type PublishConfirm struct {
	PublisherID   uint8
	PublishingIDs []uint64
}

func (*PublishConfirm) FrameKey() uint16 { return common.KeyPublishConfirm }

// PublishingError is the failure of a single published message
type PublishingError struct {
	PublishingID uint64
	Code         uint16
}

// PublishError reports failed published messages
type PublishError struct {
	PublisherID uint8
	Errors      []PublishingError
}

func (*PublishError) FrameKey() uint16 { return common.KeyPublishError }

// MetadataUpdate reports a change of a stream, e.g. a leader move or deletion
type MetadataUpdate struct {
	Code   uint16
	Stream string
}

func (*MetadataUpdate) FrameKey() uint16 { return common.KeyMetadataUpdate }

// Deliver carries a chunk of a subscription. CommittedChunkID is only set in version 2.
type Deliver struct {
	Version          uint16
	SubscriptionID   uint8
	CommittedChunkID uint64
	Chunk            *Chunk
}

func (*Deliver) FrameKey() uint16 { return common.KeyDeliver }

// ConsumerUpdateQuery asks a single active consumer for its start offset
type ConsumerUpdateQuery struct {
	CorrelationID  uint32
	SubscriptionID uint8
	Active         bool
}

func (*ConsumerUpdateQuery) FrameKey() uint16 { return common.KeyConsumerUpdate }

// CreditError reports a credit command for an unknown subscription
type CreditError struct {
	Code           uint16
	SubscriptionID uint8
}

func (*CreditError) FrameKey() uint16 { return common.ResponseKey(common.KeyCredit) }

// --------------------------------------------------------------------------
// Frame dispatch
// --------------------------------------------------------------------------

// DecodeFrame decodes a frame body (without length prefix). The registry
// resolves the codecs of compressed sub-entries in delivered chunks.
func DecodeFrame(body []byte, registry *compression.Registry) (Decoded, error) {
	r := NewReader(0, body)
	key := r.ReadUint16()
	version := r.ReadUint16()
	if err := r.Err(); err != nil {
		return nil, err
	}
	r.key = key

	var decoded Decoded
	switch key {
	case common.KeyTune:
		decoded = &Tune{FrameMax: r.ReadUint32(), Heartbeat: r.ReadUint32()}
	case common.KeyHeartbeat:
		decoded = &Heartbeat{}
	case common.KeyClose:
		decoded = &CloseRequest{CorrelationID: r.ReadUint32(), Code: r.ReadUint16(), Reason: r.ReadString()}
	case common.KeyPublishConfirm:
		decoded = decodePublishConfirm(r)
	case common.KeyPublishError:
		decoded = decodePublishError(r)
	case common.KeyMetadataUpdate:
		decoded = &MetadataUpdate{Code: r.ReadUint16(), Stream: r.ReadString()}
	case common.KeyDeliver:
		decoded = decodeDeliver(r, version, registry)
	case common.KeyConsumerUpdate:
		decoded = &ConsumerUpdateQuery{CorrelationID: r.ReadUint32(), SubscriptionID: r.ReadUint8(), Active: r.ReadUint8() == 1}
	case common.ResponseKey(common.KeyCredit):
		decoded = &CreditError{Code: r.ReadUint16(), SubscriptionID: r.ReadUint8()}
	default:
		if !common.IsResponseKey(key) {
			return nil, common.NewDecodeError(key, "unknown command key")
		}
		resp, err := decodeResponse(r, key, version)
		if err != nil {
			return nil, err
		}
		decoded = resp
	}

	if err := r.Err(); err != nil {
		return nil, err
	}
	return decoded, nil
}

func decodeResponse(r *Reader, key, version uint16) (*Response, error) {
	resp := &Response{Key: key, Version: version, CorrelationID: r.ReadUint32()}

	// metadata carries no response code
	if key == common.ResponseKey(common.KeyMetadata) {
		resp.Code = common.ResponseCodeOK
		resp.Payload = decodeMetadata(r)
		return resp, r.Err()
	}
	resp.Code = r.ReadUint16()

	switch common.RequestKey(key) {
	case common.KeyPeerProperties:
		if r.Remaining() > 0 {
			resp.Payload = &PeerPropertiesPayload{Properties: r.ReadStringMap()}
		}
	case common.KeySaslHandshake:
		if r.Remaining() > 0 {
			resp.Payload = &SaslHandshakePayload{Mechanisms: r.ReadStringArray()}
		}
	case common.KeySaslAuthenticate:
		if r.Remaining() > 0 {
			resp.Payload = &SaslAuthenticatePayload{Challenge: r.ReadBytes()}
		}
	case common.KeyOpen:
		if r.Remaining() > 0 {
			resp.Payload = &OpenPayload{Properties: r.ReadStringMap()}
		}
	case common.KeyExchangeCommandVersions:
		if r.Remaining() > 0 {
			n := r.ReadCount(6)
			versions := make([]common.CommandVersion, 0, n)
			for i := 0; i < n && r.Err() == nil; i++ {
				versions = append(versions, common.CommandVersion{Key: r.ReadUint16(), MinVersion: r.ReadUint16(), MaxVersion: r.ReadUint16()})
			}
			resp.Payload = &CommandVersionsPayload{Versions: versions}
		}
	case common.KeyRoute, common.KeyPartitions:
		if r.Remaining() > 0 {
			resp.Payload = &StreamsPayload{Streams: r.ReadStringArray()}
		}
	case common.KeyStreamStats:
		if r.Remaining() > 0 {
			n := r.ReadCount(10)
			stats := make(map[string]int64, n)
			for i := 0; i < n && r.Err() == nil; i++ {
				k := r.ReadString()
				stats[k] = r.ReadInt64()
			}
			resp.Payload = &StreamStatsPayload{Stats: stats}
		}
	case common.KeyQueryOffset:
		if r.Remaining() > 0 {
			resp.Payload = &OffsetPayload{Offset: r.ReadUint64()}
		}
	case common.KeyQueryPublisherSequence:
		if r.Remaining() > 0 {
			resp.Payload = &SequencePayload{Sequence: r.ReadUint64()}
		}
	}
	return resp, r.Err()
}

func decodePublishConfirm(r *Reader) *PublishConfirm {
	confirm := &PublishConfirm{PublisherID: r.ReadUint8()}
	n := r.ReadCount(8)
	confirm.PublishingIDs = make([]uint64, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		confirm.PublishingIDs = append(confirm.PublishingIDs, r.ReadUint64())
	}
	return confirm
}

func decodePublishError(r *Reader) *PublishError {
	pubErr := &PublishError{PublisherID: r.ReadUint8()}
	n := r.ReadCount(10)
	pubErr.Errors = make([]PublishingError, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		pubErr.Errors = append(pubErr.Errors, PublishingError{PublishingID: r.ReadUint64(), Code: r.ReadUint16()})
	}
	return pubErr
}

func decodeMetadata(r *Reader) *MetadataPayload {
	meta := &MetadataPayload{}
	brokers := make(map[uint16]Broker)

	n := r.ReadCount(8)
	for i := 0; i < n && r.Err() == nil; i++ {
		b := Broker{Reference: r.ReadUint16(), Host: r.ReadString(), Port: r.ReadUint32()}
		brokers[b.Reference] = b
		meta.Brokers = append(meta.Brokers, b)
	}

	n = r.ReadCount(10)
	for i := 0; i < n && r.Err() == nil; i++ {
		sm := StreamMetadata{Stream: r.ReadString(), Code: r.ReadUint16()}
		leaderRef := r.ReadUint16()
		if leader, ok := brokers[leaderRef]; ok {
			sm.Leader = &leader
		}
		replicas := r.ReadCount(2)
		for j := 0; j < replicas && r.Err() == nil; j++ {
			if replica, ok := brokers[r.ReadUint16()]; ok {
				sm.Replicas = append(sm.Replicas, replica)
			}
		}
		meta.Streams = append(meta.Streams, sm)
	}
	return meta
}

func decodeDeliver(r *Reader, version uint16, registry *compression.Registry) *Deliver {
	d := &Deliver{Version: version, SubscriptionID: r.ReadUint8()}
	if version >= 2 {
		d.CommittedChunkID = r.ReadUint64()
	}
	if r.Err() != nil {
		return d
	}
	d.Chunk = decodeChunk(r, registry)
	return d
}
