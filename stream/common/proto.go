package common

import (
	"fmt"
	"time"
)

// --------------------------------------------------------------------------
// Command Keys
// --------------------------------------------------------------------------

// Request keys. The matching response key has the high bit set (see ResponseKey).
const (
	KeyDeclarePublisher        uint16 = 0x0001
	KeyPublish                 uint16 = 0x0002
	KeyPublishConfirm          uint16 = 0x0003
	KeyPublishError            uint16 = 0x0004
	KeyQueryPublisherSequence  uint16 = 0x0005
	KeyDeletePublisher         uint16 = 0x0006
	KeySubscribe               uint16 = 0x0007
	KeyDeliver                 uint16 = 0x0008
	KeyCredit                  uint16 = 0x0009
	KeyStoreOffset             uint16 = 0x000a
	KeyQueryOffset             uint16 = 0x000b
	KeyUnsubscribe             uint16 = 0x000c
	KeyCreate                  uint16 = 0x000d
	KeyDelete                  uint16 = 0x000e
	KeyMetadata                uint16 = 0x000f
	KeyMetadataUpdate          uint16 = 0x0010
	KeyPeerProperties          uint16 = 0x0011
	KeySaslHandshake           uint16 = 0x0012
	KeySaslAuthenticate        uint16 = 0x0013
	KeyTune                    uint16 = 0x0014
	KeyOpen                    uint16 = 0x0015
	KeyClose                   uint16 = 0x0016
	KeyHeartbeat               uint16 = 0x0017
	KeyRoute                   uint16 = 0x0018
	KeyPartitions              uint16 = 0x0019
	KeyConsumerUpdate          uint16 = 0x001a
	KeyExchangeCommandVersions uint16 = 0x001b
	KeyStreamStats             uint16 = 0x001c
	KeyCreateSuperStream       uint16 = 0x001d
	KeyDeleteSuperStream       uint16 = 0x001e
)

// responseBit marks a frame as the response to a request key
const responseBit uint16 = 0x8000

// ResponseKey returns the response key for a request key
func ResponseKey(key uint16) uint16 { return key | responseBit }

// IsResponseKey reports whether a key carries the response bit
func IsResponseKey(key uint16) bool { return key&responseBit != 0 }

// RequestKey strips the response bit
func RequestKey(key uint16) uint16 { return key &^ responseBit }

// KeyName returns a readable name for a (request or response) key, used for logging
func KeyName(key uint16) string {
	name, ok := keyNames[RequestKey(key)]
	if !ok {
		name = "unknown"
	}
	if IsResponseKey(key) {
		return fmt.Sprintf("%s-response(0x%04x)", name, key)
	}
	return fmt.Sprintf("%s(0x%04x)", name, key)
}

var keyNames = map[uint16]string{
	KeyDeclarePublisher:        "declare-publisher",
	KeyPublish:                 "publish",
	KeyPublishConfirm:          "publish-confirm",
	KeyPublishError:            "publish-error",
	KeyQueryPublisherSequence:  "query-publisher-sequence",
	KeyDeletePublisher:         "delete-publisher",
	KeySubscribe:               "subscribe",
	KeyDeliver:                 "deliver",
	KeyCredit:                  "credit",
	KeyStoreOffset:             "store-offset",
	KeyQueryOffset:             "query-offset",
	KeyUnsubscribe:             "unsubscribe",
	KeyCreate:                  "create",
	KeyDelete:                  "delete",
	KeyMetadata:                "metadata",
	KeyMetadataUpdate:          "metadata-update",
	KeyPeerProperties:          "peer-properties",
	KeySaslHandshake:           "sasl-handshake",
	KeySaslAuthenticate:        "sasl-authenticate",
	KeyTune:                    "tune",
	KeyOpen:                    "open",
	KeyClose:                   "close",
	KeyHeartbeat:               "heartbeat",
	KeyRoute:                   "route",
	KeyPartitions:              "partitions",
	KeyConsumerUpdate:          "consumer-update",
	KeyExchangeCommandVersions: "exchange-command-versions",
	KeyStreamStats:             "stream-stats",
	KeyCreateSuperStream:       "create-super-stream",
	KeyDeleteSuperStream:       "delete-super-stream",
}

// --------------------------------------------------------------------------
// Command Versions
// --------------------------------------------------------------------------

// CommandVersion describes the range of versions a peer supports for one key
type CommandVersion struct {
	Key        uint16
	MinVersion uint16
	MaxVersion uint16
}

// ClientSupportedVersions returns the command versions advertised during the
// command-version exchange. Publish v2 (filtering) and deliver v2 (committed
// chunk id) are only advertised when the broker is recent enough.
func ClientSupportedVersions(filteringEnabled bool) []CommandVersion {
	publishMax := uint16(1)
	if filteringEnabled {
		publishMax = 2
	}
	return []CommandVersion{
		{Key: KeyDeclarePublisher, MinVersion: 1, MaxVersion: 1},
		{Key: KeyPublish, MinVersion: 1, MaxVersion: publishMax},
		{Key: KeyQueryPublisherSequence, MinVersion: 1, MaxVersion: 1},
		{Key: KeyDeletePublisher, MinVersion: 1, MaxVersion: 1},
		{Key: KeySubscribe, MinVersion: 1, MaxVersion: 1},
		{Key: KeyDeliver, MinVersion: 1, MaxVersion: 2},
		{Key: KeyCredit, MinVersion: 1, MaxVersion: 1},
		{Key: KeyStoreOffset, MinVersion: 1, MaxVersion: 1},
		{Key: KeyQueryOffset, MinVersion: 1, MaxVersion: 1},
		{Key: KeyUnsubscribe, MinVersion: 1, MaxVersion: 1},
		{Key: KeyCreate, MinVersion: 1, MaxVersion: 1},
		{Key: KeyDelete, MinVersion: 1, MaxVersion: 1},
		{Key: KeyMetadata, MinVersion: 1, MaxVersion: 1},
		{Key: KeyPeerProperties, MinVersion: 1, MaxVersion: 1},
		{Key: KeySaslHandshake, MinVersion: 1, MaxVersion: 1},
		{Key: KeySaslAuthenticate, MinVersion: 1, MaxVersion: 1},
		{Key: KeyTune, MinVersion: 1, MaxVersion: 1},
		{Key: KeyOpen, MinVersion: 1, MaxVersion: 1},
		{Key: KeyClose, MinVersion: 1, MaxVersion: 1},
		{Key: KeyHeartbeat, MinVersion: 1, MaxVersion: 1},
		{Key: KeyRoute, MinVersion: 1, MaxVersion: 1},
		{Key: KeyPartitions, MinVersion: 1, MaxVersion: 1},
		{Key: KeyConsumerUpdate, MinVersion: 1, MaxVersion: 1},
		{Key: KeyExchangeCommandVersions, MinVersion: 1, MaxVersion: 1},
		{Key: KeyStreamStats, MinVersion: 1, MaxVersion: 1},
		{Key: KeyCreateSuperStream, MinVersion: 1, MaxVersion: 1},
		{Key: KeyDeleteSuperStream, MinVersion: 1, MaxVersion: 1},
	}
}

// SupportsVersion reports whether the server declared support for a key at the given version
func SupportsVersion(serverVersions []CommandVersion, key, version uint16) bool {
	for _, v := range serverVersions {
		if v.Key == key {
			return v.MinVersion <= version && version <= v.MaxVersion
		}
	}
	return false
}

// --------------------------------------------------------------------------
// Response Codes
// --------------------------------------------------------------------------

const (
	ResponseCodeOK                          uint16 = 0x01
	ResponseCodeStreamDoesNotExist          uint16 = 0x02
	ResponseCodeSubscriptionIDAlreadyExists uint16 = 0x03
	ResponseCodeSubscriptionIDDoesNotExist  uint16 = 0x04
	ResponseCodeStreamAlreadyExists         uint16 = 0x05
	ResponseCodeStreamNotAvailable          uint16 = 0x06
	ResponseCodeSaslMechanismNotSupported   uint16 = 0x07
	ResponseCodeAuthenticationFailure       uint16 = 0x08
	ResponseCodeSaslError                   uint16 = 0x09
	ResponseCodeSaslChallenge               uint16 = 0x0a
	ResponseCodeAuthenticationFailureLoop   uint16 = 0x0b
	ResponseCodeVirtualHostAccessFailure    uint16 = 0x0c
	ResponseCodeUnknownFrame                uint16 = 0x0d
	ResponseCodeFrameTooLarge               uint16 = 0x0e
	ResponseCodeInternalError               uint16 = 0x0f
	ResponseCodeAccessRefused               uint16 = 0x10
	ResponseCodePreconditionFailed          uint16 = 0x11
	ResponseCodePublisherDoesNotExist       uint16 = 0x12
	ResponseCodeNoOffset                    uint16 = 0x13
)

// ErrorMessageOf maps a response code to a human-readable message
func ErrorMessageOf(code uint16) string {
	switch code {
	case ResponseCodeStreamDoesNotExist:
		return "Stream does not exist"
	case ResponseCodeSubscriptionIDDoesNotExist:
		return "Subscription ID does not exist"
	case ResponseCodeStreamNotAvailable:
		return "Stream not available"
	case ResponseCodePublisherDoesNotExist:
		return "Publisher does not exist"
	default:
		return "Unknown error"
	}
}

// --------------------------------------------------------------------------
// Offset Specification
// --------------------------------------------------------------------------

// OffsetType selects where a subscription starts
type OffsetType uint16

const (
	OffsetTypeFirst     OffsetType = 1
	OffsetTypeLast      OffsetType = 2
	OffsetTypeNext      OffsetType = 3
	OffsetTypeOffset    OffsetType = 4
	OffsetTypeTimestamp OffsetType = 5
)

// OffsetSpec is the offset specification of a subscription
type OffsetSpec struct {
	Type  OffsetType
	Value int64 // offset or timestamp in milliseconds, unused for first/last/next
}

func OffsetFirst() OffsetSpec { return OffsetSpec{Type: OffsetTypeFirst} }

func OffsetLast() OffsetSpec { return OffsetSpec{Type: OffsetTypeLast} }

func OffsetNext() OffsetSpec { return OffsetSpec{Type: OffsetTypeNext} }

func OffsetAt(offset uint64) OffsetSpec { return OffsetSpec{Type: OffsetTypeOffset, Value: int64(offset)} }

func OffsetTimestamp(t time.Time) OffsetSpec {
	return OffsetSpec{Type: OffsetTypeTimestamp, Value: t.UnixMilli()}
}

// HasValue reports whether the offset type carries an 8 byte value on the wire
func (o OffsetSpec) HasValue() bool {
	return o.Type == OffsetTypeOffset || o.Type == OffsetTypeTimestamp
}

// String returns the string representation of an offset spec
func (o OffsetSpec) String() string {
	switch o.Type {
	case OffsetTypeFirst:
		return "first"
	case OffsetTypeLast:
		return "last"
	case OffsetTypeNext:
		return "next"
	case OffsetTypeOffset:
		return fmt.Sprintf("offset(%d)", o.Value)
	case OffsetTypeTimestamp:
		return fmt.Sprintf("timestamp(%d)", o.Value)
	default:
		return "unknown"
	}
}

// IsOKCode reports whether a response code signals success. Brokers answer
// with 0x01; a zero code is accepted as well since it is never assigned to an error.
func IsOKCode(code uint16) bool {
	return code == ResponseCodeOK || code == 0
}
