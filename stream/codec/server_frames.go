package codec

import (
	"encoding/binary"
	"github.com/ValentinKolb/dStream/stream/common"
)

// --------------------------------------------------------------------------
// Server side frame builders (used by tests and tooling that fake a broker)
// --------------------------------------------------------------------------

func finishFrame(w *Writer) []byte {
	buf := w.Bytes()
	binary.BigEndian.PutUint32(buf[:frameHeaderSize], uint32(len(buf)-frameHeaderSize))
	return buf
}

func beginFrame(key, version uint16) *Writer {
	w := NewWriter(64)
	w.WriteUint32(0)
	w.WriteUint16(key)
	w.WriteUint16(version)
	return w
}

// EncodeResponse builds a response frame with the given code and optional payload writer
func EncodeResponse(key uint16, correlationID uint32, code uint16, payload func(w *Writer)) []byte {
	w := beginFrame(key, 1)
	w.WriteUint32(correlationID)
	w.WriteUint16(code)
	if payload != nil {
		payload(w)
	}
	return finishFrame(w)
}

// EncodeMetadataResponse builds a metadata response, it has no response code
func EncodeMetadataResponse(correlationID uint32, brokers []Broker, streams []StreamMetadata) []byte {
	w := beginFrame(common.ResponseKey(common.KeyMetadata), 1)
	w.WriteUint32(correlationID)
	w.WriteInt32(int32(len(brokers)))
	for _, b := range brokers {
		w.WriteUint16(b.Reference)
		w.WriteString(b.Host)
		w.WriteUint32(b.Port)
	}
	w.WriteInt32(int32(len(streams)))
	for _, s := range streams {
		w.WriteString(s.Stream)
		w.WriteUint16(s.Code)
		if s.Leader != nil {
			w.WriteUint16(s.Leader.Reference)
		} else {
			w.WriteUint16(0xffff)
		}
		w.WriteInt32(int32(len(s.Replicas)))
		for _, r := range s.Replicas {
			w.WriteUint16(r.Reference)
		}
	}
	return finishFrame(w)
}

// EncodeTune builds the unsolicited tune frame
func EncodeTune(frameMax, heartbeat uint32) []byte {
	w := beginFrame(common.KeyTune, 1)
	w.WriteUint32(frameMax)
	w.WriteUint32(heartbeat)
	return finishFrame(w)
}

// EncodeServerClose builds a close request sent by the server
func EncodeServerClose(correlationID uint32, code uint16, reason string) []byte {
	w := beginFrame(common.KeyClose, 1)
	w.WriteUint32(correlationID)
	w.WriteUint16(code)
	w.WriteString(reason)
	return finishFrame(w)
}

// EncodePublishConfirm builds a publish confirm frame
func EncodePublishConfirm(publisherID uint8, ids []uint64) []byte {
	w := beginFrame(common.KeyPublishConfirm, 1)
	w.WriteUint8(publisherID)
	w.WriteInt32(int32(len(ids)))
	for _, id := range ids {
		w.WriteUint64(id)
	}
	return finishFrame(w)
}

// EncodePublishError builds a publish error frame
func EncodePublishError(publisherID uint8, errs []PublishingError) []byte {
	w := beginFrame(common.KeyPublishError, 1)
	w.WriteUint8(publisherID)
	w.WriteInt32(int32(len(errs)))
	for _, e := range errs {
		w.WriteUint64(e.PublishingID)
		w.WriteUint16(e.Code)
	}
	return finishFrame(w)
}

// EncodeMetadataUpdate builds a metadata update frame
func EncodeMetadataUpdate(code uint16, stream string) []byte {
	w := beginFrame(common.KeyMetadataUpdate, 1)
	w.WriteUint16(code)
	w.WriteString(stream)
	return finishFrame(w)
}

// EncodeDeliver builds a deliver frame, version 2 includes the committed chunk id
func EncodeDeliver(version uint16, subscriptionID uint8, committedChunkID uint64, chunk []byte) []byte {
	w := beginFrame(common.KeyDeliver, version)
	w.WriteUint8(subscriptionID)
	if version >= 2 {
		w.WriteUint64(committedChunkID)
	}
	w.WriteRaw(chunk)
	return finishFrame(w)
}

// EncodeConsumerUpdateQuery builds the consumer update query of the server
func EncodeConsumerUpdateQuery(correlationID uint32, subscriptionID uint8, active bool) []byte {
	w := beginFrame(common.KeyConsumerUpdate, 1)
	w.WriteUint32(correlationID)
	w.WriteUint8(subscriptionID)
	if active {
		w.WriteUint8(1)
	} else {
		w.WriteUint8(0)
	}
	return finishFrame(w)
}

// EncodeHeartbeat builds a heartbeat frame
func EncodeHeartbeat() []byte {
	return Encode(HeartbeatCommand{}, 0)
}

// --------------------------------------------------------------------------
// Request parsing (server side)
// --------------------------------------------------------------------------

// RequestHeader is the parsed start of a client frame
type RequestHeader struct {
	Key           uint16
	Version       uint16
	CorrelationID uint32
}

// uncorrelatedKeys are client frames without correlation id
var uncorrelatedKeys = map[uint16]bool{
	common.KeyPublish:                  true,
	common.KeyCredit:                   true,
	common.KeyStoreOffset:              true,
	common.KeyHeartbeat:                true,
	common.ResponseKey(common.KeyTune): true,
}

// ParseRequest splits a client frame body into its header and a reader over the content
func ParseRequest(body []byte) (RequestHeader, *Reader, error) {
	r := NewReader(0, body)
	h := RequestHeader{Key: r.ReadUint16(), Version: r.ReadUint16()}
	r.key = h.Key
	if !uncorrelatedKeys[h.Key] {
		h.CorrelationID = r.ReadUint32()
	}
	return h, r, r.Err()
}
