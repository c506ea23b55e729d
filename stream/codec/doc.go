// Package codec implements the binary frame format of the stream protocol.
//
// Every frame is a big-endian uint32 length followed by that many bytes of body.
// A request body starts with the command key and version, followed by the
// correlation id for correlated commands and the command specific content.
// A response body starts with the response key (request key with the high bit
// set), the version, the correlation id and a response code.
//
// Key Components:
//
//   - Writer / Reader: primitives for protocol integers, strings (int16 length),
//     byte blobs (int32 length), arrays and maps (int32 count). The Reader keeps
//     the first error and reports it as a common.DecodeError.
//
//   - Command: implemented by every outgoing request. Encode turns a command and
//     a correlation id into a complete, length-prefixed frame.
//
//   - FrameDecoder / ReadFrame: split a byte stream into frame bodies without ever
//     consuming a partially received frame.
//
//   - DecodeFrame: decodes a frame body into a typed value: a *Response for
//     correlated replies, or one of the server initiated frames (Tune, Heartbeat,
//     CloseRequest, PublishConfirm, PublishError, MetadataUpdate, Deliver,
//     ConsumerUpdateQuery, CreditError). Delivered chunks are decompressed with
//     the codec selected by the sub-entry tag.
package codec
