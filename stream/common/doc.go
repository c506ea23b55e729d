// Package common provides the definitions shared by all parts of the stream
// client: protocol keys and versions, response codes, offset specifications,
// the client configuration, the error taxonomy and logging.
//
// Key Components:
//
//   - Command keys: request keys and their response keys (high bit set), plus
//     the table of command versions advertised during the handshake.
//
//   - ClientConfig: connection parameters (endpoint, credentials, SASL mechanism,
//     virtual host, frame-max, heartbeat, TLS, address resolver, pool limits)
//     with a String() representation for the CLI.
//
//   - Errors: ResponseError (broker reported failure with its code),
//     ProtocolError (correlation mismatch, unsupported mechanism), DecodeError
//     (malformed frames) and sentinel errors for closed connections and timeouts.
//
//   - Logger: custom logging implementation that integrates with Dragonboat's
//     logger package, so every package obtains its logger via logger.GetLogger.
package common
