package common

import (
	"fmt"
	"github.com/pkg/errors"
)

// Sentinel errors of the connection engine
var (
	// ErrConnectionClosed is returned to every pending request when the connection is torn down
	ErrConnectionClosed = errors.New("connection closed")
	// ErrRequestTimeout is returned when a correlated request got no response in time
	ErrRequestTimeout = errors.New("request timed out")
	// ErrMechanismNotOffered is returned when the broker does not offer the configured SASL mechanism
	ErrMechanismNotOffered = errors.New("sasl mechanism not offered by server")
	// ErrNotReady is returned when a command is issued before the handshake completed
	ErrNotReady = errors.New("connection not ready")
	// ErrHeartbeatTimeout is the close reason when the peer stayed silent for too long
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	// ErrNoFreeID is returned when all 256 publisher or subscription ids of a connection are taken
	ErrNoFreeID = errors.New("no free id on connection")
)

// ResponseError is a failure reported by the broker (a response with a non-ok code)
type ResponseError struct {
	Key  uint16
	Code uint16
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s returned error code 0x%02x - %s", KeyName(e.Key), e.Code, ErrorMessageOf(e.Code))
}

// IsResponseCode reports whether err is a ResponseError with the given code
func IsResponseCode(err error, code uint16) bool {
	var respErr *ResponseError
	if errors.As(err, &respErr) {
		return respErr.Code == code
	}
	return false
}

// ProtocolError is a programming or integration error: a response with an
// unexpected key for a correlation id, or an unsupported SASL mechanism.
// It is never retried.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol violation: " + e.Reason
}

// NewProtocolError creates a ProtocolError with a formatted reason
func NewProtocolError(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// DecodeError is returned by the frame codec for malformed frames
type DecodeError struct {
	Key    uint16
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Key == 0 {
		return "decode error: " + e.Reason
	}
	return fmt.Sprintf("decode error in %s: %s", KeyName(e.Key), e.Reason)
}

// NewDecodeError creates a DecodeError with a formatted reason
func NewDecodeError(key uint16, format string, args ...any) *DecodeError {
	return &DecodeError{Key: key, Reason: fmt.Sprintf(format, args...)}
}
