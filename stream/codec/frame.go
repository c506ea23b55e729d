package codec

import (
	"encoding/binary"
	"github.com/ValentinKolb/dStream/stream/common"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/pkg/errors"
	"io"
)

var Logger = logger.GetLogger("stream/codec")

// frameHeaderSize is the size of the length prefix of every frame
const frameHeaderSize = 4

// --------------------------------------------------------------------------
// Command
// --------------------------------------------------------------------------

// Command is implemented by every frame the client sends
type Command interface {
	// Key returns the command key written at the start of the body
	Key() uint16
	// Version returns the command version
	Version() uint16
	// ResponseKey returns the key of the expected response, 0 if the command is not answered
	ResponseKey() uint16
	// Correlated reports whether a correlation id follows key and version
	Correlated() bool
	// WriteContent writes the command specific fields
	WriteContent(w *Writer)
}

// Encode serializes a command into a length-prefixed frame. The correlation
// id is only written for correlated commands.
func Encode(cmd Command, correlationID uint32) []byte {
	w := NewWriter(64)
	w.WriteUint32(0) // length, patched below
	w.WriteUint16(cmd.Key())
	w.WriteUint16(cmd.Version())
	if cmd.Correlated() {
		w.WriteUint32(correlationID)
	}
	cmd.WriteContent(w)

	buf := w.Bytes()
	binary.BigEndian.PutUint32(buf[:frameHeaderSize], uint32(len(buf)-frameHeaderSize))
	return buf
}

// --------------------------------------------------------------------------
// Incremental decoding
// --------------------------------------------------------------------------

// FrameDecoder splits a byte stream into frame bodies. Bytes of a frame that
// is not complete yet stay buffered until more data is fed.
type FrameDecoder struct {
	buf     []byte
	maxSize uint32
}

// NewFrameDecoder creates a decoder rejecting frames larger than maxSize (0 = unlimited)
func NewFrameDecoder(maxSize uint32) *FrameDecoder {
	return &FrameDecoder{maxSize: maxSize}
}

// SetMaxSize updates the frame size limit, used after tuning
func (d *FrameDecoder) SetMaxSize(maxSize uint32) { d.maxSize = maxSize }

// Feed appends received bytes
func (d *FrameDecoder) Feed(data []byte) {
	d.buf = append(d.buf, data...)
}

// Buffered returns the number of bytes waiting for a complete frame
func (d *FrameDecoder) Buffered() int { return len(d.buf) }

// Next returns the body of the next complete frame. ok is false when the
// buffered bytes do not hold a complete frame yet.
func (d *FrameDecoder) Next() (body []byte, ok bool, err error) {
	if len(d.buf) < frameHeaderSize {
		return nil, false, nil
	}
	size := binary.BigEndian.Uint32(d.buf[:frameHeaderSize])
	if d.maxSize > 0 && size > d.maxSize {
		return nil, false, common.NewDecodeError(0, "frame of %d bytes exceeds frame-max %d", size, d.maxSize)
	}
	end := frameHeaderSize + int(size)
	if len(d.buf) < end {
		return nil, false, nil
	}

	body = make([]byte, size)
	copy(body, d.buf[frameHeaderSize:end])

	// keep the remainder for the next call
	remaining := copy(d.buf, d.buf[end:])
	d.buf = d.buf[:remaining]
	return body, true, nil
}

// ReadFrame reads exactly one frame body from r, blocking until it is complete
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if maxSize > 0 && size > maxSize {
		return nil, common.NewDecodeError(0, "frame of %d bytes exceeds frame-max %d", size, maxSize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.Wrap(err, "failed to read frame body")
	}
	return body, nil
}
