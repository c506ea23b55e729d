package codec

import (
	"encoding/binary"
	"github.com/ValentinKolb/dStream/stream/common"
	"sort"
)

// --------------------------------------------------------------------------
// Writer
// --------------------------------------------------------------------------

// Writer appends protocol primitives to a growing buffer
type Writer struct {
	buf []byte
}

// NewWriter creates a writer with the given initial capacity
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Bytes returns the written bytes
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of written bytes
func (w *Writer) Len() int { return len(w.buf) }

func (w *Writer) WriteUint8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) WriteUint16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }

func (w *Writer) WriteUint32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

func (w *Writer) WriteUint64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *Writer) WriteInt16(v int16) { w.WriteUint16(uint16(v)) }

func (w *Writer) WriteInt32(v int32) { w.WriteUint32(uint32(v)) }

func (w *Writer) WriteInt64(v int64) { w.WriteUint64(uint64(v)) }

// WriteRaw appends bytes without a length prefix
func (w *Writer) WriteRaw(b []byte) { w.buf = append(w.buf, b...) }

// WriteString writes a protocol string (int16 length prefix)
func (w *Writer) WriteString(s string) {
	w.WriteInt16(int16(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteBytes writes a byte blob (int32 length prefix)
func (w *Writer) WriteBytes(b []byte) {
	w.WriteInt32(int32(len(b)))
	w.buf = append(w.buf, b...)
}

// WriteStringArray writes an int32 count followed by the strings
func (w *Writer) WriteStringArray(values []string) {
	w.WriteInt32(int32(len(values)))
	for _, v := range values {
		w.WriteString(v)
	}
}

// WriteStringMap writes an int32 count followed by key/value strings in key order
func (w *Writer) WriteStringMap(m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w.WriteInt32(int32(len(keys)))
	for _, k := range keys {
		w.WriteString(k)
		w.WriteString(m[k])
	}
}

// --------------------------------------------------------------------------
// Reader
// --------------------------------------------------------------------------

// Reader reads protocol primitives from a frame body. The first failure is
// kept and every following read returns the zero value.
type Reader struct {
	buf []byte
	pos int
	key uint16
	err error
}

// NewReader creates a reader for the body of a frame with the given key.
// The key is only used to annotate decode errors.
func NewReader(key uint16, buf []byte) *Reader {
	return &Reader{buf: buf, key: key}
}

// Err returns the first decode error
func (r *Reader) Err() error { return r.err }

// Remaining returns the number of unread bytes
func (r *Reader) Remaining() int {
	if r.err != nil {
		return 0
	}
	return len(r.buf) - r.pos
}

func (r *Reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = common.NewDecodeError(r.key, format, args...)
	}
}

func (r *Reader) take(n int, what string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.pos < n {
		r.fail("truncated %s: need %d bytes at position %d, have %d", what, n, r.pos, len(r.buf)-r.pos)
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

// Peek returns the next byte without consuming it
func (r *Reader) Peek() uint8 {
	if r.err != nil {
		return 0
	}
	if r.pos >= len(r.buf) {
		r.fail("truncated at position %d", r.pos)
		return 0
	}
	return r.buf[r.pos]
}

func (r *Reader) ReadUint8() uint8 {
	b := r.take(1, "uint8")
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) ReadUint16() uint16 {
	b := r.take(2, "uint16")
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *Reader) ReadUint32() uint32 {
	b := r.take(4, "uint32")
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *Reader) ReadUint64() uint64 {
	b := r.take(8, "uint64")
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *Reader) ReadInt16() int16 { return int16(r.ReadUint16()) }

func (r *Reader) ReadInt32() int32 { return int32(r.ReadUint32()) }

func (r *Reader) ReadInt64() int64 { return int64(r.ReadUint64()) }

// ReadRaw reads n bytes without a length prefix. The result aliases the frame body.
func (r *Reader) ReadRaw(n int) []byte {
	return r.take(n, "raw bytes")
}

// ReadString reads a protocol string, a negative length is the null string
func (r *Reader) ReadString() string {
	n := r.ReadInt16()
	if n <= 0 {
		return ""
	}
	return string(r.take(int(n), "string"))
}

// ReadBytes reads a byte blob, a negative length is nil
func (r *Reader) ReadBytes() []byte {
	n := r.ReadInt32()
	if n < 0 {
		return nil
	}
	b := r.take(int(n), "bytes")
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// ReadCount reads an int32 element count and rejects counts that cannot fit
// into the remaining body (every element takes at least minSize bytes)
func (r *Reader) ReadCount(minSize int) int {
	n := r.ReadInt32()
	if r.err != nil {
		return 0
	}
	if n < 0 {
		r.fail("negative element count %d", n)
		return 0
	}
	if minSize > 0 && int(n) > r.Remaining()/minSize {
		r.fail("element count %d exceeds frame size", n)
		return 0
	}
	return int(n)
}

// ReadStringArray reads an int32 count followed by strings
func (r *Reader) ReadStringArray() []string {
	n := r.ReadCount(2)
	out := make([]string, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		out = append(out, r.ReadString())
	}
	return out
}

// ReadStringMap reads an int32 count followed by key/value strings
func (r *Reader) ReadStringMap() map[string]string {
	n := r.ReadCount(4)
	out := make(map[string]string, n)
	for i := 0; i < n && r.err == nil; i++ {
		k := r.ReadString()
		out[k] = r.ReadString()
	}
	return out
}
