package amqp10

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"
)

// Encode serializes a message. Sections are written in the order header,
// delivery annotations, message annotations, properties, application
// properties, body, footer.
func Encode(msg Message) ([]byte, error) {
	w := &writer{buf: make([]byte, 0, 64+len(msg.Body))}

	if msg.Header != nil {
		w.writeDescriptor(descriptorHeader)
		w.writeHeader(msg.Header)
	}
	if len(msg.DeliveryAnnotations) > 0 {
		w.writeDescriptor(descriptorDeliveryAnnotations)
		if err := w.writeMap(msg.DeliveryAnnotations, true); err != nil {
			return nil, err
		}
	}
	if len(msg.MessageAnnotations) > 0 {
		w.writeDescriptor(descriptorMessageAnnotations)
		if err := w.writeMap(msg.MessageAnnotations, true); err != nil {
			return nil, err
		}
	}
	if msg.Properties != nil {
		w.writeDescriptor(descriptorProperties)
		if err := w.writeProperties(msg.Properties); err != nil {
			return nil, err
		}
	}
	if len(msg.ApplicationProperties) > 0 {
		w.writeDescriptor(descriptorApplicationProperties)
		if err := w.writeMap(msg.ApplicationProperties, false); err != nil {
			return nil, err
		}
	}
	if msg.AmqpValue != nil {
		w.writeDescriptor(descriptorAmqpValue)
		if err := w.writeValue(msg.AmqpValue); err != nil {
			return nil, err
		}
	} else {
		w.writeDescriptor(descriptorData)
		w.writeBinary(msg.Body)
	}
	if len(msg.Footer) > 0 {
		w.writeDescriptor(descriptorFooter)
		if err := w.writeMap(msg.Footer, true); err != nil {
			return nil, err
		}
	}

	return w.buf, nil
}

// --------------------------------------------------------------------------
// Writer
// --------------------------------------------------------------------------

type writer struct {
	buf []byte
}

func (w *writer) writeByte(b byte) { w.buf = append(w.buf, b) }

func (w *writer) writeUint16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }

func (w *writer) writeUint32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

func (w *writer) writeUint64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *writer) writeDescriptor(desc byte) {
	w.buf = append(w.buf, codeDescribed, codeSmallUlong, desc)
}

// beginCompound writes a list32/map32 constructor with placeholder size and
// returns the position of the size field
func (w *writer) beginCompound(code byte) int {
	w.writeByte(code)
	pos := len(w.buf)
	w.writeUint32(0) // size
	w.writeUint32(0) // count
	return pos
}

// endCompound patches size and count of a compound started with beginCompound
func (w *writer) endCompound(pos int, count int) {
	size := len(w.buf) - pos - 4
	binary.BigEndian.PutUint32(w.buf[pos:pos+4], uint32(size))
	binary.BigEndian.PutUint32(w.buf[pos+4:pos+8], uint32(count))
}

func (w *writer) writeHeader(h *Header) {
	pos := w.beginCompound(codeList32)
	w.writeBool(h.Durable)
	w.writeByte(codeUbyte)
	w.writeByte(h.Priority)
	w.writeByte(codeUint)
	w.writeUint32(h.TTL)
	w.writeBool(h.FirstAcquirer)
	w.writeByte(codeUint)
	w.writeUint32(h.DeliveryCount)
	w.endCompound(pos, 5)
}

func (w *writer) writeProperties(p *Properties) error {
	fields := []func() error{
		func() error { return w.writeValue(p.MessageID) },
		func() error { w.writeOptionalBinary(p.UserID); return nil },
		func() error { w.writeOptionalString(p.To, false); return nil },
		func() error { w.writeOptionalString(p.Subject, false); return nil },
		func() error { w.writeOptionalString(p.ReplyTo, false); return nil },
		func() error { return w.writeValue(p.CorrelationID) },
		func() error { w.writeOptionalString(p.ContentType, true); return nil },
		func() error { w.writeOptionalString(p.ContentEncoding, true); return nil },
		func() error { w.writeOptionalTimestamp(p.AbsoluteExpiryTime); return nil },
		func() error { w.writeOptionalTimestamp(p.CreationTime); return nil },
		func() error { w.writeOptionalString(p.GroupID, false); return nil },
		func() error {
			if p.GroupSequence == 0 {
				w.writeByte(codeNull)
				return nil
			}
			w.writeByte(codeUint)
			w.writeUint32(p.GroupSequence)
			return nil
		},
		func() error { w.writeOptionalString(p.ReplyToGroupID, false); return nil },
	}

	pos := w.beginCompound(codeList32)
	for _, f := range fields {
		if err := f(); err != nil {
			return err
		}
	}
	w.endCompound(pos, len(fields))
	return nil
}

func (w *writer) writeMap(m map[string]any, symbolKeys bool) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pos := w.beginCompound(codeMap32)
	for _, k := range keys {
		if symbolKeys {
			w.writeSymbol(k)
		} else {
			w.writeString(k)
		}
		if err := w.writeValue(m[k]); err != nil {
			return fmt.Errorf("map key %q: %w", k, err)
		}
	}
	w.endCompound(pos, 2*len(keys))
	return nil
}

func (w *writer) writeBool(b bool) {
	if b {
		w.writeByte(codeTrue)
	} else {
		w.writeByte(codeFalse)
	}
}

func (w *writer) writeString(s string) {
	w.writeByte(codeStr32)
	w.writeUint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) writeSymbol(s string) {
	w.writeByte(codeSym32)
	w.writeUint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) writeBinary(b []byte) {
	w.writeByte(codeVbin32)
	w.writeUint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) writeOptionalString(s string, symbol bool) {
	switch {
	case s == "":
		w.writeByte(codeNull)
	case symbol:
		w.writeSymbol(s)
	default:
		w.writeString(s)
	}
}

func (w *writer) writeOptionalBinary(b []byte) {
	if b == nil {
		w.writeByte(codeNull)
		return
	}
	w.writeBinary(b)
}

func (w *writer) writeOptionalTimestamp(t time.Time) {
	if t.IsZero() {
		w.writeByte(codeNull)
		return
	}
	w.writeByte(codeTimestamp)
	w.writeUint64(uint64(t.UnixMilli()))
}

// writeValue writes a single value of a supported Go type
func (w *writer) writeValue(v any) error {
	switch x := v.(type) {
	case nil:
		w.writeByte(codeNull)
	case bool:
		w.writeBool(x)
	case uint8:
		w.writeByte(codeUbyte)
		w.writeByte(x)
	case uint16:
		w.writeByte(codeUshort)
		w.writeUint16(x)
	case uint32:
		w.writeByte(codeUint)
		w.writeUint32(x)
	case uint64:
		w.writeByte(codeUlong)
		w.writeUint64(x)
	case int8:
		w.writeByte(codeByte)
		w.writeByte(byte(x))
	case int16:
		w.writeByte(codeShort)
		w.writeUint16(uint16(x))
	case int32:
		w.writeByte(codeInt)
		w.writeUint32(uint32(x))
	case int:
		w.writeByte(codeLong)
		w.writeUint64(uint64(int64(x)))
	case int64:
		w.writeByte(codeLong)
		w.writeUint64(uint64(x))
	case float32:
		w.writeByte(codeFloat)
		w.writeUint32(math.Float32bits(x))
	case float64:
		w.writeByte(codeDouble)
		w.writeUint64(math.Float64bits(x))
	case string:
		w.writeString(x)
	case Symbol:
		w.writeSymbol(string(x))
	case []byte:
		w.writeBinary(x)
	case time.Time:
		w.writeByte(codeTimestamp)
		w.writeUint64(uint64(x.UnixMilli()))
	case UUID:
		w.writeByte(codeUUID)
		w.buf = append(w.buf, x[:]...)
	case []any:
		pos := w.beginCompound(codeList32)
		for _, e := range x {
			if err := w.writeValue(e); err != nil {
				return err
			}
		}
		w.endCompound(pos, len(x))
	case map[string]any:
		return w.writeMap(x, false)
	default:
		return fmt.Errorf("amqp10: unsupported value type %T", v)
	}
	return nil
}
