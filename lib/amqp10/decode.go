package amqp10

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Decode parses an encoded message
func Decode(data []byte) (Message, error) {
	var msg Message
	r := &reader{data: data}

	for !r.atEnd() {
		desc, err := r.readDescriptor()
		if err != nil {
			return msg, err
		}

		switch desc {
		case descriptorHeader:
			if msg.Header, err = r.readHeader(); err != nil {
				return msg, err
			}
		case descriptorDeliveryAnnotations:
			if msg.DeliveryAnnotations, err = r.readMapSection("delivery-annotations"); err != nil {
				return msg, err
			}
		case descriptorMessageAnnotations:
			if msg.MessageAnnotations, err = r.readMapSection("message-annotations"); err != nil {
				return msg, err
			}
		case descriptorProperties:
			if msg.Properties, err = r.readProperties(); err != nil {
				return msg, err
			}
		case descriptorApplicationProperties:
			if msg.ApplicationProperties, err = r.readMapSection("application-properties"); err != nil {
				return msg, err
			}
		case descriptorData:
			code, err := r.readByte()
			if err != nil {
				return msg, err
			}
			b, err := r.readBinary("data", code)
			if err != nil {
				return msg, err
			}
			msg.Body = append(msg.Body, b...)
		case descriptorAmqpSequence, descriptorAmqpValue:
			if msg.AmqpValue, err = r.readValue("amqp-value"); err != nil {
				return msg, err
			}
		case descriptorFooter:
			if msg.Footer, err = r.readMapSection("footer"); err != nil {
				return msg, err
			}
		default:
			return msg, decodeErrorf("", "unknown section descriptor 0x%02x", desc)
		}
	}

	return msg, nil
}

// --------------------------------------------------------------------------
// Reader
// --------------------------------------------------------------------------

type reader struct {
	data []byte
	pos  int
}

func (r *reader) atEnd() bool { return r.pos >= len(r.data) }

func (r *reader) need(section string, n int) error {
	if r.pos+n > len(r.data) {
		return decodeErrorf(section, "data too short (need %d bytes at offset %d, have %d)", n, r.pos, len(r.data)-r.pos)
	}
	return nil
}

func (r *reader) readByte() (byte, error) {
	if err := r.need("", 1); err != nil {
		return 0, err
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) readN(section string, n int) ([]byte, error) {
	if err := r.need(section, n); err != nil {
		return nil, err
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) readUint16(section string) (uint16, error) {
	b, err := r.readN(section, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) readUint32(section string) (uint32, error) {
	b, err := r.readN(section, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) readUint64(section string) (uint64, error) {
	b, err := r.readN(section, 8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// readDescriptor reads the described type constructor of a section
func (r *reader) readDescriptor() (uint64, error) {
	code, err := r.readByte()
	if err != nil {
		return 0, err
	}
	if code != codeDescribed {
		return 0, decodeErrorf("", "expected described type, got format code 0x%02x", code)
	}
	code, err = r.readByte()
	if err != nil {
		return 0, err
	}
	switch code {
	case codeSmallUlong:
		b, err := r.readByte()
		return uint64(b), err
	case codeUlong:
		return r.readUint64("descriptor")
	case codeUlong0:
		return 0, nil
	default:
		return 0, decodeErrorf("", "unsupported descriptor format code 0x%02x", code)
	}
}

// readCompositeHeader reads the constructor of a list and returns the element count
func (r *reader) readCompositeHeader(section string) (int, error) {
	code, err := r.readByte()
	if err != nil {
		return 0, err
	}
	return r.readListCount(section, code)
}

func (r *reader) readListCount(section string, code byte) (int, error) {
	switch code {
	case codeList0:
		return 0, nil
	case codeList8:
		b, err := r.readN(section, 2)
		if err != nil {
			return 0, err
		}
		return int(b[1]), nil
	case codeList32:
		if _, err := r.readUint32(section); err != nil {
			return 0, err
		}
		count, err := r.readUint32(section)
		return int(count), err
	default:
		return 0, decodeErrorf(section, "expected list, got format code 0x%02x", code)
	}
}

func (r *reader) readMapCount(section string, code byte) (int, error) {
	switch code {
	case codeMap8:
		b, err := r.readN(section, 2)
		if err != nil {
			return 0, err
		}
		return int(b[1]), nil
	case codeMap32:
		if _, err := r.readUint32(section); err != nil {
			return 0, err
		}
		count, err := r.readUint32(section)
		return int(count), err
	default:
		return 0, decodeErrorf(section, "expected map, got format code 0x%02x", code)
	}
}

func (r *reader) readHeader() (*Header, error) {
	const section = "header"
	count, err := r.readCompositeHeader(section)
	if err != nil {
		return nil, err
	}

	h := &Header{}
	for index := 0; index < count; index++ {
		if r.atEnd() {
			break
		}
		code, err := r.readByte()
		if err != nil {
			return nil, err
		}
		if code == codeNull {
			continue
		}
		switch index {
		case 0:
			h.Durable, err = r.readBool(section, code)
		case 1:
			var v uint64
			v, err = r.readUnsigned(section, code)
			h.Priority = uint8(v)
		case 2:
			var v uint64
			v, err = r.readUnsigned(section, code)
			h.TTL = uint32(v)
		case 3:
			h.FirstAcquirer, err = r.readBool(section, code)
		case 4:
			var v uint64
			v, err = r.readUnsigned(section, code)
			h.DeliveryCount = uint32(v)
		default:
			return nil, decodeErrorf(section, "unknown field index %d", index)
		}
		if err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (r *reader) readProperties() (*Properties, error) {
	const section = "properties"
	count, err := r.readCompositeHeader(section)
	if err != nil {
		return nil, err
	}

	p := &Properties{}
	for index := 0; index < count; index++ {
		if r.atEnd() {
			break
		}
		code, err := r.readByte()
		if err != nil {
			return nil, err
		}
		if code == codeNull {
			continue
		}
		switch index {
		case 0:
			p.MessageID, err = r.readValueOf(section, code)
		case 1:
			p.UserID, err = r.readBinary(section, code)
		case 2:
			p.To, err = r.readString(section, code)
		case 3:
			p.Subject, err = r.readString(section, code)
		case 4:
			p.ReplyTo, err = r.readString(section, code)
		case 5:
			p.CorrelationID, err = r.readValueOf(section, code)
		case 6:
			p.ContentType, err = r.readString(section, code)
		case 7:
			p.ContentEncoding, err = r.readString(section, code)
		case 8:
			p.AbsoluteExpiryTime, err = r.readTimestamp(section, code)
		case 9:
			p.CreationTime, err = r.readTimestamp(section, code)
		case 10:
			p.GroupID, err = r.readString(section, code)
		case 11:
			var v uint64
			v, err = r.readUnsigned(section, code)
			p.GroupSequence = uint32(v)
		case 12:
			p.ReplyToGroupID, err = r.readString(section, code)
		default:
			return nil, decodeErrorf(section, "unknown field index %d", index)
		}
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (r *reader) readMapSection(section string) (map[string]any, error) {
	code, err := r.readByte()
	if err != nil {
		return nil, err
	}
	return r.readMap(section, code)
}

func (r *reader) readMap(section string, code byte) (map[string]any, error) {
	count, err := r.readMapCount(section, code)
	if err != nil {
		return nil, err
	}
	if count%2 != 0 {
		return nil, decodeErrorf(section, "odd number of map elements %d", count)
	}

	m := make(map[string]any, count/2)
	for i := 0; i < count/2; i++ {
		key, err := r.readValue(section)
		if err != nil {
			return nil, err
		}
		value, err := r.readValue(section)
		if err != nil {
			return nil, err
		}
		switch k := key.(type) {
		case string:
			m[k] = value
		case Symbol:
			m[string(k)] = value
		default:
			m[fmt.Sprint(k)] = value
		}
	}
	return m, nil
}

func (r *reader) readValue(section string) (any, error) {
	code, err := r.readByte()
	if err != nil {
		return nil, err
	}
	return r.readValueOf(section, code)
}

// readValueOf decodes a single value whose format code has already been read
func (r *reader) readValueOf(section string, code byte) (any, error) {
	switch code {
	case codeDescribed:
		// the descriptor is not needed for generic values
		if _, err := r.readValue(section); err != nil {
			return nil, err
		}
		return r.readValue(section)
	case codeNull:
		return nil, nil
	case codeTrue, codeFalse, codeBoolean:
		return r.readBool(section, code)
	case codeUbyte:
		v, err := r.readUnsigned(section, code)
		return uint8(v), err
	case codeUshort:
		v, err := r.readUnsigned(section, code)
		return uint16(v), err
	case codeUint, codeSmallUint, codeUint0:
		v, err := r.readUnsigned(section, code)
		return uint32(v), err
	case codeUlong, codeSmallUlong, codeUlong0:
		return r.readUnsigned(section, code)
	case codeByte:
		b, err := r.readByte()
		return int8(b), err
	case codeShort:
		v, err := r.readUint16(section)
		return int16(v), err
	case codeInt:
		v, err := r.readUint32(section)
		return int32(v), err
	case codeSmallInt:
		b, err := r.readByte()
		return int32(int8(b)), err
	case codeLong:
		v, err := r.readUint64(section)
		return int64(v), err
	case codeSmallLong:
		b, err := r.readByte()
		return int64(int8(b)), err
	case codeFloat:
		v, err := r.readUint32(section)
		return math.Float32frombits(v), err
	case codeDouble:
		v, err := r.readUint64(section)
		return math.Float64frombits(v), err
	case codeChar:
		v, err := r.readUint32(section)
		return rune(v), err
	case codeTimestamp:
		return r.readTimestamp(section, code)
	case codeUUID:
		b, err := r.readN(section, 16)
		if err != nil {
			return nil, err
		}
		var u UUID
		copy(u[:], b)
		return u, nil
	case codeVbin8, codeVbin32:
		return r.readBinary(section, code)
	case codeStr8, codeStr32:
		return r.readString(section, code)
	case codeSym8, codeSym32:
		s, err := r.readString(section, code)
		return Symbol(s), err
	case codeList0, codeList8, codeList32:
		count, err := r.readListCount(section, code)
		if err != nil {
			return nil, err
		}
		list := make([]any, 0, count)
		for i := 0; i < count; i++ {
			v, err := r.readValue(section)
			if err != nil {
				return nil, err
			}
			list = append(list, v)
		}
		return list, nil
	case codeMap8, codeMap32:
		return r.readMap(section, code)
	case codeArray8, codeArray32:
		return r.readArray(section, code)
	default:
		return nil, decodeErrorf(section, "unsupported format code 0x%02x", code)
	}
}

func (r *reader) readArray(section string, code byte) ([]any, error) {
	var count int
	if code == codeArray8 {
		b, err := r.readN(section, 2)
		if err != nil {
			return nil, err
		}
		count = int(b[1])
	} else {
		if _, err := r.readUint32(section); err != nil {
			return nil, err
		}
		c, err := r.readUint32(section)
		if err != nil {
			return nil, err
		}
		count = int(c)
	}
	elemCode, err := r.readByte()
	if err != nil {
		return nil, err
	}
	values := make([]any, 0, count)
	for i := 0; i < count; i++ {
		v, err := r.readValueOf(section, elemCode)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

func (r *reader) readBool(section string, code byte) (bool, error) {
	switch code {
	case codeTrue:
		return true, nil
	case codeFalse:
		return false, nil
	case codeBoolean:
		b, err := r.readByte()
		return b != 0, err
	default:
		return false, decodeErrorf(section, "expected boolean, got format code 0x%02x", code)
	}
}

func (r *reader) readUnsigned(section string, code byte) (uint64, error) {
	switch code {
	case codeUint0, codeUlong0:
		return 0, nil
	case codeUbyte, codeSmallUint, codeSmallUlong:
		b, err := r.readByte()
		return uint64(b), err
	case codeUshort:
		v, err := r.readUint16(section)
		return uint64(v), err
	case codeUint:
		v, err := r.readUint32(section)
		return uint64(v), err
	case codeUlong:
		return r.readUint64(section)
	default:
		return 0, decodeErrorf(section, "expected unsigned integer, got format code 0x%02x", code)
	}
}

func (r *reader) readTimestamp(section string, code byte) (time.Time, error) {
	if code != codeTimestamp {
		return time.Time{}, decodeErrorf(section, "expected timestamp, got format code 0x%02x", code)
	}
	v, err := r.readUint64(section)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(v)), nil
}

func (r *reader) readBinary(section string, code byte) ([]byte, error) {
	var n int
	switch code {
	case codeVbin8:
		b, err := r.readByte()
		if err != nil {
			return nil, err
		}
		n = int(b)
	case codeVbin32:
		v, err := r.readUint32(section)
		if err != nil {
			return nil, err
		}
		n = int(v)
	default:
		return nil, decodeErrorf(section, "expected binary, got format code 0x%02x", code)
	}
	b, err := r.readN(section, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func (r *reader) readString(section string, code byte) (string, error) {
	var n int
	switch code {
	case codeStr8, codeSym8:
		b, err := r.readByte()
		if err != nil {
			return "", err
		}
		n = int(b)
	case codeStr32, codeSym32:
		v, err := r.readUint32(section)
		if err != nil {
			return "", err
		}
		n = int(v)
	default:
		return "", decodeErrorf(section, "expected string, got format code 0x%02x", code)
	}
	b, err := r.readN(section, n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
