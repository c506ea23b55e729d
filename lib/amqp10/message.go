package amqp10

import (
	"fmt"
	"time"
)

// Section descriptors
const (
	descriptorHeader                = 0x70
	descriptorDeliveryAnnotations   = 0x71
	descriptorMessageAnnotations    = 0x72
	descriptorProperties            = 0x73
	descriptorApplicationProperties = 0x74
	descriptorData                  = 0x75
	descriptorAmqpSequence          = 0x76
	descriptorAmqpValue             = 0x77
	descriptorFooter                = 0x78
)

// Message is a decoded AMQP 1.0 message. Only the sections that were present
// on the wire are set.
type Message struct {
	Header                *Header
	DeliveryAnnotations   map[string]any
	MessageAnnotations    map[string]any
	Properties            *Properties
	ApplicationProperties map[string]any
	// Body is the concatenation of all data sections
	Body []byte
	// AmqpValue holds the body when it was sent as an amqp-value section
	AmqpValue any
	Footer    map[string]any
}

// Header is the header section (descriptor 0x70)
type Header struct {
	Durable       bool
	Priority      uint8
	TTL           uint32 // milliseconds
	FirstAcquirer bool
	DeliveryCount uint32
}

// Properties is the properties section (descriptor 0x73)
type Properties struct {
	MessageID          any
	UserID             []byte
	To                 string
	Subject            string
	ReplyTo            string
	CorrelationID      any
	ContentType        string
	ContentEncoding    string
	AbsoluteExpiryTime time.Time
	CreationTime       time.Time
	GroupID            string
	GroupSequence      uint32
	ReplyToGroupID     string
}

// NewMessage creates a message with a single data section
func NewMessage(body []byte) Message {
	return Message{Body: body}
}

// DecodeError is returned for malformed encodings
type DecodeError struct {
	Section string
	Reason  string
}

func (e *DecodeError) Error() string {
	if e.Section == "" {
		return fmt.Sprintf("amqp10 decode error: %s", e.Reason)
	}
	return fmt.Sprintf("amqp10 decode error in %s: %s", e.Section, e.Reason)
}

func decodeErrorf(section, format string, args ...any) *DecodeError {
	return &DecodeError{Section: section, Reason: fmt.Sprintf(format, args...)}
}
