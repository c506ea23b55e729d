// Package amqp10 implements the subset of the AMQP 1.0 type system needed to
// encode and decode the message format carried inside stream entries.
//
// A message is a sequence of described sections (header, delivery annotations,
// message annotations, properties, application properties, body, footer).
// Encode writes the sections in the order AMQP 1.0 mandates and
// skips sections that are not set. Decode reads any section order, but fails
// with a *DecodeError when a composite section contains an unknown field index
// or a value uses an unsupported format code.
package amqp10
