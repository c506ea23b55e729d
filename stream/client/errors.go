package client

import "github.com/pkg/errors"

var (
	// ErrClientClosed is returned by operations on a closed client
	ErrClientClosed = errors.New("client is closed")
	// ErrStreamUnavailable is reported to publishers and consumers whose stream
	// was deleted or moved
	ErrStreamUnavailable = errors.New("stream not available")
	// ErrNoAvailableNode is returned when the metadata names no node for a stream
	ErrNoAvailableNode = errors.New("no available node for stream")
	// ErrFilteringNotSupported is returned when a consumer filter is requested
	// from a broker without filtering support
	ErrFilteringNotSupported = errors.New("broker does not support filtering")
	// ErrPublisherClosed is returned by Send on a closed publisher
	ErrPublisherClosed = errors.New("publisher is closed")
	// ErrConsumerClosed is returned by operations on a closed consumer
	ErrConsumerClosed = errors.New("consumer is closed")
)
