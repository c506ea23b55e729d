package connection

import (
	"context"
	"github.com/ValentinKolb/dStream/stream/codec"
	"github.com/ValentinKolb/dStream/stream/common"
	"github.com/pkg/errors"
)

// --------------------------------------------------------------------------
// Streams
// --------------------------------------------------------------------------

// CreateStream creates a stream with the given arguments (e.g. max-length-bytes)
func (c *Connection) CreateStream(ctx context.Context, stream string, arguments map[string]string) error {
	_, err := c.SendAndWait(ctx, codec.CreateRequest{Stream: stream, Arguments: arguments})
	return errors.Wrapf(err, "create stream %s", stream)
}

// DeleteStream deletes a stream
func (c *Connection) DeleteStream(ctx context.Context, stream string) error {
	_, err := c.SendAndWait(ctx, codec.DeleteRequest{Stream: stream})
	return errors.Wrapf(err, "delete stream %s", stream)
}

// CreateSuperStream creates a super stream. Without binding keys the
// partition index is used.
func (c *Connection) CreateSuperStream(ctx context.Context, superStream string, partitions, bindingKeys []string, arguments map[string]string) error {
	_, err := c.SendAndWait(ctx, codec.CreateSuperStreamRequest{
		SuperStream: superStream,
		Partitions:  partitions,
		BindingKeys: bindingKeys,
		Arguments:   arguments,
	})
	return errors.Wrapf(err, "create super stream %s", superStream)
}

// DeleteSuperStream deletes a super stream with its partitions
func (c *Connection) DeleteSuperStream(ctx context.Context, superStream string) error {
	_, err := c.SendAndWait(ctx, codec.DeleteSuperStreamRequest{SuperStream: superStream})
	return errors.Wrapf(err, "delete super stream %s", superStream)
}

// Metadata returns leader and replicas of the streams
func (c *Connection) Metadata(ctx context.Context, streams ...string) (*codec.MetadataPayload, error) {
	resp, err := c.SendAndWait(ctx, codec.MetadataRequest{Streams: streams})
	if err != nil {
		return nil, errors.Wrap(err, "metadata")
	}
	payload, ok := resp.Payload.(*codec.MetadataPayload)
	if !ok {
		return &codec.MetadataPayload{}, nil
	}
	return payload, nil
}

// Partitions lists the partition streams of a super stream
func (c *Connection) Partitions(ctx context.Context, superStream string) ([]string, error) {
	resp, err := c.SendAndWait(ctx, codec.PartitionsRequest{SuperStream: superStream})
	if err != nil {
		return nil, errors.Wrapf(err, "partitions of %s", superStream)
	}
	return streamsOf(resp), nil
}

// Route returns the partitions a routing key is bound to
func (c *Connection) Route(ctx context.Context, routingKey, superStream string) ([]string, error) {
	resp, err := c.SendAndWait(ctx, codec.RouteRequest{RoutingKey: routingKey, SuperStream: superStream})
	if err != nil {
		return nil, errors.Wrapf(err, "route %s in %s", routingKey, superStream)
	}
	return streamsOf(resp), nil
}

func streamsOf(resp *codec.Response) []string {
	if payload, ok := resp.Payload.(*codec.StreamsPayload); ok {
		return payload.Streams
	}
	return nil
}

// StreamStats returns the statistics of a stream
func (c *Connection) StreamStats(ctx context.Context, stream string) (map[string]int64, error) {
	resp, err := c.SendAndWait(ctx, codec.StreamStatsRequest{Stream: stream})
	if err != nil {
		return nil, errors.Wrapf(err, "stream stats of %s", stream)
	}
	if payload, ok := resp.Payload.(*codec.StreamStatsPayload); ok {
		return payload.Stats, nil
	}
	return map[string]int64{}, nil
}

// --------------------------------------------------------------------------
// Publishers
// --------------------------------------------------------------------------

// DeclarePublisher binds a publisher id of this connection to a stream
func (c *Connection) DeclarePublisher(ctx context.Context, publisherID uint8, reference, stream string) error {
	_, err := c.SendAndWait(ctx, codec.DeclarePublisherRequest{PublisherID: publisherID, Reference: reference, Stream: stream})
	return errors.Wrapf(err, "declare publisher %d on %s", publisherID, stream)
}

// DeletePublisher removes a publisher id
func (c *Connection) DeletePublisher(ctx context.Context, publisherID uint8) error {
	_, err := c.SendAndWait(ctx, codec.DeletePublisherRequest{PublisherID: publisherID})
	return errors.Wrapf(err, "delete publisher %d", publisherID)
}

// QueryPublisherSequence returns the last publishing id stored for a publisher reference
func (c *Connection) QueryPublisherSequence(ctx context.Context, reference, stream string) (uint64, error) {
	resp, err := c.SendAndWait(ctx, codec.QueryPublisherSequenceRequest{Reference: reference, Stream: stream})
	if err != nil {
		return 0, errors.Wrapf(err, "query publisher sequence of %s on %s", reference, stream)
	}
	var sequence uint64
	if payload, ok := resp.Payload.(*codec.SequencePayload); ok {
		sequence = payload.Sequence
	}
	Logger.Infof("Sequence for stream name %s, publisher ref %s at %d", stream, reference, sequence)
	return sequence, nil
}

// Publish writes a batch of messages. Version 2 is used when any message has a
// filter value and the connection supports filtering.
func (c *Connection) Publish(ctx context.Context, publisherID uint8, messages []codec.PublishedMessage) error {
	v2 := false
	if c.filteringEnabled {
		for _, m := range messages {
			if m.FilterValue != "" {
				v2 = true
				break
			}
		}
	}
	return c.Send(ctx, codec.PublishCommand{PublisherID: publisherID, Messages: messages, V2: v2})
}

// --------------------------------------------------------------------------
// Consumers
// --------------------------------------------------------------------------

// Subscribe starts a subscription with initial credit
func (c *Connection) Subscribe(ctx context.Context, req codec.SubscribeRequest) error {
	_, err := c.SendAndWait(ctx, req)
	return errors.Wrapf(err, "subscribe %d to %s", req.SubscriptionID, req.Stream)
}

// Unsubscribe cancels a subscription
func (c *Connection) Unsubscribe(ctx context.Context, subscriptionID uint8) error {
	_, err := c.SendAndWait(ctx, codec.UnsubscribeRequest{SubscriptionID: subscriptionID})
	return errors.Wrapf(err, "unsubscribe %d", subscriptionID)
}

// Credit grants credits to a subscription
func (c *Connection) Credit(ctx context.Context, subscriptionID uint8, credit uint16) error {
	return c.Send(ctx, codec.CreditCommand{SubscriptionID: subscriptionID, Credit: credit})
}

// StoreOffset stores the offset of a consumer reference, the broker does not answer
func (c *Connection) StoreOffset(ctx context.Context, reference, stream string, offset uint64) error {
	return c.Send(ctx, codec.StoreOffsetCommand{Reference: reference, Stream: stream, Offset: offset})
}

// QueryOffset returns the stored offset of a consumer reference
func (c *Connection) QueryOffset(ctx context.Context, reference, stream string) (uint64, error) {
	Logger.Debugf("Query Offset...")
	resp, err := c.SendAndWait(ctx, codec.QueryOffsetRequest{Reference: reference, Stream: stream})
	if err != nil {
		return 0, errors.Wrapf(err, "query offset of %s on %s", reference, stream)
	}
	if payload, ok := resp.Payload.(*codec.OffsetPayload); ok {
		return payload.Offset, nil
	}
	return 0, common.NewDecodeError(resp.Key, "missing offset")
}
