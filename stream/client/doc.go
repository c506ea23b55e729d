/*
Package client is the application facing API of dStream.

A Client keeps a locator connection for management requests and metadata
lookups, and opens pooled connections for publishers and consumers:

  - publishers connect to the leader node of their stream
  - consumers connect to a random replica, falling back to the leader

Every publisher and consumer holds one reference on its connection. The
connection is closed once the last reference is released.

Super streams are handled by SuperStreamPublisher, which routes each message
to a partition, and SuperStreamConsumer, which subscribes to every partition
with the same single-active consumer reference.

Example:

	c, err := client.Connect(ctx, common.DefaultClientConfig())
	if err != nil {
		return err
	}
	defer c.Close(ctx)

	pub, err := c.DeclarePublisher(ctx, client.PublisherConfig{Stream: "orders"})
	...
	err = pub.Send(ctx, client.Message{Body: []byte("hello")})
*/
package client
