/*
Package connection implements the protocol engine of a single broker connection.

A Connection owns one socket and runs the handshake in a fixed order, each
step gated on the previous one:

	Connecting → PeerPropertiesExchanged → Authenticated → Tuned → Opened
	          → CommandVersionsExchanged → Ready

After the handshake two send primitives are available: Send writes a command
that is not answered (publish, credit, store offset) and SendAndWait writes a
correlated request and blocks until the matching response arrives.

# Correlation

Every correlated request gets the next correlation id (the counter starts at 100
and is incremented before use). Responses are matched purely by id, never by
arrival order. A response may arrive before the caller started waiting: it is
kept until the caller asks for it. Each id is resolved exactly once. A response
whose key does not match the request is a *common.ProtocolError, a response
with a failure code a *common.ResponseError. Requests time out after
ClientConfig.RequestTimeoutSecond and all pending requests fail with
common.ErrConnectionClosed when the connection is torn down.

# Heartbeat

Once the handshake negotiated an interval, a monitor goroutine sends a
heartbeat whenever nothing was written since the last tick and closes the
connection when nothing was received for two intervals. It is stopped before
the socket is closed.

# Listeners

Server initiated frames are dispatched to typed listener slots (see Listeners).
Publishers and consumers additionally register closing callbacks that fire
once when a metadata update reports their stream.
*/
package connection
