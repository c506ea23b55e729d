/*
Package transport defines how the stream client reaches a broker.

Connections are established through an IClientConnector. The protocol engine
in package connection only depends on this interface, the concrete dialers live
in the subpackages:

  - tcp: plain TCP with socket tuning (no-delay, keep-alive, buffer sizes)
  - tls: TCP wrapped in TLS with optional client certificate and CA pool

Both connectors honor the context passed to Connect and the socket timeout of
the client configuration.
*/
package transport
