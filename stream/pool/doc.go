/*
Package pool caches broker connections so that publishers and consumers of
the same stream on the same node share a socket.

Connections are cached under the key stream@vhost@host, separately for
publishers (opened against the stream leader) and consumers (opened against
any replica). A cached connection is reused until its reference count reaches
the configured maximum of shared instances, then a new connection is created
and cached next to it.

The pool does no network I/O itself apart from closing connections on Drain.
It is created explicitly and passed to every client that should share it.
*/
package pool
