package tcp

import (
	"context"
	"github.com/ValentinKolb/dStream/stream/common"
	"github.com/ValentinKolb/dStream/stream/transport"
	"github.com/pkg/errors"
	"net"
	"time"
)

// clientConnector implements the IClientConnector interface for TCP sockets
type clientConnector struct {
	timeout time.Duration
}

// NewConnector creates a TCP connector using the socket timeout of the configuration
func NewConnector(config common.ClientConfig) transport.IClientConnector {
	return &clientConnector{timeout: config.Timeout()}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IClientConnector)
// --------------------------------------------------------------------------

func (c *clientConnector) GetName() string {
	return "tcp"
}

func (c *clientConnector) Connect(ctx context.Context, endpoint string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", endpoint)
	}
	return conn, nil
}

func (c *clientConnector) UpgradeConnection(conn net.Conn, config common.ClientConfig) error {
	return UpgradeTCPConn(conn, config)
}

// UpgradeTCPConn applies the TCP and socket settings of the configuration.
// Connections that are not TCP connections are left untouched.
func UpgradeTCPConn(conn net.Conn, config common.ClientConfig) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil // Not a TCP connection, nothing to upgrade
	}

	// Disable Nagle's algorithm (TCPNoDelay) if configured
	if err := tcpConn.SetNoDelay(config.TCP.TCPNoDelay); err != nil {
		return errors.Wrap(err, "failed to set no-delay")
	}

	// Set socket write buffer size if configured
	if config.Socket.WriteBufferSize > 0 {
		if err := tcpConn.SetWriteBuffer(config.Socket.WriteBufferSize); err != nil {
			return errors.Wrap(err, "failed to set write buffer")
		}
	}

	// Set socket read buffer size if configured
	if config.Socket.ReadBufferSize > 0 {
		if err := tcpConn.SetReadBuffer(config.Socket.ReadBufferSize); err != nil {
			return errors.Wrap(err, "failed to set read buffer")
		}
	}

	// Enable TCP keep-alive if configured
	if config.TCP.TCPKeepAliveSec > 0 {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			return errors.Wrap(err, "failed to enable keep-alive")
		}
		if err := tcpConn.SetKeepAlivePeriod(time.Duration(config.TCP.TCPKeepAliveSec) * time.Second); err != nil {
			return errors.Wrap(err, "failed to set keep-alive period")
		}
	}

	return nil
}
