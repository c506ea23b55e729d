package transport

import (
	"context"
	"github.com/ValentinKolb/dStream/stream/common"
	"github.com/lni/dragonboat/v4/logger"
	"net"
)

var Logger = logger.GetLogger("stream/transport")

// IClientConnector defines the interface for transport-specific connection operations
type IClientConnector interface {
	// Connect establishes a single connection to the endpoint (host:port)
	Connect(ctx context.Context, endpoint string) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "tcp", "tls")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.ClientConfig) error
}

// Dial connects with the connector and applies the socket settings. The
// connection is closed again if the upgrade fails.
func Dial(ctx context.Context, connector IClientConnector, endpoint string, config common.ClientConfig) (net.Conn, error) {
	conn, err := connector.Connect(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	if err := connector.UpgradeConnection(conn, config); err != nil {
		conn.Close()
		return nil, err
	}

	Logger.Debugf("Connected to %s using %s transport", endpoint, connector.GetName())
	return conn, nil
}
