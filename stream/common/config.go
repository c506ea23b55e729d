package common

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Defaults
// --------------------------------------------------------------------------

const (
	DefaultPort                        = 5552
	DefaultVHost                       = "/"
	DefaultFrameMax             uint32 = 1048576
	UnlimitedFrameMax           uint32 = 0
	DefaultHeartbeatSecond      uint32 = 60
	DefaultTimeoutSecond               = 10
	DefaultRequestTimeoutSecond        = 10
	DefaultMaxSharedConnections        = 256
	DefaultAddressResolverTries        = 5
	DefaultConnectionName              = "dstream-client-connection"

	MechanismPlain    = "PLAIN"
	MechanismExternal = "EXTERNAL"
)

// --------------------------------------------------------------------------
// Client configuration structs
// --------------------------------------------------------------------------

// TLSConf configures the optional TLS layer of a connection
type TLSConf struct {
	Enabled    bool
	CertFile   string
	KeyFile    string
	CAFile     string
	ServerName string
	// InsecureSkipVerify disables certificate verification. It is on by
	// default to accept the self-signed certificates of typical broker setups,
	// set it to false to verify the broker certificate.
	InsecureSkipVerify bool
}

// AddressResolverConf configures connecting through a load balancer. When
// enabled every connection dials Host:Port and is kept only if the broker
// advertises the requested node.
type AddressResolverConf struct {
	Enabled     bool
	Host        string
	Port        int
	MaxAttempts int
}

// SocketConf holds socket buffer settings (0 = system default)
type SocketConf struct {
	WriteBufferSize int
	ReadBufferSize  int
}

// TCPConf holds TCP specific socket settings
type TCPConf struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int
}

// PoolConf configures connection sharing
type PoolConf struct {
	// MaxSharedConnectionInstances is the number of publishers/consumers that
	// may share one pooled connection
	MaxSharedConnectionInstances int
}

// ClientConfig holds all parameters of a connection to the broker
type ClientConfig struct {
	Hostname  string
	Port      int
	Username  string
	Password  string
	Mechanism string
	VHost     string

	// FrameMax is the largest frame the client accepts, 0 means unlimited
	FrameMax uint32
	// HeartbeatSecond is the requested heartbeat interval, 0 accepts the server value
	HeartbeatSecond uint32

	// TimeoutSecond is the dial/socket timeout
	TimeoutSecond int
	// RequestTimeoutSecond bounds every correlated request, 0 waits forever
	RequestTimeoutSecond int

	ConnectionName string

	// Leader and StreamName are affinity hints set for pooled connections
	Leader     bool
	StreamName string

	TLS             TLSConf
	AddressResolver AddressResolverConf
	Socket          SocketConf
	TCP             TCPConf
	Pool            PoolConf

	LogLevel string
}

// DefaultClientConfig returns a configuration for a local broker
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Hostname:             "localhost",
		Port:                 DefaultPort,
		Username:             "guest",
		Password:             "guest",
		Mechanism:            MechanismPlain,
		VHost:                DefaultVHost,
		FrameMax:             DefaultFrameMax,
		HeartbeatSecond:      DefaultHeartbeatSecond,
		TimeoutSecond:        DefaultTimeoutSecond,
		RequestTimeoutSecond: DefaultRequestTimeoutSecond,
		ConnectionName:       DefaultConnectionName,
		TLS: TLSConf{
			InsecureSkipVerify: true,
		},
		AddressResolver: AddressResolverConf{
			MaxAttempts: DefaultAddressResolverTries,
		},
		TCP: TCPConf{
			TCPNoDelay: true,
		},
		Pool: PoolConf{
			MaxSharedConnectionInstances: DefaultMaxSharedConnections,
		},
		LogLevel: "info",
	}
}

// Validate checks the configuration for values that can never work
func (c *ClientConfig) Validate() error {
	if c.Hostname == "" {
		return fmt.Errorf("hostname must not be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	switch c.Mechanism {
	case MechanismPlain, MechanismExternal:
	default:
		return NewProtocolError("auth mechanism '%s' not implemented", c.Mechanism)
	}
	if c.AddressResolver.Enabled && c.AddressResolver.Host == "" {
		return fmt.Errorf("address resolver enabled without host")
	}
	return nil
}

// Endpoint returns host:port of the configured broker
func (c *ClientConfig) Endpoint() string {
	return net.JoinHostPort(c.Hostname, strconv.Itoa(c.Port))
}

// DialEndpoint returns the endpoint that is actually dialed, which is the
// address resolver when it is enabled
func (c *ClientConfig) DialEndpoint() string {
	if c.AddressResolver.Enabled {
		port := c.AddressResolver.Port
		if port == 0 {
			port = c.Port
		}
		return net.JoinHostPort(c.AddressResolver.Host, strconv.Itoa(port))
	}
	return c.Endpoint()
}

// Timeout returns the socket timeout as a duration
func (c *ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecond) * time.Second
}

// RequestTimeout returns the request timeout as a duration
func (c *ClientConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSecond) * time.Second
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	frameMax := "unlimited"
	if c.FrameMax != UnlimitedFrameMax {
		frameMax = fmt.Sprintf("%d bytes", c.FrameMax)
	}
	heartbeat := "server default"
	if c.HeartbeatSecond > 0 {
		heartbeat = fmt.Sprintf("%d sec", c.HeartbeatSecond)
	}

	addSection("Connection")
	addField("Endpoint", c.Endpoint())
	addField("Virtual Host", c.VHost)
	addField("Username", c.Username)
	addField("Mechanism", c.Mechanism)
	addField("Connection Name", c.ConnectionName)
	addField("Frame Max", frameMax)
	addField("Heartbeat", heartbeat)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Request Timeout", fmt.Sprintf("%d sec", c.RequestTimeoutSecond))

	addSection("TLS")
	addField("Enabled", strconv.FormatBool(c.TLS.Enabled))
	if c.TLS.Enabled {
		addField("Certificate", c.TLS.CertFile)
		addField("CA", c.TLS.CAFile)
		addField("Skip Verify", strconv.FormatBool(c.TLS.InsecureSkipVerify))
	}

	addSection("Address Resolver")
	addField("Enabled", strconv.FormatBool(c.AddressResolver.Enabled))
	if c.AddressResolver.Enabled {
		addField("Endpoint", c.DialEndpoint())
		addField("Max Attempts", strconv.Itoa(c.AddressResolver.MaxAttempts))
	}

	addSection("Pool")
	addField("Max Shared Instances", strconv.Itoa(c.Pool.MaxSharedConnectionInstances))

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}
