package util

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/dStream/stream/client"
	"github.com/ValentinKolb/dStream/stream/common"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"strconv"
	"strings"
	"time"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupClientFlags adds the broker connection flags to a command
func SetupClientFlags(cmd *cobra.Command) {
	defaults := common.DefaultClientConfig()
	flags := cmd.PersistentFlags()

	key := "host"
	flags.String(key, defaults.Hostname, WrapString("Hostname of the broker"))
	key = "port"
	flags.Int(key, defaults.Port, WrapString("Stream protocol port of the broker"))
	key = "username"
	flags.String(key, defaults.Username, WrapString("Username for the SASL authentication"))
	key = "password"
	flags.String(key, defaults.Password, WrapString("Password for the SASL authentication"))
	key = "mechanism"
	flags.String(key, defaults.Mechanism, WrapString("SASL mechanism (PLAIN, EXTERNAL)"))
	key = "vhost"
	flags.String(key, defaults.VHost, WrapString("Virtual host to open"))
	key = "connection-name"
	flags.String(key, defaults.ConnectionName, WrapString("Connection name shown by the broker"))

	key = "frame-max"
	flags.Uint32(key, defaults.FrameMax, WrapString("Largest frame in bytes the client accepts (0 = unlimited)"))
	key = "heartbeat"
	flags.Uint32(key, defaults.HeartbeatSecond, WrapString("Requested heartbeat interval in seconds (0 = accept the server value)"))
	key = "timeout"
	flags.Int(key, defaults.TimeoutSecond, WrapString("The timeout in seconds to connect to the broker"))
	key = "request-timeout"
	flags.Int(key, defaults.RequestTimeoutSecond, WrapString("The timeout in seconds of a single request (0 = wait forever)"))

	key = "tls"
	flags.Bool(key, false, WrapString("Whether to connect with TLS"))
	key = "tls-cert"
	flags.String(key, "", WrapString("Client certificate file (PEM)"))
	key = "tls-key"
	flags.String(key, "", WrapString("Client key file (PEM)"))
	key = "tls-ca"
	flags.String(key, "", WrapString("CA file to verify the broker certificate"))
	key = "tls-server-name"
	flags.String(key, "", WrapString("Server name for the certificate verification"))
	key = "tls-insecure"
	flags.Bool(key, defaults.TLS.InsecureSkipVerify, WrapString("Skip the verification of the broker certificate"))

	key = "resolver-host"
	flags.String(key, "", WrapString("Load balancer in front of the cluster. When set every connection goes through it until the wanted node answers"))
	key = "resolver-port"
	flags.Int(key, 0, WrapString("Port of the load balancer (0 = --port)"))
	key = "resolver-attempts"
	flags.Int(key, defaults.AddressResolver.MaxAttempts, WrapString("How many times to connect through the load balancer to reach a node"))

	key = "max-shared"
	flags.Int(key, defaults.Pool.MaxSharedConnectionInstances, WrapString("How many publishers or consumers may share one connection"))
	key = "write-buffer"
	flags.Int(key, 0, WrapString("The size of the socket write buffer (in KB, 0 = system default)"))
	key = "read-buffer"
	flags.Int(key, 0, WrapString("The size of the socket read buffer (in KB, 0 = system default)"))
	key = "tcp-nodelay"
	flags.Bool(key, defaults.TCP.TCPNoDelay, WrapString("Whether to enable TCP_NODELAY"))
	key = "tcp-keepalive"
	flags.Int(key, 0, WrapString("The keepalive interval of the socket (in seconds)"))

	key = "log-level"
	flags.String(key, defaults.LogLevel, WrapString("Log level (debug, info, warning, error)"))
}

// InitClientConfig initializes configuration from environment variables
func InitClientConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("dstream")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// GetClientConfig reads client configuration from viper
func GetClientConfig() *common.ClientConfig {
	conf := common.DefaultClientConfig()
	conf.Hostname = viper.GetString("host")
	conf.Port = viper.GetInt("port")
	conf.Username = viper.GetString("username")
	conf.Password = viper.GetString("password")
	conf.Mechanism = viper.GetString("mechanism")
	conf.VHost = viper.GetString("vhost")
	conf.ConnectionName = viper.GetString("connection-name")
	conf.FrameMax = viper.GetUint32("frame-max")
	conf.HeartbeatSecond = viper.GetUint32("heartbeat")
	conf.TimeoutSecond = viper.GetInt("timeout")
	conf.RequestTimeoutSecond = viper.GetInt("request-timeout")
	conf.TLS = common.TLSConf{
		Enabled:            viper.GetBool("tls"),
		CertFile:           viper.GetString("tls-cert"),
		KeyFile:            viper.GetString("tls-key"),
		CAFile:             viper.GetString("tls-ca"),
		ServerName:         viper.GetString("tls-server-name"),
		InsecureSkipVerify: viper.GetBool("tls-insecure"),
	}
	conf.AddressResolver = common.AddressResolverConf{
		Enabled:     viper.GetString("resolver-host") != "",
		Host:        viper.GetString("resolver-host"),
		Port:        viper.GetInt("resolver-port"),
		MaxAttempts: viper.GetInt("resolver-attempts"),
	}
	conf.Socket = common.SocketConf{
		WriteBufferSize: viper.GetInt("write-buffer") * 1024,
		ReadBufferSize:  viper.GetInt("read-buffer") * 1024,
	}
	conf.TCP = common.TCPConf{
		TCPNoDelay:      viper.GetBool("tcp-nodelay"),
		TCPKeepAliveSec: viper.GetInt("tcp-keepalive"),
	}
	conf.Pool = common.PoolConf{MaxSharedConnectionInstances: viper.GetInt("max-shared")}
	conf.LogLevel = viper.GetString("log-level")
	return &conf
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// NewClient validates the configuration, sets up logging and connects a client
func NewClient(ctx context.Context) (*client.Client, *common.ClientConfig, error) {
	conf := GetClientConfig()
	if err := conf.Validate(); err != nil {
		return nil, nil, err
	}
	if err := common.InitLoggers(conf.LogLevel); err != nil {
		return nil, nil, err
	}

	if conf.Timeout() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, conf.Timeout())
		defer cancel()
	}
	c, err := client.Connect(ctx, *conf)
	if err != nil {
		return nil, nil, err
	}
	return c, conf, nil
}

// RequestContext returns a context bounded by the request timeout
func RequestContext(ctx context.Context, conf *common.ClientConfig) (context.Context, context.CancelFunc) {
	if conf.RequestTimeout() <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, conf.RequestTimeout())
}

// ParseOffset parses an offset specification: first, last, next, an absolute
// offset, an RFC3339 timestamp or a duration relative to now (e.g. 10m)
func ParseOffset(value string) (common.OffsetSpec, error) {
	switch strings.ToLower(value) {
	case "", "next":
		return common.OffsetNext(), nil
	case "first":
		return common.OffsetFirst(), nil
	case "last":
		return common.OffsetLast(), nil
	}
	if offset, err := strconv.ParseUint(value, 10, 64); err == nil {
		return common.OffsetAt(offset), nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return common.OffsetTimestamp(t), nil
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return common.OffsetTimestamp(time.Now().Add(-d)), nil
	}
	return common.OffsetSpec{}, fmt.Errorf("invalid offset %q (first, last, next, number, timestamp or duration)", value)
}

// ParseArguments parses key=value pairs
func ParseArguments(pairs []string) (map[string]string, error) {
	arguments := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid argument %q (expected key=value)", pair)
		}
		arguments[key] = value
	}
	return arguments, nil
}

// CloseClient closes a client. The command context is cancelled on
// interrupt, closing still talks to the broker.
func CloseClient(ctx context.Context, c *client.Client, conf *common.ClientConfig) error {
	ctx = context.WithoutCancel(ctx)
	if conf.Timeout() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, conf.Timeout())
		defer cancel()
	}
	return c.Close(ctx)
}
