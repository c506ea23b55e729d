package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"github.com/ValentinKolb/dStream/stream/common"
	"github.com/ValentinKolb/dStream/stream/transport"
	"github.com/ValentinKolb/dStream/stream/transport/tcp"
	"github.com/pkg/errors"
	"net"
	"os"
	"time"
)

// clientConnector implements the IClientConnector interface for TLS over TCP
type clientConnector struct {
	timeout   time.Duration
	tlsConfig *tls.Config
}

// NewConnector creates a TLS connector. Certificates are loaded once here so a
// broken configuration fails before the first dial.
func NewConnector(config common.ClientConfig) (transport.IClientConnector, error) {
	tlsConfig, err := BuildTLSConfig(config.TLS, config.Hostname)
	if err != nil {
		return nil, err
	}
	return &clientConnector{timeout: config.Timeout(), tlsConfig: tlsConfig}, nil
}

// BuildTLSConfig creates the crypto/tls configuration from TLSConf
func BuildTLSConfig(conf common.TLSConf, hostname string) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		ServerName:         conf.ServerName,
		InsecureSkipVerify: conf.InsecureSkipVerify,
	}
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = hostname
	}

	if conf.InsecureSkipVerify {
		transport.Logger.Warningf("TLS certificate verification is disabled, set InsecureSkipVerify=false to verify the broker certificate")
	}

	if conf.CertFile != "" || conf.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(conf.CertFile, conf.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if conf.CAFile != "" {
		pem, err := os.ReadFile(conf.CAFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read CA file")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificates found in %s", conf.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IClientConnector)
// --------------------------------------------------------------------------

func (c *clientConnector) GetName() string {
	return "tls"
}

func (c *clientConnector) Connect(ctx context.Context, endpoint string) (net.Conn, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: c.timeout},
		Config:    c.tlsConfig,
	}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", endpoint)
	}
	return conn, nil
}

func (c *clientConnector) UpgradeConnection(conn net.Conn, config common.ClientConfig) error {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return tcp.UpgradeTCPConn(conn, config)
	}
	return tcp.UpgradeTCPConn(tlsConn.NetConn(), config)
}
