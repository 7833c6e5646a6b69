package sparkplugb

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"time"
)

// MQTTProtocol selects the MQTT protocol level the client speaks.
type MQTTProtocol uint

const (
	MQTTv31  MQTTProtocol = 3
	MQTTv311 MQTTProtocol = 4
)

// Transport selects the transport layer protocol used to reach the broker.
type Transport string

const (
	TransportTCP       Transport = "tcp"
	TransportWebsocket Transport = "websockets"
)

// VerifyMode defines the certificate requirements the client imposes on the
// broker.
type VerifyMode int

const (
	CertReqNone VerifyMode = iota
	CertReqOptional
	CertReqRequired
)

// TLSConfig carries the TLS material for broker connections.
type TLSConfig struct {
	// CACerts is a path to the PEM bundle of certificate authorities to
	// trust. Empty means the system pool.
	CACerts string

	// CertFile and KeyFile point to the PEM encoded client certificate and
	// private key for mutual TLS. Both or neither must be set.
	CertFile string
	KeyFile  string

	// KeyFilePassword decrypts KeyFile when it is a legacy encrypted PEM
	// block (DEK-Info header). Unencrypted keys ignore it.
	KeyFilePassword string

	// CertReqs controls broker certificate verification. CertReqNone
	// disables verification entirely.
	CertReqs VerifyMode

	// MinVersion is the minimum accepted TLS version; zero means TLS 1.2.
	MinVersion uint16

	// Ciphers restricts the allowed cipher suites; nil means the defaults.
	Ciphers []uint16
}

// build translates the config into a tls.Config, loading key material from
// disk.
func (c *TLSConfig) build() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.CertReqs == CertReqNone,
		CipherSuites:       c.Ciphers,
	}
	if c.MinVersion != 0 {
		cfg.MinVersion = c.MinVersion
	}
	if c.CACerts != "" {
		pem, err := os.ReadFile(c.CACerts)
		if err != nil {
			return nil, fmt.Errorf("reading CA certificates: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no usable CA certificates in %s", c.CACerts)
		}
		cfg.RootCAs = pool
	}
	if c.CertFile != "" || c.KeyFile != "" {
		cert, err := c.loadKeyPair()
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func (c *TLSConfig) loadKeyPair() (tls.Certificate, error) {
	if c.KeyFilePassword == "" {
		return tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	}
	certPEM, err := os.ReadFile(c.CertFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM, err := os.ReadFile(c.KeyFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return tls.Certificate{}, fmt.Errorf("no PEM block in %s", c.KeyFile)
	}
	if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck // legacy encrypted keys
		der, err := x509.DecryptPEMBlock(block, []byte(c.KeyFilePassword)) //nolint:staticcheck
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("decrypting %s: %w", c.KeyFile, err)
		}
		keyPEM = pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der})
	}
	return tls.X509KeyPair(certPEM, keyPEM)
}

// WSConfig carries websocket transport settings.
type WSConfig struct {
	// Path is the MQTT endpoint path on the broker, e.g. "/mqtt".
	Path string

	// Headers are extra headers appended to the websocket handshake.
	Headers http.Header
}

// ClientOptions configures a Client. The zero value is usable: an
// auto-generated client id, MQTT 3.1.1 over TCP, 60s keepalive.
type ClientOptions struct {
	// ClientID is the unique client id used when connecting to the broker.
	// Empty means an auto-generated id.
	ClientID string

	// Username and Password authenticate against the broker.
	Username string
	Password string

	// Keepalive is the maximum period in seconds allowed between
	// communications with the broker. Zero means 60.
	Keepalive uint16

	// Protocol is the MQTT protocol level; zero means MQTT 3.1.1.
	Protocol MQTTProtocol

	// Transport selects tcp or websockets; empty means tcp.
	Transport Transport

	// TLS enables TLS on the transport when non-nil.
	TLS *TLSConfig

	// WS tunes the websocket transport; ignored for tcp.
	WS *WSConfig

	// ReconnectOnFailure keeps the client reconnecting after a lost
	// connection.
	ReconnectOnFailure bool

	// ReconnectDelayMin and ReconnectDelayMax bound the reconnect backoff.
	// Zero values mean 1s and 120s.
	ReconnectDelayMin time.Duration
	ReconnectDelayMax time.Duration

	// PublishTimeout bounds how long a publish waits for its token. Zero
	// means 5s.
	PublishTimeout time.Duration

	// BirthCacheTTL bounds how long a remote node's birth metric set is
	// remembered for datatype resolution. Zero means 1h.
	BirthCacheTTL time.Duration
}

const (
	defaultPort           = 1883
	defaultKeepalive      = 60
	defaultPublishTimeout = 5 * time.Second
	defaultBirthCacheTTL  = time.Hour
	defaultReconnectMin   = time.Second
	defaultReconnectMax   = 120 * time.Second
)

func (o ClientOptions) keepalive() time.Duration {
	if o.Keepalive == 0 {
		return defaultKeepalive * time.Second
	}
	return time.Duration(o.Keepalive) * time.Second
}

func (o ClientOptions) publishTimeout() time.Duration {
	if o.PublishTimeout == 0 {
		return defaultPublishTimeout
	}
	return o.PublishTimeout
}

func (o ClientOptions) birthCacheTTL() time.Duration {
	if o.BirthCacheTTL == 0 {
		return defaultBirthCacheTTL
	}
	return o.BirthCacheTTL
}

// brokerURL builds the broker URL for the configured transport.
func (o ClientOptions) brokerURL(host string, port int) string {
	if port == 0 {
		port = defaultPort
	}
	scheme := "tcp"
	path := ""
	if o.Transport == TransportWebsocket {
		scheme = "ws"
		path = "/mqtt"
		if o.WS != nil && o.WS.Path != "" {
			path = o.WS.Path
		}
		if o.TLS != nil {
			scheme = "wss"
		}
	} else if o.TLS != nil {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, host, port, path)
}
