// Package client runs speedtest.net-protocol measurement sessions.
package client

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/m-lab/speedtest/internal/latency"
	"github.com/m-lab/speedtest/internal/netx"
	"github.com/m-lab/speedtest/internal/provider"
	"github.com/m-lab/speedtest/pkg/speedtest/model"
	"github.com/m-lab/speedtest/pkg/version"
)

const (
	// DefaultWebSocketHandshakeTimeout is the default timeout used by the
	// client for the WebSocket handshake.
	DefaultWebSocketHandshakeTimeout = 5 * time.Second

	libraryName = "speedtest-client"
)

var libraryVersion = version.Version

// Client owns the network resources shared by its sessions: the dialer, the
// HTTP transport and the caches of configuration documents and server
// lists. A Client must be closed when no longer needed.
type Client struct {
	// ClientName is the name of the client sent to the server as part of the user-agent.
	ClientName string
	// ClientVersion is the version of the client sent to the server as part of the user-agent.
	ClientVersion string

	config Config
	logger *log.Logger

	dialer     *netx.Dialer
	transport  *http.Transport
	httpClient *http.Client
	wsDialer   *websocket.Dialer

	configs *provider.ConfigProvider
	catalog *provider.ServerCatalog
}

// makeUserAgent creates the user agent string.
func makeUserAgent(clientName, clientVersion string) string {
	return clientName + "/" + clientVersion + " " + libraryName + "/" + libraryVersion
}

// New returns a new Client with the provided client name, version and config.
// It panics if clientName or clientVersion are empty. It fails if the config
// is invalid or the source address cannot be used.
func New(clientName, clientVersion string, config Config) (*Client, error) {
	if clientName == "" || clientVersion == "" {
		panic("client name and version must be non-empty")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Emitter == nil {
		config.Emitter = discard{}
	}
	logger := config.Logger
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	}

	dialer, err := netx.NewDialer(config.SourceAddress, config.Timeout)
	if err != nil {
		return nil, err
	}
	if addr := dialer.LocalAddr(); addr != nil {
		logger.Debug("binding connections to source address", "addr", addr)
	}
	tlsConfig := &tls.Config{InsecureSkipVerify: config.NoVerify}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   config.Timeout,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	httpClient := &http.Client{Transport: transport}
	userAgent := makeUserAgent(clientName, clientVersion)

	return &Client{
		ClientName:    clientName,
		ClientVersion: clientVersion,

		config: config,
		logger: logger,

		dialer:     dialer,
		transport:  transport,
		httpClient: httpClient,
		wsDialer: &websocket.Dialer{
			NetDialContext:   dialer.DialContext,
			HandshakeTimeout: DefaultWebSocketHandshakeTimeout,
			TLSClientConfig:  tlsConfig,
		},

		configs: provider.NewConfigProvider(httpClient, config.ConfigURL, userAgent,
			config.Timeout, config.CacheTTL, logger),
		catalog: provider.NewServerCatalog(httpClient, config.ServerListURLs, userAgent,
			config.Timeout, config.CacheTTL, config.Secure, logger),
	}, nil
}

// Close releases the connections held by the client.
func (c *Client) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}

// NetworkBytes returns the bytes read and written on every connection
// dialed by this client.
func (c *Client) NetworkBytes() (int64, int64) {
	return c.dialer.Counters().Load()
}

// Purge drops the cached configuration and server list.
func (c *Client) Purge() {
	c.configs.Purge()
	c.catalog.Purge()
}

func (c *Client) userAgent() string {
	return makeUserAgent(c.ClientName, c.ClientVersion)
}

// prober returns the latency probe for the configured protocol.
func (c *Client) prober() latency.Prober {
	if c.config.ProbeProtocol == ProbeWS {
		return &latency.WSProbe{
			Dialer:    c.wsDialer,
			Timeout:   c.config.Timeout,
			Secure:    c.config.Secure,
			UserAgent: c.userAgent(),
		}
	}
	return &latency.HTTPProbe{
		Client:    c.httpClient,
		Timeout:   c.config.Timeout,
		UserAgent: c.userAgent(),
	}
}

// Run creates a Client, runs a single session and closes the Client on
// every exit path. On failure, the returned Results hold whatever phases
// completed.
func Run(ctx context.Context, clientName, clientVersion string, config Config) (model.Results, error) {
	c, err := New(clientName, clientVersion, config)
	if err != nil {
		return model.Results{}, err
	}
	defer c.Close()
	return c.NewSession().Run(ctx)
}
