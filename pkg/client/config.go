package client

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/speedtest/pkg/speedtest/spec"
	"go.yaml.in/yaml/v3"
)

// Config is the configuration for a Client.
type Config struct {
	// ConfigURL is the location of the configuration document.
	ConfigURL string `yaml:"config_url"`
	// ServerListURLs are tried in order until one returns a usable list.
	ServerListURLs []string `yaml:"server_list_urls"`

	// SourceAddress is the local IP address (optionally with a port) to bind
	// outgoing connections to. Empty means any.
	SourceAddress string `yaml:"source_address"`
	// Timeout applies to configuration, server list and probe requests.
	Timeout time.Duration `yaml:"timeout"`
	// Secure rewrites server URLs to https.
	Secure bool `yaml:"secure"`
	// NoVerify disables the TLS certificate verification.
	NoVerify bool `yaml:"no_verify"`

	// MaxDistanceKm excludes candidates farther than this from the client,
	// unless that would exclude every candidate. Zero disables the filter.
	MaxDistanceKm float64 `yaml:"max_distance_km"`
	// MaxCandidates keeps only the closest N candidates. Zero keeps all.
	MaxCandidates int `yaml:"max_candidates"`
	// ServerID forces the server with this ID.
	ServerID int `yaml:"server_id"`

	// ProbeCount is the number of latency probes per candidate.
	ProbeCount int `yaml:"probe_count"`
	// ProbeConcurrency is the number of candidates probed at once.
	ProbeConcurrency int `yaml:"probe_concurrency"`
	// ProbeRate caps probes per second during selection. Zero is unlimited.
	ProbeRate float64 `yaml:"probe_rate"`
	// ProbeProtocol is "http" (latency.txt) or "ws" (PING/PONG).
	ProbeProtocol string `yaml:"probe_protocol"`

	// PingCount is the number of final latency probes to the selected server.
	PingCount int `yaml:"ping_count"`
	// PingInterval is the mean spacing of final latency probes.
	PingInterval time.Duration `yaml:"ping_interval"`

	// MaxAttempts is the number of attempts per transfer.
	MaxAttempts int `yaml:"max_attempts"`
	// RetryBackoff is the wait between attempts.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// DownloadByteLimit caps the bytes received during the download phase.
	DownloadByteLimit int64 `yaml:"download_byte_limit"`
	// DownloadMaxDuration and UploadMaxDuration cap the phase durations.
	DownloadMaxDuration time.Duration `yaml:"download_max_duration"`
	UploadMaxDuration   time.Duration `yaml:"upload_max_duration"`
	// ReadChunkSize is the size of each read from a download response.
	ReadChunkSize int `yaml:"read_chunk_size"`

	// NoDownload and NoUpload skip the corresponding phase in Run.
	NoDownload bool `yaml:"no_download"`
	NoUpload   bool `yaml:"no_upload"`

	// CacheTTL is how long configuration documents and server lists are
	// reused across sessions of the same Client. Zero disables caching.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// Emitter is the interface used to emit the results of the test. It can
	// be overridden to provide a custom output.
	Emitter Emitter `yaml:"-"`
	// Logger receives diagnostic logs. Nil means a stderr logger.
	Logger *log.Logger `yaml:"-"`
}

// DefaultConfig returns a Config with the default values.
func DefaultConfig() Config {
	return Config{
		ConfigURL:           spec.ConfigURL,
		ServerListURLs:      append([]string(nil), spec.ServerListURLs...),
		Timeout:             spec.DefaultTimeout,
		MaxDistanceKm:       spec.MaxDistanceKm,
		ProbeCount:          spec.ProbeCount,
		ProbeConcurrency:    4,
		ProbeProtocol:       ProbeHTTP,
		PingCount:           spec.ProbeCount,
		MaxAttempts:         spec.MaxAttempts,
		RetryBackoff:        100 * time.Millisecond,
		DownloadByteLimit:   spec.DownloadByteLimit,
		DownloadMaxDuration: spec.MaxPhaseDuration,
		UploadMaxDuration:   spec.MaxPhaseDuration,
		ReadChunkSize:       spec.ReadChunkSize,
		CacheTTL:            10 * time.Minute,
	}
}

// Probe protocols.
const (
	// ProbeHTTP times GET requests for the server's latency.txt.
	ProbeHTTP = "http"
	// ProbeWS times PING/PONG exchanges on the server's WebSocket endpoint.
	ProbeWS = "ws"
)

// Validate checks that the configuration can be used.
func (c Config) Validate() error {
	switch {
	case c.ConfigURL == "":
		return fmt.Errorf("config_url must be set")
	case len(c.ServerListURLs) == 0:
		return fmt.Errorf("server_list_urls must not be empty")
	case c.ProbeProtocol != ProbeHTTP && c.ProbeProtocol != ProbeWS:
		return fmt.Errorf("invalid probe_protocol %q", c.ProbeProtocol)
	case c.MaxDistanceKm < 0:
		return fmt.Errorf("max_distance_km must not be negative")
	case c.ProbeRate < 0:
		return fmt.Errorf("probe_rate must not be negative")
	}
	return nil
}

// LoadConfig reads a YAML configuration file. Fields missing from the file
// keep their default value; unknown fields are an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("cannot parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}
