// Package spec contains constants for the speedtest.net HTTP measurement
// protocol.
package spec

import "time"

const (
	// ConfigURL is the default location of the client configuration document.
	ConfigURL = "https://www.speedtest.net/speedtest-config.php"

	// LatencyPath is the resource fetched by HTTP latency probes, relative to
	// the server's base URL.
	LatencyPath = "latency.txt"

	// DownloadPathFormat is the download resource for a given size token.
	// The token is a pixel dimension: the server decides the byte count.
	DownloadPathFormat = "random%dx%d.jpg"

	// WebSocketPath is the endpoint accepting PING/PONG text commands.
	WebSocketPath = "/ws"

	// ReadChunkSize is the size of each read from a download response body.
	ReadChunkSize = 10 * 1024

	// DownloadByteLimit is the hard cap on bytes received during a download
	// phase, across all transfers.
	DownloadByteLimit = 20 * 1024 * 1024

	// MaxPhaseDuration is the hard cap on the wall-clock duration of a
	// download or upload phase.
	MaxPhaseDuration = 30 * time.Second

	// MaxAttempts is the number of attempts made for a single transfer
	// before it is abandoned.
	MaxAttempts = 3

	// ProbeCount is the default number of latency probes per candidate.
	ProbeCount = 3

	// MaxDistanceKm is the default distance prefilter threshold.
	MaxDistanceKm = 500.0

	// EarthRadiusKm is the mean Earth radius used by the haversine formula.
	EarthRadiusKm = 6371.0

	// DefaultTimeout is the default timeout for short requests.
	DefaultTimeout = 10 * time.Second

	// TimestampFormat is the layout of reported timestamps (UTC).
	TimestampFormat = "2006-01-02 15:04:05"
)

// ServerListURLs are tried in order until one returns a usable server list.
var ServerListURLs = []string{
	"https://www.speedtest.net/speedtest-servers-static.php",
	"http://c.speedtest.net/speedtest-servers-static.php",
	"https://www.speedtest.net/speedtest-servers.php",
	"http://c.speedtest.net/speedtest-servers.php",
}

// UploadSizeTable is the reference table of upload payload sizes. The
// configured ratio selects the first entry used.
var UploadSizeTable = []int64{32768, 65536, 131072, 262144, 524288, 1048576, 7340032}

// DownloadSizeTable is the reference table of download size tokens.
var DownloadSizeTable = []int{350, 500, 750, 1000, 1500, 2000, 2500, 3000, 3500, 4000}

// Direction indicates the direction of a throughput phase.
type Direction string

const (
	// DirectionDownload is the download phase.
	DirectionDownload = Direction("download")

	// DirectionUpload is the upload phase.
	DirectionUpload = Direction("upload")
)

// Phase is one sequential stage of a measurement session.
type Phase string

const (
	// PhaseConfig fetches the configuration document.
	PhaseConfig = Phase("config")
	// PhaseSelect fetches the server list and selects a server.
	PhaseSelect = Phase("select")
	// PhasePing measures the latency to the selected server.
	PhasePing = Phase("ping")
	// PhaseDownload measures download throughput.
	PhaseDownload = Phase("download")
	// PhaseUpload measures upload throughput.
	PhaseUpload = Phase("upload")
)
