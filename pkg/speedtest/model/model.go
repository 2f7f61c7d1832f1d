// Package model contains the data types shared by the speedtest client
// components.
package model

import (
	"math"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/m-lab/speedtest/pkg/speedtest/spec"
)

// Unreachable is the latency of a probe or a candidate that never answered.
const Unreachable = time.Duration(math.MaxInt64)

// Coordinate is a geographic coordinate in degrees.
type Coordinate struct {
	Lat float64
	Lon float64
}

// ClientInfo describes the client as seen by the configuration service.
type ClientInfo struct {
	// IP is the client's public address.
	IP string

	ISP     string
	Country string
	// Location is the client's estimated geographic position.
	Location Coordinate
}

// Configuration is the measurement configuration derived from the
// configuration document. It is never modified after Fetch returns it.
type Configuration struct {
	Client ClientInfo

	// IgnoreIDs lists the IDs of servers that must not be selected.
	IgnoreIDs []int

	// DownloadSizes are the download size tokens, in order.
	DownloadSizes []int
	// UploadSizes are the upload payload sizes in bytes, in order. It is
	// never empty and is non-decreasing.
	UploadSizes []int64

	// DownloadCount and UploadCount are the number of repetitions of each
	// size for the corresponding direction.
	DownloadCount int
	UploadCount   int

	// DownloadThreads and UploadThreads cap the number of concurrent
	// transfers for the corresponding direction.
	DownloadThreads int
	UploadThreads   int

	// DownloadLength and UploadLength are the test length ceilings.
	DownloadLength time.Duration
	UploadLength   time.Duration

	// UploadMax is the total number of upload requests.
	UploadMax int
}

// Server is a candidate measurement endpoint.
type Server struct {
	ID int
	// URL is the server's upload (ingest) URL as listed by the catalog.
	URL string

	Name    string
	Country string
	Sponsor string
	Host    string

	Location Coordinate
	// Distance from the client in kilometers. Zero until annotated.
	Distance float64
}

// BaseURL returns the URL other resources are resolved against: the
// directory containing the ingest URL.
func (s Server) BaseURL() string {
	u, err := url.Parse(s.URL)
	if err != nil {
		return strings.TrimRight(s.URL, "/")
	}
	u.RawQuery = ""
	u.Fragment = ""
	if path.Ext(u.Path) != "" {
		u.Path = path.Dir(u.Path)
	}
	return strings.TrimRight(u.String(), "/")
}

// ResourceURL returns the URL of name under the server's base URL.
func (s Server) ResourceURL(name string) string {
	return s.BaseURL() + "/" + strings.TrimLeft(name, "/")
}

// Candidate is a server under consideration during selection, with its
// measured latency.
type Candidate struct {
	Server  Server
	Latency time.Duration
	// Probes holds every probe sample, Unreachable for failures.
	Probes []time.Duration
}

// Reachable reports whether at least one probe succeeded.
func (c Candidate) Reachable() bool {
	return c.Latency != Unreachable
}

// SelectedServer is the server chosen for the throughput phases.
type SelectedServer struct {
	Server  Server
	Latency time.Duration
}

// Outcome is the outcome of a single transfer.
type Outcome string

const (
	// OutcomeSuccess is a transfer that completed.
	OutcomeSuccess = Outcome("success")
	// OutcomePartial is a transfer interrupted by a phase ceiling.
	OutcomePartial = Outcome("partial")
	// OutcomeFailed is a transfer abandoned after a non-transient error or
	// after the last attempt.
	OutcomeFailed = Outcome("failed")
)

// TransferSample is one completed, interrupted or abandoned transfer.
type TransferSample struct {
	Direction spec.Direction
	// Size is the size token (download) or payload size (upload).
	Size     int64
	Bytes    int64
	Elapsed  time.Duration
	Attempts int
	Outcome  Outcome
	Error    string `json:",omitempty"`
}

// PhaseResult is the outcome of a download or upload phase.
type PhaseResult struct {
	Direction spec.Direction
	Bytes     int64
	Elapsed   time.Duration
	// Speed in bits per second.
	Speed   float64
	Samples []TransferSample
	// Ceiling names the ceiling that ended the phase, if any ("bytes" or
	// "time").
	Ceiling string `json:",omitempty"`
}

// Failed returns the number of abandoned transfers.
func (p PhaseResult) Failed() int {
	n := 0
	for _, s := range p.Samples {
		if s.Outcome == OutcomeFailed {
			n++
		}
	}
	return n
}
