package model

import (
	"time"

	"github.com/m-lab/speedtest/pkg/speedtest/spec"
)

// Results contains the aggregate metrics of a measurement session.
type Results struct {
	// MeasurementID identifies the session.
	MeasurementID string
	// Ping is the mean round-trip latency to the selected server, in
	// milliseconds.
	Ping float64
	// Download is the download speed in bits per second.
	Download float64
	// Upload is the upload speed in bits per second.
	Upload float64

	BytesReceived int64
	BytesSent     int64

	// Timestamp is the session start time.
	Timestamp time.Time
	// Server is the selected server, nil until selection completes.
	Server *Server
	// Client is the client as described by the configuration document.
	Client ClientInfo
}

// DownloadMbps returns the download speed in megabits per second.
func (r Results) DownloadMbps() float64 {
	return r.Download / 1e6
}

// UploadMbps returns the upload speed in megabits per second.
func (r Results) UploadMbps() float64 {
	return r.Upload / 1e6
}

// FormatTimestamp returns the session timestamp in UTC.
func (r Results) FormatTimestamp() string {
	if r.Timestamp.IsZero() {
		return ""
	}
	return r.Timestamp.UTC().Format(spec.TimestampFormat)
}
