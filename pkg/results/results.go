package results

import (
	"time"

	"github.com/m-lab/speedtest/pkg/speedtest/model"
	"github.com/m-lab/speedtest/pkg/speedtest/spec"
)

// ArchivalData is the archival record of a measurement session, serialized
// as JSON to disk. Every field maps to a BigQuery column.
type ArchivalData struct {
	// ClientName and ClientVersion identify the software that ran the
	// measurement.
	ClientName    string
	ClientVersion string

	// MeasurementID uniquely identifies the session.
	MeasurementID string
	// StartTime is the time when the session started.
	StartTime time.Time
	// EndTime is the time when the archival record was built.
	EndTime time.Time

	// Ping is the mean round-trip latency to the selected server, in
	// milliseconds.
	Ping float64
	// Download and Upload are in bits per second.
	Download float64
	Upload   float64

	BytesReceived int64
	BytesSent     int64

	Client ClientData
	// Server is the selected server, zero if selection did not complete.
	Server ServerData

	// Candidates are the servers probed during selection.
	Candidates []CandidateData
	// PingSamples are the final latency samples to the selected server.
	PingSamples []LatencySample
	// Transfers are the download and upload transfers, in completion order.
	Transfers []TransferData

	// DownloadCeiling and UploadCeiling name the ceiling that ended the
	// corresponding phase, if any.
	DownloadCeiling string
	UploadCeiling   string
}

// ClientData describes the client.
type ClientData struct {
	IP        string
	ISP       string
	Country   string
	Latitude  float64
	Longitude float64
}

// ServerData describes the selected server.
type ServerData struct {
	ID        int64
	URL       string
	Host      string
	Name      string
	Country   string
	Sponsor   string
	Latitude  float64
	Longitude float64
	// Distance from the client in kilometers.
	Distance float64
}

// CandidateData is a server probed during selection.
type CandidateData struct {
	ServerID int64
	Distance float64
	// Latency is the mean of the successful probes in milliseconds, zero if
	// Reachable is false.
	Latency   float64
	Reachable bool
	Probes    []LatencySample
}

// LatencySample is a single latency probe.
type LatencySample struct {
	// RTT in milliseconds, zero on failure.
	RTT     float64
	Success bool
}

// TransferData is a single download or upload transfer.
type TransferData struct {
	Direction string
	// Size is the size token (download) or the payload size (upload).
	Size  int64
	Bytes int64
	// ElapsedTime is in microseconds.
	ElapsedTime int64
	Attempts    int64
	Outcome     string
	Error       string `json:",omitempty"`
}

func server(s model.Server) ServerData {
	return ServerData{
		ID:        int64(s.ID),
		URL:       s.URL,
		Host:      s.Host,
		Name:      s.Name,
		Country:   s.Country,
		Sponsor:   s.Sponsor,
		Latitude:  s.Location.Lat,
		Longitude: s.Location.Lon,
		Distance:  s.Distance,
	}
}

func latencySamples(samples []time.Duration) []LatencySample {
	out := make([]LatencySample, 0, len(samples))
	for _, s := range samples {
		if s == model.Unreachable {
			out = append(out, LatencySample{})
			continue
		}
		out = append(out, LatencySample{RTT: millis(s), Success: true})
	}
	return out
}

// NewArchivalData builds the archival record for a session.
func NewArchivalData(name, version string, r model.Results, candidates []model.Candidate,
	ping []time.Duration, phases ...model.PhaseResult) *ArchivalData {
	data := &ArchivalData{
		ClientName:    name,
		ClientVersion: version,
		MeasurementID: r.MeasurementID,
		StartTime:     r.Timestamp,
		EndTime:       time.Now(),
		Ping:          r.Ping,
		Download:      r.Download,
		Upload:        r.Upload,
		BytesReceived: r.BytesReceived,
		BytesSent:     r.BytesSent,
		Client: ClientData{
			IP:        r.Client.IP,
			ISP:       r.Client.ISP,
			Country:   r.Client.Country,
			Latitude:  r.Client.Location.Lat,
			Longitude: r.Client.Location.Lon,
		},
		PingSamples: latencySamples(ping),
	}
	if r.Server != nil {
		data.Server = server(*r.Server)
	}
	for _, c := range candidates {
		cd := CandidateData{
			ServerID:  int64(c.Server.ID),
			Distance:  c.Server.Distance,
			Reachable: c.Reachable(),
			Probes:    latencySamples(c.Probes),
		}
		if cd.Reachable {
			cd.Latency = millis(c.Latency)
		}
		data.Candidates = append(data.Candidates, cd)
	}
	for _, p := range phases {
		switch p.Direction {
		case spec.DirectionDownload:
			data.DownloadCeiling = p.Ceiling
		case spec.DirectionUpload:
			data.UploadCeiling = p.Ceiling
		}
		for _, s := range p.Samples {
			data.Transfers = append(data.Transfers, TransferData{
				Direction:   string(s.Direction),
				Size:        s.Size,
				Bytes:       s.Bytes,
				ElapsedTime: s.Elapsed.Microseconds(),
				Attempts:    int64(s.Attempts),
				Outcome:     string(s.Outcome),
				Error:       s.Error,
			})
		}
	}
	return data
}
