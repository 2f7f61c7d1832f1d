// Package results reduces the samples collected by a session into reported
// metrics and archival records.
package results

import (
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/speedtest/pkg/speedtest/model"
	"github.com/m-lab/speedtest/pkg/speedtest/spec"
)

// Aggregator accumulates the outcome of each phase into a model.Results.
// Phases are sequential, so it is not safe for concurrent use.
type Aggregator struct {
	results model.Results
	logger  *log.Logger
}

// NewAggregator returns an Aggregator for the session identified by id that
// started at start.
func NewAggregator(id string, start time.Time, logger *log.Logger) *Aggregator {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Aggregator{
		results: model.Results{
			MeasurementID: id,
			Timestamp:     start,
		},
		logger: logger,
	}
}

// SetClient records the client identity.
func (a *Aggregator) SetClient(c model.ClientInfo) {
	a.results.Client = c
}

// SetServer records the selected server.
func (a *Aggregator) SetServer(s model.Server) {
	a.results.Server = &s
}

// AddPing records the mean of the successful samples, in milliseconds. If
// no sample succeeded, ping is 0 and a warning is logged.
func (a *Aggregator) AddPing(samples []time.Duration) {
	ping, ok := PingMillis(samples)
	if !ok {
		a.logger.Warn("no latency sample succeeded, reporting zero ping",
			"samples", len(samples))
	}
	a.results.Ping = ping
}

// AddPhase records the speed and byte count of a throughput phase.
func (a *Aggregator) AddPhase(p model.PhaseResult) {
	switch p.Direction {
	case spec.DirectionDownload:
		a.results.Download = p.Speed
		a.results.BytesReceived = p.Bytes
	case spec.DirectionUpload:
		a.results.Upload = p.Speed
		a.results.BytesSent = p.Bytes
	}
}

// Results returns a snapshot of the accumulated results.
func (a *Aggregator) Results() model.Results {
	r := a.results
	if r.Server != nil {
		s := *r.Server
		r.Server = &s
	}
	return r
}

// PingMillis returns the mean of the successful samples in milliseconds
// and whether there was any.
func PingMillis(samples []time.Duration) (float64, bool) {
	var sum time.Duration
	n := 0
	for _, s := range samples {
		if s == model.Unreachable {
			continue
		}
		sum += s
		n++
	}
	if n == 0 {
		return 0, false
	}
	return millis(sum / time.Duration(n)), true
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
