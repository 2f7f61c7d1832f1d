package client

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/m-lab/speedtest/pkg/speedtest/model"
	"github.com/m-lab/speedtest/pkg/speedtest/spec"
)

// Emitter is an interface for emitting results.
type Emitter interface {
	// OnPhaseStart is called when a phase starts.
	OnPhaseStart(phase spec.Phase)
	// OnServerSelected is called when the server has been selected.
	OnServerSelected(s model.SelectedServer)
	// OnPing is called with the mean latency to the selected server, in ms.
	OnPing(ms float64)
	// OnProgress is called periodically during throughput phases.
	OnProgress(direction spec.Direction, bytes int64, elapsed time.Duration)
	// OnPhaseResult is called when a throughput phase completes.
	OnPhaseResult(r model.PhaseResult)
	// OnError is called on errors.
	OnError(err error)
	// OnDebug is called to print debug information.
	OnDebug(msg string)
	// OnSummary is called to print summary information.
	OnSummary(r model.Results)
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	valueStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// HumanReadable prints human-readable output to stdout.
// It can be configured to include debug output, too.
type HumanReadable struct {
	Debug bool
	// Out is where output is written. Nil means stdout.
	Out io.Writer
}

func (e HumanReadable) out() io.Writer {
	if e.Out == nil {
		return os.Stdout
	}
	return e.Out
}

// OnPhaseStart prints the phase name.
func (e HumanReadable) OnPhaseStart(phase spec.Phase) {
	switch phase {
	case spec.PhaseConfig:
		fmt.Fprintln(e.out(), "Retrieving configuration...")
	case spec.PhaseSelect:
		fmt.Fprintln(e.out(), "Selecting best server based on latency...")
	case spec.PhaseDownload:
		fmt.Fprintln(e.out(), "Testing download speed...")
	case spec.PhaseUpload:
		fmt.Fprintln(e.out(), "Testing upload speed...")
	}
}

// OnServerSelected prints the selected server.
func (e HumanReadable) OnServerSelected(s model.SelectedServer) {
	fmt.Fprintf(e.out(), "Hosted by %s (%s) [%.2f km]\n",
		s.Server.Sponsor, s.Server.Name, s.Server.Distance)
}

// OnPing prints the latency.
func (e HumanReadable) OnPing(ms float64) {
	fmt.Fprintf(e.out(), "Ping: %s\n", valueStyle.Render(fmt.Sprintf("%.2f ms", ms)))
}

// OnProgress is called periodically during throughput phases.
func (e HumanReadable) OnProgress(direction spec.Direction, bytes int64, elapsed time.Duration) {
	e.OnDebug(fmt.Sprintf("%s: %s in %.1fs", direction,
		humanize.Bytes(uint64(bytes)), elapsed.Seconds()))
}

// OnPhaseResult prints the speed of a throughput phase.
func (e HumanReadable) OnPhaseResult(r model.PhaseResult) {
	label := "Download"
	if r.Direction == spec.DirectionUpload {
		label = "Upload"
	}
	fmt.Fprintf(e.out(), "%s: %s (%s in %.2fs)\n", label,
		valueStyle.Render(fmt.Sprintf("%.2f Mbit/s", r.Speed/1e6)),
		humanize.Bytes(uint64(r.Bytes)), r.Elapsed.Seconds())
	if n := r.Failed(); n > 0 {
		fmt.Fprintf(e.out(), "  %d of %d transfers failed\n", n, len(r.Samples))
	}
}

// OnError is called on errors.
func (e HumanReadable) OnError(err error) {
	fmt.Fprintln(e.out(), errorStyle.Render(err.Error()))
}

// OnDebug is called to print debug information.
func (e HumanReadable) OnDebug(msg string) {
	if e.Debug {
		fmt.Fprintf(e.out(), "DEBUG: %s\n", msg)
	}
}

// OnSummary prints the session results.
func (e HumanReadable) OnSummary(r model.Results) {
	w := e.out()
	fmt.Fprintln(w)
	fmt.Fprintln(w, titleStyle.Render("Test results:"))
	if r.Server != nil {
		fmt.Fprintf(w, "  Server:   %s (%s, id %d)\n", r.Server.Sponsor, r.Server.Name, r.Server.ID)
	}
	fmt.Fprintf(w, "  Ping:     %.2f ms\n", r.Ping)
	fmt.Fprintf(w, "  Download: %.2f Mbit/s\n", r.DownloadMbps())
	fmt.Fprintf(w, "  Upload:   %.2f Mbit/s\n", r.UploadMbps())
	fmt.Fprintf(w, "  Received: %s, sent: %s\n",
		humanize.Bytes(uint64(r.BytesReceived)), humanize.Bytes(uint64(r.BytesSent)))
	fmt.Fprintf(w, "  Client:   %s (%s)\n", r.Client.IP, r.Client.ISP)
	fmt.Fprintf(w, "  Time:     %s UTC\n", r.FormatTimestamp())
}

// Checks that HumanReadable implements Emitter.
var _ Emitter = &HumanReadable{}

// JSON writes one JSON object per event, one per line.
type JSON struct {
	Debug bool
	Out   io.Writer

	mu sync.Mutex
}

// Event is a single line of JSON output.
type Event struct {
	Type      string
	Phase     spec.Phase         `json:",omitempty"`
	Direction spec.Direction     `json:",omitempty"`
	Bytes     int64              `json:",omitempty"`
	Elapsed   float64            `json:",omitempty"`
	Ping      float64            `json:",omitempty"`
	Server    *model.Server      `json:",omitempty"`
	Result    *model.PhaseResult `json:",omitempty"`
	Summary   *SummaryData       `json:",omitempty"`
	Message   string             `json:",omitempty"`
}

// SummaryData is the JSON form of the session results.
type SummaryData struct {
	MeasurementID string
	Timestamp     string
	Ping          float64

	// Download and Upload are in bits per second.
	Download float64
	Upload   float64

	BytesReceived int64
	BytesSent     int64
	ClientIP      string
	Server        *model.Server `json:",omitempty"`
}

func (e *JSON) emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.Out
	if out == nil {
		out = os.Stdout
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	out.Write(append(b, '\n'))
}

// OnPhaseStart emits a "start" event.
func (e *JSON) OnPhaseStart(phase spec.Phase) {
	e.emit(Event{Type: "start", Phase: phase})
}

// OnServerSelected emits a "server" event.
func (e *JSON) OnServerSelected(s model.SelectedServer) {
	e.emit(Event{Type: "server", Server: &s.Server, Ping: float64(s.Latency) / float64(time.Millisecond)})
}

// OnPing emits a "ping" event.
func (e *JSON) OnPing(ms float64) {
	e.emit(Event{Type: "ping", Ping: ms})
}

// OnProgress emits a "progress" event.
func (e *JSON) OnProgress(direction spec.Direction, bytes int64, elapsed time.Duration) {
	e.emit(Event{Type: "progress", Direction: direction, Bytes: bytes, Elapsed: elapsed.Seconds()})
}

// OnPhaseResult emits a "result" event.
func (e *JSON) OnPhaseResult(r model.PhaseResult) {
	e.emit(Event{Type: "result", Direction: r.Direction, Result: &r})
}

// OnError emits an "error" event.
func (e *JSON) OnError(err error) {
	e.emit(Event{Type: "error", Message: err.Error()})
}

// OnDebug emits a "debug" event if Debug is set.
func (e *JSON) OnDebug(msg string) {
	if e.Debug {
		e.emit(Event{Type: "debug", Message: msg})
	}
}

// OnSummary emits a "summary" event.
func (e *JSON) OnSummary(r model.Results) {
	e.emit(Event{Type: "summary", Summary: &SummaryData{
		MeasurementID: r.MeasurementID,
		Timestamp:     r.FormatTimestamp(),
		Ping:          r.Ping,
		Download:      r.Download,
		Upload:        r.Upload,
		BytesReceived: r.BytesReceived,
		BytesSent:     r.BytesSent,
		ClientIP:      r.Client.IP,
		Server:        r.Server,
	}})
}

var _ Emitter = &JSON{}

// discard is an Emitter that ignores every event.
type discard struct{}

func (discard) OnPhaseStart(spec.Phase) {}
func (discard) OnServerSelected(model.SelectedServer) {}
func (discard) OnPing(float64) {}
func (discard) OnProgress(spec.Direction, int64, time.Duration) {}
func (discard) OnPhaseResult(model.PhaseResult) {}
func (discard) OnError(error) {}
func (discard) OnDebug(string) {}
func (discard) OnSummary(model.Results) {}
