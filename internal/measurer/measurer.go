// Package measurer runs the download and upload phases against a selected
// server.
package measurer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/speedtest/internal/metrics"
	"github.com/m-lab/speedtest/pkg/speedtest/model"
	"github.com/m-lab/speedtest/pkg/speedtest/spec"
	"golang.org/x/sync/errgroup"
)

// Doer performs HTTP requests. *http.Client implements it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options are the phase ceilings and retry policy.
type Options struct {
	// MaxAttempts is the number of attempts per transfer.
	MaxAttempts int
	// RetryBackoff is the wait between attempts.
	RetryBackoff time.Duration

	// DownloadByteLimit caps the bytes received in a download phase.
	DownloadByteLimit int64
	// DownloadMaxDuration and UploadMaxDuration cap the phase duration.
	DownloadMaxDuration time.Duration
	UploadMaxDuration   time.Duration

	// ReadChunkSize is the size of each read from a download body.
	ReadChunkSize int

	UserAgent string

	// ProgressInterval is the mean interval between progress updates. Zero
	// disables them.
	ProgressInterval time.Duration
	// OnProgress receives progress updates during a phase.
	OnProgress func(Progress)
}

// DefaultOptions returns the default ceilings and retry policy.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:         spec.MaxAttempts,
		RetryBackoff:        100 * time.Millisecond,
		DownloadByteLimit:   spec.DownloadByteLimit,
		DownloadMaxDuration: spec.MaxPhaseDuration,
		UploadMaxDuration:   spec.MaxPhaseDuration,
		ReadChunkSize:       spec.ReadChunkSize,
	}
}

// Measurer runs throughput phases. It is safe for sequential reuse.
type Measurer struct {
	client Doer
	opts   Options
	logger *log.Logger
}

// New returns a Measurer sending requests through client.
func New(client Doer, opts Options, logger *log.Logger) *Measurer {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if opts.ReadChunkSize <= 0 {
		opts.ReadChunkSize = spec.ReadChunkSize
	}
	return &Measurer{
		client: client,
		opts:   opts,
		logger: logger,
	}
}

// phaseDeadline returns the shorter of the hard cap and the configured test
// length. Non-positive values are ignored.
func phaseDeadline(max, configured time.Duration) time.Duration {
	switch {
	case max <= 0:
		return configured
	case configured > 0 && configured < max:
		return configured
	}
	return max
}

// phase holds the state shared by the transfers of one phase.
type phase struct {
	direction spec.Direction
	start     time.Time
	ceiling   *ceiling
	cancel    context.CancelFunc

	mu      sync.Mutex
	samples []model.TransferSample
}

func (p *phase) record(s model.TransferSample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.samples = append(p.samples, s)
	metrics.TransfersTotal.WithLabelValues(string(p.direction), string(s.Outcome)).Inc()
	if s.Attempts > 1 {
		metrics.TransferRetries.WithLabelValues(string(p.direction)).Add(float64(s.Attempts - 1))
	}
}

// run dispatches one transfer per element of sizes with at most threads in
// flight, until every transfer completes or the phase context is done.
func (m *Measurer) run(parent context.Context, p *phase, limit time.Duration,
	threads int, sizes []int64, transfer func(ctx context.Context, size int64) (int64, error)) model.PhaseResult {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if limit > 0 {
		ctx, cancel = context.WithTimeout(parent, limit)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	defer cancel()
	p.cancel = cancel
	p.start = time.Now()

	if m.opts.ProgressInterval > 0 && m.opts.OnProgress != nil {
		stop := startProgress(ctx, p.direction, p.start, p.ceiling.total,
			m.opts.ProgressInterval, m.opts.OnProgress)
		defer stop()
	}

	if threads <= 0 {
		threads = 1
	}
	g := &errgroup.Group{}
	g.SetLimit(threads)
	for _, size := range sizes {
		if ctx.Err() != nil {
			break
		}
		size := size
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			start := time.Now()
			bytes, attempts, err := retry(ctx, m.opts.MaxAttempts, m.opts.RetryBackoff,
				func(ctx context.Context) (int64, error) {
					return transfer(ctx, size)
				})
			sample := model.TransferSample{
				Direction: p.direction,
				Size:      size,
				Bytes:     bytes,
				Elapsed:   time.Since(start),
				Attempts:  attempts,
				Outcome:   model.OutcomeSuccess,
			}
			switch {
			case err == nil:
			case ctx.Err() != nil:
				sample.Outcome = model.OutcomePartial
			default:
				sample.Outcome = model.OutcomeFailed
				sample.Error = err.Error()
				m.logger.Warn("transfer abandoned", "direction", p.direction,
					"size", size, "attempts", attempts, "err", err)
			}
			p.record(sample)
			return nil
		})
	}
	g.Wait()
	elapsed := time.Since(p.start)

	result := model.PhaseResult{
		Direction: p.direction,
		Bytes:     p.ceiling.total(),
		Elapsed:   elapsed,
		Samples:   p.samples,
	}
	switch {
	case p.ceiling.reached():
		result.Ceiling = "bytes"
	case errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil:
		result.Ceiling = "time"
	}
	result.Speed = m.speed(p.direction, result.Bytes, elapsed)
	metrics.TransferBytes.WithLabelValues(string(p.direction)).Add(float64(result.Bytes))
	m.logger.Debug("phase complete", "direction", p.direction, "bytes", result.Bytes,
		"elapsed", elapsed, "ceiling", result.Ceiling, "failed", result.Failed())
	return result
}

// speed returns bytes*8/elapsed in bits per second, or 0 when nothing was
// transferred or the elapsed time is not measurable.
func (m *Measurer) speed(direction spec.Direction, bytes int64, elapsed time.Duration) float64 {
	if bytes <= 0 {
		return 0
	}
	if elapsed <= 0 {
		m.logger.Warn("elapsed time is zero, reporting zero speed",
			"direction", direction, "bytes", bytes)
		return 0
	}
	return float64(bytes) * 8 / elapsed.Seconds()
}

// Download fetches every download resource of cfg from server, DownloadCount
// times per size, with at most DownloadThreads transfers in flight. The phase
// ends when every transfer completes, the byte limit is reached or the phase
// deadline expires, whichever comes first.
func (m *Measurer) Download(ctx context.Context, server model.Server,
	cfg *model.Configuration) model.PhaseResult {
	var sizes []int64
	for _, size := range cfg.DownloadSizes {
		for i := 0; i < max(cfg.DownloadCount, 1); i++ {
			sizes = append(sizes, int64(size))
		}
	}
	p := &phase{
		direction: spec.DirectionDownload,
		ceiling:   &ceiling{limit: m.opts.DownloadByteLimit},
	}
	limit := phaseDeadline(m.opts.DownloadMaxDuration, cfg.DownloadLength)
	m.logger.Debug("download starting", "server", server.ID, "transfers", len(sizes),
		"threads", cfg.DownloadThreads, "limit", limit)
	return m.run(ctx, p, limit, cfg.DownloadThreads, sizes,
		func(ctx context.Context, size int64) (int64, error) {
			return m.download(ctx, p, DownloadURL(server, int(size)))
		})
}

// DownloadURL returns the download resource for the size token on server.
func DownloadURL(server model.Server, size int) string {
	return server.ResourceURL(fmt.Sprintf(spec.DownloadPathFormat, size, size)) +
		"?x=" + strconv.FormatInt(time.Now().UnixNano(), 10)
}

// download performs one download attempt. Every chunk read is added to the
// phase counter; reaching the byte limit cancels the whole phase.
func (m *Measurer) download(ctx context.Context, p *phase, url string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, &model.TransferFailure{Direction: p.direction, URL: url, Err: err}
	}
	m.setHeaders(req)
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, &model.TransferFailure{Direction: p.direction, URL: url, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, &model.TransferFailure{Direction: p.direction, URL: url, StatusCode: resp.StatusCode}
	}

	var n int64
	buf := make([]byte, m.opts.ReadChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return n, &model.TransferFailure{Direction: p.direction, URL: url, Err: err}
		}
		k, err := resp.Body.Read(buf)
		if k > 0 {
			if !p.ceiling.add(int64(k)) {
				p.cancel()
				return n, &model.TransferFailure{Direction: p.direction, URL: url, Err: context.Canceled}
			}
			n += int64(k)
			if p.ceiling.reached() {
				p.cancel()
			}
		}
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, &model.TransferFailure{Direction: p.direction, URL: url, Err: err}
		}
	}
}

// Upload POSTs one payload per element of the upload size sequence, repeated
// UploadCount times, to the server's ingest URL with at most UploadThreads
// requests in flight. Only the payloads of successful requests count.
func (m *Measurer) Upload(ctx context.Context, server model.Server,
	cfg *model.Configuration) model.PhaseResult {
	var sizes []int64
	for i := 0; i < max(cfg.UploadCount, 1); i++ {
		sizes = append(sizes, cfg.UploadSizes...)
	}
	p := &phase{
		direction: spec.DirectionUpload,
		ceiling:   &ceiling{},
	}
	limit := phaseDeadline(m.opts.UploadMaxDuration, cfg.UploadLength)
	m.logger.Debug("upload starting", "server", server.ID, "transfers", len(sizes),
		"threads", cfg.UploadThreads, "limit", limit)
	return m.run(ctx, p, limit, cfg.UploadThreads, sizes,
		func(ctx context.Context, size int64) (int64, error) {
			return m.upload(ctx, p, server.URL, size)
		})
}

// upload performs one upload attempt.
func (m *Measurer) upload(ctx context.Context, p *phase, url string, size int64) (int64, error) {
	body := NewPayload(size)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return 0, &model.TransferFailure{Direction: p.direction, URL: url, Err: err}
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	m.setHeaders(req)
	resp, err := m.client.Do(req)
	if err != nil {
		return body.Sent(), &model.TransferFailure{Direction: p.direction, URL: url, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return body.Sent(), &model.TransferFailure{Direction: p.direction, URL: url, StatusCode: resp.StatusCode}
	}
	p.ceiling.add(size)
	return size, nil
}

func (m *Measurer) setHeaders(req *http.Request) {
	if m.opts.UserAgent != "" {
		req.Header.Set("User-Agent", m.opts.UserAgent)
	}
	req.Header.Set("Cache-Control", "no-cache")
}
