package client

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/m-lab/speedtest/internal/latency"
	"github.com/m-lab/speedtest/internal/measurer"
	"github.com/m-lab/speedtest/internal/metrics"
	"github.com/m-lab/speedtest/internal/provider"
	"github.com/m-lab/speedtest/internal/selector"
	"github.com/m-lab/speedtest/pkg/results"
	"github.com/m-lab/speedtest/pkg/speedtest/model"
	"github.com/m-lab/speedtest/pkg/speedtest/spec"
)

// Session is a single measurement session. Its phases must run in order:
// FetchConfig, SelectServer, then Ping, Download and Upload. Calling a phase
// before its prerequisite returns a *model.SessionStateError. A Session is
// not safe for concurrent use.
type Session struct {
	client *Client
	id     string
	agg    *results.Aggregator

	config     *model.Configuration
	selected   *model.SelectedServer
	candidates []model.Candidate
	ping       []time.Duration
	phases     []model.PhaseResult
}

// NewSession returns a new Session using the client's resources.
func (c *Client) NewSession() *Session {
	id := uuid.NewString()
	return &Session{
		client: c,
		id:     id,
		agg:    results.NewAggregator(id, time.Now().UTC(), c.logger.With("mid", id)),
	}
}

// ID returns the measurement ID of the session.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) fail(phase spec.Phase, err error) error {
	s.client.config.Emitter.OnError(err)
	return &model.PhaseError{Phase: phase, Err: err}
}

// FetchConfig retrieves the measurement configuration.
func (s *Session) FetchConfig(ctx context.Context) (*model.Configuration, error) {
	s.client.config.Emitter.OnPhaseStart(spec.PhaseConfig)
	cfg, err := s.client.configs.Fetch(ctx)
	if err != nil {
		return nil, s.fail(spec.PhaseConfig, err)
	}
	s.config = cfg
	s.agg.SetClient(cfg.Client)
	s.client.config.Emitter.OnDebug(fmt.Sprintf("client %s (%s), %d upload sizes x %d, %d download threads",
		cfg.Client.IP, cfg.Client.ISP, len(cfg.UploadSizes), cfg.UploadCount, cfg.DownloadThreads))
	return cfg, nil
}

// SelectServer fetches the server list and selects the server with the
// lowest latency.
func (s *Session) SelectServer(ctx context.Context) (*model.SelectedServer, error) {
	if s.config == nil {
		return nil, &model.SessionStateError{Phase: spec.PhaseSelect, Requires: spec.PhaseConfig}
	}
	s.client.config.Emitter.OnPhaseStart(spec.PhaseSelect)
	servers, err := s.client.catalog.Fetch(ctx)
	if err != nil {
		return nil, s.fail(spec.PhaseSelect, err)
	}
	provider.Annotate(servers, s.config.Client.Location)

	cfg := s.client.config
	sel := selector.New(s.client.prober(), selector.Options{
		MaxDistanceKm:    cfg.MaxDistanceKm,
		MaxCandidates:    cfg.MaxCandidates,
		ServerID:         cfg.ServerID,
		ProbeCount:       cfg.ProbeCount,
		ProbeConcurrency: cfg.ProbeConcurrency,
		ProbeRate:        cfg.ProbeRate,
	}, s.client.logger)
	best, candidates, err := sel.Select(ctx, servers, s.config)
	s.candidates = candidates
	if err != nil {
		return nil, s.fail(spec.PhaseSelect, err)
	}
	s.selected = best
	s.agg.SetServer(best.Server)
	s.client.config.Emitter.OnServerSelected(*best)
	return best, nil
}

// Ping measures the latency to the selected server and returns the mean of
// the successful probes in milliseconds, or 0 if none succeeded.
func (s *Session) Ping(ctx context.Context) (float64, error) {
	if s.selected == nil {
		return 0, &model.SessionStateError{Phase: spec.PhasePing, Requires: spec.PhaseSelect}
	}
	s.client.config.Emitter.OnPhaseStart(spec.PhasePing)
	samples, errs := latency.Series(ctx, s.client.prober(), s.selected.Server,
		s.client.config.PingCount, s.client.config.PingInterval)
	if err := ctx.Err(); err != nil {
		return 0, s.fail(spec.PhasePing, err)
	}
	for _, err := range errs {
		s.client.config.Emitter.OnDebug(err.Error())
	}
	s.ping = samples
	s.agg.AddPing(samples)
	ping := s.agg.Results().Ping
	s.client.config.Emitter.OnPing(ping)
	return ping, nil
}

func (s *Session) measurer() *measurer.Measurer {
	cfg := s.client.config
	emitter := cfg.Emitter
	return measurer.New(s.client.httpClient, measurer.Options{
		MaxAttempts:         cfg.MaxAttempts,
		RetryBackoff:        cfg.RetryBackoff,
		DownloadByteLimit:   cfg.DownloadByteLimit,
		DownloadMaxDuration: cfg.DownloadMaxDuration,
		UploadMaxDuration:   cfg.UploadMaxDuration,
		ReadChunkSize:       cfg.ReadChunkSize,
		UserAgent:           s.client.userAgent(),
		ProgressInterval:    250 * time.Millisecond,
		OnProgress: func(p measurer.Progress) {
			emitter.OnProgress(p.Direction, p.Bytes, p.Elapsed)
		},
	}, s.client.logger)
}

func (s *Session) throughput(ctx context.Context, phase spec.Phase,
	run func(context.Context, model.Server, *model.Configuration) model.PhaseResult) (model.PhaseResult, error) {
	if s.selected == nil {
		return model.PhaseResult{}, &model.SessionStateError{Phase: phase, Requires: spec.PhaseSelect}
	}
	s.client.config.Emitter.OnPhaseStart(phase)
	rxBefore, txBefore := s.client.NetworkBytes()
	r := run(ctx, s.selected.Server, s.config)
	if err := ctx.Err(); err != nil {
		return r, s.fail(phase, err)
	}
	rx, tx := s.client.NetworkBytes()
	s.client.config.Emitter.OnDebug(fmt.Sprintf("%s: network bytes read %d, written %d",
		phase, rx-rxBefore, tx-txBefore))
	s.phases = append(s.phases, r)
	s.agg.AddPhase(r)
	s.client.config.Emitter.OnPhaseResult(r)
	return r, nil
}

// Download runs the download phase against the selected server.
func (s *Session) Download(ctx context.Context) (model.PhaseResult, error) {
	return s.throughput(ctx, spec.PhaseDownload, s.measurer().Download)
}

// Upload runs the upload phase against the selected server.
func (s *Session) Upload(ctx context.Context) (model.PhaseResult, error) {
	return s.throughput(ctx, spec.PhaseUpload, s.measurer().Upload)
}

// Results returns a snapshot of the results of the completed phases.
func (s *Session) Results() model.Results {
	return s.agg.Results()
}

// Archival returns the archival record of the session.
func (s *Session) Archival() *results.ArchivalData {
	return results.NewArchivalData(s.client.ClientName, s.client.ClientVersion,
		s.Results(), s.candidates, s.ping, s.phases...)
}

// Run runs every phase in order, skipping the throughput phases disabled in
// the client's Config. It stops at the first fatal error, which is returned
// as a *model.PhaseError together with the results of the completed phases.
func (s *Session) Run(ctx context.Context) (model.Results, error) {
	cfg := s.client.config
	phase, err := s.run(ctx)
	if err != nil {
		metrics.Sessions.WithLabelValues(string(phase)).Inc()
		return s.Results(), err
	}
	metrics.Sessions.WithLabelValues("complete").Inc()
	r := s.Results()
	cfg.Emitter.OnSummary(r)
	return r, nil
}

func (s *Session) run(ctx context.Context) (spec.Phase, error) {
	if _, err := s.FetchConfig(ctx); err != nil {
		return spec.PhaseConfig, err
	}
	if _, err := s.SelectServer(ctx); err != nil {
		return spec.PhaseSelect, err
	}
	if _, err := s.Ping(ctx); err != nil {
		return spec.PhasePing, err
	}
	if !s.client.config.NoDownload {
		if _, err := s.Download(ctx); err != nil {
			return spec.PhaseDownload, err
		}
	}
	if !s.client.config.NoUpload {
		if _, err := s.Upload(ctx); err != nil {
			return spec.PhaseUpload, err
		}
	}
	return "", nil
}
