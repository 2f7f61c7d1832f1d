// Package selector picks the measurement server with the lowest latency.
package selector

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/speedtest/internal/latency"
	"github.com/m-lab/speedtest/pkg/speedtest/model"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Options controls how candidates are narrowed down and probed.
type Options struct {
	// MaxDistanceKm excludes servers farther than this from the client.
	// Zero disables the filter.
	MaxDistanceKm float64
	// MaxCandidates keeps only the N closest servers. Zero keeps all.
	MaxCandidates int
	// ServerID forces the server with this ID. Zero disables it.
	ServerID int

	// ProbeCount is the number of probes sent to each candidate.
	ProbeCount int
	// ProbeConcurrency caps the number of candidates probed at once.
	ProbeConcurrency int
	// ProbeRate caps the number of probes started per second across all
	// candidates. Zero means unlimited.
	ProbeRate float64
}

// Selector measures candidate servers and picks the closest in latency.
type Selector struct {
	probe   latency.Prober
	opts    Options
	limiter *rate.Limiter
	logger  *log.Logger
}

// New returns a Selector that probes candidates with probe.
func New(probe latency.Prober, opts Options, logger *log.Logger) *Selector {
	if opts.ProbeCount <= 0 {
		opts.ProbeCount = 1
	}
	if opts.ProbeConcurrency <= 0 {
		opts.ProbeConcurrency = 1
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.ProbeRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.ProbeRate), 1)
	}
	return &Selector{
		probe:   probe,
		opts:    opts,
		limiter: limiter,
		logger:  logger,
	}
}

// Candidates applies the ID, ignore-list and distance filters to servers and
// returns the servers to probe, in catalog order. servers must already be
// annotated with their distance.
func (s *Selector) Candidates(servers []model.Server, ignore []int) ([]model.Server, error) {
	if len(servers) == 0 {
		return nil, &model.NoServerAvailableError{Reason: "empty server list"}
	}
	if s.opts.ServerID != 0 {
		for _, srv := range servers {
			if srv.ID == s.opts.ServerID {
				return []model.Server{srv}, nil
			}
		}
		return nil, &model.NoServerAvailableError{
			Reason: fmt.Sprintf("server %d not in server list", s.opts.ServerID),
		}
	}

	candidates := servers
	if len(ignore) > 0 {
		ignored := make(map[int]bool, len(ignore))
		for _, id := range ignore {
			ignored[id] = true
		}
		candidates = keep(candidates, "ignore list", s.logger, func(srv model.Server) bool {
			return !ignored[srv.ID]
		})
	}
	if s.opts.MaxDistanceKm > 0 {
		candidates = keep(candidates, "distance", s.logger, func(srv model.Server) bool {
			return srv.Distance <= s.opts.MaxDistanceKm
		})
	}
	if s.opts.MaxCandidates > 0 && len(candidates) > s.opts.MaxCandidates {
		candidates = closest(candidates, s.opts.MaxCandidates)
	}
	return candidates, nil
}

// keep returns the servers matching pred. If none match, the input is
// returned unchanged.
func keep(servers []model.Server, filter string, logger *log.Logger,
	pred func(model.Server) bool) []model.Server {
	var out []model.Server
	for _, srv := range servers {
		if pred(srv) {
			out = append(out, srv)
		}
	}
	if len(out) == 0 {
		logger.Warn("filter would exclude every server, ignoring it", "filter", filter)
		return servers
	}
	return out
}

// closest keeps the n servers with the smallest distance, preserving their
// relative order.
func closest(servers []model.Server, n int) []model.Server {
	idx := make([]int, len(servers))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return servers[idx[a]].Distance < servers[idx[b]].Distance
	})
	idx = idx[:n]
	sort.Ints(idx)
	out := make([]model.Server, 0, n)
	for _, i := range idx {
		out = append(out, servers[i])
	}
	return out
}

// Select filters servers, probes every remaining candidate and returns the
// one with the lowest mean latency. Ties go to the earliest candidate in
// catalog order. If no candidate answers, the first one is still selected
// with model.Unreachable latency. The probed candidates are returned in
// catalog order.
func (s *Selector) Select(ctx context.Context, servers []model.Server,
	cfg *model.Configuration) (*model.SelectedServer, []model.Candidate, error) {
	var ignore []int
	if cfg != nil {
		ignore = cfg.IgnoreIDs
	}
	servers, err := s.Candidates(servers, ignore)
	if err != nil {
		return nil, nil, err
	}

	candidates := make([]model.Candidate, len(servers))
	g := &errgroup.Group{}
	g.SetLimit(s.opts.ProbeConcurrency)
	for i := range servers {
		i := i
		g.Go(func() error {
			candidates[i] = s.measure(ctx, servers[i])
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, candidates, err
	}

	best := 0
	for i := range candidates {
		if candidates[i].Latency < candidates[best].Latency {
			best = i
		}
	}
	if !candidates[best].Reachable() {
		s.logger.Warn("no candidate answered any probe", "candidates", len(candidates))
	}
	return &model.SelectedServer{
		Server:  candidates[best].Server,
		Latency: candidates[best].Latency,
	}, candidates, nil
}

func (s *Selector) measure(ctx context.Context, server model.Server) model.Candidate {
	probes := make([]time.Duration, 0, s.opts.ProbeCount)
	for i := 0; i < s.opts.ProbeCount; i++ {
		if err := s.limiter.Wait(ctx); err != nil {
			probes = append(probes, model.Unreachable)
			continue
		}
		rtt, err := s.probe.Probe(ctx, server)
		if err != nil {
			s.logger.Debug("probe failed", "server", server.ID, "err", err)
			rtt = model.Unreachable
		}
		probes = append(probes, rtt)
	}
	c := model.Candidate{
		Server:  server,
		Latency: latency.Mean(probes),
		Probes:  probes,
	}
	s.logger.Debug("candidate measured", "server", server.ID,
		"distance", server.Distance, "latency", c.Latency)
	return c
}
