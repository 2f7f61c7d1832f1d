package selector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/m-lab/speedtest/pkg/speedtest/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapProbe answers with a fixed latency per server ID. IDs absent from the
// map fail.
type mapProbe struct {
	mu      sync.Mutex
	latency map[int]time.Duration
	probed  map[int]int
}

func newMapProbe(latency map[int]time.Duration) *mapProbe {
	return &mapProbe{latency: latency, probed: map[int]int{}}
}

func (p *mapProbe) Protocol() string { return "map" }

func (p *mapProbe) Probe(ctx context.Context, server model.Server) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probed[server.ID]++
	rtt, ok := p.latency[server.ID]
	if !ok {
		return model.Unreachable, &model.ProbeFailure{URL: server.URL, Err: errors.New("unreachable")}
	}
	return rtt, nil
}

func servers(distances ...float64) []model.Server {
	out := make([]model.Server, len(distances))
	for i, d := range distances {
		out[i] = model.Server{ID: i + 1, URL: "http://example.net/upload.php", Distance: d}
	}
	return out
}

func TestSelector_Select(t *testing.T) {
	t.Run("lowest latency wins", func(t *testing.T) {
		probe := newMapProbe(map[int]time.Duration{
			1: 30 * time.Millisecond, 2: 10 * time.Millisecond, 3: 20 * time.Millisecond,
		})
		s := New(probe, Options{ProbeCount: 3, ProbeConcurrency: 2}, nil)
		best, candidates, err := s.Select(context.Background(), servers(10, 20, 30), nil)
		require.NoError(t, err)
		assert.Equal(t, 2, best.Server.ID)
		assert.Equal(t, 10*time.Millisecond, best.Latency)
		require.Len(t, candidates, 3)
		for i, c := range candidates {
			assert.Equal(t, i+1, c.Server.ID, "candidates must keep catalog order")
			assert.Len(t, c.Probes, 3)
		}
		assert.Equal(t, 3, probe.probed[1])
	})

	t.Run("distance filter skips far servers", func(t *testing.T) {
		probe := newMapProbe(map[int]time.Duration{
			1: 40 * time.Millisecond, 2: time.Millisecond, 3: 20 * time.Millisecond,
		})
		s := New(probe, Options{MaxDistanceKm: 500, ProbeCount: 3, ProbeConcurrency: 4}, nil)
		best, candidates, err := s.Select(context.Background(), servers(100, 600, 50), nil)
		require.NoError(t, err)
		assert.Equal(t, 3, best.Server.ID)
		assert.Len(t, candidates, 2)
		assert.Zero(t, probe.probed[2], "server beyond the threshold must never be probed")
	})

	t.Run("distance filter falls back when it would exclude everything", func(t *testing.T) {
		probe := newMapProbe(map[int]time.Duration{1: 5 * time.Millisecond, 2: time.Millisecond})
		s := New(probe, Options{MaxDistanceKm: 500, ProbeCount: 1}, nil)
		best, candidates, err := s.Select(context.Background(), servers(900, 1200), nil)
		require.NoError(t, err)
		assert.Equal(t, 2, best.Server.ID)
		assert.Len(t, candidates, 2)
	})

	t.Run("ties go to catalog order", func(t *testing.T) {
		probe := newMapProbe(map[int]time.Duration{
			1: 20 * time.Millisecond, 2: 10 * time.Millisecond, 3: 10 * time.Millisecond,
		})
		s := New(probe, Options{ProbeCount: 2, ProbeConcurrency: 3}, nil)
		best, _, err := s.Select(context.Background(), servers(1, 2, 3), nil)
		require.NoError(t, err)
		assert.Equal(t, 2, best.Server.ID)
	})

	t.Run("partial failures average the successes", func(t *testing.T) {
		probe := &flakyProbe{}
		s := New(probe, Options{ProbeCount: 3}, nil)
		best, candidates, err := s.Select(context.Background(), servers(1), nil)
		require.NoError(t, err)
		assert.Equal(t, 15*time.Millisecond, best.Latency)
		assert.Equal(t, model.Unreachable, candidates[0].Probes[1])
	})

	t.Run("all unreachable still selects", func(t *testing.T) {
		probe := newMapProbe(nil)
		s := New(probe, Options{ProbeCount: 2}, nil)
		best, candidates, err := s.Select(context.Background(), servers(1, 2), nil)
		require.NoError(t, err)
		assert.Equal(t, 1, best.Server.ID)
		assert.Equal(t, model.Unreachable, best.Latency)
		assert.False(t, candidates[1].Reachable())
	})

	t.Run("empty list", func(t *testing.T) {
		s := New(newMapProbe(nil), Options{}, nil)
		_, _, err := s.Select(context.Background(), nil, nil)
		assert.ErrorIs(t, err, model.ErrNoServerAvailable)
	})

	t.Run("ignored servers are skipped", func(t *testing.T) {
		probe := newMapProbe(map[int]time.Duration{1: time.Millisecond, 2: 5 * time.Millisecond})
		s := New(probe, Options{ProbeCount: 1}, nil)
		best, _, err := s.Select(context.Background(), servers(1, 2), &model.Configuration{IgnoreIDs: []int{1}})
		require.NoError(t, err)
		assert.Equal(t, 2, best.Server.ID)
		assert.Zero(t, probe.probed[1])
	})

	t.Run("forced server", func(t *testing.T) {
		probe := newMapProbe(map[int]time.Duration{1: time.Millisecond, 3: 50 * time.Millisecond})
		s := New(probe, Options{ServerID: 3, ProbeCount: 1}, nil)
		best, candidates, err := s.Select(context.Background(), servers(1, 2, 3), nil)
		require.NoError(t, err)
		assert.Equal(t, 3, best.Server.ID)
		assert.Len(t, candidates, 1)

		s = New(probe, Options{ServerID: 42}, nil)
		_, _, err = s.Select(context.Background(), servers(1, 2, 3), nil)
		assert.ErrorIs(t, err, model.ErrNoServerAvailable)
	})

	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		s := New(newMapProbe(nil), Options{ProbeCount: 1}, nil)
		_, _, err := s.Select(ctx, servers(1), nil)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

// flakyProbe fails every second call and otherwise returns 10ms, 20ms, ...
type flakyProbe struct {
	calls int
}

func (p *flakyProbe) Protocol() string { return "flaky" }

func (p *flakyProbe) Probe(ctx context.Context, server model.Server) (time.Duration, error) {
	p.calls++
	if p.calls%2 == 0 {
		return model.Unreachable, errors.New("lost")
	}
	return time.Duration(p.calls/2+1) * 10 * time.Millisecond, nil
}

func TestSelector_Candidates(t *testing.T) {
	s := New(newMapProbe(nil), Options{MaxCandidates: 2}, nil)
	got, err := s.Candidates(servers(300, 100, 200, 50), nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].ID)
	assert.Equal(t, 4, got[1].ID)

	s = New(newMapProbe(nil), Options{}, nil)
	got, err = s.Candidates(servers(1, 2), []int{1, 2})
	require.NoError(t, err)
	assert.Len(t, got, 2, "ignore list excluding everything is ignored")
}

func TestSelector_ProbeRate(t *testing.T) {
	probe := newMapProbe(map[int]time.Duration{1: time.Millisecond, 2: time.Millisecond})
	s := New(probe, Options{ProbeCount: 2, ProbeConcurrency: 2, ProbeRate: 100}, nil)
	start := time.Now()
	_, _, err := s.Select(context.Background(), servers(1, 2), nil)
	require.NoError(t, err)
	// Four probes at 100/s with a burst of one take at least 30ms.
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}
