// Package latency implements round-trip latency probes against a
// measurement server.
package latency

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/m-lab/go/memoryless"
	"github.com/m-lab/speedtest/internal/metrics"
	"github.com/m-lab/speedtest/pkg/speedtest/model"
	"github.com/m-lab/speedtest/pkg/speedtest/spec"
)

// Prober measures the round-trip time to a server. A failed probe returns a
// *model.ProbeFailure; the caller decides how to fold it into averages.
type Prober interface {
	Probe(ctx context.Context, server model.Server) (time.Duration, error)
	Protocol() string
}

// Doer performs HTTP requests. *http.Client implements it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPProbe fetches the server's latency resource and times the exchange
// from request start to the end of the response body.
type HTTPProbe struct {
	Client    Doer
	Timeout   time.Duration
	UserAgent string
}

// Protocol returns "http".
func (p *HTTPProbe) Protocol() string {
	return "http"
}

// Probe runs a single HTTP latency probe.
func (p *HTTPProbe) Probe(ctx context.Context, server model.Server) (time.Duration, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	url := server.ResourceURL(spec.LatencyPath) + "?x=" + strconv.FormatInt(time.Now().UnixNano(), 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fail(p, &model.ProbeFailure{URL: url, Err: err})
	}
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}
	req.Header.Set("Cache-Control", "no-cache")

	start := time.Now()
	resp, err := p.Client.Do(req)
	if err != nil {
		return fail(p, &model.ProbeFailure{URL: url, Err: err})
	}
	defer resp.Body.Close()
	_, err = io.Copy(io.Discard, resp.Body)
	rtt := time.Since(start)
	if resp.StatusCode != http.StatusOK {
		return fail(p, &model.ProbeFailure{URL: url, StatusCode: resp.StatusCode})
	}
	if err != nil {
		return fail(p, &model.ProbeFailure{URL: url, Err: err})
	}
	return succeed(p, rtt)
}

func fail(p Prober, err *model.ProbeFailure) (time.Duration, error) {
	metrics.ProbesTotal.WithLabelValues(p.Protocol(), "failure").Inc()
	return model.Unreachable, err
}

func succeed(p Prober, rtt time.Duration) (time.Duration, error) {
	metrics.ProbesTotal.WithLabelValues(p.Protocol(), "success").Inc()
	metrics.ProbeDuration.WithLabelValues(p.Protocol()).Observe(rtt.Seconds())
	return rtt, nil
}

// Series runs n probes against server and returns every sample, in order.
// Failed probes are reported as model.Unreachable. When interval is
// positive, probes are spaced by a memoryless ticker with that mean.
func Series(ctx context.Context, p Prober, server model.Server, n int,
	interval time.Duration) ([]time.Duration, []error) {
	samples := make([]time.Duration, 0, n)
	var errs []error
	if n <= 0 {
		return samples, nil
	}

	var ticker *memoryless.Ticker
	if interval > 0 {
		var err error
		ticker, err = memoryless.NewTicker(ctx, memoryless.Config{
			Min:      interval / 2,
			Expected: interval,
			Max:      interval * 2,
		})
		if err == nil {
			defer ticker.Stop()
		} else {
			ticker = nil
		}
	}

	for i := 0; i < n; i++ {
		if i > 0 && ticker != nil {
			select {
			case <-ctx.Done():
			case <-ticker.C:
			}
		}
		if ctx.Err() != nil {
			samples = append(samples, model.Unreachable)
			errs = append(errs, &model.ProbeFailure{Err: ctx.Err()})
			continue
		}
		rtt, err := p.Probe(ctx, server)
		if err != nil {
			samples = append(samples, model.Unreachable)
			errs = append(errs, err)
			continue
		}
		samples = append(samples, rtt)
	}
	return samples, errs
}

// Mean returns the mean of the reachable samples, or model.Unreachable if
// there are none.
func Mean(samples []time.Duration) time.Duration {
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
		return model.Unreachable
	}
	return sum / time.Duration(n)
}
