// Package provider fetches the measurement configuration document and the
// server catalog.
package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jellydator/ttlcache/v3"
	"github.com/m-lab/speedtest/internal/metrics"
)

// maxDocumentSize caps the size of fetched documents.
const maxDocumentSize = 16 << 20

// Doer performs HTTP requests. *http.Client implements it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// orDiscard returns logger, or a logger that discards everything if it is nil.
func orDiscard(logger *log.Logger) *log.Logger {
	if logger == nil {
		return log.New(io.Discard)
	}
	return logger
}

// statusError is returned by fetch on non-success statuses.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}

// fetch GETs url and returns the response body.
func fetch(ctx context.Context, client Doer, url, userAgent string, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxDocumentSize))
		return nil, &statusError{code: resp.StatusCode}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
}

// cache is a TTL cache keyed by URL. A zero TTL disables it.
type cache[V any] struct {
	kind  string
	ttl   time.Duration
	items *ttlcache.Cache[string, V]
}

func newCache[V any](kind string, ttl time.Duration) *cache[V] {
	c := &cache[V]{kind: kind, ttl: ttl}
	if ttl > 0 {
		// Get never returns expired items, so the cleanup goroutine is
		// not started.
		c.items = ttlcache.New(
			ttlcache.WithTTL[string, V](ttl),
			ttlcache.WithDisableTouchOnHit[string, V](),
		)
	}
	return c
}

func (c *cache[V]) get(key string) (V, bool) {
	var zero V
	if c.items == nil {
		return zero, false
	}
	item := c.items.Get(key)
	if item == nil {
		metrics.CacheLookups.WithLabelValues(c.kind, "miss").Inc()
		return zero, false
	}
	metrics.CacheLookups.WithLabelValues(c.kind, "hit").Inc()
	return item.Value(), true
}

func (c *cache[V]) set(key string, value V) {
	if c.items == nil {
		return
	}
	c.items.Set(key, value, ttlcache.DefaultTTL)
}

func (c *cache[V]) purge() {
	if c.items != nil {
		c.items.DeleteAll()
	}
}
