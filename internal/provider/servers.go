package provider

import (
	"context"
	"encoding/xml"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/speedtest/internal/geo"
	"github.com/m-lab/speedtest/pkg/speedtest/model"
)

type serverListDocument struct {
	XMLName xml.Name `xml:"settings"`
	Servers []struct {
		URL     string `xml:"url,attr"`
		Lat     string `xml:"lat,attr"`
		Lon     string `xml:"lon,attr"`
		Name    string `xml:"name,attr"`
		Country string `xml:"country,attr"`
		Sponsor string `xml:"sponsor,attr"`
		ID      string `xml:"id,attr"`
		Host    string `xml:"host,attr"`
	} `xml:"servers>server"`
}

// ServerCatalog fetches the list of candidate servers.
type ServerCatalog struct {
	client    Doer
	urls      []string
	userAgent string
	timeout   time.Duration
	secure    bool
	logger    *log.Logger
	cache     *cache[[]model.Server]
}

// NewServerCatalog returns a ServerCatalog trying urls in order. If secure is
// true, server URLs are rewritten to use https.
func NewServerCatalog(client Doer, urls []string, userAgent string, timeout, cacheTTL time.Duration,
	secure bool, logger *log.Logger) *ServerCatalog {
	return &ServerCatalog{
		client:    client,
		urls:      urls,
		userAgent: userAgent,
		timeout:   timeout,
		secure:    secure,
		logger:    orDiscard(logger),
		cache:     newCache[[]model.Server]("servers", cacheTTL),
	}
}

// cacheKey is the key of the merged list for this catalog.
func (c *ServerCatalog) cacheKey() string {
	return strings.Join(c.urls, " ")
}

// Fetch returns the servers from the first URL that yields a non-empty list.
// It returns a *model.ServerListError if every URL fails. The returned slice
// is owned by the caller.
func (c *ServerCatalog) Fetch(ctx context.Context) ([]model.Server, error) {
	if servers, ok := c.cache.get(c.cacheKey()); ok {
		c.logger.Debug("using cached server list", "servers", len(servers))
		return append([]model.Server(nil), servers...), nil
	}
	if len(c.urls) == 0 {
		return nil, &model.ServerListError{Reason: "no server list URL configured"}
	}
	var lastErr error
	for _, u := range c.urls {
		body, err := fetch(ctx, c.client, u, c.userAgent, c.timeout)
		if err != nil {
			c.logger.Debug("server list fetch failed", "url", u, "err", err)
			lastErr = &model.ServerListError{URL: u, Reason: "fetch failed", Err: err}
			if ctx.Err() != nil {
				return nil, lastErr
			}
			continue
		}
		servers, err := ParseServers(body)
		if err != nil {
			c.logger.Debug("server list parse failed", "url", u, "err", err)
			lastErr = &model.ServerListError{URL: u, Reason: "malformed document", Err: err}
			continue
		}
		if len(servers) == 0 {
			lastErr = &model.ServerListError{URL: u, Reason: "empty server list"}
			continue
		}
		if c.secure {
			for i := range servers {
				servers[i].URL = toHTTPS(servers[i].URL)
			}
		}
		c.logger.Debug("server list fetched", "url", u, "servers", len(servers))
		c.cache.set(c.cacheKey(), servers)
		return append([]model.Server(nil), servers...), nil
	}
	return nil, lastErr
}

// Purge drops the cached server list.
func (c *ServerCatalog) Purge() {
	c.cache.purge()
}

// ParseServers parses a server list document. Entries without a URL or a
// valid ID and coordinate are skipped.
func ParseServers(data []byte) ([]model.Server, error) {
	var doc serverListDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	servers := make([]model.Server, 0, len(doc.Servers))
	for _, s := range doc.Servers {
		id, err := strconv.Atoi(s.ID)
		if err != nil || s.URL == "" {
			continue
		}
		lat, err := strconv.ParseFloat(s.Lat, 64)
		if err != nil {
			continue
		}
		lon, err := strconv.ParseFloat(s.Lon, 64)
		if err != nil {
			continue
		}
		servers = append(servers, model.Server{
			ID:       id,
			URL:      s.URL,
			Name:     s.Name,
			Country:  s.Country,
			Sponsor:  s.Sponsor,
			Host:     s.Host,
			Location: model.Coordinate{Lat: lat, Lon: lon},
		})
	}
	return servers, nil
}

// Annotate sets the Distance of every server from origin.
func Annotate(servers []model.Server, origin model.Coordinate) {
	for i := range servers {
		servers[i].Distance = geo.Distance(origin, servers[i].Location)
	}
}

func toHTTPS(u string) string {
	if strings.HasPrefix(u, "http://") {
		return "https://" + strings.TrimPrefix(u, "http://")
	}
	return u
}
