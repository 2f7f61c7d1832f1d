package provider

import (
	"context"
	"encoding/xml"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/speedtest/pkg/speedtest/model"
	"github.com/m-lab/speedtest/pkg/speedtest/spec"
)

// configDocument is the XML configuration document. Attributes are kept as
// strings so that missing values can be told apart from zeroes.
type configDocument struct {
	XMLName xml.Name `xml:"settings"`
	Client  struct {
		IP      string `xml:"ip,attr"`
		Lat     string `xml:"lat,attr"`
		Lon     string `xml:"lon,attr"`
		ISP     string `xml:"isp,attr"`
		Country string `xml:"country,attr"`
	} `xml:"client"`
	ServerConfig struct {
		ThreadCount string `xml:"threadcount,attr"`
		IgnoreIDs   string `xml:"ignoreids,attr"`
	} `xml:"server-config"`
	Download struct {
		TestLength    string `xml:"testlength,attr"`
		ThreadsPerURL string `xml:"threadsperurl,attr"`
	} `xml:"download"`
	Upload struct {
		TestLength    string `xml:"testlength,attr"`
		Ratio         string `xml:"ratio,attr"`
		Threads       string `xml:"threads,attr"`
		MaxChunkCount string `xml:"maxchunkcount,attr"`
	} `xml:"upload"`
}

// ConfigProvider fetches and parses the configuration document.
type ConfigProvider struct {
	client    Doer
	url       string
	userAgent string
	timeout   time.Duration
	logger    *log.Logger
	cache     *cache[*model.Configuration]
}

// NewConfigProvider returns a ConfigProvider fetching url with client.
// Parsed configurations are cached for cacheTTL, if positive.
func NewConfigProvider(client Doer, url, userAgent string, timeout, cacheTTL time.Duration,
	logger *log.Logger) *ConfigProvider {
	return &ConfigProvider{
		client:    client,
		url:       url,
		userAgent: userAgent,
		timeout:   timeout,
		logger:    orDiscard(logger),
		cache:     newCache[*model.Configuration]("config", cacheTTL),
	}
}

// Fetch returns the measurement configuration. Every failure is returned as
// a *model.ConfigError.
func (p *ConfigProvider) Fetch(ctx context.Context) (*model.Configuration, error) {
	if cfg, ok := p.cache.get(p.url); ok {
		p.logger.Debug("using cached configuration", "url", p.url)
		return cfg, nil
	}
	body, err := fetch(ctx, p.client, p.url, p.userAgent, p.timeout)
	if err != nil {
		return nil, &model.ConfigError{URL: p.url, Reason: "fetch failed", Err: err}
	}
	cfg, err := ParseConfig(body)
	if err != nil {
		if ce, ok := err.(*model.ConfigError); ok {
			ce.URL = p.url
		}
		return nil, err
	}
	p.logger.Debug("configuration fetched", "ip", cfg.Client.IP,
		"lat", cfg.Client.Location.Lat, "lon", cfg.Client.Location.Lon,
		"upload_sizes", len(cfg.UploadSizes), "download_threads", cfg.DownloadThreads)
	p.cache.set(p.url, cfg)
	return cfg, nil
}

// Purge drops the cached configuration.
func (p *ConfigProvider) Purge() {
	p.cache.purge()
}

// parser accumulates the first parse error.
type parser struct {
	err error
}

func (p *parser) fail(field string, err error) {
	if p.err != nil {
		return
	}
	reason := "missing " + field
	if err != nil {
		reason = "invalid " + field
	}
	p.err = &model.ConfigError{Reason: reason, Err: err}
}

func (p *parser) float(field, value string) float64 {
	if value == "" {
		p.fail(field, nil)
		return 0
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		p.fail(field, err)
	}
	return f
}

func (p *parser) int(field, value string) int {
	if value == "" {
		p.fail(field, nil)
		return 0
	}
	i, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		p.fail(field, err)
	}
	return i
}

// ParseConfig parses a configuration document and derives the measurement
// configuration from it.
func ParseConfig(data []byte) (*model.Configuration, error) {
	var doc configDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, &model.ConfigError{Reason: "malformed document", Err: err}
	}

	p := &parser{}
	if doc.Client.IP == "" {
		p.fail("client ip", nil)
	}
	lat := p.float("client lat", doc.Client.Lat)
	lon := p.float("client lon", doc.Client.Lon)
	threadCount := p.int("server-config threadcount", doc.ServerConfig.ThreadCount)
	downloadLength := p.int("download testlength", doc.Download.TestLength)
	downloadCount := p.int("download threadsperurl", doc.Download.ThreadsPerURL)
	uploadLength := p.int("upload testlength", doc.Upload.TestLength)
	ratio := p.int("upload ratio", doc.Upload.Ratio)
	uploadThreads := p.int("upload threads", doc.Upload.Threads)
	maxChunkCount := p.int("upload maxchunkcount", doc.Upload.MaxChunkCount)
	ignoreIDs := parseIDs(doc.ServerConfig.IgnoreIDs)
	if p.err != nil {
		return nil, p.err
	}

	if ratio < 1 || ratio > len(spec.UploadSizeTable) {
		return nil, &model.ConfigError{Reason: "upload ratio out of range: " + strconv.Itoa(ratio)}
	}
	if threadCount < 1 || uploadThreads < 1 || downloadCount < 1 || maxChunkCount < 1 {
		return nil, &model.ConfigError{Reason: "thread and chunk counts must be positive"}
	}

	uploadSizes := append([]int64(nil), spec.UploadSizeTable[ratio-1:]...)
	uploadCount := UploadCount(maxChunkCount, len(uploadSizes))

	return &model.Configuration{
		Client: model.ClientInfo{
			IP:       doc.Client.IP,
			ISP:      doc.Client.ISP,
			Country:  doc.Client.Country,
			Location: model.Coordinate{Lat: lat, Lon: lon},
		},
		IgnoreIDs:       ignoreIDs,
		DownloadSizes:   append([]int(nil), spec.DownloadSizeTable...),
		UploadSizes:     uploadSizes,
		DownloadCount:   downloadCount,
		UploadCount:     uploadCount,
		DownloadThreads: 2 * threadCount,
		UploadThreads:   uploadThreads,
		DownloadLength:  time.Duration(downloadLength) * time.Second,
		UploadLength:    time.Duration(uploadLength) * time.Second,
		UploadMax:       uploadCount * len(uploadSizes),
	}, nil
}

// UploadCount returns the number of repetitions of each upload size needed
// to send at least maxChunkCount chunks. It returns 0 if sizeCount is 0.
func UploadCount(maxChunkCount, sizeCount int) int {
	if sizeCount <= 0 {
		return 0
	}
	return int(math.Ceil(float64(maxChunkCount) / float64(sizeCount)))
}

// parseIDs parses a comma-separated list of server IDs. Blank and
// non-numeric entries are skipped.
func parseIDs(s string) []int {
	var ids []int
	for _, f := range strings.Split(s, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
