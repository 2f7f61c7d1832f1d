package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/speedtest/pkg/speedtest/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const configTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<settings>
<client ip="192.0.2.1" lat="41.9" lon="12.5" isp="Example ISP" country="IT" />
<server-config threadcount="%d" ignoreids="1, 2,,x,3" notonmap="" />
<download testlength="10" initialtest="250K" threadsperurl="4" />
<upload testlength="10" ratio="%d" threads="2" maxchunkcount="%d" />
</settings>`

const serversXML = `<?xml version="1.0" encoding="UTF-8"?>
<settings>
<servers>
<server url="http://a.example.net:8080/speedtest/upload.php" lat="41.9" lon="12.5" name="Rome" country="Italy" cc="IT" sponsor="A" id="10" host="a.example.net:8080" />
<server url="http://b.example.net:8080/speedtest/upload.php" lat="45.46" lon="9.19" name="Milan" country="Italy" cc="IT" sponsor="B" id="11" host="b.example.net:8080" />
<server url="" lat="0" lon="0" name="broken" country="" id="12" />
<server url="http://c.example.net/upload.php" lat="bogus" lon="0" name="broken" country="" id="13" />
</servers>
</settings>`

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

func configDoc(threadCount, ratio, maxChunkCount int) string {
	return fmt.Sprintf(configTemplate, threadCount, ratio, maxChunkCount)
}

func TestParseConfig(t *testing.T) {
	t.Run("derivations", func(t *testing.T) {
		cfg, err := ParseConfig([]byte(configDoc(4, 3, 50)))
		require.NoError(t, err)
		assert.Equal(t, []int64{131072, 262144, 524288, 1048576, 7340032}, cfg.UploadSizes)
		assert.Equal(t, []int{350, 500, 750, 1000, 1500, 2000, 2500, 3000, 3500, 4000}, cfg.DownloadSizes)
		assert.Equal(t, 8, cfg.DownloadThreads)
		assert.Equal(t, 2, cfg.UploadThreads)
		assert.Equal(t, 4, cfg.DownloadCount)
		assert.Equal(t, 10, cfg.UploadCount) // ceil(50/5)
		assert.Equal(t, 50, cfg.UploadMax)
		assert.Equal(t, 10*time.Second, cfg.DownloadLength)
		assert.Equal(t, 10*time.Second, cfg.UploadLength)
		assert.Equal(t, []int{1, 2, 3}, cfg.IgnoreIDs)
		assert.Equal(t, "192.0.2.1", cfg.Client.IP)
		assert.Equal(t, "Example ISP", cfg.Client.ISP)
		assert.Equal(t, model.Coordinate{Lat: 41.9, Lon: 12.5}, cfg.Client.Location)
	})

	t.Run("ratio 1", func(t *testing.T) {
		cfg, err := ParseConfig([]byte(configDoc(2, 1, 50)))
		require.NoError(t, err)
		assert.Len(t, cfg.UploadSizes, 7)
		assert.Equal(t, 8, cfg.UploadCount) // ceil(50/7)
		assert.Equal(t, 4, cfg.DownloadThreads)
		for i := 1; i < len(cfg.UploadSizes); i++ {
			assert.LessOrEqual(t, cfg.UploadSizes[i-1], cfg.UploadSizes[i])
		}
	})

	t.Run("ratio out of range", func(t *testing.T) {
		for _, ratio := range []int{0, 8} {
			_, err := ParseConfig([]byte(configDoc(4, ratio, 50)))
			var ce *model.ConfigError
			assert.True(t, errors.As(err, &ce), "ratio %d", ratio)
		}
	})

	t.Run("missing field", func(t *testing.T) {
		doc := `<settings><client ip="192.0.2.1" lat="1" lon="2"/>
<server-config threadcount="4"/><download testlength="10" threadsperurl="4"/>
<upload testlength="10" threads="2" maxchunkcount="50"/></settings>`
		_, err := ParseConfig([]byte(doc))
		var ce *model.ConfigError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, "missing upload ratio", ce.Reason)
	})

	t.Run("invalid number", func(t *testing.T) {
		doc := `<settings><client ip="192.0.2.1" lat="north" lon="2"/></settings>`
		_, err := ParseConfig([]byte(doc))
		var ce *model.ConfigError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, "invalid client lat", ce.Reason)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := ParseConfig([]byte("<settings><client"))
		var ce *model.ConfigError
		assert.True(t, errors.As(err, &ce))
	})
}

func TestUploadCount(t *testing.T) {
	assert.Equal(t, 8, UploadCount(50, 7))
	assert.Equal(t, 10, UploadCount(50, 5))
	assert.Equal(t, 1, UploadCount(1, 7))
	assert.Equal(t, 0, UploadCount(50, 0))
}

func TestConfigProvider_Fetch(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		switch req.URL.Path {
		case "/ok":
			fmt.Fprint(rw, configDoc(4, 3, 50))
		case "/garbage":
			fmt.Fprint(rw, "<html>not a config</html>")
		default:
			rw.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	t.Run("success is cached", func(t *testing.T) {
		p := NewConfigProvider(srv.Client(), srv.URL+"/ok", "test/1", time.Second, time.Minute, testLogger())
		cfg, err := p.Fetch(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 8, cfg.DownloadThreads)

		before := hits.Load()
		_, err = p.Fetch(context.Background())
		require.NoError(t, err)
		assert.Equal(t, before, hits.Load(), "second Fetch should hit the cache")

		p.Purge()
		_, err = p.Fetch(context.Background())
		require.NoError(t, err)
		assert.Equal(t, before+1, hits.Load())
	})

	t.Run("non-success status", func(t *testing.T) {
		p := NewConfigProvider(srv.Client(), srv.URL+"/missing", "", time.Second, 0, testLogger())
		_, err := p.Fetch(context.Background())
		var ce *model.ConfigError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, srv.URL+"/missing", ce.URL)
	})

	t.Run("unparseable document", func(t *testing.T) {
		p := NewConfigProvider(srv.Client(), srv.URL+"/garbage", "", time.Second, 0, testLogger())
		_, err := p.Fetch(context.Background())
		var ce *model.ConfigError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, srv.URL+"/garbage", ce.URL)
	})

	t.Run("nil logger", func(t *testing.T) {
		p := NewConfigProvider(srv.Client(), srv.URL+"/ok", "", time.Second, 0, nil)
		cfg, err := p.Fetch(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 8, cfg.DownloadThreads)
	})

	t.Run("connection error", func(t *testing.T) {
		closed := httptest.NewServer(http.NotFoundHandler())
		u := closed.URL
		closed.Close()
		p := NewConfigProvider(http.DefaultClient, u, "", time.Second, 0, testLogger())
		_, err := p.Fetch(context.Background())
		var ce *model.ConfigError
		assert.True(t, errors.As(err, &ce))
	})
}

func TestParseServers(t *testing.T) {
	servers, err := ParseServers([]byte(serversXML))
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, 10, servers[0].ID)
	assert.Equal(t, "Rome", servers[0].Name)
	assert.Equal(t, "a.example.net:8080", servers[0].Host)
	assert.Equal(t, "http://a.example.net:8080/speedtest", servers[0].BaseURL())
	assert.Equal(t, 11, servers[1].ID)
}

func TestServerCatalog_Fetch(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		switch req.URL.Path {
		case "/servers":
			fmt.Fprint(rw, serversXML)
		case "/empty":
			fmt.Fprint(rw, "<settings><servers></servers></settings>")
		default:
			rw.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	t.Run("falls back to the next URL", func(t *testing.T) {
		c := NewServerCatalog(srv.Client(), []string{srv.URL + "/broken", srv.URL + "/empty", srv.URL + "/servers"},
			"", time.Second, time.Minute, true, testLogger())
		servers, err := c.Fetch(context.Background())
		require.NoError(t, err)
		require.Len(t, servers, 2)
		assert.Equal(t, "https://a.example.net:8080/speedtest/upload.php", servers[0].URL)

		// Callers may modify the returned slice without affecting the cache.
		servers[0].Name = "changed"
		before := hits.Load()
		again, err := c.Fetch(context.Background())
		require.NoError(t, err)
		assert.Equal(t, before, hits.Load())
		assert.Equal(t, "Rome", again[0].Name)
	})

	t.Run("every URL fails", func(t *testing.T) {
		c := NewServerCatalog(srv.Client(), []string{srv.URL + "/broken", srv.URL + "/empty"},
			"", time.Second, 0, false, testLogger())
		_, err := c.Fetch(context.Background())
		var se *model.ServerListError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, srv.URL+"/empty", se.URL)
		assert.Equal(t, "empty server list", se.Reason)
	})

	t.Run("nil logger", func(t *testing.T) {
		c := NewServerCatalog(srv.Client(), []string{srv.URL + "/broken"}, "", time.Second, 0, false, nil)
		_, err := c.Fetch(context.Background())
		var se *model.ServerListError
		assert.True(t, errors.As(err, &se))
	})

	t.Run("no URLs", func(t *testing.T) {
		c := NewServerCatalog(srv.Client(), nil, "", time.Second, 0, false, testLogger())
		_, err := c.Fetch(context.Background())
		var se *model.ServerListError
		assert.True(t, errors.As(err, &se))
	})
}

func TestAnnotate(t *testing.T) {
	servers := []model.Server{
		{ID: 1, Location: model.Coordinate{Lat: 41.9, Lon: 12.5}},
		{ID: 2, Location: model.Coordinate{Lat: 45.46, Lon: 9.19}},
	}
	Annotate(servers, model.Coordinate{Lat: 41.9, Lon: 12.5})
	assert.InDelta(t, 0, servers[0].Distance, 1e-9)
	assert.InDelta(t, 477, servers[1].Distance, 5)
}
