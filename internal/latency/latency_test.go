package latency

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-lab/speedtest/pkg/speedtest/model"
)

func latencyServer(t *testing.T, status int, delay time.Duration) (*httptest.Server, *int32) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.URL.Path != "/speedtest/latency.txt" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("x") == "" {
			t.Errorf("missing cache-busting nonce: %s", r.URL)
		}
		time.Sleep(delay)
		w.WriteHeader(status)
		w.Write([]byte("test=test\n"))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestHTTPProbe_Probe(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		srv, _ := latencyServer(t, http.StatusOK, 10*time.Millisecond)
		p := &HTTPProbe{Client: srv.Client(), Timeout: time.Second}
		rtt, err := p.Probe(context.Background(), model.Server{URL: srv.URL + "/speedtest/upload.php"})
		if err != nil {
			t.Fatalf("Probe() error = %v", err)
		}
		if rtt < 10*time.Millisecond || rtt == model.Unreachable {
			t.Errorf("Probe() rtt = %v, want >= 10ms", rtt)
		}
	})
	t.Run("status", func(t *testing.T) {
		srv, _ := latencyServer(t, http.StatusServiceUnavailable, 0)
		p := &HTTPProbe{Client: srv.Client()}
		rtt, err := p.Probe(context.Background(), model.Server{URL: srv.URL + "/speedtest/upload.php"})
		var failure *model.ProbeFailure
		if !errors.As(err, &failure) {
			t.Fatalf("Probe() error = %v, want ProbeFailure", err)
		}
		if failure.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("StatusCode = %d", failure.StatusCode)
		}
		if rtt != model.Unreachable {
			t.Errorf("Probe() rtt = %v, want Unreachable", rtt)
		}
	})
	t.Run("timeout", func(t *testing.T) {
		srv, _ := latencyServer(t, http.StatusOK, 200*time.Millisecond)
		p := &HTTPProbe{Client: srv.Client(), Timeout: 20 * time.Millisecond}
		_, err := p.Probe(context.Background(), model.Server{URL: srv.URL + "/speedtest/upload.php"})
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Probe() error = %v, want deadline exceeded", err)
		}
	})
	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		p := &HTTPProbe{Client: http.DefaultClient, Timeout: time.Second}
		rtt, err := p.Probe(context.Background(), model.Server{URL: url + "/upload.php"})
		if err == nil || rtt != model.Unreachable {
			t.Errorf("Probe() = %v, %v, want Unreachable and an error", rtt, err)
		}
	})
}

func pongServer(t *testing.T, reply string) *httptest.Server {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if !strings.HasPrefix(string(msg), "PING ") {
				t.Errorf("unexpected command %q", msg)
			}
			time.Sleep(5 * time.Millisecond)
			conn.WriteMessage(websocket.TextMessage, []byte(reply))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWSProbe_Probe(t *testing.T) {
	t.Run("pong", func(t *testing.T) {
		srv := pongServer(t, "PONG 1700000000000")
		p := &WSProbe{Timeout: time.Second}
		rtt, err := p.Probe(context.Background(), model.Server{URL: srv.URL + "/speedtest/upload.php"})
		if err != nil {
			t.Fatalf("Probe() error = %v", err)
		}
		if rtt <= 0 || rtt == model.Unreachable {
			t.Errorf("Probe() rtt = %v, want positive", rtt)
		}
	})
	t.Run("unexpected reply", func(t *testing.T) {
		srv := pongServer(t, "HELLO")
		p := &WSProbe{Timeout: time.Second}
		_, err := p.Probe(context.Background(), model.Server{URL: srv.URL + "/speedtest/upload.php"})
		if !errors.Is(err, errUnexpectedReply) {
			t.Errorf("Probe() error = %v, want %v", err, errUnexpectedReply)
		}
	})
	t.Run("no websocket endpoint", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		defer srv.Close()
		p := &WSProbe{Timeout: time.Second}
		_, err := p.Probe(context.Background(), model.Server{URL: srv.URL + "/upload.php"})
		var failure *model.ProbeFailure
		if !errors.As(err, &failure) || failure.StatusCode != http.StatusNotFound {
			t.Errorf("Probe() error = %v, want ProbeFailure with status 404", err)
		}
	})
}

func TestWSProbe_URL(t *testing.T) {
	tests := []struct {
		name   string
		server model.Server
		secure bool
		want   string
	}{
		{
			name:   "from-url",
			server: model.Server{URL: "http://a.example.net:8080/speedtest/upload.php"},
			want:   "ws://a.example.net:8080/ws",
		},
		{
			name:   "host-wins",
			server: model.Server{URL: "http://a.example.net/speedtest/upload.php", Host: "a.example.net:8080"},
			want:   "ws://a.example.net:8080/ws",
		},
		{
			name:   "https",
			server: model.Server{URL: "https://a.example.net/upload.php"},
			want:   "wss://a.example.net/ws",
		},
		{
			name:   "secure",
			server: model.Server{URL: "http://a.example.net/upload.php"},
			secure: true,
			want:   "wss://a.example.net/ws",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &WSProbe{Secure: tt.secure}
			if got := p.URL(tt.server); got != tt.want {
				t.Errorf("URL() = %q, want %q", got, tt.want)
			}
		})
	}
}

type fakeProbe struct {
	results []error
	calls   int
}

func (f *fakeProbe) Protocol() string { return "fake" }

func (f *fakeProbe) Probe(ctx context.Context, server model.Server) (time.Duration, error) {
	err := f.results[f.calls%len(f.results)]
	f.calls++
	if err != nil {
		return model.Unreachable, err
	}
	return time.Duration(f.calls) * time.Millisecond, nil
}

func TestSeries(t *testing.T) {
	t.Run("mixed", func(t *testing.T) {
		p := &fakeProbe{results: []error{nil, errors.New("boom"), nil}}
		samples, errs := Series(context.Background(), p, model.Server{}, 3, 0)
		want := []time.Duration{time.Millisecond, model.Unreachable, 3 * time.Millisecond}
		if len(samples) != len(want) {
			t.Fatalf("Series() returned %d samples, want %d", len(samples), len(want))
		}
		for i := range want {
			if samples[i] != want[i] {
				t.Errorf("sample %d = %v, want %v", i, samples[i], want[i])
			}
		}
		if len(errs) != 1 {
			t.Errorf("Series() returned %d errors, want 1", len(errs))
		}
	})
	t.Run("spaced", func(t *testing.T) {
		p := &fakeProbe{results: []error{nil}}
		start := time.Now()
		samples, _ := Series(context.Background(), p, model.Server{}, 3, 10*time.Millisecond)
		if len(samples) != 3 {
			t.Fatalf("Series() returned %d samples", len(samples))
		}
		if time.Since(start) < 10*time.Millisecond {
			t.Errorf("probes were not spaced")
		}
	})
	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		p := &fakeProbe{results: []error{nil}}
		samples, errs := Series(ctx, p, model.Server{}, 2, 0)
		if p.calls != 0 {
			t.Errorf("probe called %d times after cancellation", p.calls)
		}
		if len(samples) != 2 || samples[0] != model.Unreachable || len(errs) != 2 {
			t.Errorf("Series() = %v, %v", samples, errs)
		}
	})
	t.Run("zero", func(t *testing.T) {
		samples, errs := Series(context.Background(), &fakeProbe{}, model.Server{}, 0, 0)
		if len(samples) != 0 || errs != nil {
			t.Errorf("Series() = %v, %v", samples, errs)
		}
	})
}

func TestMean(t *testing.T) {
	if got := Mean([]time.Duration{10 * time.Millisecond, model.Unreachable, 20 * time.Millisecond}); got != 15*time.Millisecond {
		t.Errorf("Mean() = %v, want 15ms", got)
	}
	if got := Mean([]time.Duration{model.Unreachable, model.Unreachable}); got != model.Unreachable {
		t.Errorf("Mean() = %v, want Unreachable", got)
	}
	if got := Mean(nil); got != model.Unreachable {
		t.Errorf("Mean(nil) = %v, want Unreachable", got)
	}
}
