package latency

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-lab/speedtest/pkg/speedtest/model"
	"github.com/m-lab/speedtest/pkg/speedtest/spec"
)

var errUnexpectedReply = errors.New("unexpected reply")

// WSProbe measures latency with the PING/PONG text commands served on the
// server's WebSocket endpoint. The handshake is not part of the measured
// round trip.
type WSProbe struct {
	Dialer    *websocket.Dialer
	Timeout   time.Duration
	Secure    bool
	UserAgent string
}

// Protocol returns "ws".
func (p *WSProbe) Protocol() string {
	return "ws"
}

// URL returns the WebSocket endpoint for server.
func (p *WSProbe) URL(server model.Server) string {
	u := &url.URL{Scheme: "ws", Path: spec.WebSocketPath}
	base, err := url.Parse(server.URL)
	if err == nil {
		u.Host = base.Host
		if base.Scheme == "https" {
			u.Scheme = "wss"
		}
	}
	if server.Host != "" {
		u.Host = server.Host
	}
	if p.Secure {
		u.Scheme = "wss"
	}
	return u.String()
}

// Probe runs a single PING/PONG exchange.
func (p *WSProbe) Probe(ctx context.Context, server model.Server) (time.Duration, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	dialer := p.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	wsURL := p.URL(server)
	headers := http.Header{}
	if p.UserAgent != "" {
		headers.Set("User-Agent", p.UserAgent)
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		failure := &model.ProbeFailure{URL: wsURL, Err: err}
		if resp != nil {
			failure.StatusCode = resp.StatusCode
		}
		return fail(p, failure)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		conn.SetWriteDeadline(deadline)
	}
	// Unblock the read if the context is canceled without a deadline.
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	start := time.Now()
	cmd := "PING " + strconv.FormatInt(start.UnixMilli(), 10)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(cmd)); err != nil {
		return fail(p, &model.ProbeFailure{URL: wsURL, Err: err})
	}
	kind, msg, err := conn.ReadMessage()
	rtt := time.Since(start)
	if err != nil {
		return fail(p, &model.ProbeFailure{URL: wsURL, Err: err})
	}
	if kind != websocket.TextMessage || !strings.HasPrefix(string(msg), "PONG") {
		return fail(p, &model.ProbeFailure{URL: wsURL, Err: errUnexpectedReply})
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return succeed(p, rtt)
}
