package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// SocketPath is the server's message socket endpoint.
const SocketPath = "/ws/messages"

// SocketConn is the part of a socket connection the client uses.
// *websocket.Conn satisfies it.
type SocketConn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens socket connections.
type Dialer interface {
	Dial(ctx context.Context, rawURL string, header http.Header) (SocketConn, error)
}

// WebSocketDialer dials with gorilla/websocket.
type WebSocketDialer struct {
	Dialer *websocket.Dialer
}

// Dial opens a WebSocket connection.
func (d WebSocketDialer) Dial(ctx context.Context, rawURL string, header http.Header) (SocketConn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// socketURL turns the server base URL into the socket endpoint with the
// token as a query parameter.
func socketURL(serverURL, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path += SocketPath
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// isAuthClose reports a server close for a missing or invalid credential.
func isAuthClose(err error) bool {
	return websocket.IsCloseError(err, websocket.ClosePolicyViolation)
}

// newReconnectBackOff builds the capped exponential backoff for socket
// reconnects. The first dial plus the retries add up to MaxSocketAttempts.
func newReconnectBackOff(ctx context.Context, cfg Config) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.ReconnectInitial
	exp.MaxInterval = cfg.ReconnectMax
	exp.MaxElapsedTime = 0
	exp.Clock = cfg.Clock
	exp.Reset()

	retries := max(cfg.MaxSocketAttempts-1, 0)
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

// clockTimer adapts a benbjohnson clock to backoff.Timer.
type clockTimer struct {
	clock clock.Clock
	timer *clock.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.Timer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.C
}

var errSocketUnavailable = errors.New("socket not connected")
