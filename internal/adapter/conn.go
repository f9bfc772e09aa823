package adapter

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"satorigate/internal/metrics"
)

const (
	// ReconnectBackoff is the fixed sleep between connect attempts.
	ReconnectBackoff = 3 * time.Second

	// HandshakeTimeout bounds the WebSocket dial.
	HandshakeTimeout = 30 * time.Second
)

// RunLoop drives a connection state machine: connect is called repeatedly
// until ctx is cancelled, with a fixed backoff between attempts. connect
// returning (with or without an error) means the connection ended; handshake
// failures and socket drops are both treated as transient.
func RunLoop(ctx context.Context, logger *slog.Logger, backoff time.Duration, connect func(context.Context) error) {
	for {
		if ctx.Err() != nil {
			return
		}
		err := connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Warn("connection lost, reconnecting", "backoff", backoff, "err", err)
		} else {
			logger.Info("connection closed, reconnecting", "backoff", backoff)
		}
		metrics.Reconnects.Inc()
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// Frame is one message read off a WebSocket connection.
type Frame struct {
	Type int
	Data []byte
}

// StartReader drains conn into a frame channel from a dedicated goroutine so
// the state machine can select over frames, its heartbeat timer and the stop
// signal at once. The terminal read error arrives on the error channel and
// the frame channel is closed. Callers must invoke stop when the connection
// ends and close conn: closing conn unblocks a reader stuck in ReadMessage,
// stop unblocks one stuck delivering into a full frame channel.
func StartReader(conn *websocket.Conn) (<-chan Frame, <-chan error, func()) {
	frames := make(chan Frame, 16)
	errc := make(chan error, 1)
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }
	go func() {
		defer close(frames)
		for {
			t, data, err := conn.ReadMessage()
			if err != nil {
				errc <- err
				return
			}
			select {
			case <-done:
				return
			default:
			}
			select {
			case frames <- Frame{Type: t, Data: data}:
			case <-done:
				return
			}
		}
	}()
	return frames, errc, stop
}

// Dialer returns a WebSocket dialer with the shared handshake timeout.
func Dialer() *websocket.Dialer {
	return &websocket.Dialer{HandshakeTimeout: HandshakeTimeout}
}

// NewHTTPClient returns an HTTP client tuned for platform API traffic:
// pooled keep-alive connections and bounded timeouts so a hung request can
// never stall an adapter indefinitely.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   30 * time.Second,
	}
}
