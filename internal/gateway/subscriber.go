package gateway

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// subscriberBuffer is the per-subscriber outbound queue. Fan-out never
// blocks on it: frames beyond the buffer are dropped.
const subscriberBuffer = 16

type subscriber struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger
	send   chan []byte
	done   chan struct{}

	authenticated atomic.Bool
}

func newSubscriber(id string, conn *websocket.Conn, logger *slog.Logger) *subscriber {
	return &subscriber{
		id:     id,
		conn:   conn,
		logger: logger.With("subscriber", id),
		send:   make(chan []byte, subscriberBuffer),
		done:   make(chan struct{}),
	}
}

func (s *subscriber) authed() bool { return s.authenticated.Load() }

// push enqueues a frame without blocking; the frame is dropped when the
// subscriber cannot keep up.
func (s *subscriber) push(frame []byte) {
	select {
	case s.send <- frame:
	default:
		s.logger.Warn("subscriber buffer full, frame dropped")
	}
}

// writeLoop owns the connection's write side.
func (s *subscriber) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.send:
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}
}

func (s *subscriber) close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.conn.Close()
}

type inboundFrame struct {
	Op   int             `json:"op"`
	Body json.RawMessage `json:"body"`
}

type outboundFrame struct {
	Op   int `json:"op"`
	Body any `json:"body,omitempty"`
}

func frameJSON(op int, body any) []byte {
	data, err := json.Marshal(outboundFrame{Op: op, Body: body})
	if err != nil {
		return nil
	}
	return data
}
