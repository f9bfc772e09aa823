package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"satorigate/internal/metrics"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler returns the HTTP surface: the v1 API, the event socket, metrics
// and a handled fallback for everything else.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/login.get", g.handleLoginGet)
	mux.HandleFunc("/v1/message.create", g.handleMessageCreate)
	mux.HandleFunc("/v1/admin/login.list", g.handleLoginList)
	mux.HandleFunc("/v1/events", g.handleEvents)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("method not found"))
	})
	return mux
}

// authorized checks the bearer token; an empty configured token disables
// the check.
func (g *Gateway) authorized(r *http.Request) bool {
	if g.token == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+g.token
}

func (g *Gateway) handleLoginGet(w http.ResponseWriter, r *http.Request) {
	if !g.authorized(r) {
		w.Write([]byte("token err"))
		return
	}
	ad, err := g.find(r.Header.Get("X-Platform"), r.Header.Get("X-Self-ID"))
	if err != nil {
		w.Write([]byte("bot not found"))
		return
	}
	login, err := ad.GetLogin(r.Context())
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, login)
}

func (g *Gateway) handleMessageCreate(w http.ResponseWriter, r *http.Request) {
	if !g.authorized(r) {
		w.Write([]byte("token err"))
		return
	}
	ad, err := g.find(r.Header.Get("X-Platform"), r.Header.Get("X-Self-ID"))
	if err != nil {
		w.Write([]byte("bot not found"))
		return
	}
	var req struct {
		ChannelID string `json:"channel_id"`
		Content   string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, err)
		return
	}
	receipts, err := ad.CreateMessage(r.Context(), req.ChannelID, req.Content)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, receipts)
}

func (g *Gateway) handleLoginList(w http.ResponseWriter, r *http.Request) {
	if !g.authorized(r) {
		w.Write([]byte("token err"))
		return
	}
	g.writeJSON(w, g.loginList(r.Context()))
}

// handleEvents upgrades to the event socket and runs the subscriber's read
// side: identify, ping, teardown on error or close.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("upgrade failed", "err", err)
		return
	}
	sub := newSubscriber(uuid.NewString(), conn, g.logger)
	g.addSubscriber(sub)
	go sub.writeLoop()
	defer func() {
		g.removeSubscriber(sub.id)
		sub.close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			sub.logger.Warn("undecodable control frame", "err", err)
			continue
		}
		switch frame.Op {
		case OpIdentify:
			var body struct {
				Token string `json:"token"`
			}
			if len(frame.Body) > 0 {
				if err := json.Unmarshal(frame.Body, &body); err != nil {
					sub.logger.Warn("undecodable identify body", "err", err)
					return
				}
			}
			if g.token != "" && body.Token != g.token {
				sub.logger.Warn("identify rejected")
				return
			}
			// READY is queued before the subscriber becomes eligible for
			// fan-out; both ride the same FIFO channel, so no event frame
			// can reach the client ahead of it.
			sub.push(frameJSON(OpReady, map[string]any{
				"logins": g.loginList(r.Context()),
			}))
			sub.authenticated.Store(true)
		case OpPing:
			sub.push(frameJSON(OpPong, nil))
		}
	}
}

func (g *Gateway) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn("response encoding failed", "err", err)
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errBotNotFound) {
		w.Write([]byte("bot not found"))
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
