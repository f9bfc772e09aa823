// Package kook implements the KOOK platform adapter: a REST API plus a
// WebSocket event stream framed by s-code signals, with a 30-second
// sn-carrying heartbeat.
package kook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"satorigate/internal/adapter"
	"satorigate/internal/config"
	"satorigate/internal/satori"
)

const (
	platformName      = "kook"
	defaultAPIURL     = "https://www.kookapp.cn/api/v3"
	assetHostPrefix   = "https://img.kookapp.cn"
	heartbeatInterval = 30 * time.Second
)

// Signal s-codes on the event socket.
const (
	sigEvent     = 0
	sigHello     = 1
	sigHeartbeat = 2
	sigPong      = 3
	sigReconnect = 5
)

var errServerReset = errors.New("server requested reconnect")

// Adapter is one KOOK bot connection.
type Adapter struct {
	token   string
	apiURL  string
	logger  *slog.Logger
	client  *http.Client
	limiter *rate.Limiter
	dialer  *websocket.Dialer

	queue *adapter.Queue
	seq   uint64 // next event id; touched only by the connection goroutine
	sn    int64  // last seen frame sequence, echoed in heartbeats

	mu     sync.RWMutex
	selfID string
	status satori.LoginStatus

	started   atomic.Bool
	cancel    context.CancelFunc
	backoff   time.Duration
	heartbeat time.Duration
}

// New creates a KOOK adapter from its bot configuration.
func New(cfg config.Bot, logger *slog.Logger) *Adapter {
	apiURL := cfg.HTTPURL
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	return &Adapter{
		token:     cfg.AccessToken,
		apiURL:    apiURL,
		logger:    logger.With("platform", platformName),
		client:    adapter.NewHTTPClient(),
		limiter:   rate.NewLimiter(rate.Limit(5), 5),
		dialer:    adapter.Dialer(),
		queue:     adapter.NewQueue(adapter.DefaultQueueSize, logger),
		status:    satori.StatusDisconnected,
		backoff:   adapter.ReconnectBackoff,
		heartbeat: heartbeatInterval,
	}
}

func (a *Adapter) Platform() string { return platformName }

// Start launches the connection state machine. Subsequent calls are no-ops.
func (a *Adapter) Start(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	go func() {
		adapter.RunLoop(runCtx, a.logger, a.backoff, a.connect)
		a.setStatus(satori.StatusDisconnected)
	}()
	return nil
}

// Stop signals the state machine to shut down.
func (a *Adapter) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
}

// ReceiveEvent blocks until the next normalized event arrives.
func (a *Adapter) ReceiveEvent(ctx context.Context) (*satori.Event, error) {
	return a.queue.Next(ctx)
}

// connect runs one full connection: gateway lookup, dial, then the signal
// pump until the socket drops, the server requests a reset, or ctx is done.
func (a *Adapter) connect(ctx context.Context) error {
	a.setStatus(satori.StatusConnecting)

	var gw struct {
		URL string `json:"url"`
	}
	if err := a.apiGet(ctx, "/gateway/index?compress=0", &gw); err != nil {
		return fmt.Errorf("gateway lookup: %w", err)
	}

	conn, _, err := a.dialer.DialContext(ctx, gw.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	frames, readErrs, stopReader := adapter.StartReader(conn)
	defer stopReader()
	ticker := time.NewTicker(a.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			a.setStatus(satori.StatusDisconnected)
			return nil
		case err := <-readErrs:
			a.setStatus(satori.StatusDisconnected)
			return err
		case <-ticker.C:
			hb, _ := json.Marshal(map[string]int64{"s": sigHeartbeat, "sn": a.sn})
			if err := conn.WriteMessage(websocket.TextMessage, hb); err != nil {
				a.setStatus(satori.StatusDisconnected)
				return fmt.Errorf("heartbeat: %w", err)
			}
		case f, ok := <-frames:
			if !ok {
				continue // terminal error arrives on readErrs
			}
			if err := a.handleSignal(f.Data); err != nil {
				a.setStatus(satori.StatusDisconnected)
				return err
			}
		}
	}
}

func (a *Adapter) handleSignal(data []byte) error {
	var sig struct {
		S  int             `json:"s"`
		D  json.RawMessage `json:"d"`
		SN int64           `json:"sn"`
	}
	if err := json.Unmarshal(data, &sig); err != nil {
		a.logger.Warn("undecodable signal frame", "err", err)
		return nil
	}
	switch sig.S {
	case sigReconnect:
		return errServerReset
	case sigHello:
		a.logger.Info("event socket online")
		a.setStatus(satori.StatusOnline)
	case sigEvent:
		a.sn = sig.SN
		a.handleEvent(sig.D)
	case sigPong:
		// heartbeat acknowledged
	}
	return nil
}

// GetLogin fetches the bot's own profile and caches the self id.
func (a *Adapter) GetLogin(ctx context.Context) (*satori.Login, error) {
	var me struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Avatar   string `json:"avatar"`
	}
	if err := a.apiGet(ctx, "/user/me", &me); err != nil {
		return nil, adapter.Callf(platformName, "user/me", err)
	}
	a.mu.Lock()
	a.selfID = me.ID
	a.mu.Unlock()

	login := &satori.Login{
		Status:   a.Status(),
		SelfID:   satori.String(me.ID),
		Platform: satori.String(platformName),
		User: &satori.User{
			ID:   me.ID,
			Name: satori.String(me.Username),
			Nick: satori.String(me.Username),
		},
	}
	if me.Avatar != "" {
		login.User.Avatar = satori.String(me.Avatar)
	}
	return login, nil
}

// GetGuildMember resolves one guild member via /user/view.
func (a *Adapter) GetGuildMember(ctx context.Context, guildID, userID string) (*satori.GuildMember, error) {
	var view struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Nickname string `json:"nickname"`
		Avatar   string `json:"avatar"`
		Bot      *bool  `json:"bot"`
		JoinTime *int64 `json:"join_time"`
	}
	path := fmt.Sprintf("/user/view?user_id=%s&guild_id=%s", userID, guildID)
	if err := a.apiGet(ctx, path, &view); err != nil {
		return nil, adapter.Callf(platformName, "user/view", err)
	}
	member := &satori.GuildMember{
		User: &satori.User{
			ID:    view.ID,
			IsBot: view.Bot,
		},
		JoinedAt: view.JoinTime,
	}
	if view.Username != "" {
		member.User.Name = satori.String(view.Username)
		member.User.Nick = satori.String(view.Username)
	}
	if view.Nickname != "" {
		member.Nick = satori.String(view.Nickname)
	}
	if view.Avatar != "" {
		member.User.Avatar = satori.String(view.Avatar)
		member.Avatar = satori.String(view.Avatar)
	}
	return member, nil
}

// Status returns the current connection state.
func (a *Adapter) Status() satori.LoginStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

func (a *Adapter) setStatus(s satori.LoginStatus) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}

func (a *Adapter) selfIDString() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.selfID
}

func (a *Adapter) nextEventID() uint64 {
	id := a.seq
	a.seq++
	return id
}

// apiGet performs an authenticated GET and unwraps the {code,message,data}
// envelope into out.
func (a *Adapter) apiGet(ctx context.Context, path string, out any) error {
	return a.apiCall(ctx, http.MethodGet, path, nil, out)
}

// apiPost performs an authenticated JSON POST and unwraps the envelope.
func (a *Adapter) apiPost(ctx context.Context, path string, body, out any) error {
	return a.apiCall(ctx, http.MethodPost, path, body, out)
}

func (a *Adapter) apiCall(ctx context.Context, method, path string, body, out any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.apiURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+a.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if envelope.Code != 0 {
		return fmt.Errorf("api error %d: %s", envelope.Code, envelope.Message)
	}
	if out != nil {
		return json.Unmarshal(envelope.Data, out)
	}
	return nil
}
