// Package qq implements the QQ open-platform adapter in its two messaging
// modes: guild channels (platform tag "qq_guild") and group/C2C chat
// (platform tag "qq"). Both share the gateway op protocol and the
// app-access-token refresh side task.
package qq

import (
	"bytes"
	"context"
	"encoding/json"
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
	PlatformGuild = "qq_guild"
	PlatformGroup = "qq"

	defaultAPIURL     = "https://api.sgroup.qq.com"
	defaultTokenURL   = "https://bots.qq.com/app/getAppAccessToken"
	heartbeatInterval = 30 * time.Second
)

// Gateway op codes.
const (
	opDispatch     = 0
	opHeartbeat    = 1
	opIdentify     = 2
	opReconnect    = 7
	opInvalidParam = 9
	opHello        = 10
	opHeartbeatAck = 11
)

// Gateway intents per mode.
const (
	intentsGuild = 1 | 1<<1 | 1<<30
	intentsGroup = 1 | 1<<25
)

// Adapter is one QQ bot connection in either guild or group mode.
type Adapter struct {
	platform  string
	appID     string
	apiURL    string
	tokenURL  string
	appSecret string
	logger    *slog.Logger
	client    *http.Client
	limiter   *rate.Limiter
	dialer    *websocket.Dialer
	tokens    *adapter.TokenSource

	queue *adapter.Queue
	seq   uint64 // next event id; touched only by the connection goroutine
	sn    int64  // last dispatch sequence, echoed in heartbeats

	mu      sync.RWMutex
	selfID  string
	status  satori.LoginStatus
	msgIDs  map[string]string // channel id -> last inbound message id
	started atomic.Bool
	cancel  context.CancelFunc

	backoff   time.Duration
	heartbeat time.Duration
}

// New creates a QQ adapter. cfg.Platform selects guild or group mode.
func New(cfg config.Bot, logger *slog.Logger) *Adapter {
	apiURL := cfg.HTTPURL
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	a := &Adapter{
		platform:  cfg.Platform,
		appID:     cfg.AppID,
		apiURL:    apiURL,
		tokenURL:  defaultTokenURL,
		appSecret: cfg.AppSecret,
		logger:    logger.With("platform", cfg.Platform),
		client:    adapter.NewHTTPClient(),
		limiter:   rate.NewLimiter(rate.Limit(5), 5),
		dialer:    adapter.Dialer(),
		queue:     adapter.NewQueue(adapter.DefaultQueueSize, logger),
		status:    satori.StatusDisconnected,
		msgIDs:    map[string]string{},
		backoff:   adapter.ReconnectBackoff,
		heartbeat: heartbeatInterval,
	}
	a.tokens = adapter.NewTokenSource(a.fetchToken, a.logger)
	return a
}

func (a *Adapter) Platform() string { return a.platform }

// Start primes the app access token, launches the refresh side task, then
// the connection state machine. Subsequent calls are no-ops.
func (a *Adapter) Start(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	go func() {
		// The first connect must carry a valid token, so priming retries
		// until it succeeds rather than letting the dial loop churn with
		// an empty credential.
		for {
			err := a.tokens.Prime(runCtx)
			if err == nil {
				break
			}
			a.logger.Warn("initial token refresh failed", "backoff", a.backoff, "err", err)
			select {
			case <-runCtx.Done():
				return
			case <-time.After(a.backoff):
			}
		}
		go a.tokens.Run(runCtx)
		adapter.RunLoop(runCtx, a.logger, a.backoff, a.connect)
		a.setStatus(satori.StatusDisconnected)
	}()
	return nil
}

// Stop signals the state machine and the token task to shut down.
func (a *Adapter) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
}

// ReceiveEvent blocks until the next normalized event arrives.
func (a *Adapter) ReceiveEvent(ctx context.Context) (*satori.Event, error) {
	return a.queue.Next(ctx)
}

// fetchToken calls the credential endpoint with the app id and secret.
func (a *Adapter) fetchToken(ctx context.Context) (string, time.Duration, error) {
	body, err := json.Marshal(map[string]string{
		"appId":        a.appID,
		"clientSecret": a.appSecret,
	})
	if err != nil {
		return "", 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	var res struct {
		AccessToken string      `json:"access_token"`
		ExpiresIn   json.Number `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", 0, fmt.Errorf("decode token response: %w", err)
	}
	if res.AccessToken == "" {
		return "", 0, fmt.Errorf("credential endpoint returned no token")
	}
	secs, err := res.ExpiresIn.Int64()
	if err != nil {
		return "", 0, fmt.Errorf("expires_in: %w", err)
	}
	return res.AccessToken, time.Duration(secs) * time.Second, nil
}

type gatewayFrame struct {
	Op int             `json:"op"`
	S  int64           `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

// connect runs one full connection: gateway lookup, dial, then the op pump.
// The identify frame answers the server's hello; READY flips to online.
func (a *Adapter) connect(ctx context.Context) error {
	a.setStatus(satori.StatusConnecting)

	var gw struct {
		URL string `json:"url"`
	}
	if err := a.apiGet(ctx, "/gateway", &gw); err != nil {
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
			hb, _ := json.Marshal(map[string]any{"op": opHeartbeat, "d": a.sn})
			if err := conn.WriteMessage(websocket.TextMessage, hb); err != nil {
				a.setStatus(satori.StatusDisconnected)
				return fmt.Errorf("heartbeat: %w", err)
			}
		case f, ok := <-frames:
			if !ok {
				continue // terminal error arrives on readErrs
			}
			if err := a.handleFrame(ctx, conn, f.Data); err != nil {
				a.setStatus(satori.StatusDisconnected)
				return err
			}
		}
	}
}

func (a *Adapter) handleFrame(ctx context.Context, conn *websocket.Conn, data []byte) error {
	var frame gatewayFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		a.logger.Warn("undecodable gateway frame", "err", err)
		return nil
	}
	switch frame.Op {
	case opHello:
		identify, _ := json.Marshal(map[string]any{
			"op": opIdentify,
			"d": map[string]any{
				"token":   "QQBot " + a.tokens.Token(),
				"intents": a.intents(),
				"shard":   []int{0, 1},
			},
		})
		return conn.WriteMessage(websocket.TextMessage, identify)
	case opDispatch:
		a.sn = frame.S
		if frame.T == "READY" {
			a.logger.Info("event socket online")
			a.setStatus(satori.StatusOnline)
			a.cacheReadyIdentity(frame.D)
			return nil
		}
		a.handleDispatch(frame.T, frame.D)
	case opHeartbeat:
		ack, _ := json.Marshal(map[string]int{"op": opHeartbeatAck})
		return conn.WriteMessage(websocket.TextMessage, ack)
	case opReconnect:
		return fmt.Errorf("server requested reconnect")
	case opInvalidParam:
		return fmt.Errorf("gateway rejected session parameters")
	case opHeartbeatAck:
		// heartbeat acknowledged
	}
	return nil
}

func (a *Adapter) intents() int {
	if a.platform == PlatformGroup {
		return intentsGroup
	}
	return intentsGuild
}

// cacheReadyIdentity records the bot user id carried by the READY dispatch.
func (a *Adapter) cacheReadyIdentity(data json.RawMessage) {
	var ready struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	if err := json.Unmarshal(data, &ready); err != nil || ready.User.ID == "" {
		return
	}
	a.mu.Lock()
	a.selfID = ready.User.ID
	a.mu.Unlock()
}

// GetLogin fetches the bot's own profile and caches the self id.
func (a *Adapter) GetLogin(ctx context.Context) (*satori.Login, error) {
	var me struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Avatar   string `json:"avatar"`
	}
	if err := a.apiGet(ctx, "/users/@me", &me); err != nil {
		return nil, adapter.Callf(a.platform, "users/@me", err)
	}
	a.mu.Lock()
	a.selfID = me.ID
	a.mu.Unlock()

	login := &satori.Login{
		Status:   a.Status(),
		SelfID:   satori.String(me.ID),
		Platform: satori.String(a.platform),
		User: &satori.User{
			ID:    me.ID,
			Name:  satori.String(me.Username),
			Nick:  satori.String(me.Username),
			IsBot: satori.Bool(true),
		},
	}
	if me.Avatar != "" {
		login.User.Avatar = satori.String(me.Avatar)
	}
	return login, nil
}

// GetGuildMember resolves one guild member. Group mode has no member
// lookup surface.
func (a *Adapter) GetGuildMember(ctx context.Context, guildID, userID string) (*satori.GuildMember, error) {
	if a.platform == PlatformGroup {
		return nil, adapter.Callf(a.platform, "guild.member.get", adapter.ErrUnsupported)
	}
	var res struct {
		User struct {
			ID       string `json:"id"`
			Username string `json:"username"`
			Avatar   string `json:"avatar"`
			Bot      *bool  `json:"bot"`
		} `json:"user"`
		Nick     string `json:"nick"`
		JoinedAt string `json:"joined_at"`
	}
	path := fmt.Sprintf("/guilds/%s/members/%s", guildID, userID)
	if err := a.apiGet(ctx, path, &res); err != nil {
		return nil, adapter.Callf(a.platform, "guild.member.get", err)
	}

	member := &satori.GuildMember{
		User: &satori.User{
			ID:    res.User.ID,
			IsBot: res.User.Bot,
		},
	}
	if res.User.Username != "" {
		member.User.Name = satori.String(res.User.Username)
		member.User.Nick = satori.String(res.User.Username)
	}
	if res.Nick != "" {
		member.Nick = satori.String(res.Nick)
	}
	if res.User.Avatar != "" {
		member.User.Avatar = satori.String(res.User.Avatar)
		member.Avatar = satori.String(res.User.Avatar)
	}
	if millis, ok := isoMillis(res.JoinedAt); ok {
		member.JoinedAt = satori.Int64(millis)
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

// rememberMsgID records the latest inbound message id for a channel so
// outbound sends can reference it as a passive reply.
func (a *Adapter) rememberMsgID(channelID, msgID string) {
	a.mu.Lock()
	a.msgIDs[channelID] = msgID
	a.mu.Unlock()
}

func (a *Adapter) replyMsgID(channelID string) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.msgIDs[channelID]
}

// apiGet performs an authenticated GET against the open-platform API.
func (a *Adapter) apiGet(ctx context.Context, path string, out any) error {
	return a.apiCall(ctx, http.MethodGet, path, nil, out)
}

// apiPost performs an authenticated JSON POST.
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
	a.authorize(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeAPIResponse(resp, out)
}

func (a *Adapter) authorize(req *http.Request) {
	req.Header.Set("Authorization", "QQBot "+a.tokens.Token())
	req.Header.Set("X-Union-Appid", a.appID)
}

// decodeAPIResponse surfaces the platform's {code,message} error shape on
// non-2xx responses, otherwise unmarshals the body into out.
func decodeAPIResponse(resp *http.Response, out any) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("api error %d: %s", apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("api status %s", resp.Status)
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

// isoMillis parses the platform's RFC 3339 timestamps into epoch millis.
func isoMillis(s string) (int64, bool) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, false
	}
	return t.UnixMilli(), true
}
