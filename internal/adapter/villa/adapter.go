// Package villa implements the MiHoYo Villa adapter. The event socket is
// binary framed: a fixed header wraps protowire payloads, with a signed
// login frame after connect and a 20-second heartbeat.
package villa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
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
	platformName      = "mihoyo"
	defaultAPIURL     = "https://bbs-api.miyoushe.com"
	heartbeatInterval = 20 * time.Second
)

// Adapter is one Villa bot connection.
type Adapter struct {
	botID   string
	secret  string
	villaID string
	apiURL  string
	logger  *slog.Logger
	client  *http.Client
	limiter *rate.Limiter
	dialer  *websocket.Dialer

	queue *adapter.Queue
	seq   uint64 // next event id; touched only by the connection goroutine
	sn    uint64 // frame sequence id, starts at 1

	mu     sync.RWMutex
	status satori.LoginStatus

	started   atomic.Bool
	cancel    context.CancelFunc
	backoff   time.Duration
	heartbeat time.Duration
}

// New creates a Villa adapter from its bot configuration.
func New(cfg config.Bot, logger *slog.Logger) *Adapter {
	apiURL := cfg.HTTPURL
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	return &Adapter{
		botID:     cfg.BotID,
		secret:    cfg.Secret,
		villaID:   cfg.VillaID,
		apiURL:    apiURL,
		logger:    logger.With("platform", platformName),
		client:    adapter.NewHTTPClient(),
		limiter:   rate.NewLimiter(rate.Limit(5), 5),
		dialer:    adapter.Dialer(),
		queue:     adapter.NewQueue(adapter.DefaultQueueSize, logger),
		status:    satori.StatusDisconnected,
		sn:        1,
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

type websocketInfo struct {
	WebsocketURL string          `json:"websocket_url"`
	UID          json.RawMessage `json:"uid"`
	AppID        int32           `json:"app_id"`
	Platform     int32           `json:"platform"`
	DeviceID     string          `json:"device_id"`
}

func (w *websocketInfo) uid() (uint64, error) {
	s := strings.Trim(string(w.UID), `"`)
	return strconv.ParseUint(s, 10, 64)
}

// connect runs one full connection: socket info lookup, dial, signed login
// frame, then the binary frame pump.
func (a *Adapter) connect(ctx context.Context) error {
	a.setStatus(satori.StatusConnecting)

	var info websocketInfo
	if err := a.apiGet(ctx, a.villaID, "/vila/api/bot/platform/getWebsocketInfo", &info); err != nil {
		return fmt.Errorf("websocket info: %w", err)
	}
	uid, err := info.uid()
	if err != nil {
		return fmt.Errorf("websocket info uid: %w", err)
	}

	conn, _, err := a.dialer.DialContext(ctx, info.WebsocketURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	token := a.villaID + "." + a.secret + "." + a.botID
	login := encodeLogin(uid, token, info.Platform, info.AppID, info.DeviceID)
	if err := conn.WriteMessage(websocket.BinaryMessage, encodeFrame(a.nextSN(), bizLogin, login)); err != nil {
		return fmt.Errorf("login frame: %w", err)
	}

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
			millis := strconv.FormatInt(time.Now().UnixMilli(), 10)
			hb := encodeFrame(a.nextSN(), bizHeartbeat, encodeHeartbeat(millis))
			if err := conn.WriteMessage(websocket.BinaryMessage, hb); err != nil {
				a.setStatus(satori.StatusDisconnected)
				return fmt.Errorf("heartbeat: %w", err)
			}
		case f, ok := <-frames:
			if !ok {
				continue // terminal error arrives on readErrs
			}
			if err := a.handleFrame(f.Data); err != nil {
				a.setStatus(satori.StatusDisconnected)
				return err
			}
		}
	}
}

// handleFrame demultiplexes one inbound binary frame by business type.
func (a *Adapter) handleFrame(data []byte) error {
	biztype, payload, err := decodeFrame(data)
	if err != nil {
		a.logger.Warn("undecodable frame", "err", err)
		return nil
	}
	switch biztype {
	case bizLogin:
		code, msg, err := decodeReply(payload)
		if err != nil {
			return fmt.Errorf("login reply: %w", err)
		}
		if code != 0 {
			return fmt.Errorf("login rejected: code %d: %s", code, msg)
		}
		a.logger.Info("event socket online")
		a.setStatus(satori.StatusOnline)
	case bizHeartbeat:
		code, msg, err := decodeReply(payload)
		if err != nil {
			return fmt.Errorf("heartbeat reply: %w", err)
		}
		if code != 0 {
			return fmt.Errorf("heartbeat rejected: code %d: %s", code, msg)
		}
	case bizKickOff:
		return fmt.Errorf("kicked off: %s", decodeKickOff(payload))
	case bizShutdown:
		return fmt.Errorf("server shutdown notice")
	case bizEvent:
		a.handleRobotEvent(payload)
	default:
		a.logger.Debug("unhandled business type", "biztype", biztype)
	}
	return nil
}

// GetLogin returns the static identity; the platform has no profile RPC
// and the self id comes from configuration.
func (a *Adapter) GetLogin(ctx context.Context) (*satori.Login, error) {
	return &satori.Login{
		Status:   a.Status(),
		SelfID:   satori.String(a.botID),
		Platform: satori.String(platformName),
		User: &satori.User{
			ID:    a.botID,
			IsBot: satori.Bool(true),
		},
	}, nil
}

// GetGuildMember resolves one villa member via getMember.
func (a *Adapter) GetGuildMember(ctx context.Context, guildID, userID string) (*satori.GuildMember, error) {
	var res struct {
		Member struct {
			Basic struct {
				UID       string `json:"uid"`
				Nickname  string `json:"nickname"`
				AvatarURL string `json:"avatar_url"`
			} `json:"basic"`
			JoinedAt string `json:"joined_at"`
		} `json:"member"`
	}
	path := "/vila/api/bot/platform/getMember?uid=" + userID
	if err := a.apiGet(ctx, guildID, path, &res); err != nil {
		return nil, adapter.Callf(platformName, "getMember", err)
	}

	member := &satori.GuildMember{
		User: &satori.User{ID: res.Member.Basic.UID},
	}
	if res.Member.Basic.Nickname != "" {
		member.User.Name = satori.String(res.Member.Basic.Nickname)
		member.User.Nick = satori.String(res.Member.Basic.Nickname)
		member.Nick = satori.String(res.Member.Basic.Nickname)
	}
	if res.Member.Basic.AvatarURL != "" {
		member.User.Avatar = satori.String(res.Member.Basic.AvatarURL)
		member.Avatar = satori.String(res.Member.Basic.AvatarURL)
	}
	if secs, err := strconv.ParseInt(res.Member.JoinedAt, 10, 64); err == nil && secs > 0 {
		member.JoinedAt = satori.Int64(secs * 1000)
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

func (a *Adapter) nextEventID() uint64 {
	id := a.seq
	a.seq++
	return id
}

func (a *Adapter) nextSN() uint64 {
	id := a.sn
	a.sn++
	return id
}

// botHeader returns the signed bot identity headers scoped to villaID.
func (a *Adapter) botHeader(villaID string) http.Header {
	h := http.Header{}
	h.Set("x-rpc-bot_id", a.botID)
	h.Set("x-rpc-bot_secret", a.secret)
	h.Set("x-rpc-bot_villa_id", villaID)
	return h
}

// apiGet performs an authenticated GET and unwraps the {retcode,message,
// data} envelope into out.
func (a *Adapter) apiGet(ctx context.Context, villaID, path string, out any) error {
	return a.apiCall(ctx, http.MethodGet, villaID, path, nil, out)
}

// apiPost performs an authenticated JSON POST and unwraps the envelope.
func (a *Adapter) apiPost(ctx context.Context, villaID, path string, body, out any) error {
	return a.apiCall(ctx, http.MethodPost, villaID, path, body, out)
}

func (a *Adapter) apiCall(ctx context.Context, method, villaID, path string, body, out any) error {
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
	for k, v := range a.botHeader(villaID) {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		Retcode int             `json:"retcode"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if envelope.Retcode != 0 {
		return fmt.Errorf("api error %d: %s", envelope.Retcode, envelope.Message)
	}
	if out != nil && len(envelope.Data) > 0 {
		return json.Unmarshal(envelope.Data, out)
	}
	return nil
}
