// Package onebot implements the OneBot v11 adapter: a JSON event stream
// over WebSocket plus an HTTP action API. The protocol end manages its own
// heartbeat, so the state machine only pumps frames.
package onebot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"satorigate/internal/adapter"
	"satorigate/internal/config"
	"satorigate/internal/satori"
)

const platformName = "onebot"

// Adapter is one OneBot protocol-end connection.
type Adapter struct {
	httpURL string
	wsURL   string
	token   string
	logger  *slog.Logger
	client  *http.Client
	limiter *rate.Limiter
	dialer  *websocket.Dialer

	queue *adapter.Queue
	seq   uint64 // next event id; touched only by the connection goroutine

	mu     sync.RWMutex
	selfID string
	status satori.LoginStatus

	started atomic.Bool
	cancel  context.CancelFunc
	backoff time.Duration
}

// New creates a OneBot adapter from its bot configuration.
func New(cfg config.Bot, logger *slog.Logger) *Adapter {
	return &Adapter{
		httpURL: cfg.HTTPURL,
		wsURL:   cfg.WSURL,
		token:   cfg.AccessToken,
		logger:  logger.With("platform", platformName),
		client:  adapter.NewHTTPClient(),
		limiter: rate.NewLimiter(rate.Limit(5), 5),
		dialer:  adapter.Dialer(),
		queue:   adapter.NewQueue(adapter.DefaultQueueSize, logger),
		status:  satori.StatusDisconnected,
		backoff: adapter.ReconnectBackoff,
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

// connect runs one full connection. The event socket has no application
// handshake: a successful upgrade is the online signal.
func (a *Adapter) connect(ctx context.Context) error {
	a.setStatus(satori.StatusConnecting)

	header := http.Header{}
	if a.token != "" {
		header.Set("Authorization", "Bearer "+a.token)
	}
	conn, _, err := a.dialer.DialContext(ctx, a.wsURL, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	a.logger.Info("event socket online")
	a.setStatus(satori.StatusOnline)

	frames, readErrs, stopReader := adapter.StartReader(conn)
	defer stopReader()
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			a.setStatus(satori.StatusDisconnected)
			return nil
		case err := <-readErrs:
			a.setStatus(satori.StatusDisconnected)
			return err
		case f, ok := <-frames:
			if !ok {
				continue // terminal error arrives on readErrs
			}
			a.handleEvent(f.Data)
		}
	}
}

// GetLogin fetches the bot's own profile and caches the self id.
func (a *Adapter) GetLogin(ctx context.Context) (*satori.Login, error) {
	var info struct {
		UserID   flexID `json:"user_id"`
		Nickname string `json:"nickname"`
		Avatar   string `json:"avatar"`
	}
	if err := a.apiPost(ctx, "/get_login_info", map[string]any{}, &info); err != nil {
		return nil, adapter.Callf(platformName, "get_login_info", err)
	}
	a.mu.Lock()
	a.selfID = info.UserID.String()
	a.mu.Unlock()

	login := &satori.Login{
		Status:   a.Status(),
		SelfID:   satori.String(info.UserID.String()),
		Platform: satori.String(platformName),
		User: &satori.User{
			ID:   info.UserID.String(),
			Name: satori.String(info.Nickname),
			Nick: satori.String(info.Nickname),
		},
	}
	if info.Avatar != "" {
		login.User.Avatar = satori.String(info.Avatar)
	}
	return login, nil
}

// GetGuildMember resolves one group member via get_group_member_info. Guild
// ids carry the GROUP_ prefix assigned during normalization.
func (a *Adapter) GetGuildMember(ctx context.Context, guildID, userID string) (*satori.GuildMember, error) {
	groupID, err := groupNumber(guildID)
	if err != nil {
		return nil, adapter.Callf(platformName, "get_group_member_info", err)
	}
	uid, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return nil, adapter.Callf(platformName, "get_group_member_info", fmt.Errorf("user id %q: %w", userID, err))
	}

	var info struct {
		UserID   flexID `json:"user_id"`
		Nickname string `json:"nickname"`
		Card     string `json:"card"`
		Avatar   string `json:"avatar"`
		JoinTime *int64 `json:"join_time"`
	}
	body := map[string]any{"group_id": groupID, "user_id": uid}
	if err := a.apiPost(ctx, "/get_group_member_info", body, &info); err != nil {
		return nil, adapter.Callf(platformName, "get_group_member_info", err)
	}

	member := &satori.GuildMember{
		User: &satori.User{ID: info.UserID.String()},
	}
	if info.Nickname != "" {
		member.User.Name = satori.String(info.Nickname)
		member.User.Nick = satori.String(info.Nickname)
	}
	if info.Card != "" {
		member.Nick = satori.String(info.Card)
	}
	if info.Avatar != "" {
		member.User.Avatar = satori.String(info.Avatar)
		member.Avatar = satori.String(info.Avatar)
	}
	if info.JoinTime != nil {
		member.JoinedAt = satori.Int64(*info.JoinTime * 1000)
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

// groupNumber strips the GROUP_ prefix and parses the numeric group id.
func groupNumber(id string) (int64, error) {
	rest, ok := cutGroupPrefix(id)
	if !ok {
		return 0, fmt.Errorf("not a group id: %q", id)
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("group id %q: %w", id, err)
	}
	return n, nil
}

// apiPost performs an authenticated JSON action call and unwraps the
// {status,retcode,data} envelope into out.
func (a *Adapter) apiPost(ctx context.Context, path string, body, out any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.httpURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		Status  string          `json:"status"`
		Retcode int             `json:"retcode"`
		Msg     string          `json:"msg"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if envelope.Retcode != 0 {
		return fmt.Errorf("action error %d (%s): %s", envelope.Retcode, envelope.Status, envelope.Msg)
	}
	if out != nil && len(envelope.Data) > 0 {
		return json.Unmarshal(envelope.Data, out)
	}
	return nil
}
