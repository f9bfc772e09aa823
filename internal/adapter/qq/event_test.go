package qq

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"satorigate/internal/config"
	"satorigate/internal/satori"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testAdapter(t *testing.T, platform string) *Adapter {
	t.Helper()
	a := New(config.Bot{
		Platform:  platform,
		AppID:     "app-1",
		AppSecret: "s3cret",
	}, testLogger())
	a.backoff = 10 * time.Millisecond
	return a
}

func (a *Adapter) setSelfID(id string) {
	a.mu.Lock()
	a.selfID = id
	a.mu.Unlock()
}

func receiveOrNil(t *testing.T, a *Adapter) *satori.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	evt, err := a.ReceiveEvent(ctx)
	if err != nil {
		return nil
	}
	return evt
}

const channelMessageJSON = `{
	"id": "m-1",
	"content": "<@!bot-1> hello",
	"timestamp": "2023-11-05T12:00:00+08:00",
	"channel_id": "ch-9",
	"guild_id": "g-1",
	"author": {"id": "u-2", "username": "alice", "avatar": "https://example.com/a.png", "bot": false},
	"member": {"nick": "ali", "joined_at": "2023-01-01T00:00:00+08:00", "roles": ["5", "2"]}
}`

func TestHandleDispatch_ChannelMessage(t *testing.T) {
	a := testAdapter(t, PlatformGuild)
	a.setSelfID("bot-1")

	a.handleDispatch("AT_MESSAGE_CREATE", json.RawMessage(channelMessageJSON))

	evt := receiveOrNil(t, a)
	if evt == nil {
		t.Fatal("expected an event")
	}
	if evt.Type != satori.EventMessageCreated || evt.Platform != PlatformGuild {
		t.Errorf("event header = %+v", evt)
	}
	if evt.Channel.ID != "CHANNEL_ch-9" || evt.Guild.ID != "g-1" {
		t.Errorf("channel = %q guild = %q", evt.Channel.ID, evt.Guild.ID)
	}
	if want := `<at id="bot-1"/> hello`; evt.Message.Content != want {
		t.Errorf("content = %q, want %q", evt.Message.Content, want)
	}
	if evt.Timestamp != 1699156800000 {
		t.Errorf("timestamp = %d", evt.Timestamp)
	}
	if evt.Role == nil || evt.Role.ID != `["2","5"]` {
		t.Errorf("role = %+v", evt.Role)
	}
	if a.replyMsgID("CHANNEL_ch-9") != "m-1" {
		t.Errorf("reply msg id = %q", a.replyMsgID("CHANNEL_ch-9"))
	}
}

func TestHandleDispatch_AntiEcho(t *testing.T) {
	a := testAdapter(t, PlatformGuild)
	a.setSelfID("u-2")
	a.handleDispatch("AT_MESSAGE_CREATE", json.RawMessage(channelMessageJSON))
	if evt := receiveOrNil(t, a); evt != nil {
		t.Errorf("self-authored event must be dropped, got %+v", evt)
	}
}

func TestHandleDispatch_DroppedBeforeIdentityResolved(t *testing.T) {
	a := testAdapter(t, PlatformGuild)
	a.handleDispatch("AT_MESSAGE_CREATE", json.RawMessage(channelMessageJSON))
	if evt := receiveOrNil(t, a); evt != nil {
		t.Errorf("event before login resolution must be dropped, got %+v", evt)
	}
}

func TestHandleDispatch_GroupMessage(t *testing.T) {
	a := testAdapter(t, PlatformGroup)
	a.setSelfID("bot-1")

	a.handleDispatch("GROUP_AT_MESSAGE_CREATE", json.RawMessage(`{
		"id": "m-2",
		"content": " hi there",
		"timestamp": "2023-11-05T12:00:00+08:00",
		"group_openid": "grp-7",
		"author": {"member_openid": "member-3"}
	}`))

	evt := receiveOrNil(t, a)
	if evt == nil {
		t.Fatal("expected an event")
	}
	if evt.Platform != PlatformGroup {
		t.Errorf("platform = %q", evt.Platform)
	}
	if evt.Channel.ID != "GROUP_grp-7" || evt.Guild.ID != "GROUP_grp-7" {
		t.Errorf("channel = %q guild = %q", evt.Channel.ID, evt.Guild.ID)
	}
	if evt.User.ID != "member-3" {
		t.Errorf("user = %+v", evt.User)
	}
	if a.replyMsgID("GROUP_grp-7") != "m-2" {
		t.Errorf("reply msg id = %q", a.replyMsgID("GROUP_grp-7"))
	}
}

func TestHandleDispatch_DirectMessage(t *testing.T) {
	a := testAdapter(t, PlatformGroup)
	a.setSelfID("bot-1")

	a.handleDispatch("C2C_MESSAGE_CREATE", json.RawMessage(`{
		"id": "m-3",
		"content": "psst",
		"timestamp": "2023-11-05T12:00:00+08:00",
		"author": {"user_openid": "user-4"}
	}`))

	evt := receiveOrNil(t, a)
	if evt == nil {
		t.Fatal("expected an event")
	}
	if evt.Channel.ID != "user-4" || evt.Channel.Type != satori.ChannelTypeDirect {
		t.Errorf("channel = %+v", evt.Channel)
	}
	if evt.Guild != nil {
		t.Errorf("direct message must carry no guild, got %+v", evt.Guild)
	}
}

func TestHandleDispatch_EventIDsIncrementFromZero(t *testing.T) {
	a := testAdapter(t, PlatformGuild)
	a.setSelfID("bot-1")
	for i := 0; i < 3; i++ {
		a.handleDispatch("AT_MESSAGE_CREATE", json.RawMessage(channelMessageJSON))
	}
	for i := uint64(0); i < 3; i++ {
		evt := receiveOrNil(t, a)
		if evt == nil {
			t.Fatalf("missing event %d", i)
		}
		if evt.ID != i {
			t.Errorf("event id = %d, want %d", evt.ID, i)
		}
	}
}

func TestHandleDispatch_MalformedPayloadSkipped(t *testing.T) {
	a := testAdapter(t, PlatformGuild)
	a.setSelfID("bot-1")
	a.handleDispatch("AT_MESSAGE_CREATE", json.RawMessage(`{"id":`))
	a.handleDispatch("AT_MESSAGE_CREATE", json.RawMessage(channelMessageJSON))
	if evt := receiveOrNil(t, a); evt == nil {
		t.Fatal("pump should survive malformed payloads")
	}
}
