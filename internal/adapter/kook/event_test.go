package kook

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

func testAdapter(t *testing.T) *Adapter {
	t.Helper()
	a := New(config.Bot{Platform: "kook", AccessToken: "tok"}, testLogger())
	a.backoff = 10 * time.Millisecond
	return a
}

func (a *Adapter) setSelfID(id string) {
	a.mu.Lock()
	a.selfID = id
	a.mu.Unlock()
}

func groupEventJSON(authorID, content string, msgType int) json.RawMessage {
	evt := map[string]any{
		"channel_type":  "GROUP",
		"type":          msgType,
		"target_id":     "6016389",
		"author_id":     authorID,
		"content":       content,
		"msg_id":        "m-1",
		"msg_timestamp": int64(1700000000000),
		"extra": map[string]any{
			"channel_name": "general",
			"guild_id":     "g-1",
			"author": map[string]any{
				"id":       authorID,
				"username": "alice",
				"nickname": "ali",
				"avatar":   "https://img.kookapp.cn/a.png",
				"bot":      false,
				"roles":    []int{1, 2},
			},
		},
	}
	data, _ := json.Marshal(evt)
	return data
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

func TestHandleEvent_GroupMessage(t *testing.T) {
	a := testAdapter(t)
	a.setSelfID("bot-1")

	a.handleEvent(groupEventJSON("u-2", `hi (met)42(met) and (met)all(met)`, 9))

	evt := receiveOrNil(t, a)
	if evt == nil {
		t.Fatal("expected an event")
	}
	if evt.Type != satori.EventMessageCreated || evt.Platform != "kook" {
		t.Errorf("event header = %+v", evt)
	}
	if evt.Channel.ID != "GROUP_6016389" {
		t.Errorf("channel id = %q", evt.Channel.ID)
	}
	want := `hi <at id="42"/> and <at type="all"/>`
	if evt.Message.Content != want {
		t.Errorf("content = %q, want %q", evt.Message.Content, want)
	}
	if evt.SelfID != "bot-1" {
		t.Errorf("self_id = %q", evt.SelfID)
	}
}

func TestHandleEvent_EventIDsIncrementFromZero(t *testing.T) {
	a := testAdapter(t)
	a.setSelfID("bot-1")

	for i := 0; i < 3; i++ {
		a.handleEvent(groupEventJSON("u-2", "hello", 9))
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

func TestHandleEvent_AntiEcho(t *testing.T) {
	a := testAdapter(t)
	a.setSelfID("bot-1")

	a.handleEvent(groupEventJSON("bot-1", "own message", 9))
	if evt := receiveOrNil(t, a); evt != nil {
		t.Errorf("self-authored event must be dropped, got %+v", evt)
	}
}

func TestHandleEvent_DroppedBeforeIdentityResolved(t *testing.T) {
	a := testAdapter(t)
	// selfID not resolved yet.
	a.handleEvent(groupEventJSON("u-2", "early", 9))
	if evt := receiveOrNil(t, a); evt != nil {
		t.Errorf("event before login resolution must be dropped, got %+v", evt)
	}
}

func TestHandleEvent_CardIgnored(t *testing.T) {
	a := testAdapter(t)
	a.setSelfID("bot-1")

	a.handleEvent(groupEventJSON("u-2", `[{"type":"card"}]`, 10))
	if evt := receiveOrNil(t, a); evt != nil {
		t.Errorf("card message must be ignored, got %+v", evt)
	}
}

func TestHandleEvent_MemberAdded(t *testing.T) {
	a := testAdapter(t)
	a.setSelfID("bot-1")

	payload := map[string]any{
		"channel_type":  "GROUP",
		"type":          255,
		"target_id":     "g-1",
		"author_id":     "1",
		"msg_timestamp": int64(1700000000000),
		"extra": map[string]any{
			"type": "joined_guild",
			"body": map[string]any{
				"user_id":   "u-9",
				"joined_at": int64(1699999000000),
			},
		},
	}
	data, _ := json.Marshal(payload)
	a.handleEvent(data)

	evt := receiveOrNil(t, a)
	if evt == nil {
		t.Fatal("expected guild-member-added event")
	}
	if evt.Type != satori.EventGuildMemberAdded {
		t.Errorf("type = %q", evt.Type)
	}
	if evt.Guild.ID != "g-1" || evt.User.ID != "u-9" {
		t.Errorf("event = %+v", evt)
	}
	if evt.Member.JoinedAt == nil || *evt.Member.JoinedAt != 1699999000000 {
		t.Errorf("joined_at = %v", evt.Member.JoinedAt)
	}
}

func TestHandleEvent_MalformedPayloadSkipped(t *testing.T) {
	a := testAdapter(t)
	a.setSelfID("bot-1")

	a.handleEvent(json.RawMessage(`{"channel_type":`))
	a.handleEvent(groupEventJSON("u-2", "after junk", 9))

	evt := receiveOrNil(t, a)
	if evt == nil {
		t.Fatal("pump should survive malformed payloads")
	}
	if evt.Message.Content != "after junk" {
		t.Errorf("content = %q", evt.Message.Content)
	}
}

func TestDecodeContent_ImageAndEscaping(t *testing.T) {
	if got := decodeContent(msgTypeImage, "https://img.kookapp.cn/x.png"); got != `<img src="https://img.kookapp.cn/x.png"/>` {
		t.Errorf("image content = %q", got)
	}
	// Backslash escaping removed, reserved runes entity-escaped.
	if got := decodeContent(9, `a \* b <c> & "d"`); got != `a * b &lt;c&gt; &amp; &quot;d&quot;` {
		t.Errorf("text content = %q", got)
	}
}

func TestDecodeContent_MentionRoundTrip(t *testing.T) {
	unified := decodeContent(9, "ping (met)42(met)!")
	nodes := satori.Parse(unified)
	if len(nodes) != 3 {
		t.Fatalf("expected 3 nodes, got %d: %q", len(nodes), unified)
	}
	if nodes[1].Type != "at" || nodes[1].Attr("id") != "42" {
		t.Errorf("mention lost: %+v", nodes[1])
	}
}
