package villa

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"satorigate/internal/satori"
)

func TestEncode_MentionEntities(t *testing.T) {
	a := testAdapter(t)
	segments, err := a.encode(context.Background(), "100", satori.Parse(`hello <at id="42"/>`))
	if err != nil {
		t.Fatal(err)
	}
	if len(segments) != 1 {
		t.Fatalf("expected 1 coalesced segment, got %d", len(segments))
	}
	if segments[0].ObjectName != "MHY:Text" {
		t.Errorf("object_name = %q", segments[0].ObjectName)
	}

	var content struct {
		Content struct {
			Text     string   `json:"text"`
			Entities []entity `json:"entities"`
		} `json:"content"`
	}
	if err := json.Unmarshal([]byte(segments[0].MsgContent), &content); err != nil {
		t.Fatal(err)
	}
	if content.Content.Text != "hello @42" {
		t.Errorf("text = %q", content.Content.Text)
	}
	if len(content.Content.Entities) != 1 {
		t.Fatalf("entities = %+v", content.Content.Entities)
	}
	ent := content.Content.Entities[0]
	if ent.Entity["type"] != "mentioned_user" || ent.Entity["user_id"] != "42" {
		t.Errorf("entity = %+v", ent.Entity)
	}
	if ent.Offset != 6 || ent.Length != 3 {
		t.Errorf("offset/length = %d/%d", ent.Offset, ent.Length)
	}
}

func TestEncode_MentionAllAndRobot(t *testing.T) {
	a := testAdapter(t)
	segments, err := a.encode(context.Background(), "100",
		satori.Parse(`<at type="all"/> <at id="bot_xyz"/>`))
	if err != nil {
		t.Fatal(err)
	}
	var content struct {
		Content struct {
			Text     string   `json:"text"`
			Entities []entity `json:"entities"`
		} `json:"content"`
	}
	if err := json.Unmarshal([]byte(segments[0].MsgContent), &content); err != nil {
		t.Fatal(err)
	}
	if content.Content.Text != mentionAllText+" @bot_xyz" {
		t.Errorf("text = %q", content.Content.Text)
	}
	ents := content.Content.Entities
	if len(ents) != 2 {
		t.Fatalf("entities = %+v", ents)
	}
	if ents[0].Entity["type"] != "mention_all" || ents[0].Offset != 0 || ents[0].Length != 5 {
		t.Errorf("mention_all entity = %+v", ents[0])
	}
	// Offsets count runes, not bytes: the all-mention text is 5 runes.
	if ents[1].Entity["type"] != "mentioned_robot" || ents[1].Entity["bot_id"] != "bot_xyz" {
		t.Errorf("robot entity = %+v", ents[1])
	}
	if ents[1].Offset != 6 || ents[1].Length != 8 {
		t.Errorf("robot offset/length = %d/%d", ents[1].Offset, ents[1].Length)
	}
}

func TestCreateMessage_SendsSegments(t *testing.T) {
	var gotBodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/vila/api/bot/platform/sendMessage" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("x-rpc-bot_id") != "bot_abc" || r.Header.Get("x-rpc-bot_villa_id") != "100" {
			t.Errorf("bot headers = %v", r.Header)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		gotBodies = append(gotBodies, body)
		w.Write([]byte(`{"retcode":0,"message":"ok","data":{"bot_msg_id":"m-1"}}`))
	}))
	defer srv.Close()

	a := testAdapter(t)
	a.apiURL = srv.URL

	receipts, err := a.CreateMessage(context.Background(), "100_200", `hi <at id="42"/>`)
	if err != nil {
		t.Fatal(err)
	}
	if len(receipts) != 1 || receipts[0].ID != "m-1" || receipts[0].Content != "" {
		t.Errorf("receipts = %+v", receipts)
	}
	if len(gotBodies) != 1 {
		t.Fatalf("sends = %d", len(gotBodies))
	}
	if gotBodies[0]["room_id"] != float64(200) {
		t.Errorf("room_id = %v", gotBodies[0]["room_id"])
	}
	if gotBodies[0]["object_name"] != "MHY:Text" {
		t.Errorf("object_name = %v", gotBodies[0]["object_name"])
	}
}

func TestCreateMessage_BadChannelID(t *testing.T) {
	a := testAdapter(t)
	if _, err := a.CreateMessage(context.Background(), "no-underscore", "hi"); err == nil {
		t.Fatal("expected error for malformed channel id")
	}
}

func TestGetLogin_StaticIdentity(t *testing.T) {
	a := testAdapter(t)
	login, err := a.GetLogin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if login.SelfID == nil || *login.SelfID != "bot_abc" {
		t.Errorf("self_id = %v", login.SelfID)
	}
	if login.User == nil || login.User.IsBot == nil || !*login.User.IsBot {
		t.Errorf("user = %+v", login.User)
	}
	if login.Status != satori.StatusDisconnected {
		t.Errorf("status = %v", login.Status)
	}
}

func TestGetGuildMember(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/vila/api/bot/platform/getMember" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.URL.Query().Get("uid") != "42" {
			t.Errorf("uid = %q", r.URL.Query().Get("uid"))
		}
		if r.Header.Get("x-rpc-bot_villa_id") != "100" {
			t.Errorf("villa header = %q", r.Header.Get("x-rpc-bot_villa_id"))
		}
		w.Write([]byte(`{"retcode":0,"message":"ok","data":{"member":{"basic":{"uid":"42","nickname":"alice","avatar_url":"https://example.com/a.png"},"joined_at":"1690000000"}}}`))
	}))
	defer srv.Close()

	a := testAdapter(t)
	a.apiURL = srv.URL

	member, err := a.GetGuildMember(context.Background(), "100", "42")
	if err != nil {
		t.Fatal(err)
	}
	if member.User == nil || member.User.ID != "42" {
		t.Fatalf("member user = %+v", member.User)
	}
	if member.JoinedAt == nil || *member.JoinedAt != 1690000000000 {
		t.Errorf("joined_at = %v", member.JoinedAt)
	}
}
