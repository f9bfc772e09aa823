package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"satorigate/internal/adapter"
)

func TestCreateMessage_GroupRouting(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `{"status":"ok","retcode":0,"data":{"message_id":456}}`)
	}))
	defer srv.Close()

	a := testAdapter(t)
	a.httpURL = srv.URL

	receipts, err := a.CreateMessage(context.Background(), "GROUP_20002", `hi <at id="42"/>`)
	if err != nil {
		t.Fatal(err)
	}
	if gotPath != "/send_group_msg" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["group_id"] != float64(20002) {
		t.Errorf("group_id = %v", gotBody["group_id"])
	}
	if gotBody["message"] != "hi [CQ:at,qq=42]" {
		t.Errorf("message = %v", gotBody["message"])
	}
	if len(receipts) != 1 || receipts[0].ID != "456" || receipts[0].Content != "" {
		t.Errorf("receipts = %+v", receipts)
	}
}

func TestCreateMessage_PrivateRouting(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `{"status":"ok","retcode":0,"data":{"message_id":9}}`)
	}))
	defer srv.Close()

	a := testAdapter(t)
	a.httpURL = srv.URL

	if _, err := a.CreateMessage(context.Background(), "55", "hello"); err != nil {
		t.Fatal(err)
	}
	if gotPath != "/send_private_msg" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["user_id"] != float64(55) {
		t.Errorf("user_id = %v", gotBody["user_id"])
	}
}

func TestCreateMessage_ActionErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"failed","retcode":100,"msg":"denied"}`)
	}))
	defer srv.Close()

	a := testAdapter(t)
	a.httpURL = srv.URL

	_, err := a.CreateMessage(context.Background(), "GROUP_1", "hi")
	if err == nil {
		t.Fatal("expected error")
	}
	var callErr *adapter.CallError
	if !errors.As(err, &callErr) {
		t.Errorf("expected CallError, got %T: %v", err, err)
	}
}

func TestGetLogin_ResolvesSelfID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/get_login_info" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("auth header = %q", r.Header.Get("Authorization"))
		}
		fmt.Fprint(w, `{"status":"ok","retcode":0,"data":{"user_id":10001,"nickname":"satori"}}`)
	}))
	defer srv.Close()

	a := testAdapter(t)
	a.httpURL = srv.URL

	login, err := a.GetLogin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if login.SelfID == nil || *login.SelfID != "10001" {
		t.Errorf("self_id = %v", login.SelfID)
	}
	if a.selfIDString() != "10001" {
		t.Errorf("cached self id = %q", a.selfIDString())
	}
	if login.Platform == nil || *login.Platform != "onebot" {
		t.Errorf("platform = %v", login.Platform)
	}
}

func TestGetGuildMember(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/get_group_member_info" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `{"status":"ok","retcode":0,"data":{"user_id":42,"nickname":"alice","card":"ali","join_time":1690000000}}`)
	}))
	defer srv.Close()

	a := testAdapter(t)
	a.httpURL = srv.URL

	member, err := a.GetGuildMember(context.Background(), "GROUP_20002", "42")
	if err != nil {
		t.Fatal(err)
	}
	if gotBody["group_id"] != float64(20002) || gotBody["user_id"] != float64(42) {
		t.Errorf("request body = %v", gotBody)
	}
	if member.User == nil || member.User.ID != "42" {
		t.Fatalf("member user = %+v", member.User)
	}
	if member.Nick == nil || *member.Nick != "ali" {
		t.Errorf("nick = %v", member.Nick)
	}
	if member.JoinedAt == nil || *member.JoinedAt != 1690000000000 {
		t.Errorf("joined_at = %v", member.JoinedAt)
	}
}

func TestGetGuildMember_BadGuildID(t *testing.T) {
	a := testAdapter(t)
	if _, err := a.GetGuildMember(context.Background(), "not-a-group", "42"); err == nil {
		t.Fatal("expected error for non-group guild id")
	}
}
