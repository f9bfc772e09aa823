package onebot

import (
	"encoding/json"
	"strings"

	"satorigate/internal/satori"
)

// flexID decodes an identifier that some protocol ends send as a JSON
// number and others as a string. Comparisons always use the string form.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if len(s) >= 2 && s[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*f = flexID(v)
		return nil
	}
	*f = flexID(s)
	return nil
}

func (f flexID) String() string { return string(f) }

type obSender struct {
	Nickname string `json:"nickname"`
	Card     string `json:"card"`
	Avatar   string `json:"avatar"`
	Role     string `json:"role"`
	JoinTime *int64 `json:"join_time"`
}

type obEvent struct {
	PostType    string   `json:"post_type"`
	MessageType string   `json:"message_type"`
	Time        int64    `json:"time"`
	SelfID      flexID   `json:"self_id"`
	UserID      flexID   `json:"user_id"`
	GroupID     flexID   `json:"group_id"`
	MessageID   flexID   `json:"message_id"`
	RawMessage  string   `json:"raw_message"`
	Sender      obSender `json:"sender"`
}

// handleEvent normalizes one inbound frame and enqueues it. Meta events and
// malformed payloads are skipped; they never kill the pump.
func (a *Adapter) handleEvent(data []byte) {
	var evt obEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		a.logger.Warn("undecodable event payload", "err", err)
		return
	}
	if evt.PostType != "message" {
		return
	}
	// The event carries the bot's own id; cache it so routing works even
	// before the first explicit login lookup.
	selfID := evt.SelfID.String()
	if selfID != "" && a.selfIDString() == "" {
		a.mu.Lock()
		a.selfID = selfID
		a.mu.Unlock()
	}
	if selfID == "" || evt.UserID.String() == selfID {
		return // identity unresolved or own echo
	}

	switch evt.MessageType {
	case "group":
		a.pushGroupMessage(&evt)
	case "private":
		a.pushPrivateMessage(&evt)
	}
}

func (a *Adapter) pushGroupMessage(evt *obEvent) {
	groupID := "GROUP_" + evt.GroupID.String()
	millis := evt.Time * 1000
	role := evt.Sender.Role
	if role == "" {
		role = "member"
	}

	member := &satori.GuildMember{}
	if evt.Sender.Card != "" {
		member.Nick = satori.String(evt.Sender.Card)
	}
	if evt.Sender.Avatar != "" {
		member.Avatar = satori.String(evt.Sender.Avatar)
	}
	if evt.Sender.JoinTime != nil {
		member.JoinedAt = satori.Int64(*evt.Sender.JoinTime * 1000)
	}

	a.queue.Push(&satori.Event{
		ID:        a.nextEventID(),
		Type:      satori.EventMessageCreated,
		Platform:  platformName,
		SelfID:    evt.SelfID.String(),
		Timestamp: millis,
		Channel: &satori.Channel{
			ID:   groupID,
			Type: satori.ChannelTypeText,
		},
		Guild:  &satori.Guild{ID: groupID},
		Member: member,
		Message: &satori.Message{
			ID:        evt.MessageID.String(),
			Content:   decodeMessage(evt.RawMessage),
			CreatedAt: satori.Int64(millis),
		},
		Role: &satori.GuildRole{ID: role, Name: satori.String(role)},
		User: &satori.User{
			ID:     evt.UserID.String(),
			Name:   optional(evt.Sender.Nickname),
			Nick:   optional(evt.Sender.Nickname),
			Avatar: optional(evt.Sender.Avatar),
		},
	})
}

func (a *Adapter) pushPrivateMessage(evt *obEvent) {
	millis := evt.Time * 1000

	a.queue.Push(&satori.Event{
		ID:        a.nextEventID(),
		Type:      satori.EventMessageCreated,
		Platform:  platformName,
		SelfID:    evt.SelfID.String(),
		Timestamp: millis,
		Channel: &satori.Channel{
			ID:   evt.UserID.String(),
			Type: satori.ChannelTypeDirect,
		},
		Message: &satori.Message{
			ID:        evt.MessageID.String(),
			Content:   decodeMessage(evt.RawMessage),
			CreatedAt: satori.Int64(millis),
		},
		User: &satori.User{
			ID:     evt.UserID.String(),
			Name:   optional(evt.Sender.Nickname),
			Nick:   optional(evt.Sender.Nickname),
			Avatar: optional(evt.Sender.Avatar),
		},
	})
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return satori.String(s)
}
