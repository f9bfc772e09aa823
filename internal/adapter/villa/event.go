package villa

import (
	"encoding/json"
	"strconv"

	"satorigate/internal/satori"
)

type messageContent struct {
	Content struct {
		Text string `json:"text"`
	} `json:"content"`
	User struct {
		PortraitURI string `json:"portraitUri"`
		Extra       string `json:"extra"`
	} `json:"user"`
}

type userExtra struct {
	MemberRoles struct {
		Name string `json:"name"`
	} `json:"member_roles"`
}

// handleRobotEvent normalizes one decoded RobotEvent payload and enqueues
// it. Undecodable payloads are logged and skipped.
func (a *Adapter) handleRobotEvent(payload []byte) {
	evt, err := decodeRobotEvent(payload)
	if err != nil {
		a.logger.Warn("undecodable robot event", "err", err)
		return
	}
	switch evt.Type {
	case eventTypeSendMessage:
		a.pushRoomMessage(evt)
	case eventTypeJoinVilla:
		a.pushMemberJoined(evt)
	}
}

func (a *Adapter) pushRoomMessage(evt *robotEvent) {
	info, err := decodeSendMessage(evt.ExtendData)
	if err != nil {
		a.logger.Warn("undecodable send_message data", "err", err)
		return
	}
	fromUserID := strconv.FormatUint(info.FromUserID, 10)
	if fromUserID == a.botID {
		return // own echo
	}

	var content messageContent
	if err := json.Unmarshal([]byte(info.Content), &content); err != nil {
		a.logger.Warn("undecodable message content", "err", err)
		return
	}

	villaID := strconv.FormatUint(info.VillaID, 10)
	roomID := strconv.FormatUint(info.RoomID, 10)
	millis := info.SendAt * 1000

	out := &satori.Event{
		ID:        a.nextEventID(),
		Type:      satori.EventMessageCreated,
		Platform:  platformName,
		SelfID:    a.botID,
		Timestamp: millis,
		Channel: &satori.Channel{
			ID:   villaID + "_" + roomID,
			Type: satori.ChannelTypeText,
		},
		Guild: &satori.Guild{ID: villaID},
		Member: &satori.GuildMember{
			Nick: optional(info.Nickname),
		},
		Message: &satori.Message{
			ID:        evt.ID,
			Content:   satori.Escape(content.Content.Text),
			CreatedAt: satori.Int64(millis),
		},
		User: &satori.User{
			ID:     fromUserID,
			Name:   optional(info.Nickname),
			Nick:   optional(info.Nickname),
			Avatar: optional(content.User.PortraitURI),
		},
	}
	if content.User.PortraitURI != "" {
		out.Member.Avatar = satori.String(content.User.PortraitURI)
	}

	var extra userExtra
	if err := json.Unmarshal([]byte(content.User.Extra), &extra); err == nil && extra.MemberRoles.Name != "" {
		out.Role = &satori.GuildRole{
			ID:   extra.MemberRoles.Name,
			Name: satori.String(extra.MemberRoles.Name),
		}
	}
	a.queue.Push(out)
}

func (a *Adapter) pushMemberJoined(evt *robotEvent) {
	info, err := decodeJoinVilla(evt.ExtendData)
	if err != nil {
		a.logger.Warn("undecodable join_villa data", "err", err)
		return
	}
	millis := info.JoinAt * 1000

	a.queue.Push(&satori.Event{
		ID:        a.nextEventID(),
		Type:      satori.EventGuildMemberAdded,
		Platform:  platformName,
		SelfID:    a.botID,
		Timestamp: evt.SendAt * 1000,
		Guild:     &satori.Guild{ID: strconv.FormatUint(info.VillaID, 10)},
		Member: &satori.GuildMember{
			JoinedAt: satori.Int64(millis),
			Nick:     optional(info.JoinNickname),
		},
		User: &satori.User{
			ID:   strconv.FormatUint(info.JoinUID, 10),
			Name: optional(info.JoinNickname),
		},
	})
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return satori.String(s)
}
