package qq

import (
	"encoding/json"
	"sort"

	"satorigate/internal/satori"
)

type guildMessage struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id"`
	Author    struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Avatar   string `json:"avatar"`
		Bot      *bool  `json:"bot"`
	} `json:"author"`
	Member struct {
		Nick     string   `json:"nick"`
		JoinedAt string   `json:"joined_at"`
		Roles    []string `json:"roles"`
	} `json:"member"`
}

type groupMessage struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	GroupID   string `json:"group_openid"`
	Author    struct {
		MemberOpenID string `json:"member_openid"`
		UserOpenID   string `json:"user_openid"`
	} `json:"author"`
}

// handleDispatch routes one gateway dispatch by type tag. Guild and group
// modes subscribe to disjoint intents, so each sees only its own tags.
func (a *Adapter) handleDispatch(t string, data json.RawMessage) {
	switch t {
	case "AT_MESSAGE_CREATE":
		a.pushChannelMessage(data)
	case "GROUP_AT_MESSAGE_CREATE":
		a.pushGroupMessage(data)
	case "C2C_MESSAGE_CREATE":
		a.pushDirectMessage(data)
	}
}

func (a *Adapter) pushChannelMessage(data json.RawMessage) {
	var msg guildMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		a.logger.Warn("undecodable channel message", "err", err)
		return
	}
	if msg.ChannelID == "" {
		return
	}
	selfID := a.selfIDString()
	if selfID == "" || msg.Author.ID == selfID {
		return // identity unresolved or own echo
	}

	channelID := "CHANNEL_" + msg.ChannelID
	a.rememberMsgID(channelID, msg.ID)
	millis, _ := isoMillis(msg.Timestamp)

	out := &satori.Event{
		ID:        a.nextEventID(),
		Type:      satori.EventMessageCreated,
		Platform:  a.platform,
		SelfID:    selfID,
		Timestamp: millis,
		Channel: &satori.Channel{
			ID:   channelID,
			Type: satori.ChannelTypeText,
		},
		Guild: &satori.Guild{ID: msg.GuildID},
		Member: &satori.GuildMember{
			Nick: optional(msg.Member.Nick),
		},
		Message: &satori.Message{
			ID:        msg.ID,
			Content:   decodeContent(msg.Content),
			CreatedAt: satori.Int64(millis),
		},
		User: &satori.User{
			ID:     msg.Author.ID,
			Name:   optional(msg.Author.Username),
			Nick:   optional(msg.Author.Username),
			Avatar: optional(msg.Author.Avatar),
			IsBot:  msg.Author.Bot,
		},
	}
	if msg.Author.Avatar != "" {
		out.Member.Avatar = satori.String(msg.Author.Avatar)
	}
	if joined, ok := isoMillis(msg.Member.JoinedAt); ok {
		out.Member.JoinedAt = satori.Int64(joined)
	}
	if len(msg.Member.Roles) > 0 {
		roles := append([]string(nil), msg.Member.Roles...)
		sort.Strings(roles)
		id, _ := json.Marshal(roles)
		out.Role = &satori.GuildRole{ID: string(id), Name: satori.String(string(id))}
	}
	a.queue.Push(out)
}

func (a *Adapter) pushGroupMessage(data json.RawMessage) {
	var msg groupMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		a.logger.Warn("undecodable group message", "err", err)
		return
	}
	selfID := a.selfIDString()
	if selfID == "" || msg.Author.MemberOpenID == selfID {
		return
	}

	channelID := "GROUP_" + msg.GroupID
	a.rememberMsgID(channelID, msg.ID)
	millis, _ := isoMillis(msg.Timestamp)

	a.queue.Push(&satori.Event{
		ID:        a.nextEventID(),
		Type:      satori.EventMessageCreated,
		Platform:  a.platform,
		SelfID:    selfID,
		Timestamp: millis,
		Channel: &satori.Channel{
			ID:   channelID,
			Type: satori.ChannelTypeText,
		},
		Guild: &satori.Guild{ID: channelID},
		Message: &satori.Message{
			ID:        msg.ID,
			Content:   decodeContent(msg.Content),
			CreatedAt: satori.Int64(millis),
		},
		User: &satori.User{ID: msg.Author.MemberOpenID},
	})
}

func (a *Adapter) pushDirectMessage(data json.RawMessage) {
	var msg groupMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		a.logger.Warn("undecodable direct message", "err", err)
		return
	}
	selfID := a.selfIDString()
	if selfID == "" || msg.Author.UserOpenID == selfID {
		return
	}

	a.rememberMsgID(msg.Author.UserOpenID, msg.ID)
	millis, _ := isoMillis(msg.Timestamp)

	a.queue.Push(&satori.Event{
		ID:        a.nextEventID(),
		Type:      satori.EventMessageCreated,
		Platform:  a.platform,
		SelfID:    selfID,
		Timestamp: millis,
		Channel: &satori.Channel{
			ID:   msg.Author.UserOpenID,
			Type: satori.ChannelTypeDirect,
		},
		Message: &satori.Message{
			ID:        msg.ID,
			Content:   decodeContent(msg.Content),
			CreatedAt: satori.Int64(millis),
		},
		User: &satori.User{ID: msg.Author.UserOpenID},
	})
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return satori.String(s)
}
