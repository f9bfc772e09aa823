package kook

import (
	"encoding/json"
	"regexp"
	"strings"

	"satorigate/internal/satori"
)

// Message type codes on the event stream.
const (
	msgTypeImage  = 2
	msgTypeCard   = 10
	msgTypeSystem = 255
)

// systemAuthorID marks frames authored by the platform itself.
const systemAuthorID = "1"

type kookEvent struct {
	ChannelType  string          `json:"channel_type"`
	Type         int             `json:"type"`
	TargetID     string          `json:"target_id"`
	AuthorID     string          `json:"author_id"`
	Content      string          `json:"content"`
	MsgID        string          `json:"msg_id"`
	MsgTimestamp int64           `json:"msg_timestamp"`
	Extra        json.RawMessage `json:"extra"`
}

type kookAuthor struct {
	ID       string          `json:"id"`
	Username string          `json:"username"`
	Nickname string          `json:"nickname"`
	Avatar   string          `json:"avatar"`
	Bot      *bool           `json:"bot"`
	Roles    json.RawMessage `json:"roles"`
}

type messageExtra struct {
	ChannelName string     `json:"channel_name"`
	GuildID     string     `json:"guild_id"`
	Author      kookAuthor `json:"author"`
}

type systemExtra struct {
	Type string `json:"type"`
	Body struct {
		UserID   string `json:"user_id"`
		JoinedAt int64  `json:"joined_at"`
	} `json:"body"`
}

// handleEvent normalizes one inbound platform event and enqueues it.
// Malformed payloads are logged and skipped; they never kill the pump.
func (a *Adapter) handleEvent(data json.RawMessage) {
	var evt kookEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		a.logger.Warn("undecodable event payload", "err", err)
		return
	}
	if evt.ChannelType == "GROUP" {
		a.handleGroupEvent(&evt)
	} else {
		a.handlePersonEvent(&evt)
	}
}

func (a *Adapter) handleGroupEvent(evt *kookEvent) {
	if evt.AuthorID == systemAuthorID {
		if evt.Type != msgTypeSystem {
			return
		}
		var extra systemExtra
		if err := json.Unmarshal(evt.Extra, &extra); err != nil {
			a.logger.Warn("undecodable system event", "err", err)
			return
		}
		if extra.Type == "joined_guild" {
			a.pushMemberAdded(evt, &extra)
		}
		return
	}
	selfID := a.selfIDString()
	if selfID == "" || evt.AuthorID == selfID {
		return // identity unresolved or own echo
	}
	a.pushGroupMessage(evt)
}

func (a *Adapter) handlePersonEvent(evt *kookEvent) {
	if evt.AuthorID == systemAuthorID {
		return
	}
	selfID := a.selfIDString()
	if selfID == "" || evt.AuthorID == selfID {
		return
	}
	a.pushPrivateMessage(evt)
}

func (a *Adapter) pushGroupMessage(evt *kookEvent) {
	if evt.Type == msgTypeCard {
		return // card embeds carry no unified representation
	}
	var extra messageExtra
	if err := json.Unmarshal(evt.Extra, &extra); err != nil {
		a.logger.Warn("undecodable message extra", "err", err)
		return
	}
	content := decodeContent(evt.Type, evt.Content)
	roleID := string(extra.Author.Roles)

	out := &satori.Event{
		ID:        a.nextEventID(),
		Type:      satori.EventMessageCreated,
		Platform:  platformName,
		SelfID:    a.selfIDString(),
		Timestamp: evt.MsgTimestamp,
		Channel: &satori.Channel{
			ID:   "GROUP_" + evt.TargetID,
			Type: satori.ChannelTypeText,
			Name: satori.String(extra.ChannelName),
		},
		Guild: &satori.Guild{ID: extra.GuildID},
		Member: &satori.GuildMember{
			Nick: optional(extra.Author.Nickname),
		},
		Message: &satori.Message{
			ID:        evt.MsgID,
			Content:   content,
			CreatedAt: satori.Int64(evt.MsgTimestamp),
		},
		User: &satori.User{
			ID:     extra.Author.ID,
			Name:   optional(extra.Author.Username),
			Nick:   optional(extra.Author.Username),
			Avatar: optional(extra.Author.Avatar),
			IsBot:  extra.Author.Bot,
		},
	}
	if extra.Author.Avatar != "" {
		out.Member.Avatar = satori.String(extra.Author.Avatar)
	}
	if roleID != "" {
		out.Role = &satori.GuildRole{ID: roleID, Name: satori.String(roleID)}
	}
	a.queue.Push(out)
}

func (a *Adapter) pushPrivateMessage(evt *kookEvent) {
	if evt.Type == msgTypeCard {
		return
	}
	var extra messageExtra
	if err := json.Unmarshal(evt.Extra, &extra); err != nil {
		a.logger.Warn("undecodable message extra", "err", err)
		return
	}
	content := decodeContent(evt.Type, evt.Content)

	a.queue.Push(&satori.Event{
		ID:        a.nextEventID(),
		Type:      satori.EventMessageCreated,
		Platform:  platformName,
		SelfID:    a.selfIDString(),
		Timestamp: evt.MsgTimestamp,
		Channel: &satori.Channel{
			ID:   evt.AuthorID,
			Type: satori.ChannelTypeDirect,
			Name: optional(extra.Author.Username),
		},
		Message: &satori.Message{
			ID:        evt.MsgID,
			Content:   content,
			CreatedAt: satori.Int64(evt.MsgTimestamp),
		},
		User: &satori.User{
			ID:     evt.AuthorID,
			Name:   optional(extra.Author.Username),
			Nick:   optional(extra.Author.Username),
			Avatar: optional(extra.Author.Avatar),
			IsBot:  extra.Author.Bot,
		},
	})
}

func (a *Adapter) pushMemberAdded(evt *kookEvent, extra *systemExtra) {
	a.queue.Push(&satori.Event{
		ID:        a.nextEventID(),
		Type:      satori.EventGuildMemberAdded,
		Platform:  platformName,
		SelfID:    a.selfIDString(),
		Timestamp: evt.MsgTimestamp,
		Guild:     &satori.Guild{ID: evt.TargetID},
		Member: &satori.GuildMember{
			JoinedAt: satori.Int64(extra.Body.JoinedAt),
		},
		User: &satori.User{ID: extra.Body.UserID},
	})
}

var mentionRe = regexp.MustCompile(`\(met\)(\d+|all)\(met\)`)

// decodeContent converts a platform message body to unified markup: image
// messages become an img element, text messages get their (met) mentions
// lifted to at elements, KMarkdown backslash escapes removed and reserved
// characters entity-escaped.
func decodeContent(msgType int, content string) string {
	if msgType == msgTypeImage {
		return satori.Img(content)
	}
	var b strings.Builder
	last := 0
	for _, m := range mentionRe.FindAllStringSubmatchIndex(content, -1) {
		b.WriteString(satori.Escape(stripKMarkdown(content[last:m[0]])))
		if id := content[m[2]:m[3]]; id == "all" {
			b.WriteString(satori.AtAll())
		} else {
			b.WriteString(satori.At(id))
		}
		last = m[1]
	}
	b.WriteString(satori.Escape(stripKMarkdown(content[last:])))
	return b.String()
}

// stripKMarkdown removes backslash escaping from inbound text.
func stripKMarkdown(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	escaped := false
	for _, r := range s {
		if escaped {
			b.WriteRune(r)
			escaped = false
			continue
		}
		if r == '\\' {
			escaped = true
			continue
		}
		b.WriteRune(r)
	}
	if escaped {
		b.WriteRune('\\')
	}
	return b.String()
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return satori.String(s)
}
