// Package satori defines the unified protocol model: the canonical event,
// message, user, channel and login shapes that every platform adapter
// normalizes to and from, plus the inline markup format used for message
// content.
//
// All optional fields are pointers with omitempty tags so that a field absent
// from a platform response is omitted from the wire JSON entirely, never
// serialized as "" or 0.
package satori

// ChannelType is the unified channel kind.
type ChannelType int

const (
	ChannelTypeText     ChannelType = 0
	ChannelTypeDirect   ChannelType = 1
	ChannelTypeCategory ChannelType = 2
	ChannelTypeVoice    ChannelType = 3
)

// LoginStatus is the connection state reported in a Login record.
type LoginStatus int

const (
	StatusOffline      LoginStatus = 0
	StatusOnline       LoginStatus = 1
	StatusConnecting   LoginStatus = 2
	StatusDisconnected LoginStatus = 3
	StatusReconnecting LoginStatus = 4
)

// Event type tags currently produced by adapters.
const (
	EventMessageCreated   = "message-created"
	EventGuildMemberAdded = "guild-member-added"
)

// User is a platform account in unified shape.
type User struct {
	ID     string  `json:"id"`
	Name   *string `json:"name,omitempty"`
	Nick   *string `json:"nick,omitempty"`
	Avatar *string `json:"avatar,omitempty"`
	IsBot  *bool   `json:"is_bot,omitempty"`
}

// GuildMember describes a user's membership in a guild.
type GuildMember struct {
	User     *User   `json:"user,omitempty"`
	Nick     *string `json:"nick,omitempty"`
	Avatar   *string `json:"avatar,omitempty"`
	JoinedAt *int64  `json:"joined_at,omitempty"` // epoch milliseconds
}

// Guild is a group/server/villa in unified shape.
type Guild struct {
	ID     string  `json:"id"`
	Name   *string `json:"name,omitempty"`
	Avatar *string `json:"avatar,omitempty"`
}

// GuildRole is a member role within a guild.
type GuildRole struct {
	ID   string  `json:"id"`
	Name *string `json:"name,omitempty"`
}

// Channel is a conversation target. Group and guild channels carry a
// platform-specific id prefix (e.g. "GROUP_", "CHANNEL_") so outbound routing
// can tell them apart from direct-message channels.
type Channel struct {
	ID       string      `json:"id"`
	Type     ChannelType `json:"type"`
	Name     *string     `json:"name,omitempty"`
	ParentID *string     `json:"parent_id,omitempty"`
}

// Message is a chat message with unified markup content.
type Message struct {
	ID        string       `json:"id"`
	Content   string       `json:"content"`
	Channel   *Channel     `json:"channel,omitempty"`
	Guild     *Guild       `json:"guild,omitempty"`
	Member    *GuildMember `json:"member,omitempty"`
	User      *User        `json:"user,omitempty"`
	CreatedAt *int64       `json:"created_at,omitempty"` // epoch milliseconds
	UpdatedAt *int64       `json:"updated_at,omitempty"`
}

// MessageReceipt acknowledges one outbound platform send. Content is always
// empty on the wire but the field itself is part of the contract.
type MessageReceipt struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// Login reports one adapter's identity and connection state.
type Login struct {
	Status   LoginStatus `json:"status"`
	User     *User       `json:"user,omitempty"`
	SelfID   *string     `json:"self_id,omitempty"`
	Platform *string     `json:"platform,omitempty"`
}

// Event is a normalized notification pushed from an adapter to subscribers.
// IDs are strictly increasing per adapter instance, starting at 0, and reset
// on restart.
type Event struct {
	ID        uint64       `json:"id"`
	Type      string       `json:"type"`
	Platform  string       `json:"platform"`
	SelfID    string       `json:"self_id"`
	Timestamp int64        `json:"timestamp"` // epoch milliseconds
	Channel   *Channel     `json:"channel,omitempty"`
	Guild     *Guild       `json:"guild,omitempty"`
	Member    *GuildMember `json:"member,omitempty"`
	Message   *Message     `json:"message,omitempty"`
	Role      *GuildRole   `json:"role,omitempty"`
	User      *User        `json:"user,omitempty"`
}

// String returns a pointer to s, for optional model fields.
func String(s string) *string { return &s }

// Bool returns a pointer to b, for optional model fields.
func Bool(b bool) *bool { return &b }

// Int64 returns a pointer to n, for optional model fields.
func Int64(n int64) *int64 { return &n }
