package sessions

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("session not found")

type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformDiscord  Platform = "discord"
	PlatformXMPP     Platform = "xmpp"
)

func (p Platform) Valid() bool {
	switch p {
	case PlatformTelegram, PlatformDiscord, PlatformXMPP:
		return true
	}
	return false
}

type SessionType string

const (
	TypeDM      SessionType = "dm"
	TypeChannel SessionType = "channel"
)

// Session records where a conversation happens so notifications can reach it.
// SessionID is the chat or channel identifier mapped to int64.
type Session struct {
	SessionID      int64       `json:"session_id"`
	Platform       Platform    `json:"platform"`
	PlatformUserID string      `json:"platform_user_id"`
	ChatID         *string     `json:"chat_id"`
	ChannelID      *string     `json:"channel_id"`
	GuildID        *string     `json:"guild_id"`
	SessionType    SessionType `json:"session_type"`
	IsHQ           bool        `json:"is_hq"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// UpsertParams describes a sighting of a session. Empty optional fields keep
// whatever was stored before.
type UpsertParams struct {
	SessionID      int64
	Platform       Platform
	PlatformUserID string
	ChatID         string
	ChannelID      string
	GuildID        string
	SessionType    SessionType
}
