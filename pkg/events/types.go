// Package events defines chat activity events and publishers that forward
// them to other systems.
package events

import "time"

// EventType names a kind of chat activity. It doubles as the granular
// subject suffix.
type EventType string

const (
	UserRegistered     EventType = "user.registered"
	UserOnline         EventType = "user.online"
	UserOffline        EventType = "user.offline"
	PrivateMessageSent EventType = "message.private"
	GroupMessageSent   EventType = "message.group"
	PrivateAudioSent   EventType = "audio.private"
	GroupAudioSent     EventType = "audio.group"
	ChannelCreated     EventType = "channel.created"
	ChannelMemberAdded EventType = "channel.member_joined"
	ChannelMemberLeft  EventType = "channel.member_left"
	InvitationCreated  EventType = "invitation.created"
	InvitationRejected EventType = "invitation.rejected"
)

// ChatEvent is emitted after a state change completes. Message bodies and
// audio are never included.
type ChatEvent struct {
	Type           EventType `json:"type"`
	Server         string    `json:"server,omitempty"`
	UserID         int64     `json:"userId,omitempty"`
	Username       string    `json:"username,omitempty"`
	TargetUserID   int64     `json:"targetUserId,omitempty"`
	TargetUsername string    `json:"targetUsername,omitempty"`
	ChannelID      int64     `json:"channelId,omitempty"`
	MessageID      int64     `json:"messageId,omitempty"`
	InvitationID   int64     `json:"invitationId,omitempty"`
	Delivered      int       `json:"delivered"`
	Timestamp      string    `json:"timestamp"`
}

// NewChatEvent returns an event of type t stamped with the current time.
func NewChatEvent(t EventType) *ChatEvent {
	return &ChatEvent{Type: t, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}
}
