package client

import (
	"time"

	"github.com/morezero/chatcore/pkg/protocol"
)

// LoginResult is the identity bound to a successful login.
type LoginResult struct {
	SessionToken string
	UserID       int64
	Username     string
	Email        string
}

// User is a registered user as listed by the server.
type User struct {
	ID       int64
	Username string
	Email    string
	Photo    string
	Online   bool
}

// Group is a channel the caller can see.
type Group struct {
	ID          int64
	Name        string
	Description string
	Photo       string
	OwnerID     int64
	Created     time.Time
}

// Invitation is a pending invitation to join a channel.
type Invitation struct {
	ID                 int64
	ChannelID          int64
	ChannelName        string
	ChannelDescription string
	ChannelPhoto       string
	InviterUsername    string
	Status             string
	Created            time.Time
}

// HistoryMessage is one stored text or audio message.
type HistoryMessage struct {
	ID              int64
	Kind            string
	Sender          string
	Recipient       string
	ChannelID       int64
	Content         string
	Audio           []byte
	AudioFormat     string
	DurationSeconds int64
	Created         time.Time
}

// IsAudio reports whether m carries audio instead of text.
func (m HistoryMessage) IsAudio() bool { return m.Kind == "AUDIO" }

// GroupParams describes a channel to create.
type GroupParams struct {
	Name        string
	Description string
	Photo       string
}

// RegisterParams describes an account to create.
type RegisterParams struct {
	Username  string
	Email     string
	Password  string
	IPAddress string
	Photo     string
}

// AudioClip is a recorded clip to send.
type AudioClip struct {
	Data            []byte
	Format          string
	DurationSeconds int64
}

// Delivery reports how a sent message was routed. Delivered is set for
// direct messages, Recipients for channel messages.
type Delivery struct {
	MessageID  int64
	Delivered  bool
	Recipients int
}

// InviteResult lists who was invited and who does not exist.
type InviteResult struct {
	ChannelID int64
	Sent      []string
	NotFound  []string
}

func userFrom(m protocol.Fields) User {
	return User{
		ID:       m.OptInt64(protocol.FieldID, 0),
		Username: m.OptString(protocol.FieldUsername),
		Email:    m.OptString(protocol.FieldEmail),
		Photo:    m.OptString(protocol.FieldPhoto),
		Online:   m.Bool(protocol.FieldOnline),
	}
}

func groupFrom(m protocol.Fields) Group {
	return Group{
		ID:          m.OptInt64(protocol.FieldChannelID, 0),
		Name:        m.OptString(protocol.FieldName),
		Description: m.OptString(protocol.FieldDescription),
		Photo:       m.OptString(protocol.FieldPhoto),
		OwnerID:     m.OptInt64(protocol.FieldOwnerID, 0),
		Created:     m.Time(protocol.FieldCreatedAt),
	}
}

func invitationFrom(m protocol.Fields) Invitation {
	return Invitation{
		ID:                 m.OptInt64(protocol.FieldInvitationID, 0),
		ChannelID:          m.OptInt64(protocol.FieldChannelID, 0),
		ChannelName:        m.OptString(protocol.FieldChannelName),
		ChannelDescription: m.OptString(protocol.FieldChannelDesc),
		ChannelPhoto:       m.OptString(protocol.FieldChannelPhoto),
		InviterUsername:    m.OptString(protocol.FieldInviterUsername),
		Status:             m.OptString(protocol.FieldStatus),
		Created:            m.Time(protocol.FieldCreatedAt),
	}
}

func historyFrom(m protocol.Fields) HistoryMessage {
	content, _ := m[protocol.FieldContent].(string)
	return HistoryMessage{
		ID:              m.OptInt64(protocol.FieldMessageID, 0),
		Kind:            m.OptString(protocol.FieldKind),
		Sender:          m.OptString(protocol.FieldSender),
		Recipient:       m.OptString(protocol.FieldRecipient),
		ChannelID:       m.OptInt64(protocol.FieldChannelID, 0),
		Content:         content,
		Audio:           m.OptBytes(protocol.FieldAudio),
		AudioFormat:     m.OptString(protocol.FieldAudioFormat),
		DurationSeconds: m.OptInt64(protocol.FieldDurationSeconds, 0),
		Created:         m.Time(protocol.FieldCreatedAt),
	}
}

// listOf converts each nested map under key with conv.
func listOf[T any](f protocol.Fields, key string, conv func(protocol.Fields) T) []T {
	maps := f.Maps(key)
	out := make([]T, 0, len(maps))
	for _, m := range maps {
		out = append(out, conv(protocol.Fields(m)))
	}
	return out
}
