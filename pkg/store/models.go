package store

import "time"

// User is a registered account.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	IPAddress    string    `json:"ip_address"`
	Photo        string    `json:"photo,omitempty"`
	Online       bool      `json:"online"`
	Created      time.Time `json:"created"`
}

// NewUser holds parameters for UserStore.CreateUser.
type NewUser struct {
	Username     string
	Email        string
	PasswordHash string
	IPAddress    string
	Photo        string
}

// Channel is a group conversation.
type Channel struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Photo       string    `json:"photo,omitempty"`
	OwnerID     int64     `json:"owner_id"`
	Created     time.Time `json:"created"`
}

// NewChannel holds parameters for ChannelStore.CreateChannel.
type NewChannel struct {
	Name        string
	Description string
	Photo       string
	OwnerID     int64
}

// InvitationStatus is the lifecycle state of an invitation.
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "PENDIENTE"
	InvitationAccepted InvitationStatus = "ACEPTADA"
	InvitationRejected InvitationStatus = "RECHAZADA"
)

// Invitation asks a user to join a channel.
type Invitation struct {
	ID        int64            `json:"id"`
	ChannelID int64            `json:"channel_id"`
	InviterID int64            `json:"inviter_id"`
	InviteeID int64            `json:"invitee_id"`
	Status    InvitationStatus `json:"status"`
	Created   time.Time        `json:"created"`
}

// InvitationDetail is an invitation joined with the channel and inviter it refers to.
type InvitationDetail struct {
	Invitation
	InviterUsername    string `json:"inviter_username"`
	ChannelName        string `json:"channel_name"`
	ChannelDescription string `json:"channel_description"`
	ChannelPhoto       string `json:"channel_photo,omitempty"`
}

// MessageKind distinguishes text from audio messages.
type MessageKind string

const (
	MessageText  MessageKind = "TEXTO"
	MessageAudio MessageKind = "AUDIO"
)

// Message is a persisted chat message. Exactly one of RecipientID and
// ChannelID is non-zero.
type Message struct {
	ID              int64       `json:"id"`
	Kind            MessageKind `json:"kind"`
	SenderID        int64       `json:"sender_id"`
	SenderUsername  string      `json:"sender_username"`
	RecipientID     int64       `json:"recipient_id,omitempty"`
	ChannelID       int64       `json:"channel_id,omitempty"`
	Content         string      `json:"content,omitempty"`
	Audio           []byte      `json:"audio,omitempty"`
	AudioFormat     string      `json:"audio_format,omitempty"`
	DurationSeconds int64       `json:"duration_seconds,omitempty"`
	Created         time.Time   `json:"created"`
}

// NewMessage holds parameters for MessageStore.SaveMessage.
type NewMessage struct {
	Kind            MessageKind
	SenderID        int64
	RecipientID     int64
	ChannelID       int64
	Content         string
	Audio           []byte
	AudioFormat     string
	DurationSeconds int64
}
