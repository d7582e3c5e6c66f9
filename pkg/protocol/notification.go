package protocol

import "time"

// NotificationKind is the value of the tipoNotificacion field on pushed events.
type NotificationKind string

const (
	NotifyPrivateMessage   NotificationKind = "NUEVO_MENSAJE"
	NotifyGroupMessage     NotificationKind = "NUEVO_MENSAJE_GRUPO"
	NotifyPresenceChanged  NotificationKind = "CAMBIO_ESTADO_USUARIOS"
	NotifyInviteReceived   NotificationKind = "INVITACION_RECIBIDA"
	NotifyPrivateAudio     NotificationKind = "NUEVO_AUDIO"
	NotifyGroupAudio       NotificationKind = "NUEVO_AUDIO_GRUPO"
	NotifyServerBroadcast  NotificationKind = "BROADCAST_SERVIDOR"
	NotifyChannelBroadcast NotificationKind = "BROADCAST_CANAL"
	NotifyForcedDisconnect NotificationKind = "DESCONEXION_FORZADA"
)

// NotificationKindOf returns the discriminator of a pushed response, or ""
// when it carries none.
func NotificationKindOf(r *Response) NotificationKind {
	s, _ := r.Field(FieldNotificationKind).(string)
	return NotificationKind(s)
}

func notification(kind NotificationKind, message string, fields Fields) *Response {
	if fields == nil {
		fields = Fields{}
	}
	fields[FieldNotificationKind] = string(kind)
	return &Response{Success: true, Status: StatusOK, Message: message, Fields: fields}
}

// PrivateMessageNotification announces a direct text message.
func PrivateMessageNotification(sender, content string, messageID int64) *Response {
	return notification(NotifyPrivateMessage, "Nuevo mensaje", Fields{
		FieldSender:    sender,
		FieldContent:   content,
		FieldMessageID: messageID,
	})
}

// GroupMessageNotification announces a text message posted to a channel.
func GroupMessageNotification(channelID int64, sender, content string, messageID int64) *Response {
	return notification(NotifyGroupMessage, "Nuevo mensaje de grupo", Fields{
		FieldChannelID: channelID,
		FieldSender:    sender,
		FieldContent:   content,
		FieldMessageID: messageID,
	})
}

// PresenceChangedNotification tells clients to refresh their user lists.
func PresenceChangedNotification() *Response {
	return notification(NotifyPresenceChanged, "Cambio en el estado de los usuarios", nil)
}

// Invite describes a pending channel invitation as pushed to the invitee.
type Invite struct {
	InvitationID       int64
	InviterUsername    string
	ChannelID          int64
	ChannelName        string
	ChannelDescription string
	ChannelPhoto       string
}

// InviteReceivedNotification announces a new channel invitation.
func InviteReceivedNotification(inv Invite) *Response {
	return notification(NotifyInviteReceived, "Nueva invitación a grupo", Fields{
		FieldInvitationID:    inv.InvitationID,
		FieldInviterUsername: inv.InviterUsername,
		FieldChannelName:     inv.ChannelName,
		FieldChannelDesc:     inv.ChannelDescription,
		FieldChannelPhoto:    inv.ChannelPhoto,
		FieldChannelID:       inv.ChannelID,
	})
}

// Audio is an audio clip as carried by audio notifications.
type Audio struct {
	Sender          string
	Content         []byte
	Format          string
	DurationSeconds int64
	MessageID       int64
}

func (a Audio) fields() Fields {
	return Fields{
		FieldSender:          a.Sender,
		FieldAudio:           a.Content,
		FieldAudioFormat:     a.Format,
		FieldDurationSeconds: a.DurationSeconds,
		FieldMessageID:       a.MessageID,
	}
}

// PrivateAudioNotification announces a direct audio message.
func PrivateAudioNotification(a Audio) *Response {
	return notification(NotifyPrivateAudio, "Nuevo audio", a.fields())
}

// GroupAudioNotification announces an audio message posted to a channel.
func GroupAudioNotification(channelID int64, a Audio) *Response {
	f := a.fields()
	f[FieldChannelID] = channelID
	return notification(NotifyGroupAudio, "Nuevo audio de grupo", f)
}

// ServerBroadcastNotification carries an operator message to every user.
func ServerBroadcastNotification(message string, at time.Time) *Response {
	return notification(NotifyServerBroadcast, message, Fields{
		FieldBroadcastMessage: message,
		FieldTimestamp:        at.UTC(),
	})
}

// ChannelBroadcastNotification carries an operator message to one channel's members.
func ChannelBroadcastNotification(channelID int64, channelName, message string, at time.Time) *Response {
	return notification(NotifyChannelBroadcast, message, Fields{
		FieldChannelID:        channelID,
		FieldChannelName:      channelName,
		FieldBroadcastMessage: message,
		FieldTimestamp:        at.UTC(),
	})
}

// ForcedDisconnectNotification tells a client the server is closing its connection.
func ForcedDisconnectNotification(reason string) *Response {
	return notification(NotifyForcedDisconnect, reason, Fields{FieldReason: reason})
}
