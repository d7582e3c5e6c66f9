package dispatcher

import (
	"fmt"
	"log/slog"

	"github.com/morezero/chatcore/pkg/protocol"
	"github.com/morezero/chatcore/pkg/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// --- responses ---

func badRequest(err error) *protocol.Response {
	return protocol.Fail(protocol.StatusBadRequest, err.Error())
}

func internalError(op protocol.Operation, err error) *protocol.Response {
	slog.Error(fmt.Sprintf("%s - %s failed: %v", logPrefix, op, err))
	return protocol.Fail(protocol.StatusError, "")
}

func historyLimit(f protocol.Fields) int {
	n := f.OptInt64(protocol.FieldLimit, defaultHistoryLimit)
	if n <= 0 {
		return defaultHistoryLimit
	}
	if n > maxHistoryLimit {
		return maxHistoryLimit
	}
	return int(n)
}

// --- views ---

func userView(u *store.User, online bool) map[string]any {
	return map[string]any{
		protocol.FieldID:       u.ID,
		protocol.FieldUsername: u.Username,
		protocol.FieldEmail:    u.Email,
		protocol.FieldPhoto:    u.Photo,
		protocol.FieldOnline:   online,
	}
}

func channelView(c *store.Channel) map[string]any {
	return map[string]any{
		protocol.FieldChannelID:   c.ID,
		protocol.FieldName:        c.Name,
		protocol.FieldDescription: c.Description,
		protocol.FieldPhoto:       c.Photo,
		protocol.FieldOwnerID:     c.OwnerID,
		protocol.FieldCreatedAt:   c.Created,
	}
}

func invitationView(inv *store.InvitationDetail) map[string]any {
	return map[string]any{
		protocol.FieldInvitationID:    inv.ID,
		protocol.FieldChannelID:       inv.ChannelID,
		protocol.FieldChannelName:     inv.ChannelName,
		protocol.FieldChannelDesc:     inv.ChannelDescription,
		protocol.FieldChannelPhoto:    inv.ChannelPhoto,
		protocol.FieldInviterUsername: inv.InviterUsername,
		protocol.FieldStatus:          string(inv.Status),
		protocol.FieldCreatedAt:       inv.Created,
	}
}

func messageView(m *store.Message, recipient string) map[string]any {
	v := map[string]any{
		protocol.FieldMessageID: m.ID,
		protocol.FieldKind:      string(m.Kind),
		protocol.FieldSender:    m.SenderUsername,
		protocol.FieldCreatedAt: m.Created,
	}
	if m.ChannelID != 0 {
		v[protocol.FieldChannelID] = m.ChannelID
	} else {
		v[protocol.FieldRecipient] = recipient
	}
	if m.Kind == store.MessageAudio {
		v[protocol.FieldAudio] = m.Audio
		v[protocol.FieldAudioFormat] = m.AudioFormat
		v[protocol.FieldDurationSeconds] = m.DurationSeconds
	} else {
		v[protocol.FieldContent] = m.Content
	}
	return v
}
