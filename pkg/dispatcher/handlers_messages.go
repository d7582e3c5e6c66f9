package dispatcher

import (
	"context"
	"fmt"

	"github.com/morezero/chatcore/pkg/events"
	"github.com/morezero/chatcore/pkg/protocol"
	"github.com/morezero/chatcore/pkg/store"
)

// recipient resolves usernameDestino to a registered user.
func (d *Dispatcher) recipient(ctx context.Context, req *protocol.Request) (*store.User, *protocol.Response) {
	name, err := req.Fields.String(protocol.FieldDestination)
	if err != nil {
		return nil, badRequest(err)
	}
	u, err := d.svc.Store.GetUserByUsername(ctx, name)
	if err != nil {
		return nil, internalError(req.Operation, err)
	}
	if u == nil {
		return nil, protocol.Fail(protocol.StatusNotFound, fmt.Sprintf("Usuario %s no encontrado", name))
	}
	return u, nil
}

func (d *Dispatcher) handleSendMessage(ctx context.Context, req *protocol.Request) *protocol.Response {
	content, err := req.Fields.Text(protocol.FieldContent)
	if err != nil {
		return badRequest(err)
	}
	dest, resp := d.recipient(ctx, req)
	if resp != nil {
		return resp
	}
	userID, username, _ := d.Identity()
	msg, err := d.svc.Store.SaveMessage(ctx, store.NewMessage{
		Kind:        store.MessageText,
		SenderID:    userID,
		RecipientID: dest.ID,
		Content:     content,
	})
	if err != nil {
		return internalError(req.Operation, err)
	}

	delivered := d.svc.Router.RouteToUserID(ctx, dest.ID, protocol.PrivateMessageNotification(username, content, msg.ID))

	ev := events.NewChatEvent(events.PrivateMessageSent)
	ev.UserID = userID
	ev.Username = username
	ev.TargetUserID = dest.ID
	ev.TargetUsername = dest.Username
	ev.MessageID = msg.ID
	if delivered {
		ev.Delivered = 1
	}
	d.publish(ctx, ev)

	return protocol.OK("Mensaje enviado", protocol.Fields{
		protocol.FieldDelivered: delivered,
		protocol.FieldMessageID: msg.ID,
	})
}

// handleSendGroupMessage ignores any remitente field; the sender is always
// the authenticated user, who does not receive their own message back.
func (d *Dispatcher) handleSendGroupMessage(ctx context.Context, req *protocol.Request) *protocol.Response {
	content, err := req.Fields.Text(protocol.FieldContent)
	if err != nil {
		return badRequest(err)
	}
	ch, resp := d.memberChannel(ctx, req)
	if resp != nil {
		return resp
	}
	userID, username, _ := d.Identity()
	msg, err := d.svc.Store.SaveMessage(ctx, store.NewMessage{
		Kind:      store.MessageText,
		SenderID:  userID,
		ChannelID: ch.ID,
		Content:   content,
	})
	if err != nil {
		return internalError(req.Operation, err)
	}

	n := protocol.GroupMessageNotification(ch.ID, username, content, msg.ID)
	count, err := d.svc.Router.RouteToChannelMembers(ctx, ch.ID, n, userID)
	if err != nil {
		return internalError(req.Operation, err)
	}

	ev := events.NewChatEvent(events.GroupMessageSent)
	ev.UserID = userID
	ev.Username = username
	ev.ChannelID = ch.ID
	ev.MessageID = msg.ID
	ev.Delivered = count
	d.publish(ctx, ev)

	return protocol.OK("Mensaje enviado al grupo", protocol.Fields{
		protocol.FieldDeliveredCount: count,
		protocol.FieldMessageID:      msg.ID,
	})
}

// handleSendAudio targets either usernameDestino or canalId, never both.
func (d *Dispatcher) handleSendAudio(ctx context.Context, req *protocol.Request) *protocol.Response {
	toUser := req.Fields.Has(protocol.FieldDestination)
	toChannel := req.Fields.Has(protocol.FieldChannelID)
	if toUser == toChannel {
		return protocol.Fail(protocol.StatusBadRequest, "Indique usernameDestino o canalId, pero no ambos")
	}
	audio, err := req.Fields.Bytes(protocol.FieldAudio)
	if err != nil {
		return badRequest(err)
	}
	if limit := d.svc.Limits.MaxAudioBytes; limit > 0 && len(audio) > limit {
		return protocol.Fail(protocol.StatusBadRequest,
			fmt.Sprintf("El audio excede el tamaño máximo de %d bytes", limit))
	}
	duration := req.Fields.OptInt64(protocol.FieldDurationSeconds, 0)
	if duration < 0 {
		return protocol.Fail(protocol.StatusBadRequest, "La duración no puede ser negativa")
	}
	format := req.Fields.OptString(protocol.FieldAudioFormat)
	if format == "" {
		format = "wav"
	}

	userID, username, _ := d.Identity()
	params := store.NewMessage{
		Kind:            store.MessageAudio,
		SenderID:        userID,
		Audio:           audio,
		AudioFormat:     format,
		DurationSeconds: duration,
	}
	clip := protocol.Audio{Sender: username, Content: audio, Format: format, DurationSeconds: duration}

	if toUser {
		dest, resp := d.recipient(ctx, req)
		if resp != nil {
			return resp
		}
		params.RecipientID = dest.ID
		msg, err := d.svc.Store.SaveMessage(ctx, params)
		if err != nil {
			return internalError(req.Operation, err)
		}
		clip.MessageID = msg.ID
		delivered := d.svc.Router.RouteToUserID(ctx, dest.ID, protocol.PrivateAudioNotification(clip))

		ev := events.NewChatEvent(events.PrivateAudioSent)
		ev.UserID = userID
		ev.Username = username
		ev.TargetUserID = dest.ID
		ev.TargetUsername = dest.Username
		ev.MessageID = msg.ID
		if delivered {
			ev.Delivered = 1
		}
		d.publish(ctx, ev)

		return protocol.OK("Audio enviado", protocol.Fields{
			protocol.FieldDelivered: delivered,
			protocol.FieldMessageID: msg.ID,
		})
	}

	ch, resp := d.memberChannel(ctx, req)
	if resp != nil {
		return resp
	}
	params.ChannelID = ch.ID
	msg, err := d.svc.Store.SaveMessage(ctx, params)
	if err != nil {
		return internalError(req.Operation, err)
	}
	clip.MessageID = msg.ID
	count, err := d.svc.Router.RouteToChannelMembers(ctx, ch.ID, protocol.GroupAudioNotification(ch.ID, clip), userID)
	if err != nil {
		return internalError(req.Operation, err)
	}

	ev := events.NewChatEvent(events.GroupAudioSent)
	ev.UserID = userID
	ev.Username = username
	ev.ChannelID = ch.ID
	ev.MessageID = msg.ID
	ev.Delivered = count
	d.publish(ctx, ev)

	return protocol.OK("Audio enviado al grupo", protocol.Fields{
		protocol.FieldDeliveredCount: count,
		protocol.FieldMessageID:      msg.ID,
	})
}

func (d *Dispatcher) handlePrivateHistory(ctx context.Context, req *protocol.Request) *protocol.Response {
	peer, resp := d.recipient(ctx, req)
	if resp != nil {
		return resp
	}
	userID, username, _ := d.Identity()
	msgs, err := d.svc.Store.PrivateHistory(ctx, userID, peer.ID, historyLimit(req.Fields))
	if err != nil {
		return internalError(req.Operation, err)
	}
	list := make([]map[string]any, 0, len(msgs))
	for i := range msgs {
		to := peer.Username
		if msgs[i].SenderID == peer.ID {
			to = username
		}
		list = append(list, messageView(&msgs[i], to))
	}
	return protocol.OK("", protocol.Fields{protocol.FieldMessages: list})
}

func (d *Dispatcher) handleGroupHistory(ctx context.Context, req *protocol.Request) *protocol.Response {
	ch, resp := d.memberChannel(ctx, req)
	if resp != nil {
		return resp
	}
	msgs, err := d.svc.Store.ChannelHistory(ctx, ch.ID, historyLimit(req.Fields))
	if err != nil {
		return internalError(req.Operation, err)
	}
	list := make([]map[string]any, 0, len(msgs))
	for i := range msgs {
		list = append(list, messageView(&msgs[i], ""))
	}
	return protocol.OK("", protocol.Fields{
		protocol.FieldChannelID: ch.ID,
		protocol.FieldMessages:  list,
	})
}
