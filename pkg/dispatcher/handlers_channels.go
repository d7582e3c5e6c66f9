package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/morezero/chatcore/pkg/events"
	"github.com/morezero/chatcore/pkg/protocol"
	"github.com/morezero/chatcore/pkg/store"
)

func (d *Dispatcher) handleCreateGroup(ctx context.Context, req *protocol.Request) *protocol.Response {
	params, resp := d.channelParams(req)
	if resp != nil {
		return resp
	}
	ch, resp := d.createChannel(ctx, req, params)
	if resp != nil {
		return resp
	}
	return protocol.Created("Grupo creado exitosamente", protocol.Fields{
		protocol.FieldChannelID: ch.ID,
		protocol.FieldName:      ch.Name,
	})
}

// handleCreateGroupWithInvites resolves every invitee before the channel
// exists, so a failed lookup leaves nothing behind. Once the channel is
// created the reply is CREATED, listing whatever invitations went out.
func (d *Dispatcher) handleCreateGroupWithInvites(ctx context.Context, req *protocol.Request) *protocol.Response {
	names, err := req.Fields.StringList(protocol.FieldInvitedUsers)
	if err != nil {
		return badRequest(err)
	}
	params, resp := d.channelParams(req)
	if resp != nil {
		return resp
	}
	invitees, notFound, err := d.resolveInvitees(ctx, names)
	if err != nil {
		return internalError(req.Operation, err)
	}
	ch, resp := d.createChannel(ctx, req, params)
	if resp != nil {
		return resp
	}
	sent, err := d.sendInvitations(ctx, ch, invitees)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - channel %d created but invitations stopped after %d: %v", logPrefix, ch.ID, len(sent), err))
	}
	return protocol.Created("Grupo creado exitosamente", protocol.Fields{
		protocol.FieldChannelID:       ch.ID,
		protocol.FieldName:            ch.Name,
		protocol.FieldInvitationsSent: sent,
		protocol.FieldUsersNotFound:   notFound,
	})
}

func (d *Dispatcher) channelParams(req *protocol.Request) (store.NewChannel, *protocol.Response) {
	name, err := req.Fields.String(protocol.FieldName)
	if err != nil {
		return store.NewChannel{}, badRequest(err)
	}
	description, err := req.Fields.String(protocol.FieldDescription)
	if err != nil {
		return store.NewChannel{}, badRequest(err)
	}
	userID, _, _ := d.Identity()
	return store.NewChannel{
		Name:        name,
		Description: description,
		Photo:       req.Fields.OptString(protocol.FieldPhoto),
		OwnerID:     userID,
	}, nil
}

func (d *Dispatcher) createChannel(ctx context.Context, req *protocol.Request, params store.NewChannel) (*store.Channel, *protocol.Response) {
	ch, err := d.svc.Store.CreateChannel(ctx, params)
	if err != nil {
		return nil, internalError(req.Operation, err)
	}

	_, username, _ := d.Identity()
	slog.Info(fmt.Sprintf("%s - %s created channel %q (id=%d)", logPrefix, username, ch.Name, ch.ID))
	ev := events.NewChatEvent(events.ChannelCreated)
	ev.UserID = params.OwnerID
	ev.Username = username
	ev.ChannelID = ch.ID
	d.publish(ctx, ev)
	return ch, nil
}

// resolveInvitees looks up each named user once. The caller is skipped and
// unknown names are returned in notFound.
func (d *Dispatcher) resolveInvitees(ctx context.Context, usernames []string) (invitees []*store.User, notFound []string, err error) {
	_, username, _ := d.Identity()
	notFound = []string{}
	seen := make(map[string]bool, len(usernames))

	for _, name := range usernames {
		if seen[name] || name == username {
			continue
		}
		seen[name] = true

		u, err := d.svc.Store.GetUserByUsername(ctx, name)
		if err != nil {
			return nil, nil, err
		}
		if u == nil {
			notFound = append(notFound, name)
			continue
		}
		invitees = append(invitees, u)
	}
	return invitees, notFound, nil
}

// sendInvitations invites each user to ch and pushes the invitation to
// those online. Current members and users with a pending invitation are
// skipped silently. On error, sent holds the invitations created so far.
func (d *Dispatcher) sendInvitations(ctx context.Context, ch *store.Channel, invitees []*store.User) (sent []string, err error) {
	userID, username, _ := d.Identity()
	sent = []string{}

	for _, invitee := range invitees {
		member, err := d.svc.Store.IsMember(ctx, ch.ID, invitee.ID)
		if err != nil {
			return sent, err
		}
		if member {
			continue
		}
		inv, err := d.svc.Store.CreateInvitation(ctx, ch.ID, userID, invitee.ID)
		if errors.Is(err, store.ErrDuplicate) {
			continue
		}
		if err != nil {
			return sent, err
		}
		sent = append(sent, invitee.Username)

		d.svc.Router.RouteToUserID(ctx, invitee.ID, protocol.InviteReceivedNotification(protocol.Invite{
			InvitationID:       inv.ID,
			InviterUsername:    username,
			ChannelID:          ch.ID,
			ChannelName:        ch.Name,
			ChannelDescription: ch.Description,
			ChannelPhoto:       ch.Photo,
		}))

		ev := events.NewChatEvent(events.InvitationCreated)
		ev.UserID = userID
		ev.Username = username
		ev.TargetUserID = invitee.ID
		ev.TargetUsername = invitee.Username
		ev.ChannelID = ch.ID
		ev.InvitationID = inv.ID
		d.publish(ctx, ev)
	}
	return sent, nil
}

// memberChannel loads the channel named by canalId and checks the caller
// belongs to it.
func (d *Dispatcher) memberChannel(ctx context.Context, req *protocol.Request) (*store.Channel, *protocol.Response) {
	channelID, err := req.Fields.Int64(protocol.FieldChannelID)
	if err != nil {
		return nil, badRequest(err)
	}
	ch, err := d.svc.Store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, internalError(req.Operation, err)
	}
	if ch == nil {
		return nil, protocol.Fail(protocol.StatusNotFound, "Grupo no encontrado")
	}
	userID, _, _ := d.Identity()
	member, err := d.svc.Store.IsMember(ctx, ch.ID, userID)
	if err != nil {
		return nil, internalError(req.Operation, err)
	}
	if !member {
		return nil, protocol.Fail(protocol.StatusForbidden, "No eres miembro de este grupo")
	}
	return ch, nil
}

func (d *Dispatcher) handleInviteToGroup(ctx context.Context, req *protocol.Request) *protocol.Response {
	invitees, err := req.Fields.StringList(protocol.FieldInvitedUsers)
	if err != nil {
		return badRequest(err)
	}
	ch, resp := d.memberChannel(ctx, req)
	if resp != nil {
		return resp
	}
	users, notFound, err := d.resolveInvitees(ctx, invitees)
	if err != nil {
		return internalError(req.Operation, err)
	}
	sent, err := d.sendInvitations(ctx, ch, users)
	if err != nil {
		return internalError(req.Operation, err)
	}
	return protocol.OK(fmt.Sprintf("%d invitación(es) enviada(s)", len(sent)), protocol.Fields{
		protocol.FieldChannelID:       ch.ID,
		protocol.FieldInvitationsSent: sent,
		protocol.FieldUsersNotFound:   notFound,
	})
}

// pendingInvitation loads invitacionId and checks it is pending and
// addressed to the caller.
func (d *Dispatcher) pendingInvitation(ctx context.Context, req *protocol.Request) (*store.Invitation, *protocol.Response) {
	invitationID, err := req.Fields.Int64(protocol.FieldInvitationID)
	if err != nil {
		return nil, badRequest(err)
	}
	inv, err := d.svc.Store.GetInvitation(ctx, invitationID)
	if err != nil {
		return nil, internalError(req.Operation, err)
	}
	if inv == nil {
		return nil, protocol.Fail(protocol.StatusNotFound, "Invitación no encontrada")
	}
	userID, _, _ := d.Identity()
	if inv.InviteeID != userID {
		return nil, protocol.Fail(protocol.StatusForbidden, "La invitación no está dirigida a este usuario")
	}
	if inv.Status != store.InvitationPending {
		return nil, protocol.Fail(protocol.StatusConflict, "La invitación ya fue respondida")
	}
	return inv, nil
}

func (d *Dispatcher) handleAcceptInvite(ctx context.Context, req *protocol.Request) *protocol.Response {
	inv, resp := d.pendingInvitation(ctx, req)
	if resp != nil {
		return resp
	}
	if req.Fields.Has(protocol.FieldChannelID) {
		channelID, err := req.Fields.Int64(protocol.FieldChannelID)
		if err != nil {
			return badRequest(err)
		}
		if channelID != inv.ChannelID {
			return protocol.Fail(protocol.StatusNotFound, "Invitación no encontrada para este grupo")
		}
	}
	if err := d.svc.Store.AcceptInvitation(ctx, inv.ID); err != nil {
		return internalError(req.Operation, err)
	}

	userID, username, _ := d.Identity()
	ev := events.NewChatEvent(events.ChannelMemberAdded)
	ev.UserID = userID
	ev.Username = username
	ev.ChannelID = inv.ChannelID
	ev.InvitationID = inv.ID
	d.publish(ctx, ev)

	return protocol.OK("Invitación aceptada", protocol.Fields{protocol.FieldChannelID: inv.ChannelID})
}

func (d *Dispatcher) handleRejectInvite(ctx context.Context, req *protocol.Request) *protocol.Response {
	inv, resp := d.pendingInvitation(ctx, req)
	if resp != nil {
		return resp
	}
	if err := d.svc.Store.RejectInvitation(ctx, inv.ID); err != nil {
		return internalError(req.Operation, err)
	}

	userID, username, _ := d.Identity()
	ev := events.NewChatEvent(events.InvitationRejected)
	ev.UserID = userID
	ev.Username = username
	ev.ChannelID = inv.ChannelID
	ev.InvitationID = inv.ID
	d.publish(ctx, ev)

	return protocol.OK("Invitación rechazada", nil)
}

func (d *Dispatcher) handlePendingInvites(ctx context.Context, req *protocol.Request) *protocol.Response {
	userID, _, _ := d.Identity()
	pending, err := d.svc.Store.ListPendingInvitations(ctx, userID)
	if err != nil {
		return internalError(req.Operation, err)
	}
	list := make([]map[string]any, 0, len(pending))
	for i := range pending {
		list = append(list, invitationView(&pending[i]))
	}
	return protocol.OK("", protocol.Fields{protocol.FieldInvitations: list})
}

func (d *Dispatcher) handleGroups(ctx context.Context, req *protocol.Request) *protocol.Response {
	userID, _, _ := d.Identity()
	channels, err := d.svc.Store.ListChannelsForUser(ctx, userID)
	if err != nil {
		return internalError(req.Operation, err)
	}
	list := make([]map[string]any, 0, len(channels))
	for i := range channels {
		list = append(list, channelView(&channels[i]))
	}
	return protocol.OK("", protocol.Fields{protocol.FieldGroups: list})
}

func (d *Dispatcher) handleGroupMembers(ctx context.Context, req *protocol.Request) *protocol.Response {
	ch, resp := d.memberChannel(ctx, req)
	if resp != nil {
		return resp
	}
	members, err := d.svc.Store.ListMembers(ctx, ch.ID)
	if err != nil {
		return internalError(req.Operation, err)
	}
	list := make([]map[string]any, 0, len(members))
	for i := range members {
		list = append(list, userView(&members[i], d.svc.Router.IsOnline(members[i].ID)))
	}
	return protocol.OK("", protocol.Fields{
		protocol.FieldChannelID: ch.ID,
		protocol.FieldMembers:   list,
	})
}

func (d *Dispatcher) handleLeaveGroup(ctx context.Context, req *protocol.Request) *protocol.Response {
	ch, resp := d.memberChannel(ctx, req)
	if resp != nil {
		return resp
	}
	userID, username, _ := d.Identity()
	if err := d.svc.Store.RemoveMember(ctx, ch.ID, userID); err != nil {
		return internalError(req.Operation, err)
	}

	ev := events.NewChatEvent(events.ChannelMemberLeft)
	ev.UserID = userID
	ev.Username = username
	ev.ChannelID = ch.ID
	d.publish(ctx, ev)

	return protocol.OK("Has salido del grupo", protocol.Fields{protocol.FieldChannelID: ch.ID})
}
