package dispatcher

import (
	"context"

	"github.com/morezero/chatcore/pkg/protocol"
)

// handleOnlineUsers lists users with a live authenticated connection on
// this server.
func (d *Dispatcher) handleOnlineUsers(ctx context.Context, req *protocol.Request) *protocol.Response {
	online := make(map[int64]bool)
	for _, u := range d.svc.Router.OnlineUsers() {
		online[u.UserID] = true
	}
	users, err := d.svc.Store.ListUsers(ctx)
	if err != nil {
		return internalError(req.Operation, err)
	}
	list := make([]map[string]any, 0, len(online))
	for i := range users {
		if online[users[i].ID] {
			list = append(list, userView(&users[i], true))
		}
	}
	return protocol.OK("", protocol.Fields{protocol.FieldUsers: list})
}

func (d *Dispatcher) handleAllUsers(ctx context.Context, req *protocol.Request) *protocol.Response {
	users, err := d.svc.Store.ListUsers(ctx)
	if err != nil {
		return internalError(req.Operation, err)
	}
	list := make([]map[string]any, 0, len(users))
	for i := range users {
		list = append(list, userView(&users[i], d.svc.Router.IsOnline(users[i].ID)))
	}
	return protocol.OK("", protocol.Fields{protocol.FieldUsers: list})
}
