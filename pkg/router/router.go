// Package router keeps the set of live connections and fans notifications
// out to users, channel members and everyone.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/morezero/chatcore/pkg/protocol"
	"github.com/morezero/chatcore/pkg/store"
)

const logPrefix = "router:router"

// Peer is one live connection as seen by the router.
type Peer interface {
	ID() string
	// Identity returns the authenticated user, or ok=false before login.
	Identity() (userID int64, username string, ok bool)
	Push(ctx context.Context, n *protocol.Response) error
	Kick(reason string)
}

// ChannelDirectory resolves channel membership. The router never caches it.
type ChannelDirectory interface {
	GetChannel(ctx context.Context, id int64) (*store.Channel, error)
	ListChannels(ctx context.Context) ([]store.Channel, error)
	ListMemberIDs(ctx context.Context, channelID int64) ([]int64, error)
}

// OnlineUser is an authenticated user with at least one live connection.
type OnlineUser struct {
	UserID   int64
	Username string
}

// Router is safe for concurrent use. Pushes happen outside the lock.
type Router struct {
	channels ChannelDirectory

	mu    sync.RWMutex
	peers map[string]Peer
}

// New creates an empty router.
func New(channels ChannelDirectory) *Router {
	return &Router{channels: channels, peers: make(map[string]Peer)}
}

// Register adds p. Registering the same id twice replaces the entry.
func (r *Router) Register(p Peer) {
	r.mu.Lock()
	r.peers[p.ID()] = p
	n := len(r.peers)
	r.mu.Unlock()
	slog.Debug(fmt.Sprintf("%s - Registered connection %s (%d live)", logPrefix, p.ID(), n))
}

// Unregister removes p and reports whether it was present.
func (r *Router) Unregister(p Peer) bool {
	r.mu.Lock()
	cur, ok := r.peers[p.ID()]
	ok = ok && cur == p
	if ok {
		delete(r.peers, p.ID())
	}
	n := len(r.peers)
	r.mu.Unlock()
	if ok {
		slog.Debug(fmt.Sprintf("%s - Unregistered connection %s (%d live)", logPrefix, p.ID(), n))
	}
	return ok
}

// Count returns the number of live connections, authenticated or not.
func (r *Router) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Lookup returns the peer registered under id.
func (r *Router) Lookup(id string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

func (r *Router) snapshot() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// selected returns authenticated peers accepted by match.
func (r *Router) selected(match func(userID int64, username string) bool) []Peer {
	var out []Peer
	for _, p := range r.snapshot() {
		id, name, ok := p.Identity()
		if ok && match(id, name) {
			out = append(out, p)
		}
	}
	return out
}

// pushAll pushes n to every target and returns how many pushes succeeded.
func (r *Router) pushAll(ctx context.Context, targets []Peer, n *protocol.Response) int {
	ok := 0
	for _, p := range targets {
		if err := p.Push(ctx, n); err != nil {
			slog.Warn(fmt.Sprintf("%s - push %s to %s failed: %v",
				logPrefix, protocol.NotificationKindOf(n), p.ID(), err))
			continue
		}
		ok++
	}
	return ok
}

// RouteToUser pushes n to every live connection of username and reports
// whether at least one push succeeded.
func (r *Router) RouteToUser(ctx context.Context, username string, n *protocol.Response) bool {
	targets := r.selected(func(_ int64, name string) bool { return name == username })
	return r.pushAll(ctx, targets, n) > 0
}

// RouteToUserID is RouteToUser keyed by user id.
func (r *Router) RouteToUserID(ctx context.Context, userID int64, n *protocol.Response) bool {
	targets := r.selected(func(id int64, _ string) bool { return id == userID })
	return r.pushAll(ctx, targets, n) > 0
}

// RouteToChannelMembers pushes n to every live member of channelID other
// than exclude. The count is the size of that recipient set; a failed push
// is logged but still counted.
func (r *Router) RouteToChannelMembers(ctx context.Context, channelID int64, n *protocol.Response, exclude int64) (int, error) {
	ids, err := r.channels.ListMemberIDs(ctx, channelID)
	if err != nil {
		return 0, fmt.Errorf("%s - failed to list members of channel %d: %w", logPrefix, channelID, err)
	}
	members := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		members[id] = struct{}{}
	}
	targets := r.selected(func(id int64, _ string) bool {
		_, ok := members[id]
		return ok && id != exclude
	})
	r.pushAll(ctx, targets, n)
	return len(targets), nil
}

// BroadcastToAllUsers pushes n to every authenticated connection except
// those of exclude (0 excludes nobody) and returns the recipient count.
func (r *Router) BroadcastToAllUsers(ctx context.Context, n *protocol.Response, exclude int64) int {
	targets := r.selected(func(id int64, _ string) bool { return exclude == 0 || id != exclude })
	r.pushAll(ctx, targets, n)
	return len(targets)
}

// BroadcastToChannel pushes a channel broadcast carrying text to the live
// members of channelID.
func (r *Router) BroadcastToChannel(ctx context.Context, channelID int64, text string) (int, error) {
	ch, err := r.channels.GetChannel(ctx, channelID)
	if err != nil {
		return 0, fmt.Errorf("%s - failed to load channel %d: %w", logPrefix, channelID, err)
	}
	if ch == nil {
		return 0, fmt.Errorf("%s - channel %d not found", logPrefix, channelID)
	}
	n := protocol.ChannelBroadcastNotification(ch.ID, ch.Name, text, time.Now())
	return r.RouteToChannelMembers(ctx, ch.ID, n, 0)
}

// BroadcastToAllChannels sends a channel broadcast to every channel and
// returns the total number of recipients.
func (r *Router) BroadcastToAllChannels(ctx context.Context, text string) int {
	channels, err := r.channels.ListChannels(ctx)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to list channels: %v", logPrefix, err))
		return 0
	}
	now := time.Now()
	total := 0
	for _, ch := range channels {
		n := protocol.ChannelBroadcastNotification(ch.ID, ch.Name, text, now)
		count, err := r.RouteToChannelMembers(ctx, ch.ID, n, 0)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - broadcast to channel %d failed: %v", logPrefix, ch.ID, err))
			continue
		}
		total += count
	}
	return total
}

// OnlineUsers lists distinct authenticated users, sorted by username.
func (r *Router) OnlineUsers() []OnlineUser {
	seen := make(map[int64]string)
	for _, p := range r.snapshot() {
		if id, name, ok := p.Identity(); ok {
			seen[id] = name
		}
	}
	out := make([]OnlineUser, 0, len(seen))
	for id, name := range seen {
		out = append(out, OnlineUser{UserID: id, Username: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// IsOnline reports whether userID has an authenticated connection.
func (r *Router) IsOnline(userID int64) bool {
	return len(r.selected(func(id int64, _ string) bool { return id == userID })) > 0
}

// KickUser forcibly disconnects every connection of userID except exceptID
// and returns how many were kicked.
func (r *Router) KickUser(userID int64, exceptID, reason string) int {
	targets := r.selected(func(id int64, _ string) bool { return id == userID })
	kicked := 0
	for _, p := range targets {
		if p.ID() == exceptID {
			continue
		}
		slog.Info(fmt.Sprintf("%s - Kicking connection %s of user %d: %s", logPrefix, p.ID(), userID, reason))
		p.Kick(reason)
		kicked++
	}
	return kicked
}

// CloseAll kicks every connection, authenticated or not.
func (r *Router) CloseAll(reason string) {
	peers := r.snapshot()
	slog.Info(fmt.Sprintf("%s - Closing %d connections: %s", logPrefix, len(peers), reason))
	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(p Peer) {
			defer wg.Done()
			p.Kick(reason)
		}(p)
	}
	wg.Wait()
}
