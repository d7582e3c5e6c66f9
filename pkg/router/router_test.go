package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morezero/chatcore/pkg/protocol"
	"github.com/morezero/chatcore/pkg/store"
)

type fakePeer struct {
	id       string
	userID   int64
	username string
	authed   bool
	failPush bool

	mu       sync.Mutex
	received []*protocol.Response
	kicked   []string
}

func newPeer(id string, userID int64, username string) *fakePeer {
	return &fakePeer{id: id, userID: userID, username: username, authed: userID != 0}
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Identity() (int64, string, bool) { return p.userID, p.username, p.authed }

func (p *fakePeer) Push(_ context.Context, n *protocol.Response) error {
	if p.failPush {
		return errors.New("broken pipe")
	}
	p.mu.Lock()
	p.received = append(p.received, n)
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) Kick(reason string) {
	p.mu.Lock()
	p.kicked = append(p.kicked, reason)
	p.mu.Unlock()
}

func (p *fakePeer) got() []*protocol.Response {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*protocol.Response(nil), p.received...)
}

type fakeDirectory struct {
	channels map[int64]store.Channel
	members  map[int64][]int64
	err      error
}

func (d *fakeDirectory) GetChannel(_ context.Context, id int64) (*store.Channel, error) {
	ch, ok := d.channels[id]
	if !ok {
		return nil, nil
	}
	return &ch, nil
}

func (d *fakeDirectory) ListChannels(_ context.Context) ([]store.Channel, error) {
	var out []store.Channel
	for _, ch := range d.channels {
		out = append(out, ch)
	}
	return out, nil
}

func (d *fakeDirectory) ListMemberIDs(_ context.Context, channelID int64) ([]int64, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.members[channelID], nil
}

func newDirectory() *fakeDirectory {
	return &fakeDirectory{
		channels: map[int64]store.Channel{
			10: {ID: 10, Name: "general"},
			20: {ID: 20, Name: "random"},
		},
		members: map[int64][]int64{
			10: {1, 2, 3},
			20: {2},
		},
	}
}

func TestRegisterUnregister(t *testing.T) {
	r := New(newDirectory())
	a := newPeer("a", 1, "alice")

	r.Register(a)
	require.Equal(t, 1, r.Count())
	got, ok := r.Lookup("a")
	require.True(t, ok)
	assert.Same(t, a, got)

	assert.True(t, r.Unregister(a))
	assert.False(t, r.Unregister(a), "second unregister must be a no-op")
	assert.Equal(t, 0, r.Count())
}

func TestRouteToUser(t *testing.T) {
	ctx := context.Background()
	r := New(newDirectory())
	alice := newPeer("a", 1, "alice")
	anon := newPeer("x", 0, "")
	r.Register(alice)
	r.Register(anon)

	n := protocol.PrivateMessageNotification("bob", "hola", 1)
	assert.True(t, r.RouteToUser(ctx, "alice", n))
	assert.False(t, r.RouteToUser(ctx, "carol", n))
	assert.True(t, r.RouteToUserID(ctx, 1, n))
	assert.Len(t, alice.got(), 2)
	assert.Empty(t, anon.got(), "unauthenticated connections never receive routed messages")

	alice.failPush = true
	assert.False(t, r.RouteToUser(ctx, "alice", n), "a failed push is not a delivery")
}

func TestRouteToChannelMembers(t *testing.T) {
	ctx := context.Background()
	r := New(newDirectory())
	alice := newPeer("a", 1, "alice")
	bob := newPeer("b", 2, "bob")
	carol := newPeer("c", 3, "carol")
	dave := newPeer("d", 4, "dave")
	for _, p := range []*fakePeer{alice, bob, carol, dave} {
		r.Register(p)
	}

	n := protocol.GroupMessageNotification(10, "alice", "hola", 5)
	count, err := r.RouteToChannelMembers(ctx, 10, n, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Empty(t, alice.got(), "sender is excluded")
	assert.Len(t, bob.got(), 1)
	assert.Len(t, carol.got(), 1)
	assert.Empty(t, dave.got(), "non-members receive nothing")

	carol.failPush = true
	count, err = r.RouteToChannelMembers(ctx, 10, n, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, count, "failed pushes are still counted as recipients")
}

func TestRouteToChannelMembers_DirectoryError(t *testing.T) {
	dir := newDirectory()
	dir.err = errors.New("db down")
	r := New(dir)
	r.Register(newPeer("a", 1, "alice"))

	_, err := r.RouteToChannelMembers(context.Background(), 10, protocol.PresenceChangedNotification(), 0)
	assert.Error(t, err)
}

func TestBroadcasts(t *testing.T) {
	ctx := context.Background()
	r := New(newDirectory())
	alice := newPeer("a", 1, "alice")
	bob := newPeer("b", 2, "bob")
	anon := newPeer("x", 0, "")
	for _, p := range []*fakePeer{alice, bob, anon} {
		r.Register(p)
	}

	assert.Equal(t, 1, r.BroadcastToAllUsers(ctx, protocol.PresenceChangedNotification(), 1))
	assert.Empty(t, alice.got())
	assert.Len(t, bob.got(), 1)

	assert.Equal(t, 2, r.BroadcastToAllUsers(ctx, protocol.ServerBroadcastNotification("hola", time.Now()), 0))

	// general has alice and bob online, random has bob.
	assert.Equal(t, 3, r.BroadcastToAllChannels(ctx, "aviso"))
	last := bob.got()[len(bob.got())-1]
	assert.Equal(t, protocol.NotifyChannelBroadcast, protocol.NotificationKindOf(last))

	count, err := r.BroadcastToChannel(ctx, 20, "solo random")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = r.BroadcastToChannel(ctx, 99, "nadie")
	assert.Error(t, err)
	assert.Empty(t, anon.got())
}

func TestOnlineUsersAndKick(t *testing.T) {
	r := New(newDirectory())
	first := newPeer("a1", 1, "alice")
	second := newPeer("a2", 1, "alice")
	bob := newPeer("b", 2, "bob")
	for _, p := range []*fakePeer{first, second, bob, newPeer("x", 0, "")} {
		r.Register(p)
	}

	online := r.OnlineUsers()
	require.Len(t, online, 2)
	assert.Equal(t, "alice", online[0].Username)
	assert.True(t, r.IsOnline(2))
	assert.False(t, r.IsOnline(3))

	assert.Equal(t, 1, r.KickUser(1, "a2", "Sesión iniciada en otro dispositivo"))
	assert.Equal(t, []string{"Sesión iniciada en otro dispositivo"}, first.kicked)
	assert.Empty(t, second.kicked)

	r.CloseAll("Servidor detenido")
	assert.Contains(t, bob.kicked, "Servidor detenido")
}

func TestConcurrentRegistration(t *testing.T) {
	r := New(newDirectory())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := newPeer(fmt.Sprintf("p%d", i), int64(i%5+1), fmt.Sprintf("u%d", i%5))
			r.Register(p)
			r.BroadcastToAllUsers(context.Background(), protocol.PresenceChangedNotification(), 0)
			if i%2 == 0 {
				r.Unregister(p)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 25, r.Count())
}
