package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/morezero/chatcore/pkg/auth"
	"github.com/morezero/chatcore/pkg/dispatcher"
	"github.com/morezero/chatcore/pkg/protocol"
	"github.com/morezero/chatcore/pkg/router"
	"github.com/morezero/chatcore/pkg/session"
	"github.com/morezero/chatcore/pkg/store"
)

type testServer struct {
	svc *dispatcher.Services
	ctx context.Context
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := store.NewMemoryStore()
	hasher := auth.NewBcryptHasher(bcrypt.MinCost)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &testServer{
		ctx: ctx,
		svc: &dispatcher.Services{
			Sessions: session.NewRegistry(st, hasher, session.Options{}),
			Router:   router.New(st),
			Store:    st,
			Hasher:   hasher,
			Limits:   dispatcher.Limits{ClientVersionConstraint: protocol.DefaultClientConstraint},
		},
	}
}

// dial serves a new connection with a real dispatcher and returns a
// service bound to it.
func (s *testServer) dial(t *testing.T) (*Service, *eventLog) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	d := dispatcher.New(protocol.NewConnStream(serverConn, protocol.StreamOptions{}), s.svc)
	go func() { _ = d.Serve(s.ctx) }()

	a := NewAdapter(Config{RequestTimeout: 2 * time.Second})
	require.NoError(t, a.Attach(protocol.NewConnStream(clientConn, protocol.StreamOptions{})))
	t.Cleanup(a.Disconnect)

	log := &eventLog{}
	a.Events().SubscribeAll(log.add)
	return NewService(a), log
}

func (s *testServer) user(t *testing.T, username string) (*Service, *eventLog) {
	t.Helper()
	svc, log := s.dial(t)
	ctx := context.Background()
	_, err := svc.Register(ctx, RegisterParams{Username: username, Email: username + "@example.com", Password: "secret"})
	require.NoError(t, err)
	_, err = svc.Login(ctx, username, "secret")
	require.NoError(t, err)
	return svc, log
}

func TestService_LoginAndPrivateMessage(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	alice, _ := srv.user(t, "alice")
	_, bobLog := srv.user(t, "bob")

	require.NotNil(t, alice.Session())
	assert.Equal(t, "alice", alice.Session().Username)
	assert.NotEmpty(t, alice.Session().SessionToken)

	d, err := alice.SendMessage(ctx, "bob", "hola bob")
	require.NoError(t, err)
	assert.True(t, d.Delivered)
	assert.NotZero(t, d.MessageID)

	require.Eventually(t, func() bool { return len(bobLog.ofKind(EventPrivateMessage)) == 1 }, time.Second, 5*time.Millisecond)
	ev := bobLog.ofKind(EventPrivateMessage)[0]
	assert.Equal(t, "alice", ev.Sender)
	assert.Equal(t, "hola bob", ev.Content)

	history, err := alice.PrivateHistory(ctx, "bob", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "alice", history[0].Sender)
	assert.Equal(t, "bob", history[0].Recipient)
	assert.False(t, history[0].IsAudio())
}

func TestService_FailuresAreServiceErrors(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	svc, _ := srv.dial(t)

	_, err := svc.Groups(ctx)
	require.Error(t, err)
	assert.True(t, IsStatus(err, protocol.StatusUnauthorized))

	_, err = svc.Register(ctx, RegisterParams{Username: "alice", Email: "a@example.com", Password: "secret"})
	require.NoError(t, err)
	_, err = svc.Login(ctx, "alice", "mala")
	var se *ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, protocol.StatusUnauthorized, se.Status)
	assert.Contains(t, se.Message, "incorrectos")
	assert.Nil(t, svc.Session())
	assert.True(t, svc.Adapter().Connected())
}

func TestService_GroupFlow(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	alice, aliceLog := srv.user(t, "alice")
	bob, bobLog := srv.user(t, "bob")
	_, _ = srv.user(t, "carol")

	res, err := alice.CreateGroupWithInvites(ctx, GroupParams{Name: "equipo", Description: "pruebas"}, []string{"bob", "nadie"})
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, res.Sent)
	assert.Equal(t, []string{"nadie"}, res.NotFound)

	require.Eventually(t, func() bool { return len(bobLog.ofKind(EventInviteReceived)) == 1 }, time.Second, 5*time.Millisecond)
	invite := bobLog.ofKind(EventInviteReceived)[0].Invitation
	require.NotNil(t, invite)
	assert.Equal(t, "equipo", invite.ChannelName)

	pending, err := bob.PendingInvites(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NoError(t, bob.AcceptInvite(ctx, pending[0].ID, res.ChannelID))

	d, err := alice.SendGroupMessage(ctx, res.ChannelID, "hola equipo")
	require.NoError(t, err)
	assert.Equal(t, 1, d.Recipients)

	require.Eventually(t, func() bool { return len(bobLog.ofKind(EventGroupMessage)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, aliceLog.ofKind(EventGroupMessage))

	groups, err := bob.Groups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "equipo", groups[0].Name)

	members, err := alice.GroupMembers(ctx, res.ChannelID)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	online, err := alice.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, online, 3)
}

func TestService_Audio(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	alice, _ := srv.user(t, "alice")
	_, bobLog := srv.user(t, "bob")

	d, err := alice.SendAudio(ctx, "bob", AudioClip{Data: []byte{1, 2, 3}, Format: "ogg", DurationSeconds: 2})
	require.NoError(t, err)
	assert.True(t, d.Delivered)

	require.Eventually(t, func() bool { return len(bobLog.ofKind(EventPrivateAudio)) == 1 }, time.Second, 5*time.Millisecond)
	ev := bobLog.ofKind(EventPrivateAudio)[0]
	assert.Equal(t, []byte{1, 2, 3}, ev.Audio)
	assert.Equal(t, "ogg", ev.AudioFormat)
}

func TestService_LoginElsewhereKicksOldConnection(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	first, firstLog := srv.user(t, "alice")

	second, _ := srv.dial(t)
	_, err := second.Login(ctx, "alice", "secret")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !first.Adapter().Connected() }, time.Second, 5*time.Millisecond)
	got := firstLog.ofKind(EventForcedDisconnect)
	require.Len(t, got, 1)
	assert.Equal(t, "Sesión iniciada en otro dispositivo", got[0].Text)

	_, err = first.Ping(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestService_Logout(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	alice, log := srv.user(t, "alice")

	require.NoError(t, alice.Logout(ctx))
	assert.Nil(t, alice.Session())
	assert.False(t, alice.Adapter().Connected())
	assert.Empty(t, log.ofKind(EventForcedDisconnect))
	assert.Equal(t, 0, srv.svc.Sessions.Count())
}
