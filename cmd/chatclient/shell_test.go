package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/morezero/chatcore/pkg/auth"
	"github.com/morezero/chatcore/pkg/client"
	"github.com/morezero/chatcore/pkg/dispatcher"
	"github.com/morezero/chatcore/pkg/protocol"
	"github.com/morezero/chatcore/pkg/router"
	"github.com/morezero/chatcore/pkg/session"
	"github.com/morezero/chatcore/pkg/store"
)

// syncBuffer is written by the event goroutine and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newServices(t *testing.T) (*dispatcher.Services, context.Context) {
	t.Helper()
	st := store.NewMemoryStore()
	hasher := auth.NewBcryptHasher(bcrypt.MinCost)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &dispatcher.Services{
		Sessions: session.NewRegistry(st, hasher, session.Options{}),
		Router:   router.New(st),
		Store:    st,
		Hasher:   hasher,
		Limits:   dispatcher.Limits{ClientVersionConstraint: protocol.DefaultClientConstraint},
	}, ctx
}

func dialShell(t *testing.T, svc *dispatcher.Services, ctx context.Context) (*shell, *syncBuffer) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	d := dispatcher.New(protocol.NewConnStream(serverConn, protocol.StreamOptions{}), svc)
	go func() { _ = d.Serve(ctx) }()

	a := client.NewAdapter(client.Config{RequestTimeout: 2 * time.Second})
	require.NoError(t, a.Attach(protocol.NewConnStream(clientConn, protocol.StreamOptions{})))
	t.Cleanup(a.Disconnect)

	out := &syncBuffer{}
	sh := newShell(client.NewService(a), out)
	a.Events().SubscribeAll(sh.onEvent)
	return sh, out
}

func runLines(t *testing.T, sh *shell, lines ...string) {
	t.Helper()
	for _, line := range lines {
		_, err := sh.exec(context.Background(), line)
		require.NoError(t, err, line)
	}
}

func TestShell_ArgumentErrors(t *testing.T) {
	svc, ctx := newServices(t)
	sh, _ := dialShell(t, svc, ctx)

	tests := []struct {
		line    string
		wantErr string
	}{
		{"/nope", "unknown command"},
		{"/login", "usage: /login"},
		{"/login alice", "usage: /login"},
		{"/group solo", "usage: /group"},
		{"/group solo -- bob", "usage: /group"},
		{"/members abc", "invalid id"},
		{"/history bob -3", "invalid limit"},
		{"/audio bob /does/not/exist.wav", "no such file"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			_, err := sh.exec(context.Background(), tt.line)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	quit, err := sh.exec(context.Background(), "   ")
	assert.NoError(t, err)
	assert.False(t, quit)
	quit, err = sh.exec(context.Background(), "/quit")
	assert.NoError(t, err)
	assert.True(t, quit)
}

func TestShell_HelpListsCommands(t *testing.T) {
	svc, ctx := newServices(t)
	sh, out := dialShell(t, svc, ctx)
	runLines(t, sh, "/help")
	for name := range commands {
		assert.Contains(t, out.String(), "/"+name)
	}
}

func TestShell_ConversationAndGroups(t *testing.T) {
	svc, ctx := newServices(t)
	alice, aliceOut := dialShell(t, svc, ctx)
	bob, bobOut := dialShell(t, svc, ctx)

	runLines(t, alice, "/register alice alice@example.com secret", "/login alice secret")
	runLines(t, bob, "/register bob bob@example.com secret", "/login bob secret")
	assert.Contains(t, aliceOut.String(), "logged in as alice")

	runLines(t, alice, "/msg bob hola que tal")
	require.Eventually(t, func() bool { return strings.Contains(bobOut.String(), "[alice] hola que tal") }, time.Second, 5*time.Millisecond)

	runLines(t, alice, "/group amigos los de siempre -- bob nadie")
	assert.Contains(t, aliceOut.String(), "invited: bob")
	assert.Contains(t, aliceOut.String(), "not found: nadie")
	require.Eventually(t, func() bool { return strings.Contains(bobOut.String(), "alice invited you to amigos") }, time.Second, 5*time.Millisecond)

	runLines(t, bob, "/pending")
	assert.Contains(t, bobOut.String(), "amigos")

	invs, err := bob.svc.PendingInvites(context.Background())
	require.NoError(t, err)
	require.Len(t, invs, 1)
	runLines(t, bob, "/accept "+itoa(invs[0].ID)+" "+itoa(invs[0].ChannelID))
	assert.Contains(t, bobOut.String(), "joined group")

	runLines(t, alice, "/gmsg "+itoa(invs[0].ChannelID)+" bienvenido")
	require.Eventually(t, func() bool { return strings.Contains(bobOut.String(), "alice] bienvenido") }, time.Second, 5*time.Millisecond)

	clip := filepath.Join(t.TempDir(), "nota.ogg")
	require.NoError(t, os.WriteFile(clip, []byte{1, 2, 3, 4}, 0o600))
	runLines(t, alice, "/audio bob "+clip+" 3")
	require.Eventually(t, func() bool { return strings.Contains(bobOut.String(), "audio ogg, 3s, 4 bytes") }, time.Second, 5*time.Millisecond)

	runLines(t, bob, "/history alice")
	assert.Contains(t, bobOut.String(), "hola que tal")
	assert.Contains(t, bobOut.String(), "<audio ogg, 3s>")

	quit, err := bob.exec(context.Background(), "/logout")
	require.NoError(t, err)
	assert.True(t, quit)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

func TestShell_LoginPromptsForPassword(t *testing.T) {
	svc, ctx := newServices(t)
	sh, out := dialShell(t, svc, ctx)

	var prompts []string
	sh.askPassword = func(prompt string) (string, error) {
		prompts = append(prompts, prompt)
		return "secret", nil
	}
	runLines(t, sh, "/register alice alice@example.com secret", "/login alice")

	assert.Equal(t, []string{"password for alice: "}, prompts)
	assert.Contains(t, out.String(), "logged in as alice")
}
