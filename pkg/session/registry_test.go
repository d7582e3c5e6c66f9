package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/morezero/chatcore/pkg/auth"
	"github.com/morezero/chatcore/pkg/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T, opts Options) (*Registry, *store.MemoryStore, int64) {
	t.Helper()
	users := store.NewMemoryStore()
	hasher := auth.NewBcryptHasher(bcrypt.MinCost)
	hash, err := hasher.Hash("secreto")
	if err != nil {
		t.Fatalf("session:registry_test - Hash: %v", err)
	}
	u, err := users.CreateUser(context.Background(), store.NewUser{Username: "alice", Email: "a@x.io", PasswordHash: hash})
	if err != nil {
		t.Fatalf("session:registry_test - CreateUser: %v", err)
	}
	return NewRegistry(users, hasher, opts), users, u.ID
}

func TestLogin(t *testing.T) {
	ctx := context.Background()
	reg, users, aliceID := newTestRegistry(t, Options{})

	tests := []struct {
		name     string
		username string
		password string
		wantErr  error
	}{
		{name: "unknown user", username: "mallory", password: "secreto", wantErr: ErrInvalidCredentials},
		{name: "wrong password", username: "alice", password: "nope", wantErr: ErrInvalidCredentials},
		{name: "valid", username: "alice", password: "secreto"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := reg.Login(ctx, tt.username, tt.password)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("session:registry_test - expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("session:registry_test - Login: %v", err)
			}
			if s.Token == "" || s.UserID != aliceID {
				t.Fatalf("session:registry_test - unexpected session %+v", s)
			}
			if id, ok := reg.Validate(s.Token); !ok || id != aliceID {
				t.Errorf("session:registry_test - Validate(%s) = %d, %v", s.Token, id, ok)
			}
		})
	}

	u, _ := users.GetUserByID(ctx, aliceID)
	if !u.Online {
		t.Error("session:registry_test - login must mark the user online")
	}
	if reg.Count() != 1 {
		t.Errorf("session:registry_test - expected 1 session, got %d", reg.Count())
	}
}

func TestLogin_TokensAreUnique(t *testing.T) {
	ctx := context.Background()
	reg, _, aliceID := newTestRegistry(t, Options{})
	a, _ := reg.Login(ctx, "alice", "secreto")
	b, _ := reg.Login(ctx, "alice", "secreto")
	if a.Token == b.Token {
		t.Fatal("session:registry_test - expected distinct tokens")
	}
	if got := len(reg.TokensForUser(aliceID)); got != 2 {
		t.Errorf("session:registry_test - expected 2 tokens, got %d", got)
	}
}

func TestLogout(t *testing.T) {
	ctx := context.Background()
	reg, users, aliceID := newTestRegistry(t, Options{})
	s, _ := reg.Login(ctx, "alice", "secreto")

	if !reg.Logout(ctx, s.Token) {
		t.Error("session:registry_test - first logout should remove the session")
	}
	if reg.Logout(ctx, s.Token) {
		t.Error("session:registry_test - second logout should be a no-op")
	}
	if reg.Logout(ctx, "never-issued") {
		t.Error("session:registry_test - unknown token should be a no-op")
	}

	if _, ok := reg.Validate(s.Token); ok {
		t.Error("session:registry_test - token still valid after logout")
	}
	if u, _ := users.GetUserByID(ctx, aliceID); u.Online {
		t.Error("session:registry_test - logout must mark the user offline")
	}
}

func TestSweep_EvictsIdleSessions(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	reg, _, _ := newTestRegistry(t, Options{IdleTTL: time.Hour, Now: clock.Now})

	var evicted []Session
	reg.OnEvict(func(s Session) { evicted = append(evicted, s) })

	idle, _ := reg.Login(ctx, "alice", "secreto")
	clock.Advance(30 * time.Minute)
	active, _ := reg.Login(ctx, "alice", "secreto")
	clock.Advance(45 * time.Minute)
	reg.Validate(active.Token)

	if n := reg.Sweep(clock.Now()); n != 1 {
		t.Fatalf("session:registry_test - expected 1 eviction, got %d", n)
	}
	if len(evicted) != 1 || evicted[0].Token != idle.Token {
		t.Fatalf("session:registry_test - unexpected evictions %+v", evicted)
	}
	if _, ok := reg.Lookup(active.Token); !ok {
		t.Error("session:registry_test - active session must survive")
	}
}

func TestSweep_DisabledWithoutTTL(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t, Options{})
	_, _ = reg.Login(ctx, "alice", "secreto")
	if n := reg.Sweep(time.Now().Add(1000 * time.Hour)); n != 0 {
		t.Errorf("session:registry_test - expected no eviction, got %d", n)
	}
}

func TestRunSweeper_StopsOnCancel(t *testing.T) {
	reg, _, _ := newTestRegistry(t, Options{IdleTTL: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reg.RunSweeper(ctx, 10*time.Millisecond) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("session:registry_test - RunSweeper: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("session:registry_test - sweeper did not stop")
	}
}
