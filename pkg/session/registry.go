// Package session tracks authenticated sessions, keyed by opaque token.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/chatcore/pkg/auth"
	"github.com/morezero/chatcore/pkg/store"
)

const logPrefix = "session:registry"

// ErrInvalidCredentials covers both an unknown username and a wrong password.
var ErrInvalidCredentials = errors.New("Usuario o contraseña incorrectos")

// Session is one successful login.
type Session struct {
	Token    string
	UserID   int64
	Username string
	Email    string
	Created  time.Time
	LastSeen time.Time
}

// Options configures a Registry.
type Options struct {
	// IdleTTL evicts sessions not validated for this long. Zero disables eviction.
	IdleTTL time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Registry maps session tokens to users. Safe for concurrent use.
type Registry struct {
	users  store.UserStore
	hasher auth.Hasher
	opts   Options

	mu       sync.RWMutex
	sessions map[string]*Session
	onEvict  func(Session)
}

// NewRegistry creates an empty registry.
func NewRegistry(users store.UserStore, hasher auth.Hasher, opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		users:    users,
		hasher:   hasher,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// OnEvict registers fn to run, outside the lock, for every session removed by Sweep.
func (r *Registry) OnEvict(fn func(Session)) {
	r.mu.Lock()
	r.onEvict = fn
	r.mu.Unlock()
}

// Login verifies credentials and mints a new session. Existing sessions of
// the same user stay valid.
func (r *Registry) Login(ctx context.Context, username, password string) (*Session, error) {
	user, err := r.users.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to look up user: %w", logPrefix, err)
	}
	if user == nil {
		return nil, ErrInvalidCredentials
	}
	if err := r.hasher.Verify(user.PasswordHash, password); err != nil {
		if !errors.Is(err, auth.ErrMismatch) {
			slog.Warn(fmt.Sprintf("%s - password check failed for %s: %v", logPrefix, username, err))
		}
		return nil, ErrInvalidCredentials
	}

	now := r.opts.Now()
	s := &Session{
		Token:    uuid.NewString(),
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
		Created:  now,
		LastSeen: now,
	}

	r.mu.Lock()
	r.sessions[s.Token] = s
	r.mu.Unlock()

	if err := r.users.SetOnline(ctx, user.ID, true); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to mark user %d online: %v", logPrefix, user.ID, err))
	}
	slog.Debug(fmt.Sprintf("%s - Login user=%s", logPrefix, user.Username))

	cp := *s
	return &cp, nil
}

// Logout removes token and marks its user offline. It reports whether a
// session was removed; unknown tokens are ignored.
func (r *Registry) Logout(ctx context.Context, token string) bool {
	r.mu.Lock()
	s, ok := r.sessions[token]
	if ok {
		delete(r.sessions, token)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	if err := r.users.SetOnline(ctx, s.UserID, false); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to mark user %d offline: %v", logPrefix, s.UserID, err))
	}
	slog.Debug(fmt.Sprintf("%s - Logout user=%s", logPrefix, s.Username))
	return true
}

// Validate returns the user bound to token and refreshes its idle timer.
func (r *Registry) Validate(token string) (int64, bool) {
	if token == "" {
		return 0, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[token]
	if !ok {
		return 0, false
	}
	s.LastSeen = r.opts.Now()
	return s.UserID, true
}

// Lookup returns a copy of the session for token.
func (r *Registry) Lookup(token string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[token]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// TokensForUser lists the live tokens of userID.
func (r *Registry) TokensForUser(userID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for token, s := range r.sessions {
		if s.UserID == userID {
			out = append(out, token)
		}
	}
	return out
}

// Sweep evicts sessions idle since before now-IdleTTL and returns how many
// were removed.
func (r *Registry) Sweep(now time.Time) int {
	if r.opts.IdleTTL <= 0 {
		return 0
	}
	cutoff := now.Add(-r.opts.IdleTTL)

	r.mu.Lock()
	var evicted []Session
	for token, s := range r.sessions {
		if s.LastSeen.Before(cutoff) {
			evicted = append(evicted, *s)
			delete(r.sessions, token)
		}
	}
	hook := r.onEvict
	r.mu.Unlock()

	for _, s := range evicted {
		slog.Info(fmt.Sprintf("%s - Evicted idle session user=%s", logPrefix, s.Username))
		if hook != nil {
			hook(s)
		}
	}
	return len(evicted)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) error {
	if r.opts.IdleTTL <= 0 || interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(r.opts.Now())
		}
	}
}
