// Package server composes the chat server: stores, sessions, router,
// connection listeners, HTTP endpoints and the optional NATS bridge.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	comms "github.com/nats-io/nats.go"
	"golang.org/x/crypto/bcrypt"

	"github.com/morezero/chatcore/internal/config"
	"github.com/morezero/chatcore/pkg/auth"
	"github.com/morezero/chatcore/pkg/commsutil"
	"github.com/morezero/chatcore/pkg/dispatcher"
	"github.com/morezero/chatcore/pkg/events"
	"github.com/morezero/chatcore/pkg/protocol"
	"github.com/morezero/chatcore/pkg/router"
	"github.com/morezero/chatcore/pkg/session"
	"github.com/morezero/chatcore/pkg/store"
)

const logPrefix = "server:server"

const (
	reasonServerStopped  = "Servidor detenido"
	reasonSessionExpired = "Sesión expirada por inactividad"
)

// Deps are the collaborators a Server is built from.
type Deps struct {
	Store store.Store
	// Hasher defaults to bcrypt at the default cost.
	Hasher auth.Hasher
	// Publisher defaults to a no-op publisher.
	Publisher events.EventPublisher
	// Ping checks the backing store for /health. Nil reports it healthy.
	Ping func(ctx context.Context) error
	// Now overrides the session clock in tests.
	Now func() time.Time
}

// Server accepts connections and hands each one to its own dispatcher.
type Server struct {
	cfg      *config.Config
	store    store.Store
	sessions *session.Registry
	router   *router.Router
	svc      *dispatcher.Services
	ping     func(context.Context) error
	upgrader websocket.Upgrader
	started  time.Time

	// connCtx outlives listeners so Shutdown can say goodbye before streams close.
	connCtx    context.Context
	cancelConn context.CancelFunc
	conns      sync.WaitGroup

	mu      sync.Mutex
	closing bool
}

// New wires the session registry, router and dispatcher services around deps.
func New(cfg *config.Config, deps Deps) *Server {
	hasher := deps.Hasher
	if hasher == nil {
		hasher = auth.NewBcryptHasher(bcrypt.DefaultCost)
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = &events.NoOpPublisher{}
	}

	sessions := session.NewRegistry(deps.Store, hasher, session.Options{IdleTTL: cfg.SessionIdleTTL, Now: deps.Now})
	rt := router.New(deps.Store)
	connCtx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:      cfg,
		store:    deps.Store,
		sessions: sessions,
		router:   rt,
		ping:     deps.Ping,
		started:  time.Now(),
		svc: &dispatcher.Services{
			Sessions:  sessions,
			Router:    rt,
			Store:     deps.Store,
			Hasher:    hasher,
			Publisher: publisher,
			Limits: dispatcher.Limits{
				RatePerSecond:           cfg.RateLimitPerSecond,
				RateBurst:               cfg.RateLimitBurst,
				MaxAudioBytes:           cfg.MaxAudioBytes,
				ClientVersionConstraint: cfg.ClientVersionConstraint,
			},
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		connCtx:    connCtx,
		cancelConn: cancel,
	}
	sessions.OnEvict(s.handleEviction)
	return s
}

// Sessions returns the session registry.
func (s *Server) Sessions() *session.Registry { return s.sessions }

// Router returns the connection router.
func (s *Server) Router() *router.Router { return s.router }

func (s *Server) streamOptions() protocol.StreamOptions {
	return protocol.StreamOptions{WriteTimeout: s.cfg.WriteTimeout, IdleTimeout: s.cfg.ConnIdleTimeout}
}

// Serve accepts TCP connections on ln until ctx is done or ln is closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	slog.Info(fmt.Sprintf("%s - Accepting connections on %s", logPrefix, ln.Addr()))
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				slog.Warn(fmt.Sprintf("%s - accept: %v", logPrefix, err))
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("%s - accept failed: %w", logPrefix, err)
		}
		s.serveStream(protocol.NewConnStream(conn, s.streamOptions()))
	}
}

// serveStream runs a dispatcher for stream on its own goroutine.
func (s *Server) serveStream(stream protocol.Stream) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		if env, err := protocol.NewNotificationEnvelope(protocol.ForcedDisconnectNotification(reasonServerStopped)); err == nil {
			_ = stream.WriteEnvelope(env)
		}
		_ = stream.Close()
		return
	}
	s.conns.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.conns.Done()
		d := dispatcher.New(stream, s.svc)
		if err := d.Serve(s.connCtx); err != nil {
			slog.Warn(fmt.Sprintf("%s - connection %s ended: %v", logPrefix, d.ID(), err))
		}
	}()
}

// Shutdown stops taking connections, tells every client the server is
// stopping and waits for their dispatchers to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - Closing %d connections", logPrefix, s.router.Count()))
	s.router.CloseAll(reasonServerStopped)
	s.cancelConn()

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s - connections still open at shutdown: %w", logPrefix, ctx.Err())
	}
}

// Closing reports whether Shutdown has started.
func (s *Server) Closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// RunSweeper evicts idle sessions until ctx is done.
func (s *Server) RunSweeper(ctx context.Context) error {
	return s.sessions.RunSweeper(ctx, s.cfg.SessionSweepInterval)
}

// handleEviction drops the user's connections once their last session is gone.
func (s *Server) handleEviction(sess session.Session) {
	if len(s.sessions.TokensForUser(sess.UserID)) > 0 {
		return
	}
	if n := s.router.KickUser(sess.UserID, "", reasonSessionExpired); n > 0 {
		slog.Info(fmt.Sprintf("%s - Closed %d connections of %s after session expiry", logPrefix, n, sess.Username))
	}
}

// HandleAdminBroadcast delivers an operator message. A zero channel id
// reaches every connected user, commsutil.AllChannels every channel, and
// any other id one channel.
func (s *Server) HandleAdminBroadcast(ctx context.Context, b *commsutil.AdminBroadcast) {
	switch b.ChannelID {
	case 0:
		n := s.router.BroadcastToAllUsers(ctx, protocol.ServerBroadcastNotification(b.Message, time.Now()), 0)
		slog.Info(fmt.Sprintf("%s - Admin broadcast delivered to %d connections", logPrefix, n))
	case commsutil.AllChannels:
		n := s.router.BroadcastToAllChannels(ctx, b.Message)
		slog.Info(fmt.Sprintf("%s - Admin broadcast delivered to %d channel members", logPrefix, n))
	default:
		n, err := s.router.BroadcastToChannel(ctx, b.ChannelID, b.Message)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - admin broadcast to channel %d failed: %v", logPrefix, b.ChannelID, err))
			return
		}
		slog.Info(fmt.Sprintf("%s - Admin broadcast delivered to %d members of channel %d", logPrefix, n, b.ChannelID))
	}
}

// SubscribeAdminBroadcasts routes admin broadcasts published on each subject
// to HandleAdminBroadcast. On error the subscriptions made so far are removed.
func (s *Server) SubscribeAdminBroadcasts(ctx context.Context, nc *comms.Conn, subjects ...string) ([]*comms.Subscription, error) {
	subs := make([]*comms.Subscription, 0, len(subjects))
	for _, subject := range subjects {
		sub, err := commsutil.SubscribeAdminBroadcasts(nc, subject, func(b *commsutil.AdminBroadcast) {
			s.HandleAdminBroadcast(ctx, b)
		})
		if err != nil {
			for _, prev := range subs {
				_ = prev.Unsubscribe()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}
