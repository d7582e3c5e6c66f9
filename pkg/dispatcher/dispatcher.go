// Package dispatcher serves one client connection: it reads requests, runs
// the matching handler and writes replies, and lets the router push
// notifications through the same stream.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/morezero/chatcore/pkg/auth"
	"github.com/morezero/chatcore/pkg/events"
	"github.com/morezero/chatcore/pkg/protocol"
	"github.com/morezero/chatcore/pkg/router"
	"github.com/morezero/chatcore/pkg/session"
	"github.com/morezero/chatcore/pkg/store"
)

const logPrefix = "dispatcher:dispatch"

const (
	reasonOtherDevice = "Sesión iniciada en otro dispositivo"
	cleanupTimeout    = 5 * time.Second
)

// Limits bounds what a single connection may do.
type Limits struct {
	// RatePerSecond of zero disables request rate limiting.
	RatePerSecond float64
	RateBurst     int
	// MaxAudioBytes of zero accepts audio of any size.
	MaxAudioBytes int
	// ClientVersionConstraint is checked against versionCliente on LOGIN.
	ClientVersionConstraint string
}

// Services are the process-wide collaborators shared by every dispatcher.
type Services struct {
	Sessions  *session.Registry
	Router    *router.Router
	Store     store.Store
	Hasher    auth.Hasher
	Publisher events.EventPublisher
	Limits    Limits
}

type handlerFunc func(ctx context.Context, req *protocol.Request) *protocol.Response

// Dispatcher owns one connection. Identity fields are written only by the
// Serve goroutine and read by the router from other goroutines.
type Dispatcher struct {
	id          string
	stream      protocol.Stream
	svc         *Services
	limiter     *rate.Limiter
	connectedAt time.Time

	mu       sync.RWMutex
	authed   bool
	userID   int64
	username string
	email    string
	token    string

	// presenceCleared is set once LOGOUT has already stored the user offline.
	presenceCleared bool

	kickOnce       sync.Once
	disconnectOnce sync.Once
}

// New creates a dispatcher for stream. Call Serve to start it.
func New(stream protocol.Stream, svc *Services) *Dispatcher {
	if svc.Publisher == nil {
		svc.Publisher = &events.NoOpPublisher{}
	}
	d := &Dispatcher{
		id:          uuid.NewString(),
		stream:      stream,
		svc:         svc,
		connectedAt: time.Now(),
	}
	if svc.Limits.RatePerSecond > 0 {
		burst := svc.Limits.RateBurst
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(svc.Limits.RatePerSecond), burst)
	}
	return d
}

// ID returns the connection id.
func (d *Dispatcher) ID() string { return d.id }

// Identity returns the authenticated user of this connection.
func (d *Dispatcher) Identity() (int64, string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.userID, d.username, d.authed
}

func (d *Dispatcher) setIdentity(s *session.Session) {
	d.mu.Lock()
	d.authed = true
	d.userID = s.UserID
	d.username = s.Username
	d.email = s.Email
	d.token = s.Token
	d.presenceCleared = false
	d.mu.Unlock()
}

func (d *Dispatcher) clearIdentity() {
	d.mu.Lock()
	d.authed = false
	d.userID = 0
	d.username = ""
	d.email = ""
	d.token = ""
	d.presenceCleared = false
	d.mu.Unlock()
}

func (d *Dispatcher) sessionToken() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.token
}

// Serve registers the connection with the router and processes requests
// until the stream fails, the client logs out or ctx is cancelled. It
// returns nil when the peer simply went away.
func (d *Dispatcher) Serve(ctx context.Context) error {
	d.svc.Router.Register(d)
	defer d.disconnect()
	stop := context.AfterFunc(ctx, func() { _ = d.stream.Close() })
	defer stop()

	slog.Debug(fmt.Sprintf("%s - Serving connection %s from %s", logPrefix, d.id, d.stream.RemoteAddr()))

	for {
		env, err := d.stream.ReadEnvelope()
		if err != nil {
			if !protocol.IsTerminal(err) {
				slog.Warn(fmt.Sprintf("%s - skipping frame on %s: %v", logPrefix, d.id, err))
				continue
			}
			if protocol.IsClosed(err) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%s - connection %s read failed: %w", logPrefix, d.id, err)
		}

		switch env.Kind {
		case protocol.KindHeartbeat:
			continue
		case protocol.KindRequest:
		default:
			slog.Warn(fmt.Sprintf("%s - ignoring %s envelope from %s", logPrefix, env.Kind, d.id))
			continue
		}

		req, err := env.Request()
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - skipping request on %s: %v", logPrefix, d.id, err))
			continue
		}

		var resp *protocol.Response
		if d.limiter != nil && !d.limiter.Allow() {
			resp = protocol.Fail(protocol.StatusTooManyRequests, "")
		} else {
			resp = d.Dispatch(ctx, req)
		}

		out, err := protocol.NewResponseEnvelope(env.Seq, resp)
		if err != nil {
			slog.Error(fmt.Sprintf("%s - failed to encode %s reply: %v", logPrefix, req.Operation, err))
			out, _ = protocol.NewResponseEnvelope(env.Seq, protocol.Fail(protocol.StatusError, ""))
		}
		if err := d.stream.WriteEnvelope(out); err != nil {
			if protocol.IsClosed(err) {
				return nil
			}
			return fmt.Errorf("%s - connection %s write failed: %w", logPrefix, d.id, err)
		}

		if req.Operation == protocol.OpLogout && resp.Success {
			return nil
		}
	}
}

// Dispatch runs the handler for req.Operation. It never panics.
func (d *Dispatcher) Dispatch(ctx context.Context, req *protocol.Request) (resp *protocol.Response) {
	slog.Debug(fmt.Sprintf("%s - operation=%s conn=%s", logPrefix, req.Operation, d.id))

	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - handler %s panicked: %v", logPrefix, req.Operation, r))
			resp = protocol.Fail(protocol.StatusError, "")
		}
	}()

	handler := d.handlerFor(req.Operation)
	if handler == nil {
		return protocol.Fail(protocol.StatusBadRequest, fmt.Sprintf("Operación no soportada: %s", req.Operation))
	}
	if req.Fields == nil {
		req.Fields = protocol.Fields{}
	}
	if req.Operation.RequiresAuth() {
		if denied := d.authorize(ctx, req); denied != nil {
			return denied
		}
	}
	return handler(ctx, req)
}

func (d *Dispatcher) handlerFor(op protocol.Operation) handlerFunc {
	switch op {
	case protocol.OpRegister:
		return d.handleRegister
	case protocol.OpLogin:
		return d.handleLogin
	case protocol.OpLogout:
		return d.handleLogout
	case protocol.OpPing:
		return d.handlePing
	case protocol.OpCreateGroup:
		return d.handleCreateGroup
	case protocol.OpCreateGroupWithInvites:
		return d.handleCreateGroupWithInvites
	case protocol.OpInviteToGroup:
		return d.handleInviteToGroup
	case protocol.OpAcceptInvite:
		return d.handleAcceptInvite
	case protocol.OpRejectInvite:
		return d.handleRejectInvite
	case protocol.OpPendingInvites:
		return d.handlePendingInvites
	case protocol.OpOnlineUsers:
		return d.handleOnlineUsers
	case protocol.OpAllUsers:
		return d.handleAllUsers
	case protocol.OpGroups:
		return d.handleGroups
	case protocol.OpGroupMembers:
		return d.handleGroupMembers
	case protocol.OpLeaveGroup:
		return d.handleLeaveGroup
	case protocol.OpSendMessage:
		return d.handleSendMessage
	case protocol.OpSendGroupMessage:
		return d.handleSendGroupMessage
	case protocol.OpSendAudio:
		return d.handleSendAudio
	case protocol.OpPrivateHistory:
		return d.handlePrivateHistory
	case protocol.OpGroupHistory:
		return d.handleGroupHistory
	default:
		return nil
	}
}

// authorize checks that the connection is logged in and its session is
// still registered. A connection that is not logged in may present the
// token of a live session to resume it, which brings the user back online
// as LOGIN does.
func (d *Dispatcher) authorize(ctx context.Context, req *protocol.Request) *protocol.Response {
	if _, _, ok := d.Identity(); ok {
		if _, valid := d.svc.Sessions.Validate(d.sessionToken()); valid {
			return nil
		}
		slog.Info(fmt.Sprintf("%s - session of connection %s expired", logPrefix, d.id))
		d.clearIdentity()
		return protocol.Fail(protocol.StatusUnauthorized, "Sesión expirada")
	}

	if req.SessionToken == "" {
		return protocol.Fail(protocol.StatusUnauthorized, "")
	}
	if _, valid := d.svc.Sessions.Validate(req.SessionToken); !valid {
		return protocol.Fail(protocol.StatusUnauthorized, "")
	}
	s, ok := d.svc.Sessions.Lookup(req.SessionToken)
	if !ok {
		return protocol.Fail(protocol.StatusUnauthorized, "")
	}
	if err := d.svc.Store.SetOnline(ctx, s.UserID, true); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to mark %s online: %v", logPrefix, s.Username, err))
	}
	d.bindSession(ctx, s)
	slog.Info(fmt.Sprintf("%s - connection %s resumed session of %s", logPrefix, d.id, s.Username))
	return nil
}

// Push sends an unsolicited notification on this connection.
func (d *Dispatcher) Push(_ context.Context, n *protocol.Response) error {
	env, err := protocol.NewNotificationEnvelope(n)
	if err != nil {
		return err
	}
	return d.stream.WriteEnvelope(env)
}

// Kick tells the client why it is being dropped and closes the stream. The
// Serve loop then runs the normal disconnect path.
func (d *Dispatcher) Kick(reason string) {
	d.kickOnce.Do(func() {
		if err := d.Push(context.Background(), protocol.ForcedDisconnectNotification(reason)); err != nil {
			slog.Debug(fmt.Sprintf("%s - kick notice to %s not delivered: %v", logPrefix, d.id, err))
		}
		_ = d.stream.Close()
	})
}

// disconnect releases the connection exactly once.
func (d *Dispatcher) disconnect() {
	d.disconnectOnce.Do(func() {
		userID, username, wasAuthed := d.Identity()
		d.mu.RLock()
		storedOffline := d.presenceCleared
		d.mu.RUnlock()
		d.svc.Router.Unregister(d)
		_ = d.stream.Close()

		slog.Debug(fmt.Sprintf("%s - connection %s closed after %s", logPrefix, d.id, time.Since(d.connectedAt).Round(time.Millisecond)))
		if !wasAuthed || d.svc.Router.IsOnline(userID) {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if !storedOffline {
			if err := d.svc.Store.SetOnline(ctx, userID, false); err != nil {
				slog.Warn(fmt.Sprintf("%s - failed to mark %s offline: %v", logPrefix, username, err))
			}
		}
		d.svc.Router.BroadcastToAllUsers(ctx, protocol.PresenceChangedNotification(), userID)

		ev := events.NewChatEvent(events.UserOffline)
		ev.UserID = userID
		ev.Username = username
		d.publish(ctx, ev)
	})
}

func (d *Dispatcher) publish(ctx context.Context, ev *events.ChatEvent) {
	if err := d.svc.Publisher.Publish(ctx, ev); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to publish %s: %v", logPrefix, ev.Type, err))
	}
}
