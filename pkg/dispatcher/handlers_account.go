package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/morezero/chatcore/pkg/events"
	"github.com/morezero/chatcore/pkg/protocol"
	"github.com/morezero/chatcore/pkg/session"
	"github.com/morezero/chatcore/pkg/store"
)

var usernameRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,32}$`)

const minPasswordLength = 4

func (d *Dispatcher) handleRegister(ctx context.Context, req *protocol.Request) *protocol.Response {
	username, err := req.Fields.String(protocol.FieldUsername)
	if err != nil {
		return badRequest(err)
	}
	email, err := req.Fields.String(protocol.FieldEmail)
	if err != nil {
		return badRequest(err)
	}
	password, err := req.Fields.Text(protocol.FieldPassword)
	if err != nil {
		return badRequest(err)
	}
	if !usernameRegex.MatchString(username) {
		return protocol.Fail(protocol.StatusBadRequest,
			"El nombre de usuario debe tener entre 3 y 32 caracteres (letras, números, '.', '_' o '-')")
	}
	if !strings.Contains(email, "@") {
		return protocol.Fail(protocol.StatusBadRequest, "El email no es válido")
	}
	if len(password) < minPasswordLength {
		return protocol.Fail(protocol.StatusBadRequest,
			fmt.Sprintf("La contraseña debe tener al menos %d caracteres", minPasswordLength))
	}

	ip := req.Fields.OptString(protocol.FieldIPAddress)
	if ip == "" {
		ip = d.stream.RemoteAddr()
	}

	hash, err := d.svc.Hasher.Hash(password)
	if err != nil {
		return internalError(req.Operation, err)
	}
	user, err := d.svc.Store.CreateUser(ctx, store.NewUser{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		IPAddress:    ip,
		Photo:        req.Fields.OptString(protocol.FieldPhoto),
	})
	if errors.Is(err, store.ErrDuplicate) {
		return protocol.Fail(protocol.StatusConflict, "El nombre de usuario ya existe")
	}
	if err != nil {
		return internalError(req.Operation, err)
	}

	slog.Info(fmt.Sprintf("%s - Registered user %s (id=%d)", logPrefix, user.Username, user.ID))
	ev := events.NewChatEvent(events.UserRegistered)
	ev.UserID = user.ID
	ev.Username = user.Username
	d.publish(ctx, ev)

	return protocol.Created("Usuario registrado exitosamente", protocol.Fields{
		protocol.FieldUserID:   user.ID,
		protocol.FieldUsername: user.Username,
	})
}

func (d *Dispatcher) handleLogin(ctx context.Context, req *protocol.Request) *protocol.Response {
	if _, _, ok := d.Identity(); ok {
		return protocol.Fail(protocol.StatusConflict, "Ya hay una sesión iniciada en esta conexión")
	}
	username, err := req.Fields.String(protocol.FieldUsername)
	if err != nil {
		return badRequest(err)
	}
	password, err := req.Fields.Text(protocol.FieldPassword)
	if err != nil {
		return badRequest(err)
	}
	version := req.Fields.OptString(protocol.FieldClientVersion)
	if err := protocol.CheckClientVersion(version, d.svc.Limits.ClientVersionConstraint); err != nil {
		return protocol.Fail(protocol.StatusBadRequest, err.Error())
	}

	s, err := d.svc.Sessions.Login(ctx, username, password)
	if errors.Is(err, session.ErrInvalidCredentials) {
		slog.Info(fmt.Sprintf("%s - Rejected login for %s from %s", logPrefix, username, d.stream.RemoteAddr()))
		return protocol.Fail(protocol.StatusUnauthorized, err.Error())
	}
	if err != nil {
		return internalError(req.Operation, err)
	}

	d.bindSession(ctx, s)

	return protocol.OK("Login exitoso", protocol.Fields{
		protocol.FieldSessionToken: s.Token,
		protocol.FieldUserID:       s.UserID,
		protocol.FieldUsername:     s.Username,
		protocol.FieldEmail:        s.Email,
	})
}

// bindSession makes s the identity of this connection and announces the
// user as online. Older connections of the same user are kicked.
func (d *Dispatcher) bindSession(ctx context.Context, s *session.Session) {
	d.setIdentity(s)
	if kicked := d.svc.Router.KickUser(s.UserID, d.id, reasonOtherDevice); kicked > 0 {
		slog.Info(fmt.Sprintf("%s - Session of %s replaced %d older connection(s)", logPrefix, s.Username, kicked))
	}
	d.svc.Router.BroadcastToAllUsers(ctx, protocol.PresenceChangedNotification(), s.UserID)

	ev := events.NewChatEvent(events.UserOnline)
	ev.UserID = s.UserID
	ev.Username = s.Username
	d.publish(ctx, ev)
}

// handleLogout always succeeds; the Serve loop closes the connection after
// the reply is written. The registry marks the user offline, so disconnect
// only has to unregister and announce.
func (d *Dispatcher) handleLogout(ctx context.Context, _ *protocol.Request) *protocol.Response {
	if _, _, ok := d.Identity(); ok {
		if d.svc.Sessions.Logout(ctx, d.sessionToken()) {
			d.mu.Lock()
			d.presenceCleared = true
			d.mu.Unlock()
		}
	}
	return protocol.OK("Sesión cerrada", nil)
}

func (d *Dispatcher) handlePing(_ context.Context, _ *protocol.Request) *protocol.Response {
	return protocol.OK("pong", protocol.Fields{protocol.FieldServerTime: time.Now().UTC()})
}
