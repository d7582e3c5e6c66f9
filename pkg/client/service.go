package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/morezero/chatcore/pkg/protocol"
)

const serviceLogPrefix = "client:service"

// Service offers one typed method per server operation on top of an Adapter.
// It remembers the session of the last successful login and attaches its
// token to every request. Failed operations return a *ServiceError; timeouts
// and lost connections surface as the adapter's errors.
type Service struct {
	adapter *Adapter

	mu      sync.RWMutex
	session *LoginResult
}

// NewService wraps adapter.
func NewService(adapter *Adapter) *Service {
	return &Service{adapter: adapter}
}

// Adapter returns the underlying adapter.
func (s *Service) Adapter() *Adapter { return s.adapter }

// Session returns the current login, or nil.
func (s *Service) Session() *LoginResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return nil
	}
	cp := *s.session
	return &cp
}

func (s *Service) call(ctx context.Context, op protocol.Operation, fields protocol.Fields) (protocol.Fields, error) {
	req := protocol.NewRequest(op, fields)
	s.mu.RLock()
	if s.session != nil {
		req.SessionToken = s.session.SessionToken
		req.UserID = s.session.UserID
	}
	s.mu.RUnlock()

	resp, err := s.adapter.SendRequest(ctx, req, 0)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		slog.Debug(fmt.Sprintf("%s - %s rejected: %s %s", serviceLogPrefix, op, resp.Status, resp.Message))
		return nil, &ServiceError{Operation: op, Status: resp.Status, Message: resp.Message}
	}
	if resp.Fields == nil {
		return protocol.Fields{}, nil
	}
	return resp.Fields, nil
}

// Register creates an account and returns its user id.
func (s *Service) Register(ctx context.Context, p RegisterParams) (int64, error) {
	f, err := s.call(ctx, protocol.OpRegister, protocol.Fields{
		protocol.FieldUsername:  p.Username,
		protocol.FieldEmail:     p.Email,
		protocol.FieldPassword:  p.Password,
		protocol.FieldIPAddress: p.IPAddress,
		protocol.FieldPhoto:     p.Photo,
	})
	if err != nil {
		return 0, err
	}
	return f.OptInt64(protocol.FieldUserID, 0), nil
}

// Login authenticates the connection and remembers the session.
func (s *Service) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	f, err := s.call(ctx, protocol.OpLogin, protocol.Fields{
		protocol.FieldUsername:      username,
		protocol.FieldPassword:      password,
		protocol.FieldClientVersion: protocol.Version,
	})
	if err != nil {
		return nil, err
	}
	res := &LoginResult{
		SessionToken: f.OptString(protocol.FieldSessionToken),
		UserID:       f.OptInt64(protocol.FieldUserID, 0),
		Username:     f.OptString(protocol.FieldUsername),
		Email:        f.OptString(protocol.FieldEmail),
	}
	s.mu.Lock()
	s.session = res
	s.mu.Unlock()
	cp := *res
	return &cp, nil
}

// Logout ends the session. The server closes the connection afterwards, so
// the adapter is disconnected too.
func (s *Service) Logout(ctx context.Context) error {
	s.adapter.expectClose()
	_, err := s.call(ctx, protocol.OpLogout, nil)
	s.mu.Lock()
	s.session = nil
	s.mu.Unlock()
	s.adapter.Disconnect()
	return err
}

// Ping returns the server clock.
func (s *Service) Ping(ctx context.Context) (time.Time, error) {
	f, err := s.call(ctx, protocol.OpPing, nil)
	if err != nil {
		return time.Time{}, err
	}
	return f.Time(protocol.FieldServerTime), nil
}

func groupFields(p GroupParams) protocol.Fields {
	return protocol.Fields{
		protocol.FieldName:        p.Name,
		protocol.FieldDescription: p.Description,
		protocol.FieldPhoto:       p.Photo,
	}
}

func inviteResultFrom(f protocol.Fields) *InviteResult {
	sent, _ := f.StringList(protocol.FieldInvitationsSent)
	notFound, _ := f.StringList(protocol.FieldUsersNotFound)
	return &InviteResult{
		ChannelID: f.OptInt64(protocol.FieldChannelID, 0),
		Sent:      sent,
		NotFound:  notFound,
	}
}

// CreateGroup creates a channel owned by the caller and returns its id.
func (s *Service) CreateGroup(ctx context.Context, p GroupParams) (int64, error) {
	f, err := s.call(ctx, protocol.OpCreateGroup, groupFields(p))
	if err != nil {
		return 0, err
	}
	return f.OptInt64(protocol.FieldChannelID, 0), nil
}

// CreateGroupWithInvites creates a channel and invites usernames to it.
func (s *Service) CreateGroupWithInvites(ctx context.Context, p GroupParams, usernames []string) (*InviteResult, error) {
	fields := groupFields(p)
	fields[protocol.FieldInvitedUsers] = usernames
	f, err := s.call(ctx, protocol.OpCreateGroupWithInvites, fields)
	if err != nil {
		return nil, err
	}
	return inviteResultFrom(f), nil
}

// InviteToGroup invites usernames to an existing channel.
func (s *Service) InviteToGroup(ctx context.Context, channelID int64, usernames []string) (*InviteResult, error) {
	f, err := s.call(ctx, protocol.OpInviteToGroup, protocol.Fields{
		protocol.FieldChannelID:    channelID,
		protocol.FieldInvitedUsers: usernames,
	})
	if err != nil {
		return nil, err
	}
	return inviteResultFrom(f), nil
}

// AcceptInvite joins the channel of invitationID. channelID of zero skips
// the channel check.
func (s *Service) AcceptInvite(ctx context.Context, invitationID, channelID int64) error {
	fields := protocol.Fields{protocol.FieldInvitationID: invitationID}
	if channelID != 0 {
		fields[protocol.FieldChannelID] = channelID
	}
	_, err := s.call(ctx, protocol.OpAcceptInvite, fields)
	return err
}

func (s *Service) RejectInvite(ctx context.Context, invitationID int64) error {
	_, err := s.call(ctx, protocol.OpRejectInvite, protocol.Fields{protocol.FieldInvitationID: invitationID})
	return err
}

func (s *Service) PendingInvites(ctx context.Context) ([]Invitation, error) {
	f, err := s.call(ctx, protocol.OpPendingInvites, nil)
	if err != nil {
		return nil, err
	}
	return listOf(f, protocol.FieldInvitations, invitationFrom), nil
}

func (s *Service) OnlineUsers(ctx context.Context) ([]User, error) {
	f, err := s.call(ctx, protocol.OpOnlineUsers, nil)
	if err != nil {
		return nil, err
	}
	return listOf(f, protocol.FieldUsers, userFrom), nil
}

func (s *Service) AllUsers(ctx context.Context) ([]User, error) {
	f, err := s.call(ctx, protocol.OpAllUsers, nil)
	if err != nil {
		return nil, err
	}
	return listOf(f, protocol.FieldUsers, userFrom), nil
}

// Groups lists the channels the caller belongs to.
func (s *Service) Groups(ctx context.Context) ([]Group, error) {
	f, err := s.call(ctx, protocol.OpGroups, nil)
	if err != nil {
		return nil, err
	}
	return listOf(f, protocol.FieldGroups, groupFrom), nil
}

func (s *Service) GroupMembers(ctx context.Context, channelID int64) ([]User, error) {
	f, err := s.call(ctx, protocol.OpGroupMembers, protocol.Fields{protocol.FieldChannelID: channelID})
	if err != nil {
		return nil, err
	}
	return listOf(f, protocol.FieldMembers, userFrom), nil
}

func (s *Service) LeaveGroup(ctx context.Context, channelID int64) error {
	_, err := s.call(ctx, protocol.OpLeaveGroup, protocol.Fields{protocol.FieldChannelID: channelID})
	return err
}

// SendMessage sends a direct text message to username.
func (s *Service) SendMessage(ctx context.Context, username, content string) (*Delivery, error) {
	f, err := s.call(ctx, protocol.OpSendMessage, protocol.Fields{
		protocol.FieldDestination: username,
		protocol.FieldContent:     content,
	})
	if err != nil {
		return nil, err
	}
	return &Delivery{
		MessageID: f.OptInt64(protocol.FieldMessageID, 0),
		Delivered: f.Bool(protocol.FieldDelivered),
	}, nil
}

// SendGroupMessage posts content to a channel. The caller does not receive
// the message back as a notification.
func (s *Service) SendGroupMessage(ctx context.Context, channelID int64, content string) (*Delivery, error) {
	f, err := s.call(ctx, protocol.OpSendGroupMessage, protocol.Fields{
		protocol.FieldChannelID: channelID,
		protocol.FieldContent:   content,
	})
	if err != nil {
		return nil, err
	}
	return &Delivery{
		MessageID:  f.OptInt64(protocol.FieldMessageID, 0),
		Recipients: int(f.OptInt64(protocol.FieldDeliveredCount, 0)),
	}, nil
}

func audioFields(clip AudioClip) protocol.Fields {
	return protocol.Fields{
		protocol.FieldAudio:           clip.Data,
		protocol.FieldAudioFormat:     clip.Format,
		protocol.FieldDurationSeconds: clip.DurationSeconds,
	}
}

func (s *Service) SendAudio(ctx context.Context, username string, clip AudioClip) (*Delivery, error) {
	fields := audioFields(clip)
	fields[protocol.FieldDestination] = username
	f, err := s.call(ctx, protocol.OpSendAudio, fields)
	if err != nil {
		return nil, err
	}
	return &Delivery{
		MessageID: f.OptInt64(protocol.FieldMessageID, 0),
		Delivered: f.Bool(protocol.FieldDelivered),
	}, nil
}

func (s *Service) SendGroupAudio(ctx context.Context, channelID int64, clip AudioClip) (*Delivery, error) {
	fields := audioFields(clip)
	fields[protocol.FieldChannelID] = channelID
	f, err := s.call(ctx, protocol.OpSendAudio, fields)
	if err != nil {
		return nil, err
	}
	return &Delivery{
		MessageID:  f.OptInt64(protocol.FieldMessageID, 0),
		Recipients: int(f.OptInt64(protocol.FieldDeliveredCount, 0)),
	}, nil
}

// PrivateHistory returns up to limit messages exchanged with username,
// oldest first. limit <= 0 uses the server default.
func (s *Service) PrivateHistory(ctx context.Context, username string, limit int) ([]HistoryMessage, error) {
	fields := protocol.Fields{protocol.FieldDestination: username}
	if limit > 0 {
		fields[protocol.FieldLimit] = limit
	}
	f, err := s.call(ctx, protocol.OpPrivateHistory, fields)
	if err != nil {
		return nil, err
	}
	return listOf(f, protocol.FieldMessages, historyFrom), nil
}

func (s *Service) GroupHistory(ctx context.Context, channelID int64, limit int) ([]HistoryMessage, error) {
	fields := protocol.Fields{protocol.FieldChannelID: channelID}
	if limit > 0 {
		fields[protocol.FieldLimit] = limit
	}
	f, err := s.call(ctx, protocol.OpGroupHistory, fields)
	if err != nil {
		return nil, err
	}
	return listOf(f, protocol.FieldMessages, historyFrom), nil
}
