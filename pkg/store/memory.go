package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. It backs tests and STORE_DRIVER=memory.
type MemoryStore struct {
	mu sync.RWMutex

	nextID      int64
	users       map[int64]*User
	byUsername  map[string]int64
	channels    map[int64]*Channel
	members     map[int64]map[int64]struct{}
	invitations map[int64]*Invitation
	messages    []Message
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[int64]*User),
		byUsername:  make(map[string]int64),
		channels:    make(map[int64]*Channel),
		members:     make(map[int64]map[int64]struct{}),
		invitations: make(map[int64]*Invitation),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *MemoryStore) CreateUser(_ context.Context, params NewUser) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byUsername[params.Username]; ok {
		return nil, ErrDuplicate
	}
	u := &User{
		ID:           m.id(),
		Username:     params.Username,
		Email:        params.Email,
		PasswordHash: params.PasswordHash,
		IPAddress:    params.IPAddress,
		Photo:        params.Photo,
		Created:      time.Now().UTC(),
	}
	m.users[u.ID] = u
	m.byUsername[u.Username] = u.ID
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetUserByID(_ context.Context, id int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	m.mu.RLock()
	id, ok := m.byUsername[username]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return m.GetUserByID(ctx, id)
}

func (m *MemoryStore) ListUsers(_ context.Context) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (m *MemoryStore) SetOnline(_ context.Context, userID int64, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Online = online
	return nil
}

func (m *MemoryStore) CreateChannel(_ context.Context, params NewChannel) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[params.OwnerID]; !ok {
		return nil, ErrNotFound
	}
	c := &Channel{
		ID:          m.id(),
		Name:        params.Name,
		Description: params.Description,
		Photo:       params.Photo,
		OwnerID:     params.OwnerID,
		Created:     time.Now().UTC(),
	}
	m.channels[c.ID] = c
	m.members[c.ID] = map[int64]struct{}{params.OwnerID: {}}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetChannel(_ context.Context, id int64) (*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.channels[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ListChannels(_ context.Context) ([]Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Channel, 0, len(m.channels))
	for _, c := range m.channels {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListChannelsForUser(_ context.Context, userID int64) ([]Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Channel
	for id, set := range m.members {
		if _, ok := set[userID]; ok {
			out = append(out, *m.channels[id])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) AddMember(_ context.Context, channelID, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addMemberLocked(channelID, userID)
}

func (m *MemoryStore) addMemberLocked(channelID, userID int64) error {
	set, ok := m.members[channelID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := m.users[userID]; !ok {
		return ErrNotFound
	}
	set[userID] = struct{}{}
	return nil
}

func (m *MemoryStore) RemoveMember(_ context.Context, channelID, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.members[channelID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := set[userID]; !ok {
		return ErrNotFound
	}
	delete(set, userID)
	return nil
}

func (m *MemoryStore) IsMember(_ context.Context, channelID, userID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.members[channelID][userID]
	return ok, nil
}

func (m *MemoryStore) ListMemberIDs(_ context.Context, channelID int64) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.members[channelID]
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *MemoryStore) ListMembers(ctx context.Context, channelID int64) ([]User, error) {
	ids, _ := m.ListMemberIDs(ctx, channelID)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]User, 0, len(ids))
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateInvitation(_ context.Context, channelID, inviterID, inviteeID int64) (*Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[channelID]; !ok {
		return nil, ErrNotFound
	}
	for _, inv := range m.invitations {
		if inv.ChannelID == channelID && inv.InviteeID == inviteeID && inv.Status == InvitationPending {
			return nil, ErrDuplicate
		}
	}
	inv := &Invitation{
		ID:        m.id(),
		ChannelID: channelID,
		InviterID: inviterID,
		InviteeID: inviteeID,
		Status:    InvitationPending,
		Created:   time.Now().UTC(),
	}
	m.invitations[inv.ID] = inv
	cp := *inv
	return &cp, nil
}

func (m *MemoryStore) GetInvitation(_ context.Context, id int64) (*Invitation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invitations[id]
	if !ok {
		return nil, nil
	}
	cp := *inv
	return &cp, nil
}

func (m *MemoryStore) ListPendingInvitations(_ context.Context, inviteeID int64) ([]InvitationDetail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []InvitationDetail
	for _, inv := range m.invitations {
		if inv.InviteeID != inviteeID || inv.Status != InvitationPending {
			continue
		}
		d := InvitationDetail{Invitation: *inv}
		if c, ok := m.channels[inv.ChannelID]; ok {
			d.ChannelName = c.Name
			d.ChannelDescription = c.Description
			d.ChannelPhoto = c.Photo
		}
		if u, ok := m.users[inv.InviterID]; ok {
			d.InviterUsername = u.Username
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) AcceptInvitation(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invitations[id]
	if !ok {
		return ErrNotFound
	}
	if err := m.addMemberLocked(inv.ChannelID, inv.InviteeID); err != nil {
		return err
	}
	inv.Status = InvitationAccepted
	return nil
}

func (m *MemoryStore) RejectInvitation(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invitations[id]
	if !ok {
		return ErrNotFound
	}
	inv.Status = InvitationRejected
	return nil
}

func (m *MemoryStore) SaveMessage(_ context.Context, params NewMessage) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sender, ok := m.users[params.SenderID]
	if !ok {
		return nil, ErrNotFound
	}
	msg := Message{
		ID:              m.id(),
		Kind:            params.Kind,
		SenderID:        params.SenderID,
		SenderUsername:  sender.Username,
		RecipientID:     params.RecipientID,
		ChannelID:       params.ChannelID,
		Content:         params.Content,
		Audio:           params.Audio,
		AudioFormat:     params.AudioFormat,
		DurationSeconds: params.DurationSeconds,
		Created:         time.Now().UTC(),
	}
	m.messages = append(m.messages, msg)
	return &msg, nil
}

func (m *MemoryStore) PrivateHistory(_ context.Context, userA, userB int64, limit int) ([]Message, error) {
	return m.history(limit, func(msg *Message) bool {
		if msg.ChannelID != 0 {
			return false
		}
		return (msg.SenderID == userA && msg.RecipientID == userB) ||
			(msg.SenderID == userB && msg.RecipientID == userA)
	}), nil
}

func (m *MemoryStore) ChannelHistory(_ context.Context, channelID int64, limit int) ([]Message, error) {
	return m.history(limit, func(msg *Message) bool { return msg.ChannelID == channelID }), nil
}

// history walks newest to oldest and returns the match oldest first.
func (m *MemoryStore) history(limit int, match func(*Message) bool) []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Message
	for i := len(m.messages) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if match(&m.messages[i]) {
			out = append(out, m.messages[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
