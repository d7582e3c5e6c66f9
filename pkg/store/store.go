// Package store defines the persistence collaborators used by the chat core.
//
// Getters return (nil, nil) when the record does not exist. Unique
// constraint violations surface as ErrDuplicate.
package store

import (
	"context"
	"errors"
)

var (
	// ErrDuplicate is returned when a create would violate a uniqueness rule.
	ErrDuplicate = errors.New("store: duplicate record")
	// ErrNotFound is returned by mutations that target a missing record.
	ErrNotFound = errors.New("store: record not found")
)

// UserStore persists accounts and their presence flag.
type UserStore interface {
	CreateUser(ctx context.Context, params NewUser) (*User, error)
	GetUserByID(ctx context.Context, id int64) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	SetOnline(ctx context.Context, userID int64, online bool) error
}

// ChannelStore persists channels and their membership.
type ChannelStore interface {
	// CreateChannel creates the channel and adds its owner as the first member.
	CreateChannel(ctx context.Context, params NewChannel) (*Channel, error)
	GetChannel(ctx context.Context, id int64) (*Channel, error)
	ListChannels(ctx context.Context) ([]Channel, error)
	ListChannelsForUser(ctx context.Context, userID int64) ([]Channel, error)
	AddMember(ctx context.Context, channelID, userID int64) error
	RemoveMember(ctx context.Context, channelID, userID int64) error
	IsMember(ctx context.Context, channelID, userID int64) (bool, error)
	ListMemberIDs(ctx context.Context, channelID int64) ([]int64, error)
	ListMembers(ctx context.Context, channelID int64) ([]User, error)
}

// InvitationStore persists channel invitations.
type InvitationStore interface {
	// CreateInvitation fails with ErrDuplicate if a pending invitation for the
	// same channel and invitee already exists.
	CreateInvitation(ctx context.Context, channelID, inviterID, inviteeID int64) (*Invitation, error)
	GetInvitation(ctx context.Context, id int64) (*Invitation, error)
	ListPendingInvitations(ctx context.Context, inviteeID int64) ([]InvitationDetail, error)
	// AcceptInvitation marks the invitation accepted and adds the invitee to
	// the channel in one step.
	AcceptInvitation(ctx context.Context, id int64) error
	RejectInvitation(ctx context.Context, id int64) error
}

// MessageStore persists chat messages.
type MessageStore interface {
	SaveMessage(ctx context.Context, params NewMessage) (*Message, error)
	// PrivateHistory returns the most recent limit messages between two users, oldest first.
	PrivateHistory(ctx context.Context, userA, userB int64, limit int) ([]Message, error)
	// ChannelHistory returns the most recent limit messages of a channel, oldest first.
	ChannelHistory(ctx context.Context, channelID int64, limit int) ([]Message, error)
}

// Store bundles every collaborator.
type Store interface {
	UserStore
	ChannelStore
	InvitationStore
	MessageStore
}
