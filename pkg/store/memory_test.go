package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func mustUser(t *testing.T, s *MemoryStore, name string) *User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), NewUser{Username: name, Email: name + "@example.com", PasswordHash: "x"})
	if err != nil {
		t.Fatalf("store:memory_test - CreateUser(%s): %v", name, err)
	}
	return u
}

func TestMemoryStore_Users(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	alice := mustUser(t, s, "alice")

	if _, err := s.CreateUser(ctx, NewUser{Username: "alice"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("store:memory_test - expected ErrDuplicate, got %v", err)
	}

	got, err := s.GetUserByUsername(ctx, "alice")
	if err != nil || got == nil || got.ID != alice.ID {
		t.Fatalf("store:memory_test - GetUserByUsername: %v %v", got, err)
	}
	missing, err := s.GetUserByUsername(ctx, "nobody")
	if err != nil || missing != nil {
		t.Fatalf("store:memory_test - expected (nil, nil) for unknown user, got %v %v", missing, err)
	}

	if err := s.SetOnline(ctx, alice.ID, true); err != nil {
		t.Fatalf("store:memory_test - SetOnline: %v", err)
	}
	got, _ = s.GetUserByID(ctx, alice.ID)
	if !got.Online {
		t.Error("store:memory_test - expected alice online")
	}
	if err := s.SetOnline(ctx, 999, true); !errors.Is(err, ErrNotFound) {
		t.Errorf("store:memory_test - expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ChannelsAndInvitations(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	alice := mustUser(t, s, "alice")
	bob := mustUser(t, s, "bob")

	ch, err := s.CreateChannel(ctx, NewChannel{Name: "general", Description: "todo", OwnerID: alice.ID})
	if err != nil {
		t.Fatalf("store:memory_test - CreateChannel: %v", err)
	}
	if ok, _ := s.IsMember(ctx, ch.ID, alice.ID); !ok {
		t.Fatal("store:memory_test - owner must be a member")
	}

	inv, err := s.CreateInvitation(ctx, ch.ID, alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("store:memory_test - CreateInvitation: %v", err)
	}
	if _, err := s.CreateInvitation(ctx, ch.ID, alice.ID, bob.ID); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("store:memory_test - expected ErrDuplicate for second pending invite, got %v", err)
	}

	pending, _ := s.ListPendingInvitations(ctx, bob.ID)
	if len(pending) != 1 || pending[0].ChannelName != "general" || pending[0].InviterUsername != "alice" {
		t.Fatalf("store:memory_test - unexpected pending invitations %+v", pending)
	}

	if err := s.AcceptInvitation(ctx, inv.ID); err != nil {
		t.Fatalf("store:memory_test - AcceptInvitation: %v", err)
	}
	ids, _ := s.ListMemberIDs(ctx, ch.ID)
	if len(ids) != 2 {
		t.Fatalf("store:memory_test - expected 2 members, got %v", ids)
	}
	if pending, _ := s.ListPendingInvitations(ctx, bob.ID); len(pending) != 0 {
		t.Errorf("store:memory_test - accepted invitation still pending")
	}

	groups, _ := s.ListChannelsForUser(ctx, bob.ID)
	if len(groups) != 1 || groups[0].ID != ch.ID {
		t.Errorf("store:memory_test - expected bob in general, got %+v", groups)
	}

	if err := s.RemoveMember(ctx, ch.ID, bob.ID); err != nil {
		t.Fatalf("store:memory_test - RemoveMember: %v", err)
	}
	if err := s.RemoveMember(ctx, ch.ID, bob.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("store:memory_test - expected ErrNotFound on second remove, got %v", err)
	}
}

func TestMemoryStore_History(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	alice := mustUser(t, s, "alice")
	bob := mustUser(t, s, "bob")
	carol := mustUser(t, s, "carol")

	for i := 0; i < 5; i++ {
		if _, err := s.SaveMessage(ctx, NewMessage{Kind: MessageText, SenderID: alice.ID, RecipientID: bob.ID, Content: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("store:memory_test - SaveMessage: %v", err)
		}
	}
	_, _ = s.SaveMessage(ctx, NewMessage{Kind: MessageText, SenderID: carol.ID, RecipientID: bob.ID, Content: "other"})

	hist, _ := s.PrivateHistory(ctx, bob.ID, alice.ID, 3)
	if len(hist) != 3 {
		t.Fatalf("store:memory_test - expected 3 messages, got %d", len(hist))
	}
	if hist[0].Content != "m2" || hist[2].Content != "m4" {
		t.Errorf("store:memory_test - expected m2..m4 oldest first, got %s..%s", hist[0].Content, hist[2].Content)
	}
	if hist[0].SenderUsername != "alice" {
		t.Errorf("store:memory_test - expected sender username alice, got %s", hist[0].SenderUsername)
	}
}
