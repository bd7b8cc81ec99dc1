package file

import (
	"context"
	"errors"
	"testing"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
	"github.com/nextlevelbuilder/deskgate/internal/store"
)

func newConv(user string) *store.ConversationData {
	return &store.ConversationData{
		AppID:     "app",
		ChannelID: "web",
		User:      bus.User{Type: bus.UserTypeUser, ID: user},
	}
}

func TestCreateIfAbsent_ReturnsExistingOpen(t *testing.T) {
	s, err := NewConversationStore("")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	a, err := s.CreateIfAbsent(ctx, newConv("u1"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.CreateIfAbsent(ctx, newConv("u1"))
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID {
		t.Errorf("second CreateIfAbsent id = %q, want %q", b.ID, a.ID)
	}
	if a.Status != store.StatusPending {
		t.Errorf("status = %q, want pending", a.Status)
	}
}

func TestClosedConversationIsNotReused(t *testing.T) {
	s, _ := NewConversationStore("")
	ctx := context.Background()

	a, _ := s.CreateIfAbsent(ctx, newConv("u1"))
	a.Status = store.StatusClosed
	if err := s.Update(ctx, a); err != nil {
		t.Fatal(err)
	}
	if _, err := s.FindOpen(ctx, store.ConversationKey{AppID: "app", ChannelID: "web", User: a.User}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("FindOpen after close = %v, want ErrNotFound", err)
	}

	b, _ := s.CreateIfAbsent(ctx, newConv("u1"))
	if b.ID == a.ID {
		t.Error("closed conversation was reused")
	}
	old, err := s.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("closed conversation no longer readable: %v", err)
	}
	if old.Status != store.StatusClosed {
		t.Errorf("old status = %q, want closed", old.Status)
	}
}

func TestPersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := NewConversationStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	c, _ := s1.CreateIfAbsent(ctx, newConv("u2"))
	c.AgentConversationID = "coze-1"
	if err := s1.Update(ctx, c); err != nil {
		t.Fatal(err)
	}

	s2, err := NewConversationStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s2.FindOpen(ctx, store.ConversationKey{AppID: "app", ChannelID: "web", User: c.User})
	if err != nil {
		t.Fatalf("FindOpen after reload: %v", err)
	}
	if got.AgentConversationID != "coze-1" {
		t.Errorf("AgentConversationID = %q, want coze-1", got.AgentConversationID)
	}
}

func TestUpdateUnknown(t *testing.T) {
	s, _ := NewConversationStore("")
	err := s.Update(context.Background(), &store.ConversationData{ID: "nope"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Update(unknown) = %v, want ErrNotFound", err)
	}
}

func TestSetChannelConversationID_OpenOnly(t *testing.T) {
	s, _ := NewConversationStore("")
	ctx := context.Background()

	a, _ := s.CreateIfAbsent(ctx, newConv("u1"))
	if err := s.SetChannelConversationID(ctx, a.ID, "chat-9"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(ctx, a.ID)
	if got.ChannelConversationID != "chat-9" {
		t.Errorf("ChannelConversationID = %q, want chat-9", got.ChannelConversationID)
	}

	got.Status = store.StatusClosed
	if err := s.Update(ctx, got); err != nil {
		t.Fatal(err)
	}
	if err := s.SetChannelConversationID(ctx, a.ID, "chat-10"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("SetChannelConversationID on closed = %v, want ErrNotFound", err)
	}
	got.Status = store.StatusPending
	got.ClosedAt = nil
	if err := s.Update(ctx, got); !errors.Is(err, store.ErrClosed) {
		t.Errorf("Update reopening closed = %v, want ErrClosed", err)
	}
	if _, err := s.FindOpen(ctx, keyOf(got)); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("FindOpen after rejected reopen = %v, want ErrNotFound", err)
	}
}
