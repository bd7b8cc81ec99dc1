package memory

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
)

func msgAt(id string, ts time.Time) bus.Message {
	m := bus.NewText(id)
	m.ID = id
	m.Timestamp = ts
	return m
}

func ids(msgs []bus.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestPending_OrderAndCutoff(t *testing.T) {
	s := NewPendingStore()
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	_ = s.Append(ctx, "c1", msgAt("m3", base.Add(2*time.Second)))
	_ = s.Append(ctx, "c1", msgAt("m1", base), msgAt("m2", base))

	all, _ := s.Range(ctx, "c1", time.Time{})
	if got, want := ids(all), []string{"m1", "m2", "m3"}; !equal(got, want) {
		t.Errorf("Range(all) = %v, want %v", got, want)
	}

	early, _ := s.Range(ctx, "c1", base.Add(time.Second))
	if got, want := ids(early), []string{"m1", "m2"}; !equal(got, want) {
		t.Errorf("Range(cutoff) = %v, want %v", got, want)
	}

	n, _ := s.RemoveUpTo(ctx, "c1", base.Add(time.Second))
	if n != 2 {
		t.Errorf("RemoveUpTo removed %d, want 2", n)
	}
	rest, _ := s.Range(ctx, "c1", time.Time{})
	if got, want := ids(rest), []string{"m3"}; !equal(got, want) {
		t.Errorf("after RemoveUpTo = %v, want %v", got, want)
	}
}

func TestPending_RemoveExact(t *testing.T) {
	s := NewPendingStore()
	ctx := context.Background()
	now := time.Now()
	_ = s.Append(ctx, "c1", msgAt("a", now), msgAt("b", now))

	if err := s.Remove(ctx, "c1", "a"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Range(ctx, "c1", time.Time{})
	if !equal(ids(got), []string{"b"}) {
		t.Errorf("after Remove(a) = %v, want [b]", ids(got))
	}
}

func TestPending_RejectsMissingID(t *testing.T) {
	s := NewPendingStore()
	if err := s.Append(context.Background(), "c1", bus.NewText("x")); err == nil {
		t.Error("Append without id: want error")
	}
}

func TestMessages_ListLimit(t *testing.T) {
	s := NewMessageStore()
	ctx := context.Background()
	for _, id := range []string{"1", "2", "3"} {
		m := bus.NewText(id)
		m.ID, m.ConversationID = id, "c"
		_ = s.Append(ctx, m)
	}
	got, _ := s.List(ctx, "c", 2)
	if !equal(ids(got), []string{"2", "3"}) {
		t.Errorf("List(2) = %v, want [2 3]", ids(got))
	}
}
