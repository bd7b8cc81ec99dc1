package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
)

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

func TestDebouncer_LastWriteWins(t *testing.T) {
	_, rc := newMiniRedis(t)
	debouncers := map[string]Debouncer{
		"memory": NewMemoryDebouncer(0),
		"redis":  NewRedisDebouncer(rc, 0),
	}

	for name, d := range debouncers {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			conv := "conv-" + name
			events := []bus.ConversationEvent{
				{ID: "e1", ConversationID: conv, Queue: bus.QueueInputs},
				{ID: "e2", ConversationID: conv, Queue: bus.QueueInputs},
				{ID: "e3", ConversationID: conv, Queue: bus.QueueInputs},
			}
			for _, ev := range events {
				if err := d.RecordLastEvent(ctx, ev); err != nil {
					t.Fatalf("RecordLastEvent(%s): %v", ev.ID, err)
				}
			}

			want := map[string]bool{"e1": false, "e2": false, "e3": true}
			for _, ev := range events {
				got, err := d.IsLastEvent(ctx, ev)
				if err != nil {
					t.Fatalf("IsLastEvent(%s): %v", ev.ID, err)
				}
				if got != want[ev.ID] {
					t.Errorf("IsLastEvent(%s) = %v, want %v", ev.ID, got, want[ev.ID])
				}
			}
		})
	}
}

func TestDebouncer_AbsentRecordCountsAsLast(t *testing.T) {
	_, rc := newMiniRedis(t)
	for name, d := range map[string]Debouncer{
		"memory": NewMemoryDebouncer(0),
		"redis":  NewRedisDebouncer(rc, 0),
	} {
		t.Run(name, func(t *testing.T) {
			ok, err := d.IsLastEvent(context.Background(), bus.ConversationEvent{ID: "x", ConversationID: "never-seen"})
			if err != nil || !ok {
				t.Errorf("IsLastEvent on empty record = (%v, %v), want (true, nil)", ok, err)
			}
		})
	}
}

func TestDebouncer_ScopedPerConversation(t *testing.T) {
	d := NewMemoryDebouncer(0)
	ctx := context.Background()
	_ = d.RecordLastEvent(ctx, bus.ConversationEvent{ID: "a1", ConversationID: "a"})
	_ = d.RecordLastEvent(ctx, bus.ConversationEvent{ID: "b1", ConversationID: "b"})

	if ok, _ := d.IsLastEvent(ctx, bus.ConversationEvent{ID: "a1", ConversationID: "a"}); !ok {
		t.Error("a1 should still be last for conversation a")
	}
}

func TestRedisDebouncer_UsesTTLKey(t *testing.T) {
	mr, rc := newMiniRedis(t)
	d := NewRedisDebouncer(rc, time.Hour)
	ev := bus.ConversationEvent{ID: "e9", ConversationID: "c9", Queue: bus.QueueInputs}
	if err := d.RecordLastEvent(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	key := "conversation_inputs-last:c9"
	got, err := mr.Get(key)
	if err != nil || got != "e9" {
		t.Fatalf("mr.Get(%q) = (%q, %v), want e9", key, got, err)
	}
	if ttl := mr.TTL(key); ttl != time.Hour {
		t.Errorf("TTL = %v, want 1h", ttl)
	}

	mr.FastForward(2 * time.Hour)
	ok, _ := d.IsLastEvent(context.Background(), bus.ConversationEvent{ID: "old", ConversationID: "c9", Queue: bus.QueueInputs})
	if !ok {
		t.Error("expired record should count as absent")
	}
}
