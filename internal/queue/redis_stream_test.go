package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
)

func streamLen(t *testing.T, rc *redis.Client, kind bus.QueueKind) int64 {
	t.Helper()
	n, err := rc.XLen(context.Background(), string(kind)).Result()
	if err != nil && err != redis.Nil {
		t.Fatalf("XLen: %v", err)
	}
	return n
}

// waitFor polls cond until it holds or a second elapses.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRedisStream_SubscribeDeliversAndAcks(t *testing.T) {
	_, rc := newMiniRedis(t)
	q := NewRedisStreamWithClient(rc, Options{BlockTimeout: 20 * time.Millisecond, StreamConsumer: "w1"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.Publish(ctx, bus.QueueInputs, bus.ConversationEvent{ID: "e1", ConversationID: "c1"}, 0); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := make(chan bus.ConversationEvent, 1)
	done := make(chan error, 1)
	go func() {
		done <- q.Subscribe(ctx, bus.QueueInputs, JSONHandler(func(_ context.Context, ev bus.ConversationEvent) error {
			got <- ev
			return nil
		}))
	}()

	select {
	case ev := <-got:
		if ev.ID != "e1" || ev.ConversationID != "c1" {
			t.Errorf("delivered %+v, want e1/c1", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	waitFor(t, "ack to delete the entry", func() bool { return streamLen(t, rc, bus.QueueInputs) == 0 })

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Subscribe returned %v after cancel", err)
	}
}

func TestRedisStream_NackRequeuesWithAttempt(t *testing.T) {
	_, rc := newMiniRedis(t)
	q := NewRedisStreamWithClient(rc, Options{BlockTimeout: 20 * time.Millisecond, StreamConsumer: "w1"})
	ctx := context.Background()

	if err := q.ensureGroup(ctx, bus.QueueOutputs); err != nil {
		t.Fatal(err)
	}
	if err := q.Publish(ctx, bus.QueueOutputs, map[string]string{"k": "v"}, 0); err != nil {
		t.Fatal(err)
	}
	first, err := q.receive(ctx, bus.QueueOutputs)
	if err != nil || len(first) != 1 {
		t.Fatalf("receive = %d deliveries, %v; want 1", len(first), err)
	}

	if err := q.Nack(ctx, first[0]); err != nil {
		t.Fatalf("Nack: %v", err)
	}
	if n := streamLen(t, rc, bus.QueueOutputs); n != 1 {
		t.Fatalf("stream len after nack = %d, want 1 (old entry deleted, copy added)", n)
	}

	again, err := q.receive(ctx, bus.QueueOutputs)
	if err != nil || len(again) != 1 {
		t.Fatalf("second receive = %d deliveries, %v; want 1", len(again), err)
	}
	if again[0].ID != first[0].ID || again[0].Attempt != 1 {
		t.Errorf("redelivery = (%s, attempt %d), want (%s, attempt 1)", again[0].ID, again[0].Attempt, first[0].ID)
	}
	if string(again[0].Body) != `{"k":"v"}` {
		t.Errorf("redelivered body = %s", again[0].Body)
	}

	if err := q.Ack(ctx, again[0]); err != nil {
		t.Fatal(err)
	}
	if n := streamLen(t, rc, bus.QueueOutputs); n != 0 {
		t.Errorf("stream len after ack = %d, want 0", n)
	}
}

func TestRedisStream_DelayedPromotion(t *testing.T) {
	mr, rc := newMiniRedis(t)
	q := NewRedisStreamWithClient(rc, Options{SweepBatch: 10})
	ctx := context.Background()

	if err := q.Publish(ctx, bus.QueueInputs, map[string]string{"later": "1"}, time.Hour); err != nil {
		t.Fatal(err)
	}
	if n := streamLen(t, rc, bus.QueueInputs); n != 0 {
		t.Fatalf("delayed publish reached the stream: len %d", n)
	}

	due, _ := json.Marshal(envelope{ID: "due-1", Body: json.RawMessage(`{}`)})
	mr.ZAdd(delayedKey(bus.QueueInputs), float64(time.Now().Add(-time.Second).UnixMilli()), string(due))

	n, err := q.promoteDue(ctx, bus.QueueInputs)
	if err != nil {
		t.Fatalf("promoteDue: %v", err)
	}
	if n != 1 {
		t.Errorf("promoted = %d, want 1", n)
	}
	if l := streamLen(t, rc, bus.QueueInputs); l != 1 {
		t.Errorf("stream len = %d, want 1", l)
	}
	rest, _ := mr.ZMembers(delayedKey(bus.QueueInputs))
	if len(rest) != 1 {
		t.Errorf("delayed remaining = %d, want 1", len(rest))
	}
}

func TestRedisStream_PoisonDropped(t *testing.T) {
	mr, rc := newMiniRedis(t)
	q := NewRedisStreamWithClient(rc, Options{
		BlockTimeout:   20 * time.Millisecond,
		StreamConsumer: "w1",
		PoisonToFinal:  true,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rc.XAdd(ctx, &redis.XAddArgs{
		Stream: string(bus.QueueInputs),
		Values: map[string]any{streamField: "garbage"},
	}).Err(); err != nil {
		t.Fatal(err)
	}

	called := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- q.Subscribe(ctx, bus.QueueInputs, JSONHandler(func(context.Context, bus.ConversationEvent) error {
			called <- struct{}{}
			return nil
		}))
	}()

	waitFor(t, "poison entry to be parked and acked", func() bool {
		dead, _ := mr.List(deadKey(bus.QueueInputs))
		return len(dead) == 1 && streamLen(t, rc, bus.QueueInputs) == 0
	})
	cancel()
	<-done

	select {
	case <-called:
		t.Error("handler ran for an undecodable entry")
	default:
	}
	dead, _ := mr.List(deadKey(bus.QueueInputs))
	if dead[0] != "garbage" {
		t.Errorf("dead list = %v, want the raw entry", dead)
	}
}

func TestRedisStream_ReclaimIdleEntries(t *testing.T) {
	_, rc := newMiniRedis(t)
	opts := Options{BlockTimeout: 20 * time.Millisecond, ClaimIdle: time.Millisecond}
	opts.StreamConsumer = "crashed"
	a := NewRedisStreamWithClient(rc, opts)
	opts.StreamConsumer = "live"
	b := NewRedisStreamWithClient(rc, opts)
	ctx := context.Background()

	if err := a.ensureGroup(ctx, bus.QueueInputs); err != nil {
		t.Fatal(err)
	}
	if err := a.Publish(ctx, bus.QueueInputs, map[string]string{"x": "1"}, 0); err != nil {
		t.Fatal(err)
	}
	taken, err := a.receive(ctx, bus.QueueInputs)
	if err != nil || len(taken) != 1 {
		t.Fatalf("receive = %d, %v; want 1", len(taken), err)
	}
	time.Sleep(10 * time.Millisecond)

	claimed, err := b.reclaim(ctx, bus.QueueInputs)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != taken[0].ID {
		t.Errorf("reclaimed %+v, want the unacked entry %s", claimed, taken[0].ID)
	}
}
