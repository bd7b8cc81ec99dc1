package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
)

func TestMemory_PublishSubscribeAck(t *testing.T) {
	q := NewMemory(Options{BlockTimeout: 20 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ev := bus.ConversationEvent{ID: "e1", ConversationID: "c1", Queue: bus.QueueInputs}
	if err := q.Publish(ctx, bus.QueueInputs, ev, 0); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := make(chan bus.ConversationEvent, 1)
	go q.Subscribe(ctx, bus.QueueInputs, JSONHandler(func(_ context.Context, e bus.ConversationEvent) error {
		got <- e
		return nil
	}))

	select {
	case e := <-got:
		if e.ID != "e1" || e.ConversationID != "c1" {
			t.Errorf("received %+v, want e1/c1", e)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for delivery")
	}
	time.Sleep(30 * time.Millisecond)
	if n := q.Len(bus.QueueInputs); n != 0 {
		t.Errorf("Len after ack = %d, want 0", n)
	}
}

func TestMemory_DelayIsLowerBound(t *testing.T) {
	q := NewMemory(Options{BlockTimeout: 10 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	if err := q.Publish(ctx, bus.QueueInputs, map[string]string{"k": "v"}, 150*time.Millisecond); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := make(chan time.Time, 1)
	go q.Subscribe(ctx, bus.QueueInputs, func(context.Context, *Delivery) error {
		got <- time.Now()
		return nil
	})

	select {
	case at := <-got:
		if elapsed := at.Sub(start); elapsed < 150*time.Millisecond {
			t.Errorf("delivered after %v, want >= 150ms", elapsed)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for delayed delivery")
	}
}

func TestMemory_NackRedelivers(t *testing.T) {
	q := NewMemory(Options{BlockTimeout: 10 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_ = q.Publish(ctx, bus.QueueOutputs, "x", 0)

	var mu sync.Mutex
	var attempts []int
	done := make(chan struct{})
	go q.Subscribe(ctx, bus.QueueOutputs, func(_ context.Context, d *Delivery) error {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, d.Attempt)
		if len(attempts) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("timed out waiting for redelivery")
	}
	mu.Lock()
	defer mu.Unlock()
	want := []int{0, 1, 2}
	for i, a := range want {
		if attempts[i] != a {
			t.Errorf("attempt[%d] = %d, want %d", i, attempts[i], a)
		}
	}
}

func TestMemory_PoisonDroppedWithoutRequeue(t *testing.T) {
	q := NewMemory(Options{BlockTimeout: 10 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_ = q.Publish(ctx, bus.QueueInputs, []byte("{not json"), 0)

	var mu sync.Mutex
	calls := 0
	h := JSONHandler(func(context.Context, bus.ConversationEvent) error {
		t.Error("typed handler must not run for undecodable payload")
		return nil
	})
	go q.Subscribe(ctx, bus.QueueInputs, func(c context.Context, d *Delivery) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return h(c, d)
	})
	<-ctx.Done()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("handler calls = %d, want 1 (poison must not be redelivered)", calls)
	}
	if n := q.Len(bus.QueueInputs); n != 0 {
		t.Errorf("Len = %d, want 0", n)
	}
}

func TestMemory_MaxAttemptsParksMessage(t *testing.T) {
	q := NewMemory(Options{BlockTimeout: 10 * time.Millisecond, MaxAttempts: 2})
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_ = q.Publish(ctx, bus.QueueInputs, "x", 0)
	var mu sync.Mutex
	calls := 0
	go q.Subscribe(ctx, bus.QueueInputs, func(context.Context, *Delivery) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("always fails")
	})
	<-ctx.Done()

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("handler calls = %d, want 2", calls)
	}
}

func TestMemory_PublishAfterClose(t *testing.T) {
	q := NewMemory(Options{})
	_ = q.Close()
	if err := q.Publish(context.Background(), bus.QueueInputs, "x", 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish after Close = %v, want ErrClosed", err)
	}
}
