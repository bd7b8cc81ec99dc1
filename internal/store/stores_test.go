package store

import (
	"context"
	"errors"
	"testing"
)

func TestStores_PingAndClose(t *testing.T) {
	var s Stores
	down := errors.New("down")
	s.OnPing("ok", func(context.Context) error { return nil })
	s.OnPing("bad", func(context.Context) error { return down })

	got := s.Ping(context.Background())
	if len(got) != 2 || got["ok"] != nil || !errors.Is(got["bad"], down) {
		t.Errorf("Ping() = %v", got)
	}

	var order []string
	s.OnClose(func() error { order = append(order, "first"); return nil })
	s.OnClose(func() error { order = append(order, "second"); return down })
	if err := s.Close(); !errors.Is(err, down) {
		t.Errorf("Close() = %v, want %v", err, down)
	}
	if len(order) != 2 || order[0] != "second" {
		t.Errorf("close order = %v, want reverse registration", order)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
}
