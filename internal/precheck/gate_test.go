package precheck

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
	"github.com/nextlevelbuilder/deskgate/internal/store"
)

func TestCheck(t *testing.T) {
	vip := bus.User{Type: bus.UserTypeUser, ID: "v", IsVIP: true}
	plain := bus.User{Type: bus.UserTypeUser, ID: "p"}

	tests := []struct {
		name   string
		rules  Rules
		text   string
		status store.Status
		user   bus.User
		want   Result
	}{
		{"keyword", Rules{TransferKeywords: []string{"转人工"}}, "我要转人工", store.StatusPending, plain,
			Result{ActionTransferHuman, ReasonKeywordMatch}},
		{"no match", Rules{TransferKeywords: []string{"转人工"}}, "你好", store.StatusPending, plain,
			Result{Action: ActionContinue}},
		{"already queued", Rules{TransferKeywords: []string{"转人工"}}, "我要转人工", store.StatusHumanQueueing, plain,
			Result{ActionIgnore, ReasonHumanActive}},
		{"with human", Rules{}, "hello", store.StatusHuman, plain,
			Result{ActionIgnore, ReasonHumanActive}},
		{"vip policy", Rules{VIPDirectTransfer: true}, "hello", store.StatusPending, vip,
			Result{ActionTransferHuman, ReasonVIPPolicy}},
		{"vip policy off", Rules{}, "hello", store.StatusPending, vip,
			Result{Action: ActionContinue}},
		{"blank keyword ignored", Rules{TransferKeywords: []string{"  "}}, "hello", store.StatusPending, plain,
			Result{Action: ActionContinue}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(tt.rules)
			conv := &store.ConversationData{Status: tt.status, User: tt.user}
			got := g.Check([]bus.Message{bus.NewText(tt.text)}, conv)
			if got != tt.want {
				t.Errorf("Check(%q) = %+v, want %+v", tt.text, got, tt.want)
			}
		})
	}
}

func TestCheck_OnlyFirstMessageText(t *testing.T) {
	g := NewGate(Rules{TransferKeywords: []string{"人工"}})
	conv := &store.ConversationData{Status: store.StatusPending}
	got := g.Check([]bus.Message{bus.NewText("你好"), bus.NewText("人工")}, conv)
	if got.Action != ActionContinue {
		t.Errorf("keyword in second message: got %+v, want continue", got)
	}
}

func TestWatcher_Reloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json5")
	if err := os.WriteFile(path, []byte(`{transfer_keywords: ["a"]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := LoadRules(path)
	if err != nil {
		t.Fatal(err)
	}
	g := NewGate(r)

	w, err := NewWatcher(g, path)
	if err != nil {
		t.Fatal(err)
	}
	w.debounce = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	if err := os.WriteFile(path, []byte(`{transfer_keywords: ["b", "c"], vip_direct_transfer: true}`), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := g.Rules(); len(got.TransferKeywords) == 2 && got.VIPDirectTransfer {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("rules not reloaded: %+v", g.Rules())
}
