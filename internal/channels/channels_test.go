package channels

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
	"github.com/nextlevelbuilder/deskgate/internal/queue"
	"github.com/nextlevelbuilder/deskgate/internal/store/memory"
)

type fakeChannel struct {
	*BaseChannel
	log     []string
	sendErr error
}

func newFake(id string) *fakeChannel {
	return &fakeChannel{BaseChannel: NewBaseChannel(Config{ID: id, Type: "fake"})}
}

func (f *fakeChannel) VerifySignature(http.Header, []byte) error { return nil }
func (f *fakeChannel) ParseMessages(context.Context, http.Header, []byte) ([]bus.Message, error) {
	return nil, nil
}
func (f *fakeChannel) SendMessages(_ context.Context, _ bus.OutputBatch, msgs []bus.Message) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	texts := make([]string, len(msgs))
	for i, m := range msgs {
		texts[i] = m.Text()
	}
	f.log = append(f.log, "send:"+strings.Join(texts, "+"))
	return nil
}
func (f *fakeChannel) TransferToHumanQueuing(_ context.Context, _ bus.OutputBatch, ev bus.EventContent) error {
	f.log = append(f.log, "queue:"+ev.Reason)
	return nil
}
func (f *fakeChannel) CloseConversation(context.Context, bus.OutputBatch) error {
	f.log = append(f.log, "close")
	return nil
}
func (f *fakeChannel) HealthCheck(context.Context) error { return nil }

func withIDs(msgs ...bus.Message) []bus.Message {
	for i := range msgs {
		msgs[i].ID = string(rune('a' + i))
		msgs[i].ConversationID = "c1"
	}
	return msgs
}

func TestManager_DispatchOrder(t *testing.T) {
	log := memory.NewMessageStore()
	m := NewManager(log)
	ch := newFake("web")
	m.RegisterChannel(ch)

	batch := bus.OutputBatch{ConversationID: "c1", ChannelID: "web", Messages: withIDs(
		bus.NewText("one"),
		bus.NewText("two"),
		bus.NewEvent(bus.EventContent{Event: bus.EventTransferToHumanQueue, Reason: "agent_fail"}),
		bus.NewText("three"),
		bus.NewEvent(bus.EventContent{Event: bus.EventClosed}),
	)}
	if err := m.Dispatch(context.Background(), batch); err != nil {
		t.Fatal(err)
	}

	want := "send:one+two,queue:agent_fail,send:three,close"
	if got := strings.Join(ch.log, ","); got != want {
		t.Errorf("dispatch log = %q, want %q", got, want)
	}
	logged, _ := log.List(context.Background(), "c1", 0)
	if len(logged) != 5 {
		t.Errorf("message log has %d entries, want 5", len(logged))
	}
}

func TestManager_DispatchErrors(t *testing.T) {
	m := NewManager(nil)
	ch := newFake("web")
	ch.sendErr = errors.New("vendor down")
	m.RegisterChannel(ch)
	ctx := context.Background()

	err := m.Dispatch(ctx, bus.OutputBatch{ChannelID: "web", Messages: withIDs(bus.NewText("x"))})
	if !errors.Is(err, ErrDispatch) {
		t.Errorf("adapter failure = %v, want ErrDispatch", err)
	}
	err = m.Dispatch(ctx, bus.OutputBatch{ChannelID: "gone", Messages: withIDs(bus.NewText("x"))})
	if !errors.Is(err, ErrUnsupportedChannel) {
		t.Errorf("unknown channel = %v, want ErrUnsupportedChannel", err)
	}
}

func TestDispatcher_Handle(t *testing.T) {
	m := NewManager(nil)
	ch := newFake("web")
	m.RegisterChannel(ch)
	d := NewDispatcher(queue.NewMemory(queue.Options{}), m)
	ctx := context.Background()

	tests := []struct {
		name   string
		batch  bus.OutputBatch
		poison bool
		fail   bool
	}{
		{name: "delivered", batch: bus.OutputBatch{ChannelID: "web", Messages: withIDs(bus.NewText("hi"))}},
		{name: "empty batch", batch: bus.OutputBatch{ChannelID: "web"}, poison: true},
		{name: "unknown channel", batch: bus.OutputBatch{ChannelID: "gone", Messages: withIDs(bus.NewText("hi"))}, poison: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.Handle(ctx, tt.batch)
			if got := errors.Is(err, queue.ErrPoison); got != tt.poison {
				t.Errorf("Handle = %v, poison=%v want %v", err, got, tt.poison)
			}
			if !tt.poison && err != nil {
				t.Errorf("Handle = %v, want nil", err)
			}
		})
	}
}

type binds map[string]string

func (b binds) BindChannel(channelID, agentID, _ string) { b[channelID] = agentID }

func TestLoader_LoadAll(t *testing.T) {
	m := NewManager(nil)
	b := binds{}
	l := NewLoader(m, b)
	l.RegisterFactory("fake", func(cfg Config) (Channel, error) {
		if cfg.Option("fail", "") != "" {
			return nil, errors.New("bad config")
		}
		return &fakeChannel{BaseChannel: NewBaseChannel(cfg)}, nil
	})

	n := l.LoadAll([]Config{
		{ID: "a", Type: "fake", AgentID: "bot"},
		{ID: "b", Type: "fake", Options: map[string]string{"fail": "1"}},
		{ID: "c", Type: "nope"},
	})
	if n != 1 || !m.Has("a") || m.Has("b") || m.Has("c") {
		t.Errorf("loaded %d, channels %v", n, m.GetEnabledChannels())
	}
	if b["a"] != "bot" {
		t.Errorf("binding = %v", b)
	}

	l.Reload([]Config{{ID: "z", Type: "fake"}})
	if m.Has("a") || !m.Has("z") {
		t.Errorf("after reload channels = %v", m.GetEnabledChannels())
	}
}

func TestSplitMarkdown(t *testing.T) {
	tests := []struct {
		in     string
		text   string
		images []string
	}{
		{"plain", "plain", nil},
		{"![x](https://a/1.png)", "", []string{"https://a/1.png"}},
		{"Intro\n\n![x](https://a/1.png \"title\")\n\n\nOutro", "Intro\n\nOutro", []string{"https://a/1.png"}},
		{"[link](https://a) stays", "[link](https://a) stays", nil},
	}
	for _, tt := range tests {
		text, images := SplitMarkdown(tt.in)
		if text != tt.text || strings.Join(images, ",") != strings.Join(tt.images, ",") {
			t.Errorf("SplitMarkdown(%q) = %q, %v, want %q, %v", tt.in, text, images, tt.text, tt.images)
		}
	}
}

func TestWebhookRateLimiter(t *testing.T) {
	r := NewWebhookRateLimiter(0.001, 3)
	for i := 0; i < 3; i++ {
		if !r.Allow("k") {
			t.Fatalf("call %d rejected within burst", i)
		}
	}
	if r.Allow("k") {
		t.Error("call past burst allowed")
	}
	if !r.Allow("other") {
		t.Error("independent key rejected")
	}
}

func TestIsAllowed(t *testing.T) {
	b := NewBaseChannel(Config{AllowFrom: []string{"42", "@ann"}})
	tests := map[string]bool{"42": true, "42|bob": true, "7|ann": true, "7": false}
	for in, want := range tests {
		if got := b.IsAllowed(in); got != want {
			t.Errorf("IsAllowed(%q) = %v, want %v", in, got, want)
		}
	}
}
