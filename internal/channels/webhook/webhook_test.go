package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
	"github.com/nextlevelbuilder/deskgate/internal/channels"
)

func newChannel(t *testing.T, url string, opts map[string]string) *Channel {
	t.Helper()
	options := map[string]string{"url": url}
	for k, v := range opts {
		options[k] = v
	}
	ch, err := New(channels.Config{ID: "web", Type: "webhook", AppID: "app", Secret: "k", Options: options})
	if err != nil {
		t.Fatal(err)
	}
	return ch.(*Channel)
}

func TestNew_RequiresURL(t *testing.T) {
	if _, err := New(channels.Config{ID: "web"}); err == nil {
		t.Error("New without url = nil error")
	}
}

func TestVerifySignature(t *testing.T) {
	ch := newChannel(t, "http://unused", nil)
	body := []byte(`{"messages":[]}`)

	tests := []struct {
		name   string
		header string
		ok     bool
	}{
		{"valid", Sign("k", body), true},
		{"wrong secret", Sign("other", body), false},
		{"missing", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.header != "" {
				h.Set(SignatureHeader, tt.header)
			}
			err := ch.VerifySignature(h, body)
			if (err == nil) != tt.ok {
				t.Errorf("VerifySignature = %v, want ok=%v", err, tt.ok)
			}
			if err != nil && !errors.Is(err, channels.ErrSignature) {
				t.Errorf("error = %v, want ErrSignature", err)
			}
		})
	}
}

func TestParseMessages(t *testing.T) {
	ch := newChannel(t, "http://unused", map[string]string{})
	body := []byte(`{"messages":[
		{"message_id":"m1","conversation_id":"vc1","user":{"id":"u1","nickname":"Ann"},"content_type":"text","content":{"text":"hi"},"timestamp":1700000000000},
		{"message_id":"m2","conversation_id":"vc1","user":{"id":"u1"},"content_type":"event","content":{"event":"closed"}},
		{"message_id":"m3","user":{},"content_type":"text","content":{"text":"anonymous"}}
	]}`)

	msgs, err := ch.ParseMessages(context.Background(), nil, body)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 (anonymous sender dropped)", len(msgs))
	}
	if msgs[0].Text() != "hi" || msgs[0].Sender.Type != bus.UserTypeUser || msgs[0].ChannelID != "web" || msgs[0].AppID != "app" {
		t.Errorf("first = %+v", msgs[0])
	}
	if msgs[0].Timestamp.UnixMilli() != 1700000000000 {
		t.Errorf("timestamp = %v", msgs[0].Timestamp)
	}
	if ev, ok := msgs[1].Event(); !ok || ev.Event != bus.EventClosed || !msgs[1].IsEvent() {
		t.Errorf("second = %+v, want closed event", msgs[1])
	}

	if _, err := ch.ParseMessages(context.Background(), nil, []byte("{")); err == nil {
		t.Error("malformed body accepted")
	}
}

func TestDeliveries(t *testing.T) {
	var got []Delivery
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.Header.Get(SignatureHeader) != Sign("k", body) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var d Delivery
		_ = json.Unmarshal(body, &d)
		got = append(got, d)
	}))
	defer srv.Close()

	ch := newChannel(t, srv.URL, map[string]string{"markdown": "false"})
	ctx := context.Background()
	batch := bus.OutputBatch{ConversationID: "c1", ChannelID: "web", User: bus.User{Type: bus.UserTypeUser, ID: "u1"}}

	md := bus.NewMarkdown("see ![a](https://x/a.png) and ![b](https://x/b.png)")
	md.ID = "r1"
	if err := ch.SendMessages(ctx, batch, []bus.Message{md}); err != nil {
		t.Fatal(err)
	}
	if err := ch.TransferToHumanQueuing(ctx, batch, bus.EventContent{Event: bus.EventTransferToHumanQueue, Reason: "agent_fail"}); err != nil {
		t.Fatal(err)
	}
	if err := ch.CloseConversation(ctx, batch); err != nil {
		t.Fatal(err)
	}

	if len(got) != 3 {
		t.Fatalf("deliveries = %d, want 3", len(got))
	}
	send := got[0]
	if send.Action != ActionSend || len(send.Messages) != 3 {
		t.Fatalf("send delivery = %+v, want text + 2 images", send)
	}
	if send.Messages[0].ContentType != bus.ContentText || send.Messages[0].Text() != "see  and" {
		t.Errorf("text part = %q", send.Messages[0].Text())
	}
	if mc, _ := send.Messages[2].Media(); mc.URL != "https://x/b.png" || send.Messages[2].ID != "r1-img1" {
		t.Errorf("second image = %+v", send.Messages[2])
	}
	if got[1].Action != ActionTransferHumanQueue || got[1].Reason != "agent_fail" {
		t.Errorf("transfer delivery = %+v", got[1])
	}
	if got[2].Action != ActionClose {
		t.Errorf("close delivery = %+v", got[2])
	}
}

func TestDeliver_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	ch := newChannel(t, srv.URL, nil)
	err := ch.SendMessages(context.Background(), bus.OutputBatch{ConversationID: "c1"}, []bus.Message{bus.NewText("x")})
	if err == nil {
		t.Error("SendMessages on 503 = nil, want error")
	}
}
