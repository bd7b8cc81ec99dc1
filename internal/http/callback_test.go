package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
	"github.com/nextlevelbuilder/deskgate/internal/channels"
	"github.com/nextlevelbuilder/deskgate/internal/channels/webhook"
)

type captureIngest struct {
	got []bus.Message
	err error
}

func (c *captureIngest) Ingest(_ context.Context, msgs []bus.Message) ([]bus.ConversationEvent, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.got = append(c.got, msgs...)
	return []bus.ConversationEvent{{ID: "e1", ConversationID: "conv-1"}}, nil
}

func newServer(t *testing.T, ing *captureIngest, limiter *channels.WebhookRateLimiter) *httptest.Server {
	t.Helper()
	mgr := channels.NewManager(nil)
	ch, err := webhook.New(channels.Config{ID: "web", Type: "webhook", Secret: "k", Options: map[string]string{"url": "http://unused"}})
	if err != nil {
		t.Fatal(err)
	}
	mgr.RegisterChannel(ch)

	mux := http.NewServeMux()
	NewCallbackHandler(mgr, ing, limiter, 1024).RegisterRoutes(mux)
	health := NewHealthHandler(0)
	health.AddCheck("channels", mgr.HealthCheck)
	health.AddCheck("agents", func(context.Context) map[string]error {
		return map[string]error{"bot": errors.New("unreachable")}
	})
	health.RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url string, body []byte, signed bool) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if signed {
		req.Header.Set(webhook.SignatureHeader, webhook.Sign("k", body))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp
}

func TestCallback(t *testing.T) {
	valid := []byte(`{"messages":[{"message_id":"m1","user":{"id":"u1"},"content_type":"text","content":{"text":"hi"}}]}`)
	big := append([]byte(`{"messages":[],"pad":"`), bytes.Repeat([]byte("x"), 2048)...)
	big = append(big, '"', '}')

	tests := []struct {
		name   string
		path   string
		body   []byte
		signed bool
		ingErr error
		want   int
		msgs   int
	}{
		{name: "accepted", path: "/callback/web", body: valid, signed: true, want: http.StatusOK, msgs: 1},
		{name: "unknown channel", path: "/callback/nope", body: valid, signed: true, want: http.StatusNotFound},
		{name: "bad signature", path: "/callback/web", body: valid, want: http.StatusUnauthorized},
		{name: "malformed", path: "/callback/web", body: []byte("{"), signed: true, want: http.StatusBadRequest},
		{name: "too large", path: "/callback/web", body: big, signed: true, want: http.StatusRequestEntityTooLarge},
		{name: "no messages", path: "/callback/web", body: []byte(`{"messages":[]}`), signed: true, want: http.StatusOK},
		{name: "ingest failure", path: "/callback/web", body: valid, signed: true, ingErr: errors.New("redis down"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ing := &captureIngest{err: tt.ingErr}
			srv := newServer(t, ing, nil)
			resp := post(t, srv.URL+tt.path, tt.body, tt.signed)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if len(ing.got) != tt.msgs {
				t.Errorf("ingested %d messages, want %d", len(ing.got), tt.msgs)
			}
			if tt.msgs > 0 && ing.got[0].ChannelID != "web" {
				t.Errorf("channel id = %q", ing.got[0].ChannelID)
			}
		})
	}
}

func TestCallback_RateLimited(t *testing.T) {
	srv := newServer(t, &captureIngest{}, channels.NewWebhookRateLimiter(0.001, 1))
	body := []byte(`{"messages":[]}`)
	if resp := post(t, srv.URL+"/callback/web", body, true); resp.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d", resp.StatusCode)
	}
	if resp := post(t, srv.URL+"/callback/web", body, true); resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second status = %d, want 429", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	srv := newServer(t, &captureIngest{}, nil)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("liveness status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/health?deep=1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var report struct {
		Status string                       `json:"status"`
		Checks map[string]map[string]string `json:"checks"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&report)
	if resp.StatusCode != http.StatusServiceUnavailable || report.Status != "degraded" {
		t.Errorf("deep = %d %q, want 503 degraded", resp.StatusCode, report.Status)
	}
	if report.Checks["agents"]["bot"] != "unreachable" || report.Checks["channels"]["web"] != "ok" {
		t.Errorf("checks = %v", report.Checks)
	}
}
