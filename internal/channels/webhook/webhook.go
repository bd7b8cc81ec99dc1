// Package webhook is a generic JSON channel: vendors POST message batches to
// the gateway callback and receive outputs as signed POSTs to a configured URL.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
	"github.com/nextlevelbuilder/deskgate/internal/channels"
)

// SignatureHeader carries "sha256=<hex hmac of body>" in both directions.
const SignatureHeader = "X-Deskgate-Signature"

const defaultTimeout = 15 * time.Second

// Action tells the receiving side what an outbound delivery means.
type Action string

const (
	ActionSend               Action = "send"
	ActionTransferHumanQueue Action = "transfer_to_human_queue"
	ActionClose              Action = "close"
)

// InboundMessage is one element of a callback payload.
type InboundMessage struct {
	MessageID      string          `json:"message_id"`
	ConversationID string          `json:"conversation_id,omitempty"`
	AppID          string          `json:"app_id,omitempty"`
	User           bus.User        `json:"user"`
	Kind           bus.MessageKind `json:"kind,omitempty"`
	ContentType    bus.ContentType `json:"content_type"`
	Content        json.RawMessage `json:"content"`
	Timestamp      int64           `json:"timestamp,omitempty"` // unix ms
}

// Callback is the body vendors POST to /callback/{channel_id}.
type Callback struct {
	Messages []InboundMessage `json:"messages"`
}

// Delivery is the body the channel POSTs to the vendor.
type Delivery struct {
	Action                Action        `json:"action"`
	ConversationID        string        `json:"conversation_id"`
	ChannelConversationID string        `json:"channel_conversation_id,omitempty"`
	AppID                 string        `json:"app_id,omitempty"`
	User                  bus.User      `json:"user"`
	Reason                string        `json:"reason,omitempty"`
	Messages              []bus.Message `json:"messages,omitempty"`
}

// Channel is the webhook adapter.
type Channel struct {
	*channels.BaseChannel
	url       string
	healthURL string
	markdown  bool
	client    *http.Client
}

// New creates a webhook channel. Options: url (required, delivery endpoint),
// health_url, markdown ("false" splits markdown into text + image sends),
// timeout (Go duration).
func New(cfg channels.Config) (channels.Channel, error) {
	url := cfg.Option("url", "")
	if url == "" {
		return nil, fmt.Errorf("webhook channel %s: option url is required", cfg.ID)
	}
	timeout := defaultTimeout
	if v := cfg.Option("timeout", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("webhook channel %s: timeout: %w", cfg.ID, err)
		}
		timeout = d
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel(cfg),
		url:         url,
		healthURL:   cfg.Option("health_url", ""),
		markdown:    cfg.Option("markdown", "true") != "false",
		client:      &http.Client{Timeout: timeout},
	}, nil
}

// Sign returns the signature header value of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the HMAC header. Channels without a secret accept
// every callback.
func (c *Channel) VerifySignature(header http.Header, body []byte) error {
	if c.Secret() == "" {
		return nil
	}
	got := header.Get(SignatureHeader)
	if got == "" || !hmac.Equal([]byte(got), []byte(Sign(c.Secret(), body))) {
		return channels.ErrSignature
	}
	return nil
}

func (c *Channel) ParseMessages(_ context.Context, _ http.Header, body []byte) ([]bus.Message, error) {
	var cb Callback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("decode webhook callback: %w", err)
	}
	out := make([]bus.Message, 0, len(cb.Messages))
	for _, in := range cb.Messages {
		if in.User.ID == "" {
			continue
		}
		if !c.IsAllowed(in.User.ID) {
			continue
		}
		if in.User.Type == "" {
			in.User.Type = bus.UserTypeUser
		}
		m := bus.Message{
			Kind:                  in.Kind,
			ContentType:           in.ContentType,
			Content:               in.Content,
			Sender:                in.User,
			AppID:                 in.AppID,
			ChannelConversationID: in.ConversationID,
			ChannelMessageID:      in.MessageID,
			Timestamp:             time.Now().UTC(),
		}
		if in.Timestamp > 0 {
			m.Timestamp = time.UnixMilli(in.Timestamp).UTC()
		}
		if m.ContentType == bus.ContentEvent {
			m.Kind = bus.KindEvent
		}
		if m.Kind == "" {
			m.Kind = bus.KindChat
		}
		if m.ContentType == "" {
			m.ContentType = bus.ContentUnknown
		}
		out = append(out, m)
	}
	return c.Stamp(out), nil
}

func (c *Channel) SendMessages(ctx context.Context, batch bus.OutputBatch, msgs []bus.Message) error {
	if !c.markdown {
		msgs = splitMarkdown(msgs)
	}
	return c.deliver(ctx, c.delivery(ActionSend, batch, msgs))
}

func (c *Channel) TransferToHumanQueuing(ctx context.Context, batch bus.OutputBatch, ev bus.EventContent) error {
	d := c.delivery(ActionTransferHumanQueue, batch, nil)
	d.Reason = ev.Reason
	return c.deliver(ctx, d)
}

func (c *Channel) CloseConversation(ctx context.Context, batch bus.OutputBatch) error {
	return c.deliver(ctx, c.delivery(ActionClose, batch, nil))
}

func (c *Channel) HealthCheck(ctx context.Context) error {
	if c.healthURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.healthURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook health: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Channel) delivery(action Action, batch bus.OutputBatch, msgs []bus.Message) Delivery {
	return Delivery{
		Action:                action,
		ConversationID:        batch.ConversationID,
		ChannelConversationID: batch.ChannelConversationID,
		AppID:                 batch.AppID,
		User:                  batch.User,
		Messages:              msgs,
	}
}

func (c *Channel) deliver(ctx context.Context, d Delivery) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Secret() != "" {
		req.Header.Set(SignatureHeader, Sign(c.Secret(), body))
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", d.Action, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post %s: status %d: %s", d.Action, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// splitMarkdown turns each markdown message into a text message followed by
// one image message per embedded image.
func splitMarkdown(msgs []bus.Message) []bus.Message {
	out := make([]bus.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ContentType != bus.ContentMarkdown {
			out = append(out, m)
			continue
		}
		text, images := channels.SplitMarkdown(m.Text())
		if text != "" {
			t := bus.NewText(text)
			copyEnvelope(&t, m, "")
			out = append(out, t)
		}
		for i, u := range images {
			img := bus.NewMedia(bus.ContentImage, bus.MediaContent{URL: u})
			copyEnvelope(&img, m, fmt.Sprintf("-img%d", i))
			out = append(out, img)
		}
	}
	return out
}

func copyEnvelope(dst *bus.Message, src bus.Message, idSuffix string) {
	dst.ID = src.ID + idSuffix
	dst.ConversationID = src.ConversationID
	dst.Sender = src.Sender
	dst.ChannelID = src.ChannelID
	dst.AppID = src.AppID
	dst.ChannelConversationID = src.ChannelConversationID
	dst.Timestamp = src.Timestamp
}
