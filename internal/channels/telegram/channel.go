// Package telegram connects a Telegram bot to the gateway. Updates arrive
// through the Bot API webhook; replies go out through telego.
package telegram

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
	"github.com/nextlevelbuilder/deskgate/internal/channels"
)

// SecretHeader is set by Telegram on webhook calls when the webhook was
// registered with a secret_token.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// Channel is the Telegram adapter.
type Channel struct {
	*channels.BaseChannel
	bot         *telego.Bot
	queueNotice string
	closeNotice string
}

// New creates a Telegram channel. Options: token (required), proxy,
// api_server, queue_notice and close_notice (texts sent on the matching
// session transitions; empty = silent).
func New(cfg channels.Config) (channels.Channel, error) {
	token := cfg.Option("token", "")
	if token == "" {
		return nil, fmt.Errorf("telegram channel %s: option token is required", cfg.ID)
	}

	transport := &http.Transport{}
	if proxy := cfg.Option("proxy", ""); proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	opts := []telego.BotOption{
		telego.WithHTTPClient(&http.Client{Transport: transport, Timeout: 30 * time.Second}),
		telego.WithDiscardLogger(),
	}
	if api := cfg.Option("api_server", ""); api != "" {
		opts = append(opts, telego.WithAPIServer(api))
	}

	bot, err := telego.NewBot(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel(cfg),
		bot:         bot,
		queueNotice: cfg.Option("queue_notice", ""),
		closeNotice: cfg.Option("close_notice", ""),
	}, nil
}

// VerifySignature compares the webhook secret token. Channels without a
// secret accept every callback.
func (c *Channel) VerifySignature(header http.Header, _ []byte) error {
	if c.Secret() == "" {
		return nil
	}
	got := header.Get(SecretHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(c.Secret())) != 1 {
		return channels.ErrSignature
	}
	return nil
}

func (c *Channel) HealthCheck(ctx context.Context) error {
	if _, err := c.bot.GetMe(ctx); err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	return nil
}

func (c *Channel) TransferToHumanQueuing(ctx context.Context, batch bus.OutputBatch, _ bus.EventContent) error {
	if c.queueNotice == "" {
		return nil
	}
	return c.sendText(ctx, chatID(batch), c.queueNotice)
}

func (c *Channel) CloseConversation(ctx context.Context, batch bus.OutputBatch) error {
	if c.closeNotice == "" {
		return nil
	}
	return c.sendText(ctx, chatID(batch), c.closeNotice)
}

// chatID resolves the Telegram chat of a batch: the channel conversation id
// when set, else the user id (private chats share the user's id).
func chatID(batch bus.OutputBatch) int64 {
	for _, s := range []string{batch.ChannelConversationID, batch.User.ID} {
		if id, err := strconv.ParseInt(s, 10, 64); err == nil {
			return id
		}
	}
	return 0
}
