package telegram

import (
	"context"
	"fmt"
	"log/slog"

	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
	"github.com/nextlevelbuilder/deskgate/internal/channels"
)

// SendMessages delivers chat messages in order. Markdown is sent as plain
// text followed by one photo per embedded image.
func (c *Channel) SendMessages(ctx context.Context, batch bus.OutputBatch, msgs []bus.Message) error {
	id := chatID(batch)
	if id == 0 {
		return fmt.Errorf("telegram: no chat id for conversation %s", batch.ConversationID)
	}
	for _, m := range msgs {
		if err := c.send(ctx, id, m); err != nil {
			return fmt.Errorf("send message %s: %w", m.ID, err)
		}
	}
	return nil
}

func (c *Channel) send(ctx context.Context, id int64, m bus.Message) error {
	switch m.ContentType {
	case bus.ContentText:
		return c.sendText(ctx, id, m.Text())
	case bus.ContentMarkdown:
		text, images := channels.SplitMarkdown(m.Text())
		if text != "" {
			if err := c.sendText(ctx, id, text); err != nil {
				return err
			}
		}
		for _, u := range images {
			if err := c.sendMedia(ctx, id, bus.ContentImage, u); err != nil {
				return err
			}
		}
		return nil
	case bus.ContentCombination:
		for _, it := range m.Items() {
			var err error
			if it.Text != "" {
				err = c.sendText(ctx, id, it.Text)
			} else if it.URL != "" {
				err = c.sendMedia(ctx, id, it.Type, it.URL)
			}
			if err != nil {
				return err
			}
		}
		return nil
	}
	if mc, ok := m.Media(); ok && mc.URL != "" {
		return c.sendMedia(ctx, id, m.ContentType, mc.URL)
	}
	slog.Debug("telegram: skipping unsupported output", "content_type", m.ContentType, "message_id", m.ID)
	return nil
}

func (c *Channel) sendText(ctx context.Context, id int64, text string) error {
	if text == "" {
		return nil
	}
	_, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(id), text))
	return err
}

func (c *Channel) sendMedia(ctx context.Context, id int64, ct bus.ContentType, url string) error {
	file := tu.FileFromURL(url)
	if ct == bus.ContentImage {
		_, err := c.bot.SendPhoto(ctx, tu.Photo(tu.ID(id), file))
		return err
	}
	_, err := c.bot.SendDocument(ctx, tu.Document(tu.ID(id), file))
	return err
}
