package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
	"github.com/nextlevelbuilder/deskgate/internal/channels"
)

// closeCommand lets a user end the conversation from the chat.
const closeCommand = "/end"

// ParseMessages decodes one webhook update. Only new messages are accepted;
// edits, callbacks and service messages yield nothing.
func (c *Channel) ParseMessages(ctx context.Context, _ http.Header, body []byte) ([]bus.Message, error) {
	var update telego.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return nil, fmt.Errorf("decode telegram update: %w", err)
	}
	message := update.Message
	if message == nil || message.From == nil {
		return nil, nil
	}

	// Skip service messages (member added/removed, title changed, etc.).
	if isServiceMessage(message) {
		slog.Debug("telegram service message skipped", "chat_id", message.Chat.ID)
		return nil, nil
	}

	user := message.From
	userID := strconv.FormatInt(user.ID, 10)
	senderID := userID
	if user.Username != "" {
		senderID = userID + "|" + user.Username
	}
	if !c.IsAllowed(senderID) {
		slog.Debug("telegram message rejected by allowlist", "user_id", user.ID, "channel_id", c.ID())
		return nil, nil
	}

	slog.Debug("telegram message received",
		"chat_id", message.Chat.ID,
		"user_id", user.ID,
		"channel_id", c.ID(),
		"text_preview", channels.Truncate(message.Text, 60),
	)

	msg, ok := c.convert(ctx, message)
	if !ok {
		return nil, nil
	}
	msg.Sender = bus.User{Type: bus.UserTypeUser, ID: userID, Nickname: displayName(user)}
	msg.ChannelConversationID = strconv.FormatInt(message.Chat.ID, 10)
	msg.ChannelMessageID = strconv.Itoa(message.MessageID)
	msg.Timestamp = time.Unix(message.Date, 0).UTC()
	return c.Stamp([]bus.Message{msg}), nil
}

func (c *Channel) convert(ctx context.Context, m *telego.Message) (bus.Message, bool) {
	if strings.TrimSpace(m.Text) == closeCommand {
		return bus.NewEvent(bus.EventContent{Event: bus.EventClosed}), true
	}

	var media *bus.CombinationItem
	switch {
	case len(m.Photo) > 0:
		// Telegram sends several sizes; the last one is the largest.
		media = c.fileItem(ctx, bus.ContentImage, m.Photo[len(m.Photo)-1].FileID)
	case m.Document != nil:
		media = c.fileItem(ctx, bus.ContentFile, m.Document.FileID)
	case m.Voice != nil:
		media = c.fileItem(ctx, bus.ContentVoice, m.Voice.FileID)
	case m.Video != nil:
		media = c.fileItem(ctx, bus.ContentVideo, m.Video.FileID)
	}

	switch {
	case media == nil && m.Text != "":
		return bus.NewText(m.Text), true
	case media == nil:
		return bus.Message{}, false
	case m.Caption != "":
		return bus.NewCombination(*media, bus.CombinationItem{Type: bus.ContentText, Text: m.Caption}), true
	default:
		return bus.NewMedia(media.Type, bus.MediaContent{URL: media.URL}), true
	}
}

// fileItem resolves a file id into its download URL. Resolution failures
// drop the attachment rather than the message.
func (c *Channel) fileItem(ctx context.Context, ct bus.ContentType, fileID string) *bus.CombinationItem {
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil || file.FilePath == "" {
		slog.Warn("telegram file lookup failed", "channel_id", c.ID(), "file_id", fileID, "error", err)
		return nil
	}
	return &bus.CombinationItem{Type: ct, URL: c.bot.FileDownloadURL(file.FilePath)}
}

func displayName(u *telego.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.Username
	}
	return name
}

// isServiceMessage returns true if the Telegram message is a service/system message
// (e.g. member joined/left, title changed) rather than user content.
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	if msg.Photo != nil || msg.Audio != nil || msg.Video != nil ||
		msg.Document != nil || msg.Voice != nil || msg.VideoNote != nil ||
		msg.Sticker != nil || msg.Animation != nil || msg.Contact != nil ||
		msg.Location != nil || msg.Venue != nil || msg.Poll != nil {
		return false
	}
	return true
}
