package bus

import (
	"encoding/json"
	"strings"
	"time"
)

// MessageKind separates control events from conversational content.
type MessageKind string

const (
	KindChat  MessageKind = "chat"
	KindEvent MessageKind = "event"
)

// ContentType identifies the payload carried by a Message.
type ContentType string

const (
	ContentText        ContentType = "text"
	ContentImage       ContentType = "image"
	ContentVoice       ContentType = "voice"
	ContentVideo       ContentType = "video"
	ContentFile        ContentType = "file"
	ContentMarkdown    ContentType = "markdown"
	ContentEvent       ContentType = "event"
	ContentCombination ContentType = "combination"
	ContentUnknown     ContentType = "unknown"
)

// EventType is the control event carried by an Event-kind message.
type EventType string

const (
	EventTransferToHumanQueue EventType = "transfer_to_human_queue"
	EventTransferToHuman      EventType = "transfer_to_human"
	EventClosed               EventType = "closed"
)

// UserType distinguishes end users from staff and the system itself.
type UserType string

const (
	UserTypeUser   UserType = "user"
	UserTypeAgent  UserType = "agent"
	UserTypeHuman  UserType = "human"
	UserTypeSystem UserType = "system"
)

// User is the identity of a message sender or conversation owner.
type User struct {
	Type     UserType `json:"type"`
	ID       string   `json:"id"`
	Nickname string   `json:"nickname,omitempty"`
	Avatar   string   `json:"avatar,omitempty"`
	IsVIP    bool     `json:"is_vip,omitempty"`
}

// Key returns "type:id", used for grouping and identity lookups.
func (u User) Key() string { return string(u.Type) + ":" + u.ID }

// TextContent is the payload of Text and Markdown messages.
type TextContent struct {
	Text string `json:"text"`
}

// MediaContent is the payload of Image, Voice, Video and File messages.
type MediaContent struct {
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// EventContent is the payload of Event messages.
type EventContent struct {
	Event    EventType `json:"event"`
	Servicer string    `json:"servicer,omitempty"` // assigned human, for transfer_to_human
	Reason   string    `json:"reason,omitempty"`
}

// CombinationItem is one element of a Combination message.
type CombinationItem struct {
	Type ContentType `json:"type"`
	Text string      `json:"text,omitempty"`
	URL  string      `json:"url,omitempty"`
}

// Message is one inbound or outbound unit of conversation traffic.
// Content holds the type-specific payload as raw JSON; use the typed accessors.
type Message struct {
	ID                    string          `json:"id"`
	ConversationID        string          `json:"conversation_id,omitempty"`
	Kind                  MessageKind     `json:"kind"`
	ContentType           ContentType     `json:"content_type"`
	Content               json.RawMessage `json:"content,omitempty"`
	Sender                User            `json:"sender"`
	ChannelID             string          `json:"channel_id,omitempty"`
	AppID                 string          `json:"app_id,omitempty"`
	ChannelConversationID string          `json:"channel_conversation_id,omitempty"`
	ChannelMessageID      string          `json:"channel_message_id,omitempty"`
	Timestamp             time.Time       `json:"timestamp"`
}

// NewText builds a Chat message carrying plain text.
func NewText(text string) Message {
	return newMessage(KindChat, ContentText, TextContent{Text: text})
}

// NewMarkdown builds a Chat message carrying markdown.
func NewMarkdown(text string) Message {
	return newMessage(KindChat, ContentMarkdown, TextContent{Text: text})
}

// NewMedia builds a Chat message carrying one media attachment.
func NewMedia(ct ContentType, media MediaContent) Message {
	return newMessage(KindChat, ct, media)
}

// NewCombination builds a Chat message mixing text and media items.
func NewCombination(items ...CombinationItem) Message {
	return newMessage(KindChat, ContentCombination, items)
}

// NewEvent builds an Event message for a control transition.
func NewEvent(ev EventContent) Message {
	return newMessage(KindEvent, ContentEvent, ev)
}

func newMessage(kind MessageKind, ct ContentType, payload any) Message {
	raw, _ := json.Marshal(payload)
	return Message{
		Kind:        kind,
		ContentType: ct,
		Content:     raw,
		Timestamp:   time.Now().UTC(),
	}
}

// IsEvent reports whether the message is a control event.
func (m Message) IsEvent() bool { return m.Kind == KindEvent }

// Event decodes the EventContent payload. ok is false for non-event messages
// or undecodable content.
func (m Message) Event() (EventContent, bool) {
	var ev EventContent
	if m.ContentType != ContentEvent || len(m.Content) == 0 {
		return ev, false
	}
	if err := json.Unmarshal(m.Content, &ev); err != nil || ev.Event == "" {
		return ev, false
	}
	return ev, true
}

// Media decodes the MediaContent payload.
func (m Message) Media() (MediaContent, bool) {
	var mc MediaContent
	switch m.ContentType {
	case ContentImage, ContentVoice, ContentVideo, ContentFile:
	default:
		return mc, false
	}
	if err := json.Unmarshal(m.Content, &mc); err != nil {
		return mc, false
	}
	return mc, true
}

// Items decodes the items of a Combination message.
func (m Message) Items() []CombinationItem {
	if m.ContentType != ContentCombination {
		return nil
	}
	var items []CombinationItem
	if err := json.Unmarshal(m.Content, &items); err != nil {
		return nil
	}
	return items
}

// Text extracts the human-readable text of a message: the text of Text and
// Markdown messages, the joined text items of a Combination, and "" otherwise.
func (m Message) Text() string {
	switch m.ContentType {
	case ContentText, ContentMarkdown:
		var tc TextContent
		if err := json.Unmarshal(m.Content, &tc); err != nil {
			return ""
		}
		return tc.Text
	case ContentCombination:
		var parts []string
		for _, it := range m.Items() {
			if it.Text != "" {
				parts = append(parts, it.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// QueueKind names a logical queue.
type QueueKind string

const (
	QueueInputs  QueueKind = "conversation_inputs"
	QueueOutputs QueueKind = "conversation_outputs"
)

// ConversationEvent signals that a conversation has pending input to process.
// ID drives debounce, ConversationID drives locking.
type ConversationEvent struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	Queue          QueueKind     `json:"queue"`
	Delay          time.Duration `json:"delay,omitempty"`
	EnqueuedAt     time.Time     `json:"enqueued_at"`
}

// OutputBatch is a set of messages to deliver through one channel for one conversation.
type OutputBatch struct {
	ConversationID        string    `json:"conversation_id"`
	ChannelID             string    `json:"channel_id"`
	AppID                 string    `json:"app_id,omitempty"`
	ChannelConversationID string    `json:"channel_conversation_id,omitempty"`
	User                  User      `json:"user"`
	Messages              []Message `json:"messages"`
}
