package providers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Coze stream event kinds.
const (
	cozeChatCreated      = "conversation.chat.created"
	cozeChatInProgress   = "conversation.chat.in_progress"
	cozeChatCompleted    = "conversation.chat.completed"
	cozeChatFailed       = "conversation.chat.failed"
	cozeMessageDelta     = "conversation.message.delta"
	cozeMessageCompleted = "conversation.message.completed"
	cozeDone             = "done"
)

// streamChunkSize is how much ParseStream reads per call.
const streamChunkSize = 1024

// Frame is one decoded `event:` + `data:` pair.
type Frame struct {
	Event string
	Data  map[string]any
}

// ParseStream reads an event stream in fixed-size chunks and returns its
// frames up to the first terminal frame ("done" or chat failed), a [DONE]
// sentinel, or end of stream. A data line that is not a JSON object yields
// ErrStreamProtocol.
func ParseStream(r io.Reader) ([]Frame, error) {
	var (
		frames  []Frame
		event   string
		partial string
		buf     = make([]byte, streamChunkSize)
	)

	// handle returns stop=true once a terminal frame was seen.
	handle := func(line string) (bool, error) {
		line = strings.TrimSpace(line)
		if line == "" {
			return false, nil
		}
		if v, ok := strings.CutPrefix(line, "event:"); ok {
			event = strings.TrimSpace(v)
			return false, nil
		}
		v, ok := strings.CutPrefix(line, "data:")
		if !ok {
			return false, nil
		}
		data := strings.TrimSpace(v)
		if data == "[DONE]" {
			return true, nil
		}

		cur := event
		event = ""
		var payload map[string]any
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			// The "done" frame may carry a bare string payload.
			if cur == cozeDone {
				return true, nil
			}
			return false, fmt.Errorf("%w: frame %q: %v", ErrStreamProtocol, cur, err)
		}
		frames = append(frames, Frame{Event: cur, Data: payload})
		return cur == cozeDone || cur == cozeChatFailed, nil
	}

	for {
		n, err := r.Read(buf)
		if n > 0 {
			lines := strings.Split(partial+string(buf[:n]), "\n")
			partial = lines[len(lines)-1]
			for _, line := range lines[:len(lines)-1] {
				stop, herr := handle(line)
				if herr != nil {
					return frames, herr
				}
				if stop {
					return frames, nil
				}
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return frames, fmt.Errorf("%w: read: %v", ErrStreamProtocol, err)
		}
	}

	if _, err := handle(partial); err != nil {
		return frames, err
	}
	return frames, nil
}

// CozeMessage is one message reported by the stream.
type CozeMessage struct {
	ID             string `json:"id"`
	Role           string `json:"role"`
	Type           string `json:"type"` // answer, knowledge, tool_output, verbose, ...
	Content        string `json:"content"`
	ContentType    string `json:"content_type"`
	ChatID         string `json:"chat_id"`
	ConversationID string `json:"conversation_id"`
	BotID          string `json:"bot_id"`
}

// CozeError is the last_error of a failed chat.
type CozeError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// ChatResult is the reduction of a frame list.
type ChatResult struct {
	ChatID         string
	ConversationID string
	Status         string // "completed", "failed", or "" when no lifecycle frame ended the chat
	Usage          map[string]any
	LastError      *CozeError
	Messages       []CozeMessage
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// ProcessEvents reduces frames to chat ids, status and the ordered reply
// messages. Answers that only ever arrived as deltas are rebuilt from their
// fragments; a completed answer supersedes its deltas.
func ProcessEvents(frames []Frame) ChatResult {
	var (
		res        ChatResult
		deltaOrder []string
		deltas     = make(map[string]*strings.Builder)
	)

	for _, f := range frames {
		d := f.Data
		switch f.Event {
		case cozeChatCreated, cozeChatInProgress, cozeChatCompleted:
			if id := str(d, "id"); id != "" {
				res.ChatID = id
			} else if id := str(d, "chat_id"); id != "" {
				res.ChatID = id
			}
			if cid := str(d, "conversation_id"); cid != "" {
				res.ConversationID = cid
			}
			if f.Event == cozeChatCompleted {
				res.Status = str(d, "status")
				if res.Status == "" {
					res.Status = "completed"
				}
				if u, ok := d["usage"].(map[string]any); ok {
					res.Usage = u
				}
			}

		case cozeChatFailed:
			res.Status = "failed"
			if cid := str(d, "conversation_id"); cid != "" {
				res.ConversationID = cid
			}
			if le, ok := d["last_error"].(map[string]any); ok {
				e := &CozeError{Msg: str(le, "msg")}
				if code, ok := le["code"].(float64); ok {
					e.Code = int(code)
				}
				res.LastError = e
			}

		case cozeMessageDelta:
			if str(d, "type") != "answer" {
				continue
			}
			id := str(d, "id")
			b, ok := deltas[id]
			if !ok {
				b = &strings.Builder{}
				deltas[id] = b
				deltaOrder = append(deltaOrder, id)
			}
			b.WriteString(str(d, "content"))

		case cozeMessageCompleted:
			msg := CozeMessage{
				ID:             str(d, "id"),
				Role:           str(d, "role"),
				Type:           str(d, "type"),
				Content:        str(d, "content"),
				ContentType:    str(d, "content_type"),
				ChatID:         str(d, "chat_id"),
				ConversationID: str(d, "conversation_id"),
				BotID:          str(d, "bot_id"),
			}
			if msg.Type == "answer" {
				delete(deltas, msg.ID)
			}
			res.Messages = append(res.Messages, msg)
		}
	}

	for _, id := range deltaOrder {
		b, ok := deltas[id]
		if !ok {
			continue
		}
		content := b.String()
		if strings.TrimSpace(content) == "" {
			continue
		}
		res.Messages = append(res.Messages, CozeMessage{
			ID:             id,
			Role:           "assistant",
			Type:           "answer",
			Content:        content,
			ContentType:    "text",
			ChatID:         res.ChatID,
			ConversationID: res.ConversationID,
		})
	}
	return res
}

// Answers returns the non-blank answer contents in order.
func (r ChatResult) Answers() []string {
	var out []string
	for _, m := range r.Messages {
		if m.Type == "answer" && strings.TrimSpace(m.Content) != "" {
			out = append(out, m.Content)
		}
	}
	return out
}
