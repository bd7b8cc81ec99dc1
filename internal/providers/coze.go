package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
)

// CozeAdapter talks to the Coze bot API: one remote conversation per local
// conversation, streamed chat replies.
type CozeAdapter struct {
	apiBase     string
	token       string
	botID       string
	client      *http.Client // short calls: conversation create, file upload
	stream      *http.Client // chat streams
	retryConfig RetryConfig  // conversation create only
}

func NewCozeAdapter(cfg Config) (*CozeAdapter, error) {
	if cfg.APIKey == "" || cfg.BotID == "" {
		return nil, fmt.Errorf("coze: api_key and bot_id are required")
	}
	base := cfg.APIBase
	if base == "" {
		base = "https://api.coze.cn"
	}
	streamTimeout := 120 * time.Second
	if v := cfg.option("stream_timeout"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			streamTimeout = d
		}
	}
	return &CozeAdapter{
		apiBase:     strings.TrimRight(base, "/"),
		token:       cfg.APIKey,
		botID:       cfg.BotID,
		client:      &http.Client{Timeout: 30 * time.Second},
		stream:      &http.Client{Timeout: streamTimeout},
		retryConfig: DefaultRetryConfig(),
	}, nil
}

func (a *CozeAdapter) Name() string { return "coze" }

func (a *CozeAdapter) Streaming() bool { return true }

// HealthCheck only verifies the API host answers: Coze has no health endpoint.
func (a *CozeAdapter) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, a.apiBase, nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("coze: unreachable: %w", err)
	}
	resp.Body.Close()
	return nil
}

type cozeEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type cozeChatMessage struct {
	Role        string `json:"role"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
}

func (a *CozeAdapter) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	remoteID := req.AgentConversationID
	if remoteID == "" {
		id, err := a.createConversation(ctx)
		if err != nil {
			return nil, err
		}
		remoteID = id
	}

	additional := make([]cozeChatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if cm, ok := a.convertMessage(ctx, m); ok {
			additional = append(additional, cm)
		}
	}

	body, err := json.Marshal(map[string]any{
		"bot_id":              a.botID,
		"user_id":             req.User.Key(),
		"additional_messages": additional,
		"stream":              true,
	})
	if err != nil {
		return nil, fmt.Errorf("coze: marshal chat: %w", err)
	}

	endpoint := a.apiBase + "/v3/chat?conversation_id=" + url.QueryEscape(remoteID)
	// One attempt: a failed chat escalates to a human instead of retrying.
	respBody, err := a.post(ctx, a.stream, endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	frames, err := ParseStream(respBody)
	if err != nil {
		return nil, fmt.Errorf("coze: %w", err)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("coze: %w: empty stream", ErrStreamProtocol)
	}
	result := ProcessEvents(frames)
	if result.Status == "failed" {
		if result.LastError != nil {
			return nil, fmt.Errorf("coze: chat failed: code %d: %s", result.LastError.Code, result.LastError.Msg)
		}
		return nil, fmt.Errorf("coze: chat failed")
	}

	resp := &ChatResponse{
		AgentConversationID: remoteID,
		Metadata:            map[string]any{"chat_id": result.ChatID, "status": result.Status},
	}
	if result.ConversationID != "" {
		resp.AgentConversationID = result.ConversationID
	}
	if result.Usage != nil {
		resp.Usage = cozeUsage(result.Usage)
	}
	for _, text := range result.Answers() {
		resp.Messages = append(resp.Messages, bus.NewMarkdown(text))
	}
	return resp, nil
}

func cozeUsage(u map[string]any) *Usage {
	n := func(k string) int {
		f, _ := u[k].(float64)
		return int(f)
	}
	return &Usage{PromptTokens: n("input_count"), CompletionTokens: n("output_count"), TotalTokens: n("token_count")}
}

func (a *CozeAdapter) createConversation(ctx context.Context) (string, error) {
	body, _ := json.Marshal(map[string]string{"bot_id": a.botID})
	rc, err := RetryDo(ctx, a.retryConfig, func() (io.ReadCloser, error) {
		return a.post(ctx, a.client, a.apiBase+"/v1/conversation/create", "application/json", bytes.NewReader(body))
	})
	if err != nil {
		return "", fmt.Errorf("coze: create conversation: %w", err)
	}
	defer rc.Close()

	var env cozeEnvelope
	if err := json.NewDecoder(rc).Decode(&env); err != nil {
		return "", fmt.Errorf("coze: decode conversation: %w", err)
	}
	if env.Code != 0 {
		return "", fmt.Errorf("coze: create conversation: code %d: %s", env.Code, env.Msg)
	}
	var data struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.ID == "" {
		return "", fmt.Errorf("coze: create conversation: missing id")
	}
	return data.ID, nil
}

// convertMessage maps a chat message to the Coze wire format. Media is
// uploaded first; messages that cannot be represented are skipped.
func (a *CozeAdapter) convertMessage(ctx context.Context, m bus.Message) (cozeChatMessage, bool) {
	switch m.ContentType {
	case bus.ContentText, bus.ContentMarkdown:
		return cozeChatMessage{Role: "user", Content: m.Text(), ContentType: "text"}, true

	case bus.ContentImage, bus.ContentFile, bus.ContentVideo, bus.ContentVoice:
		media, ok := m.Media()
		if !ok {
			return cozeChatMessage{}, false
		}
		part, ok := a.mediaPart(ctx, m.ContentType, media)
		if !ok {
			return cozeChatMessage{}, false
		}
		return objectString([]map[string]string{part})

	case bus.ContentCombination:
		var parts []map[string]string
		for _, it := range m.Items() {
			switch it.Type {
			case bus.ContentText:
				if it.Text != "" {
					parts = append(parts, map[string]string{"type": "text", "text": it.Text})
				}
			case bus.ContentImage, bus.ContentFile, bus.ContentVideo, bus.ContentVoice:
				if p, ok := a.mediaPart(ctx, it.Type, bus.MediaContent{URL: it.URL}); ok {
					parts = append(parts, p)
				}
			}
		}
		if len(parts) == 0 {
			return cozeChatMessage{}, false
		}
		return objectString(parts)
	}
	slog.Warn("coze: unsupported message type", "content_type", m.ContentType)
	return cozeChatMessage{}, false
}

func objectString(parts []map[string]string) (cozeChatMessage, bool) {
	raw, err := json.Marshal(parts)
	if err != nil {
		return cozeChatMessage{}, false
	}
	return cozeChatMessage{Role: "user", Content: string(raw), ContentType: "object_string"}, true
}

func (a *CozeAdapter) mediaPart(ctx context.Context, ct bus.ContentType, media bus.MediaContent) (map[string]string, bool) {
	kind := "file"
	if ct == bus.ContentImage {
		kind = "image"
	}
	fileID, err := a.uploadFile(ctx, media)
	if err != nil {
		slog.Warn("coze: upload failed", "url", media.URL, "error", err)
		return nil, false
	}
	return map[string]string{"type": kind, "file_id": fileID}, true
}

// uploadFile fetches media.URL and re-uploads it to v1/files/upload.
func (a *CozeAdapter) uploadFile(ctx context.Context, media bus.MediaContent) (string, error) {
	if media.URL == "" {
		return "", fmt.Errorf("media without url")
	}
	getReq, err := http.NewRequestWithContext(ctx, http.MethodGet, media.URL, nil)
	if err != nil {
		return "", err
	}
	src, err := a.client.Do(getReq)
	if err != nil {
		return "", fmt.Errorf("fetch media: %w", err)
	}
	defer src.Body.Close()
	if src.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch media: HTTP %d", src.StatusCode)
	}

	filename := media.Filename
	if filename == "" {
		if u, err := url.Parse(media.URL); err == nil {
			filename = path.Base(u.Path)
		}
	}
	if filename == "" || filename == "/" || filename == "." {
		filename = "upload"
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(fw, io.LimitReader(src.Body, 512<<20)); err != nil {
		return "", fmt.Errorf("read media: %w", err)
	}
	mw.Close()

	rc, err := a.post(ctx, a.client, a.apiBase+"/v1/files/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var env cozeEnvelope
	if err := json.NewDecoder(rc).Decode(&env); err != nil {
		return "", fmt.Errorf("decode upload: %w", err)
	}
	var data struct {
		ID     string `json:"id"`
		FileID string `json:"file_id"`
	}
	_ = json.Unmarshal(env.Data, &data)
	if data.ID != "" {
		return data.ID, nil
	}
	if data.FileID != "" {
		return data.FileID, nil
	}
	return "", fmt.Errorf("upload response without file id (code %d: %s)", env.Code, env.Msg)
}

func (a *CozeAdapter) post(ctx context.Context, client *http.Client, endpoint, contentType string, body io.Reader) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("coze: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+a.token)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coze: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       "coze: " + string(respBody),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}
