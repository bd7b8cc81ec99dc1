package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
)

// OpenAIAdapter implements Adapter for OpenAI-compatible chat completion APIs
// (OpenAI, DeepSeek, vLLM, ...). The API is stateless, so the local
// conversation id doubles as the remote one.
type OpenAIAdapter struct {
	apiKey         string
	apiBase        string
	model          string
	systemPrompt   string
	transferMarker string
	client         *http.Client
}

func NewOpenAIAdapter(cfg Config) (*OpenAIAdapter, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("openai: model is required")
	}
	base := cfg.APIBase
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	return &OpenAIAdapter{
		apiKey:         cfg.APIKey,
		apiBase:        strings.TrimRight(base, "/"),
		model:          cfg.Model,
		systemPrompt:   cfg.option("system_prompt"),
		transferMarker: cfg.option("transfer_marker"),
		client:         &http.Client{Timeout: 120 * time.Second},
	}, nil
}

func (p *OpenAIAdapter) Name() string { return "openai" }

func (p *OpenAIAdapter) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBase+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("openai: unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &HTTPError{Status: resp.StatusCode, Body: "openai: health check"}
	}
	return nil
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage,omitempty"`
}

func (p *OpenAIAdapter) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	msgs := make([]openAIMessage, 0, len(req.Messages)+1)
	if p.systemPrompt != "" {
		msgs = append(msgs, openAIMessage{Role: "system", Content: p.systemPrompt})
	}
	for _, m := range req.Messages {
		if om, ok := toOpenAIMessage(m); ok {
			msgs = append(msgs, om)
		}
	}
	if len(msgs) == 0 {
		return &ChatResponse{AgentConversationID: req.ConversationID}, nil
	}

	body, err := json.Marshal(map[string]any{
		"model":    p.model,
		"messages": msgs,
		"user":     req.User.Key(),
	})
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	respBody, err := p.doRequest(ctx, body)
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	var oaiResp openAIResponse
	if err := json.NewDecoder(respBody).Decode(&oaiResp); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	return p.parseResponse(req, &oaiResp), nil
}

// toOpenAIMessage maps a user message; images become image_url parts.
func toOpenAIMessage(m bus.Message) (openAIMessage, bool) {
	switch m.ContentType {
	case bus.ContentText, bus.ContentMarkdown:
		if t := m.Text(); t != "" {
			return openAIMessage{Role: "user", Content: t}, true
		}
	case bus.ContentImage:
		if media, ok := m.Media(); ok && media.URL != "" {
			return openAIMessage{Role: "user", Content: []map[string]any{
				{"type": "image_url", "image_url": map[string]string{"url": media.URL}},
			}}, true
		}
	case bus.ContentCombination:
		var parts []map[string]any
		for _, it := range m.Items() {
			switch {
			case it.Type == bus.ContentText && it.Text != "":
				parts = append(parts, map[string]any{"type": "text", "text": it.Text})
			case it.Type == bus.ContentImage && it.URL != "":
				parts = append(parts, map[string]any{"type": "image_url", "image_url": map[string]string{"url": it.URL}})
			}
		}
		if len(parts) > 0 {
			return openAIMessage{Role: "user", Content: parts}, true
		}
	}
	return openAIMessage{}, false
}

func (p *OpenAIAdapter) parseResponse(req ChatRequest, resp *openAIResponse) *ChatResponse {
	out := &ChatResponse{AgentConversationID: req.ConversationID, Usage: resp.Usage}
	if len(resp.Choices) == 0 {
		return out
	}
	content := resp.Choices[0].Message.Content
	out.Metadata = map[string]any{"finish_reason": resp.Choices[0].FinishReason}

	if p.transferMarker != "" && strings.Contains(content, p.transferMarker) {
		out.Transfer = true
		out.TransferReason = ReasonMarker
		content = strings.ReplaceAll(content, p.transferMarker, "")
	}
	if strings.TrimSpace(content) != "" {
		out.Messages = append(out.Messages, bus.NewMarkdown(strings.TrimSpace(content)))
	}
	return out
}

// ReasonMarker is the TransferReason set when a reply carries the transfer marker.
const ReasonMarker = "transfer_marker"

func (p *OpenAIAdapter) doRequest(ctx context.Context, body []byte) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       "openai: " + string(respBody),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}
