// Package http exposes the channel callback endpoint and health checks.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
	"github.com/nextlevelbuilder/deskgate/internal/channels"
)

const defaultMaxBody = 4 << 20

// ChannelLookup resolves callback targets.
type ChannelLookup interface {
	GetChannel(id string) (channels.Channel, bool)
}

// Ingester accepts parsed callback messages.
type Ingester interface {
	Ingest(ctx context.Context, msgs []bus.Message) ([]bus.ConversationEvent, error)
}

// CallbackHandler receives vendor callbacks on POST /callback/{channel_id}.
type CallbackHandler struct {
	channels ChannelLookup
	ingest   Ingester
	limiter  *channels.WebhookRateLimiter // nil = unlimited
	maxBody  int64
}

// NewCallbackHandler creates the callback handler. limiter may be nil.
func NewCallbackHandler(chs ChannelLookup, ingest Ingester, limiter *channels.WebhookRateLimiter, maxBody int64) *CallbackHandler {
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	return &CallbackHandler{channels: chs, ingest: ingest, limiter: limiter, maxBody: maxBody}
}

// RegisterRoutes registers the callback route on the given mux.
func (h *CallbackHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /callback/{channel_id}", h.handleCallback)
}

func (h *CallbackHandler) handleCallback(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("channel_id")
	ch, ok := h.channels.GetChannel(channelID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown channel"})
		return
	}

	if h.limiter != nil && !h.limiter.Allow(channelID+"|"+clientIP(r)) {
		slog.Warn("callback rate limited", "channel_id", channelID, "remote", clientIP(r))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body: " + err.Error()})
		return
	}

	if err := ch.VerifySignature(r.Header, body); err != nil {
		slog.Warn("callback signature rejected", "channel_id", channelID, "error", err)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	msgs, err := ch.ParseMessages(r.Context(), r.Header, body)
	if err != nil {
		slog.Warn("callback payload rejected", "channel_id", channelID, "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if len(msgs) == 0 {
		writeJSON(w, http.StatusOK, map[string]interface{}{"accepted": 0})
		return
	}

	events, err := h.ingest.Ingest(r.Context(), msgs)
	if err != nil {
		slog.Error("callback ingest failed", "channel_id", channelID, "messages", len(msgs), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "ingest failed"})
		return
	}

	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ConversationID)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"accepted": len(msgs), "conversations": ids})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
