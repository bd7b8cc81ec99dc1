// Package precheck decides, before any agent call, whether a chat batch is
// ignored, escalated to a human, or continues to the agent.
package precheck

import (
	"strings"
	"sync/atomic"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
	"github.com/nextlevelbuilder/deskgate/internal/store"
)

// Action is the gate's verdict.
type Action string

const (
	ActionIgnore        Action = "ignore"
	ActionContinue      Action = "continue"
	ActionTransferHuman Action = "transfer_human"
)

// Reason codes attached to a TransferHuman verdict, also used by the
// processor for its own escalations.
const (
	ReasonKeywordMatch  = "keyword_match"
	ReasonVIPPolicy     = "vip_policy"
	ReasonHumanActive   = "human_active"
	ReasonNoAgent       = "no_agent"
	ReasonNoChannel     = "no_channel"
	ReasonAgentFail     = "agent_fail"
	ReasonAgentTransfer = "agent_transfer"
	ReasonLowConfidence = "low_confidence"
)

// Result is the outcome of Check.
type Result struct {
	Action Action
	Reason string
}

// Rules configure the gate.
type Rules struct {
	TransferKeywords  []string `json:"transfer_keywords"`
	VIPDirectTransfer bool     `json:"vip_direct_transfer"`
}

// Gate evaluates Rules. Rules can be swapped at runtime with SetRules.
type Gate struct {
	rules atomic.Pointer[Rules]
}

func NewGate(r Rules) *Gate {
	g := &Gate{}
	g.SetRules(r)
	return g
}

// SetRules replaces the active rules.
func (g *Gate) SetRules(r Rules) {
	kw := make([]string, 0, len(r.TransferKeywords))
	for _, k := range r.TransferKeywords {
		if k = strings.TrimSpace(k); k != "" {
			kw = append(kw, k)
		}
	}
	r.TransferKeywords = kw
	g.rules.Store(&r)
}

// Rules returns a copy of the active rules.
func (g *Gate) Rules() Rules { return *g.rules.Load() }

// Check evaluates msgs (the chat part of a batch) against conv.
func (g *Gate) Check(msgs []bus.Message, conv *store.ConversationData) Result {
	if conv.Status == store.StatusHumanQueueing || conv.Status == store.StatusHuman {
		return Result{Action: ActionIgnore, Reason: ReasonHumanActive}
	}
	r := g.rules.Load()

	if len(msgs) > 0 {
		text := msgs[0].Text()
		for _, kw := range r.TransferKeywords {
			if strings.Contains(text, kw) {
				return Result{Action: ActionTransferHuman, Reason: ReasonKeywordMatch}
			}
		}
	}

	if r.VIPDirectTransfer && conv.User.IsVIP {
		return Result{Action: ActionTransferHuman, Reason: ReasonVIPPolicy}
	}
	return Result{Action: ActionContinue}
}
