// Package conversation owns the conversation lifecycle:
// pending -> human_queueing -> human -> closed, with closed terminal.
package conversation

import (
	"time"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
	"github.com/nextlevelbuilder/deskgate/internal/store"
)

// Transfer sources recorded on TransferInfo.
const (
	SourceChannel = "channel" // inbound control event from the channel
	SourceSystem  = "system"  // escalation decided by the processor
)

// target maps a control event to the status it moves a conversation to.
func target(ev bus.EventType) (store.Status, bool) {
	switch ev {
	case bus.EventTransferToHumanQueue:
		return store.StatusHumanQueueing, true
	case bus.EventTransferToHuman:
		return store.StatusHuman, true
	case bus.EventClosed:
		return store.StatusClosed, true
	}
	return "", false
}

// Apply mutates c for ev and reports whether anything changed. Closed
// conversations never change. Transfers stamp TransferInfo with now.
func Apply(c *store.ConversationData, ev bus.EventContent, source string, now time.Time) bool {
	if c.IsClosed() {
		return false
	}
	next, ok := target(ev.Event)
	if !ok {
		return false
	}

	switch next {
	case store.StatusHumanQueueing:
		if c.Status == store.StatusHumanQueueing {
			return false
		}
		t := now
		c.Transfer = store.TransferInfo{Reason: ev.Reason, Source: source, Time: &t}
	case store.StatusHuman:
		if c.Status == store.StatusHuman && c.Transfer.Servicer == ev.Servicer {
			return false
		}
		t := now
		if c.Transfer.Time == nil {
			c.Transfer.Time = &t
		}
		if ev.Reason != "" {
			c.Transfer.Reason = ev.Reason
		}
		if c.Transfer.Source == "" {
			c.Transfer.Source = source
		}
		c.Transfer.Servicer = ev.Servicer
	case store.StatusClosed:
		t := now
		c.ClosedAt = &t
	}
	c.Status = next
	return true
}
