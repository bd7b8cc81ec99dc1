// Package redis implements store.PendingStore on Redis.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/deskgate/internal/bus"
	"github.com/nextlevelbuilder/deskgate/internal/store"
)

// removeUpToScript drops index members scored <= ARGV[1] and their bodies.
var removeUpToScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if #ids == 0 then return 0 end
redis.call('ZREM', KEYS[1], unpack(ids))
redis.call('HDEL', KEYS[2], unpack(ids))
return #ids
`)

// PendingStore keeps, per conversation, a ZSET of message ids scored by
// message timestamp (unix ms) and a HASH of id -> message JSON. Message ids
// are UUIDv7, so equal timestamps still sort in arrival order.
type PendingStore struct {
	client goredis.UniversalClient
	ttl    time.Duration
}

// NewPendingStore returns a store whose keys expire after ttl without writes
// (0 = never).
func NewPendingStore(client goredis.UniversalClient, ttl time.Duration) *PendingStore {
	return &PendingStore{client: client, ttl: ttl}
}

var _ store.PendingStore = (*PendingStore)(nil)

func indexKey(conversationID string) string {
	return fmt.Sprintf("conversation:messages:%s", conversationID)
}

func dataKey(conversationID string) string { return indexKey(conversationID) + ":data" }

func maxScore(cutoff time.Time) string {
	if cutoff.IsZero() {
		return "+inf"
	}
	return strconv.FormatInt(cutoff.UnixMilli(), 10)
}

func (s *PendingStore) Append(ctx context.Context, conversationID string, msgs ...bus.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	members := make([]goredis.Z, 0, len(msgs))
	bodies := make(map[string]any, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			return fmt.Errorf("append pending: message without id")
		}
		raw, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode pending message: %w", err)
		}
		members = append(members, goredis.Z{Score: float64(m.Timestamp.UnixMilli()), Member: m.ID})
		bodies[m.ID] = string(raw)
	}

	_, err := s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.HSet(ctx, dataKey(conversationID), bodies)
		p.ZAdd(ctx, indexKey(conversationID), members...)
		if s.ttl > 0 {
			p.Expire(ctx, indexKey(conversationID), s.ttl)
			p.Expire(ctx, dataKey(conversationID), s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append pending: %w", err)
	}
	return nil
}

func (s *PendingStore) Range(ctx context.Context, conversationID string, cutoff time.Time) ([]bus.Message, error) {
	ids, err := s.client.ZRangeByScore(ctx, indexKey(conversationID), &goredis.ZRangeBy{
		Min: "-inf",
		Max: maxScore(cutoff),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range pending: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := s.client.HMGet(ctx, dataKey(conversationID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load pending: %w", err)
	}

	out := make([]bus.Message, 0, len(vals))
	var broken []string
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			slog.Warn("pending message body missing", "conversation_id", conversationID, "message_id", ids[i])
			broken = append(broken, ids[i])
			continue
		}
		var m bus.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			slog.Warn("pending message undecodable", "conversation_id", conversationID, "message_id", ids[i], "error", err)
			broken = append(broken, ids[i])
			continue
		}
		out = append(out, m)
	}
	// Unreadable entries would otherwise stay in the index until the TTL.
	if len(broken) > 0 {
		if err := s.Remove(ctx, conversationID, broken...); err != nil {
			slog.Warn("drop broken pending messages failed", "conversation_id", conversationID, "error", err)
		}
	}
	return out, nil
}

func (s *PendingStore) Remove(ctx context.Context, conversationID string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	_, err := s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.ZRem(ctx, indexKey(conversationID), members...)
		p.HDel(ctx, dataKey(conversationID), ids...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove pending: %w", err)
	}
	return nil
}

func (s *PendingStore) RemoveUpTo(ctx context.Context, conversationID string, cutoff time.Time) (int, error) {
	n, err := removeUpToScript.Run(ctx, s.client,
		[]string{indexKey(conversationID), dataKey(conversationID)}, maxScore(cutoff)).Int()
	if err != nil {
		return 0, fmt.Errorf("remove pending: %w", err)
	}
	return n, nil
}
