package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisMirror appends events to one Redis stream per session so workers
// other than the one driving a session can replay them.
type RedisMirror struct {
	client redis.UniversalClient
	prefix string
	maxLen int64
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisMirror creates a mirror. maxLen caps each stream (approximate trim).
func NewRedisMirror(client redis.UniversalClient, prefix string, maxLen int64, logger *zap.Logger) *RedisMirror {
	if prefix == "" {
		prefix = "research:events:"
	}
	if maxLen <= 0 {
		maxLen = defaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisMirror{client: client, prefix: prefix, maxLen: maxLen, ttl: 24 * time.Hour, logger: logger}
}

func (r *RedisMirror) key(sessionID string) string { return r.prefix + sessionID }

// Append implements Mirror.
func (r *RedisMirror) Append(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	key := r.key(evt.SessionID)
	pipe := r.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"seq":   strconv.FormatUint(evt.Seq, 10),
			"type":  evt.Type,
			"event": string(payload),
		},
	})
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append event to %s: %w", key, err)
	}
	return nil
}

// ReadSince returns the mirrored events with Seq > since, oldest first.
func (r *RedisMirror) ReadSince(ctx context.Context, sessionID string, since uint64) ([]Event, error) {
	msgs, err := r.client.XRange(ctx, r.key(sessionID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("read events of %s: %w", sessionID, err)
	}
	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		raw, _ := msg.Values["event"].(string)
		var evt Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			r.logger.Warn("Skipping undecodable event",
				zap.String("session_id", sessionID),
				zap.String("stream_id", msg.ID),
				zap.Error(err))
			continue
		}
		if evt.Seq > since {
			out = append(out, evt)
		}
	}
	return out, nil
}
