package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const deadLetterKey = "ingest:deadletter"

// DeadLetterEnvelope wraps an event that exhausted its persistence retries,
// parked for manual replay.
type DeadLetterEnvelope struct {
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	Reason   string          `json:"reason"`
	ParkedAt time.Time       `json:"parked_at"`
}

// DeadLetterRepository is a Redis list acting as the dead-letter sink.
type DeadLetterRepository struct {
	client *redis.Client
}

// NewDeadLetterRepository constructs the repository.
func NewDeadLetterRepository(client *redis.Client) *DeadLetterRepository {
	return &DeadLetterRepository{client: client}
}

// Push parks an envelope at the tail of the sink.
func (r *DeadLetterRepository) Push(ctx context.Context, envelope DeadLetterEnvelope) error {
	if r.client == nil {
		return fmt.Errorf("dead letter sink unavailable")
	}
	if envelope.ParkedAt.IsZero() {
		envelope.ParkedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := r.client.RPush(ctx, deadLetterKey, raw).Err(); err != nil {
		return fmt.Errorf("push dead letter: %w", err)
	}
	return nil
}

// Pop removes and returns the oldest envelope, or redis.Nil when empty.
func (r *DeadLetterRepository) Pop(ctx context.Context) (*DeadLetterEnvelope, error) {
	if r.client == nil {
		return nil, fmt.Errorf("dead letter sink unavailable")
	}
	raw, err := r.client.LPop(ctx, deadLetterKey).Bytes()
	if err != nil {
		return nil, err
	}
	var envelope DeadLetterEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshal dead letter: %w", err)
	}
	return &envelope, nil
}

// Peek returns up to limit envelopes without removing them.
func (r *DeadLetterRepository) Peek(ctx context.Context, limit int) ([]DeadLetterEnvelope, error) {
	if r.client == nil {
		return nil, fmt.Errorf("dead letter sink unavailable")
	}
	if limit <= 0 {
		limit = 10
	}
	raws, err := r.client.LRange(ctx, deadLetterKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("peek dead letters: %w", err)
	}
	envelopes := make([]DeadLetterEnvelope, 0, len(raws))
	for _, raw := range raws {
		var envelope DeadLetterEnvelope
		if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
			continue
		}
		envelopes = append(envelopes, envelope)
	}
	return envelopes, nil
}

// Len returns the sink depth.
func (r *DeadLetterRepository) Len(ctx context.Context) (int64, error) {
	if r.client == nil {
		return 0, fmt.Errorf("dead letter sink unavailable")
	}
	return r.client.LLen(ctx, deadLetterKey).Result()
}
