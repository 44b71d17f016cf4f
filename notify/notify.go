// ABOUTME: Indexer notifiers telling downstream consumers which entities a sync touched
// ABOUTME: Provides a zerolog notifier and a Redis stream notifier using XADD
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultStream is the Redis stream touched-entity events are appended to.
const DefaultStream = "relsync:touched"

// LogNotifier writes one log event per notification.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: log.Logger}
}

func (n *LogNotifier) NotifyTouched(_ context.Context, workspaceID uuid.UUID, entityType string, ids []uuid.UUID) error {
	n.logger.Info().
		Str("workspace_id", workspaceID.String()).
		Str("entity", entityType).
		Int("count", len(ids)).
		Msg("entities touched")
	return nil
}

type RedisNotifier struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisNotifier appends to stream, trimming it to roughly maxLen entries
// when maxLen is positive.
func NewRedisNotifier(client *redis.Client, stream string, maxLen int64) *RedisNotifier {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisNotifier{client: client, stream: stream, maxLen: maxLen}
}

func (n *RedisNotifier) NotifyTouched(ctx context.Context, workspaceID uuid.UUID, entityType string, ids []uuid.UUID) error {
	encoded := make([]string, len(ids))
	for i, id := range ids {
		encoded[i] = id.String()
	}

	args := &redis.XAddArgs{
		Stream: n.stream,
		Values: map[string]any{
			"workspace_id": workspaceID.String(),
			"entity":       entityType,
			"ids":          strings.Join(encoded, ","),
		},
	}
	if n.maxLen > 0 {
		args.MaxLen = n.maxLen
		args.Approx = true
	}

	if err := n.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish touched entities: %w", err)
	}
	return nil
}

type Notifier interface {
	NotifyTouched(ctx context.Context, workspaceID uuid.UUID, entityType string, ids []uuid.UUID) error
}

// Multi fans a notification out to several notifiers and returns the first
// error after trying all of them.
type Multi []Notifier

func (m Multi) NotifyTouched(ctx context.Context, workspaceID uuid.UUID, entityType string, ids []uuid.UUID) error {
	var first error
	for _, n := range m {
		if err := n.NotifyTouched(ctx, workspaceID, entityType, ids); err != nil && first == nil {
			first = err
		}
	}
	return first
}
