// ABOUTME: Trigger ledgers recording which idempotency keys were already claimed
// ABOUTME: Backed by the sync_triggers table or by Redis SETNX for multi-process deployments
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/harperreed/relsync/db"
)

// Ledger claims an idempotency key. Claim returns false if the key was
// claimed before.
type Ledger interface {
	Claim(ctx context.Context, key string, integrationID uuid.UUID) (bool, error)
}

type DBLedger struct {
	store *db.Store
}

func NewDBLedger(store *db.Store) *DBLedger {
	return &DBLedger{store: store}
}

func (l *DBLedger) Claim(ctx context.Context, key string, integrationID uuid.UUID) (bool, error) {
	return l.store.ClaimTrigger(ctx, key, integrationID)
}

const (
	redisKeyPrefix = "relsync:trigger:"

	// Keys cover one local date; two days leaves room for any zone offset.
	redisTriggerTTL = 48 * time.Hour
)

type RedisLedger struct {
	client *redis.Client
}

func NewRedisLedger(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client}
}

func (l *RedisLedger) Claim(ctx context.Context, key string, integrationID uuid.UUID) (bool, error) {
	ok, err := l.client.SetNX(ctx, redisKeyPrefix+key, integrationID.String(), redisTriggerTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim trigger key: %w", err)
	}
	return ok, nil
}
