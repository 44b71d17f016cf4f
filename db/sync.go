// ABOUTME: Database operations for sync_logs and sync_triggers tables
// ABOUTME: Records one log row per run and claims scheduler idempotency keys
package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/harperreed/relsync/models"
	"github.com/oklog/ulid/v2"
)

// CreateSyncLog inserts a running log row. Log ids are ULIDs so they sort by
// start time.
func (s *Store) CreateSyncLog(ctx context.Context, log *models.SyncLog) error {
	if log.StartedAt.IsZero() {
		log.StartedAt = time.Now().UTC()
	}
	if log.ID == "" {
		log.ID = ulid.MustNew(ulid.Timestamp(log.StartedAt), rand.Reader).String()
	}
	log.Status = models.SyncLogRunning

	_, err := s.exec(ctx, `
		INSERT INTO sync_logs (id, integration_id, workspace_id, status, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, log.ID, log.IntegrationID.String(), log.WorkspaceID.String(), log.Status, log.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create sync log: %w", err)
	}
	return nil
}

// FinishSyncLog writes the terminal status and counts. Only running rows are
// updated, so a finalized log is never mutated again.
func (s *Store) FinishSyncLog(ctx context.Context, log *models.SyncLog) error {
	now := time.Now().UTC()
	log.CompletedAt = &now

	res, err := s.exec(ctx, `
		UPDATE sync_logs
		SET status = ?, items_synced = ?, items_created = ?, items_updated = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND status = 'running'
	`, log.Status, log.ItemsSynced, log.ItemsCreated, log.ItemsUpdated, nullString(log.ErrorMessage), now, log.ID)
	if err != nil {
		return fmt.Errorf("failed to finish sync log: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sync log %s is not running", log.ID)
	}
	return nil
}

// ListSyncLogs returns the most recent logs for an integration, newest first.
func (s *Store) ListSyncLogs(ctx context.Context, integrationID uuid.UUID, limit int) ([]models.SyncLog, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.query(ctx, `
		SELECT id, integration_id, workspace_id, status, items_synced, items_created, items_updated,
		       error_message, started_at, completed_at
		FROM sync_logs
		WHERE integration_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, integrationID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var logs []models.SyncLog
	for rows.Next() {
		var l models.SyncLog
		var errMsg sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(&l.ID, &l.IntegrationID, &l.WorkspaceID, &l.Status, &l.ItemsSynced,
			&l.ItemsCreated, &l.ItemsUpdated, &errMsg, &l.StartedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		l.ErrorMessage = errMsg.String
		if completedAt.Valid {
			t := completedAt.Time
			l.CompletedAt = &t
		}
		logs = append(logs, l)
	}

	return logs, rows.Err()
}

// ClaimTrigger records an idempotency key. It returns true only for the first
// caller to claim the key.
func (s *Store) ClaimTrigger(ctx context.Context, key string, integrationID uuid.UUID) (bool, error) {
	res, err := s.exec(ctx, `
		INSERT INTO sync_triggers (idempotency_key, integration_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING
	`, key, integrationID.String(), time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to claim trigger: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
