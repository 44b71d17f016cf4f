// ABOUTME: Database operations for provider integrations
// ABOUTME: Manages tokens, opaque cursors, health status, schedules, and the per-integration run lease
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/harperreed/relsync/models"
)

var ErrIntegrationNotFound = errors.New("integration not found")

const integrationColumns = `
	id, workspace_id, provider, access_token, refresh_token, token_expires_at,
	sync_cursor, status, last_sync_error, last_synced_at, auto_sync_enabled,
	sync_time, timezone, account_email, account_name, metadata, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntegration(row rowScanner) (*models.Integration, error) {
	var in models.Integration
	var accessToken, refreshToken, cursorJSON, lastErr, syncTime, tz, email, name, metadataJSON sql.NullString
	var expiresAt, lastSyncedAt sql.NullTime

	err := row.Scan(
		&in.ID,
		&in.WorkspaceID,
		&in.Provider,
		&accessToken,
		&refreshToken,
		&expiresAt,
		&cursorJSON,
		&in.Status,
		&lastErr,
		&lastSyncedAt,
		&in.AutoSyncEnabled,
		&syncTime,
		&tz,
		&email,
		&name,
		&metadataJSON,
		&in.CreatedAt,
		&in.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	in.AccessToken = accessToken.String
	in.RefreshToken = refreshToken.String
	in.LastSyncError = lastErr.String
	in.SyncTime = syncTime.String
	in.Timezone = tz.String
	in.AccountEmail = email.String
	in.AccountName = name.String
	if expiresAt.Valid {
		t := expiresAt.Time
		in.TokenExpiresAt = &t
	}
	if lastSyncedAt.Valid {
		t := lastSyncedAt.Time
		in.LastSyncedAt = &t
	}

	if cursorJSON.Valid && cursorJSON.String != "" {
		if err := json.Unmarshal([]byte(cursorJSON.String), &in.Cursor); err != nil {
			return nil, fmt.Errorf("failed to decode cursor: %w", err)
		}
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &in.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}

	return &in, nil
}

// encodeJSON marshals a map, storing NULL for empty values.
func encodeJSON[T ~map[string]any](m T) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// UpsertIntegration creates the (workspace, provider) integration or refreshes
// the credentials and account identity of the existing one. in.ID is set to
// the stored row's id.
func (s *Store) UpsertIntegration(ctx context.Context, in *models.Integration) error {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.Status == "" {
		in.Status = models.IntegrationActive
	}
	now := time.Now().UTC()
	in.CreatedAt = now
	in.UpdatedAt = now

	cursor, err := encodeJSON(in.Cursor)
	if err != nil {
		return fmt.Errorf("failed to encode cursor: %w", err)
	}
	metadata, err := encodeJSON(in.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	var expiresAt any
	if in.TokenExpiresAt != nil {
		expiresAt = in.TokenExpiresAt.UTC()
	}

	_, err = s.exec(ctx, `
		INSERT INTO integrations (
			id, workspace_id, provider, access_token, refresh_token, token_expires_at,
			sync_cursor, status, auto_sync_enabled, sync_time, timezone,
			account_email, account_name, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workspace_id, provider) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = COALESCE(excluded.refresh_token, integrations.refresh_token),
			token_expires_at = excluded.token_expires_at,
			account_email = COALESCE(excluded.account_email, integrations.account_email),
			account_name = COALESCE(excluded.account_name, integrations.account_name),
			metadata = COALESCE(excluded.metadata, integrations.metadata),
			status = 'active',
			last_sync_error = NULL,
			updated_at = excluded.updated_at
	`,
		in.ID.String(),
		in.WorkspaceID.String(),
		in.Provider,
		nullString(in.AccessToken),
		nullString(in.RefreshToken),
		expiresAt,
		cursor,
		in.Status,
		in.AutoSyncEnabled,
		nullString(in.SyncTime),
		nullString(in.Timezone),
		nullString(in.AccountEmail),
		nullString(in.AccountName),
		metadata,
		in.CreatedAt,
		in.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert integration: %w", err)
	}

	stored, err := s.GetIntegrationByProvider(ctx, in.WorkspaceID, in.Provider)
	if err != nil {
		return err
	}
	*in = *stored

	return nil
}

// GetIntegration loads an integration scoped to its workspace.
func (s *Store) GetIntegration(ctx context.Context, id, workspaceID uuid.UUID) (*models.Integration, error) {
	row := s.queryRow(ctx, `SELECT `+integrationColumns+` FROM integrations WHERE id = ? AND workspace_id = ?`,
		id.String(), workspaceID.String())

	in, err := scanIntegration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIntegrationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get integration: %w", err)
	}
	return in, nil
}

func (s *Store) GetIntegrationByProvider(ctx context.Context, workspaceID uuid.UUID, provider string) (*models.Integration, error) {
	row := s.queryRow(ctx, `SELECT `+integrationColumns+` FROM integrations WHERE workspace_id = ? AND provider = ?`,
		workspaceID.String(), provider)

	in, err := scanIntegration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIntegrationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get integration: %w", err)
	}
	return in, nil
}

func (s *Store) ListIntegrations(ctx context.Context, workspaceID uuid.UUID) ([]models.Integration, error) {
	rows, err := s.query(ctx, `SELECT `+integrationColumns+` FROM integrations WHERE workspace_id = ? ORDER BY provider`,
		workspaceID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query integrations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan integration: %w", err)
		}
		out = append(out, *in)
	}

	return out, rows.Err()
}

// CompleteSync persists the connector's new cursor and marks the integration
// healthy.
func (s *Store) CompleteSync(ctx context.Context, id uuid.UUID, cursor models.Cursor, at time.Time) error {
	encoded, err := encodeJSON(cursor)
	if err != nil {
		return fmt.Errorf("failed to encode cursor: %w", err)
	}

	_, err = s.exec(ctx, `
		UPDATE integrations
		SET sync_cursor = ?, status = 'active', last_sync_error = NULL, last_synced_at = ?, updated_at = ?
		WHERE id = ?
	`, encoded, at.UTC(), time.Now().UTC(), id.String())
	if err != nil {
		return fmt.Errorf("failed to complete sync: %w", err)
	}
	return nil
}

// FailSync marks the integration unhealthy with a human-readable message.
func (s *Store) FailSync(ctx context.Context, id uuid.UUID, message string) error {
	_, err := s.exec(ctx, `
		UPDATE integrations
		SET status = 'error', last_sync_error = ?, updated_at = ?
		WHERE id = ?
	`, message, time.Now().UTC(), id.String())
	if err != nil {
		return fmt.Errorf("failed to record sync failure: %w", err)
	}
	return nil
}

// UpdateIntegrationTokens stores re-encrypted tokens after a refresh. An empty
// refresh token keeps the stored one.
func (s *Store) UpdateIntegrationTokens(ctx context.Context, id uuid.UUID, accessToken, refreshToken string, expiresAt *time.Time) error {
	var expires any
	if expiresAt != nil {
		expires = expiresAt.UTC()
	}

	_, err := s.exec(ctx, `
		UPDATE integrations
		SET access_token = ?, refresh_token = COALESCE(?, refresh_token), token_expires_at = ?, updated_at = ?
		WHERE id = ?
	`, nullString(accessToken), nullString(refreshToken), expires, time.Now().UTC(), id.String())
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	return nil
}

// UpdateSchedule changes an integration's auto-sync settings.
func (s *Store) UpdateSchedule(ctx context.Context, id, workspaceID uuid.UUID, enabled bool, syncTime, timezone string) error {
	res, err := s.exec(ctx, `
		UPDATE integrations
		SET auto_sync_enabled = ?, sync_time = ?, timezone = ?, updated_at = ?
		WHERE id = ? AND workspace_id = ?
	`, enabled, nullString(syncTime), nullString(timezone), time.Now().UTC(), id.String(), workspaceID.String())
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrIntegrationNotFound
	}
	return nil
}

// DeleteIntegration removes the integration and its scheduled trigger keys.
func (s *Store) DeleteIntegration(ctx context.Context, id, workspaceID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() // Safe even after commit
	}()

	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM integrations WHERE id = ? AND workspace_id = ?`),
		id.String(), workspaceID.String())
	if err != nil {
		return fmt.Errorf("failed to delete integration: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrIntegrationNotFound
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM sync_triggers WHERE integration_id = ?`), id.String()); err != nil {
		return fmt.Errorf("failed to delete trigger keys: %w", err)
	}

	return tx.Commit()
}

// AcquireRunLock takes the integration's run lease until the given time. It
// returns false if another run holds an unexpired lease.
func (s *Store) AcquireRunLock(ctx context.Context, id uuid.UUID, now, until time.Time) (bool, error) {
	res, err := s.exec(ctx, `
		UPDATE integrations SET run_lock_until = ?
		WHERE id = ? AND run_lock_until < ?
	`, until.Unix(), id.String(), now.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to acquire run lock: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) ReleaseRunLock(ctx context.Context, id uuid.UUID) error {
	_, err := s.exec(ctx, `UPDATE integrations SET run_lock_until = 0 WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	return nil
}

// ListSchedulable returns active auto-sync integrations joined with their
// workspace timezone.
func (s *Store) ListSchedulable(ctx context.Context) ([]models.SchedulableIntegration, error) {
	rows, err := s.query(ctx, `
		SELECT i.id, i.workspace_id, i.provider, i.sync_time, i.timezone, w.timezone
		FROM integrations i
		LEFT JOIN workspaces w ON w.id = i.workspace_id
		WHERE i.auto_sync_enabled = ? AND i.status = 'active'
		ORDER BY i.id
	`, true)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedulable integrations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.SchedulableIntegration
	for rows.Next() {
		var si models.SchedulableIntegration
		var syncTime, tz, wsTZ sql.NullString
		if err := rows.Scan(&si.ID, &si.WorkspaceID, &si.Provider, &syncTime, &tz, &wsTZ); err != nil {
			return nil, fmt.Errorf("failed to scan schedulable integration: %w", err)
		}
		si.SyncTime = syncTime.String
		si.Timezone = tz.String
		si.WorkspaceTimezone = wsTZ.String
		out = append(out, si)
	}

	return out, rows.Err()
}
