// ABOUTME: Database schema definitions
// ABOUTME: Tables for integrations, sync logs, trigger keys, and the relationship graph
package db

import (
	"context"
	"fmt"
)

// Statements are portable between SQLite and Postgres. Timestamps are stored
// in UTC.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		timezone TEXT,
		created_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS integrations (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		access_token TEXT,
		refresh_token TEXT,
		token_expires_at TIMESTAMP,
		sync_cursor TEXT,
		status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'error')),
		last_sync_error TEXT,
		last_synced_at TIMESTAMP,
		auto_sync_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		sync_time TEXT,
		timezone TEXT,
		account_email TEXT,
		account_name TEXT,
		metadata TEXT,
		run_lock_until BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(workspace_id, provider)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_integrations_auto_sync ON integrations(auto_sync_enabled, status)`,

	`CREATE TABLE IF NOT EXISTS sync_logs (
		id TEXT PRIMARY KEY,
		integration_id TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		status TEXT NOT NULL CHECK(status IN ('running', 'completed', 'failed')),
		items_synced INTEGER NOT NULL DEFAULT 0,
		items_created INTEGER NOT NULL DEFAULT 0,
		items_updated INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_logs_integration ON sync_logs(integration_id, started_at)`,

	`CREATE TABLE IF NOT EXISTS sync_triggers (
		idempotency_key TEXT PRIMARY KEY,
		integration_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS people (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		email TEXT,
		first_name TEXT NOT NULL,
		last_name TEXT,
		display_name TEXT,
		phone TEXT,
		bio TEXT,
		location TEXT,
		avatar_url TEXT,
		job_title TEXT,
		relationship_type TEXT,
		relationship_strength TEXT,
		custom_data TEXT,
		source TEXT NOT NULL,
		source_id TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(workspace_id, email)
	)`,

	`CREATE TABLE IF NOT EXISTS companies (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		name TEXT NOT NULL,
		domain TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(workspace_id, name)
	)`,

	`CREATE TABLE IF NOT EXISTS person_companies (
		person_id TEXT NOT NULL,
		company_id TEXT NOT NULL,
		role TEXT,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (person_id, company_id)
	)`,

	`CREATE TABLE IF NOT EXISTS social_profiles (
		id TEXT PRIMARY KEY,
		person_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		url TEXT,
		username TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(person_id, platform)
	)`,

	`CREATE TABLE IF NOT EXISTS interactions (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		type TEXT NOT NULL CHECK(type IN ('email', 'meeting', 'message', 'call')),
		direction TEXT,
		subject TEXT,
		content TEXT,
		duration_minutes INTEGER,
		occurred_at TIMESTAMP NOT NULL,
		source TEXT NOT NULL,
		source_id TEXT,
		source_url TEXT,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(workspace_id, source, source_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_interactions_occurred ON interactions(workspace_id, occurred_at)`,

	`CREATE TABLE IF NOT EXISTS interaction_participants (
		interaction_id TEXT NOT NULL,
		person_id TEXT NOT NULL,
		PRIMARY KEY (interaction_id, person_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_interaction_participants_person ON interaction_participants(person_id)`,
}

// InitSchema creates all tables and indexes if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}
