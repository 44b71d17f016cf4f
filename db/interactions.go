// ABOUTME: Interaction database operations
// ABOUTME: Source-keyed dedup lookups, creation, and participant links
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/harperreed/relsync/models"
)

// FindInteractionBySource returns nil, nil if no interaction in the workspace
// carries the (source, sourceID) pair.
func (s *Store) FindInteractionBySource(ctx context.Context, workspaceID uuid.UUID, source, sourceID string) (*models.Interaction, error) {
	var in models.Interaction
	var direction, subject, content, sourceURL sql.NullString
	var duration sql.NullInt64

	err := s.queryRow(ctx, `
		SELECT id, workspace_id, type, direction, subject, content, duration_minutes,
		       occurred_at, source, source_id, source_url, created_at
		FROM interactions
		WHERE workspace_id = ? AND source = ? AND source_id = ?
	`, workspaceID.String(), source, sourceID).Scan(
		&in.ID, &in.WorkspaceID, &in.Type, &direction, &subject, &content, &duration,
		&in.OccurredAt, &in.Source, &in.SourceID, &sourceURL, &in.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find interaction: %w", err)
	}

	in.Direction = direction.String
	in.Subject = subject.String
	in.Content = content.String
	in.SourceURL = sourceURL.String
	if duration.Valid {
		d := int(duration.Int64)
		in.DurationMinutes = &d
	}

	return &in, nil
}

func (s *Store) CreateInteraction(ctx context.Context, in *models.Interaction) error {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	in.CreatedAt = time.Now().UTC()

	metadata, err := encodeJSON(in.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	var duration any
	if in.DurationMinutes != nil {
		duration = *in.DurationMinutes
	}

	_, err = s.exec(ctx, `
		INSERT INTO interactions (
			id, workspace_id, type, direction, subject, content, duration_minutes,
			occurred_at, source, source_id, source_url, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		in.ID.String(), in.WorkspaceID.String(), in.Type, nullString(in.Direction), nullString(in.Subject),
		nullString(in.Content), duration, in.OccurredAt.UTC(), in.Source, nullString(in.SourceID),
		nullString(in.SourceURL), metadata, in.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create interaction: %w", err)
	}
	return nil
}

// LinkParticipant is idempotent.
func (s *Store) LinkParticipant(ctx context.Context, interactionID, personID uuid.UUID) error {
	_, err := s.exec(ctx, `
		INSERT INTO interaction_participants (interaction_id, person_id)
		VALUES (?, ?)
		ON CONFLICT(interaction_id, person_id) DO NOTHING
	`, interactionID.String(), personID.String())
	if err != nil {
		return fmt.Errorf("failed to link participant: %w", err)
	}
	return nil
}

func (s *Store) ListParticipants(ctx context.Context, interactionID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.query(ctx, `
		SELECT person_id FROM interaction_participants WHERE interaction_id = ? ORDER BY person_id
	`, interactionID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountInteractions returns how many interactions the workspace holds.
func (s *Store) CountInteractions(ctx context.Context, workspaceID uuid.UUID) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM interactions WHERE workspace_id = ?`, workspaceID.String()).Scan(&n)
	return n, err
}
