// ABOUTME: Person database operations
// ABOUTME: Lookups by workspace email plus creation and allow-listed field updates
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

const personColumns = `
	id, workspace_id, email, first_name, last_name, display_name, phone, bio, location,
	avatar_url, job_title, relationship_type, relationship_strength, custom_data,
	source, source_id, created_at, updated_at`

func scanPerson(row rowScanner) (*models.Person, error) {
	var p models.Person
	var email, lastName, displayName, phone, bio, location, avatar, jobTitle sql.NullString
	var relType, relStrength, customData, sourceID sql.NullString

	err := row.Scan(
		&p.ID, &p.WorkspaceID, &email, &p.FirstName, &lastName, &displayName, &phone, &bio,
		&location, &avatar, &jobTitle, &relType, &relStrength, &customData,
		&p.Source, &sourceID, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Email = email.String
	p.LastName = lastName.String
	p.DisplayName = displayName.String
	p.Phone = phone.String
	p.Bio = bio.String
	p.Location = location.String
	p.AvatarURL = avatar.String
	p.JobTitle = jobTitle.String
	p.RelationshipType = relType.String
	p.RelationshipStrength = relStrength.String
	p.SourceID = sourceID.String
	if customData.Valid && customData.String != "" {
		if err := json.Unmarshal([]byte(customData.String), &p.CustomData); err != nil {
			return nil, fmt.Errorf("failed to decode custom data: %w", err)
		}
	}

	return &p, nil
}

// FindPersonByEmail returns nil, nil when no person in the workspace has the
// email. Callers pass an already-normalized address.
func (s *Store) FindPersonByEmail(ctx context.Context, workspaceID uuid.UUID, email string) (*models.Person, error) {
	p, err := scanPerson(s.queryRow(ctx, `SELECT `+personColumns+` FROM people WHERE workspace_id = ? AND email = ?`,
		workspaceID.String(), email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find person: %w", err)
	}
	return p, nil
}

func (s *Store) GetPerson(ctx context.Context, id uuid.UUID) (*models.Person, error) {
	p, err := scanPerson(s.queryRow(ctx, `SELECT `+personColumns+` FROM people WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get person: %w", err)
	}
	return p, nil
}

func (s *Store) CreatePerson(ctx context.Context, p *models.Person) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	customData, err := encodeJSON(p.CustomData)
	if err != nil {
		return fmt.Errorf("failed to encode custom data: %w", err)
	}

	_, err = s.exec(ctx, `
		INSERT INTO people (`+personColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID.String(), p.WorkspaceID.String(), nullString(p.Email), p.FirstName, nullString(p.LastName),
		nullString(p.DisplayName), nullString(p.Phone), nullString(p.Bio), nullString(p.Location),
		nullString(p.AvatarURL), nullString(p.JobTitle), nullString(p.RelationshipType),
		nullString(p.RelationshipStrength), customData, p.Source, nullString(p.SourceID),
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create person: %w", err)
	}
	return nil
}

// UpdatePersonFields writes the sync-mutable fields of p. Relationship
// settings and custom data are not touched.
func (s *Store) UpdatePersonFields(ctx context.Context, p *models.Person) error {
	p.UpdatedAt = time.Now().UTC()

	_, err := s.exec(ctx, `
		UPDATE people
		SET first_name = ?, last_name = ?, display_name = ?, phone = ?, bio = ?, location = ?,
		    avatar_url = ?, updated_at = ?
		WHERE id = ?
	`,
		p.FirstName, nullString(p.LastName), nullString(p.DisplayName), nullString(p.Phone),
		nullString(p.Bio), nullString(p.Location), nullString(p.AvatarURL), p.UpdatedAt, p.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update person: %w", err)
	}
	return nil
}

func (s *Store) ListPeople(ctx context.Context, workspaceID uuid.UUID) ([]models.Person, error) {
	rows, err := s.query(ctx, `SELECT `+personColumns+` FROM people WHERE workspace_id = ? ORDER BY created_at, id`,
		workspaceID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query people: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var people []models.Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan person: %w", err)
		}
		people = append(people, *p)
	}
	return people, rows.Err()
}

// SetRelationship changes the user-owned relationship settings. Sync never
// calls this.
func (s *Store) SetRelationship(ctx context.Context, id uuid.UUID, relType, strength string) error {
	_, err := s.exec(ctx, `
		UPDATE people SET relationship_type = ?, relationship_strength = ?, updated_at = ? WHERE id = ?
	`, nullString(relType), nullString(strength), time.Now().UTC(), id.String())
	if err != nil {
		return fmt.Errorf("failed to set relationship: %w", err)
	}
	return nil
}
