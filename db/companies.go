// ABOUTME: Company database operations
// ABOUTME: Exact-name lookup per workspace, creation, person links, and social profiles
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

// FindCompanyByName matches the name exactly within the workspace.
func (s *Store) FindCompanyByName(ctx context.Context, workspaceID uuid.UUID, name string) (*models.Company, error) {
	c := &models.Company{}
	var domain sql.NullString

	err := s.queryRow(ctx, `
		SELECT id, workspace_id, name, domain, created_at, updated_at
		FROM companies WHERE workspace_id = ? AND name = ?
	`, workspaceID.String(), name).Scan(&c.ID, &c.WorkspaceID, &c.Name, &domain, &c.CreatedAt, &c.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find company: %w", err)
	}
	c.Domain = domain.String

	return c, nil
}

func (s *Store) CreateCompany(ctx context.Context, c *models.Company) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := s.exec(ctx, `
		INSERT INTO companies (id, workspace_id, name, domain, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID.String(), c.WorkspaceID.String(), c.Name, nullString(c.Domain), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create company: %w", err)
	}
	return nil
}

// LinkPersonCompany is idempotent. A later non-empty role replaces the stored
// one.
func (s *Store) LinkPersonCompany(ctx context.Context, personID, companyID uuid.UUID, role string) error {
	_, err := s.exec(ctx, `
		INSERT INTO person_companies (person_id, company_id, role, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(person_id, company_id) DO UPDATE SET
			role = COALESCE(excluded.role, person_companies.role)
	`, personID.String(), companyID.String(), nullString(role), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to link person to company: %w", err)
	}
	return nil
}

// CompanyLink is a person's affiliation as stored.
type CompanyLink struct {
	CompanyID uuid.UUID
	Name      string
	Role      string
}

func (s *Store) ListPersonCompanies(ctx context.Context, personID uuid.UUID) ([]CompanyLink, error) {
	rows, err := s.query(ctx, `
		SELECT c.id, c.name, pc.role
		FROM person_companies pc
		JOIN companies c ON c.id = pc.company_id
		WHERE pc.person_id = ?
		ORDER BY c.name
	`, personID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query person companies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var links []CompanyLink
	for rows.Next() {
		var l CompanyLink
		var role sql.NullString
		if err := rows.Scan(&l.CompanyID, &l.Name, &role); err != nil {
			return nil, err
		}
		l.Role = role.String
		links = append(links, l)
	}
	return links, rows.Err()
}

// UpsertSocialProfile keeps one profile per (person, platform). Non-empty
// incoming values overwrite stored ones.
func (s *Store) UpsertSocialProfile(ctx context.Context, personID uuid.UUID, profile models.SocialProfile) error {
	now := time.Now().UTC()

	_, err := s.exec(ctx, `
		INSERT INTO social_profiles (id, person_id, platform, url, username, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(person_id, platform) DO UPDATE SET
			url = COALESCE(excluded.url, social_profiles.url),
			username = COALESCE(excluded.username, social_profiles.username),
			updated_at = excluded.updated_at
	`, uuid.New().String(), personID.String(), profile.Platform, nullString(profile.URL),
		nullString(profile.Username), now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert social profile: %w", err)
	}
	return nil
}

func (s *Store) ListSocialProfiles(ctx context.Context, personID uuid.UUID) ([]models.SocialProfile, error) {
	rows, err := s.query(ctx, `
		SELECT platform, url, username FROM social_profiles WHERE person_id = ? ORDER BY platform
	`, personID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query social profiles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var profiles []models.SocialProfile
	for rows.Next() {
		var p models.SocialProfile
		var url, username sql.NullString
		if err := rows.Scan(&p.Platform, &url, &username); err != nil {
			return nil, err
		}
		p.URL = url.String
		p.Username = username.String
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}
