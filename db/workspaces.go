// ABOUTME: Workspace database operations
// ABOUTME: Workspaces are owned upstream; the sync core reads their timezone preference
package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/harperreed/relsync/models"
)

func (s *Store) CreateWorkspace(ctx context.Context, ws *models.Workspace) error {
	if ws.ID == uuid.Nil {
		ws.ID = uuid.New()
	}
	ws.CreatedAt = time.Now().UTC()

	_, err := s.exec(ctx, `
		INSERT INTO workspaces (id, name, timezone, created_at)
		VALUES (?, ?, ?, ?)
	`, ws.ID.String(), ws.Name, nullString(ws.Timezone), ws.CreatedAt)

	return err
}

func (s *Store) GetWorkspace(ctx context.Context, id uuid.UUID) (*models.Workspace, error) {
	ws := &models.Workspace{}
	var tz sql.NullString

	err := s.queryRow(ctx, `
		SELECT id, name, timezone, created_at FROM workspaces WHERE id = ?
	`, id.String()).Scan(&ws.ID, &ws.Name, &tz, &ws.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ws.Timezone = tz.String

	return ws, nil
}
