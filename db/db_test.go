package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/harperreed/relsync/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *Store {
	t.Helper()
	store, err := OpenDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createTestWorkspace(t *testing.T, store *Store, tz string) *models.Workspace {
	t.Helper()
	ws := &models.Workspace{Name: "Test", Timezone: tz}
	require.NoError(t, store.CreateWorkspace(context.Background(), ws))
	return ws
}

func TestOpenDatabase(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "test.db")

	store, err := OpenDatabase(dbPath)
	if err != nil {
		t.Fatalf("OpenDatabase failed: %v", err)
	}
	defer func() { _ = store.Close() }()

	// Verify database file exists
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}

	// Verify WAL mode
	var mode string
	err = store.DB().QueryRow("PRAGMA journal_mode").Scan(&mode)
	if err != nil {
		t.Fatalf("Failed to query journal mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("Expected WAL mode, got %s", mode)
	}

	if err := store.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := Open("mysql", "whatever")
	assert.Error(t, err)
}

func TestWorkspaceRoundTrip(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	ws := createTestWorkspace(t, store, "America/Chicago")

	got, err := store.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "America/Chicago", got.Timezone)

	missing, err := store.GetWorkspace(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUpsertIntegration(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	ws := createTestWorkspace(t, store, "")

	in := &models.Integration{
		WorkspaceID:  ws.ID,
		Provider:     "gmail",
		AccessToken:  "enc-access",
		RefreshToken: "enc-refresh",
		AccountEmail: "me@example.com",
		Metadata:     map[string]any{"scope": "readonly"},
	}
	require.NoError(t, store.UpsertIntegration(ctx, in))
	firstID := in.ID
	assert.Equal(t, models.IntegrationActive, in.Status)

	require.NoError(t, store.CompleteSync(ctx, in.ID, models.Cursor{"historyId": "42"}, time.Now()))
	require.NoError(t, store.FailSync(ctx, in.ID, "boom"))

	// Reconnect replaces tokens, keeps the id and cursor, and clears the error
	again := &models.Integration{WorkspaceID: ws.ID, Provider: "gmail", AccessToken: "enc-access-2"}
	require.NoError(t, store.UpsertIntegration(ctx, again))
	assert.Equal(t, firstID, again.ID)
	assert.Equal(t, "enc-access-2", again.AccessToken)
	assert.Equal(t, "enc-refresh", again.RefreshToken)
	assert.Equal(t, "me@example.com", again.AccountEmail)
	assert.Equal(t, "42", again.Cursor.String("historyId"))
	assert.Equal(t, models.IntegrationActive, again.Status)
	assert.Empty(t, again.LastSyncError)

	list, err := store.ListIntegrations(ctx, ws.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestGetIntegrationScopedToWorkspace(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	ws := createTestWorkspace(t, store, "")
	other := createTestWorkspace(t, store, "")

	in := &models.Integration{WorkspaceID: ws.ID, Provider: "csv"}
	require.NoError(t, store.UpsertIntegration(ctx, in))

	_, err := store.GetIntegration(ctx, in.ID, other.ID)
	assert.ErrorIs(t, err, ErrIntegrationNotFound)

	got, err := store.GetIntegration(ctx, in.ID, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, "csv", got.Provider)
	assert.Nil(t, got.Cursor)
}

func TestSyncStatusTransitions(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	ws := createTestWorkspace(t, store, "")

	in := &models.Integration{WorkspaceID: ws.ID, Provider: "microsoft"}
	require.NoError(t, store.UpsertIntegration(ctx, in))

	require.NoError(t, store.FailSync(ctx, in.ID, "token expired"))
	got, err := store.GetIntegration(ctx, in.ID, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IntegrationError, got.Status)
	assert.Equal(t, "token expired", got.LastSyncError)

	cursor := models.Cursor{"mailDeltaLink": "https://graph/delta?token=a"}
	require.NoError(t, store.CompleteSync(ctx, in.ID, cursor, time.Now()))
	got, err = store.GetIntegration(ctx, in.ID, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IntegrationActive, got.Status)
	assert.Empty(t, got.LastSyncError)
	assert.NotNil(t, got.LastSyncedAt)
	assert.Equal(t, "https://graph/delta?token=a", got.Cursor.String("mailDeltaLink"))
}

func TestUpdateIntegrationTokens(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	ws := createTestWorkspace(t, store, "")

	in := &models.Integration{WorkspaceID: ws.ID, Provider: "google_contacts", RefreshToken: "old-refresh"}
	require.NoError(t, store.UpsertIntegration(ctx, in))

	expires := time.Now().Add(time.Hour)
	require.NoError(t, store.UpdateIntegrationTokens(ctx, in.ID, "new-access", "", &expires))

	got, err := store.GetIntegration(ctx, in.ID, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-access", got.AccessToken)
	assert.Equal(t, "old-refresh", got.RefreshToken)
	require.NotNil(t, got.TokenExpiresAt)
	assert.WithinDuration(t, expires, *got.TokenExpiresAt, time.Second)
}

func TestDeleteIntegrationRemovesTriggers(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	ws := createTestWorkspace(t, store, "")

	in := &models.Integration{WorkspaceID: ws.ID, Provider: "gmail"}
	require.NoError(t, store.UpsertIntegration(ctx, in))

	claimed, err := store.ClaimTrigger(ctx, "sync:"+in.ID.String()+":2026-01-01", in.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, store.DeleteIntegration(ctx, in.ID, ws.ID))

	var n int
	require.NoError(t, store.DB().QueryRow("SELECT COUNT(*) FROM sync_triggers").Scan(&n))
	assert.Equal(t, 0, n)

	assert.ErrorIs(t, store.DeleteIntegration(ctx, in.ID, ws.ID), ErrIntegrationNotFound)
}

func TestRunLock(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	ws := createTestWorkspace(t, store, "")

	in := &models.Integration{WorkspaceID: ws.ID, Provider: "gmail"}
	require.NoError(t, store.UpsertIntegration(ctx, in))

	now := time.Now()
	ok, err := store.AcquireRunLock(ctx, in.ID, now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.AcquireRunLock(ctx, in.ID, now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "second run must not take a held lease")

	// An expired lease can be taken over
	later := now.Add(2 * time.Minute)
	ok, err = store.AcquireRunLock(ctx, in.ID, later, later.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.ReleaseRunLock(ctx, in.ID))
	ok, err = store.AcquireRunLock(ctx, in.ID, now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestListSchedulable(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	ws := createTestWorkspace(t, store, "Europe/Berlin")

	auto := &models.Integration{WorkspaceID: ws.ID, Provider: "gmail", AutoSyncEnabled: true, SyncTime: "09:00"}
	manual := &models.Integration{WorkspaceID: ws.ID, Provider: "csv"}
	broken := &models.Integration{WorkspaceID: ws.ID, Provider: "microsoft", AutoSyncEnabled: true, SyncTime: "10:00"}
	for _, in := range []*models.Integration{auto, manual, broken} {
		require.NoError(t, store.UpsertIntegration(ctx, in))
	}
	require.NoError(t, store.FailSync(ctx, broken.ID, "401"))

	list, err := store.ListSchedulable(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, auto.ID, list[0].ID)
	assert.Equal(t, "09:00", list[0].SyncTime)
	assert.Equal(t, "Europe/Berlin", list[0].WorkspaceTimezone)
	assert.Empty(t, list[0].Timezone)

	require.NoError(t, store.UpdateSchedule(ctx, manual.ID, ws.ID, true, "07:30", "Asia/Tokyo"))
	list, err = store.ListSchedulable(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestSyncLogLifecycle(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	ws := createTestWorkspace(t, store, "")
	integrationID := uuid.New()

	log := &models.SyncLog{IntegrationID: integrationID, WorkspaceID: ws.ID}
	require.NoError(t, store.CreateSyncLog(ctx, log))
	assert.Len(t, log.ID, 26)
	assert.Equal(t, models.SyncLogRunning, log.Status)

	log.Status = models.SyncLogCompleted
	log.ItemsSynced = 3
	log.ItemsCreated = 2
	log.ItemsUpdated = 1
	require.NoError(t, store.FinishSyncLog(ctx, log))

	// Terminal logs are immutable
	log.Status = models.SyncLogFailed
	assert.Error(t, store.FinishSyncLog(ctx, log))

	logs, err := store.ListSyncLogs(ctx, integrationID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.SyncLogCompleted, logs[0].Status)
	assert.Equal(t, 3, logs[0].ItemsSynced)
	assert.NotNil(t, logs[0].CompletedAt)
}

func TestClaimTrigger(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	id := uuid.New()

	ok, err := store.ClaimTrigger(ctx, "sync:x:2026-03-01", id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ClaimTrigger(ctx, "sync:x:2026-03-01", id)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.ClaimTrigger(ctx, "sync:x:2026-03-02", id)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPeopleAndCompanies(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	ws := createTestWorkspace(t, store, "")

	p := &models.Person{WorkspaceID: ws.ID, Email: "alice@acme.com", FirstName: "Alice", Source: "gmail"}
	require.NoError(t, store.CreatePerson(ctx, p))

	// Unique per workspace email
	dup := &models.Person{WorkspaceID: ws.ID, Email: "alice@acme.com", FirstName: "Other", Source: "csv"}
	assert.Error(t, store.CreatePerson(ctx, dup))

	// People without email never collide
	for i := 0; i < 2; i++ {
		require.NoError(t, store.CreatePerson(ctx, &models.Person{WorkspaceID: ws.ID, FirstName: "Anon", Source: "csv"}))
	}

	found, err := store.FindPersonByEmail(ctx, ws.ID, "alice@acme.com")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, p.ID, found.ID)

	found.LastName = "Smith"
	require.NoError(t, store.UpdatePersonFields(ctx, found))
	got, err := store.GetPerson(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Smith", got.LastName)

	c := &models.Company{WorkspaceID: ws.ID, Name: "Acme"}
	require.NoError(t, store.CreateCompany(ctx, c))
	fc, err := store.FindCompanyByName(ctx, ws.ID, "Acme")
	require.NoError(t, err)
	require.NotNil(t, fc)
	missing, err := store.FindCompanyByName(ctx, ws.ID, "acme")
	require.NoError(t, err)
	assert.Nil(t, missing, "company names match exactly")

	require.NoError(t, store.LinkPersonCompany(ctx, p.ID, c.ID, "Engineer"))
	require.NoError(t, store.LinkPersonCompany(ctx, p.ID, c.ID, ""))
	links, err := store.ListPersonCompanies(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "Engineer", links[0].Role)

	require.NoError(t, store.UpsertSocialProfile(ctx, p.ID, models.SocialProfile{Platform: "linkedin", URL: "https://linkedin.com/in/a"}))
	require.NoError(t, store.UpsertSocialProfile(ctx, p.ID, models.SocialProfile{Platform: "linkedin", Username: "alice"}))
	profiles, err := store.ListSocialProfiles(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, "https://linkedin.com/in/a", profiles[0].URL)
	assert.Equal(t, "alice", profiles[0].Username)
}

func TestInteractions(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	ws := createTestWorkspace(t, store, "")

	duration := 30
	in := &models.Interaction{
		WorkspaceID:     ws.ID,
		Type:            models.InteractionMeeting,
		Subject:         "Sync",
		DurationMinutes: &duration,
		OccurredAt:      time.Date(2026, 2, 1, 15, 0, 0, 0, time.UTC),
		Source:          "google_calendar",
		SourceID:        "evt-1",
	}
	require.NoError(t, store.CreateInteraction(ctx, in))

	dup := *in
	dup.ID = uuid.Nil
	assert.Error(t, store.CreateInteraction(ctx, &dup), "source pair is unique per workspace")

	found, err := store.FindInteractionBySource(ctx, ws.ID, "google_calendar", "evt-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, in.ID, found.ID)
	require.NotNil(t, found.DurationMinutes)
	assert.Equal(t, 30, *found.DurationMinutes)

	p := &models.Person{WorkspaceID: ws.ID, Email: "bob@x.com", FirstName: "Bob", Source: "gmail"}
	require.NoError(t, store.CreatePerson(ctx, p))
	require.NoError(t, store.LinkParticipant(ctx, in.ID, p.ID))
	require.NoError(t, store.LinkParticipant(ctx, in.ID, p.ID))

	ids, err := store.ListParticipants(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{p.ID}, ids)

	n, err := store.CountInteractions(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
