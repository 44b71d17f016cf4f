package scheduler

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harperreed/relsync/db"
	"github.com/harperreed/relsync/models"
	"github.com/harperreed/relsync/orchestrator"
)

type staticSource struct {
	items []models.SchedulableIntegration
	err   error
}

func (s *staticSource) ListSchedulable(context.Context) ([]models.SchedulableIntegration, error) {
	return s.items, s.err
}

type memoryLedger struct {
	mu      sync.Mutex
	claimed map[string]bool
	failFor uuid.UUID
}

func (l *memoryLedger) Claim(_ context.Context, key string, integrationID uuid.UUID) (bool, error) {
	if integrationID == l.failFor {
		return false, errors.New("ledger unavailable")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.claimed == nil {
		l.claimed = make(map[string]bool)
	}
	if l.claimed[key] {
		return false, nil
	}
	l.claimed[key] = true
	return true, nil
}

type recordingRunner struct {
	mu   sync.Mutex
	runs []uuid.UUID
	err  error
}

func (r *recordingRunner) Run(_ context.Context, integrationID, _ uuid.UUID) (*orchestrator.RunResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, integrationID)
	return &orchestrator.RunResult{IntegrationID: integrationID}, r.err
}

func (r *recordingRunner) ran() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uuid.UUID(nil), r.runs...)
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestTickMatchesLocalTime(t *testing.T) {
	// 14:00 UTC is 09:00 in Chicago (CDT) and 16:00 in Berlin (CEST).
	now := time.Date(2026, 6, 15, 14, 0, 30, 0, time.UTC)

	chicago := models.SchedulableIntegration{ID: uuid.New(), WorkspaceID: uuid.New(), SyncTime: "09:00", Timezone: "America/Chicago"}
	berlinWorkspace := models.SchedulableIntegration{ID: uuid.New(), WorkspaceID: uuid.New(), SyncTime: "16:00:00", WorkspaceTimezone: "Europe/Berlin"}
	badZone := models.SchedulableIntegration{ID: uuid.New(), WorkspaceID: uuid.New(), SyncTime: "14:00", Timezone: "Mars/Olympus"}
	notYet := models.SchedulableIntegration{ID: uuid.New(), WorkspaceID: uuid.New(), SyncTime: "09:05", Timezone: "America/Chicago"}
	noTime := models.SchedulableIntegration{ID: uuid.New(), WorkspaceID: uuid.New()}

	runner := &recordingRunner{}
	s := New(Options{
		Source: &staticSource{items: []models.SchedulableIntegration{chicago, berlinWorkspace, badZone, notYet, noTime}},
		Ledger: &memoryLedger{},
		Runner: runner,
		Now:    fixedClock(now),
	})

	launched, err := s.Tick(context.Background())
	require.NoError(t, err)
	s.Wait()

	assert.Equal(t, 3, launched)
	assert.ElementsMatch(t, []uuid.UUID{chicago.ID, berlinWorkspace.ID, badZone.ID}, runner.ran())
}

func TestTickTriggersOncePerLocalDay(t *testing.T) {
	in := models.SchedulableIntegration{ID: uuid.New(), WorkspaceID: uuid.New(), SyncTime: "23:30", Timezone: "America/Los_Angeles"}
	runner := &recordingRunner{}
	ledger := &memoryLedger{}

	clock := time.Date(2026, 1, 10, 7, 30, 0, 0, time.UTC) // 23:30 on Jan 9 in LA
	s := New(Options{
		Source: &staticSource{items: []models.SchedulableIntegration{in}},
		Ledger: ledger,
		Runner: runner,
		Now:    func() time.Time { return clock },
	})

	launched, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, launched)

	clock = clock.Add(20 * time.Second)
	launched, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, launched, "same minute, same local date")

	clock = clock.Add(24 * time.Hour)
	launched, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, launched)

	s.Wait()
	assert.Len(t, runner.ran(), 2)
	assert.True(t, ledger.claimed["sync:"+in.ID.String()+":2026-01-09"])
	assert.True(t, ledger.claimed["sync:"+in.ID.String()+":2026-01-10"])
}

func TestTickContinuesAfterClaimFailure(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	failing := models.SchedulableIntegration{ID: uuid.New(), WorkspaceID: uuid.New(), SyncTime: "08:00"}
	healthy := models.SchedulableIntegration{ID: uuid.New(), WorkspaceID: uuid.New(), SyncTime: "08:00"}

	runner := &recordingRunner{err: errors.New("run failed")}
	s := New(Options{
		Source: &staticSource{items: []models.SchedulableIntegration{failing, healthy}},
		Ledger: &memoryLedger{failFor: failing.ID},
		Runner: runner,
		Now:    fixedClock(now),
	})

	launched, err := s.Tick(context.Background())
	require.NoError(t, err)
	s.Wait()

	assert.Equal(t, 1, launched)
	assert.Equal(t, []uuid.UUID{healthy.ID}, runner.ran())
}

func TestTickSourceError(t *testing.T) {
	s := New(Options{
		Source: &staticSource{err: errors.New("db down")},
		Ledger: &memoryLedger{},
		Runner: &recordingRunner{},
	})

	_, err := s.Tick(context.Background())
	assert.Error(t, err)
}

func TestResolveLocation(t *testing.T) {
	tests := []struct {
		name        string
		integration string
		workspace   string
		want        string
	}{
		{"integration override", "Asia/Tokyo", "Europe/Paris", "Asia/Tokyo"},
		{"invalid override falls back to workspace", "Nowhere/Town", "Europe/Paris", "Europe/Paris"},
		{"workspace only", "", "America/New_York", "America/New_York"},
		{"nothing valid", "bogus", "also bogus", "UTC"},
		{"empty", "", "", "UTC"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveLocation(tt.integration, tt.workspace).String())
		})
	}
}

func TestMatchesSyncTime(t *testing.T) {
	local := time.Date(2026, 5, 5, 9, 5, 59, 0, time.UTC)

	assert.True(t, matchesSyncTime("09:05", local))
	assert.True(t, matchesSyncTime("9:05", local))
	assert.True(t, matchesSyncTime("09:05:00", local))
	assert.False(t, matchesSyncTime("09:06", local))
	assert.False(t, matchesSyncTime("", local))
	assert.False(t, matchesSyncTime("nine", local))
}

func TestStartRejectsBadSpec(t *testing.T) {
	s := New(Options{Source: &staticSource{}, Ledger: &memoryLedger{}, Runner: &recordingRunner{}, Spec: "not a spec"})
	assert.Error(t, s.Start())
}

func TestStartStop(t *testing.T) {
	s := New(Options{Source: &staticSource{}, Ledger: &memoryLedger{}, Runner: &recordingRunner{}})
	require.NoError(t, s.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}

func TestDBLedger(t *testing.T) {
	store, err := db.OpenDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ledger := NewDBLedger(store)
	id := uuid.New()
	key := IdempotencyKey(id, time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC))
	assert.Equal(t, "sync:"+id.String()+":2026-02-01", key)

	ok, err := ledger.Claim(context.Background(), key, id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ledger.Claim(context.Background(), key, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisLedger(t *testing.T) {
	url := os.Getenv("RELSYNC_TEST_REDIS_URL")
	if url == "" {
		t.Skip("RELSYNC_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	ledger := NewRedisLedger(client)
	id := uuid.New()
	key := IdempotencyKey(id, time.Now())
	t.Cleanup(func() { client.Del(context.Background(), redisKeyPrefix+key) })

	ok, err := ledger.Claim(context.Background(), key, id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ledger.Claim(context.Background(), key, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolveLocationLogsInvalidZone(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	assert.Equal(t, "UTC", ResolveLocation("Mars/Olympus", "").String())
	assert.Contains(t, buf.String(), `"timezone":"Mars/Olympus"`)
	assert.Contains(t, buf.String(), `"level":"warn"`)

	buf.Reset()
	ResolveLocation("Europe/Berlin", "")
	assert.Empty(t, buf.String())
}
