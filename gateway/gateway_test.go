package gateway

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harperreed/relsync/connectors"
	"github.com/harperreed/relsync/db"
	"github.com/harperreed/relsync/models"
)

type notification struct {
	entity string
	ids    []uuid.UUID
}

type fakeNotifier struct {
	calls []notification
	err   error
}

func (f *fakeNotifier) NotifyTouched(_ context.Context, _ uuid.UUID, entityType string, ids []uuid.UUID) error {
	f.calls = append(f.calls, notification{entity: entityType, ids: ids})
	return f.err
}

func setup(t *testing.T) (*db.Store, uuid.UUID) {
	t.Helper()
	store, err := db.OpenDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ws := &models.Workspace{Name: "Test"}
	require.NoError(t, store.CreateWorkspace(context.Background(), ws))
	return store, ws.ID
}

func TestProcessSyncCreatesThenMerges(t *testing.T) {
	store, ws := setup(t)
	ctx := context.Background()
	g := New(store, nil)

	first := &models.SyncResult{People: []models.NormalizedPerson{{
		Email:       "Alice@Acme.com",
		FirstName:   "Alice",
		CompanyName: "Acme",
		JobTitle:    "CTO",
		Source:      connectors.ProviderGoogleContacts,
	}}}

	summary, err := g.ProcessSync(ctx, first, ws)
	require.NoError(t, err)
	assert.Equal(t, Summary{PeopleCreated: 1, CompaniesCreated: 1}, summary)

	second := &models.SyncResult{People: []models.NormalizedPerson{{
		Email:     "alice@acme.com",
		FirstName: "",
		LastName:  "Smith",
		Source:    connectors.ProviderGmail,
	}}}

	summary, err = g.ProcessSync(ctx, second, ws)
	require.NoError(t, err)
	assert.Equal(t, Summary{PeopleUpdated: 1}, summary)

	p, err := store.FindPersonByEmail(ctx, ws, "alice@acme.com")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Alice", p.FirstName, "empty incoming values never blank a field")
	assert.Equal(t, "Smith", p.LastName)
	assert.Equal(t, "CTO", p.JobTitle)
	assert.Equal(t, connectors.ProviderGoogleContacts, p.Source)

	links, err := store.ListPersonCompanies(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "Acme", links[0].Name)
	assert.Equal(t, "CTO", links[0].Role)

	people, err := store.ListPeople(ctx, ws)
	require.NoError(t, err)
	assert.Len(t, people, 1)
}

func TestProcessSyncUnchangedPersonIsNotCountedAsUpdated(t *testing.T) {
	store, ws := setup(t)
	g := New(store, nil)

	result := &models.SyncResult{People: []models.NormalizedPerson{{Email: "bob@x.com", FirstName: "Bob", Source: "gmail"}}}

	_, err := g.ProcessSync(context.Background(), result, ws)
	require.NoError(t, err)
	summary, err := g.ProcessSync(context.Background(), result, ws)
	require.NoError(t, err)
	assert.Equal(t, Summary{}, summary)
}

func TestProcessSyncDefaultsFirstName(t *testing.T) {
	store, ws := setup(t)

	_, err := New(store, nil).ProcessSync(context.Background(), &models.SyncResult{
		People: []models.NormalizedPerson{{Email: "noname@x.com", Source: "gmail"}},
	}, ws)
	require.NoError(t, err)

	p, err := store.FindPersonByEmail(context.Background(), ws, "noname@x.com")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Unknown", p.FirstName)
}

func TestProcessSyncPreservesRelationshipFields(t *testing.T) {
	store, ws := setup(t)
	ctx := context.Background()
	g := New(store, nil)

	_, err := g.ProcessSync(ctx, &models.SyncResult{People: []models.NormalizedPerson{{
		Email: "carol@x.com", FirstName: "Carol", Source: "csv:a.csv",
		CustomData: map[string]any{"tier": "gold"},
	}}}, ws)
	require.NoError(t, err)

	p, err := store.FindPersonByEmail(ctx, ws, "carol@x.com")
	require.NoError(t, err)
	require.NoError(t, store.SetRelationship(ctx, p.ID, "friend", "strong"))

	_, err = g.ProcessSync(ctx, &models.SyncResult{People: []models.NormalizedPerson{{
		Email: "carol@x.com", FirstName: "Caroline", Bio: "Met at a conference", Source: "gmail",
		CustomData: map[string]any{"tier": "bronze"},
	}}}, ws)
	require.NoError(t, err)

	p, err = store.FindPersonByEmail(ctx, ws, "carol@x.com")
	require.NoError(t, err)
	assert.Equal(t, "Caroline", p.FirstName)
	assert.Equal(t, "Met at a conference", p.Bio)
	assert.Equal(t, "friend", p.RelationshipType)
	assert.Equal(t, "strong", p.RelationshipStrength)
	assert.Equal(t, map[string]any{"tier": "gold"}, p.CustomData)
}

func TestProcessSyncLinksParticipantsAndDedupesInteractions(t *testing.T) {
	store, ws := setup(t)
	ctx := context.Background()
	g := New(store, nil)

	result := &models.SyncResult{
		People: []models.NormalizedPerson{
			{Email: "dan@x.com", FirstName: "Dan", Source: "gmail"},
			{Email: "eve@x.com", FirstName: "Eve", Source: "gmail"},
		},
		Interactions: []models.NormalizedInteraction{{
			Type:         models.InteractionEmail,
			Direction:    models.DirectionInbound,
			Subject:      "Hello",
			OccurredAt:   time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC),
			Participants: []string{"DAN@x.com", "eve@x.com", "stranger@x.com"},
			Source:       "gmail",
			SourceID:     "msg-1",
		}},
	}

	summary, err := g.ProcessSync(ctx, result, ws)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.PeopleCreated)
	assert.Equal(t, 1, summary.InteractionsCreated)

	in, err := store.FindInteractionBySource(ctx, ws, "gmail", "msg-1")
	require.NoError(t, err)
	require.NotNil(t, in)

	participants, err := store.ListParticipants(ctx, in.ID)
	require.NoError(t, err)
	assert.Len(t, participants, 2, "unknown emails are dropped")

	// A re-run with a changed subject keeps the first write.
	result.Interactions[0].Subject = "Hello again"
	summary, err = g.ProcessSync(ctx, result, ws)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.InteractionsCreated)
	assert.Equal(t, 1, summary.InteractionsSkipped)

	in, err = store.FindInteractionBySource(ctx, ws, "gmail", "msg-1")
	require.NoError(t, err)
	assert.Equal(t, "Hello", in.Subject)

	count, err := store.CountInteractions(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestProcessSyncCSVImportIsIdempotent(t *testing.T) {
	store, ws := setup(t)
	ctx := context.Background()
	g := New(store, nil)

	content := []byte("First Name,Last Name,Email Address,Company,Position,Connected On\n" +
		"Linus,Torvalds,linus@kernel.org,Linux Foundation,Fellow,05 Mar 2024\n")

	parse := func() *models.SyncResult {
		result, err := connectors.NewCSV().ParseFile(content, "Connections.csv")
		require.NoError(t, err)
		return result
	}

	summary, err := g.ProcessSync(ctx, parse(), ws)
	require.NoError(t, err)
	assert.Equal(t, Summary{PeopleCreated: 1, CompaniesCreated: 1, InteractionsCreated: 1}, summary)

	summary, err = g.ProcessSync(ctx, parse(), ws)
	require.NoError(t, err)
	assert.Equal(t, Summary{InteractionsSkipped: 1}, summary)

	people, err := store.ListPeople(ctx, ws)
	require.NoError(t, err)
	assert.Len(t, people, 1)
}

func TestProcessSyncSocialProfiles(t *testing.T) {
	store, ws := setup(t)
	ctx := context.Background()
	g := New(store, nil)

	person := models.NormalizedPerson{
		Email: "frank@x.com", FirstName: "Frank", Source: "google_contacts",
		SocialProfiles: []models.SocialProfile{{Platform: "github", URL: "https://github.com/frank", Username: "frank"}},
	}
	_, err := g.ProcessSync(ctx, &models.SyncResult{People: []models.NormalizedPerson{person}}, ws)
	require.NoError(t, err)

	person.SocialProfiles = []models.SocialProfile{{Platform: "github", Username: "frankly"}}
	_, err = g.ProcessSync(ctx, &models.SyncResult{People: []models.NormalizedPerson{person}}, ws)
	require.NoError(t, err)

	p, err := store.FindPersonByEmail(ctx, ws, "frank@x.com")
	require.NoError(t, err)
	profiles, err := store.ListSocialProfiles(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []models.SocialProfile{{Platform: "github", URL: "https://github.com/frank", Username: "frankly"}}, profiles)
}

func TestProcessSyncPeopleWithoutEmailAreInserted(t *testing.T) {
	store, ws := setup(t)
	g := New(store, nil)

	result := &models.SyncResult{People: []models.NormalizedPerson{{FirstName: "Ghost", Source: "csv:a.csv"}}}
	summary, err := g.ProcessSync(context.Background(), result, ws)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.PeopleCreated)
}

func TestProcessSyncNotifiesOncePerEntityType(t *testing.T) {
	store, ws := setup(t)
	notifier := &fakeNotifier{err: errors.New("indexer down")}
	g := New(store, notifier)

	result := &models.SyncResult{
		People: []models.NormalizedPerson{
			{Email: "h@x.com", FirstName: "H", CompanyName: "Hco", Source: "gmail"},
			{Email: "i@x.com", FirstName: "I", CompanyName: "Hco", Source: "gmail"},
		},
		Interactions: []models.NormalizedInteraction{{
			Type: models.InteractionEmail, OccurredAt: time.Now(), Participants: []string{"h@x.com"},
			Source: "gmail", SourceID: "m1",
		}},
	}

	summary, err := g.ProcessSync(context.Background(), result, ws)
	require.NoError(t, err, "notification errors are swallowed")
	assert.Equal(t, 1, summary.CompaniesCreated)

	require.Len(t, notifier.calls, 3)
	assert.Equal(t, models.EntityPerson, notifier.calls[0].entity)
	assert.Len(t, notifier.calls[0].ids, 2)
	assert.Equal(t, models.EntityCompany, notifier.calls[1].entity)
	assert.Len(t, notifier.calls[1].ids, 1)
	assert.Equal(t, models.EntityInteraction, notifier.calls[2].entity)
	assert.Len(t, notifier.calls[2].ids, 1)
}

func TestProcessSyncNilResult(t *testing.T) {
	store, ws := setup(t)
	summary, err := New(store, nil).ProcessSync(context.Background(), nil, ws)
	require.NoError(t, err)
	assert.Equal(t, Summary{}, summary)
}

func TestProcessSyncKeepsJobTitleOnCompanyLinkOnly(t *testing.T) {
	store, ws := setup(t)
	ctx := context.Background()
	g := New(store, nil)

	_, err := g.ProcessSync(ctx, &models.SyncResult{People: []models.NormalizedPerson{{
		Email: "dan@x.com", FirstName: "Dan", Source: connectors.ProviderGmail,
	}}}, ws)
	require.NoError(t, err)

	summary, err := g.ProcessSync(ctx, &models.SyncResult{People: []models.NormalizedPerson{{
		Email: "dan@x.com", FirstName: "Dan", CompanyName: "Initech", JobTitle: "VP Sales",
		Source: connectors.ProviderGoogleContacts,
	}}}, ws)
	require.NoError(t, err)
	assert.Equal(t, Summary{CompaniesCreated: 1}, summary)

	p, err := store.FindPersonByEmail(ctx, ws, "dan@x.com")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Empty(t, p.JobTitle, "job title is outside the merge allow-list")

	links, err := store.ListPersonCompanies(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "VP Sales", links[0].Role)
}
