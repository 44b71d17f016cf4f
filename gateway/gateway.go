// ABOUTME: Sync gateway that folds a connector result into the relationship graph
// ABOUTME: Resolves people by email, merges allow-listed fields, links companies and dedupes interactions
package gateway

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/harperreed/relsync/db"
	"github.com/harperreed/relsync/metrics"
	"github.com/harperreed/relsync/models"
)

const defaultFirstName = "Unknown"

// Store is the persistence the gateway writes through.
type Store interface {
	FindPersonByEmail(ctx context.Context, workspaceID uuid.UUID, email string) (*models.Person, error)
	CreatePerson(ctx context.Context, p *models.Person) error
	UpdatePersonFields(ctx context.Context, p *models.Person) error
	FindCompanyByName(ctx context.Context, workspaceID uuid.UUID, name string) (*models.Company, error)
	CreateCompany(ctx context.Context, c *models.Company) error
	LinkPersonCompany(ctx context.Context, personID, companyID uuid.UUID, role string) error
	UpsertSocialProfile(ctx context.Context, personID uuid.UUID, profile models.SocialProfile) error
	FindInteractionBySource(ctx context.Context, workspaceID uuid.UUID, source, sourceID string) (*models.Interaction, error)
	CreateInteraction(ctx context.Context, in *models.Interaction) error
	LinkParticipant(ctx context.Context, interactionID, personID uuid.UUID) error
}

var _ Store = (*db.Store)(nil)

// Notifier tells a downstream indexer which entities a run touched.
type Notifier interface {
	NotifyTouched(ctx context.Context, workspaceID uuid.UUID, entityType string, ids []uuid.UUID) error
}

type Summary struct {
	PeopleCreated       int `json:"peopleCreated"`
	PeopleUpdated       int `json:"peopleUpdated"`
	CompaniesCreated    int `json:"companiesCreated"`
	InteractionsCreated int `json:"interactionsCreated"`
	InteractionsSkipped int `json:"interactionsSkipped"`
}

// Items is the number of records written by the run.
func (s Summary) Items() int {
	return s.PeopleCreated + s.PeopleUpdated + s.CompaniesCreated + s.InteractionsCreated
}

type Gateway struct {
	store    Store
	notifier Notifier
}

// New returns a gateway. notifier may be nil.
func New(store Store, notifier Notifier) *Gateway {
	return &Gateway{store: store, notifier: notifier}
}

// run holds state scoped to a single ProcessSync call.
type run struct {
	workspaceID uuid.UUID
	byEmail     map[string]uuid.UUID
	people      []uuid.UUID
	companies   []uuid.UUID
	touched     map[uuid.UUID]bool
	summary     Summary
}

func (r *run) touchPerson(id uuid.UUID) {
	if r.touched[id] {
		return
	}
	r.touched[id] = true
	r.people = append(r.people, id)
}

// ProcessSync writes people first, then interactions, so participants
// resolve against everyone seen in the same result. Per-record failures are
// logged and skipped.
func (g *Gateway) ProcessSync(ctx context.Context, result *models.SyncResult, workspaceID uuid.UUID) (Summary, error) {
	r := &run{
		workspaceID: workspaceID,
		byEmail:     make(map[string]uuid.UUID),
		touched:     make(map[uuid.UUID]bool),
	}
	if result == nil {
		return r.summary, nil
	}

	for i := range result.People {
		if err := ctx.Err(); err != nil {
			return r.summary, err
		}
		g.processPerson(ctx, r, &result.People[i])
	}

	var interactionIDs []uuid.UUID
	for i := range result.Interactions {
		if err := ctx.Err(); err != nil {
			return r.summary, err
		}
		if id, ok := g.processInteraction(ctx, r, &result.Interactions[i]); ok {
			interactionIDs = append(interactionIDs, id)
		}
	}

	metrics.AddEntities(models.EntityPerson, "created", r.summary.PeopleCreated)
	metrics.AddEntities(models.EntityPerson, "updated", r.summary.PeopleUpdated)
	metrics.AddEntities(models.EntityCompany, "created", r.summary.CompaniesCreated)
	metrics.AddEntities(models.EntityInteraction, "created", r.summary.InteractionsCreated)
	metrics.AddEntities(models.EntityInteraction, "skipped", r.summary.InteractionsSkipped)

	g.notify(ctx, workspaceID, models.EntityPerson, r.people)
	g.notify(ctx, workspaceID, models.EntityCompany, r.companies)
	g.notify(ctx, workspaceID, models.EntityInteraction, interactionIDs)

	return r.summary, nil
}

func (g *Gateway) processPerson(ctx context.Context, r *run, in *models.NormalizedPerson) {
	logger := log.With().
		Str("workspace_id", r.workspaceID.String()).
		Str("source", in.Source).
		Str("email", in.Email).
		Logger()

	email := strings.ToLower(strings.TrimSpace(in.Email))

	var person *models.Person
	if email != "" {
		existing, err := g.store.FindPersonByEmail(ctx, r.workspaceID, email)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to look up person, skipping")
			return
		}
		person = existing
	}

	if person != nil {
		if mergePerson(person, in) {
			if err := g.store.UpdatePersonFields(ctx, person); err != nil {
				logger.Warn().Err(err).Msg("failed to update person, skipping")
				return
			}
			r.summary.PeopleUpdated++
		}
	} else {
		created, err := g.createPerson(ctx, r, email, in)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to create person, skipping")
			return
		}
		person = created
	}

	if email != "" {
		r.byEmail[email] = person.ID
	}
	r.touchPerson(person.ID)

	if name := strings.TrimSpace(in.CompanyName); name != "" {
		if err := g.linkCompany(ctx, r, person.ID, name, in); err != nil {
			logger.Warn().Err(err).Str("company", name).Msg("failed to link company")
		}
	}

	for _, profile := range in.SocialProfiles {
		if profile.Platform == "" {
			continue
		}
		if err := g.store.UpsertSocialProfile(ctx, person.ID, profile); err != nil {
			logger.Warn().Err(err).Str("platform", profile.Platform).Msg("failed to upsert social profile")
		}
	}
}

func (g *Gateway) createPerson(ctx context.Context, r *run, email string, in *models.NormalizedPerson) (*models.Person, error) {
	firstName := strings.TrimSpace(in.FirstName)
	if firstName == "" {
		firstName = defaultFirstName
	}

	p := &models.Person{
		WorkspaceID: r.workspaceID,
		Email:       email,
		FirstName:   firstName,
		LastName:    strings.TrimSpace(in.LastName),
		DisplayName: strings.TrimSpace(in.DisplayName),
		Phone:       strings.TrimSpace(in.Phone),
		Bio:         strings.TrimSpace(in.Bio),
		Location:    strings.TrimSpace(in.Location),
		AvatarURL:   strings.TrimSpace(in.AvatarURL),
		JobTitle:    strings.TrimSpace(in.JobTitle),
		CustomData:  in.CustomData,
		Source:      in.Source,
		SourceID:    in.SourceID,
	}

	if err := g.store.CreatePerson(ctx, p); err != nil {
		if email == "" {
			return nil, err
		}
		// Another writer may have inserted the same email.
		existing, findErr := g.store.FindPersonByEmail(ctx, r.workspaceID, email)
		if findErr != nil || existing == nil {
			return nil, err
		}
		return existing, nil
	}

	r.summary.PeopleCreated++
	return p, nil
}

// mergePerson copies non-empty allow-listed fields from in onto p and reports
// whether anything changed.
func mergePerson(p *models.Person, in *models.NormalizedPerson) bool {
	changed := false
	set := func(dst *string, v string) {
		v = strings.TrimSpace(v)
		if v != "" && v != *dst {
			*dst = v
			changed = true
		}
	}

	set(&p.FirstName, in.FirstName)
	set(&p.LastName, in.LastName)
	set(&p.DisplayName, in.DisplayName)
	set(&p.Phone, in.Phone)
	set(&p.Bio, in.Bio)
	set(&p.Location, in.Location)
	set(&p.AvatarURL, in.AvatarURL)

	return changed
}

func (g *Gateway) linkCompany(ctx context.Context, r *run, personID uuid.UUID, name string, in *models.NormalizedPerson) error {
	company, err := g.store.FindCompanyByName(ctx, r.workspaceID, name)
	if err != nil {
		return err
	}

	if company == nil {
		company = &models.Company{
			WorkspaceID: r.workspaceID,
			Name:        name,
			Domain:      strings.TrimSpace(in.CompanyDomain),
		}
		if err := g.store.CreateCompany(ctx, company); err != nil {
			existing, findErr := g.store.FindCompanyByName(ctx, r.workspaceID, name)
			if findErr != nil || existing == nil {
				return err
			}
			company = existing
		} else {
			r.summary.CompaniesCreated++
			r.companies = append(r.companies, company.ID)
		}
	}

	return g.store.LinkPersonCompany(ctx, personID, company.ID, strings.TrimSpace(in.JobTitle))
}

func (g *Gateway) processInteraction(ctx context.Context, r *run, in *models.NormalizedInteraction) (uuid.UUID, bool) {
	logger := log.With().
		Str("workspace_id", r.workspaceID.String()).
		Str("source", in.Source).
		Str("source_id", in.SourceID).
		Logger()

	if in.SourceID != "" {
		existing, err := g.store.FindInteractionBySource(ctx, r.workspaceID, in.Source, in.SourceID)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to look up interaction, skipping")
			return uuid.Nil, false
		}
		if existing != nil {
			r.summary.InteractionsSkipped++
			return uuid.Nil, false
		}
	}

	interaction := &models.Interaction{
		WorkspaceID:     r.workspaceID,
		Type:            in.Type,
		Direction:       in.Direction,
		Subject:         in.Subject,
		Content:         in.Content,
		DurationMinutes: in.DurationMinutes,
		OccurredAt:      in.OccurredAt,
		Source:          in.Source,
		SourceID:        in.SourceID,
		SourceURL:       in.SourceURL,
		Metadata:        in.Metadata,
	}
	if err := g.store.CreateInteraction(ctx, interaction); err != nil {
		logger.Warn().Err(err).Msg("failed to create interaction, skipping")
		return uuid.Nil, false
	}
	r.summary.InteractionsCreated++

	linked := make(map[uuid.UUID]bool)
	for _, email := range in.Participants {
		personID, ok := r.byEmail[strings.ToLower(strings.TrimSpace(email))]
		if !ok || linked[personID] {
			continue
		}
		linked[personID] = true
		if err := g.store.LinkParticipant(ctx, interaction.ID, personID); err != nil {
			logger.Warn().Err(err).Msg("failed to link participant")
		}
	}

	return interaction.ID, true
}

func (g *Gateway) notify(ctx context.Context, workspaceID uuid.UUID, entityType string, ids []uuid.UUID) {
	if g.notifier == nil || len(ids) == 0 {
		return
	}
	if err := g.notifier.NotifyTouched(ctx, workspaceID, entityType, ids); err != nil {
		log.Warn().
			Err(err).
			Str("workspace_id", workspaceID.String()).
			Str("entity", entityType).
			Int("count", len(ids)).
			Msg("failed to notify indexer")
	}
}
