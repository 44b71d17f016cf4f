// ABOUTME: Sync orchestrator running one integration end to end
// ABOUTME: Holds the run lease, decrypts tokens, calls the connector, applies the gateway and records the outcome
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harperreed/relsync/connectors"
	"github.com/harperreed/relsync/db"
	"github.com/harperreed/relsync/gateway"
	"github.com/harperreed/relsync/metrics"
	"github.com/harperreed/relsync/models"
	"github.com/harperreed/relsync/vault"
)

const defaultLeaseDuration = 30 * time.Minute

// ErrRunInProgress is returned when another run holds the integration's lease.
var ErrRunInProgress = errors.New("sync already running for integration")

type Store interface {
	gateway.Store
	GetIntegration(ctx context.Context, id, workspaceID uuid.UUID) (*models.Integration, error)
	GetIntegrationByProvider(ctx context.Context, workspaceID uuid.UUID, provider string) (*models.Integration, error)
	UpsertIntegration(ctx context.Context, in *models.Integration) error
	CompleteSync(ctx context.Context, id uuid.UUID, cursor models.Cursor, at time.Time) error
	FailSync(ctx context.Context, id uuid.UUID, message string) error
	UpdateIntegrationTokens(ctx context.Context, id uuid.UUID, accessToken, refreshToken string, expiresAt *time.Time) error
	AcquireRunLock(ctx context.Context, id uuid.UUID, now, until time.Time) (bool, error)
	ReleaseRunLock(ctx context.Context, id uuid.UUID) error
	CreateSyncLog(ctx context.Context, log *models.SyncLog) error
	FinishSyncLog(ctx context.Context, log *models.SyncLog) error
}

var _ Store = (*db.Store)(nil)

type Options struct {
	Store    Store
	Registry *connectors.Registry
	Vault    *vault.Vault
	Notifier gateway.Notifier

	// LeaseDuration bounds how long a crashed run can block the integration.
	LeaseDuration time.Duration
	Now           func() time.Time
}

type Runner struct {
	store    Store
	registry *connectors.Registry
	vault    *vault.Vault
	gateway  *gateway.Gateway
	lease    time.Duration
	now      func() time.Time
}

func New(opts Options) *Runner {
	r := &Runner{
		store:    opts.Store,
		registry: opts.Registry,
		vault:    opts.Vault,
		gateway:  gateway.New(opts.Store, opts.Notifier),
		lease:    opts.LeaseDuration,
		now:      opts.Now,
	}
	if r.lease <= 0 {
		r.lease = defaultLeaseDuration
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

type RunResult struct {
	IntegrationID uuid.UUID       `json:"integrationId"`
	Provider      string          `json:"provider"`
	SyncLogID     string          `json:"syncLogId"`
	Summary       gateway.Summary `json:"summary"`
	HasMore       bool            `json:"hasMore"`
}

// fetchFunc produces the records for one run.
type fetchFunc func(ctx context.Context, in *models.Integration) (*models.SyncResult, error)

// Run syncs one integration. The integration must belong to workspaceID.
func (r *Runner) Run(ctx context.Context, integrationID, workspaceID uuid.UUID) (*RunResult, error) {
	in, err := r.store.GetIntegration(ctx, integrationID, workspaceID)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, in, r.fetchFromConnector)
}

// Import ensures the workspace has a csv integration and runs the uploaded
// file through the same pipeline as a provider sync.
func (r *Runner) Import(ctx context.Context, workspaceID uuid.UUID, filename string, content []byte) (*RunResult, error) {
	conn, ok := r.registry.Get(connectors.ProviderCSV)
	if !ok {
		return nil, fmt.Errorf("%w: %s", connectors.ErrUnknownProvider, connectors.ProviderCSV)
	}
	parser, ok := conn.(connectors.FileConnector)
	if !ok {
		return nil, fmt.Errorf("connector %s does not import files", connectors.ProviderCSV)
	}

	in, err := r.store.GetIntegrationByProvider(ctx, workspaceID, connectors.ProviderCSV)
	if errors.Is(err, db.ErrIntegrationNotFound) {
		in = &models.Integration{WorkspaceID: workspaceID, Provider: connectors.ProviderCSV}
		err = r.store.UpsertIntegration(ctx, in)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to ensure csv integration: %w", err)
	}

	return r.execute(ctx, in, func(_ context.Context, _ *models.Integration) (*models.SyncResult, error) {
		return parser.ParseFile(content, filename)
	})
}

func (r *Runner) execute(ctx context.Context, in *models.Integration, fetch fetchFunc) (*RunResult, error) {
	logger := log.With().
		Str("integration_id", in.ID.String()).
		Str("workspace_id", in.WorkspaceID.String()).
		Str("provider", in.Provider).
		Logger()

	start := r.now()
	acquired, err := r.store.AcquireRunLock(ctx, in.ID, start, start.Add(r.lease))
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrRunInProgress
	}
	defer func() {
		// Release even if the caller's context is already done.
		if err := r.store.ReleaseRunLock(context.WithoutCancel(ctx), in.ID); err != nil {
			logger.Warn().Err(err).Msg("failed to release run lock")
		}
	}()

	// A run that held the lease before us may have moved the cursor or
	// rotated the tokens.
	in, err = r.store.GetIntegration(ctx, in.ID, in.WorkspaceID)
	if err != nil {
		return nil, err
	}

	syncLog := &models.SyncLog{
		IntegrationID: in.ID,
		WorkspaceID:   in.WorkspaceID,
		StartedAt:     start.UTC(),
	}
	if err := r.store.CreateSyncLog(ctx, syncLog); err != nil {
		return nil, err
	}

	logger.Info().Str("sync_log_id", syncLog.ID).Msg("sync started")

	result, summary, err := r.apply(ctx, in, fetch, logger)
	if err != nil {
		r.fail(ctx, in, syncLog, err, logger)
		metrics.ObserveRun(in.Provider, models.SyncLogFailed, start)
		return nil, err
	}

	syncLog.Status = models.SyncLogCompleted
	syncLog.ItemsSynced = len(result.People) + len(result.Interactions)
	syncLog.ItemsCreated = summary.PeopleCreated + summary.CompaniesCreated + summary.InteractionsCreated
	syncLog.ItemsUpdated = summary.PeopleUpdated
	if err := r.store.FinishSyncLog(ctx, syncLog); err != nil {
		logger.Warn().Err(err).Msg("failed to finalize sync log")
	}

	metrics.ObserveRun(in.Provider, models.SyncLogCompleted, start)
	logger.Info().
		Int("people_created", summary.PeopleCreated).
		Int("people_updated", summary.PeopleUpdated).
		Int("companies_created", summary.CompaniesCreated).
		Int("interactions_created", summary.InteractionsCreated).
		Int("interactions_skipped", summary.InteractionsSkipped).
		Dur("duration", r.now().Sub(start)).
		Msg("sync completed")

	return &RunResult{
		IntegrationID: in.ID,
		Provider:      in.Provider,
		SyncLogID:     syncLog.ID,
		Summary:       summary,
		HasMore:       result.HasMore,
	}, nil
}

// apply fetches, writes through the gateway, and persists the new cursor and
// any refreshed tokens.
func (r *Runner) apply(ctx context.Context, in *models.Integration, fetch fetchFunc, logger zerolog.Logger) (*models.SyncResult, gateway.Summary, error) {
	result, err := fetch(ctx, in)
	if err != nil {
		return nil, gateway.Summary{}, err
	}
	if result == nil {
		result = &models.SyncResult{}
	}

	summary, err := r.gateway.ProcessSync(ctx, result, in.WorkspaceID)
	if err != nil {
		return nil, summary, fmt.Errorf("failed to apply sync result: %w", err)
	}

	cursor := result.Cursor
	if cursor == nil {
		cursor = in.Cursor
	}
	if err := r.store.CompleteSync(ctx, in.ID, cursor, r.now()); err != nil {
		return nil, summary, err
	}

	if grant := result.RefreshedToken; grant != nil {
		if err := r.persistTokens(ctx, in.ID, grant); err != nil {
			logger.Warn().Err(err).Msg("failed to persist refreshed tokens")
		} else {
			logger.Debug().Msg("persisted refreshed tokens")
		}
	}

	return result, summary, nil
}

func (r *Runner) fetchFromConnector(ctx context.Context, in *models.Integration) (*models.SyncResult, error) {
	conn, ok := r.registry.Get(in.Provider)
	if !ok {
		return nil, fmt.Errorf("%w: %s", connectors.ErrUnknownProvider, in.Provider)
	}

	creds, err := r.credentials(in)
	if err != nil {
		return nil, err
	}

	return conn.Sync(ctx, creds, in.Cursor, in.Metadata, in.WorkspaceID)
}

func (r *Runner) credentials(in *models.Integration) (connectors.Credentials, error) {
	if in.AccessToken == "" && in.RefreshToken == "" {
		return connectors.Credentials{}, nil
	}
	if r.vault == nil {
		return connectors.Credentials{}, vault.ErrInvalidKey
	}

	access, err := r.vault.DecryptOptional(in.AccessToken)
	if err != nil {
		return connectors.Credentials{}, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	refresh, err := r.vault.DecryptOptional(in.RefreshToken)
	if err != nil {
		return connectors.Credentials{}, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	return connectors.Credentials{AccessToken: access, RefreshToken: refresh, ExpiresAt: in.TokenExpiresAt}, nil
}

func (r *Runner) persistTokens(ctx context.Context, id uuid.UUID, grant *models.TokenGrant) error {
	if r.vault == nil {
		return vault.ErrInvalidKey
	}
	access, err := r.vault.EncryptOptional(grant.AccessToken)
	if err != nil {
		return err
	}
	refresh, err := r.vault.EncryptOptional(grant.RefreshToken)
	if err != nil {
		return err
	}
	return r.store.UpdateIntegrationTokens(ctx, id, access, refresh, grant.ExpiresAt)
}

func (r *Runner) fail(ctx context.Context, in *models.Integration, syncLog *models.SyncLog, runErr error, logger zerolog.Logger) {
	ctx = context.WithoutCancel(ctx)
	logger.Error().Err(runErr).Str("sync_log_id", syncLog.ID).Msg("sync failed")

	if err := r.store.FailSync(ctx, in.ID, runErr.Error()); err != nil {
		logger.Warn().Err(err).Msg("failed to record integration error")
	}

	syncLog.Status = models.SyncLogFailed
	syncLog.ErrorMessage = runErr.Error()
	if err := r.store.FinishSyncLog(ctx, syncLog); err != nil {
		logger.Warn().Err(err).Msg("failed to finalize sync log")
	}
}
