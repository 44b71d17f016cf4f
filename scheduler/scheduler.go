// ABOUTME: Recurring sync scheduler matching each integration's local sync time
// ABOUTME: Claims a once-per-local-day idempotency key before launching a run in the background
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harperreed/relsync/metrics"
	"github.com/harperreed/relsync/models"
	"github.com/harperreed/relsync/orchestrator"
)

// DefaultSpec fires on every fifth minute of the wall clock.
const DefaultSpec = "*/5 * * * *"

type Source interface {
	ListSchedulable(ctx context.Context) ([]models.SchedulableIntegration, error)
}

type Runner interface {
	Run(ctx context.Context, integrationID, workspaceID uuid.UUID) (*orchestrator.RunResult, error)
}

type Options struct {
	Source Source
	Ledger Ledger
	Runner Runner
	Spec   string
	Now    func() time.Time
}

type Scheduler struct {
	source Source
	ledger Ledger
	runner Runner
	spec   string
	now    func() time.Time

	cron    *cron.Cron
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(opts Options) *Scheduler {
	s := &Scheduler{
		source: opts.Source,
		ledger: opts.Ledger,
		runner: opts.Runner,
		spec:   opts.Spec,
		now:    opts.Now,
	}
	if s.spec == "" {
		s.spec = DefaultSpec
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Start registers Tick on the cron spec and starts the cron loop.
func (s *Scheduler) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(s.spec, func() {
		if _, err := s.Tick(s.baseCtx); err != nil {
			log.Error().Err(err).Msg("scheduler tick failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to parse schedule %q: %w", s.spec, err)
	}
	s.cron = c
	c.Start()

	log.Info().Str("spec", s.spec).Msg("scheduler started")
	return nil
}

// Stop halts future ticks and waits for in-flight ticks and runs to finish
// or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

// Wait blocks until every run launched so far has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Tick evaluates every schedulable integration once and returns how many
// runs it launched. A failure for one integration does not stop the others.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	integrations, err := s.source.ListSchedulable(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list schedulable integrations: %w", err)
	}

	now := s.now()
	launched := 0

	for _, si := range integrations {
		logger := log.With().
			Str("integration_id", si.ID.String()).
			Str("workspace_id", si.WorkspaceID.String()).
			Str("provider", si.Provider).
			Logger()

		local := now.In(ResolveLocation(si.Timezone, si.WorkspaceTimezone))
		if !matchesSyncTime(si.SyncTime, local) {
			continue
		}

		key := IdempotencyKey(si.ID, local)
		claimed, err := s.ledger.Claim(ctx, key, si.ID)
		if err != nil {
			logger.Error().Err(err).Str("key", key).Msg("failed to claim trigger")
			metrics.IncTrigger(metrics.TriggerError)
			continue
		}
		if !claimed {
			logger.Debug().Str("key", key).Msg("already triggered today")
			metrics.IncTrigger(metrics.TriggerDuplicate)
			continue
		}

		metrics.IncTrigger(metrics.TriggerLaunched)
		launched++
		s.launch(si, logger.With().Str("key", key).Logger())
	}

	return launched, nil
}

func (s *Scheduler) launch(si models.SchedulableIntegration, logger zerolog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		logger.Info().Msg("scheduled sync triggered")
		if _, err := s.runner.Run(s.baseCtx, si.ID, si.WorkspaceID); err != nil {
			logger.Error().Err(err).Msg("scheduled sync failed")
		}
	}()
}

// ResolveLocation picks the integration zone if it loads, then the workspace
// zone, then UTC. Zones that fail to load are logged.
func ResolveLocation(integrationTZ, workspaceTZ string) *time.Location {
	for _, name := range []string{integrationTZ, workspaceTZ} {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		loc, err := time.LoadLocation(name)
		if err == nil {
			return loc
		}
		log.Warn().Err(err).Str("timezone", name).Msg("ignoring invalid timezone")
	}
	return time.UTC
}

// IdempotencyKey is unique per integration and local calendar date.
func IdempotencyKey(integrationID uuid.UUID, local time.Time) string {
	return "sync:" + integrationID.String() + ":" + local.Format("2006-01-02")
}

// matchesSyncTime compares the preferred time, truncated to minutes, with the
// local wall clock. "HH:MM" and "HH:MM:SS" are accepted.
func matchesSyncTime(syncTime string, local time.Time) bool {
	parts := strings.Split(strings.TrimSpace(syncTime), ":")
	if len(parts) < 2 {
		return false
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return false
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return false
	}
	return local.Hour() == hour && local.Minute() == minute
}
