// ABOUTME: Wiring of store, vault, connectors, notifiers, runner and scheduler from configuration
// ABOUTME: Redis is optional and adds a stream notifier and a shared trigger ledger
package cli

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/harperreed/relsync/config"
	"github.com/harperreed/relsync/connectors"
	"github.com/harperreed/relsync/db"
	"github.com/harperreed/relsync/notify"
	"github.com/harperreed/relsync/orchestrator"
	"github.com/harperreed/relsync/scheduler"
	"github.com/harperreed/relsync/vault"
)

type app struct {
	cfg      *config.Config
	store    *db.Store
	vault    *vault.Vault
	registry *connectors.Registry
	redis    *redis.Client
	notifier notify.Notifier
	runner   *orchestrator.Runner
}

func newApp(cfg *config.Config) (*app, error) {
	store, err := cfg.OpenStore()
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	a := &app{
		cfg:   cfg,
		store: store,
		vault: vault.New(cfg.EncryptionKey),
		registry: connectors.NewDefaultRegistry(connectors.Config{
			GoogleClientID:        cfg.Google.ClientID,
			GoogleClientSecret:    cfg.Google.ClientSecret,
			MicrosoftClientID:     cfg.Microsoft.ClientID,
			MicrosoftClientSecret: cfg.Microsoft.ClientSecret,
			MicrosoftTenant:       cfg.Microsoft.Tenant,
			GraphBaseURL:          cfg.Microsoft.GraphBaseURL,
		}),
	}

	notifiers := notify.Multi{notify.NewLogNotifier()}
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("invalid redis.url: %w", err)
		}
		a.redis = redis.NewClient(opts)
		notifiers = append(notifiers, notify.NewRedisNotifier(a.redis, cfg.Redis.Stream, cfg.Redis.StreamMaxLen))
	}
	a.notifier = notifiers

	a.runner = orchestrator.New(orchestrator.Options{
		Store:    store,
		Registry: a.registry,
		Vault:    a.vault,
		Notifier: a.notifier,
	})

	return a, nil
}

// ledger prefers Redis so several processes share trigger keys.
func (a *app) ledger() scheduler.Ledger {
	if a.redis != nil {
		return scheduler.NewRedisLedger(a.redis)
	}
	return scheduler.NewDBLedger(a.store)
}

func (a *app) scheduler() *scheduler.Scheduler {
	return scheduler.New(scheduler.Options{
		Source: a.store,
		Ledger: a.ledger(),
		Runner: a.runner,
		Spec:   a.cfg.Scheduler.Spec,
	})
}

func (a *app) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}
