// ABOUTME: Root cobra command, configuration bootstrap and logging setup
// ABOUTME: Subcommands share one lazily built app holding the store, vault, registry and runner
package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/harperreed/relsync/config"
)

type rootOptions struct {
	configFile string
	debug      bool

	cfg *config.Config
	app *app
}

func NewRootCommand(version string) *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "relsync",
		Short: "Sync contacts and interactions from mail, calendar and address-book providers",
		Long: `relsync pulls people, companies and interactions from Gmail, Google Calendar,
Google Contacts, Microsoft 365 and CSV/XLSX exports into one relationship graph.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			setupLogging(cmd.ErrOrStderr(), cfg, opts.debug)
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if opts.app != nil {
				return opts.app.Close()
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "Path to relsync.yaml")
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		newServeCommand(opts),
		newSyncCommand(opts),
		newImportCommand(opts),
		newTickCommand(opts),
		newIntegrationsCommand(opts),
		newWorkspacesCommand(opts),
		newKeygenCommand(),
	)

	return rootCmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute(version string) {
	if err := NewRootCommand(version).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// appFor builds the shared dependencies on first use.
func (o *rootOptions) appFor() (*app, error) {
	if o.app != nil {
		return o.app, nil
	}
	a, err := newApp(o.cfg)
	if err != nil {
		return nil, err
	}
	o.app = a
	return a, nil
}

func setupLogging(out io.Writer, cfg *config.Config, debug bool) {
	level := cfg.LogLevel()
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen})
}
