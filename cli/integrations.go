// ABOUTME: Integration commands: list, connect, disconnect and schedule
// ABOUTME: Tokens from the loopback OAuth flow are encrypted before they are stored
package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/harperreed/relsync/connectors"
	"github.com/harperreed/relsync/models"
)

func newIntegrationsCommand(opts *rootOptions) *cobra.Command {
	var workspace string

	cmd := &cobra.Command{
		Use:     "integrations",
		Aliases: []string{"integration", "int"},
		Short:   "Manage provider integrations for a workspace",
	}
	cmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace ID")
	_ = cmd.MarkPersistentFlagRequired("workspace")

	workspaceID := func() (uuid.UUID, error) {
		id, err := uuid.Parse(workspace)
		if err != nil {
			return uuid.Nil, fmt.Errorf("--workspace must be a UUID: %w", err)
		}
		return id, nil
	}

	cmd.AddCommand(
		newIntegrationsListCommand(opts, workspaceID),
		newIntegrationsConnectCommand(opts, workspaceID),
		newIntegrationsDisconnectCommand(opts, workspaceID),
		newIntegrationsScheduleCommand(opts, workspaceID),
	)
	return cmd
}

func newIntegrationsListCommand(opts *rootOptions, workspaceID func() (uuid.UUID, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List connected integrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, err := workspaceID()
			if err != nil {
				return err
			}
			a, err := opts.appFor()
			if err != nil {
				return err
			}

			integrations, err := a.store.ListIntegrations(cmd.Context(), ws)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprint(cmd.OutOrStdout(), renderIntegrations(integrations, time.Now()))
			return nil
		},
	}
}

func newIntegrationsConnectCommand(opts *rootOptions, workspaceID func() (uuid.UUID, error)) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "connect <provider>",
		Short: "Authorize a provider in the browser and store its tokens",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := workspaceID()
			if err != nil {
				return err
			}
			a, err := opts.appFor()
			if err != nil {
				return err
			}

			c, ok := a.registry.Get(args[0])
			if !ok {
				return fmt.Errorf("%w: %s (known: %s)", connectors.ErrUnknownProvider, args[0], strings.Join(a.registry.IDs(), ", "))
			}
			conn, ok := c.(connectors.OAuthConnector)
			if !ok {
				return fmt.Errorf("%s does not use OAuth; use 'relsync import' instead", args[0])
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			grant, err := loopbackAuthorize(ctx, conn, openBrowser, cmd.OutOrStdout())
			if err != nil {
				return fmt.Errorf("OAuth flow failed: %w", err)
			}

			in, err := storeGrant(ctx, a, ws, conn.ID(), grant)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s Connected %s (integration %s)\n", okMark, in.Provider, in.ID)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Run 'relsync sync %s -w %s' to run the first sync.\n", in.ID, ws)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "How long to wait for the browser authorization")
	return cmd
}

// storeGrant encrypts a token grant and upserts the workspace's integration.
func storeGrant(ctx context.Context, a *app, ws uuid.UUID, provider string, grant *models.TokenGrant) (*models.Integration, error) {
	access, err := a.vault.EncryptOptional(grant.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refresh, err := a.vault.EncryptOptional(grant.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	in := &models.Integration{
		WorkspaceID:    ws,
		Provider:       provider,
		AccessToken:    access,
		RefreshToken:   refresh,
		TokenExpiresAt: grant.ExpiresAt,
		AccountEmail:   grant.AccountEmail,
		AccountName:    grant.AccountName,
	}
	if err := a.store.UpsertIntegration(ctx, in); err != nil {
		return nil, fmt.Errorf("failed to save integration: %w", err)
	}

	log.Info().
		Str("integration_id", in.ID.String()).
		Str("workspace_id", ws.String()).
		Str("provider", provider).
		Msg("integration connected")
	return in, nil
}

func newIntegrationsDisconnectCommand(opts *rootOptions, workspaceID func() (uuid.UUID, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <integration-id>",
		Short: "Remove an integration and its stored tokens",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := workspaceID()
			if err != nil {
				return err
			}
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("integration id must be a UUID: %w", err)
			}
			a, err := opts.appFor()
			if err != nil {
				return err
			}

			if err := a.store.DeleteIntegration(cmd.Context(), id, ws); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s Disconnected integration %s\n", okMark, id)
			return nil
		},
	}
}

func newIntegrationsScheduleCommand(opts *rootOptions, workspaceID func() (uuid.UUID, error)) *cobra.Command {
	var syncTime, timezone string
	var disable bool

	cmd := &cobra.Command{
		Use:   "schedule <integration-id>",
		Short: "Set the daily automatic sync time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := workspaceID()
			if err != nil {
				return err
			}
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("integration id must be a UUID: %w", err)
			}

			if !disable {
				if _, err := time.Parse("15:04", syncTime); err != nil {
					return fmt.Errorf("--time must be HH:MM: %w", err)
				}
				if timezone != "" {
					if _, err := time.LoadLocation(timezone); err != nil {
						return fmt.Errorf("invalid timezone %q: %w", timezone, err)
					}
				}
			}

			a, err := opts.appFor()
			if err != nil {
				return err
			}

			if err := a.store.UpdateSchedule(cmd.Context(), id, ws, !disable, syncTime, timezone); err != nil {
				return err
			}

			if disable {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s Automatic sync disabled for %s\n", okMark, id)
				return nil
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s will sync daily at %s\n", okMark, id, syncTime)
			return nil
		},
	}

	cmd.Flags().StringVar(&syncTime, "time", "", "Local time of day to sync (HH:MM)")
	cmd.Flags().StringVar(&timezone, "tz", "", "IANA timezone; defaults to the workspace timezone")
	cmd.Flags().BoolVar(&disable, "disable", false, "Turn automatic sync off")
	return cmd
}
