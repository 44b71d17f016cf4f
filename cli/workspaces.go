// ABOUTME: Workspace commands for creating and inspecting workspaces
// ABOUTME: The workspace timezone is the default for scheduled syncs
package cli

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/harperreed/relsync/models"
)

func newWorkspacesCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workspaces",
		Aliases: []string{"workspace", "ws"},
		Short:   "Manage workspaces",
	}

	cmd.AddCommand(newWorkspaceCreateCommand(opts), newWorkspaceShowCommand(opts))
	return cmd
}

func newWorkspaceCreateCommand(opts *rootOptions) *cobra.Command {
	var name, timezone string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if timezone != "" {
				if _, err := time.LoadLocation(timezone); err != nil {
					return fmt.Errorf("invalid timezone %q: %w", timezone, err)
				}
			}

			a, err := opts.appFor()
			if err != nil {
				return err
			}

			ws := &models.Workspace{Name: name, Timezone: timezone}
			if err := a.store.CreateWorkspace(cmd.Context(), ws); err != nil {
				return fmt.Errorf("failed to create workspace: %w", err)
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s Created workspace %s (ID: %s)\n", okMark, ws.Name, ws.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Workspace name")
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone for scheduled syncs")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newWorkspaceShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <workspace-id>",
		Short: "Show a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("workspace id must be a UUID: %w", err)
			}

			a, err := opts.appFor()
			if err != nil {
				return err
			}

			ws, err := a.store.GetWorkspace(cmd.Context(), id)
			if err != nil {
				return err
			}
			if ws == nil {
				return fmt.Errorf("workspace %s not found", id)
			}

			tz := ws.Timezone
			if tz == "" {
				tz = "UTC"
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(out, headerStyle.Render(ws.Name))
			_, _ = fmt.Fprintf(out, "ID:       %s\n", ws.ID)
			_, _ = fmt.Fprintf(out, "Timezone: %s\n", tz)
			_, _ = fmt.Fprintf(out, "Created:  %s\n", ws.CreatedAt.Format(time.RFC3339))
			return nil
		},
	}
}
