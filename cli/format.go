// ABOUTME: Terminal styling and human-readable formatting for CLI output
// ABOUTME: Renders integration tables with lipgloss and relative sync times
package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/harperreed/relsync/models"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")).
			Underline(true)

	providerStyle = lipgloss.NewStyle().
			Bold(true).
			Width(16)

	activeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)

	okMark = activeStyle.Render("✓")
)

func formatTimeSince(t, now time.Time) string {
	duration := now.Sub(t)

	switch {
	case duration < time.Minute:
		return "just now"
	case duration < time.Hour:
		minutes := int(duration.Minutes())
		if minutes == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", minutes)
	case duration < 24*time.Hour:
		hours := int(duration.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	default:
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	}
}

func formatSchedule(in models.Integration) string {
	if !in.AutoSyncEnabled || in.SyncTime == "" {
		return "manual"
	}
	if in.Timezone != "" {
		return in.SyncTime + " " + in.Timezone
	}
	return in.SyncTime + " (workspace time)"
}

func renderIntegrations(integrations []models.Integration, now time.Time) string {
	if len(integrations) == 0 {
		return mutedStyle.Render("No integrations connected.") + "\n"
	}

	var s strings.Builder
	s.WriteString(headerStyle.Render("INTEGRATIONS"))
	s.WriteString("\n\n")

	for _, in := range integrations {
		status := activeStyle.Render(in.Status)
		if in.Status == models.IntegrationError {
			status = errorStyle.Render(in.Status)
		}

		last := "never"
		if in.LastSyncedAt != nil {
			last = formatTimeSince(*in.LastSyncedAt, now)
		}

		s.WriteString(providerStyle.Render(in.Provider))
		s.WriteString(fmt.Sprintf("%s  %s  synced %s  schedule %s\n", in.ID, status, last, formatSchedule(in)))
		if in.AccountEmail != "" {
			s.WriteString(mutedStyle.Render("  " + in.AccountEmail))
			s.WriteString("\n")
		}
		if in.LastSyncError != "" {
			s.WriteString(errorStyle.Render("  " + in.LastSyncError))
			s.WriteString("\n")
		}
	}

	return s.String()
}
