// ABOUTME: Google Calendar connector using sync tokens for incremental sync
// ABOUTME: Skips cancelled, all-day, declined and solo events; one full resync on a stale token
package connectors

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/calendar/v3"

	"github.com/harperreed/relsync/models"
)

const (
	cursorCalendarSyncToken = "calendarSyncToken"

	calendarPageSize   = 250 // Google Calendar API max per page
	calendarWindowDays = 90
)

type GoogleCalendar struct {
	*GoogleAuth
	now func() time.Time
}

func NewGoogleCalendar(auth *GoogleAuth) *GoogleCalendar {
	return &GoogleCalendar{GoogleAuth: auth, now: time.Now}
}

func (c *GoogleCalendar) ID() string { return ProviderGoogleCalendar }

func (c *GoogleCalendar) Sync(ctx context.Context, creds Credentials, cursor models.Cursor, _ map[string]any, workspaceID uuid.UUID) (*models.SyncResult, error) {
	opts, tracker, err := c.clientOptions(ctx, creds)
	if err != nil {
		return nil, err
	}

	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar service: %w", err)
	}

	syncToken := cursor.String(cursorCalendarSyncToken)
	result, err := c.fetchEvents(ctx, svc, syncToken)
	if err != nil && syncToken != "" && isStaleSyncToken(err) {
		log.Warn().
			Str("provider", ProviderGoogleCalendar).
			Str("workspace_id", workspaceID.String()).
			Err(err).
			Msg("sync token rejected, running full resync")
		result, err = c.fetchEvents(ctx, svc, "")
		if err != nil && isStaleSyncToken(err) {
			return nil, fmt.Errorf("%w: %v", ErrStaleCursor, err)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch calendar events: %w", err)
	}

	result.RefreshedToken = tracker.Grant()
	return result, nil
}

// fetchEvents pages through the primary calendar. An empty sync token means a
// windowed full fetch. The new sync token comes from the final page.
func (c *GoogleCalendar) fetchEvents(ctx context.Context, svc *calendar.Service, syncToken string) (*models.SyncResult, error) {
	people := newPersonSet()
	result := &models.SyncResult{Cursor: models.Cursor{}}
	skipped := make(map[string]int)
	pageToken := ""

	for {
		call := svc.Events.List("primary").
			MaxResults(calendarPageSize).
			SingleEvents(true).
			Context(ctx)
		if syncToken != "" {
			call = call.SyncToken(syncToken)
		} else {
			call = call.TimeMin(c.now().AddDate(0, 0, -calendarWindowDays).Format(time.RFC3339))
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		events, err := call.Do()
		if err != nil {
			return nil, err
		}

		for _, event := range events.Items {
			if skip, reason := shouldSkipEvent(event); skip {
				skipped[reason]++
				continue
			}

			eventPeople, interaction := normalizeEvent(event)
			for _, p := range eventPeople {
				people.add(p)
			}
			result.Interactions = append(result.Interactions, interaction)
		}

		pageToken = events.NextPageToken
		if pageToken == "" {
			if events.NextSyncToken != "" {
				result.Cursor[cursorCalendarSyncToken] = events.NextSyncToken
			}
			break
		}
	}

	if len(skipped) > 0 {
		log.Debug().Str("provider", ProviderGoogleCalendar).Interface("skipped", skipped).Msg("skipped calendar events")
	}

	result.People = people.list()
	return result, nil
}

// shouldSkipEvent determines if an event should be skipped during import.
// Returns (true, reason) if the event should be skipped, (false, "") otherwise.
func shouldSkipEvent(event *calendar.Event) (bool, string) {
	if event == nil {
		return true, "nil event"
	}

	if event.Status == "cancelled" {
		return true, "cancelled"
	}

	if event.Start == nil {
		return true, "missing start time"
	}

	// All-day events carry Start.Date instead of DateTime
	if event.Start.DateTime == "" {
		return true, "all-day"
	}

	for _, attendee := range event.Attendees {
		if attendee.Self && attendee.ResponseStatus == "declined" {
			return true, "declined"
		}
	}

	if len(event.Attendees) <= 1 {
		return true, "solo"
	}

	return false, ""
}

func normalizeEvent(event *calendar.Event) ([]models.NormalizedPerson, models.NormalizedInteraction) {
	var people []models.NormalizedPerson
	var participants []string

	for _, a := range event.Attendees {
		email := normalizeEmail(a.Email)
		if email == "" || a.Self || a.Resource {
			continue
		}
		participants = append(participants, email)

		p := models.NormalizedPerson{
			Email:    email,
			Source:   ProviderGoogleCalendar,
			SourceID: email,
		}
		if a.DisplayName != "" {
			p.DisplayName = a.DisplayName
			p.FirstName, p.LastName = splitName(a.DisplayName)
		}
		people = append(people, p)
	}

	start, _ := time.Parse(time.RFC3339, event.Start.DateTime)
	interaction := models.NormalizedInteraction{
		Type:         models.InteractionMeeting,
		Direction:    models.DirectionInbound,
		Subject:      event.Summary,
		Content:      event.Description,
		OccurredAt:   start.UTC(),
		Participants: participants,
		Source:       ProviderGoogleCalendar,
		SourceID:     event.Id,
		SourceURL:    event.HtmlLink,
	}

	if event.Organizer != nil && event.Organizer.Self {
		interaction.Direction = models.DirectionOutbound
	}

	if event.End != nil && event.End.DateTime != "" {
		if end, err := time.Parse(time.RFC3339, event.End.DateTime); err == nil && end.After(start) {
			minutes := int(end.Sub(start).Minutes())
			interaction.DurationMinutes = &minutes
		}
	}

	metadata := make(map[string]any)
	if event.Location != "" {
		metadata["location"] = event.Location
	}
	if event.HangoutLink != "" {
		metadata["hangoutLink"] = event.HangoutLink
	}
	if event.RecurringEventId != "" {
		metadata["recurringEventId"] = event.RecurringEventId
	}
	if len(metadata) > 0 {
		interaction.Metadata = metadata
	}

	return people, interaction
}
