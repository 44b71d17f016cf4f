// ABOUTME: Gmail connector using history ids for incremental sync
// ABOUTME: Falls back to a windowed full fetch when the history fetch fails
package connectors

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/gmail/v1"

	"github.com/harperreed/relsync/models"
)

const (
	cursorHistoryID = "historyId"

	gmailFullSyncQuery = "newer_than:90d"
	gmailMaxMessages   = 200
	gmailPageSize      = 100
)

var gmailMetadataHeaders = []string{"From", "To", "Cc", "Subject", "Date"}

type Gmail struct {
	*GoogleAuth
}

func NewGmail(auth *GoogleAuth) *Gmail {
	return &Gmail{GoogleAuth: auth}
}

func (g *Gmail) ID() string { return ProviderGmail }

func (g *Gmail) Sync(ctx context.Context, creds Credentials, cursor models.Cursor, _ map[string]any, workspaceID uuid.UUID) (*models.SyncResult, error) {
	opts, tracker, err := g.clientOptions(ctx, creds)
	if err != nil {
		return nil, err
	}

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get gmail profile: %w", err)
	}
	self := normalizeEmail(profile.EmailAddress)

	logger := log.With().Str("provider", ProviderGmail).Str("workspace_id", workspaceID.String()).Logger()

	var ids []string
	startID := historyIDFromCursor(cursor)
	if startID > 0 {
		ids, err = g.historyMessageIDs(ctx, svc, startID)
		if err != nil {
			logger.Warn().Err(err).Uint64("history_id", startID).Msg("history fetch failed, falling back to full sync")
			startID = 0
		}
	}
	if startID == 0 {
		ids, err = g.recentMessageIDs(ctx, svc)
		if err != nil {
			return nil, fmt.Errorf("failed to list messages: %w", err)
		}
	}

	logger.Debug().Int("messages", len(ids)).Msg("fetched gmail message ids")

	result := &models.SyncResult{
		Cursor: models.Cursor{cursorHistoryID: strconv.FormatUint(profile.HistoryId, 10)},
	}
	people := newPersonSet()

	for _, id := range ids {
		msg, err := svc.Users.Messages.Get("me", id).
			Format("metadata").
			MetadataHeaders(gmailMetadataHeaders...).
			Context(ctx).
			Do()
		if err != nil {
			// Deleted between the list and the fetch
			if googleErrorCode(err) == http.StatusNotFound {
				continue
			}
			return nil, fmt.Errorf("failed to fetch message %s: %w", id, err)
		}

		msgPeople, interaction := normalizeMessage(msg, self)
		for _, p := range msgPeople {
			people.add(p)
		}
		if interaction != nil {
			result.Interactions = append(result.Interactions, *interaction)
		}
	}

	result.People = people.list()
	result.RefreshedToken = tracker.Grant()
	return result, nil
}

// historyMessageIDs pages through history since startID collecting added
// message ids.
func (g *Gmail) historyMessageIDs(ctx context.Context, svc *gmail.Service, startID uint64) ([]string, error) {
	var ids []string
	seen := make(map[string]bool)
	pageToken := ""

	for {
		call := svc.Users.History.List("me").
			StartHistoryId(startID).
			HistoryTypes("messageAdded").
			MaxResults(500).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("failed to fetch history: %w", err)
		}

		for _, h := range resp.History {
			for _, added := range h.MessagesAdded {
				if added.Message == nil || seen[added.Message.Id] {
					continue
				}
				seen[added.Message.Id] = true
				ids = append(ids, added.Message.Id)
			}
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			return ids, nil
		}
	}
}

// recentMessageIDs lists messages in the full-sync window up to the cap.
func (g *Gmail) recentMessageIDs(ctx context.Context, svc *gmail.Service) ([]string, error) {
	var ids []string
	pageToken := ""

	for len(ids) < gmailMaxMessages {
		pageSize := min(gmailPageSize, gmailMaxMessages-len(ids))
		call := svc.Users.Messages.List("me").
			Q(gmailFullSyncQuery).
			MaxResults(int64(pageSize)).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			return nil, err
		}

		for _, m := range resp.Messages {
			if len(ids) >= gmailMaxMessages {
				break
			}
			ids = append(ids, m.Id)
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	return ids, nil
}

func historyIDFromCursor(cursor models.Cursor) uint64 {
	switch v := cursor[cursorHistoryID].(type) {
	case string:
		id, _ := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		return id
	case float64:
		if v > 0 {
			return uint64(v)
		}
	}
	return 0
}

// normalizeMessage maps a metadata-format message to people and at most one
// interaction. The account owner and automated senders are excluded.
func normalizeMessage(msg *gmail.Message, self string) ([]models.NormalizedPerson, *models.NormalizedInteraction) {
	headers := make(map[string]string)
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			headers[strings.ToLower(h.Name)] = h.Value
		}
	}

	from := parseAddressList(headers["from"])
	direction := models.DirectionInbound
	if len(from) > 0 && from[0].Email == self {
		direction = models.DirectionOutbound
	}

	var all []address
	all = append(all, from...)
	all = append(all, parseAddressList(headers["to"])...)
	all = append(all, parseAddressList(headers["cc"])...)

	var people []models.NormalizedPerson
	var participants []string
	seen := make(map[string]bool)
	for _, a := range all {
		if a.Email == "" || a.Email == self || seen[a.Email] || isAutomatedSender(a.Email) {
			continue
		}
		seen[a.Email] = true
		participants = append(participants, a.Email)

		p := models.NormalizedPerson{
			Email:    a.Email,
			Source:   ProviderGmail,
			SourceID: a.Email,
		}
		if a.Name != "" && !strings.EqualFold(a.Name, a.Email) {
			p.DisplayName = a.Name
			p.FirstName, p.LastName = splitName(a.Name)
		}
		people = append(people, p)
	}

	if len(participants) == 0 {
		return people, nil
	}

	occurredAt := time.Now().UTC()
	if msg.InternalDate > 0 {
		occurredAt = time.UnixMilli(msg.InternalDate).UTC()
	} else if t, ok := parseEmailDate(headers["date"]); ok {
		occurredAt = t.UTC()
	}

	interaction := &models.NormalizedInteraction{
		Type:         models.InteractionEmail,
		Direction:    direction,
		Subject:      headers["subject"],
		Content:      msg.Snippet,
		OccurredAt:   occurredAt,
		Participants: participants,
		Source:       ProviderGmail,
		SourceID:     msg.Id,
		Metadata: map[string]any{
			"threadId": msg.ThreadId,
		},
	}
	if msg.ThreadId != "" {
		interaction.SourceURL = "https://mail.google.com/mail/u/0/#all/" + msg.ThreadId
	}
	if len(msg.LabelIds) > 0 {
		interaction.Metadata["labels"] = msg.LabelIds
	}

	return people, interaction
}

// personSet collects people by normalized email, keeping the first record
// and filling its empty fields from later ones. People without email are kept
// as-is.
type personSet struct {
	byEmail map[string]int
	people  []models.NormalizedPerson
}

func newPersonSet() *personSet {
	return &personSet{byEmail: make(map[string]int)}
}

func (s *personSet) add(p models.NormalizedPerson) {
	email := normalizeEmail(p.Email)
	if email == "" {
		s.people = append(s.people, p)
		return
	}
	if i, ok := s.byEmail[email]; ok {
		existing := &s.people[i]
		if existing.DisplayName == "" {
			existing.DisplayName = p.DisplayName
		}
		if existing.FirstName == "" {
			existing.FirstName = p.FirstName
		}
		if existing.LastName == "" {
			existing.LastName = p.LastName
		}
		return
	}
	s.byEmail[email] = len(s.people)
	s.people = append(s.people, p)
}

func (s *personSet) list() []models.NormalizedPerson {
	return s.people
}
