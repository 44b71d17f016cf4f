// ABOUTME: Microsoft Graph connector for mail, calendar and contacts over raw REST
// ABOUTME: Follows nextLink pages per stream and stores each stream's final deltaLink as the cursor
package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/harperreed/relsync/models"
)

const (
	cursorMailDeltaLink     = "mailDeltaLink"
	cursorCalendarDeltaLink = "calendarDeltaLink"
	cursorContactsDeltaLink = "contactsDeltaLink"

	defaultGraphBaseURL = "https://graph.microsoft.com/v1.0"
	graphDateTimeLayout = "2006-01-02T15:04:05.9999999"
	graphWindowDays     = 90
	graphMaxPages       = 200
)

var staleDeltaCodes = []string{
	"syncstatenotfound",
	"syncstateinvalid",
	"resyncrequired",
	"invaliddeltatoken",
	"deltatokenexpired",
}

type MicrosoftOptions struct {
	OAuth      *oauth2.Config
	BaseURL    string
	HTTPClient *http.Client
	Now        func() time.Time
}

type Microsoft struct {
	oauth      *oauth2.Config
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

func NewMicrosoft(opts MicrosoftOptions) *Microsoft {
	m := &Microsoft{
		oauth:      opts.OAuth,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: opts.HTTPClient,
		now:        opts.Now,
	}
	if m.oauth == nil {
		m.oauth = MicrosoftOAuthConfig("", "", "")
	}
	if m.baseURL == "" {
		m.baseURL = defaultGraphBaseURL
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

func (m *Microsoft) ID() string { return ProviderMicrosoft }

func (m *Microsoft) AuthURL(redirectURI, state string) string {
	return authURL(m.oauth, redirectURI, state)
}

// HandleCallback exchanges the code and records the account's identity from
// /me. An identity lookup failure leaves the grant usable.
func (m *Microsoft) HandleCallback(ctx context.Context, code, redirectURI string) (*models.TokenGrant, error) {
	grant, err := exchangeCode(ctx, m.oauth, m.httpClient, code, redirectURI)
	if err != nil {
		return nil, err
	}

	authed, _, err := authorizedClient(ctx, m.oauth, m.httpClient, grantCredentials(grant))
	if err != nil {
		return nil, err
	}
	me, err := m.profile(ctx, NewRetryClient(authed))
	if err != nil {
		log.Warn().Err(err).Msg("could not look up microsoft account identity")
		return grant, nil
	}
	grant.AccountEmail = me.email()
	grant.AccountName = me.DisplayName
	return grant, nil
}

type graphProfile struct {
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
	DisplayName       string `json:"displayName"`
}

func (p graphProfile) email() string {
	if email := normalizeEmail(p.Mail); email != "" {
		return email
	}
	return normalizeEmail(p.UserPrincipalName)
}

func (m *Microsoft) profile(ctx context.Context, client *retryablehttp.Client) (*graphProfile, error) {
	var me graphProfile
	if err := m.getJSON(ctx, client, m.baseURL+"/me?$select=mail,userPrincipalName,displayName", &me); err != nil {
		return nil, fmt.Errorf("failed to get graph profile: %w", err)
	}
	return &me, nil
}

// graphError is a non-2xx Graph response.
type graphError struct {
	Status  int
	Code    string
	Message string
}

func (e *graphError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("graph request failed: status=%d code=%s message=%s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("graph request failed: status=%d message=%s", e.Status, e.Message)
}

// stale reports whether Graph rejected the delta state.
func (e *graphError) stale() bool {
	if e.Status == http.StatusGone {
		return true
	}
	code := strings.ToLower(e.Code)
	for _, c := range staleDeltaCodes {
		if code == c {
			return true
		}
	}
	msg := strings.ToLower(e.Message)
	return (strings.Contains(msg, "delta") || strings.Contains(msg, "sync state")) &&
		(strings.Contains(msg, "invalid") || strings.Contains(msg, "expired"))
}

func isStaleDelta(err error) bool {
	var ge *graphError
	return errors.As(err, &ge) && ge.stale()
}

type graphPage struct {
	Value     []json.RawMessage `json:"value"`
	NextLink  string            `json:"@odata.nextLink"`
	DeltaLink string            `json:"@odata.deltaLink"`
}

// graphStream is one delta-tracked collection.
type graphStream struct {
	name      string
	cursorKey string
	initial   func() string
	normalize func(items []json.RawMessage, self string, people *personSet, result *models.SyncResult)
}

func (m *Microsoft) streams() []graphStream {
	return []graphStream{
		{
			name:      "mail",
			cursorKey: cursorMailDeltaLink,
			initial: func() string {
				q := url.Values{}
				q.Set("$select", "subject,from,toRecipients,ccRecipients,receivedDateTime,sentDateTime,bodyPreview,webLink,conversationId")
				return m.baseURL + "/me/mailFolders/inbox/messages/delta?" + q.Encode()
			},
			normalize: normalizeGraphMessages,
		},
		{
			name:      "calendar",
			cursorKey: cursorCalendarDeltaLink,
			initial: func() string {
				now := m.now().UTC()
				q := url.Values{}
				q.Set("startDateTime", now.AddDate(0, 0, -graphWindowDays).Format(time.RFC3339))
				q.Set("endDateTime", now.AddDate(0, 0, graphWindowDays).Format(time.RFC3339))
				return m.baseURL + "/me/calendarView/delta?" + q.Encode()
			},
			normalize: normalizeGraphEvents,
		},
		{
			name:      "contacts",
			cursorKey: cursorContactsDeltaLink,
			initial: func() string {
				return m.baseURL + "/me/contacts/delta"
			},
			normalize: normalizeGraphContacts,
		},
	}
}

func (m *Microsoft) Sync(ctx context.Context, creds Credentials, cursor models.Cursor, _ map[string]any, workspaceID uuid.UUID) (*models.SyncResult, error) {
	authed, tracker, err := authorizedClient(ctx, m.oauth, m.httpClient, creds)
	if err != nil {
		return nil, err
	}
	client := NewRetryClient(authed)

	me, err := m.profile(ctx, client)
	if err != nil {
		return nil, err
	}
	self := me.email()

	result := &models.SyncResult{Cursor: models.Cursor{}}
	people := newPersonSet()

	for _, stream := range m.streams() {
		logger := log.With().
			Str("provider", ProviderMicrosoft).
			Str("workspace_id", workspaceID.String()).
			Str("stream", stream.name).
			Logger()

		start := cursor.String(stream.cursorKey)
		resumed := start != ""
		if !resumed {
			start = stream.initial()
		}

		items, deltaLink, err := m.followDelta(ctx, client, start)
		if err != nil && resumed && isStaleDelta(err) {
			logger.Warn().Err(err).Msg("delta link rejected, running full resync")
			items, deltaLink, err = m.followDelta(ctx, client, stream.initial())
			if err != nil && isStaleDelta(err) {
				return nil, fmt.Errorf("%w: %s: %v", ErrStaleCursor, stream.name, err)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("failed to sync %s: %w", stream.name, err)
		}

		logger.Debug().Int("items", len(items)).Msg("fetched graph delta")

		stream.normalize(items, self, people, result)
		if deltaLink != "" {
			result.Cursor[stream.cursorKey] = deltaLink
		}
	}

	result.People = people.list()
	result.RefreshedToken = tracker.Grant()
	return result, nil
}

// followDelta follows nextLink pages from start until a deltaLink is returned.
func (m *Microsoft) followDelta(ctx context.Context, client *retryablehttp.Client, start string) ([]json.RawMessage, string, error) {
	var items []json.RawMessage
	next := start

	for pages := 0; pages < graphMaxPages; pages++ {
		var page graphPage
		if err := m.getJSON(ctx, client, next, &page); err != nil {
			return nil, "", err
		}
		items = append(items, page.Value...)

		if page.NextLink != "" {
			next = page.NextLink
			continue
		}
		return items, page.DeltaLink, nil
	}

	return nil, "", fmt.Errorf("graph delta exceeded %d pages", graphMaxPages)
}

func (m *Microsoft) getJSON(ctx context.Context, client *retryablehttp.Client, rawURL string, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", `outlook.timezone="UTC", odata.maxpagesize=100`)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		ge := &graphError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var parsed struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &parsed) == nil && parsed.Error.Code != "" {
			ge.Code = parsed.Error.Code
			ge.Message = parsed.Error.Message
		}
		return ge
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode graph response: %w", err)
	}
	return nil
}

type graphEmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type graphRecipient struct {
	EmailAddress graphEmailAddress `json:"emailAddress"`
}

type graphMessage struct {
	ID               string           `json:"id"`
	Removed          *json.RawMessage `json:"@removed"`
	Subject          string           `json:"subject"`
	BodyPreview      string           `json:"bodyPreview"`
	WebLink          string           `json:"webLink"`
	ConversationID   string           `json:"conversationId"`
	ReceivedDateTime string           `json:"receivedDateTime"`
	SentDateTime     string           `json:"sentDateTime"`
	From             *graphRecipient  `json:"from"`
	ToRecipients     []graphRecipient `json:"toRecipients"`
	CcRecipients     []graphRecipient `json:"ccRecipients"`
}

func normalizeGraphMessages(items []json.RawMessage, self string, people *personSet, result *models.SyncResult) {
	for _, raw := range items {
		var msg graphMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Warn().Err(err).Str("provider", ProviderMicrosoft).Msg("skipping undecodable message")
			continue
		}
		if msg.Removed != nil {
			continue
		}

		direction := models.DirectionInbound
		var all []graphRecipient
		if msg.From != nil {
			if normalizeEmail(msg.From.EmailAddress.Address) == self {
				direction = models.DirectionOutbound
			}
			all = append(all, *msg.From)
		}
		all = append(all, msg.ToRecipients...)
		all = append(all, msg.CcRecipients...)

		participants := collectGraphPeople(all, self, people)
		if len(participants) == 0 {
			continue
		}

		occurredAt, ok := parseGraphTime(msg.ReceivedDateTime)
		if !ok {
			occurredAt, ok = parseGraphTime(msg.SentDateTime)
		}
		if !ok {
			log.Warn().Str("provider", ProviderMicrosoft).Str("message_id", msg.ID).Msg("skipping message without a usable timestamp")
			continue
		}

		result.Interactions = append(result.Interactions, models.NormalizedInteraction{
			Type:         models.InteractionEmail,
			Direction:    direction,
			Subject:      msg.Subject,
			Content:      msg.BodyPreview,
			OccurredAt:   occurredAt,
			Participants: participants,
			Source:       ProviderMicrosoft,
			SourceID:     msg.ID,
			SourceURL:    msg.WebLink,
			Metadata:     map[string]any{"conversationId": msg.ConversationID},
		})
	}
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphEvent struct {
	ID          string           `json:"id"`
	Removed     *json.RawMessage `json:"@removed"`
	Subject     string           `json:"subject"`
	BodyPreview string           `json:"bodyPreview"`
	WebLink     string           `json:"webLink"`
	IsCancelled bool             `json:"isCancelled"`
	IsAllDay    bool             `json:"isAllDay"`
	IsOrganizer bool             `json:"isOrganizer"`
	Start       *graphDateTime   `json:"start"`
	End         *graphDateTime   `json:"end"`
	Location    struct {
		DisplayName string `json:"displayName"`
	} `json:"location"`
	ResponseStatus struct {
		Response string `json:"response"`
	} `json:"responseStatus"`
	Attendees []struct {
		Type         string            `json:"type"`
		EmailAddress graphEmailAddress `json:"emailAddress"`
	} `json:"attendees"`
}

func normalizeGraphEvents(items []json.RawMessage, self string, people *personSet, result *models.SyncResult) {
	for _, raw := range items {
		var event graphEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			log.Warn().Err(err).Str("provider", ProviderMicrosoft).Msg("skipping undecodable event")
			continue
		}
		if event.Removed != nil || event.IsCancelled || event.IsAllDay || event.Start == nil {
			continue
		}
		if event.ResponseStatus.Response == "declined" || len(event.Attendees) <= 1 {
			continue
		}

		var attendees []graphRecipient
		for _, a := range event.Attendees {
			if a.Type == "resource" {
				continue
			}
			attendees = append(attendees, graphRecipient{EmailAddress: a.EmailAddress})
		}
		participants := collectGraphPeople(attendees, self, people)

		start, ok := parseGraphTime(event.Start.DateTime)
		if !ok {
			continue
		}

		interaction := models.NormalizedInteraction{
			Type:         models.InteractionMeeting,
			Direction:    models.DirectionInbound,
			Subject:      event.Subject,
			Content:      event.BodyPreview,
			OccurredAt:   start,
			Participants: participants,
			Source:       ProviderMicrosoft,
			SourceID:     event.ID,
			SourceURL:    event.WebLink,
		}
		if event.IsOrganizer {
			interaction.Direction = models.DirectionOutbound
		}
		if event.End != nil {
			if end, ok := parseGraphTime(event.End.DateTime); ok && end.After(start) {
				minutes := int(end.Sub(start).Minutes())
				interaction.DurationMinutes = &minutes
			}
		}
		if event.Location.DisplayName != "" {
			interaction.Metadata = map[string]any{"location": event.Location.DisplayName}
		}

		result.Interactions = append(result.Interactions, interaction)
	}
}

type graphContact struct {
	ID              string              `json:"id"`
	Removed         *json.RawMessage    `json:"@removed"`
	GivenName       string              `json:"givenName"`
	Surname         string              `json:"surname"`
	DisplayName     string              `json:"displayName"`
	CompanyName     string              `json:"companyName"`
	JobTitle        string              `json:"jobTitle"`
	PersonalNotes   string              `json:"personalNotes"`
	MobilePhone     string              `json:"mobilePhone"`
	BusinessPhones  []string            `json:"businessPhones"`
	EmailAddresses  []graphEmailAddress `json:"emailAddresses"`
	BusinessAddress struct {
		City string `json:"city"`
	} `json:"businessAddress"`
}

func normalizeGraphContacts(items []json.RawMessage, _ string, people *personSet, _ *models.SyncResult) {
	for _, raw := range items {
		var c graphContact
		if err := json.Unmarshal(raw, &c); err != nil {
			log.Warn().Err(err).Str("provider", ProviderMicrosoft).Msg("skipping undecodable contact")
			continue
		}
		if c.Removed != nil {
			continue
		}

		p := models.NormalizedPerson{
			FirstName:   c.GivenName,
			LastName:    c.Surname,
			DisplayName: c.DisplayName,
			CompanyName: c.CompanyName,
			JobTitle:    c.JobTitle,
			Bio:         c.PersonalNotes,
			Location:    c.BusinessAddress.City,
			Phone:       c.MobilePhone,
			Source:      ProviderMicrosoft,
			SourceID:    c.ID,
		}
		if p.Phone == "" && len(c.BusinessPhones) > 0 {
			p.Phone = c.BusinessPhones[0]
		}
		if len(c.EmailAddresses) > 0 {
			p.Email = normalizeEmail(c.EmailAddresses[0].Address)
		}
		if p.FirstName == "" && p.LastName == "" {
			p.FirstName, p.LastName = splitName(c.DisplayName)
		}
		if p.Email == "" && p.FirstName == "" && p.LastName == "" && p.DisplayName == "" {
			continue
		}

		people.add(p)
	}
}

// collectGraphPeople adds each non-self recipient to people and returns the
// participant emails.
func collectGraphPeople(recipients []graphRecipient, self string, people *personSet) []string {
	var participants []string
	seen := make(map[string]bool)

	for _, r := range recipients {
		email := normalizeEmail(r.EmailAddress.Address)
		if email == "" || email == self || seen[email] || isAutomatedSender(email) {
			continue
		}
		seen[email] = true
		participants = append(participants, email)

		p := models.NormalizedPerson{Email: email, Source: ProviderMicrosoft, SourceID: email}
		if name := strings.TrimSpace(r.EmailAddress.Name); name != "" && !strings.EqualFold(name, email) {
			p.DisplayName = name
			p.FirstName, p.LastName = splitName(name)
		}
		people.add(p)
	}

	return participants
}

// parseGraphTime accepts RFC 3339 and Graph's zone-less dateTime, which is
// UTC because requests ask for outlook.timezone="UTC".
func parseGraphTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse(graphDateTimeLayout, s); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}
