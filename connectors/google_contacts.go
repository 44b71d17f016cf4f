// ABOUTME: Google Contacts connector backed by the People API connections list
// ABOUTME: Uses sync tokens for incremental sync with one full resync when the token expires
package connectors

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/people/v1"

	"github.com/harperreed/relsync/models"
)

const (
	cursorContactsSyncToken = "contactsSyncToken"

	contactsPageSize     = 1000
	contactsPersonFields = "names,emailAddresses,phoneNumbers,organizations,biographies,addresses,photos,urls,metadata"
)

type GoogleContacts struct {
	*GoogleAuth
}

func NewGoogleContacts(auth *GoogleAuth) *GoogleContacts {
	return &GoogleContacts{GoogleAuth: auth}
}

func (c *GoogleContacts) ID() string { return ProviderGoogleContacts }

func (c *GoogleContacts) Sync(ctx context.Context, creds Credentials, cursor models.Cursor, _ map[string]any, workspaceID uuid.UUID) (*models.SyncResult, error) {
	opts, tracker, err := c.clientOptions(ctx, creds)
	if err != nil {
		return nil, err
	}

	svc, err := people.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create People service: %w", err)
	}

	syncToken := cursor.String(cursorContactsSyncToken)
	result, err := c.fetchConnections(ctx, svc, syncToken)
	if err != nil && syncToken != "" && isStaleSyncToken(err) {
		log.Warn().
			Str("provider", ProviderGoogleContacts).
			Str("workspace_id", workspaceID.String()).
			Err(err).
			Msg("sync token expired, running full resync")
		result, err = c.fetchConnections(ctx, svc, "")
		if err != nil && isStaleSyncToken(err) {
			return nil, fmt.Errorf("%w: %v", ErrStaleCursor, err)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch contacts: %w", err)
	}

	result.RefreshedToken = tracker.Grant()
	return result, nil
}

func (c *GoogleContacts) fetchConnections(ctx context.Context, svc *people.Service, syncToken string) (*models.SyncResult, error) {
	result := &models.SyncResult{Cursor: models.Cursor{}}
	pageToken := ""

	for {
		call := svc.People.Connections.List("people/me").
			PersonFields(contactsPersonFields).
			PageSize(contactsPageSize).
			RequestSyncToken(true).
			Context(ctx)
		if syncToken != "" {
			call = call.SyncToken(syncToken)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			return nil, err
		}

		for _, person := range resp.Connections {
			if person.Metadata != nil && person.Metadata.Deleted {
				continue
			}
			if np, ok := convertPerson(person); ok {
				result.People = append(result.People, np)
			}
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			if resp.NextSyncToken != "" {
				result.Cursor[cursorContactsSyncToken] = resp.NextSyncToken
			}
			break
		}
	}

	return result, nil
}

// convertPerson maps a People API person. Contacts with no name and no email
// are dropped.
func convertPerson(person *people.Person) (models.NormalizedPerson, bool) {
	np := models.NormalizedPerson{
		Source:   ProviderGoogleContacts,
		SourceID: person.ResourceName,
	}

	if len(person.Names) > 0 {
		name := person.Names[0]
		np.FirstName = name.GivenName
		np.LastName = name.FamilyName
		np.DisplayName = name.DisplayName
		if np.FirstName == "" && np.LastName == "" {
			np.FirstName, np.LastName = splitName(name.DisplayName)
		}
	}

	// Prefer primary, otherwise first available
	for _, email := range person.EmailAddresses {
		if email.Value == "" {
			continue
		}
		if np.Email == "" {
			np.Email = normalizeEmail(email.Value)
		}
		if email.Metadata != nil && email.Metadata.Primary {
			np.Email = normalizeEmail(email.Value)
			break
		}
	}

	for _, phone := range person.PhoneNumbers {
		if phone.Value == "" {
			continue
		}
		if np.Phone == "" {
			np.Phone = phone.Value
		}
		if phone.Metadata != nil && phone.Metadata.Primary {
			np.Phone = phone.Value
			break
		}
	}

	if len(person.Organizations) > 0 {
		org := person.Organizations[0]
		np.CompanyName = org.Name
		np.CompanyDomain = org.Domain
		np.JobTitle = org.Title
	}

	if len(person.Biographies) > 0 {
		np.Bio = person.Biographies[0].Value
	}

	if len(person.Addresses) > 0 {
		addr := person.Addresses[0]
		np.Location = addr.FormattedValue
		if np.Location == "" {
			np.Location = addr.City
		}
	}

	for _, photo := range person.Photos {
		if photo.Url != "" && !photo.Default {
			np.AvatarURL = photo.Url
			break
		}
	}

	for _, u := range person.Urls {
		if profile, ok := socialProfileFromURL(u.Value); ok {
			np.SocialProfiles = append(np.SocialProfiles, profile)
		}
	}

	if np.Email == "" && np.FirstName == "" && np.LastName == "" && np.DisplayName == "" {
		return np, false
	}
	return np, true
}

var socialHosts = map[string]string{
	"linkedin.com": "linkedin",
	"twitter.com":  "twitter",
	"x.com":        "twitter",
	"github.com":   "github",
}

// socialProfileFromURL recognizes known social network profile URLs.
func socialProfileFromURL(raw string) (models.SocialProfile, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return models.SocialProfile{}, false
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return models.SocialProfile{}, false
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	platform, ok := socialHosts[host]
	if !ok {
		return models.SocialProfile{}, false
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	username := segments[len(segments)-1]

	return models.SocialProfile{Platform: platform, URL: raw, Username: username}, true
}
