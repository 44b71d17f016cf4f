// ABOUTME: Shared Google plumbing for the Gmail, Calendar and Contacts connectors
// ABOUTME: Builds authorized API client options and classifies Google API errors
package connectors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"github.com/harperreed/relsync/models"
)

// GoogleAuth is shared by the Google connectors. Its OAuth methods are
// promoted onto each connector.
type GoogleAuth struct {
	OAuth      *oauth2.Config
	HTTPClient *http.Client

	// Endpoint overrides the API root of every Google service.
	Endpoint string
}

func newGoogleAuth(cfg Config) *GoogleAuth {
	return &GoogleAuth{
		OAuth:      GoogleOAuthConfig(cfg.GoogleClientID, cfg.GoogleClientSecret),
		HTTPClient: cfg.HTTPClient,
	}
}

func (g *GoogleAuth) AuthURL(redirectURI, state string) string {
	return authURL(g.OAuth, redirectURI, state)
}

// HandleCallback exchanges the code and records the account's identity. An
// identity lookup failure leaves the grant usable.
func (g *GoogleAuth) HandleCallback(ctx context.Context, code, redirectURI string) (*models.TokenGrant, error) {
	grant, err := exchangeCode(ctx, g.OAuth, g.HTTPClient, code, redirectURI)
	if err != nil {
		return nil, err
	}

	if err := g.fillAccount(ctx, grant); err != nil {
		log.Warn().Err(err).Msg("could not look up google account identity")
	}
	return grant, nil
}

func (g *GoogleAuth) fillAccount(ctx context.Context, grant *models.TokenGrant) error {
	opts, _, err := g.clientOptions(ctx, grantCredentials(grant))
	if err != nil {
		return err
	}
	svc, err := oauth2api.NewService(ctx, opts...)
	if err != nil {
		return err
	}

	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to fetch userinfo: %w", err)
	}
	grant.AccountEmail = normalizeEmail(info.Email)
	grant.AccountName = info.Name
	return nil
}

func (g *GoogleAuth) clientOptions(ctx context.Context, creds Credentials) ([]option.ClientOption, *tokenTracker, error) {
	client, tracker, err := authorizedClient(ctx, g.OAuth, g.HTTPClient, creds)
	if err != nil {
		return nil, nil, err
	}

	// 429 and 5xx from any Google API are retried like Graph calls.
	opts := []option.ClientOption{option.WithHTTPClient(NewRetryClient(client).StandardClient())}
	if g.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(g.Endpoint))
	}
	return opts, tracker, nil
}

func googleErrorCode(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

// isStaleSyncToken reports whether Google rejected a sync token as invalid
// or expired.
func isStaleSyncToken(err error) bool {
	if err == nil {
		return false
	}
	if googleErrorCode(err) == http.StatusGone {
		return true
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "expired_sync_token") {
		return true
	}
	return strings.Contains(msg, "sync token") && (strings.Contains(msg, "invalid") || strings.Contains(msg, "expired"))
}
