// ABOUTME: OAuth configuration and token handling for Google and Microsoft connectors
// ABOUTME: Refreshes missing access tokens up front and reports refreshed grants back to the caller
package connectors

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/harperreed/relsync/models"
)

var googleScopes = []string{
	"https://www.googleapis.com/auth/contacts.readonly",
	"https://www.googleapis.com/auth/calendar.readonly",
	"https://www.googleapis.com/auth/gmail.readonly",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

var microsoftScopes = []string{
	"offline_access",
	"User.Read",
	"Mail.Read",
	"Calendars.Read",
	"Contacts.Read",
}

// GoogleOAuthConfig creates the OAuth2 config shared by the Google connectors.
// The redirect URL is supplied per request.
func GoogleOAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       googleScopes,
		Endpoint:     google.Endpoint,
	}
}

// MicrosoftOAuthConfig creates the OAuth2 config for the Microsoft identity
// platform. An empty tenant means "common".
func MicrosoftOAuthConfig(clientID, clientSecret, tenant string) *oauth2.Config {
	if tenant == "" {
		tenant = "common"
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       microsoftScopes,
		Endpoint:     microsoft.AzureADEndpoint(tenant),
	}
}

// authURL builds a consent URL that always yields a refresh token.
func authURL(cfg *oauth2.Config, redirectURI, state string) string {
	c := *cfg
	c.RedirectURL = redirectURI
	return c.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
}

func exchangeCode(ctx context.Context, cfg *oauth2.Config, base *http.Client, code, redirectURI string) (*models.TokenGrant, error) {
	c := *cfg
	c.RedirectURL = redirectURI

	tok, err := c.Exchange(withBaseClient(ctx, base), code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	return grantFromToken(tok), nil
}

func grantCredentials(g *models.TokenGrant) Credentials {
	return Credentials{AccessToken: g.AccessToken, RefreshToken: g.RefreshToken, ExpiresAt: g.ExpiresAt}
}

func grantFromToken(tok *oauth2.Token) *models.TokenGrant {
	g := &models.TokenGrant{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry.UTC()
		g.ExpiresAt = &expiry
	}
	return g
}

func withBaseClient(ctx context.Context, base *http.Client) context.Context {
	if base == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, base)
}

// tokenTracker remembers the access token a run started with so a refresh
// can be reported back for persistence.
type tokenTracker struct {
	src     oauth2.TokenSource
	initial string
}

// Grant returns the current token if it differs from the one supplied at the
// start of the run.
func (t *tokenTracker) Grant() *models.TokenGrant {
	tok, err := t.src.Token()
	if err != nil || tok.AccessToken == t.initial {
		return nil
	}
	return grantFromToken(tok)
}

// authorizedClient returns an HTTP client that attaches the bearer token. A
// missing access token is exchanged from the refresh token before any data
// call; failure to do so is fatal for the run.
func authorizedClient(ctx context.Context, cfg *oauth2.Config, base *http.Client, creds Credentials) (*http.Client, *tokenTracker, error) {
	if creds.AccessToken == "" && creds.RefreshToken == "" {
		return nil, nil, ErrMissingCredentials
	}

	ctx = withBaseClient(ctx, base)

	tok := &oauth2.Token{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		TokenType:    "Bearer",
	}
	// Without a refresh token an expiry would only turn into a refresh error.
	if creds.ExpiresAt != nil && creds.RefreshToken != "" {
		tok.Expiry = *creds.ExpiresAt
	}

	if creds.AccessToken == "" {
		fresh, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken}).Token()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to refresh access token: %w", err)
		}
		tok = fresh
	}

	src := cfg.TokenSource(ctx, tok)
	return oauth2.NewClient(ctx, src), &tokenTracker{src: src, initial: creds.AccessToken}, nil
}
