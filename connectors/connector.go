// ABOUTME: Connector contract shared by every provider plus the provider registry
// ABOUTME: Optional OAuth and file-import capabilities are separate interfaces
package connectors

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/harperreed/relsync/models"
)

// Provider ids.
const (
	ProviderGmail          = "gmail"
	ProviderGoogleCalendar = "google_calendar"
	ProviderGoogleContacts = "google_contacts"
	ProviderMicrosoft      = "microsoft"
	ProviderCSV            = "csv"
)

var (
	// ErrMissingCredentials is returned when neither an access token nor a
	// refresh token is available.
	ErrMissingCredentials = errors.New("missing access and refresh token")

	// ErrStaleCursor means the provider rejected the stored cursor even after
	// a full resync.
	ErrStaleCursor = errors.New("provider rejected sync cursor")

	ErrUnknownProvider = errors.New("unknown provider")
)

// Credentials are decrypted OAuth tokens handed to a connector for one run.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

// Connector fetches one provider's records and normalizes them.
type Connector interface {
	ID() string
	Sync(ctx context.Context, creds Credentials, cursor models.Cursor, metadata map[string]any, workspaceID uuid.UUID) (*models.SyncResult, error)
}

// OAuthConnector is implemented by providers connected through an OAuth
// authorization-code flow.
type OAuthConnector interface {
	Connector
	AuthURL(redirectURI, state string) string
	HandleCallback(ctx context.Context, code, redirectURI string) (*models.TokenGrant, error)
}

// FileConnector is implemented by providers that import uploaded files.
type FileConnector interface {
	Connector
	ParseFile(content []byte, filename string) (*models.SyncResult, error)
}

// Registry maps provider ids to connectors. It is built once at startup and
// passed to the orchestrator and HTTP layer.
type Registry struct {
	connectors map[string]Connector
}

func NewRegistry(conns ...Connector) *Registry {
	r := &Registry{connectors: make(map[string]Connector, len(conns))}
	for _, c := range conns {
		r.connectors[c.ID()] = c
	}
	return r
}

// Get returns the connector for id, or false if none is registered.
func (r *Registry) Get(id string) (Connector, bool) {
	if r == nil {
		return nil, false
	}
	c, ok := r.connectors[id]
	return c, ok
}

// IDs returns the registered provider ids in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.connectors))
	for id := range r.connectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Config carries provider credentials and endpoint overrides for
// NewDefaultRegistry.
type Config struct {
	GoogleClientID     string
	GoogleClientSecret string

	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftTenant       string

	// GraphBaseURL overrides the Microsoft Graph root, e.g. for a proxy.
	GraphBaseURL string

	// HTTPClient is the base transport for every provider call. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
}

// NewDefaultRegistry registers every built-in provider.
func NewDefaultRegistry(cfg Config) *Registry {
	google := newGoogleAuth(cfg)
	return NewRegistry(
		NewGmail(google),
		NewGoogleCalendar(google),
		NewGoogleContacts(google),
		NewMicrosoft(MicrosoftOptions{
			OAuth:      MicrosoftOAuthConfig(cfg.MicrosoftClientID, cfg.MicrosoftClientSecret, cfg.MicrosoftTenant),
			BaseURL:    cfg.GraphBaseURL,
			HTTPClient: cfg.HTTPClient,
		}),
		NewCSV(),
	)
}
