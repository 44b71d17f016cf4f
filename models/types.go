// ABOUTME: Data models for integrations, sync runs, and the relationship graph
// ABOUTME: Defines normalized connector output and canonical Person/Company/Interaction structs
package models

import (
	"time"

	"github.com/google/uuid"
)

// Cursor is a provider-owned incremental sync marker. Only the connector that
// produced it reads its keys.
type Cursor map[string]any

// String returns the string value stored under key, or "" if absent.
func (c Cursor) String(key string) string {
	if c == nil {
		return ""
	}
	s, _ := c[key].(string)
	return s
}

type Workspace struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Timezone  string    `json:"timezone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Integration struct {
	ID              uuid.UUID      `json:"id"`
	WorkspaceID     uuid.UUID      `json:"workspace_id"`
	Provider        string         `json:"provider"`
	AccessToken     string         `json:"-"` // vault ciphertext
	RefreshToken    string         `json:"-"` // vault ciphertext
	TokenExpiresAt  *time.Time     `json:"token_expires_at,omitempty"`
	Cursor          Cursor         `json:"cursor,omitempty"`
	Status          string         `json:"status"`
	LastSyncError   string         `json:"last_sync_error,omitempty"`
	LastSyncedAt    *time.Time     `json:"last_synced_at,omitempty"`
	AutoSyncEnabled bool           `json:"auto_sync_enabled"`
	SyncTime        string         `json:"sync_time,omitempty"`
	Timezone        string         `json:"timezone,omitempty"`
	AccountEmail    string         `json:"account_email,omitempty"`
	AccountName     string         `json:"account_name,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Integration status constants.
const (
	IntegrationActive = "active"
	IntegrationError  = "error"
)

// SchedulableIntegration is an auto-sync integration joined with its
// workspace's timezone preference.
type SchedulableIntegration struct {
	ID                uuid.UUID
	WorkspaceID       uuid.UUID
	Provider          string
	SyncTime          string
	Timezone          string
	WorkspaceTimezone string
}

type SyncLog struct {
	ID            string     `json:"id"`
	IntegrationID uuid.UUID  `json:"integration_id"`
	WorkspaceID   uuid.UUID  `json:"workspace_id"`
	Status        string     `json:"status"`
	ItemsSynced   int        `json:"items_synced"`
	ItemsCreated  int        `json:"items_created"`
	ItemsUpdated  int        `json:"items_updated"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Sync log status constants.
const (
	SyncLogRunning   = "running"
	SyncLogCompleted = "completed"
	SyncLogFailed    = "failed"
)

type SocialProfile struct {
	Platform string `json:"platform"`
	URL      string `json:"url,omitempty"`
	Username string `json:"username,omitempty"`
}

type NormalizedPerson struct {
	Email          string          `json:"email,omitempty"`
	Phone          string          `json:"phone,omitempty"`
	FirstName      string          `json:"first_name,omitempty"`
	LastName       string          `json:"last_name,omitempty"`
	DisplayName    string          `json:"display_name,omitempty"`
	Bio            string          `json:"bio,omitempty"`
	Location       string          `json:"location,omitempty"`
	AvatarURL      string          `json:"avatar_url,omitempty"`
	CompanyName    string          `json:"company_name,omitempty"`
	CompanyDomain  string          `json:"company_domain,omitempty"`
	JobTitle       string          `json:"job_title,omitempty"`
	SocialProfiles []SocialProfile `json:"social_profiles,omitempty"`
	Source         string          `json:"source"`
	SourceID       string          `json:"source_id,omitempty"`
	CustomData     map[string]any  `json:"custom_data,omitempty"`
}

type NormalizedInteraction struct {
	Type            string         `json:"type"`
	Direction       string         `json:"direction,omitempty"`
	Subject         string         `json:"subject,omitempty"`
	Content         string         `json:"content,omitempty"`
	DurationMinutes *int           `json:"duration_minutes,omitempty"`
	OccurredAt      time.Time      `json:"occurred_at"`
	Participants    []string       `json:"participants"`
	Source          string         `json:"source"`
	SourceID        string         `json:"source_id,omitempty"`
	SourceURL       string         `json:"source_url,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// TokenGrant is the result of an OAuth code exchange or refresh.
type TokenGrant struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`

	// Account identity looked up right after the code exchange.
	AccountEmail string `json:"account_email,omitempty"`
	AccountName  string `json:"account_name,omitempty"`
}

// SyncResult is the output of one connector invocation.
type SyncResult struct {
	People       []NormalizedPerson      `json:"people"`
	Interactions []NormalizedInteraction `json:"interactions"`
	Cursor       Cursor                  `json:"cursor"`
	HasMore      bool                    `json:"hasMore"`

	// RefreshedToken is set when the connector exchanged a refresh token
	// during the run.
	RefreshedToken *TokenGrant `json:"-"`
}

type Person struct {
	ID                   uuid.UUID      `json:"id"`
	WorkspaceID          uuid.UUID      `json:"workspace_id"`
	Email                string         `json:"email,omitempty"`
	FirstName            string         `json:"first_name"`
	LastName             string         `json:"last_name,omitempty"`
	DisplayName          string         `json:"display_name,omitempty"`
	Phone                string         `json:"phone,omitempty"`
	Bio                  string         `json:"bio,omitempty"`
	Location             string         `json:"location,omitempty"`
	AvatarURL            string         `json:"avatar_url,omitempty"`
	JobTitle             string         `json:"job_title,omitempty"`
	RelationshipType     string         `json:"relationship_type,omitempty"`
	RelationshipStrength string         `json:"relationship_strength,omitempty"`
	CustomData           map[string]any `json:"custom_data,omitempty"`
	Source               string         `json:"source"`
	SourceID             string         `json:"source_id,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// PersonPatch holds the fields an automated sync is allowed to change on an
// existing person. Empty values leave the stored field untouched.
type PersonPatch struct {
	FirstName   string
	LastName    string
	DisplayName string
	Phone       string
	Bio         string
	Location    string
	AvatarURL   string
}

type Company struct {
	ID          uuid.UUID `json:"id"`
	WorkspaceID uuid.UUID `json:"workspace_id"`
	Name        string    `json:"name"`
	Domain      string    `json:"domain,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Interaction struct {
	ID              uuid.UUID      `json:"id"`
	WorkspaceID     uuid.UUID      `json:"workspace_id"`
	Type            string         `json:"type"`
	Direction       string         `json:"direction,omitempty"`
	Subject         string         `json:"subject,omitempty"`
	Content         string         `json:"content,omitempty"`
	DurationMinutes *int           `json:"duration_minutes,omitempty"`
	OccurredAt      time.Time      `json:"occurred_at"`
	Source          string         `json:"source"`
	SourceID        string         `json:"source_id,omitempty"`
	SourceURL       string         `json:"source_url,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// InteractionType constants.
const (
	InteractionEmail   = "email"
	InteractionMeeting = "meeting"
	InteractionMessage = "message"
	InteractionCall    = "call"
)

// Direction constants.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Entity type names used for indexing notifications.
const (
	EntityPerson      = "person"
	EntityCompany     = "company"
	EntityInteraction = "interaction"
)
