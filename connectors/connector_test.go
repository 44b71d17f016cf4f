package connectors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry(t *testing.T) {
	reg := NewDefaultRegistry(Config{GoogleClientID: "id", GoogleClientSecret: "secret"})

	assert.Equal(t, []string{
		ProviderCSV,
		ProviderGmail,
		ProviderGoogleCalendar,
		ProviderGoogleContacts,
		ProviderMicrosoft,
	}, reg.IDs())

	for _, id := range []string{ProviderGmail, ProviderGoogleCalendar, ProviderGoogleContacts, ProviderMicrosoft} {
		c, ok := reg.Get(id)
		require.True(t, ok, id)
		_, isOAuth := c.(OAuthConnector)
		assert.True(t, isOAuth, "%s should support OAuth", id)
	}

	c, ok := reg.Get(ProviderCSV)
	require.True(t, ok)
	_, isFile := c.(FileConnector)
	assert.True(t, isFile)
}

func TestRegistryUnknownProvider(t *testing.T) {
	reg := NewRegistry(NewCSV())

	c, ok := reg.Get("myspace")
	assert.False(t, ok)
	assert.Nil(t, c)

	var nilReg *Registry
	_, ok = nilReg.Get(ProviderCSV)
	assert.False(t, ok)
}

func TestAuthURLRequestsOfflineAccess(t *testing.T) {
	g := newGoogleAuth(Config{GoogleClientID: "client-123"})

	u := g.AuthURL("https://app.example.com/oauth/gmail/callback", "state-xyz")
	assert.Contains(t, u, "client_id=client-123")
	assert.Contains(t, u, "access_type=offline")
	assert.Contains(t, u, "state=state-xyz")
	assert.Contains(t, u, "redirect_uri=https%3A%2F%2Fapp.example.com%2Foauth%2Fgmail%2Fcallback")

	m := NewMicrosoft(MicrosoftOptions{OAuth: MicrosoftOAuthConfig("ms-client", "", "")})
	u = m.AuthURL("https://app.example.com/cb", "s")
	assert.Contains(t, u, "login.microsoftonline.com/common")
	assert.Contains(t, u, "offline_access")
}
