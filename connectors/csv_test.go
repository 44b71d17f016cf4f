package connectors

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/harperreed/relsync/models"
)

func TestCSVGenericColumns(t *testing.T) {
	content := "Email , FULL NAME,Company,Job Title,Favorite Color\n" +
		"Ada@Example.com,Ada Lovelace,\"Analytical Engines, Ltd\",Programmer,green\n" +
		",,,,blue\n" +
		"grace@navy.mil,\"Grace \"\"Amazing\"\" Hopper\",Navy,,\n"

	result, err := NewCSV().ParseFile([]byte(content), "people.csv")
	require.NoError(t, err)

	require.Len(t, result.People, 2, "rows without identifying fields are skipped")
	assert.Empty(t, result.Interactions)

	ada := result.People[0]
	assert.Equal(t, "ada@example.com", ada.Email)
	assert.Equal(t, "Ada", ada.FirstName)
	assert.Equal(t, "Lovelace", ada.LastName)
	assert.Equal(t, "Ada Lovelace", ada.DisplayName)
	assert.Equal(t, "Analytical Engines, Ltd", ada.CompanyName)
	assert.Equal(t, "Programmer", ada.JobTitle)
	assert.Equal(t, "csv:people.csv", ada.Source)
	assert.Equal(t, map[string]any{"Favorite Color": "green"}, ada.CustomData)

	grace := result.People[1]
	assert.Equal(t, `Grace "Amazing" Hopper`, grace.DisplayName)
	assert.Equal(t, "Grace", grace.FirstName)
	assert.Nil(t, grace.CustomData)
}

func TestCSVDiscreteNameColumnsWin(t *testing.T) {
	content := "first name,last name,name\nJohn,Smith,Johnny S\n"

	result, err := NewCSV().ParseFile([]byte(content), "x.csv")
	require.NoError(t, err)
	require.Len(t, result.People, 1)
	assert.Equal(t, "John", result.People[0].FirstName)
	assert.Equal(t, "Smith", result.People[0].LastName)
}

func TestCSVLinkedInPreset(t *testing.T) {
	content := "Notes:\n" +
		"\"When exporting your connection data, you may notice that some of the email addresses are missing.\"\n" +
		"\n" +
		"First Name,Last Name,URL,Email Address,Company,Position,Connected On\n" +
		"Linus,Torvalds,https://www.linkedin.com/in/linus,linus@kernel.org,Linux Foundation,Fellow,05 Mar 2024\n" +
		"Ken,Thompson,https://www.linkedin.com/in/ken,,Google,Engineer,01 Jan 2020\n"

	result, err := NewCSV().ParseFile([]byte(content), "Connections.csv")
	require.NoError(t, err)

	require.Len(t, result.People, 2)
	linus := result.People[0]
	assert.Equal(t, "linus@kernel.org", linus.Email)
	assert.Equal(t, "Linux Foundation", linus.CompanyName)
	assert.Equal(t, "Fellow", linus.JobTitle)
	require.Len(t, linus.SocialProfiles, 1)
	assert.Equal(t, models.SocialProfile{Platform: "linkedin", URL: "https://www.linkedin.com/in/linus", Username: "linus"}, linus.SocialProfiles[0])
	assert.Nil(t, linus.CustomData, "connected on is not custom data")

	ken := result.People[1]
	assert.Empty(t, ken.Email)
	assert.Equal(t, "https://www.linkedin.com/in/ken", ken.SourceID)

	// Only rows with an email produce a connection interaction
	require.Len(t, result.Interactions, 1)
	in := result.Interactions[0]
	assert.Equal(t, models.InteractionMessage, in.Type)
	assert.Equal(t, "linkedin-connection:linus@kernel.org", in.SourceID)
	assert.Equal(t, []string{"linus@kernel.org"}, in.Participants)
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), in.OccurredAt)
}

func TestCSVParseIsDeterministic(t *testing.T) {
	content := []byte("email,name\nbob@x.com,Bob\n")

	first, err := NewCSV().ParseFile(content, "a.csv")
	require.NoError(t, err)
	second, err := NewCSV().ParseFile(content, "a.csv")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCSVEmptyFile(t *testing.T) {
	_, err := NewCSV().ParseFile([]byte(""), "empty.csv")
	assert.Error(t, err)
}

func TestXLSXImport(t *testing.T) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]any{"Email", "First Name", "Last Name", "Location"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]any{"margaret@mit.edu", "Margaret", "Hamilton", "Boston"}))

	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	result, err := NewCSV().ParseFile(buf.Bytes(), "contacts.xlsx")
	require.NoError(t, err)
	require.Len(t, result.People, 1)
	assert.Equal(t, "margaret@mit.edu", result.People[0].Email)
	assert.Equal(t, "Boston", result.People[0].Location)
	assert.Equal(t, "csv:contacts.xlsx", result.People[0].Source)
}

func TestSocialProfileFromURL(t *testing.T) {
	p, ok := socialProfileFromURL("twitter.com/jack")
	require.True(t, ok)
	assert.Equal(t, "twitter", p.Platform)
	assert.Equal(t, "jack", p.Username)

	_, ok = socialProfileFromURL("https://example.com/me")
	assert.False(t, ok)
}
