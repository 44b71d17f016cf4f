// ABOUTME: File-import connector for CSV and XLSX contact exports
// ABOUTME: Detects the LinkedIn connections preset or maps generic columns by header aliases
package connectors

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/harperreed/relsync/models"
)

const (
	linkedinSource      = "linkedin"
	linkedinHeaderScan  = 10
	linkedinConnectedOn = "connected on"
)

// Generic column aliases, keyed by normalized header.
var csvAliases = map[string]string{
	"email":          "email",
	"e-mail":         "email",
	"email address":  "email",
	"phone":          "phone",
	"phone number":   "phone",
	"mobile":         "phone",
	"first name":     "first_name",
	"firstname":      "first_name",
	"given name":     "first_name",
	"last name":      "last_name",
	"lastname":       "last_name",
	"surname":        "last_name",
	"family name":    "last_name",
	"name":           "name",
	"full name":      "name",
	"display name":   "name",
	"company":        "company",
	"organization":   "company",
	"company name":   "company",
	"title":          "title",
	"job title":      "title",
	"position":       "title",
	"bio":            "bio",
	"notes":          "bio",
	"location":       "location",
	"city":           "location",
	"address":        "location",
	"linkedin":       "linkedin",
	"linkedin url":   "linkedin",
	"url":            "linkedin",
	"twitter":        "twitter",
	"website":        "website",
	"avatar":         "avatar",
	"photo":          "avatar",
	"domain":         "domain",
	"company domain": "domain",
}

var linkedinDateLayouts = []string{
	"02 Jan 2006",
	"2 Jan 2006",
	"1/2/2006",
	"2006-01-02",
}

type CSV struct{}

func NewCSV() *CSV {
	return &CSV{}
}

func (c *CSV) ID() string { return ProviderCSV }

// Sync has nothing to fetch; CSV data arrives through ParseFile.
func (c *CSV) Sync(_ context.Context, _ Credentials, _ models.Cursor, _ map[string]any, _ uuid.UUID) (*models.SyncResult, error) {
	return &models.SyncResult{Cursor: models.Cursor{}}, nil
}

func (c *CSV) ParseFile(content []byte, filename string) (*models.SyncResult, error) {
	rows, err := readRows(content, filename)
	if err != nil {
		return nil, err
	}

	headerIdx, linkedin := findHeader(rows)
	if headerIdx < 0 {
		return nil, fmt.Errorf("file has no header row")
	}

	headers := make([]string, len(rows[headerIdx]))
	for i, h := range rows[headerIdx] {
		headers[i] = normalizeHeader(h)
	}

	source := "csv:" + filepath.Base(filename)
	result := &models.SyncResult{Cursor: models.Cursor{}}

	for _, row := range rows[headerIdx+1:] {
		record := make(map[string]string)
		custom := make(map[string]any)

		for i, value := range row {
			if i >= len(headers) || headers[i] == "" {
				continue
			}
			value = strings.TrimSpace(value)
			if value == "" {
				continue
			}
			if linkedin && headers[i] == linkedinConnectedOn {
				record[linkedinConnectedOn] = value
				continue
			}
			if field, ok := csvAliases[headers[i]]; ok {
				if _, taken := record[field]; !taken {
					record[field] = value
				}
				continue
			}
			custom[strings.TrimSpace(rows[headerIdx][i])] = value
		}

		person, ok := personFromRecord(record, source)
		if !ok {
			continue
		}
		if len(custom) > 0 {
			person.CustomData = custom
		}
		result.People = append(result.People, person)

		if linkedin {
			if interaction, ok := linkedinConnection(record, person); ok {
				result.Interactions = append(result.Interactions, interaction)
			}
		}
	}

	return result, nil
}

// readRows returns all rows of a CSV file or the first sheet of an XLSX file.
func readRows(content []byte, filename string) ([][]string, error) {
	if strings.EqualFold(filepath.Ext(filename), ".xlsx") {
		f, err := excelize.OpenReader(bytes.NewReader(content))
		if err != nil {
			return nil, fmt.Errorf("failed to open Excel file: %w", err)
		}
		defer func() { _ = f.Close() }()

		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, fmt.Errorf("excel file has no sheets")
		}

		rows, err := f.GetRows(sheets[0])
		if err != nil {
			return nil, fmt.Errorf("failed to read sheet: %w", err)
		}
		return rows, nil
	}

	content = bytes.TrimPrefix(content, []byte("\xef\xbb\xbf"))
	reader := csv.NewReader(bytes.NewReader(content))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	var rows [][]string
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse line %d: %w", len(rows)+1, err)
		}
		rows = append(rows, record)
	}
	return rows, nil
}

// findHeader locates the header row. LinkedIn exports put a few lines of
// notes above it.
func findHeader(rows [][]string) (int, bool) {
	for i := 0; i < len(rows) && i < linkedinHeaderScan; i++ {
		cols := make(map[string]bool)
		for _, h := range rows[i] {
			cols[normalizeHeader(h)] = true
		}
		if cols["first name"] && cols["last name"] && cols[linkedinConnectedOn] {
			return i, true
		}
	}

	for i, row := range rows {
		for _, cell := range row {
			if strings.TrimSpace(cell) != "" {
				return i, false
			}
		}
	}
	return -1, false
}

// normalizeHeader lowercases and collapses whitespace.
func normalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	return strings.Join(strings.Fields(strings.ToLower(h)), " ")
}

func personFromRecord(record map[string]string, source string) (models.NormalizedPerson, bool) {
	p := models.NormalizedPerson{
		Email:         normalizeEmail(record["email"]),
		Phone:         record["phone"],
		FirstName:     record["first_name"],
		LastName:      record["last_name"],
		DisplayName:   record["name"],
		Bio:           record["bio"],
		Location:      record["location"],
		AvatarURL:     record["avatar"],
		CompanyName:   record["company"],
		CompanyDomain: record["domain"],
		JobTitle:      record["title"],
		Source:        source,
	}

	if p.FirstName == "" && p.LastName == "" && p.DisplayName != "" {
		p.FirstName, p.LastName = splitName(p.DisplayName)
	}

	if p.Email == "" && p.FirstName == "" && p.LastName == "" && p.DisplayName == "" {
		return p, false
	}

	if u := record["linkedin"]; u != "" {
		profile, ok := socialProfileFromURL(u)
		if !ok {
			profile = models.SocialProfile{Platform: "linkedin", URL: u}
		}
		p.SocialProfiles = append(p.SocialProfiles, profile)
	}
	if t := record["twitter"]; t != "" {
		profile, ok := socialProfileFromURL(t)
		if !ok {
			profile = models.SocialProfile{Platform: "twitter", Username: strings.TrimPrefix(t, "@")}
		}
		p.SocialProfiles = append(p.SocialProfiles, profile)
	}
	if w := record["website"]; w != "" {
		p.SocialProfiles = append(p.SocialProfiles, models.SocialProfile{Platform: "website", URL: w})
	}

	switch {
	case p.Email != "":
		p.SourceID = p.Email
	case record["linkedin"] != "":
		p.SourceID = record["linkedin"]
	}

	return p, true
}

// linkedinConnection turns a connection date into a message interaction with
// a stable source id so re-imports dedupe.
func linkedinConnection(record map[string]string, p models.NormalizedPerson) (models.NormalizedInteraction, bool) {
	connectedOn := record[linkedinConnectedOn]
	if p.Email == "" || connectedOn == "" {
		return models.NormalizedInteraction{}, false
	}

	var occurredAt time.Time
	var parsed bool
	for _, layout := range linkedinDateLayouts {
		if t, err := time.Parse(layout, connectedOn); err == nil {
			occurredAt, parsed = t.UTC(), true
			break
		}
	}
	if !parsed {
		return models.NormalizedInteraction{}, false
	}

	return models.NormalizedInteraction{
		Type:         models.InteractionMessage,
		Subject:      "Connected on LinkedIn",
		OccurredAt:   occurredAt,
		Participants: []string{p.Email},
		Source:       linkedinSource,
		SourceID:     "linkedin-connection:" + p.Email,
		SourceURL:    record["linkedin"],
	}, true
}
