// ABOUTME: Normalization helpers shared by connectors
// ABOUTME: Email/name parsing, RFC 2822 dates, and automated-sender detection
package connectors

import (
	"net/mail"
	"regexp"
	"strings"
	"time"
)

// normalizeEmail converts email to lowercase for comparison.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// emailDomain extracts the lower-cased domain from an email address.
func emailDomain(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return ""
	}
	return strings.ToLower(parts[1])
}

// splitName splits a display name into first and last name on the first
// run of whitespace.
func splitName(full string) (string, string) {
	fields := strings.Fields(full)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], ""
	default:
		return fields[0], strings.Join(fields[1:], " ")
	}
}

type address struct {
	Name  string
	Email string
}

var emailPattern = regexp.MustCompile(`[^\s<>"',;]+@[^\s<>"',;]+`)

// parseAddressList parses an address header. Strict RFC 5322 parsing is tried
// first; malformed headers fall back to picking out anything shaped like an
// address. Returned emails are normalized.
func parseAddressList(header string) []address {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil
	}

	if list, err := mail.ParseAddressList(header); err == nil {
		out := make([]address, 0, len(list))
		for _, a := range list {
			out = append(out, address{Name: strings.TrimSpace(a.Name), Email: normalizeEmail(a.Address)})
		}
		return out
	}

	var out []address
	for _, part := range splitAddressHeader(header) {
		if a, err := mail.ParseAddress(part); err == nil {
			out = append(out, address{Name: strings.TrimSpace(a.Name), Email: normalizeEmail(a.Address)})
			continue
		}
		email := emailPattern.FindString(part)
		if email == "" {
			continue
		}
		name := strings.Replace(part, email, "", 1)
		name = strings.Trim(strings.TrimSpace(name), `"<> `)
		out = append(out, address{Name: name, Email: normalizeEmail(email)})
	}
	return out
}

// splitAddressHeader splits on commas that are outside quotes and angle
// brackets.
func splitAddressHeader(header string) []string {
	var parts []string
	var current strings.Builder
	inQuote, inAngle := false, false

	for _, r := range header {
		switch {
		case r == '"':
			inQuote = !inQuote
		case r == '<' && !inQuote:
			inAngle = true
		case r == '>' && !inQuote:
			inAngle = false
		case r == ',' && !inQuote && !inAngle:
			if s := strings.TrimSpace(current.String()); s != "" {
				parts = append(parts, s)
			}
			current.Reset()
			continue
		}
		current.WriteRune(r)
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		parts = append(parts, s)
	}
	return parts
}

var automatedSenderPatterns = []string{
	"noreply",
	"no-reply",
	"donotreply",
	"do-not-reply",
	"notifications",
	"notify",
	"mailer-daemon",
	"postmaster",
	"bounces",
	"unsubscribe",
	"newsletter",
	"marketing",
}

// isAutomatedSender reports whether an address looks machine-generated.
func isAutomatedSender(email string) bool {
	lower := strings.ToLower(email)
	if lower == "" {
		return true
	}
	for _, pattern := range automatedSenderPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// parseEmailDate parses an RFC 2822 Date header.
func parseEmailDate(dateStr string) (time.Time, bool) {
	dateStr = strings.TrimSpace(dateStr)
	if dateStr == "" {
		return time.Time{}, false
	}

	if t, err := mail.ParseDate(dateStr); err == nil {
		return t, true
	}

	// Strip trailing timezone name like "(UTC)" or "(PST)"
	if idx := strings.Index(dateStr, " ("); idx > 0 {
		dateStr = dateStr[:idx]
	}

	formats := []string{
		time.RFC1123Z,
		"Mon, 2 Jan 2006 15:04:05 -0700",
		time.RFC1123,
		"Mon, 2 Jan 2006 15:04:05 MST",
		time.RFC822Z,
		time.RFC822,
		time.RFC3339,
	}
	for _, format := range formats {
		if t, err := time.Parse(format, dateStr); err == nil {
			return t, true
		}
	}

	return time.Time{}, false
}
