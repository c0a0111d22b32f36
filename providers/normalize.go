package providers

import (
	"net/mail"
	"strings"
	"time"

	"mailbridge/models"
)

// ParseAddressList turns a raw header value into structured addresses.
// Unparseable input degrades to a single address holding the raw text,
// so a malformed header never loses the message.
func ParseAddressList(raw string) []models.EmailAddress {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parsed, err := mail.ParseAddressList(raw)
	if err != nil {
		return []models.EmailAddress{{Address: raw}}
	}
	out := make([]models.EmailAddress, 0, len(parsed))
	for _, a := range parsed {
		out = append(out, models.EmailAddress{Name: a.Name, Address: a.Address})
	}
	return out
}

// ParseAddress returns the first address in a header, or a raw-text
// fallback.
func ParseAddress(raw string) models.EmailAddress {
	addrs := ParseAddressList(raw)
	if len(addrs) == 0 {
		return models.EmailAddress{}
	}
	return addrs[0]
}

// ParseDate parses an RFC 5322 date header. Parse failures return nil
// rather than an error: an unparseable date must not drop the message,
// it just sorts by cache time instead.
func ParseDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	t, err := mail.ParseDate(raw)
	if err != nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// BracketOnce wraps an RFC 5322 message id in angle brackets exactly
// once, whatever mix of brackets the input already carries.
func BracketOnce(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	if id == "" {
		return ""
	}
	return "<" + id + ">"
}
