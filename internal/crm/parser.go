package crm

import (
	"strconv"
	"strings"

	"github.com/relayfield/outreach/internal/idstatus"
)

// The backend delivers the same logical contact under different key fields
// depending on the endpoint. Canonicalization happens here, once, so nothing
// past this boundary branches on field presence.

// contactIDKeys is the ordered probe for the canonical contact identifier.
var contactIDKeys = []string{"shared_contact_id", "contact_id", "id"}

// phoneScalarKeys is the ordered probe for single-valued phone fields; the
// dedicated mobile fields win over generic ones.
var phoneScalarKeys = []string{"mobile", "mobile_phone", "cell", "phone", "phone_number"}

// phoneListKeys name array-of-object phone lists probed after the scalars.
var phoneListKeys = []string{"phones", "phone_numbers"}

// canonicalContactID resolves the canonical identifier or fails with a
// ShapeError when every key is absent or empty.
func canonicalContactID(raw map[string]any) (string, error) {
	if id := stringField(raw, contactIDKeys...); id != "" {
		return id, nil
	}
	return "", &ShapeError{Entity: "contact", Detail: "no identifier under shared_contact_id/contact_id/id"}
}

// parseContact canonicalizes one raw contact payload.
func parseContact(raw map[string]any) (ContactRef, error) {
	id, err := canonicalContactID(raw)
	if err != nil {
		return ContactRef{}, err
	}
	return ContactRef{
		ID:        id,
		FirstName: stringField(raw, "first_name", "firstname"),
		LastName:  stringField(raw, "last_name", "lastname"),
		Phone:     resolvePhone(raw),
		City:      stringField(raw, "city"),
		Zip:       stringField(raw, "zip", "zip_code", "postal_code"),
	}, nil
}

// parseMessage canonicalizes one raw message template. Contacts failing
// canonicalization are reported via the second return value so the caller
// can log and drop them without failing the template.
func parseMessage(raw map[string]any) (MessageTemplate, []error, error) {
	id := stringField(raw, "message_template_id", "message_id", "id")
	if id == "" {
		return MessageTemplate{}, nil, &ShapeError{Entity: "message", Detail: "no identifier"}
	}

	msg := MessageTemplate{
		MessageID: id,
		Name:      stringField(raw, "name", "title"),
		Body:      stringField(raw, "body", "message", "template"),
	}
	if n, ok := intField(raw, "sent_count", "sent"); ok {
		msg.SentCount = n
	}

	var dropped []error
	for _, item := range listField(raw, "matched_contacts", "contacts", "shared_contacts") {
		contact, err := parseContact(item)
		if err != nil {
			dropped = append(dropped, err)
			continue
		}
		msg.MatchedContacts = append(msg.MatchedContacts, contact)
	}
	return msg, dropped, nil
}

// parseStatus canonicalizes one identification status record.
func parseStatus(raw map[string]any) (idstatus.Status, error) {
	id, err := canonicalContactID(raw)
	if err != nil {
		return idstatus.Status{}, err
	}
	s := idstatus.Status{ContactID: id}
	if n, ok := intField(raw, "total_questions", "questions_total"); ok {
		s.TotalQuestions = n
	}
	if n, ok := intField(raw, "answered_questions", "questions_answered"); ok {
		s.AnsweredQuestions = n
	}
	return s, nil
}

// parseSkipEntry canonicalizes one skip-list record.
func parseSkipEntry(raw map[string]any) (SkipEntry, error) {
	id, err := canonicalContactID(raw)
	if err != nil {
		return SkipEntry{}, err
	}
	e := SkipEntry{ContactID: id}
	if n, ok := intField(raw, "skipped_at"); ok {
		e.SkippedAt = int64(n)
	}
	return e, nil
}

// resolvePhone probes the ordered phone fields and returns the first
// non-empty normalized number, or "".
func resolvePhone(raw map[string]any) string {
	for _, key := range phoneScalarKeys {
		if p := normalizePhone(stringField(raw, key)); p != "" {
			return p
		}
	}
	for _, key := range phoneListKeys {
		for _, item := range listField(raw, key) {
			if p := normalizePhone(stringField(item, "number", "phone")); p != "" {
				return p
			}
		}
	}
	return ""
}

// normalizePhone strips everything but digits and a leading plus.
func normalizePhone(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "+" {
		return ""
	}
	return out
}

// stringField returns the first non-empty value among keys, stringifying
// JSON numbers (ids arrive as numbers from some endpoints).
func stringField(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := raw[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatInt(int64(v), 10)
		case int64:
			return strconv.FormatInt(v, 10)
		case int:
			return strconv.Itoa(v)
		}
	}
	return ""
}

// intField returns the first numeric value among keys.
func intField(raw map[string]any, keys ...string) (int, bool) {
	for _, key := range keys {
		switch v := raw[key].(type) {
		case float64:
			return int(v), true
		case int64:
			return int(v), true
		case int:
			return v, true
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// listField returns the first array-of-object value among keys.
func listField(raw map[string]any, keys ...string) []map[string]any {
	for _, key := range keys {
		items, ok := raw[key].([]any)
		if !ok {
			continue
		}
		var out []map[string]any
		for _, item := range items {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}
