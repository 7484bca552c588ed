package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/relayfield/outreach/internal/idstatus"
	"go.uber.org/zap"
)

// Client talks to the campaign backend's REST surface. All shape variance is
// resolved here (parser.go); callers only ever see the canonical types.
type Client struct {
	baseURL string
	token   string
	userID  string
	http    *http.Client
	logger  *zap.Logger
}

// New creates a backend client. timeout bounds every request; retries are
// the caller's concern (TransientError marks what is retry-eligible).
func New(baseURL, token, userID string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		userID:  userID,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// ListMessages fetches all message templates with their matched contacts.
// Records missing an identifier are dropped with a warning, not fatal.
func (c *Client) ListMessages(ctx context.Context) ([]MessageTemplate, error) {
	var payload any
	if err := c.doJSON(ctx, http.MethodGet, "/messages", nil, nil, &payload); err != nil {
		return nil, err
	}

	var out []MessageTemplate
	for _, raw := range rawRecords(payload, "messages") {
		msg, dropped, err := parseMessage(raw)
		if err != nil {
			c.warnDrop("message", err)
			continue
		}
		for _, dErr := range dropped {
			c.warnDrop("matched contact", dErr)
		}
		out = append(out, msg)
	}
	return out, nil
}

// ListIdentificationStatuses fetches the identification completion
// summaries.
func (c *Client) ListIdentificationStatuses(ctx context.Context) ([]idstatus.Status, error) {
	var payload any
	if err := c.doJSON(ctx, http.MethodGet, "/identification-status", nil, nil, &payload); err != nil {
		return nil, err
	}

	var out []idstatus.Status
	for _, raw := range rawRecords(payload, "statuses") {
		s, err := parseStatus(raw)
		if err != nil {
			c.warnDrop("identification status", err)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// ListSharedContacts fetches one page of the user's shared contacts.
func (c *Client) ListSharedContacts(ctx context.Context, skip, limit int) ([]ContactRef, error) {
	query := url.Values{
		"user_id": {c.userID},
		"skip":    {strconv.Itoa(skip)},
		"limit":   {strconv.Itoa(limit)},
	}
	var payload any
	if err := c.doJSON(ctx, http.MethodGet, "/shared-contacts", query, nil, &payload); err != nil {
		return nil, err
	}

	var out []ContactRef
	for _, raw := range rawRecords(payload, "contacts") {
		contact, err := parseContact(raw)
		if err != nil {
			c.warnDrop("shared contact", err)
			continue
		}
		out = append(out, contact)
	}
	return out, nil
}

// ListSkippedContacts fetches the remote skip list.
func (c *Client) ListSkippedContacts(ctx context.Context) ([]SkipEntry, error) {
	var payload any
	if err := c.doJSON(ctx, http.MethodGet, "/skipped-contacts", nil, nil, &payload); err != nil {
		return nil, err
	}

	var out []SkipEntry
	for _, raw := range rawRecords(payload, "skipped_contacts", "contacts") {
		entry, err := parseSkipEntry(raw)
		if err != nil {
			c.warnDrop("skip entry", err)
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Skip marks a contact permanently excluded on the backend.
func (c *Client) Skip(ctx context.Context, contactID string) error {
	query := url.Values{"shared_contact_id": {contactID}}
	return c.doJSON(ctx, http.MethodPost, "/skip", query, nil, nil)
}

// Unskip removes a contact from the backend skip list.
func (c *Client) Unskip(ctx context.Context, contactID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/skip/"+url.PathEscape(contactID), nil, nil, nil)
}

// MarkSent acknowledges a sent message to the backend. The backend is
// authoritative for duplicate prevention; reposting a known pair succeeds.
func (c *Client) MarkSent(ctx context.Context, messageID, contactID string) error {
	body := map[string]string{
		"message_template_id": messageID,
		"shared_contact_id":   contactID,
	}
	return c.doJSON(ctx, http.MethodPost, "/sent-messages", nil, body, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body, out any) error {
	op := method + " " + path

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		reqBody = bytes.NewReader(data)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &PermissionError{Op: op, Status: resp.StatusCode}
	case resp.StatusCode >= 500:
		return &TransientError{Op: op, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return fmt.Errorf("%s: HTTP %d", op, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransientError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) warnDrop(entity string, err error) {
	if c.logger != nil {
		c.logger.Warn("dropping record", zap.String("entity", entity), zap.Error(err))
	}
}

// rawRecords accepts either a bare JSON array or an object wrapping the array
// under one of the given keys; both shapes occur across the backend's
// endpoints.
func rawRecords(payload any, keys ...string) []map[string]any {
	items, ok := payload.([]any)
	if !ok {
		obj, isObj := payload.(map[string]any)
		if !isObj {
			return nil
		}
		for _, key := range keys {
			if arr, found := obj[key].([]any); found {
				items = arr
				break
			}
		}
	}

	var out []map[string]any
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
