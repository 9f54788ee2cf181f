// Package hypothesis is a client for the Hypothesis annotation API.
package hypothesis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/starford/margin/internal/apperr"
	"github.com/starford/margin/internal/models"
)

// DefaultBaseURL is the public Hypothesis service.
const DefaultBaseURL = "https://api.hypothes.is"

// MaxPageSize is the largest page the search endpoint returns.
const MaxPageSize = 200

// Config holds client settings.
type Config struct {
	BaseURL  string
	Token    string
	User     string // account name or full "acct:name@host" id
	Timeout  time.Duration
	PageSize int
	Logger   *slog.Logger
}

// Client talks to the Hypothesis REST API.
type Client struct {
	baseURL  string
	token    string
	pageSize int
	http     *http.Client
	logger   *slog.Logger

	mu   sync.Mutex
	user string
}

// New creates a Client.
func New(cfg Config) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	size := cfg.PageSize
	if size <= 0 || size > MaxPageSize {
		size = MaxPageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		logger:   logger,
		baseURL:  base,
		token:    cfg.Token,
		user:     cfg.User,
		pageSize: size,
		http:     &http.Client{Timeout: timeout},
	}
}

// APIError is a non-success response that maps to no sentinel.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hypothesis: HTTP %d: %s", e.Status, e.Body)
}

// Entry is one annotation row as returned by the search endpoint.
type Entry struct {
	ID         string    `json:"id"`
	Created    time.Time `json:"created"`
	Updated    time.Time `json:"updated"`
	User       string    `json:"user"`
	URI        string    `json:"uri"`
	Text       string    `json:"text"`
	Tags       []string  `json:"tags"`
	Group      string    `json:"group"`
	Target     []Target  `json:"target"`
	References []string  `json:"references,omitempty"`
	Document   struct {
		Title []string `json:"title,omitempty"`
	} `json:"document"`
	Links struct {
		Incontext string `json:"incontext,omitempty"`
	} `json:"links"`
}

// Target anchors an annotation in its source.
type Target struct {
	Source   string     `json:"source"`
	Selector []Selector `json:"selector,omitempty"`
}

// Selector is one anchoring strategy. Only TextQuoteSelector is used.
type Selector struct {
	Type   string `json:"type"`
	Exact  string `json:"exact,omitempty"`
	Prefix string `json:"prefix,omitempty"`
	Suffix string `json:"suffix,omitempty"`
}

// Quote returns the exact quoted text of the entry, if any.
func (e Entry) Quote() (string, bool) {
	for _, t := range e.Target {
		for _, s := range t.Selector {
			if s.Type == "TextQuoteSelector" {
				return s.Exact, true
			}
		}
	}
	return "", false
}

type searchResponse struct {
	Total int     `json:"total"`
	Rows  []Entry `json:"rows"`
}

type groupResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Public bool   `json:"public"`
}

type updateRequest struct {
	Text   string      `json:"text"`
	Tags   []string    `json:"tags"`
	Target []rawTarget `json:"target,omitempty"`
}

// rawTarget keeps every selector field so an update does not lose the
// anchoring data this client does not model.
type rawTarget struct {
	Source   string           `json:"source"`
	Selector []map[string]any `json:"selector,omitempty"`
}

type rawAnnotation struct {
	URI    string      `json:"uri"`
	Target []rawTarget `json:"target"`
}

// Profile returns the account the token belongs to. An anonymous profile
// means the token was not accepted. When no user was configured, the
// profile's user becomes the search filter.
func (c *Client) Profile(ctx context.Context) (models.Profile, error) {
	var p struct {
		UserID *string `json:"userid"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/profile", nil, &p); err != nil {
		return models.Profile{}, err
	}
	if p.UserID == nil || *p.UserID == "" {
		return models.Profile{}, fmt.Errorf("hypothesis: profile: %w", apperr.ErrUnauthorized)
	}
	c.mu.Lock()
	if c.user == "" {
		c.user = *p.UserID
	}
	c.mu.Unlock()
	return models.Profile{UserID: *p.UserID}, nil
}

// Groups lists the groups the account belongs to. All groups start out
// selected; selection is kept by the state store.
func (c *Client) Groups(ctx context.Context) ([]models.Group, error) {
	var resp []groupResponse
	if err := c.do(ctx, http.MethodGet, "/api/groups", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]models.Group, len(resp))
	for i, g := range resp {
		out[i] = models.Group{ID: g.ID, Name: g.Name, Type: g.Type, Public: g.Public, Selected: true}
	}
	return out, nil
}

// FetchSince returns every annotation of the user updated after since,
// oldest first. A zero since fetches everything.
func (c *Client) FetchSince(ctx context.Context, since time.Time) ([]Entry, error) {
	return c.search(ctx, "", since)
}

// FetchByURI returns every annotation of the user on one source.
func (c *Client) FetchByURI(ctx context.Context, uri string) ([]Entry, error) {
	return c.search(ctx, uri, time.Time{})
}

// PushUpdate saves a locally edited annotation. The remote text field is
// the note. When text differs from the stored quote, the quote selector of
// the annotation is rewritten and its other selectors are kept.
func (c *Client) PushUpdate(ctx context.Context, id, text, note string, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	path := "/api/annotations/" + url.PathEscape(id)
	body := updateRequest{Text: note, Tags: tags}
	if text != "" {
		var current rawAnnotation
		if err := c.do(ctx, http.MethodGet, path, nil, &current); err != nil {
			return err
		}
		if target, changed := requote(current, text); changed {
			body.Target = target
		}
	}
	return c.do(ctx, http.MethodPatch, path, body, nil)
}

// requote returns the targets of a with the exact quote set to text and
// reports whether anything changed. A first target without a quote
// selector gets one.
func requote(a rawAnnotation, text string) ([]rawTarget, bool) {
	if len(a.Target) == 0 {
		return []rawTarget{{Source: a.URI, Selector: []map[string]any{quoteSelector(text)}}}, true
	}
	changed := false
	out := make([]rawTarget, len(a.Target))
	for i, t := range a.Target {
		sels := make([]map[string]any, 0, len(t.Selector)+1)
		found := false
		for _, sel := range t.Selector {
			if sel["type"] == "TextQuoteSelector" {
				found = true
				if exact, _ := sel["exact"].(string); exact != text {
					sel = maps.Clone(sel)
					sel["exact"] = text
					changed = true
				}
			}
			sels = append(sels, sel)
		}
		if !found && i == 0 {
			sels = append(sels, quoteSelector(text))
			changed = true
		}
		out[i] = rawTarget{Source: t.Source, Selector: sels}
	}
	return out, changed
}

func quoteSelector(text string) map[string]any {
	return map[string]any{"type": "TextQuoteSelector", "exact": text}
}

// search pages through results in updated order. search_after is strict,
// so each page restarts just before the last timestamp seen and rows
// already returned are dropped; a page made of a single timestamp is
// continued with offset instead.
func (c *Client) search(ctx context.Context, uri string, since time.Time) ([]Entry, error) {
	var (
		out    []Entry
		cursor string
		offset int
	)
	seen := make(map[string]struct{})
	if !since.IsZero() {
		cursor = since.UTC().Format(time.RFC3339Nano)
	}
	for {
		q := url.Values{}
		q.Set("user", c.userID())
		q.Set("sort", "updated")
		q.Set("order", "asc")
		q.Set("limit", strconv.Itoa(c.pageSize))
		if uri != "" {
			q.Set("uri", uri)
		}
		if cursor != "" {
			q.Set("search_after", cursor)
		}
		if offset > 0 {
			q.Set("offset", strconv.Itoa(offset))
		}

		var page searchResponse
		if err := c.do(ctx, http.MethodGet, "/api/search?"+q.Encode(), nil, &page); err != nil {
			return nil, err
		}
		added := 0
		for _, e := range page.Rows {
			if _, dup := seen[e.ID]; dup {
				continue
			}
			seen[e.ID] = struct{}{}
			out = append(out, e)
			added++
		}
		if len(page.Rows) < c.pageSize {
			return out, nil
		}
		if added == 0 {
			c.logger.Warn("hypothesis: search stopped making progress, results may be incomplete",
				slog.String("uri", uri),
				slog.String("search_after", cursor),
				slog.Int("offset", offset),
				slog.Int("fetched", len(out)))
			return out, nil
		}

		next := page.Rows[len(page.Rows)-1].Updated.UTC().Add(-time.Nanosecond).Format(time.RFC3339Nano)
		if next == cursor {
			offset += len(page.Rows)
			continue
		}
		cursor, offset = next, 0
	}
}

// userID expands a bare account name to the acct: form the API filters on.
func (c *Client) userID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == "" || strings.HasPrefix(c.user, "acct:") {
		return c.user
	}
	return "acct:" + c.user + "@hypothes.is"
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("hypothesis: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("hypothesis: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("hypothesis: %s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("hypothesis: read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("hypothesis: %s %s: %w", method, req.URL.Path, apperr.ErrUnauthorized)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("hypothesis: %s %s: %w", method, req.URL.Path, apperr.ErrNotFound)
	case resp.StatusCode >= 400:
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("hypothesis: unmarshal response: %w", err)
		}
	}
	return nil
}
