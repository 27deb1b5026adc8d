package deliverlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal deliverline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// User represents the API user model (partial).
type User struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	Department string `json:"department"`
	Role       string `json:"role"`
	Active     bool   `json:"active"`
}

// Label is the display classification of a deliverable.
type Label struct {
	Key   string `json:"key"`
	Text  string `json:"text"`
	Color string `json:"color"`
}

// Derived holds values computed by the server at request time.
type Derived struct {
	DaysRemaining  int    `json:"days_remaining"`
	Overdue        bool   `json:"overdue"`
	OverdueDays    int    `json:"overdue_days"`
	DueSoon        bool   `json:"due_soon"`
	NeedsAttention bool   `json:"needs_attention"`
	Progress       int    `json:"progress"`
	Label          Label  `json:"label"`
	Remaining      string `json:"remaining"`
	Modifiable     bool   `json:"modifiable"`
}

type Deliverable struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Department  string    `json:"department"`
	CreatedAt   time.Time `json:"created_at"`
	Deadline    time.Time `json:"deadline"`
	Status      string    `json:"status"`
	Priority    string    `json:"priority"`
	CreatedBy   string    `json:"created_by,omitempty"`
	ScanURL     *string   `json:"scan_url,omitempty"`
	DaysOverdue int       `json:"days_overdue"`
	Tags        []string  `json:"tags"`
	Derived     Derived   `json:"derived"`
}

// NewDeliverable is the create payload. Empty Department means the caller's own.
type NewDeliverable struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Department  string    `json:"department,omitempty"`
	Deadline    time.Time `json:"deadline"`
	Priority    string    `json:"priority,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// ListOptions filter ListDeliverables.
type ListOptions struct {
	Department string
	Status     string
	Priority   string
	Tag        string
	// Query searches name, description, department and tags.
	Query string
	// Sort is deadline (default), priority, status or department.
	Sort      string
	Attention bool
	Overdue   bool
}

type ScanDraft struct {
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Department   string    `json:"department"`
	Deadline     time.Time `json:"deadline"`
	DateDetected bool      `json:"date_detected"`
	Priority     string    `json:"priority"`
	Tags         []string  `json:"tags"`
}

type ScanResult struct {
	Draft       ScanDraft    `json:"draft"`
	Deliverable *Deliverable `json:"deliverable,omitempty"`
}

type Stats struct {
	Total          int            `json:"total"`
	Done           int            `json:"done"`
	Overdue        int            `json:"overdue"`
	NeedsAttention int            `json:"needs_attention"`
	CompletionRate int            `json:"completion_rate"`
	ByDepartment   map[string]int `json:"by_department"`
}

// Identity is the authenticated user plus its resolved permissions.
type Identity struct {
	User        User           `json:"user"`
	DisplayName string         `json:"display_name"`
	Permissions map[string]any `json:"permissions"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityID   string `json:"entity_id"`
	EntityKind string `json:"entity_kind"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Login exchanges credentials for a token and keeps it for later calls.
func (c *Client) Login(ctx context.Context, email, password string) (User, error) {
	var resp struct {
		Token string `json:"token"`
		User  User   `json:"user"`
	}
	body := map[string]any{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "v0/auth/login", body, &resp); err != nil {
		return User{}, err
	}
	c.BearerToken = resp.Token
	return resp.User, nil
}

// Me returns the authenticated identity.
func (c *Client) Me(ctx context.Context) (Identity, error) {
	var resp Identity
	err := c.do(ctx, http.MethodGet, "v0/me", nil, &resp)
	return resp, err
}

func (c *Client) CreateDeliverable(ctx context.Context, d NewDeliverable) (Deliverable, error) {
	var resp Deliverable
	err := c.do(ctx, http.MethodPost, "v0/deliverables", d, &resp)
	return resp, err
}

// ListDeliverables returns the deliverables visible to the caller.
func (c *Client) ListDeliverables(ctx context.Context, opts ListOptions) ([]Deliverable, error) {
	q := url.Values{}
	if opts.Department != "" {
		q.Set("department", opts.Department)
	}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Priority != "" {
		q.Set("priority", opts.Priority)
	}
	if opts.Tag != "" {
		q.Set("tag", opts.Tag)
	}
	if opts.Query != "" {
		q.Set("q", opts.Query)
	}
	if opts.Sort != "" {
		q.Set("sort", opts.Sort)
	}
	if opts.Attention {
		q.Set("attention", "true")
	}
	if opts.Overdue {
		q.Set("overdue", "true")
	}
	endpoint := "v0/deliverables"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Deliverable `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) Deliverable(ctx context.Context, id string) (Deliverable, error) {
	var resp Deliverable
	err := c.do(ctx, http.MethodGet, "v0/deliverables/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Start marks a deliverable in progress.
func (c *Client) Start(ctx context.Context, id string) (Deliverable, error) {
	var resp Deliverable
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/deliverables/%s/start", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Done marks a deliverable done.
func (c *Client) Done(ctx context.Context, id string) (Deliverable, error) {
	var resp Deliverable
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/deliverables/%s/done", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Scan turns document text into a deliverable, or only a draft when dryRun is set.
func (c *Client) Scan(ctx context.Context, text string, dryRun bool) (ScanResult, error) {
	var resp ScanResult
	body := map[string]any{"text": text, "dry_run": dryRun}
	err := c.do(ctx, http.MethodPost, "v0/scan", body, &resp)
	return resp, err
}

func (c *Client) Attention(ctx context.Context) ([]Deliverable, error) {
	var resp struct {
		Items []Deliverable `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/attention", nil, &resp)
	return resp.Items, err
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "v0/stats", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
