package workreportsdk

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

// Client is a minimal work report HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 2 * time.Minute,
	}
}

// GenerateRequest selects the window and projects of a report. Empty fields
// fall back to the server configuration.
type GenerateRequest struct {
	Since    string   `json:"since,omitempty"`
	Until    string   `json:"until,omitempty"`
	Mode     string   `json:"mode,omitempty"`
	Owner    string   `json:"owner,omitempty"`
	Projects []string `json:"projects,omitempty"`
	DryRun   bool     `json:"dry_run,omitempty"`
}

type TaskRow struct {
	Seq           int    `json:"seq"`
	Label         string `json:"label"`
	Detail        string `json:"detail"`
	StartDate     string `json:"start_date"`
	EndDate       string `json:"end_date"`
	Owner         string `json:"owner"`
	Collaborators string `json:"collaborators"`
	Progress      string `json:"progress"`
	Note          string `json:"note"`
}

type ProblemRow struct {
	Seq          int    `json:"seq"`
	Category     string `json:"category"`
	Description  string `json:"description"`
	RaisedDate   string `json:"raised_date"`
	Resolution   string `json:"resolution"`
	ResolvedDate string `json:"resolved_date"`
}

type ProjectSummary struct {
	Project  string `json:"project"`
	Path     string `json:"path"`
	Commits  int    `json:"commits"`
	Tasks    int    `json:"tasks"`
	Skipped  bool   `json:"skipped,omitempty"`
	Fallback bool   `json:"fallback,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Report is the result of a generation.
type Report struct {
	RunID       string           `json:"run_id"`
	Title       string           `json:"title"`
	Owner       string           `json:"owner"`
	Mode        string           `json:"mode"`
	Since       string           `json:"since"`
	Until       string           `json:"until"`
	CommitCount int              `json:"commit_count"`
	Empty       bool             `json:"empty"`
	Projects    []ProjectSummary `json:"projects"`
	Tasks       []TaskRow        `json:"tasks"`
	Problems    []ProblemRow     `json:"problems"`
}

// Run is a stored report.
type Run struct {
	ID           string       `json:"id"`
	Owner        string       `json:"owner"`
	Mode         string       `json:"mode"`
	Title        string       `json:"title"`
	Since        string       `json:"since"`
	Until        string       `json:"until"`
	CommitCount  int          `json:"commit_count"`
	ProjectCount int          `json:"project_count"`
	Status       string       `json:"status"`
	OutputPath   string       `json:"output_path,omitempty"`
	CreatedAt    string       `json:"created_at"`
	Tasks        []TaskRow    `json:"tasks,omitempty"`
	Problems     []ProblemRow `json:"problems,omitempty"`
}

// PaginatedRuns wraps run listings with cursors.
type PaginatedRuns struct {
	Items      []Run  `json:"items"`
	NextCursor string `json:"next_cursor"`
}

type Export struct {
	RunID       string `json:"run_id"`
	Path        string `json:"path"`
	DownloadURL string `json:"download_url"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	RunID      string         `json:"run_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps event listings with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health reports the server status and schema version.
func (c *Client) Health(ctx context.Context) (status string, schemaVersion int, err error) {
	var resp struct {
		Status        string `json:"status"`
		SchemaVersion int    `json:"schema_version"`
	}
	err = c.do(ctx, http.MethodGet, "v0/health", nil, &resp)
	return resp.Status, resp.SchemaVersion, err
}

// Config returns the active server configuration as a generic document.
func (c *Client) Config(ctx context.Context) (map[string]any, error) {
	var resp struct {
		Config map[string]any `json:"config"`
	}
	err := c.do(ctx, http.MethodGet, "v0/config", nil, &resp)
	return resp.Config, err
}

// PutConfig replaces the server configuration. cfg may be any value that
// encodes to the configuration document.
func (c *Client) PutConfig(ctx context.Context, cfg any) error {
	return c.do(ctx, http.MethodPut, "v0/config", cfg, nil)
}

// Generate runs the report pipeline on the server.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodPost, "v0/reports", req, &resp)
	return resp, err
}

// Reports returns a page of stored reports, newest first.
func (c *Client) Reports(ctx context.Context, limit int, cursor string) (PaginatedRuns, error) {
	var resp PaginatedRuns
	err := c.do(ctx, http.MethodGet, withPage("v0/reports", limit, cursor), nil, &resp)
	return resp, err
}

// Report fetches a stored report with its rows.
func (c *Client) Report(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "v0/reports/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Export writes the spreadsheet of a stored report on the server.
func (c *Client) Export(ctx context.Context, id string) (Export, error) {
	var resp Export
	err := c.do(ctx, http.MethodPost, "v0/reports/"+url.PathEscape(id)+"/excel", nil, &resp)
	return resp, err
}

// Download streams the exported spreadsheet into w.
func (c *Client) Download(ctx context.Context, id string, w io.Writer) error {
	resp, err := c.send(ctx, http.MethodGet, "v0/reports/"+url.PathEscape(id)+"/download", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(w, resp.Body)
	return err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withPage("v0/events", limit, cursor), nil, &resp)
	return resp, err
}

func withPage(endpoint string, limit int, cursor string) string {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	resp, err := c.send(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, body any) (*http.Response, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return resp, nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
