package appraisalsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Appraisal HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
	// ConflictRetries is how many times a command is resent after a
	// version_conflict response.
	ConflictRetries int
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:         baseURL,
		BearerToken:     token,
		Timeout:         10 * time.Second,
		ConflictRetries: 3,
	}
}

// Assignment is the replayed state of one assignment (partial).
type Assignment struct {
	ID                    string           `json:"id"`
	TemplateID            string           `json:"template_id"`
	EmployeeID            string           `json:"employee_id"`
	ManagerID             string           `json:"manager_id"`
	RequiresManagerReview bool             `json:"requires_manager_review"`
	State                 string           `json:"state"`
	DueDate               time.Time        `json:"due_date"`
	Answers               []map[string]any `json:"answers"`
	Goals                 []map[string]any `json:"goals"`
	History               []Transition     `json:"history"`
	Version               int64            `json:"version"`
}

type Transition struct {
	From    string    `json:"from"`
	To      string    `json:"to"`
	Reason  string    `json:"reason,omitempty"`
	ActorID string    `json:"actor_id"`
	At      time.Time `json:"at"`
	Reopen  bool      `json:"reopen,omitempty"`
}

// Summary is one row of the assignment directory.
type Summary struct {
	ID         string    `json:"id"`
	TemplateID string    `json:"template_id"`
	EmployeeID string    `json:"employee_id"`
	ManagerID  string    `json:"manager_id"`
	State      string    `json:"state"`
	Version    int64     `json:"version"`
	DueDate    time.Time `json:"due_date"`
}

// Event represents a log entry.
type Event struct {
	ID           string          `json:"id"`
	AssignmentID string          `json:"assignment_id"`
	Sequence     int64           `json:"sequence_number"`
	Kind         string          `json:"event_kind"`
	Payload      json.RawMessage `json:"payload"`
	OccurredAt   time.Time       `json:"occurred_at"`
	ActorID      string          `json:"actor_id"`
	Position     int64           `json:"position,omitempty"`
}

// CommandResult is returned by every state-changing call.
type CommandResult struct {
	Assignment Assignment `json:"assignment"`
	Events     []Event    `json:"events"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// AssignInput creates an assignment.
type AssignInput struct {
	ID                    string    `json:"id,omitempty"`
	TemplateID            string    `json:"template_id"`
	EmployeeID            string    `json:"employee_id"`
	ManagerID             string    `json:"manager_id"`
	DueDate               time.Time `json:"due_date"`
	RequiresManagerReview bool      `json:"requires_manager_review,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Retryable reports whether the server flagged the failure as a lost
// optimistic-concurrency race.
func (e *APIError) Retryable() bool {
	if v, ok := e.Details["retryable"].(bool); ok {
		return v
	}
	return e.Code == "version_conflict"
}

// ErrorCode returns the envelope code of err, or "" when err is not an API error.
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// Assign creates an assignment.
func (c *Client) Assign(ctx context.Context, in AssignInput) (CommandResult, error) {
	var resp CommandResult
	err := c.command(ctx, http.MethodPost, "assignments", in, &resp)
	return resp, err
}

// Get returns the current state of an assignment.
func (c *Client) Get(ctx context.Context, id string) (Assignment, error) {
	var resp Assignment
	err := c.do(ctx, http.MethodGet, assignmentPath(id, ""), nil, &resp)
	return resp, err
}

// List returns directory rows. Empty filter values are ignored.
func (c *Client) List(ctx context.Context, filters map[string]string) ([]Summary, error) {
	q := url.Values{}
	for k, v := range filters {
		if v != "" {
			q.Set(k, v)
		}
	}
	endpoint := "assignments"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Summary `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Initialize moves an assigned review to initialized.
func (c *Client) Initialize(ctx context.Context, id string, notes *string) (CommandResult, error) {
	var body any
	if notes != nil {
		body = map[string]any{"notes": *notes}
	}
	return c.post(ctx, id, "initialize", body)
}

// StartWork moves an initialized review to in_progress.
func (c *Client) StartWork(ctx context.Context, id string) (CommandResult, error) {
	return c.post(ctx, id, "start", nil)
}

// SaveAnswer records an answer for the caller's side.
func (c *Client) SaveAnswer(ctx context.Context, id, sectionID, questionID, value string) (CommandResult, error) {
	body := map[string]any{
		"section_id":  sectionID,
		"question_id": questionID,
		"value":       value,
	}
	var resp CommandResult
	err := c.command(ctx, http.MethodPut, assignmentPath(id, "answers"), body, &resp)
	return resp, err
}

func (c *Client) Submit(ctx context.Context, id string) (CommandResult, error) {
	return c.post(ctx, id, "submit", nil)
}

func (c *Client) StartReviewMeeting(ctx context.Context, id string) (CommandResult, error) {
	return c.post(ctx, id, "review/start", nil)
}

func (c *Client) FinishReviewMeeting(ctx context.Context, id string, summary *string) (CommandResult, error) {
	return c.post(ctx, id, "review/finish", textBody(summary))
}

func (c *Client) SignOff(ctx context.Context, id string, comments *string) (CommandResult, error) {
	return c.post(ctx, id, "sign-off", textBody(comments))
}

func (c *Client) ConfirmOutcome(ctx context.Context, id string, comments *string) (CommandResult, error) {
	return c.post(ctx, id, "confirm", textBody(comments))
}

func (c *Client) Finalize(ctx context.Context, id string, notes *string) (CommandResult, error) {
	return c.post(ctx, id, "finalize", textBody(notes))
}

func (c *Client) Withdraw(ctx context.Context, id string, reason *string) (CommandResult, error) {
	return c.post(ctx, id, "withdraw", textBody(reason))
}

// Reopen moves an assignment back to an earlier state.
func (c *Client) Reopen(ctx context.Context, id, targetState, reason string) (CommandResult, error) {
	return c.post(ctx, id, "reopen", map[string]any{
		"target_state": targetState,
		"reason":       reason,
	})
}

// Events returns the log of one assignment in sequence order.
func (c *Client) Events(ctx context.Context, id string) ([]Event, error) {
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, assignmentPath(id, "events"), nil, &resp)
	return resp.Items, err
}

// EventsPage returns a page of the global stream, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) post(ctx context.Context, id, action string, body any) (CommandResult, error) {
	var resp CommandResult
	err := c.command(ctx, http.MethodPost, assignmentPath(id, action), body, &resp)
	return resp, err
}

// command sends a state-changing request, resending it while the server
// reports a retryable conflict.
func (c *Client) command(ctx context.Context, method, endpoint string, body any, out any) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = c.do(ctx, method, endpoint, body, out)
		var apiErr *APIError
		if err == nil || !errors.As(err, &apiErr) || !apiErr.Retryable() || attempt >= c.ConflictRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeError(resp.StatusCode, b)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func textBody(s *string) any {
	if s == nil {
		return nil
	}
	return map[string]any{"text": *s}
}

func assignmentPath(id, action string) string {
	p := "assignments/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
