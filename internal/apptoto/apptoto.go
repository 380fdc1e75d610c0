// Package apptoto posts scheduled SMS events to the Apptoto events API and reads
// them back for cleanup and reply counting.
package apptoto

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/ashstudy/MessageAutomation/internal/models"
	"golang.org/x/time/rate"
)

// Defaults for the Apptoto client.
const (
	DefaultEndpoint = "https://api.apptoto.com/v1"
	DefaultTimeout  = 30 * time.Second
	DefaultRate     = 2.0

	// ChunkSize is the number of events sent per POST; larger batches are rejected upstream.
	ChunkSize = 5

	// TimeLayout is the local wall-clock format Apptoto expects for event times.
	TimeLayout = "2006-01-02T15:04:05"
)

// PostError reports the first chunk of events that failed to post. Earlier chunks
// remain posted.
type PostError struct {
	From       int
	To         int
	StartTime  time.Time
	StatusCode int
	Body       string
	Err        error
}

func (e *PostError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to post events %d through %d, starting at %s: %v",
			e.From, e.To, e.StartTime.Format(TimeLayout), e.Err)
	}
	return fmt.Sprintf("failed to post events %d through %d, starting at %s: %d - %s",
		e.From, e.To, e.StartTime.Format(TimeLayout), e.StatusCode, e.Body)
}

func (e *PostError) Unwrap() error {
	return e.Err
}

// StatusError reports an unexpected status from a read or delete call.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("apptoto %s failed: %d - %s", e.Op, e.StatusCode, e.Body)
}

type wireParticipant struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email"`
}

type wireEvent struct {
	Calendar     string            `json:"calendar"`
	Title        string            `json:"title"`
	StartTime    string            `json:"start_time"`
	EndTime      string            `json:"end_time"`
	Content      string            `json:"content"`
	Participants []wireParticipant `json:"participants"`
}

type postRequest struct {
	Events                  []wireEvent `json:"events"`
	PreventCalendarCreation bool        `json:"prevent_calendar_creation"`
}

type listResponse struct {
	Events []struct {
		ID            int64 `json:"id"`
		Conversations []struct {
			Events []struct {
				Type    string `json:"type"`
				Content string `json:"content"`
				At      string `json:"at"`
			} `json:"events"`
		} `json:"conversations"`
	} `json:"events"`
}

// Opts holds configuration options for the Apptoto client.
type Opts struct {
	User       string
	APIToken   string
	Endpoint   string
	HTTPClient *http.Client
	// RatePerSec paces chunk posts; zero or less disables pacing.
	RatePerSec float64
}

// Option defines a configuration option for the Apptoto client.
type Option func(*Opts)

// WithUser sets the Apptoto user name.
func WithUser(user string) Option {
	return func(o *Opts) { o.User = user }
}

// WithAPIToken sets the Apptoto API token.
func WithAPIToken(token string) Option {
	return func(o *Opts) { o.APIToken = token }
}

// WithEndpoint overrides the API base URL.
func WithEndpoint(endpoint string) Option {
	return func(o *Opts) { o.Endpoint = endpoint }
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// WithRate sets the maximum number of chunk posts per second.
func WithRate(perSec float64) Option {
	return func(o *Opts) { o.RatePerSec = perSec }
}

// Client talks to the Apptoto events API with basic auth.
type Client struct {
	endpoint string
	user     string
	token    string
	http     *http.Client
	limiter  *rate.Limiter
}

// NewClient creates an Apptoto client. User and token fall back to $APPTOTO_USER
// and $APPTOTO_API_TOKEN.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{RatePerSec: DefaultRate}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.User == "" {
		cfg.User = os.Getenv("APPTOTO_USER")
	}
	if cfg.APIToken == "" {
		cfg.APIToken = os.Getenv("APPTOTO_API_TOKEN")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	slog.Debug("Apptoto client config loaded",
		"endpoint", cfg.Endpoint,
		"user_set", cfg.User != "",
		"token_set", cfg.APIToken != "",
		"rate", cfg.RatePerSec)

	if cfg.User == "" || cfg.APIToken == "" {
		return nil, fmt.Errorf("apptoto user and API token must be provided")
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}

	return &Client{
		endpoint: cfg.Endpoint,
		user:     cfg.User,
		token:    cfg.APIToken,
		http:     cfg.HTTPClient,
		limiter:  limiter,
	}, nil
}

// PostEvents creates the events in chunks of ChunkSize. The first failing chunk
// aborts the remaining ones and is reported as a *PostError.
func (c *Client) PostEvents(ctx context.Context, events []models.ScheduledEvent) error {
	for i := 0; i < len(events); i += ChunkSize {
		j := min(i+ChunkSize, len(events))

		if err := c.limiter.Wait(ctx); err != nil {
			return &PostError{From: i, To: j, StartTime: events[i].StartTime, Err: err}
		}

		payload := postRequest{Events: make([]wireEvent, 0, j-i), PreventCalendarCreation: true}
		for _, e := range events[i:j] {
			payload.Events = append(payload.Events, toWire(e))
		}
		body, err := json.Marshal(payload)
		if err != nil {
			return &PostError{From: i, To: j, StartTime: events[i].StartTime, Err: err}
		}

		status, respBody, err := c.do(ctx, http.MethodPost, "/events", nil, body)
		if err != nil {
			slog.Error("Client.PostEvents: request failed", "from", i, "to", j, "error", err)
			return &PostError{From: i, To: j, StartTime: events[i].StartTime, Err: err}
		}
		if status != http.StatusOK {
			slog.Error("Client.PostEvents: chunk rejected", "from", i, "to", j, "status", status, "body", respBody)
			return &PostError{From: i, To: j, StartTime: events[i].StartTime, StatusCode: status, Body: respBody}
		}
		slog.Debug("Client.PostEvents: chunk posted", "from", i, "to", j)
	}
	slog.Info("Client.PostEvents: events posted", "count", len(events))
	return nil
}

// GetEvents returns the ids of events for phone that start at or after begin.
func (c *Client) GetEvents(ctx context.Context, begin time.Time, phone string, pageSize int) ([]int64, error) {
	resp, err := c.list(ctx, begin, phone, pageSize, false)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(resp.Events))
	for _, e := range resp.Events {
		ids = append(ids, e.ID)
	}
	return ids, nil
}

// DeleteEvent removes a single event.
func (c *Client) DeleteEvent(ctx context.Context, id int64) error {
	q := url.Values{}
	q.Set("id", strconv.FormatInt(id, 10))
	status, body, err := c.do(ctx, http.MethodDelete, "/events", q, nil)
	if err != nil {
		return fmt.Errorf("failed to delete event %d: %w", id, err)
	}
	if status != http.StatusOK {
		return &StatusError{Op: "delete event", StatusCode: status, Body: body}
	}
	slog.Debug("Client.DeleteEvent: deleted", "id", id)
	return nil
}

// GetConversations returns the replies phone sent to events starting at or after begin.
func (c *Client) GetConversations(ctx context.Context, begin time.Time, phone string, pageSize int) ([]models.Conversation, error) {
	resp, err := c.list(ctx, begin, phone, pageSize, true)
	if err != nil {
		return nil, err
	}
	var out []models.Conversation
	for _, e := range resp.Events {
		for _, conv := range e.Conversations {
			for _, ce := range conv.Events {
				if ce.Type != "replied" {
					continue
				}
				at, _ := time.Parse(time.RFC3339, ce.At)
				out = append(out, models.Conversation{EventID: e.ID, Content: ce.Content, At: at})
			}
		}
	}
	return out, nil
}

func (c *Client) list(ctx context.Context, begin time.Time, phone string, pageSize int, conversations bool) (*listResponse, error) {
	q := url.Values{}
	q.Set("begin", begin.Format(TimeLayout))
	q.Set("phone_number", phone)
	q.Set("page_size", strconv.Itoa(pageSize))
	if conversations {
		q.Set("include_conversations", "true")
	}
	status, body, err := c.do(ctx, http.MethodGet, "/events", q, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	if status != http.StatusOK {
		slog.Error("Client.list: unexpected status", "status", status, "body", body)
		return nil, &StatusError{Op: "list events", StatusCode: status, Body: body}
	}
	var resp listResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) (int, string, error) {
	u := c.endpoint + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.user, c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, "", err
	}
	return resp.StatusCode, string(b), nil
}

func toWire(e models.ScheduledEvent) wireEvent {
	return wireEvent{
		Calendar:  e.CalendarID,
		Title:     e.Title,
		StartTime: e.StartTime.Format(TimeLayout),
		EndTime:   e.EndTime.Format(TimeLayout),
		Content:   e.Content,
		Participants: []wireParticipant{{
			Name:  e.Participant.Name,
			Phone: e.Participant.Phone,
			Email: e.Participant.Email,
		}},
	}
}
