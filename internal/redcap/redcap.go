// Package redcap reads participant configuration from a REDCap project through
// its record export API.
package redcap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/ashstudy/MessageAutomation/internal/models"
	"github.com/go-playground/validator/v10"
)

// Defaults for the REDCap client.
const (
	DefaultEndpoint = "https://redcap.uoregon.edu/api/"
	DefaultTimeout  = 15 * time.Second

	Session0Event = "session_0_arm_1"
	Session1Event = "session_1_arm_1"
)

// Session names used in ParticipantNotFoundError.
const (
	SessionZero = "session 0"
	SessionOne  = "session 1"
)

// ParticipantNotFoundError reports a participant without the required REDCap records.
type ParticipantNotFoundError struct {
	ParticipantID string
	Session       string
}

func (e *ParticipantNotFoundError) Error() string {
	return fmt.Sprintf("unable to find %s in REDCap for participant %s", e.Session, e.ParticipantID)
}

func (e *ParticipantNotFoundError) Is(target error) bool {
	return target == models.ErrParticipantNotFound
}

// ResponseError reports a failed or malformed REDCap response.
type ResponseError struct {
	What       string
	StatusCode int
	Err        error
}

func (e *ResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unable to get %s from REDCap: %v", e.What, e.Err)
	}
	return fmt.Sprintf("unable to get %s from REDCap: status %d", e.What, e.StatusCode)
}

func (e *ResponseError) Unwrap() error {
	return e.Err
}

// ErrSchemaMismatch is wrapped by ResponseError when records fail validation.
var ErrSchemaMismatch = errors.New("response from REDCap does not match expected format")

// session0Record holds the session 0 export fields.
type session0Record struct {
	ID        string `json:"ash_id" validate:"required,study_id"`
	Phone     string `json:"phone"`
	Value1    string `json:"value1_s0" validate:"omitempty,len=1,numeric"`
	Value2    string `json:"value2_s0" validate:"omitempty,len=1,numeric"`
	Value7    string `json:"value7_s0" validate:"omitempty,len=1,numeric"`
	Initials  string `json:"initials"`
	QuitDate  string `json:"quitdate"`
	Session0  string `json:"date_s0"`
	EventName string `json:"redcap_event_name"`
}

// session1Record holds the session 1 export fields.
type session1Record struct {
	ID        string `json:"ash_id" validate:"required,study_id"`
	WakeTime  string `json:"waketime" validate:"omitempty,clock"`
	SleepTime string `json:"sleeptime" validate:"omitempty,clock"`
	Condition string `json:"condition" validate:"omitempty,len=1,numeric"`
	EventName string `json:"redcap_event_name"`
}

var (
	session0Fields = []string{"ash_id", "phone", "value1_s0", "value2_s0", "value7_s0", "initials", "quitdate", "date_s0"}
	session1Fields = []string{"ash_id", "waketime", "sleeptime", "condition"}

	clockPattern = regexp.MustCompile(`^[0-9]{1,2}:[0-9]{2}$`)
)

// Opts holds configuration options for the REDCap client.
type Opts struct {
	APIToken   string
	Endpoint   string
	HTTPClient *http.Client
	IDPattern  *regexp.Regexp
	Location   *time.Location
}

// Option defines a configuration option for the REDCap client.
type Option func(*Opts)

// WithAPIToken sets the project API token.
func WithAPIToken(token string) Option {
	return func(o *Opts) { o.APIToken = token }
}

// WithEndpoint overrides the REDCap API endpoint.
func WithEndpoint(endpoint string) Option {
	return func(o *Opts) { o.Endpoint = endpoint }
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// WithIDPattern sets the study identifier pattern records must match.
func WithIDPattern(re *regexp.Regexp) Option {
	return func(o *Opts) { o.IDPattern = re }
}

// WithLocation sets the time zone anchor dates are interpreted in.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) { o.Location = loc }
}

// Client fetches participant records from REDCap.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
	loc      *time.Location
	validate *validator.Validate
}

// NewClient creates a REDCap client. The API token falls back to $REDCAP_API_TOKEN.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIToken == "" {
		cfg.APIToken = os.Getenv("REDCAP_API_TOKEN")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if cfg.IDPattern == nil {
		cfg.IDPattern = regexp.MustCompile(models.DefaultParticipantIDPattern)
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	slog.Debug("REDCap client config loaded", "endpoint", cfg.Endpoint, "token_set", cfg.APIToken != "")

	if cfg.APIToken == "" {
		return nil, fmt.Errorf("REDCap API token must be provided")
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	idPattern := cfg.IDPattern
	if err := v.RegisterValidation("study_id", func(fl validator.FieldLevel) bool {
		return idPattern.MatchString(fl.Field().String())
	}); err != nil {
		return nil, fmt.Errorf("failed to register study_id validation: %w", err)
	}
	if err := v.RegisterValidation("clock", func(fl validator.FieldLevel) bool {
		return clockPattern.MatchString(fl.Field().String())
	}); err != nil {
		return nil, fmt.Errorf("failed to register clock validation: %w", err)
	}

	return &Client{
		endpoint: cfg.Endpoint,
		token:    cfg.APIToken,
		http:     cfg.HTTPClient,
		loc:      cfg.Location,
		validate: v,
	}, nil
}

// GetParticipant assembles a participant from the session 0 and session 1 records.
// Message values are the participant's top two values; task values pair the most and
// least important values.
func (c *Client) GetParticipant(ctx context.Context, participantID string) (*models.Participant, error) {
	s0, err := c.findSession0(ctx, participantID)
	if err != nil {
		return nil, err
	}

	part := &models.Participant{
		ID:       participantID,
		Initials: s0.Initials,
		Phone:    s0.Phone,
	}
	v1, err := parseValue(s0.Value1, "value1_s0")
	if err != nil {
		return nil, err
	}
	v2, err := parseValue(s0.Value2, "value2_s0")
	if err != nil {
		return nil, err
	}
	v7, err := parseValue(s0.Value7, "value7_s0")
	if err != nil {
		return nil, err
	}
	part.MessageValues = []models.CodedValue{v1, v2}
	part.TaskValues = []models.CodedValue{v1, v7}

	if s0.Session0 != "" {
		d, err := models.ParseDate(s0.Session0, c.loc)
		if err != nil {
			return nil, &ResponseError{What: "session 0 date", Err: err}
		}
		part.Session0Date = &d
	}
	if s0.QuitDate != "" {
		d, err := models.ParseDate(s0.QuitDate, c.loc)
		if err != nil {
			return nil, &ResponseError{What: "quit date", Err: err}
		}
		part.QuitDate = &d
	}

	s1, err := findRecord[session1Record](ctx, c, Session1Event, session1Fields, "Session 1 data", participantID)
	if err != nil {
		return nil, err
	}
	if s1 == nil || s1.WakeTime == "" {
		slog.Warn("Client.GetParticipant: session 1 not found", "participant", participantID)
		return nil, &ParticipantNotFoundError{ParticipantID: participantID, Session: SessionOne}
	}

	if part.WakeTime, err = models.ParseClockTime(s1.WakeTime); err != nil {
		return nil, &ResponseError{What: "wake time", Err: err}
	}
	if part.SleepTime, err = models.ParseClockTime(s1.SleepTime); err != nil {
		return nil, &ResponseError{What: "sleep time", Err: err}
	}
	if part.Condition, err = models.ParseConditionCode(s1.Condition); err != nil {
		return nil, &ResponseError{What: "condition", Err: err}
	}

	slog.Debug("Client.GetParticipant: participant loaded", "participant", participantID, "condition", part.Condition)
	return part, nil
}

// GetParticipantPhone returns the phone number recorded at session 0.
func (c *Client) GetParticipantPhone(ctx context.Context, participantID string) (string, error) {
	s0, err := c.findSession0(ctx, participantID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(s0.Phone) == "" {
		return "", &ParticipantNotFoundError{ParticipantID: participantID, Session: SessionZero}
	}
	return s0.Phone, nil
}

func (c *Client) findSession0(ctx context.Context, participantID string) (*session0Record, error) {
	s0, err := findRecord[session0Record](ctx, c, Session0Event, session0Fields, "Session 0 data", participantID)
	if err != nil {
		return nil, err
	}
	if s0 == nil {
		slog.Warn("Client.findSession0: session 0 not found", "participant", participantID)
		return nil, &ParticipantNotFoundError{ParticipantID: participantID, Session: SessionZero}
	}
	return s0, nil
}

// record is implemented by the per-event export rows.
type record interface {
	session0Record | session1Record
}

// findRecord exports one event and returns the validated row for participantID, or
// nil when no row matches. Rows for other participants are not validated.
func findRecord[T record](ctx context.Context, c *Client, event string, fields []string, what, participantID string) (*T, error) {
	var rows []T
	if err := c.export(ctx, event, fields, what, &rows); err != nil {
		return nil, err
	}
	for i := range rows {
		if recordID(rows[i]) != participantID {
			continue
		}
		if err := c.validate.StructCtx(ctx, &rows[i]); err != nil {
			slog.Error("Client.findRecord: record failed validation", "event", event, "participant", participantID, "error", err)
			return nil, &ResponseError{What: what, StatusCode: http.StatusOK, Err: fmt.Errorf("%w: %v", ErrSchemaMismatch, err)}
		}
		return &rows[i], nil
	}
	return nil, nil
}

func recordID(r any) string {
	switch v := r.(type) {
	case session0Record:
		return v.ID
	case session1Record:
		return v.ID
	}
	return ""
}

// export posts a record export request and decodes the JSON array into out.
func (c *Client) export(ctx context.Context, event string, fields []string, what string, out interface{}) error {
	form := url.Values{}
	form.Set("token", c.token)
	form.Set("content", "record")
	form.Set("format", "json")
	for i, f := range fields {
		form.Set(fmt.Sprintf("fields[%d]", i), f)
	}
	form.Set("events[0]", event)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build REDCap request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Error("Client.export: request failed", "event", event, "error", err)
		return &ResponseError{What: what, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		slog.Error("Client.export: unexpected status", "event", event, "status", resp.StatusCode)
		return &ResponseError{What: what, StatusCode: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		slog.Error("Client.export: failed to decode records", "event", event, "error", err)
		return &ResponseError{What: what, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: %v", ErrSchemaMismatch, err)}
	}
	return nil
}

func parseValue(code, field string) (models.CodedValue, error) {
	v, err := models.ParseCodedValueCode(code)
	if err != nil {
		return 0, &ResponseError{What: field, Err: err}
	}
	return v, nil
}
