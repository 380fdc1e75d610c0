// Package testutil provides fakes for the generation collaborators and common
// HTTP assertion helpers for MessageAutomation tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashstudy/MessageAutomation/internal/models"
)

// TB is the subset of testing.TB the assertion helpers use.
type TB interface {
	Helper()
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// FakeSource is an in-memory participant source.
type FakeSource struct {
	mu           sync.Mutex
	Participants map[string]models.Participant
	// Err, when set, is returned from every lookup.
	Err   error
	Calls int
}

// NewFakeSource returns a source holding the given participants.
func NewFakeSource(parts ...models.Participant) *FakeSource {
	s := &FakeSource{Participants: make(map[string]models.Participant)}
	for _, p := range parts {
		s.Participants[p.ID] = p
	}
	return s
}

// NotFoundError is returned by FakeSource for unknown participants.
type NotFoundError struct {
	ParticipantID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("participant %s not found", e.ParticipantID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == models.ErrParticipantNotFound
}

func (s *FakeSource) GetParticipant(ctx context.Context, participantID string) (*models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	if s.Err != nil {
		return nil, s.Err
	}
	p, ok := s.Participants[participantID]
	if !ok {
		return nil, &NotFoundError{ParticipantID: participantID}
	}
	return &p, nil
}

func (s *FakeSource) GetParticipantPhone(ctx context.Context, participantID string) (string, error) {
	p, err := s.GetParticipant(ctx, participantID)
	if err != nil {
		return "", err
	}
	return p.Phone, nil
}

// FakeSink is an in-memory event sink. Posted events get sequential ids.
type FakeSink struct {
	mu      sync.Mutex
	Events  map[int64]models.ScheduledEvent
	Replies []models.Conversation
	Deleted []int64
	nextID  int64
	// PostErr and DeleteErr, when set, fail the matching calls.
	PostErr   error
	DeleteErr error
	Posts     int
}

// NewFakeSink returns an empty sink.
func NewFakeSink() *FakeSink {
	return &FakeSink{Events: make(map[int64]models.ScheduledEvent)}
}

func (s *FakeSink) PostEvents(ctx context.Context, events []models.ScheduledEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Posts++
	if s.PostErr != nil {
		return s.PostErr
	}
	for _, e := range events {
		s.nextID++
		s.Events[s.nextID] = e
	}
	return nil
}

func (s *FakeSink) GetEvents(ctx context.Context, begin time.Time, phone string, pageSize int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id := int64(1); id <= s.nextID; id++ {
		e, ok := s.Events[id]
		if !ok || e.Participant.Phone != phone || e.StartTime.Before(begin) {
			continue
		}
		ids = append(ids, id)
		if len(ids) == pageSize {
			break
		}
	}
	return ids, nil
}

func (s *FakeSink) DeleteEvent(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	delete(s.Events, id)
	s.Deleted = append(s.Deleted, id)
	return nil
}

func (s *FakeSink) GetConversations(ctx context.Context, begin time.Time, phone string, pageSize int) ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Conversation
	for _, c := range s.Replies {
		if !c.At.Before(begin) {
			out = append(out, c)
		}
	}
	return out, nil
}

// Len returns the number of stored events.
func (s *FakeSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Events)
}

// FakeNotifier records confirmations.
type FakeNotifier struct {
	mu       sync.Mutex
	Notified []string
	Err      error
}

func (n *FakeNotifier) Notify(ctx context.Context, part models.Participant, events []models.ScheduledEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return n.Err
	}
	n.Notified = append(n.Notified, part.ID)
	return nil
}

// WriteCatalog writes a message catalog with perCondition downregulation and
// high-level messages and perValue values-based messages for every coded value.
// It returns the file path.
func WriteCatalog(t TB, dir string, perCondition, perValue int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("UO_ID,Message,ConditionNo,Value1\n")
	id := 1
	for _, c := range []models.Condition{models.ConditionDownregulation, models.ConditionHighLevel} {
		for i := 0; i < perCondition; i++ {
			fmt.Fprintf(&b, "%d,%s message %d,%d,\n", id, c.Abbreviation(), i, int(c))
			id++
		}
	}
	for v := models.ValueHumor; v <= models.ValueAthletic; v++ {
		for i := 0; i < perValue; i++ {
			fmt.Fprintf(&b, "%d,%s message %d,%d,%s\n", id, v, i, int(models.ConditionValues), v)
			id++
		}
	}
	path := filepath.Join(dir, "messages.csv")
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		t.Fatalf("failed to write catalog: %v", err)
	}
	return path
}

// NewParticipant returns a valid values-condition participant awake 08:00-22:00.
func NewParticipant(id string) models.Participant {
	return models.Participant{
		ID:            id,
		Phone:         "5415550100",
		Initials:      "AB",
		WakeTime:      models.MustParseClockTime("08:00"),
		SleepTime:     models.MustParseClockTime("22:00"),
		Condition:     models.ConditionValues,
		MessageValues: []models.CodedValue{models.ValueHumor, models.ValueRelationships},
		TaskValues:    []models.CodedValue{models.ValueHumor, models.ValueAthletic},
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes a JSON envelope and validates its status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Errorf("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
		return nil
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
