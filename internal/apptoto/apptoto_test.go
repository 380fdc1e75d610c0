package apptoto

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ashstudy/MessageAutomation/internal/models"
)

type recordedPost struct {
	Events                  []map[string]interface{} `json:"events"`
	PreventCalendarCreation bool                     `json:"prevent_calendar_creation"`
}

type fakeApptoto struct {
	mu      sync.Mutex
	posts   []recordedPost
	deleted []string
	failAt  int // 1-based post number to reject, 0 never
}

func (f *fakeApptoto) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "user" || pass != "tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/events" {
			http.NotFound(w, r)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method {
		case http.MethodPost:
			var body recordedPost
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode post: %v", err)
			}
			f.posts = append(f.posts, body)
			if f.failAt == len(f.posts) {
				http.Error(w, "too many events", http.StatusBadRequest)
				return
			}
			w.Write([]byte(`{}`))
		case http.MethodGet:
			if r.URL.Query().Get("phone_number") != "5415550100" {
				w.Write([]byte(`{"events":[]}`))
				return
			}
			w.Write([]byte(`{"events":[
				{"id":11,"conversations":[{"events":[
					{"type":"sent","content":"UO: hi","at":"2021-05-03T09:00:00Z"},
					{"type":"replied","content":"3","at":"2021-05-03T21:00:00Z"}]}]},
				{"id":12,"conversations":[]}
			]}`))
		case http.MethodDelete:
			f.deleted = append(f.deleted, r.URL.Query().Get("id"))
			w.Write([]byte(`{}`))
		}
	})
}

func newTestClient(t *testing.T, f *fakeApptoto) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	c, err := NewClient(WithUser("user"), WithAPIToken("tok"), WithEndpoint(srv.URL), WithRate(0))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func testEvents(n int) []models.ScheduledEvent {
	start := time.Date(2021, 5, 3, 9, 0, 0, 0, time.UTC)
	events := make([]models.ScheduledEvent, n)
	for i := range events {
		at := start.Add(time.Duration(i) * time.Hour)
		events[i] = models.ScheduledEvent{
			CalendarID:  "cal",
			Title:       "RS SMS",
			StartTime:   at,
			EndTime:     at,
			Content:     "UO: hello",
			Participant: models.EventParticipant{Name: "AB", Phone: "5415550100"},
		}
	}
	return events
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Setenv("APPTOTO_USER", "")
	t.Setenv("APPTOTO_API_TOKEN", "")
	if _, err := NewClient(); err == nil {
		t.Fatal("expected error without credentials")
	}
}

func TestPostEventsChunks(t *testing.T) {
	f := &fakeApptoto{}
	c := newTestClient(t, f)

	if err := c.PostEvents(context.Background(), testEvents(12)); err != nil {
		t.Fatalf("PostEvents: %v", err)
	}
	if len(f.posts) != 3 {
		t.Fatalf("posts = %d, want 3", len(f.posts))
	}
	sizes := []int{5, 5, 2}
	for i, p := range f.posts {
		if len(p.Events) != sizes[i] {
			t.Errorf("post %d has %d events, want %d", i, len(p.Events), sizes[i])
		}
		if !p.PreventCalendarCreation {
			t.Errorf("post %d missing prevent_calendar_creation", i)
		}
	}
	first := f.posts[0].Events[0]
	if first["start_time"] != "2021-05-03T09:00:00" || first["end_time"] != "2021-05-03T09:00:00" {
		t.Errorf("times = %v / %v", first["start_time"], first["end_time"])
	}
	if first["calendar"] != "cal" || first["content"] != "UO: hello" {
		t.Errorf("event = %v", first)
	}
	parts, ok := first["participants"].([]interface{})
	if !ok || len(parts) != 1 {
		t.Fatalf("participants = %v", first["participants"])
	}
	if p := parts[0].(map[string]interface{}); p["phone"] != "5415550100" || p["name"] != "AB" {
		t.Errorf("participant = %v", p)
	}
}

func TestPostEventsStopsAtFirstFailure(t *testing.T) {
	f := &fakeApptoto{failAt: 2}
	c := newTestClient(t, f)
	events := testEvents(12)

	err := c.PostEvents(context.Background(), events)
	var pe *PostError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PostError, got %v", err)
	}
	if pe.From != 5 || pe.To != 10 || pe.StatusCode != http.StatusBadRequest {
		t.Errorf("error = %+v", pe)
	}
	if !pe.StartTime.Equal(events[5].StartTime) {
		t.Errorf("StartTime = %v, want %v", pe.StartTime, events[5].StartTime)
	}
	if len(f.posts) != 2 {
		t.Errorf("posts = %d, want 2", len(f.posts))
	}
}

func TestPostEventsEmpty(t *testing.T) {
	f := &fakeApptoto{}
	c := newTestClient(t, f)
	if err := c.PostEvents(context.Background(), nil); err != nil {
		t.Fatalf("PostEvents: %v", err)
	}
	if len(f.posts) != 0 {
		t.Errorf("posts = %d, want 0", len(f.posts))
	}
}

func TestPostEventsCanceled(t *testing.T) {
	f := &fakeApptoto{}
	srv := httptest.NewServer(f.handler(t))
	defer srv.Close()
	c, err := NewClient(WithUser("user"), WithAPIToken("tok"), WithEndpoint(srv.URL), WithRate(0.001))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = c.PostEvents(ctx, testEvents(10))
	var pe *PostError
	if !errors.As(err, &pe) || pe.From != 5 {
		t.Fatalf("expected PostError at second chunk, got %v", err)
	}
	if len(f.posts) != 1 {
		t.Errorf("posts = %d, want 1", len(f.posts))
	}
}

func TestGetEventsAndDelete(t *testing.T) {
	f := &fakeApptoto{}
	c := newTestClient(t, f)
	ctx := context.Background()

	ids, err := c.GetEvents(ctx, time.Now(), "5415550100", 100)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(ids) != 2 || ids[0] != 11 || ids[1] != 12 {
		t.Fatalf("ids = %v", ids)
	}
	for _, id := range ids {
		if err := c.DeleteEvent(ctx, id); err != nil {
			t.Fatalf("DeleteEvent: %v", err)
		}
	}
	if len(f.deleted) != 2 || f.deleted[0] != "11" {
		t.Errorf("deleted = %v", f.deleted)
	}
}

func TestGetConversations(t *testing.T) {
	f := &fakeApptoto{}
	c := newTestClient(t, f)

	convs, err := c.GetConversations(context.Background(), time.Now(), "5415550100", 100)
	if err != nil {
		t.Fatalf("GetConversations: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("conversations = %v", convs)
	}
	if convs[0].EventID != 11 || convs[0].Content != "3" {
		t.Errorf("conversation = %+v", convs[0])
	}
	if !convs[0].At.Equal(time.Date(2021, 5, 3, 21, 0, 0, 0, time.UTC)) {
		t.Errorf("At = %v", convs[0].At)
	}
}

func TestListStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	c, err := NewClient(WithUser("user"), WithAPIToken("tok"), WithEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	_, err = c.GetEvents(context.Background(), time.Now(), "1", 1)
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected StatusError, got %v", err)
	}
}
