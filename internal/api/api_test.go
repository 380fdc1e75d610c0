package api

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashstudy/MessageAutomation/internal/generator"
	"github.com/ashstudy/MessageAutomation/internal/lockfile"
	"github.com/ashstudy/MessageAutomation/internal/models"
	"github.com/ashstudy/MessageAutomation/internal/protocol"
	"github.com/ashstudy/MessageAutomation/internal/testutil"
	"github.com/ashstudy/MessageAutomation/internal/timeline"
	"github.com/ashstudy/MessageAutomation/internal/util"
)

type testServer struct {
	handler http.Handler
	source  *testutil.FakeSource
	sink    *testutil.FakeSink
	outDir  string
}

func newTestServer(t *testing.T, p protocol.Protocol) *testServer {
	t.Helper()
	dir := t.TempDir()
	ts := &testServer{
		source: testutil.NewFakeSource(testutil.NewParticipant("ASH001")),
		sink:   testutil.NewFakeSink(),
		outDir: filepath.Join(dir, "out"),
	}
	p.Timezone = "UTC"
	gen, err := generator.New(
		generator.WithSource(ts.source),
		generator.WithSink(ts.sink),
		generator.WithProtocol(p),
		generator.WithCatalogPath(testutil.WriteCatalog(t, dir, 40, 20)),
		generator.WithOutputDir(ts.outDir),
		generator.WithRandFactory(util.SeededFactory(7)),
		generator.WithClock(func() time.Time { return time.Date(2021, 5, 10, 12, 0, 0, 0, time.UTC) }),
	)
	if err != nil {
		t.Fatalf("generator.New: %v", err)
	}
	ts.handler = NewServer(gen, WithRequestTimeout(time.Minute)).Router()
	return ts
}

func (ts *testServer) do(t *testing.T, method, url string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, testutil.CreateHTTPRequest(t, method, url, body))
	return rr
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, protocol.Default())
	rr := ts.do(t, http.MethodGet, "/health", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")
	testutil.AssertJSONResponse(t, rr, string(models.APIStatusOK))
}

func TestGenerateReturnsArchive(t *testing.T) {
	ts := newTestServer(t, protocol.Default())
	rr := ts.do(t, http.MethodPost, "/generate", GenerateRequest{ParticipantID: "ASH001", StartDate: "2021-05-03"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "generate")

	if ct := rr.Header().Get("Content-Type"); ct != "application/zip" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, `filename="ASH001.zip"`) {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if rr.Header().Get("X-Run-ID") == "" {
		t.Error("X-Run-ID header missing")
	}

	body := rr.Body.Bytes()
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		t.Fatalf("zip.NewReader: %v", err)
	}
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	if len(names) != 2 || names[0] != "ASH001.csv" || names[1] != "ASH001_schedule.csv" {
		t.Errorf("archive entries = %v", names)
	}
	if ts.sink.Len() != 308 {
		t.Errorf("posted events = %d, want 308", ts.sink.Len())
	}
}

func TestGenerateAcceptsREDCapDate(t *testing.T) {
	ts := newTestServer(t, protocol.Default())
	rr := ts.do(t, http.MethodPost, "/generate", GenerateRequest{ParticipantID: "ASH001", StartDate: "05-03-2021"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "generate with REDCap date")
}

func TestGenerateErrors(t *testing.T) {
	withDiary := protocol.Default()
	withDiary.Diary.Enabled = true

	tests := []struct {
		name     string
		protocol protocol.Protocol
		body     interface{}
		want     int
	}{
		{"invalid json", protocol.Default(), "not an object", http.StatusBadRequest},
		{"missing start date", protocol.Default(), GenerateRequest{ParticipantID: "ASH001"}, http.StatusBadRequest},
		{"bad start date", protocol.Default(), GenerateRequest{ParticipantID: "ASH001", StartDate: "May 3"}, http.StatusBadRequest},
		{"invalid id", protocol.Default(), GenerateRequest{ParticipantID: "XYZ", StartDate: "2021-05-03"}, http.StatusBadRequest},
		{"not found", protocol.Default(), GenerateRequest{ParticipantID: "ASH404", StartDate: "2021-05-03"}, http.StatusNotFound},
		{"missing protocol field", withDiary, GenerateRequest{ParticipantID: "ASH001", StartDate: "2021-05-03"}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, tt.protocol)
			rr := ts.do(t, http.MethodPost, "/generate", tt.body)
			testutil.AssertHTTPStatus(t, tt.want, rr.Code, tt.name)
			resp := testutil.AssertJSONResponse(t, rr, string(models.APIStatusError))
			if msg, _ := resp["message"].(string); msg == "" {
				t.Error("error message should not be empty")
			}
			if ts.sink.Posts != 0 {
				t.Errorf("posts = %d, want 0", ts.sink.Posts)
			}
		})
	}
}

func TestGenerateSurfacesErrorText(t *testing.T) {
	ts := newTestServer(t, protocol.Default())
	ts.sink.PostErr = errors.New("apptoto unavailable")

	rr := ts.do(t, http.MethodPost, "/generate", GenerateRequest{ParticipantID: "ASH001", StartDate: "2021-05-03"})
	testutil.AssertHTTPStatus(t, http.StatusInternalServerError, rr.Code, "post failure")
	resp := testutil.AssertJSONResponse(t, rr, string(models.APIStatusError))
	if resp["message"] != "apptoto unavailable" {
		t.Errorf("message = %v", resp["message"])
	}
}

func TestGenerateLocked(t *testing.T) {
	ts := newTestServer(t, protocol.Default())
	lock, err := lockfile.AcquireLock(ts.outDir, "ASH001")
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer lock.Release()

	rr := ts.do(t, http.MethodPost, "/generate", GenerateRequest{ParticipantID: "ASH001", StartDate: "2021-05-03"})
	testutil.AssertHTTPStatus(t, http.StatusConflict, rr.Code, "locked")
}

func TestTask(t *testing.T) {
	ts := newTestServer(t, protocol.Default())
	rr := ts.do(t, http.MethodPost, "/task", ParticipantRequest{ParticipantID: "ASH001"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "task")

	if ct := rr.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, "ASH001_conditions.csv") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if !strings.HasPrefix(rr.Body.String(), "message,iti") {
		t.Errorf("body starts with %q", rr.Body.String()[:min(20, rr.Body.Len())])
	}

	rr = ts.do(t, http.MethodPost, "/task", ParticipantRequest{ParticipantID: "ASH404"})
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "task not found")
}

func TestDelete(t *testing.T) {
	ts := newTestServer(t, protocol.Default())
	rr := ts.do(t, http.MethodPost, "/generate", GenerateRequest{ParticipantID: "ASH001", StartDate: "2021-05-03"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "generate")
	before := ts.sink.Len()

	rr = ts.do(t, http.MethodPost, "/delete", ParticipantRequest{ParticipantID: "ASH001"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "delete")
	resp := testutil.AssertJSONResponse(t, rr, string(models.APIStatusOK))
	result, ok := resp["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("result = %v", resp["result"])
	}
	deleted := int(result["deleted"].(float64))
	if deleted == 0 || deleted >= before {
		t.Errorf("deleted = %d of %d, want only future events", deleted, before)
	}
	if ts.sink.Len() != before-deleted {
		t.Errorf("remaining = %d, want %d", ts.sink.Len(), before-deleted)
	}

	rr = ts.do(t, http.MethodPost, "/delete", ParticipantRequest{ParticipantID: "bad"})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "delete invalid id")
}

func TestCount(t *testing.T) {
	ts := newTestServer(t, protocol.Default())
	ts.sink.Replies = []models.Conversation{
		{EventID: 1, Content: "4", At: time.Date(2021, 5, 4, 20, 0, 0, 0, time.UTC)},
		{EventID: 2, Content: "yes", At: time.Date(2021, 5, 8, 20, 0, 0, 0, time.UTC)},
	}

	tests := []struct {
		url  string
		want int
	}{
		{"/count/ASH001", 2},
		{"/count/ASH001?since=2021-05-06", 1},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			rr := ts.do(t, http.MethodGet, tt.url, nil)
			testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, tt.url)
			resp := testutil.AssertJSONResponse(t, rr, string(models.APIStatusOK))
			result := resp["result"].(map[string]interface{})
			if got := int(result["count"].(float64)); got != tt.want {
				t.Errorf("count = %d, want %d", got, tt.want)
			}
			if convs := result["conversations"].([]interface{}); len(convs) != tt.want {
				t.Errorf("conversations = %d, want %d", len(convs), tt.want)
			}
		})
	}

	rr := ts.do(t, http.MethodGet, "/count/ASH001?since=yesterday", nil)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "bad since")
	rr = ts.do(t, http.MethodGet, "/count/ASH404", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "count not found")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid id", fmt.Errorf("%w: x", models.ErrInvalidParticipantID), http.StatusBadRequest},
		{"not found", &testutil.NotFoundError{ParticipantID: "ASH001"}, http.StatusNotFound},
		{"missing field", &timeline.MissingProtocolFieldError{ParticipantID: "ASH001", Field: "session 0 date", Feature: timeline.FeatureDiary}, http.StatusUnprocessableEntity},
		{"empty phone", fmt.Errorf("participant ASH001: %w", models.ErrEmptyPhone), http.StatusUnprocessableEntity},
		{"locked", &lockfile.LockError{Name: "ASH001"}, http.StatusConflict},
		{"other", errors.New("boom"), http.StatusInternalServerError},
		{"canceled", context.Canceled, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusFor(tt.err); got != tt.want {
				t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
