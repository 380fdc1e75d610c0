package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashstudy/MessageAutomation/internal/export"
	"github.com/ashstudy/MessageAutomation/internal/lockfile"
	"github.com/ashstudy/MessageAutomation/internal/message"
	"github.com/ashstudy/MessageAutomation/internal/models"
	"github.com/ashstudy/MessageAutomation/internal/timeline"
	"github.com/go-chi/chi/v5"
)

// GenerateRequest is the body of POST /generate.
type GenerateRequest struct {
	ParticipantID string `json:"participant_id"`
	StartDate     string `json:"start_date"`
}

// ParticipantRequest is the body of POST /task and POST /delete.
type ParticipantRequest struct {
	ParticipantID string `json:"participant_id"`
}

// DeleteResult is returned by POST /delete.
type DeleteResult struct {
	Deleted int `json:"deleted"`
}

// CountResult is returned by GET /count/{participantID}.
type CountResult struct {
	Count         int                   `json:"count"`
	Conversations []models.Conversation `json:"conversations"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"service": "MessageAutomation"}))
}

func (s *Server) generateHandler(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if !decodeJSON(w, r, "Server.generateHandler", &req) {
		return
	}
	if strings.TrimSpace(req.StartDate) == "" {
		slog.Warn("Server.generateHandler: missing start date", "participant", req.ParticipantID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Start date cannot be empty"))
		return
	}
	start, err := models.ParseDate(req.StartDate, s.gen.Location())
	if err != nil {
		slog.Warn("Server.generateHandler: invalid start date", "start_date", req.StartDate, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	res, err := s.gen.Generate(r.Context(), req.ParticipantID, start)
	if err != nil {
		writeError(w, "Server.generateHandler", req.ParticipantID, err)
		return
	}

	var buf bytes.Buffer
	if err := export.WriteArchive(&buf, res.Files); err != nil {
		slog.Error("Server.generateHandler: failed to build archive", "participant", req.ParticipantID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to build archive"))
		return
	}
	slog.Info("Server.generateHandler: schedule generated", "participant", req.ParticipantID, "run_id", res.RunID, "events", len(res.Timeline.Events))
	w.Header().Set("X-Run-ID", res.RunID)
	writeAttachment(w, "application/zip", req.ParticipantID+".zip", buf.Bytes())
}

func (s *Server) taskHandler(w http.ResponseWriter, r *http.Request) {
	var req ParticipantRequest
	if !decodeJSON(w, r, "Server.taskHandler", &req) {
		return
	}
	f, err := s.gen.TaskFile(r.Context(), req.ParticipantID)
	if err != nil {
		writeError(w, "Server.taskHandler", req.ParticipantID, err)
		return
	}
	writeAttachment(w, "text/csv", f.Name, f.Data)
}

func (s *Server) deleteHandler(w http.ResponseWriter, r *http.Request) {
	var req ParticipantRequest
	if !decodeJSON(w, r, "Server.deleteHandler", &req) {
		return
	}
	n, err := s.gen.DeleteFutureEvents(r.Context(), req.ParticipantID)
	if err != nil {
		writeError(w, "Server.deleteHandler", req.ParticipantID, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Deleted messages", DeleteResult{Deleted: n}))
}

func (s *Server) countHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "participantID")

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		d, err := models.ParseDate(raw, s.gen.Location())
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		since = d
	}

	convs, err := s.gen.Conversations(r.Context(), id, since)
	if err != nil {
		writeError(w, "Server.countHandler", id, err)
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(CountResult{Count: len(convs), Conversations: convs}))
}

// decodeJSON reads the request body into v, writing a 400 response on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, handler string, v interface{}) bool {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		slog.Warn(handler+": failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return false
	}
	return true
}

// statusFor maps a generation error to an HTTP status code.
func statusFor(err error) int {
	var (
		missing *timeline.MissingProtocolFieldError
		noMsgs  *message.NoMessagesAvailableError
		locked  *lockfile.LockError
	)
	switch {
	case errors.Is(err, models.ErrInvalidParticipantID):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrParticipantNotFound):
		return http.StatusNotFound
	case errors.As(err, &missing):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrEmptyPhone),
		errors.Is(err, models.ErrInvalidCondition),
		errors.Is(err, models.ErrInvalidMessageValues),
		errors.Is(err, models.ErrEmptyWindow),
		errors.Is(err, models.ErrUnknownCodedValue),
		errors.As(err, &noMsgs):
		return http.StatusUnprocessableEntity
	case errors.As(err, &locked):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeError reports err with its mapped status. The error text is returned as is.
func writeError(w http.ResponseWriter, handler, participantID string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error(handler+": request failed", "participant", participantID, "status", status, "error", err)
	} else {
		slog.Warn(handler+": request rejected", "participant", participantID, "status", status, "error", err)
	}
	writeJSONResponse(w, status, models.Error(err.Error()))
}

func writeAttachment(w http.ResponseWriter, contentType, filename string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.Error("Server.writeAttachment: failed to write response", "filename", filename, "error", err)
	}
}
