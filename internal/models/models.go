// Package models defines the core data structures for MessageAutomation.
//
// It includes the message catalog records, study participants, the scheduled
// SMS events handed to the delivery service, and the JSON envelope used by the API.
package models

import "time"

// MessageTemplate is one entry of the message catalog.
type MessageTemplate struct {
	ID        int        `json:"id"`
	Text      string     `json:"text"`
	Condition Condition  `json:"condition"`
	Value     CodedValue `json:"value"`
}

// EventParticipant is a recipient attached to a scheduled event.
type EventParticipant struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email,omitempty"`
}

// ScheduledEvent is a single SMS to be sent at StartTime.
// EndTime always equals StartTime.
type ScheduledEvent struct {
	CalendarID  string           `json:"calendar"`
	Title       string           `json:"title"`
	StartTime   time.Time        `json:"start_time"`
	EndTime     time.Time        `json:"end_time"`
	Content     string           `json:"content"`
	MessageID   int              `json:"message_id,omitempty"` // catalog id, 0 for fixed content
	Participant EventParticipant `json:"participant"`
}

// Conversation is a reply a participant sent to one of their events.
type Conversation struct {
	EventID int64     `json:"event_id"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
