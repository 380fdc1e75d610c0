// Package messaging defines the collaborators a generation run talks to: where
// participants come from, where scheduled events go, and who is told about it.
package messaging

import (
	"context"
	"time"

	"github.com/ashstudy/MessageAutomation/internal/models"
)

// ParticipantSource looks up participant configuration.
type ParticipantSource interface {
	// GetParticipant returns the participant's full configuration.
	GetParticipant(ctx context.Context, participantID string) (*models.Participant, error)

	// GetParticipantPhone returns only the participant's phone number.
	GetParticipantPhone(ctx context.Context, participantID string) (string, error)
}

// EventSink stores scheduled events with the delivery service that sends them.
type EventSink interface {
	// PostEvents creates all events. A failure may leave earlier events posted.
	PostEvents(ctx context.Context, events []models.ScheduledEvent) error

	// GetEvents lists the ids of events for phone starting at or after begin.
	GetEvents(ctx context.Context, begin time.Time, phone string, pageSize int) ([]int64, error)

	// DeleteEvent removes one event.
	DeleteEvent(ctx context.Context, id int64) error

	// GetConversations returns participant replies to events starting at or after begin.
	GetConversations(ctx context.Context, begin time.Time, phone string, pageSize int) ([]models.Conversation, error)
}

// Notifier announces a completed generation run.
type Notifier interface {
	Notify(ctx context.Context, part models.Participant, events []models.ScheduledEvent) error
}
