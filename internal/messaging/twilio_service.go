package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/ashstudy/MessageAutomation/internal/models"
	"github.com/ashstudy/MessageAutomation/internal/twiliosms"
)

// DefaultConfirmationTemplate is formatted with the first event date and the event count.
const DefaultConfirmationTemplate = "You're enrolled! Your study messages begin on %s (%d scheduled)."

var (
	nonDigitRegex = regexp.MustCompile(`[^0-9]`)

	// ErrNoEvents is returned when there is nothing to confirm.
	ErrNoEvents = errors.New("no events to confirm")
)

// CanonicalizePhone strips formatting from a phone number and returns it in E.164
// form. Ten-digit numbers are treated as North American.
func CanonicalizePhone(phone string) (string, error) {
	if strings.TrimSpace(phone) == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}

	canonical := nonDigitRegex.ReplaceAllString(phone, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", phone)
	}
	if len(canonical) < 10 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 10 digits required)", canonical)
	}
	if len(canonical) == 10 {
		canonical = "1" + canonical
	}
	return "+" + canonical, nil
}

// TwilioNotifier sends a one-line confirmation SMS to the participant.
type TwilioNotifier struct {
	sender   twiliosms.Sender
	template string
}

// NewTwilioNotifier creates a notifier using sender. An empty template selects
// DefaultConfirmationTemplate.
func NewTwilioNotifier(sender twiliosms.Sender, template string) *TwilioNotifier {
	if template == "" {
		template = DefaultConfirmationTemplate
	}
	return &TwilioNotifier{sender: sender, template: template}
}

// Notify sends the confirmation for a run that produced events.
func (n *TwilioNotifier) Notify(ctx context.Context, part models.Participant, events []models.ScheduledEvent) error {
	if len(events) == 0 {
		return ErrNoEvents
	}
	to, err := CanonicalizePhone(part.Phone)
	if err != nil {
		slog.Error("TwilioNotifier.Notify: invalid recipient", "participant", part.ID, "error", err)
		return err
	}

	first := events[0].StartTime
	for _, e := range events[1:] {
		if e.StartTime.Before(first) {
			first = e.StartTime
		}
	}
	body := fmt.Sprintf(n.template, first.Format("Mon Jan 2"), len(events))

	if err := n.sender.SendMessage(ctx, to, body); err != nil {
		return fmt.Errorf("failed to send confirmation to participant %s: %w", part.ID, err)
	}
	slog.Info("TwilioNotifier.Notify: confirmation sent", "participant", part.ID, "to", to)
	return nil
}
