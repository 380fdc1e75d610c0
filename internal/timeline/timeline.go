// Package timeline expands a participant's protocol into the complete list of
// scheduled SMS events for a generation run.
//
// A Builder has no state between runs apart from its random source: given the same
// participant, protocol, catalog and seed it produces the same timeline.
package timeline

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/ashstudy/MessageAutomation/internal/message"
	"github.com/ashstudy/MessageAutomation/internal/models"
	"github.com/ashstudy/MessageAutomation/internal/protocol"
	"github.com/ashstudy/MessageAutomation/internal/schedule"
)

// Protocol features that depend on participant anchor dates.
const (
	FeatureDiary    = "daily diary"
	FeatureQuitDate = "quit date"
)

// MissingProtocolFieldError reports a participant lacking a field a requested
// protocol feature needs.
type MissingProtocolFieldError struct {
	ParticipantID string
	Field         string
	Feature       string
}

func (e *MissingProtocolFieldError) Error() string {
	return fmt.Sprintf("participant %s is missing %s required for %s events", e.ParticipantID, e.Field, e.Feature)
}

// Timeline is the output of one build.
type Timeline struct {
	Events []models.ScheduledEvent
	// Messages are the catalog templates consumed by intervention events, in consumption order.
	Messages []models.MessageTemplate
}

// Builder assembles timelines from a protocol and a message catalog.
type Builder struct {
	protocol  protocol.Protocol
	library   *message.Library
	rng       *rand.Rand
	generator *schedule.Generator
}

// NewBuilder creates a Builder. The catalog is passed in explicitly and rng drives
// both message selection and time slots.
func NewBuilder(p protocol.Protocol, lib *message.Library, rng *rand.Rand, opts ...schedule.Option) *Builder {
	return &Builder{
		protocol:  p,
		library:   lib,
		rng:       rng,
		generator: schedule.NewGenerator(rng, opts...),
	}
}

// Build produces every event for the participant, starting on startDate (only the
// calendar day of startDate is used). Any error fails the whole build; the partial
// timeline is returned alongside it for diagnostics.
func (b *Builder) Build(part models.Participant, startDate time.Time) (*Timeline, error) {
	if err := b.checkRequiredFields(part); err != nil {
		slog.Warn("Builder.Build: participant missing protocol field", "participant", part.ID, "error", err)
		return nil, err
	}

	p := b.protocol
	day0 := midnight(startDate)
	recipient := models.EventParticipant{Name: part.Initials, Phone: part.Phone}
	tl := &Timeline{}

	emit := func(title string, at time.Time, content string, messageID int) {
		tl.Events = append(tl.Events, models.ScheduledEvent{
			CalendarID:  p.Calendar,
			Title:       title,
			StartTime:   at,
			EndTime:     at,
			Content:     p.ContentPrefix + content,
			MessageID:   messageID,
			Participant: recipient,
		})
	}

	messages, err := b.library.Select(b.rng, part.Condition, part.MessageValues, p.RequiredMessages())
	if err != nil {
		return tl, err
	}

	next := 0
	day := 0
	for phaseIdx, phase := range p.Phases {
		for i := 0; i < phase.Days; i++ {
			start, end := part.Window(day0.AddDate(0, 0, day))
			times, err := b.generator.Generate(start, end, phase.MessagesPerDay)
			if err != nil {
				slog.Error("Builder.Build: failed to schedule day", "participant", part.ID, "phase", phaseIdx+1, "day", day, "error", err)
				return tl, fmt.Errorf("phase %d day %d: %w", phaseIdx+1, day+1, err)
			}
			for _, t := range times {
				m := messages[next]
				next++
				tl.Messages = append(tl.Messages, m)
				emit(p.SMSTitle, t, m.Text, m.ID)
			}
			day++
		}
	}

	if p.CheckIn.Enabled {
		for d := 0; d < p.TotalDays(); d++ {
			_, end := part.Window(day0.AddDate(0, 0, d))
			emit(p.SMSTitle, end.Add(-p.CheckIn.BeforeSleep), p.CheckIn.Content, 0)
		}
	}

	if p.Boosters.Enabled {
		b.addBoosters(part, day0, emit)
	}

	if p.Diary.Enabled {
		anchor := FirstDiaryTime(*part.Session0Date, part.SleepTime, p.Diary.BeforeSleep)
		for _, offset := range p.Diary.WaveOffsets {
			for d := 0; d < p.Diary.BurstDays; d++ {
				emit(p.Diary.Title, anchor.AddDate(0, 0, offset+d), p.Diary.Content, 0)
			}
		}
	}

	if p.QuitDate.Enabled {
		quit := part.WakeTime.On(*part.QuitDate).Add(p.QuitDate.AfterWake)
		emit(p.QuitDate.Title, quit.AddDate(0, 0, -1), p.QuitDate.DayBeforeContent, 0)
		emit(p.QuitDate.Title, quit, p.QuitDate.QuitDayContent, 0)
	}

	slog.Debug("Builder.Build: timeline built", "participant", part.ID, "events", len(tl.Events), "messages", len(tl.Messages))
	return tl, nil
}

// addBoosters emits two numbered booster events per cadence cycle.
func (b *Builder) addBoosters(part models.Participant, day0 time.Time, emit func(string, time.Time, string, int)) {
	cfg := b.protocol.Boosters
	n := 0
	for day := cfg.FirstDay; day < cfg.SpanDays; day += cfg.CadenceDays {
		for _, d := range []int{day, day + cfg.SecondOffsetDays} {
			n++
			at := part.WakeTime.On(day0.AddDate(0, 0, d)).Add(cfg.AfterWake)
			emit(BoosterTitle(part.Condition, n), at, cfg.Content, 0)
		}
	}
}

func (b *Builder) checkRequiredFields(part models.Participant) error {
	if b.protocol.Diary.Enabled && part.Session0Date == nil {
		return &MissingProtocolFieldError{ParticipantID: part.ID, Field: "session 0 date", Feature: FeatureDiary}
	}
	if b.protocol.QuitDate.Enabled && part.QuitDate == nil {
		return &MissingProtocolFieldError{ParticipantID: part.ID, Field: "quit date", Feature: FeatureQuitDate}
	}
	return nil
}

// BoosterTitle names the n-th booster event for a condition, e.g. "VA Booster 3".
func BoosterTitle(c models.Condition, n int) string {
	return fmt.Sprintf("%s Booster %d", c.Abbreviation(), n)
}

// FirstDiaryTime computes the first daily-diary reminder after a session-zero date.
// The diary starts two days later, except that a Saturday session starts on Sunday
// and a Sunday session starts on Wednesday. The reminder goes out beforeSleep ahead
// of the participant's sleep time.
func FirstDiaryTime(session0 time.Time, sleep models.ClockTime, beforeSleep time.Duration) time.Time {
	shift := 2
	switch session0.Weekday() {
	case time.Saturday:
		shift = 1
	case time.Sunday:
		shift = 3
	}
	return sleep.On(session0.AddDate(0, 0, shift)).Add(-beforeSleep)
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
