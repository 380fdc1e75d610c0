package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DefaultParticipantIDPattern matches study identifiers such as "ASH042".
const DefaultParticipantIDPattern = `^ASH[0-9]{3}$`

// Accepted layouts for anchor dates coming from forms and REDCap exports.
const (
	DateLayout       = "2006-01-02"
	REDCapDateLayout = "01-02-2006"
)

// Validation limits for participant value preferences.
const (
	MinMessageValues = 2
	MaxMessageValues = 3
)

// Participant validation errors.
var (
	ErrInvalidParticipantID = errors.New("invalid participant identifier")
	ErrEmptyPhone           = errors.New("phone number cannot be empty")
	ErrInvalidCondition     = errors.New("participant condition is not set")
	ErrInvalidMessageValues = errors.New("participant must have 2 or 3 message values")
	ErrInvalidClockTime     = errors.New("invalid time of day")
	ErrEmptyWindow          = errors.New("wake time and sleep time cannot be equal")

	// ErrParticipantNotFound is matched by the not-found errors of participant sources.
	ErrParticipantNotFound = errors.New("participant not found")
)

// ClockTime is a time of day with minute precision.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClockTime parses an "HH:MM" string.
func ParseClockTime(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return ClockTime{}, fmt.Errorf("%w: %q", ErrInvalidClockTime, s)
	}
	return ClockTime{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// MustParseClockTime is like ParseClockTime but panics on error. Intended for tests and constants.
func MustParseClockTime(s string) ClockTime {
	c, err := ParseClockTime(s)
	if err != nil {
		panic(err)
	}
	return c
}

// On returns the instant at this clock time on the calendar day of date, in date's location.
func (c ClockTime) On(date time.Time) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, c.Hour, c.Minute, 0, 0, date.Location())
}

// Minutes returns the number of minutes since midnight.
func (c ClockTime) Minutes() int {
	return c.Hour*60 + c.Minute
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// MarshalText encodes the clock time as "HH:MM".
func (c ClockTime) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// ParseDate parses an anchor date in either ISO (2006-01-02) or REDCap (01-02-2006) layout,
// returning midnight in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range []string{DateLayout, REDCapDateLayout} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD or MM-DD-YYYY", s)
}

// Participant is a single study participant who receives messages.
type Participant struct {
	ID            string       `json:"id"`
	Phone         string       `json:"phone"`
	Initials      string       `json:"initials"`
	WakeTime      ClockTime    `json:"wake_time"`
	SleepTime     ClockTime    `json:"sleep_time"`
	Condition     Condition    `json:"condition"`
	MessageValues []CodedValue `json:"message_values"`
	TaskValues    []CodedValue `json:"task_values,omitempty"`
	Session0Date  *time.Time   `json:"session0_date,omitempty"`
	QuitDate      *time.Time   `json:"quit_date,omitempty"`
}

// ValidateParticipantID checks id against the study identifier pattern.
func ValidateParticipantID(id string, pattern *regexp.Regexp) error {
	if pattern == nil {
		pattern = defaultIDPattern
	}
	if !pattern.MatchString(id) {
		return fmt.Errorf("%w: %q must match %s", ErrInvalidParticipantID, id, pattern.String())
	}
	return nil
}

var defaultIDPattern = regexp.MustCompile(DefaultParticipantIDPattern)

// Validate checks the fields every generation run depends on.
// Anchor dates are optional here; features that need them check on their own.
func (p *Participant) Validate(pattern *regexp.Regexp) error {
	if err := ValidateParticipantID(p.ID, pattern); err != nil {
		return err
	}
	if strings.TrimSpace(p.Phone) == "" {
		return ErrEmptyPhone
	}
	if !p.Condition.Valid() {
		return ErrInvalidCondition
	}
	if p.Condition == ConditionValues {
		if len(p.MessageValues) < MinMessageValues || len(p.MessageValues) > MaxMessageValues {
			return ErrInvalidMessageValues
		}
	}
	for _, v := range p.MessageValues {
		if !v.Valid() {
			return fmt.Errorf("%w: %d", ErrUnknownCodedValue, int(v))
		}
	}
	if p.WakeTime == p.SleepTime {
		return ErrEmptyWindow
	}
	return nil
}

// Window returns the waking window on the calendar day of date.
// A sleep time at or before the wake time is taken to fall after midnight.
func (p *Participant) Window(date time.Time) (start, end time.Time) {
	start = p.WakeTime.On(date)
	end = p.SleepTime.On(date)
	if p.SleepTime.Minutes() <= p.WakeTime.Minutes() {
		end = end.AddDate(0, 0, 1)
	}
	return start, end
}
