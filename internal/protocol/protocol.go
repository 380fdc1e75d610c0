// Package protocol describes the study calendar a participant's messages follow.
//
// A Protocol is plain data: message-density phases, the nightly check-in, and the
// optional booster, daily-diary and quit-date anchors. Defaults reproduce the
// smoking-cessation study; a YAML file may override any field.
package protocol

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/ashstudy/MessageAutomation/internal/models"
	yaml "go.yaml.in/yaml/v3"
)

// Protocol validation errors.
var (
	ErrNoPhases        = errors.New("protocol must define at least one phase")
	ErrInvalidPhase    = errors.New("phase days and messages per day must be positive")
	ErrInvalidCadence  = errors.New("booster cadence must be positive")
	ErrInvalidDiary    = errors.New("diary burst days must be positive")
	ErrInvalidTask     = errors.New("task message count exceeds ITI table length")
	ErrInvalidIDFormat = errors.New("invalid participant id pattern")
)

// Phase is a contiguous block of days sharing a fixed messages-per-day count.
type Phase struct {
	Days           int `yaml:"days"`
	MessagesPerDay int `yaml:"messages_per_day"`
}

// CheckIn is the nightly event asking for a numeric reply.
type CheckIn struct {
	Enabled     bool          `yaml:"enabled"`
	BeforeSleep time.Duration `yaml:"before_sleep"`
	Content     string        `yaml:"content"`
}

// Boosters emits two numbered events per cadence cycle.
type Boosters struct {
	Enabled          bool          `yaml:"enabled"`
	FirstDay         int           `yaml:"first_day"`
	CadenceDays      int           `yaml:"cadence_days"`
	SecondOffsetDays int           `yaml:"second_offset_days"`
	SpanDays         int           `yaml:"span_days"`
	AfterWake        time.Duration `yaml:"after_wake"`
	Content          string        `yaml:"content"`
}

// Diary emits bursts of daily-diary reminders anchored on the session-zero date.
type Diary struct {
	Enabled     bool          `yaml:"enabled"`
	Title       string        `yaml:"title"`
	Content     string        `yaml:"content"`
	BeforeSleep time.Duration `yaml:"before_sleep"`
	BurstDays   int           `yaml:"burst_days"`
	WaveOffsets []int         `yaml:"wave_offsets"`
}

// QuitDate emits the reminders around the participant's quit date.
type QuitDate struct {
	Enabled          bool          `yaml:"enabled"`
	Title            string        `yaml:"title"`
	AfterWake        time.Duration `yaml:"after_wake"`
	DayBeforeContent string        `yaml:"day_before_content"`
	QuitDayContent   string        `yaml:"quit_day_content"`
}

// Task configures the values-task conditions file.
type Task struct {
	Messages int       `yaml:"messages"`
	ITI      []float64 `yaml:"iti"`
}

// Protocol is the full study configuration consumed by the timeline builder.
type Protocol struct {
	Calendar             string   `yaml:"calendar"`
	Timezone             string   `yaml:"timezone"`
	ParticipantIDPattern string   `yaml:"participant_id_pattern"`
	SMSTitle             string   `yaml:"sms_title"`
	ContentPrefix        string   `yaml:"content_prefix"`
	Phases               []Phase  `yaml:"phases"`
	CheckIn              CheckIn  `yaml:"check_in"`
	Boosters             Boosters `yaml:"boosters"`
	Diary                Diary    `yaml:"diary"`
	QuitDate             QuitDate `yaml:"quit_date"`
	Task                 Task     `yaml:"task"`
}

// defaultITI is the inter-trial interval table (seconds) for the values task.
var defaultITI = []float64{
	1.8, 4.5, 2.3, 1.0, 4.3, 4.3, 2.7, 1.6, 4.0, 1.4, 3.6, 1.0, 2.3, 5.5, 1.8, 3.2,
	3.9, 2.4, 5.0, 3.0, 5.2, 1.0, 1.6, 3.9, 3.0, 3.1, 4.4, 3.1, 4.5, 1.5, 1.8, 1.2,
	1.0, 1.6, 1.0, 4.7, 1.1, 4.5, 3.1, 1.1, 2.1, 2.4, 2.7, 4.1, 5.9, 1.4, 3.2, 4.6,
	3.4, 1.0, 3.0, 5.3, 4.4, 1.4, 4.1, 2.3, 5.1, 1.5, 2.1, 4.3, 2.5, 6.0, 1.8, 5.4,
}

// Default returns the smoking-cessation protocol: 28 days at 5 messages/day,
// 28 days at 4 messages/day and a nightly cigarette count check-in.
// Boosters, diary and quit-date reminders are configured but disabled.
func Default() Protocol {
	iti := make([]float64, len(defaultITI))
	copy(iti, defaultITI)
	return Protocol{
		ParticipantIDPattern: models.DefaultParticipantIDPattern,
		SMSTitle:             "RS SMS",
		ContentPrefix:        "UO: ",
		Phases: []Phase{
			{Days: 28, MessagesPerDay: 5},
			{Days: 28, MessagesPerDay: 4},
		},
		CheckIn: CheckIn{
			Enabled:     true,
			BeforeSleep: time.Hour,
			Content:     "Reply back with the number of cigarettes smoked today",
		},
		Boosters: Boosters{
			FirstDay:         1,
			CadenceDays:      7,
			SecondOffsetDays: 3,
			SpanDays:         28,
			AfterWake:        4 * time.Hour,
			Content:          "Time for your booster session. Reply when you have finished.",
		},
		Diary: Diary{
			Title:       "Daily Diary",
			Content:     "Please complete today's daily diary.",
			BeforeSleep: 2 * time.Hour,
			BurstDays:   4,
			WaveOffsets: []int{0, 37, 114},
		},
		QuitDate: QuitDate{
			Title:            "Quit Date",
			AfterWake:        3 * time.Hour,
			DayBeforeContent: "Tomorrow is your quit day. You can do this!",
			QuitDayContent:   "Today is your quit day. Remember why you are quitting.",
		},
		Task: Task{
			Messages: len(iti),
			ITI:      iti,
		},
	}
}

// Load reads a YAML protocol file layered over Default.
// Fields absent from the file keep their default values.
func Load(path string) (Protocol, error) {
	p := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Error("protocol.Load: failed to read protocol file", "error", err, "path", path)
		return p, fmt.Errorf("failed to read protocol file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		slog.Error("protocol.Load: failed to parse protocol file", "error", err, "path", path)
		return p, fmt.Errorf("failed to parse protocol file %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("invalid protocol file %s: %w", path, err)
	}
	slog.Debug("protocol.Load: protocol loaded", "path", path, "phases", len(p.Phases),
		"boosters", p.Boosters.Enabled, "diary", p.Diary.Enabled, "quit_date", p.QuitDate.Enabled)
	return p, nil
}

// Validate checks internal consistency.
func (p Protocol) Validate() error {
	if len(p.Phases) == 0 {
		return ErrNoPhases
	}
	for i, ph := range p.Phases {
		if ph.Days <= 0 || ph.MessagesPerDay <= 0 {
			return fmt.Errorf("phase %d: %w", i+1, ErrInvalidPhase)
		}
	}
	if p.Boosters.Enabled && p.Boosters.CadenceDays <= 0 {
		return ErrInvalidCadence
	}
	if p.Diary.Enabled && p.Diary.BurstDays <= 0 {
		return ErrInvalidDiary
	}
	if p.Task.Messages > len(p.Task.ITI) {
		return ErrInvalidTask
	}
	if _, err := p.IDPattern(); err != nil {
		return err
	}
	if _, err := p.Location(); err != nil {
		return err
	}
	return nil
}

// TotalDays is the number of days covered by all phases.
func (p Protocol) TotalDays() int {
	n := 0
	for _, ph := range p.Phases {
		n += ph.Days
	}
	return n
}

// RequiredMessages is the number of catalog messages the phases consume.
func (p Protocol) RequiredMessages() int {
	n := 0
	for _, ph := range p.Phases {
		n += ph.Days * ph.MessagesPerDay
	}
	return n
}

// MaxEvents bounds the number of events one participant can have; used as a page size
// when listing events from the delivery service.
func (p Protocol) MaxEvents() int {
	n := p.RequiredMessages()
	if p.CheckIn.Enabled {
		n += p.TotalDays()
	}
	if p.Boosters.Enabled && p.Boosters.CadenceDays > 0 {
		for day := p.Boosters.FirstDay; day < p.Boosters.SpanDays; day += p.Boosters.CadenceDays {
			n += 2
		}
	}
	if p.Diary.Enabled {
		n += p.Diary.BurstDays * len(p.Diary.WaveOffsets)
	}
	if p.QuitDate.Enabled {
		n += 2
	}
	return n
}

// IDPattern compiles the participant identifier pattern.
func (p Protocol) IDPattern() (*regexp.Regexp, error) {
	pattern := p.ParticipantIDPattern
	if pattern == "" {
		pattern = models.DefaultParticipantIDPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIDFormat, err)
	}
	return re, nil
}

// Location resolves the study time zone; empty means the process local zone.
func (p Protocol) Location() (*time.Location, error) {
	if p.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid study timezone %q: %w", p.Timezone, err)
	}
	return loc, nil
}
