package timeline

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/ashstudy/MessageAutomation/internal/message"
	"github.com/ashstudy/MessageAutomation/internal/models"
	"github.com/ashstudy/MessageAutomation/internal/protocol"
	"github.com/ashstudy/MessageAutomation/internal/schedule"
	"github.com/ashstudy/MessageAutomation/internal/util"
)

func testLibrary() *message.Library {
	var templates []models.MessageTemplate
	for i := 1; i <= 40; i++ {
		templates = append(templates, models.MessageTemplate{ID: 100 + i, Text: fmt.Sprintf("downreg %d", i), Condition: models.ConditionDownregulation, Value: models.ValueNone})
	}
	values := []models.CodedValue{models.ValueHumor, models.ValueRelationships, models.ValueAthletic}
	for i := 1; i <= 30; i++ {
		templates = append(templates, models.MessageTemplate{ID: 300 + i, Text: fmt.Sprintf("values %d", i), Condition: models.ConditionValues, Value: values[i%3]})
	}
	return message.NewLibrary(templates)
}

func testParticipant() models.Participant {
	return models.Participant{
		ID:            "ASH001",
		Phone:         "5415550100",
		Initials:      "JD",
		WakeTime:      models.MustParseClockTime("08:00"),
		SleepTime:     models.MustParseClockTime("18:00"),
		Condition:     models.ConditionDownregulation,
		MessageValues: []models.CodedValue{models.ValueHumor, models.ValueRelationships},
		TaskValues:    []models.CodedValue{models.ValueHumor, models.ValueAthletic},
	}
}

func testProtocol() protocol.Protocol {
	p := protocol.Default()
	p.Calendar = "Study"
	return p
}

var startDate = time.Date(2021, 5, 3, 0, 0, 0, 0, time.UTC)

func TestBuildDefaultProtocol(t *testing.T) {
	part := testParticipant()
	b := NewBuilder(testProtocol(), testLibrary(), util.NewSeededRand(11))

	tl, err := b.Build(part, startDate)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	want := 28*5 + 28*4 + 56
	if len(tl.Events) != want {
		t.Fatalf("len(Events) = %d, want %d", len(tl.Events), want)
	}
	if len(tl.Messages) != 28*5+28*4 {
		t.Fatalf("len(Messages) = %d, want %d", len(tl.Messages), 28*5+28*4)
	}

	perDay := map[string][]models.ScheduledEvent{}
	for i, ev := range tl.Events[:len(tl.Messages)] {
		if ev.Title != "RS SMS" || ev.CalendarID != "Study" {
			t.Errorf("event %d: title %q calendar %q", i, ev.Title, ev.CalendarID)
		}
		if !ev.StartTime.Equal(ev.EndTime) {
			t.Errorf("event %d: end time differs from start time", i)
		}
		if ev.Content != "UO: "+tl.Messages[i].Text || ev.MessageID != tl.Messages[i].ID {
			t.Errorf("event %d content %q does not match consumed message %+v", i, ev.Content, tl.Messages[i])
		}
		if ev.Participant.Name != "JD" || ev.Participant.Phone != "5415550100" {
			t.Errorf("event %d participant = %+v", i, ev.Participant)
		}
		start, end := part.Window(ev.StartTime)
		if ev.StartTime.Before(start) || !ev.StartTime.Before(end) {
			t.Errorf("event %d at %v outside window", i, ev.StartTime)
		}
		key := ev.StartTime.Format(time.DateOnly)
		perDay[key] = append(perDay[key], ev)
	}

	if len(perDay) != 56 {
		t.Fatalf("intervention days = %d, want 56", len(perDay))
	}
	for d := 0; d < 56; d++ {
		key := startDate.AddDate(0, 0, d).Format(time.DateOnly)
		events := perDay[key]
		wantCount := 5
		if d >= 28 {
			wantCount = 4
		}
		if len(events) != wantCount {
			t.Errorf("day %s: %d events, want %d", key, len(events), wantCount)
		}
		for i := 1; i < len(events); i++ {
			if events[i].StartTime.Sub(events[i-1].StartTime) < schedule.MinSpacing {
				t.Errorf("day %s: events %d and %d closer than an hour", key, i-1, i)
			}
		}
	}

	checkIns := tl.Events[len(tl.Messages):]
	for d, ev := range checkIns {
		wantAt := time.Date(2021, 5, 3+d, 17, 0, 0, 0, time.UTC)
		if !ev.StartTime.Equal(wantAt) {
			t.Errorf("check-in %d at %v, want %v", d, ev.StartTime, wantAt)
		}
		if ev.Content != "UO: Reply back with the number of cigarettes smoked today" || ev.MessageID != 0 {
			t.Errorf("check-in %d = %+v", d, ev)
		}
	}
}

func TestBuildConsumesMessagesSequentially(t *testing.T) {
	p := testProtocol()
	p.Phases = []protocol.Phase{{Days: 3, MessagesPerDay: 4}}
	p.CheckIn.Enabled = false
	lib := testLibrary()

	tl, err := NewBuilder(p, lib, util.NewSeededRand(2)).Build(testParticipant(), startDate)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	// The same seed drives Select first, so the consumed list is exactly the selection.
	expected, _ := lib.Select(util.NewSeededRand(2), models.ConditionDownregulation, nil, 12)
	if !reflect.DeepEqual(tl.Messages, expected) {
		t.Errorf("consumed messages differ from selection order")
	}
	seen := map[int]bool{}
	for _, m := range tl.Messages {
		if seen[m.ID] {
			t.Errorf("message %d reused although pool was large enough", m.ID)
		}
		seen[m.ID] = true
	}
}

func TestBuildIdempotentWithSeed(t *testing.T) {
	p := testProtocol()
	p.Boosters.Enabled = true
	lib := testLibrary()
	part := testParticipant()

	a, err := NewBuilder(p, lib, util.NewSeededRand(77)).Build(part, startDate)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	b, err := NewBuilder(p, lib, util.NewSeededRand(77)).Build(part, startDate)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Error("builds with identical seeds and inputs differ")
	}
}

func TestBuildBoosters(t *testing.T) {
	p := testProtocol()
	p.Phases = []protocol.Phase{{Days: 1, MessagesPerDay: 1}}
	p.CheckIn.Enabled = false
	p.Boosters.Enabled = true
	part := testParticipant()
	part.Condition = models.ConditionValues

	tl, err := NewBuilder(p, testLibrary(), util.NewSeededRand(1)).Build(part, startDate)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	boosters := tl.Events[1:]
	wantDays := []int{1, 4, 8, 11, 15, 18, 22, 25}
	if len(boosters) != len(wantDays) {
		t.Fatalf("boosters = %d, want %d", len(boosters), len(wantDays))
	}
	for i, ev := range boosters {
		wantTitle := fmt.Sprintf("VA Booster %d", i+1)
		if ev.Title != wantTitle {
			t.Errorf("booster %d title = %q, want %q", i, ev.Title, wantTitle)
		}
		wantAt := time.Date(2021, 5, 3+wantDays[i], 12, 0, 0, 0, time.UTC)
		if !ev.StartTime.Equal(wantAt) {
			t.Errorf("booster %d at %v, want %v", i, ev.StartTime, wantAt)
		}
	}
}

func TestBuildDiaryAndQuitDate(t *testing.T) {
	p := testProtocol()
	p.Phases = []protocol.Phase{{Days: 1, MessagesPerDay: 1}}
	p.CheckIn.Enabled = false
	p.Diary.Enabled = true
	p.QuitDate.Enabled = true

	part := testParticipant()
	part.SleepTime = models.MustParseClockTime("20:00")
	session0 := time.Date(2021, 4, 24, 0, 0, 0, 0, time.UTC) // Saturday
	quit := time.Date(2021, 5, 19, 0, 0, 0, 0, time.UTC)
	part.Session0Date = &session0
	part.QuitDate = &quit

	tl, err := NewBuilder(p, testLibrary(), util.NewSeededRand(1)).Build(part, startDate)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	events := tl.Events[1:]
	if len(events) != 12+2 {
		t.Fatalf("events = %d, want 14", len(events))
	}

	anchor := time.Date(2021, 4, 25, 18, 0, 0, 0, time.UTC)
	i := 0
	for _, offset := range []int{0, 37, 114} {
		for d := 0; d < 4; d++ {
			want := anchor.AddDate(0, 0, offset+d)
			if !events[i].StartTime.Equal(want) || events[i].Title != "Daily Diary" {
				t.Errorf("diary event %d = %q at %v, want %v", i, events[i].Title, events[i].StartTime, want)
			}
			i++
		}
	}

	dayBefore, quitDay := events[12], events[13]
	if want := time.Date(2021, 5, 18, 11, 0, 0, 0, time.UTC); !dayBefore.StartTime.Equal(want) {
		t.Errorf("day before quit at %v, want %v", dayBefore.StartTime, want)
	}
	if want := time.Date(2021, 5, 19, 11, 0, 0, 0, time.UTC); !quitDay.StartTime.Equal(want) {
		t.Errorf("quit day at %v, want %v", quitDay.StartTime, want)
	}
	if !strings.HasPrefix(quitDay.Content, "UO: ") {
		t.Errorf("quit day content missing prefix: %q", quitDay.Content)
	}
}

func TestBuildMissingProtocolFields(t *testing.T) {
	tests := []struct {
		name      string
		enable    func(p *protocol.Protocol)
		wantField string
	}{
		{"diary without session 0", func(p *protocol.Protocol) { p.Diary.Enabled = true }, "session 0 date"},
		{"quit reminders without quit date", func(p *protocol.Protocol) { p.QuitDate.Enabled = true }, "quit date"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testProtocol()
			tt.enable(&p)
			tl, err := NewBuilder(p, testLibrary(), util.NewSeededRand(1)).Build(testParticipant(), startDate)
			var missing *MissingProtocolFieldError
			if !errors.As(err, &missing) {
				t.Fatalf("expected MissingProtocolFieldError, got %v", err)
			}
			if missing.Field != tt.wantField || missing.ParticipantID != "ASH001" {
				t.Errorf("error = %+v", missing)
			}
			if tl != nil {
				t.Error("no events should be produced when a required field is missing")
			}
		})
	}
}

func TestBuildNoMessages(t *testing.T) {
	part := testParticipant()
	part.Condition = models.ConditionHighLevel
	_, err := NewBuilder(testProtocol(), testLibrary(), util.NewSeededRand(1)).Build(part, startDate)
	var noMessages *message.NoMessagesAvailableError
	if !errors.As(err, &noMessages) {
		t.Fatalf("expected NoMessagesAvailableError, got %v", err)
	}
}

func TestBuildWindowTooShort(t *testing.T) {
	part := testParticipant()
	part.WakeTime = models.MustParseClockTime("08:00")
	part.SleepTime = models.MustParseClockTime("11:00")
	tl, err := NewBuilder(testProtocol(), testLibrary(), util.NewSeededRand(1)).Build(part, startDate)
	var unsat *schedule.ScheduleUnsatisfiableError
	if !errors.As(err, &unsat) {
		t.Fatalf("expected ScheduleUnsatisfiableError, got %v", err)
	}
	if tl == nil || len(tl.Events) != 0 {
		t.Errorf("expected empty partial timeline, got %+v", tl)
	}
}

func TestFirstDiaryTime(t *testing.T) {
	sleep := models.MustParseClockTime("20:00")
	tests := []struct {
		name        string
		session0    time.Time
		wantWeekday time.Weekday
		want        time.Time
	}{
		{"saturday", time.Date(2021, 4, 24, 0, 0, 0, 0, time.UTC), time.Sunday, time.Date(2021, 4, 25, 18, 0, 0, 0, time.UTC)},
		{"sunday", time.Date(2021, 4, 25, 0, 0, 0, 0, time.UTC), time.Wednesday, time.Date(2021, 4, 28, 18, 0, 0, 0, time.UTC)},
		{"tuesday", time.Date(2021, 4, 27, 0, 0, 0, 0, time.UTC), time.Thursday, time.Date(2021, 4, 29, 18, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FirstDiaryTime(tt.session0, sleep, 2*time.Hour)
			if got.Weekday() != tt.wantWeekday {
				t.Errorf("weekday = %v, want %v", got.Weekday(), tt.wantWeekday)
			}
			if !got.Equal(tt.want) {
				t.Errorf("FirstDiaryTime() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildTaskTrials(t *testing.T) {
	task := protocol.Default().Task
	trials, err := BuildTaskTrials(testLibrary(), util.NewSeededRand(4), testParticipant(), task)
	if err != nil {
		t.Fatalf("BuildTaskTrials() error: %v", err)
	}
	if len(trials) != 64 {
		t.Fatalf("len = %d, want 64", len(trials))
	}
	for i, tr := range trials {
		if tr.ITI != task.ITI[i] {
			t.Errorf("trial %d ITI = %v, want %v", i, tr.ITI, task.ITI[i])
		}
		if tr.Message.Value != models.ValueHumor && tr.Message.Value != models.ValueAthletic {
			t.Errorf("trial %d uses value %v outside task values", i, tr.Message.Value)
		}
	}
}
