// Package generator runs end-to-end generation for one participant: look the
// participant up, build the timeline, hand it to the delivery service, and write the
// audit artifacts.
package generator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/ashstudy/MessageAutomation/internal/export"
	"github.com/ashstudy/MessageAutomation/internal/lockfile"
	"github.com/ashstudy/MessageAutomation/internal/message"
	"github.com/ashstudy/MessageAutomation/internal/messaging"
	"github.com/ashstudy/MessageAutomation/internal/models"
	"github.com/ashstudy/MessageAutomation/internal/protocol"
	"github.com/ashstudy/MessageAutomation/internal/schedule"
	"github.com/ashstudy/MessageAutomation/internal/timeline"
	"github.com/ashstudy/MessageAutomation/internal/util"
	"github.com/google/uuid"
)

// Artifact file name suffixes, appended to the participant id.
const (
	MessagesSuffix   = ".csv"
	ScheduleSuffix   = "_schedule.csv"
	ConditionsSuffix = "_conditions.csv"
)

// DefaultOutputDir is used when no output directory is configured.
const DefaultOutputDir = "./output"

// Errors returned by New for missing configuration.
var (
	ErrSourceRequired  = errors.New("participant source is required")
	ErrSinkRequired    = errors.New("event sink is required")
	ErrCatalogRequired = errors.New("message catalog path is required")
)

// Result describes a completed generation run.
type Result struct {
	RunID       string
	Participant models.Participant
	Timeline    *timeline.Timeline
	// Files holds the artifacts in the order they were written; Paths are their locations on disk.
	Files []export.File
	Paths []string
}

// Opts holds configuration options for the Generator.
type Opts struct {
	Source      messaging.ParticipantSource
	Sink        messaging.EventSink
	Notifier    messaging.Notifier
	Protocol    *protocol.Protocol
	CatalogPath string
	OutputDir   string
	RandFactory util.RandFactory
	MaxAttempts int
	Now         func() time.Time
}

// Option defines a configuration option for the Generator.
type Option func(*Opts)

// WithSource sets where participants are looked up.
func WithSource(src messaging.ParticipantSource) Option {
	return func(o *Opts) { o.Source = src }
}

// WithSink sets where events are posted.
func WithSink(sink messaging.EventSink) Option {
	return func(o *Opts) { o.Sink = sink }
}

// WithNotifier enables a confirmation after each successful run.
func WithNotifier(n messaging.Notifier) Option {
	return func(o *Opts) { o.Notifier = n }
}

// WithProtocol overrides the default study protocol.
func WithProtocol(p protocol.Protocol) Option {
	return func(o *Opts) { o.Protocol = &p }
}

// WithCatalogPath sets the message catalog CSV read on every run.
func WithCatalogPath(path string) Option {
	return func(o *Opts) { o.CatalogPath = path }
}

// WithOutputDir sets where artifacts and lock files are written.
func WithOutputDir(dir string) Option {
	return func(o *Opts) { o.OutputDir = dir }
}

// WithRandFactory sets how each run obtains its random source.
func WithRandFactory(f util.RandFactory) Option {
	return func(o *Opts) { o.RandFactory = f }
}

// WithMaxAttempts caps rejection sampling per day.
func WithMaxAttempts(n int) Option {
	return func(o *Opts) { o.MaxAttempts = n }
}

// WithClock overrides the time source used for deleting and listing future events.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Generator runs generation for participants. It is safe for concurrent use;
// runs for the same participant are serialized by a lock file.
type Generator struct {
	source      messaging.ParticipantSource
	sink        messaging.EventSink
	notifier    messaging.Notifier
	protocol    protocol.Protocol
	catalogPath string
	outputDir   string
	newRand     util.RandFactory
	schedOpts   []schedule.Option
	idPattern   *regexp.Regexp
	loc         *time.Location
	now         func() time.Time
}

// New creates a Generator from the given options.
func New(opts ...Option) (*Generator, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Source == nil {
		return nil, ErrSourceRequired
	}
	if cfg.Sink == nil {
		return nil, ErrSinkRequired
	}
	if cfg.CatalogPath == "" {
		return nil, ErrCatalogRequired
	}
	p := protocol.Default()
	if cfg.Protocol != nil {
		p = *cfg.Protocol
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid protocol: %w", err)
	}
	pattern, err := p.IDPattern()
	if err != nil {
		return nil, err
	}
	loc, err := p.Location()
	if err != nil {
		return nil, err
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = DefaultOutputDir
	}
	if cfg.RandFactory == nil {
		cfg.RandFactory = util.NewRand
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	var schedOpts []schedule.Option
	if cfg.MaxAttempts > 0 {
		schedOpts = append(schedOpts, schedule.WithMaxAttempts(cfg.MaxAttempts))
	}

	slog.Debug("Generator created",
		"catalog", cfg.CatalogPath,
		"output_dir", cfg.OutputDir,
		"timezone", loc.String(),
		"notifier_enabled", cfg.Notifier != nil)

	return &Generator{
		source:      cfg.Source,
		sink:        cfg.Sink,
		notifier:    cfg.Notifier,
		protocol:    p,
		catalogPath: cfg.CatalogPath,
		outputDir:   cfg.OutputDir,
		newRand:     cfg.RandFactory,
		schedOpts:   schedOpts,
		idPattern:   pattern,
		loc:         loc,
		now:         cfg.Now,
	}, nil
}

// Protocol returns the protocol the generator runs.
func (g *Generator) Protocol() protocol.Protocol {
	return g.protocol
}

// Location returns the study time zone.
func (g *Generator) Location() *time.Location {
	return g.loc
}

// ValidateParticipantID checks id against the study identifier pattern.
func (g *Generator) ValidateParticipantID(id string) error {
	return models.ValidateParticipantID(id, g.idPattern)
}

// Generate builds and posts the complete schedule for a participant starting on the
// calendar day of startDate. Every failure is fatal for the run. When the timeline
// was partly built the returned Result carries it alongside the error.
func (g *Generator) Generate(ctx context.Context, participantID string, startDate time.Time) (*Result, error) {
	runID := uuid.NewString()
	log := slog.With("run_id", runID, "participant", participantID)

	if err := g.ValidateParticipantID(participantID); err != nil {
		log.Warn("Generator.Generate: invalid participant id", "error", err)
		return nil, err
	}

	lock, err := lockfile.AcquireLock(g.outputDir, participantID)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	part, err := g.source.GetParticipant(ctx, participantID)
	if err != nil {
		log.Error("Generator.Generate: participant lookup failed", "error", err)
		return nil, err
	}
	if err := part.Validate(g.idPattern); err != nil {
		log.Warn("Generator.Generate: participant failed validation", "error", err)
		return nil, fmt.Errorf("participant %s: %w", participantID, err)
	}

	lib, err := message.LoadFile(g.catalogPath)
	if err != nil {
		log.Error("Generator.Generate: failed to load catalog", "path", g.catalogPath, "error", err)
		return nil, err
	}

	y, m, d := startDate.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, g.loc)
	builder := timeline.NewBuilder(g.protocol, lib, g.newRand(), g.schedOpts...)
	tl, err := builder.Build(*part, start)
	result := &Result{RunID: runID, Participant: *part, Timeline: tl}
	if err != nil {
		log.Error("Generator.Generate: failed to build timeline", "error", err)
		return result, err
	}
	log.Debug("Generator.Generate: timeline built", "events", len(tl.Events))

	if err := g.sink.PostEvents(ctx, tl.Events); err != nil {
		log.Error("Generator.Generate: failed to post events", "error", err)
		return result, err
	}

	var messages, sched bytes.Buffer
	if err := export.WriteMessages(&messages, tl.Messages); err != nil {
		return result, err
	}
	if err := export.WriteSchedule(&sched, tl.Events); err != nil {
		return result, err
	}
	result.Files = []export.File{
		{Name: participantID + MessagesSuffix, Data: messages.Bytes()},
		{Name: participantID + ScheduleSuffix, Data: sched.Bytes()},
	}
	if result.Paths, err = g.writeFiles(result.Files); err != nil {
		log.Error("Generator.Generate: failed to write artifacts", "error", err)
		return result, err
	}

	if g.notifier != nil {
		if err := g.notifier.Notify(ctx, *part, tl.Events); err != nil {
			log.Warn("Generator.Generate: confirmation not sent", "error", err)
		}
	}

	log.Info("Generator.Generate: run completed", "events", len(tl.Events), "messages", len(tl.Messages))
	return result, nil
}

// TaskFile writes the values-task conditions file for a participant and returns it.
func (g *Generator) TaskFile(ctx context.Context, participantID string) (*export.File, error) {
	if err := g.ValidateParticipantID(participantID); err != nil {
		return nil, err
	}
	part, err := g.source.GetParticipant(ctx, participantID)
	if err != nil {
		return nil, err
	}
	lib, err := message.LoadFile(g.catalogPath)
	if err != nil {
		return nil, err
	}
	trials, err := timeline.BuildTaskTrials(lib, g.newRand(), *part, g.protocol.Task)
	if err != nil {
		slog.Error("Generator.TaskFile: failed to select task messages", "participant", participantID, "error", err)
		return nil, err
	}

	var buf bytes.Buffer
	if err := export.WriteTaskConditions(&buf, trials); err != nil {
		return nil, err
	}
	f := export.File{Name: participantID + ConditionsSuffix, Data: buf.Bytes()}
	if _, err := g.writeFiles([]export.File{f}); err != nil {
		return nil, err
	}
	slog.Info("Generator.TaskFile: conditions written", "participant", participantID, "trials", len(trials))
	return &f, nil
}

// DeleteFutureEvents removes every event for the participant from now on and
// returns how many were deleted. It stops at the first failed deletion.
func (g *Generator) DeleteFutureEvents(ctx context.Context, participantID string) (int, error) {
	if err := g.ValidateParticipantID(participantID); err != nil {
		return 0, err
	}
	phone, err := g.source.GetParticipantPhone(ctx, participantID)
	if err != nil {
		return 0, err
	}
	ids, err := g.sink.GetEvents(ctx, g.now().In(g.loc), phone, g.protocol.MaxEvents())
	if err != nil {
		return 0, err
	}
	for i, id := range ids {
		if err := g.sink.DeleteEvent(ctx, id); err != nil {
			slog.Error("Generator.DeleteFutureEvents: delete failed", "participant", participantID, "event", id, "error", err)
			return i, err
		}
	}
	slog.Info("Generator.DeleteFutureEvents: events deleted", "participant", participantID, "count", len(ids))
	return len(ids), nil
}

// Conversations returns the participant's replies to events starting at or after
// since. A zero since looks back over the protocol's full length.
func (g *Generator) Conversations(ctx context.Context, participantID string, since time.Time) ([]models.Conversation, error) {
	if err := g.ValidateParticipantID(participantID); err != nil {
		return nil, err
	}
	phone, err := g.source.GetParticipantPhone(ctx, participantID)
	if err != nil {
		return nil, err
	}
	if since.IsZero() {
		since = g.now().In(g.loc).AddDate(0, 0, -g.protocol.TotalDays())
	}
	convs, err := g.sink.GetConversations(ctx, since, phone, g.protocol.MaxEvents())
	if err != nil {
		return nil, err
	}
	slog.Debug("Generator.Conversations: replies fetched", "participant", participantID, "count", len(convs))
	return convs, nil
}

func (g *Generator) writeFiles(files []export.File) ([]string, error) {
	if err := os.MkdirAll(g.outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory %s: %w", g.outputDir, err)
	}
	paths := make([]string, 0, len(files))
	for _, f := range files {
		path := filepath.Join(g.outputDir, f.Name)
		if err := os.WriteFile(path, f.Data, 0644); err != nil {
			return paths, fmt.Errorf("failed to write %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
