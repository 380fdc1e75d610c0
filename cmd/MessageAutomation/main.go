package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ashstudy/MessageAutomation/internal/api"
	"github.com/ashstudy/MessageAutomation/internal/apptoto"
	"github.com/ashstudy/MessageAutomation/internal/generator"
	"github.com/ashstudy/MessageAutomation/internal/messaging"
	"github.com/ashstudy/MessageAutomation/internal/protocol"
	"github.com/ashstudy/MessageAutomation/internal/redcap"
	"github.com/ashstudy/MessageAutomation/internal/twiliosms"
	"github.com/ashstudy/MessageAutomation/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultMessageFile is the message catalog read when MESSAGE_FILE is unset
	DefaultMessageFile = "messages.csv"
)

func main() {
	config := loadEnvironmentConfig()
	initializeLogger(config.LogLevel)

	flags, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping MessageAutomation")
	if err := run(ctx, flags); err != nil {
		slog.Error("MessageAutomation failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("MessageAutomation exited successfully")
}

// Config holds environment configuration
type Config struct {
	LogLevel        string
	REDCapToken     string
	REDCapEndpoint  string
	ApptotoUser     string
	ApptotoToken    string
	ApptotoEndpoint string
	ApptotoCalendar string
	ApptotoRate     float64
	MessageFile     string
	ProtocolFile    string
	OutputDir       string
	APIAddr         string
	StudyTimezone   string
	NotifyEnabled   bool
}

// Flags holds command line flag values
type Flags struct {
	redcapEndpoint  *string
	apptotoEndpoint *string
	apptotoCalendar *string
	apptotoRate     *float64
	messageFile     *string
	protocolFile    *string
	outputDir       *string
	apiAddr         *string
	timezone        *string
	notify          *bool
	redcapToken     string
	apptotoUser     string
	apptotoToken    string
}

// initializeLogger sets up structured logging at the given level, defaulting to debug
func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil || level == "" {
		lvl = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		LogLevel:        os.Getenv("LOG_LEVEL"),
		REDCapToken:     os.Getenv("REDCAP_API_TOKEN"),
		REDCapEndpoint:  os.Getenv("REDCAP_ENDPOINT"),
		ApptotoUser:     os.Getenv("APPTOTO_USER"),
		ApptotoToken:    os.Getenv("APPTOTO_API_TOKEN"),
		ApptotoEndpoint: os.Getenv("APPTOTO_ENDPOINT"),
		ApptotoCalendar: os.Getenv("APPTOTO_CALENDAR"),
		ApptotoRate:     util.ParseFloatEnv("APPTOTO_RATE", apptoto.DefaultRate),
		MessageFile:     util.GetEnvDefault("MESSAGE_FILE", DefaultMessageFile),
		ProtocolFile:    os.Getenv("PROTOCOL_FILE"),
		OutputDir:       util.GetEnvDefault("OUTPUT_DIR", generator.DefaultOutputDir),
		APIAddr:         os.Getenv("API_ADDR"),
		StudyTimezone:   os.Getenv("STUDY_TIMEZONE"),
		NotifyEnabled:   util.ParseBoolEnv("NOTIFY_ENABLED", false),
	}

	slog.Debug("environment variables loaded",
		"REDCAP_API_TOKEN_SET", config.REDCapToken != "",
		"REDCAP_ENDPOINT", config.REDCapEndpoint,
		"APPTOTO_USER_SET", config.ApptotoUser != "",
		"APPTOTO_API_TOKEN_SET", config.ApptotoToken != "",
		"APPTOTO_ENDPOINT", config.ApptotoEndpoint,
		"APPTOTO_CALENDAR", config.ApptotoCalendar,
		"APPTOTO_RATE", config.ApptotoRate,
		"MESSAGE_FILE", config.MessageFile,
		"PROTOCOL_FILE", config.ProtocolFile,
		"OUTPUT_DIR", config.OutputDir,
		"API_ADDR", config.APIAddr,
		"STUDY_TIMEZONE", config.StudyTimezone,
		"NOTIFY_ENABLED", config.NotifyEnabled)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config, args []string) (Flags, error) {
	fs := flag.NewFlagSet("MessageAutomation", flag.ContinueOnError)
	flags := Flags{
		redcapEndpoint:  fs.String("redcap-endpoint", config.REDCapEndpoint, "REDCap API endpoint (overrides $REDCAP_ENDPOINT)"),
		apptotoEndpoint: fs.String("apptoto-endpoint", config.ApptotoEndpoint, "Apptoto API endpoint (overrides $APPTOTO_ENDPOINT)"),
		apptotoCalendar: fs.String("calendar", config.ApptotoCalendar, "Apptoto calendar for scheduled events (overrides $APPTOTO_CALENDAR)"),
		apptotoRate:     fs.Float64("apptoto-rate", config.ApptotoRate, "maximum Apptoto event posts per second (overrides $APPTOTO_RATE)"),
		messageFile:     fs.String("messages", config.MessageFile, "message catalog CSV (overrides $MESSAGE_FILE)"),
		protocolFile:    fs.String("protocol", config.ProtocolFile, "study protocol YAML, built-in defaults when empty (overrides $PROTOCOL_FILE)"),
		outputDir:       fs.String("output-dir", config.OutputDir, "directory for generated files and locks (overrides $OUTPUT_DIR)"),
		apiAddr:         fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		timezone:        fs.String("timezone", config.StudyTimezone, "study time zone (overrides $STUDY_TIMEZONE)"),
		notify:          fs.Bool("notify", config.NotifyEnabled, "send a confirmation SMS after each run (overrides $NOTIFY_ENABLED)"),
		redcapToken:     config.REDCapToken,
		apptotoUser:     config.ApptotoUser,
		apptotoToken:    config.ApptotoToken,
	}

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	slog.Debug("flags parsed",
		"redcapEndpoint", *flags.redcapEndpoint,
		"apptotoEndpoint", *flags.apptotoEndpoint,
		"calendar", *flags.apptotoCalendar,
		"apptotoRate", *flags.apptotoRate,
		"messages", *flags.messageFile,
		"protocol", *flags.protocolFile,
		"outputDir", *flags.outputDir,
		"apiAddr", *flags.apiAddr,
		"timezone", *flags.timezone,
		"notify", *flags.notify)

	return flags, nil
}

// run wires the clients into a generator and serves the API until ctx is done
func run(ctx context.Context, flags Flags) error {
	p, err := loadProtocol(flags)
	if err != nil {
		return err
	}
	if _, err := os.Stat(*flags.messageFile); err != nil {
		return fmt.Errorf("message catalog: %w", err)
	}

	redcapOpts, err := buildREDCapOptions(flags, p)
	if err != nil {
		return err
	}
	source, err := redcap.NewClient(redcapOpts...)
	if err != nil {
		return fmt.Errorf("failed to create REDCap client: %w", err)
	}
	sink, err := apptoto.NewClient(buildApptotoOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to create Apptoto client: %w", err)
	}
	notifier, err := buildNotifier(flags)
	if err != nil {
		return err
	}

	genOpts := buildGeneratorOptions(flags, p)
	genOpts = append(genOpts, generator.WithSource(source), generator.WithSink(sink))
	if notifier != nil {
		genOpts = append(genOpts, generator.WithNotifier(notifier))
	}
	gen, err := generator.New(genOpts...)
	if err != nil {
		return fmt.Errorf("failed to create generator: %w", err)
	}

	apiOpts := buildAPIOptions(flags)
	slog.Debug("Module options counts", "redcap", len(redcapOpts), "generator", len(genOpts), "api", len(apiOpts))
	return api.NewServer(gen, apiOpts...).Run(ctx)
}

// loadProtocol reads the protocol file, or the defaults, and applies flag overrides
func loadProtocol(flags Flags) (protocol.Protocol, error) {
	p := protocol.Default()
	if path := strings.TrimSpace(*flags.protocolFile); path != "" {
		loaded, err := protocol.Load(path)
		if err != nil {
			return protocol.Protocol{}, fmt.Errorf("failed to load protocol: %w", err)
		}
		p = loaded
		slog.Debug("Protocol loaded from file", "path", path)
	}
	if *flags.timezone != "" {
		p.Timezone = *flags.timezone
	}
	if *flags.apptotoCalendar != "" {
		p.Calendar = *flags.apptotoCalendar
	}
	if err := p.Validate(); err != nil {
		return protocol.Protocol{}, fmt.Errorf("invalid protocol: %w", err)
	}
	return p, nil
}

// buildREDCapOptions constructs REDCap client options
func buildREDCapOptions(flags Flags, p protocol.Protocol) ([]redcap.Option, error) {
	pattern, err := p.IDPattern()
	if err != nil {
		return nil, err
	}
	loc, err := p.Location()
	if err != nil {
		return nil, err
	}
	opts := []redcap.Option{redcap.WithIDPattern(pattern), redcap.WithLocation(loc)}
	if flags.redcapToken != "" {
		opts = append(opts, redcap.WithAPIToken(flags.redcapToken))
	}
	if *flags.redcapEndpoint != "" {
		opts = append(opts, redcap.WithEndpoint(*flags.redcapEndpoint))
	}
	return opts, nil
}

// buildApptotoOptions constructs Apptoto client options
func buildApptotoOptions(flags Flags) []apptoto.Option {
	opts := []apptoto.Option{apptoto.WithRate(*flags.apptotoRate)}
	if flags.apptotoUser != "" {
		opts = append(opts, apptoto.WithUser(flags.apptotoUser))
	}
	if flags.apptotoToken != "" {
		opts = append(opts, apptoto.WithAPIToken(flags.apptotoToken))
	}
	if *flags.apptotoEndpoint != "" {
		opts = append(opts, apptoto.WithEndpoint(*flags.apptotoEndpoint))
	}
	return opts
}

// buildNotifier returns the confirmation notifier, or nil when notifications are off.
// Twilio credentials come from $TWILIO_ACCOUNT_SID, $TWILIO_AUTH_TOKEN and $TWILIO_FROM_NUMBER.
func buildNotifier(flags Flags) (messaging.Notifier, error) {
	if !*flags.notify {
		slog.Debug("Confirmation notifications disabled")
		return nil, nil
	}
	client, err := twiliosms.NewClient()
	if err != nil {
		return nil, fmt.Errorf("failed to create Twilio client: %w", err)
	}
	return messaging.NewTwilioNotifier(client, ""), nil
}

// buildGeneratorOptions constructs generator options other than its collaborators
func buildGeneratorOptions(flags Flags, p protocol.Protocol) []generator.Option {
	return []generator.Option{
		generator.WithProtocol(p),
		generator.WithCatalogPath(*flags.messageFile),
		generator.WithOutputDir(*flags.outputDir),
	}
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}
