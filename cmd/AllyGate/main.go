package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/AllybyWaiter/AllyGate/internal/api"
	"github.com/AllybyWaiter/AllyGate/internal/assistant"
	"github.com/AllybyWaiter/AllyGate/internal/cache"
	"github.com/AllybyWaiter/AllyGate/internal/gate"
	"github.com/AllybyWaiter/AllyGate/internal/genai"
	"github.com/AllybyWaiter/AllyGate/internal/lockfile"
	"github.com/AllybyWaiter/AllyGate/internal/messaging"
	"github.com/AllybyWaiter/AllyGate/internal/metrics"
	"github.com/AllybyWaiter/AllyGate/internal/registry"
	"github.com/AllybyWaiter/AllyGate/internal/scheduler"
	"github.com/AllybyWaiter/AllyGate/internal/scope"
	"github.com/AllybyWaiter/AllyGate/internal/store"
	"github.com/AllybyWaiter/AllyGate/internal/twiliowhatsapp"
	"github.com/AllybyWaiter/AllyGate/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for AllyGate state data
	DefaultStateDir = "/var/lib/allygate"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "allygate.db"
)

func main() {
	initializeLogger(os.Getenv("LOG_LEVEL"))

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping AllyGate with configured modules")
	if err := run(ctx, flags); err != nil {
		slog.Error("AllyGate failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("AllyGate exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	DatabaseURL      string
	APIAddr          string
	OpenAIKey        string
	OpenAIModel      string
	GenAIDebug       bool
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	DecisionCacheTTL time.Duration
	RegistryFile     string
	BoundaryMatching bool
	TwilioSID        string
	TwilioToken      string
	TwilioFrom       string
	TwilioWebhookURL string
	RetentionCron    string
	Retention        time.Duration
}

// Flags holds command line flag values
type Flags struct {
	stateDir         *string
	dbDSN            *string
	apiAddr          *string
	openaiKey        *string
	openaiModel      *string
	genaiDebug       *bool
	redisAddr        *string
	registryFile     *string
	boundaryMatching *bool
	twilioWebhookURL *string

	// Not exposed as flags.
	redisPassword    string
	redisDB          int
	decisionCacheTTL time.Duration
	twilioSID        string
	twilioToken      string
	twilioFrom       string
	retentionCron    string
	retention        time.Duration
}

// initializeLogger sets up structured logging at the requested level.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         util.GetenvDefault("ALLYGATE_STATE_DIR", DefaultStateDir),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		APIAddr:          util.GetenvDefault("API_ADDR", api.DefaultAddr),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		GenAIDebug:       util.ParseBoolEnv("GENAI_DEBUG", false),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:          util.ParseIntEnv("REDIS_DB", 0),
		DecisionCacheTTL: util.ParseDurationEnv("DECISION_CACHE_TTL", cache.DefaultTTL),
		RegistryFile:     os.Getenv("REGISTRY_FILE"),
		BoundaryMatching: util.ParseBoolEnv("GATE_BOUNDARY_MATCHING", true),
		TwilioSID:        os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL: os.Getenv("TWILIO_WEBHOOK_URL"),
		RetentionCron:    util.GetenvDefault("RETENTION_SCHEDULE", scheduler.DefaultRetentionSchedule),
		Retention:        util.ParseDurationEnv("DELIVERY_RETENTION", scheduler.DefaultRetention),
	}

	slog.Debug("environment variables loaded",
		"ALLYGATE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"API_ADDR", config.APIAddr,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"REDIS_ADDR", config.RedisAddr,
		"REGISTRY_FILE", config.RegistryFile,
		"GATE_BOUNDARY_MATCHING", config.BoundaryMatching,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) Flags {
	flags := Flags{
		stateDir:         fs.String("state-dir", config.StateDir, "state directory for AllyGate data (overrides $ALLYGATE_STATE_DIR)"),
		dbDSN:            fs.String("db-dsn", config.DatabaseURL, "Postgres DSN or SQLite path (overrides $DATABASE_URL; defaults to SQLite in the state directory)"),
		apiAddr:          fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		openaiKey:        fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel:      fs.String("openai-model", config.OpenAIModel, "OpenAI chat model (overrides $OPENAI_MODEL)"),
		genaiDebug:       fs.Bool("genai-debug", config.GenAIDebug, "write completion debug logs to the state directory (overrides $GENAI_DEBUG)"),
		redisAddr:        fs.String("redis-addr", config.RedisAddr, "Redis address for the decision cache (overrides $REDIS_ADDR)"),
		registryFile:     fs.String("registry-file", config.RegistryFile, "YAML requirement registry (overrides $REGISTRY_FILE)"),
		boundaryMatching: fs.Bool("boundary-matching", config.BoundaryMatching, "match short gate triggers on word boundaries; -boundary-matching=false matches substrings (overrides $GATE_BOUNDARY_MATCHING)"),
		twilioWebhookURL: fs.String("twilio-webhook-url", config.TwilioWebhookURL, "public webhook URL used to verify Twilio signatures (overrides $TWILIO_WEBHOOK_URL)"),

		redisPassword:    config.RedisPassword,
		redisDB:          config.RedisDB,
		decisionCacheTTL: config.DecisionCacheTTL,
		twilioSID:        config.TwilioSID,
		twilioToken:      config.TwilioToken,
		twilioFrom:       config.TwilioFrom,
		retentionCron:    config.RetentionCron,
		retention:        config.Retention,
	}

	if err := fs.Parse(args); err != nil {
		slog.Warn("failed to parse flags", "error", err)
	}

	if *flags.dbDSN == "" {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", *flags.dbDSN)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_type", store.DetectDSNType(*flags.dbDSN),
		"apiAddr", *flags.apiAddr,
		"openaiKeySet", *flags.openaiKey != "",
		"redisAddr", *flags.redisAddr,
		"boundaryMatching", *flags.boundaryMatching)

	return flags
}

// run wires every module and serves the API until ctx is cancelled.
func run(ctx context.Context, flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "sqlite3" {
		lock, err := lockfile.AcquireLock(*flags.stateDir)
		if err != nil {
			return err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				slog.Warn("Failed to release state directory lock", "error", err)
			}
		}()
	}

	st, err := store.New(*flags.dbDSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	reg, err := loadRegistry(*flags.registryFile)
	if err != nil {
		return err
	}

	sched, err := startRetention(flags, st)
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), api.DefaultShutdownTimeout)
		defer cancel()
		sched.Stop(stopCtx)
	}()

	rec := metrics.NewRecorder()
	pipelineOpts, apiOpts, cleanup, err := buildModuleOptions(ctx, flags, st, reg, rec)
	if err != nil {
		return err
	}
	defer cleanup()

	pipeline := assistant.NewPipeline(st, pipelineOpts...)
	server := api.NewServer(pipeline, apiOpts...)
	return server.Run(ctx)
}

// startRetention schedules pruning of delivery records the store keeps.
func startRetention(flags Flags, st store.Store) (*scheduler.Scheduler, error) {
	job := scheduler.RetentionJob{Retention: flags.retention}
	if ledger, ok := st.(store.InboundLedger); ok {
		job.Ledger = ledger
	}
	if outbox, ok := st.(store.ReplyOutbox); ok {
		job.Outbox = outbox
	}
	expr := flags.retentionCron
	if expr == "" {
		expr = scheduler.DefaultRetentionSchedule
	}

	sched := scheduler.NewScheduler()
	if err := sched.AddJob(expr, job.Run); err != nil {
		sched.Stop(context.Background())
		return nil, fmt.Errorf("invalid RETENTION_SCHEDULE %q: %w", expr, err)
	}
	slog.Debug("Delivery retention scheduled", "schedule", expr, "retention", job.Retention)
	return sched, nil
}

// loadRegistry reads the requirement registry from path, or the built-in one when path is empty.
func loadRegistry(path string) (*registry.Registry, error) {
	if path == "" {
		return registry.Default(), nil
	}
	reg, err := registry.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load registry %s: %w", path, err)
	}
	slog.Info("Loaded requirement registry", "path", path, "digest", reg.Digest())
	return reg, nil
}

// buildModuleOptions constructs pipeline and API options from flags. The
// returned cleanup closes any clients opened here, in reverse order. When
// Twilio is enabled and st can queue replies, a reply dispatcher runs until
// cleanup stops it, so cleanup must run before st is closed.
func buildModuleOptions(ctx context.Context, flags Flags, st store.Store, reg *registry.Registry, rec *metrics.Recorder) ([]assistant.Option, []api.Option, func(), error) {
	pipelineOpts := []assistant.Option{
		assistant.WithGateEngine(gate.NewEngine(gate.WithRegistry(reg), gate.WithBoundaryMatching(*flags.boundaryMatching))),
		assistant.WithScopeClassifier(scope.NewClassifier()),
		assistant.WithMetrics(rec),
	}
	apiOpts := []api.Option{
		api.WithAddr(*flags.apiAddr),
		api.WithMetrics(rec),
	}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	genaiOpts := buildGenAIOptions(flags)
	if len(genaiOpts) > 0 {
		client, err := genai.NewClient(genaiOpts...)
		if err != nil {
			return nil, nil, cleanup, fmt.Errorf("failed to create generator: %w", err)
		}
		pipelineOpts = append(pipelineOpts, assistant.WithGenerator(client))
	} else {
		slog.Warn("No OpenAI API key configured, replies will not be generated")
	}

	if *flags.redisAddr != "" {
		dc := cache.New(*flags.redisAddr, flags.redisPassword, flags.redisDB, cache.WithTTL(flags.decisionCacheTTL))
		if err := dc.Ping(ctx); err != nil {
			slog.Warn("Decision cache unreachable at startup, continuing without hits", "addr", *flags.redisAddr, "error", err)
		}
		pipelineOpts = append(pipelineOpts, assistant.WithCache(dc))
		apiOpts = append(apiOpts, api.WithHealthCheck("decision_cache", dc.Ping))
		closers = append(closers, func() {
			if err := dc.Close(); err != nil {
				slog.Warn("Failed to close decision cache", "error", err)
			}
		})
	}

	twilioOpts, twilioSvc, err := buildTwilioOptions(flags)
	if err != nil {
		return nil, nil, cleanup, err
	}
	apiOpts = append(apiOpts, twilioOpts...)
	if twilioSvc != nil {
		deliveryOpts, stop := buildDeliveryOptions(ctx, st, twilioSvc, rec)
		apiOpts = append(apiOpts, deliveryOpts...)
		closers = append(closers, stop)
	}

	return pipelineOpts, apiOpts, cleanup, nil
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey == "" {
		return nil
	}
	genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	if *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.openaiModel))
	}
	if *flags.genaiDebug {
		genaiOpts = append(genaiOpts, genai.WithDebugMode(true, *flags.stateDir))
	}
	return genaiOpts
}

// buildTwilioOptions enables the WhatsApp webhook when Twilio credentials are set.
func buildTwilioOptions(flags Flags) ([]api.Option, *messaging.TwilioService, error) {
	if flags.twilioSID == "" || flags.twilioToken == "" {
		slog.Debug("Twilio credentials not set, WhatsApp webhook disabled")
		return nil, nil, nil
	}
	client, err := twiliowhatsapp.NewClient(
		twiliowhatsapp.WithAccountSID(flags.twilioSID),
		twiliowhatsapp.WithAuthToken(flags.twilioToken),
		twiliowhatsapp.WithFromWhats(flags.twilioFrom),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
	}
	svc := messaging.NewTwilioService(client)
	opts := []api.Option{api.WithTwilio(svc)}
	if *flags.twilioWebhookURL != "" {
		opts = append(opts, api.WithSignatureValidation(twiliowhatsapp.NewSignatureValidator(flags.twilioToken), *flags.twilioWebhookURL))
	} else {
		slog.Warn("TWILIO_WEBHOOK_URL not set, inbound webhook signatures are not verified")
	}
	return opts, svc, nil
}

// buildDeliveryOptions dedupes webhook redeliveries and queues replies when the
// store supports it. Replies queued this way are drained by a ReplyDispatcher
// until ctx is done or stop is called. stop returns once the dispatcher has
// exited.
func buildDeliveryOptions(ctx context.Context, st store.Store, svc messaging.Service, rec *metrics.Recorder) (opts []api.Option, stop func()) {
	if ledger, ok := st.(store.InboundLedger); ok {
		opts = append(opts, api.WithInboundLedger(ledger))
	}
	outbox, ok := st.(store.ReplyOutbox)
	if !ok {
		slog.Warn("Store cannot queue replies, sending WhatsApp replies inline")
		return opts, func() {}
	}
	opts = append(opts, api.WithReplyOutbox(outbox))

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	dispatcher := messaging.NewReplyDispatcher(outbox, svc, messaging.WithDispatcherMetrics(rec))
	go func() {
		defer close(done)
		dispatcher.Run(ctx)
	}()
	return opts, func() {
		cancel()
		<-done
	}
}
