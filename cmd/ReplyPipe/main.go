package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/api"
	"github.com/BTreeMap/ReplyPipe/internal/engine"
	"github.com/BTreeMap/ReplyPipe/internal/events"
	"github.com/BTreeMap/ReplyPipe/internal/lockfile"
	"github.com/BTreeMap/ReplyPipe/internal/messaging"
	"github.com/BTreeMap/ReplyPipe/internal/recovery"
	"github.com/BTreeMap/ReplyPipe/internal/responder"
	"github.com/BTreeMap/ReplyPipe/internal/scheduler"
	"github.com/BTreeMap/ReplyPipe/internal/settings"
	"github.com/BTreeMap/ReplyPipe/internal/store"
	"github.com/BTreeMap/ReplyPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/ReplyPipe/internal/whatsapp"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ReplyPipe state data
	DefaultStateDir = "/var/lib/replypipe"
	// DefaultWhatsAppDBFileName is the whatsmeow device store filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultAppDBFileName is the application SQLite database filename
	DefaultAppDBFileName = "replypipe.db"
	// DefaultInstanceID names the single instance a process runs
	DefaultInstanceID = "main"
	// ShutdownTimeout bounds the whole graceful shutdown
	ShutdownTimeout = 30 * time.Second
)

// Store backends selectable with -store.
const (
	storeAuto   = ""
	storeFile   = "file"
	storeMemory = "memory"
)

// Transports selectable with -transport.
const (
	transportWhatsApp = "whatsapp"
	transportTwilio   = "twilio"
)

var logLevel = new(slog.LevelVar)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)
	setLogLevel(*flags.logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping ReplyPipe", "instanceID", *flags.instanceID, "transport", *flags.transport, "responder", *flags.responder)
	if err := run(ctx, flags); err != nil {
		slog.Error("ReplyPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ReplyPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	WhatsAppDBDSN    string
	ApplicationDBDSN string
	StoreBackend     string
	OpenAIKey        string
	AnthropicKey     string
	Responder        string
	Transport        string
	InstanceID       string
	APIAddr          string
	NATSURL          string
	TwilioSID        string
	TwilioToken      string
	TwilioFrom       string
	TwilioWebhookURL string
	LogLevel         string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput      *string
	numeric       *bool
	stateDir      *string
	waDSN         *string
	appDSN        *string
	storeBackend  *string
	openaiKey     *string
	anthropicKey  *string
	responder     *string
	transport     *string
	instanceID    *string
	apiAddr       *string
	natsURL       *string
	twilioWebhook *string
	logLevel      *string
}

// initializeLogger installs a text handler whose level can be changed once
// configuration is loaded.
func initializeLogger() {
	logLevel.Set(slog.LevelDebug)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
}

func setLogLevel(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		if level != "" {
			slog.Warn("Unknown log level, keeping debug", "level", level)
		}
		return
	}
	logLevel.Set(l)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         os.Getenv("REPLYPIPE_STATE_DIR"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		ApplicationDBDSN: os.Getenv("REPLYPIPE_DB_DSN"),
		StoreBackend:     strings.ToLower(os.Getenv("REPLYPIPE_STORE")),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		AnthropicKey:     os.Getenv("ANTHROPIC_API_KEY"),
		Responder:        strings.ToLower(os.Getenv("REPLYPIPE_RESPONDER")),
		Transport:        strings.ToLower(os.Getenv("REPLYPIPE_TRANSPORT")),
		InstanceID:       os.Getenv("REPLYPIPE_INSTANCE_ID"),
		APIAddr:          os.Getenv("API_ADDR"),
		NATSURL:          os.Getenv("NATS_URL"),
		TwilioSID:        os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL: os.Getenv("TWILIO_WEBHOOK_URL"),
		LogLevel:         os.Getenv("REPLYPIPE_LOG_LEVEL"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No REPLYPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = os.Getenv("DATABASE_URL")
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
	}
	if config.Responder == "" {
		config.Responder = "openai"
	}
	if config.Transport == "" {
		config.Transport = transportWhatsApp
	}
	if config.InstanceID == "" {
		config.InstanceID = DefaultInstanceID
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}

	slog.Debug("environment variables loaded",
		"REPLYPIPE_STATE_DIR", config.StateDir,
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDBDSN != "",
		"APP_DB_TYPE", store.DetectDSNType(config.ApplicationDBDSN),
		"REPLYPIPE_STORE", config.StoreBackend,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"ANTHROPIC_API_KEY_SET", config.AnthropicKey != "",
		"REPLYPIPE_RESPONDER", config.Responder,
		"REPLYPIPE_TRANSPORT", config.Transport,
		"API_ADDR", config.APIAddr,
		"NATS_URL_SET", config.NATSURL != "")

	return config
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	return parseFlags(flag.CommandLine, os.Args[1:], config)
}

func parseFlags(fs *flag.FlagSet, args []string, config Config) Flags {
	flags := Flags{
		qrOutput:      fs.String("qr-output", "", "path to write login QR code"),
		numeric:       fs.Bool("numeric-code", false, "print the login code as text instead of a QR block"),
		stateDir:      fs.String("state-dir", config.StateDir, "state directory (overrides $REPLYPIPE_STATE_DIR)"),
		waDSN:         fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)"),
		appDSN:        fs.String("db-dsn", config.ApplicationDBDSN, "application database DSN (overrides $REPLYPIPE_DB_DSN or $DATABASE_URL)"),
		storeBackend:  fs.String("store", config.StoreBackend, "store backend: empty to pick from the DSN, file or memory (overrides $REPLYPIPE_STORE)"),
		openaiKey:     fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		anthropicKey:  fs.String("anthropic-api-key", config.AnthropicKey, "Anthropic API key (overrides $ANTHROPIC_API_KEY)"),
		responder:     fs.String("responder", config.Responder, "responder backend: openai or anthropic (overrides $REPLYPIPE_RESPONDER)"),
		transport:     fs.String("transport", config.Transport, "transport: whatsapp or twilio (overrides $REPLYPIPE_TRANSPORT)"),
		instanceID:    fs.String("instance-id", config.InstanceID, "instance id (overrides $REPLYPIPE_INSTANCE_ID)"),
		apiAddr:       fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		natsURL:       fs.String("nats-url", config.NATSURL, "NATS server for event publishing (overrides $NATS_URL)"),
		twilioWebhook: fs.String("twilio-webhook-url", config.TwilioWebhookURL, "public webhook URL used to validate Twilio signatures (overrides $TWILIO_WEBHOOK_URL)"),
		logLevel:      fs.String("log-level", config.LogLevel, "log level: debug, info, warn or error (overrides $REPLYPIPE_LOG_LEVEL)"),
	}
	if err := fs.Parse(args); err != nil {
		slog.Warn("flag parsing failed", "error", err)
	}

	// DSNs that were derived from the state directory follow a -state-dir override.
	if *flags.stateDir != config.StateDir {
		if *flags.waDSN == defaultWhatsAppDSN(config.StateDir) {
			*flags.waDSN = defaultWhatsAppDSN(*flags.stateDir)
		}
		if *flags.appDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
			*flags.appDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
		}
		slog.Debug("Updated DSNs based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"store", *flags.storeBackend,
		"responder", *flags.responder,
		"transport", *flags.transport,
		"instanceID", *flags.instanceID,
		"apiAddr", *flags.apiAddr)
	return flags
}

// sqlitePath strips the "file:" prefix and query of a SQLite DSN.
func sqlitePath(dsn string) string {
	p := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return p
}

// ensureDirectoriesExist creates the state directory and the parent
// directories of file-based databases.
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	for _, dsn := range []string{*flags.waDSN, *flags.appDSN} {
		if dsn != "" && store.DetectDSNType(dsn) != "postgres" {
			dirs = append(dirs, filepath.Dir(sqlitePath(dsn)))
		}
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.waDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDSN))
	}
	if *flags.logLevel != "" {
		waOpts = append(waOpts, whatsapp.WithLogLevel(*flags.logLevel))
	}
	return waOpts
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.appDSN == "" {
		return storeOpts
	}
	if store.DetectDSNType(*flags.appDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.appDSN))
	} else {
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.appDSN)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.appDSN))
	}
	return storeOpts
}

// backend groups the persistence pieces an instance needs.
type backend struct {
	followUps store.FollowUpStore
	ledgers   store.LedgerRepo
	history   store.HistoryRepo
	pruner    scheduler.Pruner
	close     func() error
}

// openStores opens the configured store. The file backend keeps follow-ups
// as JSON in the state directory and ledgers in memory.
func openStores(flags Flags) (*backend, error) {
	switch *flags.storeBackend {
	case storeMemory:
		mem := store.NewInMemoryStore()
		slog.Warn("Using in-memory store; follow-ups will not survive a restart")
		return &backend{followUps: mem, ledgers: mem, history: mem, pruner: mem, close: mem.Close}, nil
	case storeFile:
		fs, err := store.NewFileStore(filepath.Join(*flags.stateDir, "followups"))
		if err != nil {
			return nil, err
		}
		mem := store.NewInMemoryStore()
		return &backend{followUps: fs, ledgers: mem, history: mem, pruner: mem, close: mem.Close}, nil
	case storeAuto:
	default:
		return nil, fmt.Errorf("unknown store backend %q", *flags.storeBackend)
	}

	opts := buildStoreOptions(flags)
	if len(opts) == 0 {
		return nil, fmt.Errorf("no database DSN configured")
	}
	var db store.Store
	var pruner scheduler.Pruner
	if store.DetectDSNType(*flags.appDSN) == "postgres" {
		pg, err := store.NewPostgresStore(opts...)
		if err != nil {
			return nil, err
		}
		db, pruner = pg, pg
	} else {
		lite, err := store.NewSQLiteStore(opts...)
		if err != nil {
			return nil, err
		}
		db, pruner = lite, lite
	}
	return &backend{followUps: db, ledgers: db, history: db, pruner: pruner, close: db.Close}, nil
}

// buildResponder selects the AI backend and wraps it with retries.
func buildResponder(flags Flags) (responder.Responder, error) {
	var base responder.Responder
	switch *flags.responder {
	case "anthropic":
		r, err := responder.NewAnthropicResponder(responder.AnthropicConfig{APIKey: *flags.anthropicKey})
		if err != nil {
			return nil, err
		}
		base = r
	case "openai", "":
		var opts []responder.OpenAIOption
		if *flags.openaiKey != "" {
			opts = append(opts, responder.WithAPIKey(*flags.openaiKey))
		}
		r, err := responder.NewOpenAIResponder(opts...)
		if err != nil {
			return nil, err
		}
		base = r
	default:
		return nil, fmt.Errorf("unknown responder %q", *flags.responder)
	}
	return responder.NewRetrying(base), nil
}

// eventStack is the dispatcher with its sinks.
type eventStack struct {
	dispatcher *events.Dispatcher
	hub        *events.Hub
	close      func(ctx context.Context) error
}

func buildEvents(flags Flags, reg prometheus.Registerer) (*eventStack, error) {
	hub := events.NewHub(0)
	metrics := events.NewMetricsSink(reg)
	sinks := []events.Sink{events.LogSink{Logger: slog.Default()}, metrics, hub}

	var closeNATS func()
	if *flags.natsURL != "" {
		nc, err := events.ConnectNATS(*flags.natsURL)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, events.NewNATSSink(nc, ""))
		closeNATS = func() {
			if err := nc.Drain(); err != nil {
				slog.Warn("NATS drain failed", "error", err)
			}
		}
	}

	d := events.NewDispatcher(0, sinks...)
	metrics.WatchDropped(d)
	d.Start()
	return &eventStack{
		dispatcher: d,
		hub:        hub,
		close: func(ctx context.Context) error {
			err := d.Close(ctx)
			if closeNATS != nil {
				closeNATS()
			}
			return err
		},
	}, nil
}

// transportStack is the chosen transport plus what main must tear down.
type transportStack struct {
	service messaging.Service
	webhook http.Handler
	close   func()
}

func buildTransport(ctx context.Context, flags Flags) (*transportStack, error) {
	switch *flags.transport {
	case transportWhatsApp:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, err
		}
		return &transportStack{
			service: messaging.NewWhatsAppService(*flags.instanceID, client),
			close:   client.Disconnect,
		}, nil
	case transportTwilio:
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, err
		}
		var opts []messaging.TwilioOption
		if *flags.twilioWebhook != "" {
			opts = append(opts, messaging.WithWebhookValidation(*flags.twilioWebhook))
		} else {
			slog.Warn("No Twilio webhook URL configured; webhook signatures are not checked")
		}
		svc := messaging.NewTwilioService(*flags.instanceID, client, opts...)
		return &transportStack{
			service: svc,
			webhook: http.HandlerFunc(svc.WebhookHandler),
			close:   func() {},
		}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", *flags.transport)
	}
}

// run wires every component and blocks until ctx is cancelled.
func run(ctx context.Context, flags Flags) error {
	if err := ensureDirectoriesExist(flags); err != nil {
		return err
	}
	lock, err := lockfile.Acquire(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	stores, err := openStores(flags)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := stores.close(); err != nil {
			slog.Warn("Store close failed", "error", err)
		}
	}()

	resp, err := buildResponder(flags)
	if err != nil {
		return fmt.Errorf("failed to create responder: %w", err)
	}

	evs, err := buildEvents(flags, prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("failed to set up events: %w", err)
	}

	transport, err := buildTransport(ctx, flags)
	if err != nil {
		evs.close(context.Background())
		return fmt.Errorf("failed to set up transport: %w", err)
	}
	defer transport.close()

	provider := settings.NewProvider(settings.FromEnv())
	inst, err := engine.NewInstance(engine.Config{
		InstanceID: *flags.instanceID,
		Transport:  transport.service,
		Responder:  resp,
		Settings:   provider,
		FollowUps:  stores.followUps,
		Ledgers:    stores.ledgers,
		History:    stores.history,
		Emitter:    evs.dispatcher,
	})
	if err != nil {
		evs.close(context.Background())
		return fmt.Errorf("failed to create instance: %w", err)
	}

	manager := engine.NewManager()
	if err := manager.Add(ctx, inst); err != nil {
		evs.close(context.Background())
		return err
	}

	rm := recovery.NewRecoveryManager()
	for _, r := range manager.Recoverables() {
		rm.RegisterRecoverable(r)
	}
	if err := rm.RecoverAll(ctx); err != nil {
		slog.Error("Recovery incomplete", "error", err)
	}
	totals := rm.GetRegistry().Totals()
	slog.Info("Recovery finished", "loaded", totals.Loaded, "retroactive", totals.Retroactive, "future", totals.Future, "failures", rm.GetRegistry().Failures())

	cron := scheduler.NewScheduler()
	if err := scheduler.RegisterMaintenance(cron, stores.pruner, func() []scheduler.Flusher {
		var out []scheduler.Flusher
		for _, inst := range manager.Instances() {
			out = append(out, inst.FollowUps())
		}
		return out
	}); err != nil {
		slog.Error("Failed to register maintenance jobs", "error", err)
	}

	apiOpts := []api.Option{api.WithSettings(provider), api.WithHub(evs.hub)}
	if transport.webhook != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(transport.webhook))
	}
	serveErr := api.NewServer(manager, apiOpts...).ListenAndServe(ctx, *flags.apiAddr)
	if serveErr != nil {
		slog.Error("API server stopped with error", "error", serveErr)
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	var errs []error
	if err := cron.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("cron: %w", err))
	}
	// Stopping an instance flushes its follow-up store and drains its queue.
	if err := manager.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("instances: %w", err))
	}
	if err := evs.close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("events: %w", err))
	}
	return errors.Join(append([]error{serveErr}, errs...)...)
}
