package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/RefillPipe/internal/api"
	"github.com/BTreeMap/RefillPipe/internal/capability"
	"github.com/BTreeMap/RefillPipe/internal/engine"
	"github.com/BTreeMap/RefillPipe/internal/genai"
	"github.com/BTreeMap/RefillPipe/internal/messaging"
	"github.com/BTreeMap/RefillPipe/internal/metrics"
	"github.com/BTreeMap/RefillPipe/internal/store"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for RefillPipe state data
	DefaultStateDir = "/var/lib/refillpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "refillpipe.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := run(flags); err != nil {
		slog.Error("RefillPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("RefillPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StoreBackend string
	DatabaseURL  string
	RedisURL     string
	StateDir     string
	OpenAIKey    string
	OpenAIModel  string
	APIAddr      string
	CatalogFile  string
	IdleTimeout  string
	SMSEnabled   bool
}

// Flags holds command line flag values
type Flags struct {
	storeBackend *string
	dbDSN        *string
	redisURL     *string
	stateDir     *string
	openaiKey    *string
	openaiModel  *string
	apiAddr      *string
	catalogFile  *string
	idleTimeout  *time.Duration
	smsEnabled   *bool
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
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
		StoreBackend: os.Getenv("REFILLPIPE_STORE"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),
		StateDir:     os.Getenv("REFILLPIPE_STATE_DIR"),
		OpenAIKey:    os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:  os.Getenv("OPENAI_MODEL"),
		APIAddr:      os.Getenv("API_ADDR"),
		CatalogFile:  os.Getenv("REFILLPIPE_CATALOG_FILE"),
		IdleTimeout:  os.Getenv("REFILLPIPE_IDLE_TIMEOUT"),
		SMSEnabled:   os.Getenv("TWILIO_ACCOUNT_SID") != "",
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No REFILLPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"REFILLPIPE_STORE", config.StoreBackend,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"REDIS_URL_SET", config.RedisURL != "",
		"REFILLPIPE_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"REFILLPIPE_CATALOG_FILE", config.CatalogFile,
		"SMS_ENABLED", config.SMSEnabled)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	idleDefault := store.DefaultIdleTimeout
	if config.IdleTimeout != "" {
		if d, err := time.ParseDuration(config.IdleTimeout); err == nil {
			idleDefault = d
		} else {
			slog.Warn("Invalid REFILLPIPE_IDLE_TIMEOUT, using default", "value", config.IdleTimeout, "error", err)
		}
	}

	flags := Flags{
		storeBackend: flag.String("store", config.StoreBackend, "session store backend: memory, sqlite, postgres, or redis (overrides $REFILLPIPE_STORE)"),
		dbDSN:        flag.String("db-dsn", config.DatabaseURL, "database DSN for the sqlite/postgres store (overrides $DATABASE_URL)"),
		redisURL:     flag.String("redis-url", config.RedisURL, "Redis URL for the redis store (overrides $REDIS_URL)"),
		stateDir:     flag.String("state-dir", config.StateDir, "state directory for RefillPipe data (overrides $REFILLPIPE_STATE_DIR)"),
		openaiKey:    flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel:  flag.String("openai-model", config.OpenAIModel, "OpenAI model name (overrides $OPENAI_MODEL)"),
		apiAddr:      flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		catalogFile:  flag.String("catalog", config.CatalogFile, "YAML capability catalog file (overrides $REFILLPIPE_CATALOG_FILE)"),
		idleTimeout:  flag.Duration("idle-timeout", idleDefault, "idle duration after which sessions are swept (overrides $REFILLPIPE_IDLE_TIMEOUT)"),
		smsEnabled:   flag.Bool("sms", config.SMSEnabled, "enable the Twilio SMS channel"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"store", *flags.storeBackend,
		"dbDSN_set", *flags.dbDSN != "",
		"redisURL_set", *flags.redisURL != "",
		"stateDir", *flags.stateDir,
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"catalog", *flags.catalogFile,
		"idleTimeout", *flags.idleTimeout,
		"sms", *flags.smsEnabled)

	return flags
}

// buildSessionStore selects and opens the configured session store backend.
func buildSessionStore(flags Flags) (store.SessionStore, error) {
	switch *flags.storeBackend {
	case "", "memory":
		slog.Info("Using in-memory session store")
		return store.NewInMemoryStore(), nil
	case "sqlite":
		dsn := *flags.dbDSN
		if dsn == "" {
			dsn = filepath.Join(*flags.stateDir, DefaultDBFileName)
		}
		slog.Info("Using SQLite session store", "path", dsn)
		return store.NewSQLiteStore(store.WithDSN(dsn))
	case "postgres":
		slog.Info("Using Postgres session store")
		return store.NewPostgresStore(store.WithDSN(*flags.dbDSN))
	case "redis":
		slog.Info("Using Redis session store")
		return store.NewRedisStore(store.WithDSN(*flags.redisURL))
	default:
		slog.Error("Unknown store backend", "store", *flags.storeBackend)
		os.Exit(2)
		return nil, nil
	}
}

func run(flags Flags) error {
	st, err := buildSessionStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	providers, err := capability.NewProviders(capability.WithCatalogPath(*flags.catalogFile))
	if err != nil {
		return err
	}
	registry := engine.NewRegistry()
	if err := capability.RegisterAll(registry, providers); err != nil {
		return err
	}

	genaiClient, err := genai.NewClient(
		genai.WithAPIKey(*flags.openaiKey),
		genai.WithModel(*flags.openaiModel),
	)
	if err != nil {
		return err
	}

	recorder := metrics.NewRecorder()
	eng := engine.New(st, registry,
		genai.NewInterpreter(genaiClient),
		genai.NewRenderer(genaiClient),
		engine.WithMetrics(recorder),
	)

	apiOpts := []api.Option{}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.smsEnabled {
		twilioClient, err := messaging.NewTwilioClient()
		if err != nil {
			return err
		}
		smsService := messaging.NewSMSService(twilioClient)
		defer smsService.Stop()
		webhook := messaging.NewWebhook(eng, smsService, providers.Catalog().PatientIDByPhone)
		apiOpts = append(apiOpts, api.WithWebhook(webhook))
		slog.Info("Twilio SMS channel enabled")
	}

	server := api.NewServer(eng, st, recorder.Handler(), apiOpts...)
	sweeper := store.NewSweeper(st, *flags.idleTimeout, 0)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping RefillPipe with configured modules")
	return server.Run(ctx, sweeper)
}
