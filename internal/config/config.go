package config

import (
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Config holds all application configuration loaded from environment
// variables. All fields have sensible defaults if environment variables
// are not set.
type Config struct {
	// Port is the HTTP server listen port (default: 3090).
	Port string

	// BasePath is the URL base path for reverse proxy setups (default: "/").
	BasePath string

	// BasePathSource indicates where the base path came from: "environment", "database", or "default".
	BasePathSource string

	// LogLevel controls logging verbosity: "debug", "info", "error" (default: "info").
	LogLevel string

	// DataDir is the directory for persistent data (database, logs, backups).
	DataDir string

	// DatabasePath is the SQLite database file path (default: <DataDir>/eventbroker.db).
	DatabasePath string

	// LogDir is the directory for log files (default: <DataDir>/logs).
	LogDir string

	// --- EventBus tunables (spec.md §4.1) ---

	// BusQueueSize bounds the ingress queue; Emit falls back to inline
	// processing when full (default 10000).
	BusQueueSize int

	// BusWorkerCount is the number of workers dequeuing the ingress queue.
	BusWorkerCount int

	// --- SessionManager tunables (spec.md §4.4) ---

	SessionGlobalMax   int
	SessionPerUserMax  int
	SessionIdleTimeout time.Duration
	SessionPingTimeout time.Duration

	// --- MessageBatcher tunables (spec.md §4.3) ---

	BatcherMaxCount             int
	BatcherMaxBytes             int
	BatcherTimeout              time.Duration
	BatcherCompressionThreshold int
	BatcherQueueBound           int
	BatcherLoadThreshold        float64

	// --- DeliveryTracker tunables (spec.md §4.5) ---

	DeliveryMaxAttempts int
	DeliveryBaseBackoff time.Duration
	DeliverySweepPeriod time.Duration

	// --- Retention tunables (spec.md §3, §4.5, §4.7) ---

	RetentionEventDays    int
	RetentionDeliveryDays int

	// --- ReplayEngine tunables (spec.md §4.6) ---

	ReplayMaxRangeDays int
	ReplayMaxSpeed     int

	// --- CriticalNotifier tunables (spec.md §4.7) ---

	EscalationDefaultTimeout time.Duration
}

// Global singleton, following the teacher's ambient-config pattern; this
// is a process-wide concern outside spec.md §9's anti-singleton guidance
// for the five CORE components (see DESIGN.md).
var cfg *Config

// Load reads configuration from environment variables with sensible
// defaults. Should be called once at application startup.
func Load() *Config {
	basePath := getEnvOrDefault("EVENTBROKER_BASE_PATH", "")
	basePathSource := "default"

	if basePath != "" {
		basePathSource = "environment"
	} else {
		basePath = "/"
	}

	if basePath != "/" {
		if !strings.HasPrefix(basePath, "/") {
			basePath = "/" + basePath
		}
		basePath = strings.TrimSuffix(basePath, "/")
	}

	dataDir := getEnvOrDefault("EVENTBROKER_DATA_DIR", "")
	if dataDir == "" {
		if info, err := os.Stat("/config"); err == nil && info.IsDir() {
			dataDir = "/config"
		} else if execPath, err := os.Executable(); err == nil {
			dataDir = filepath.Join(filepath.Dir(execPath), "config")
		} else if cwd, err := os.Getwd(); err == nil {
			dataDir = filepath.Join(cwd, "config")
		} else {
			dataDir = "./config"
		}
	}

	if absDataDir, err := filepath.Abs(dataDir); err == nil {
		dataDir = absDataDir
	}
	os.MkdirAll(dataDir, 0755)

	dbPath := getEnvOrDefault("EVENTBROKER_DATABASE_PATH", "")
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "eventbroker.db")
	}

	logDir := filepath.Join(dataDir, "logs")
	os.MkdirAll(logDir, 0755)

	cfg = &Config{
		Port:           getEnvOrDefault("EVENTBROKER_PORT", "3090"),
		BasePath:       basePath,
		BasePathSource: basePathSource,
		LogLevel:       strings.ToLower(getEnvOrDefault("EVENTBROKER_LOG_LEVEL", "info")),
		DataDir:        dataDir,
		DatabasePath:   dbPath,
		LogDir:         logDir,

		BusQueueSize:   getEnvIntOrDefault("EVENTBROKER_BUS_QUEUE_SIZE", 10000),
		BusWorkerCount: getEnvIntOrDefault("EVENTBROKER_BUS_WORKER_COUNT", 8),

		SessionGlobalMax:   getEnvIntOrDefault("EVENTBROKER_SESSION_GLOBAL_MAX", 500),
		SessionPerUserMax:  getEnvIntOrDefault("EVENTBROKER_SESSION_PER_USER_MAX", 10),
		SessionIdleTimeout: getEnvDurationOrDefault("EVENTBROKER_SESSION_IDLE_TIMEOUT", 5*time.Minute),
		SessionPingTimeout: getEnvDurationOrDefault("EVENTBROKER_SESSION_PING_TIMEOUT", 5*time.Minute),

		BatcherMaxCount:             getEnvIntOrDefault("EVENTBROKER_BATCHER_MAX_COUNT", 50),
		BatcherMaxBytes:             getEnvIntOrDefault("EVENTBROKER_BATCHER_MAX_BYTES", 64*1024),
		BatcherTimeout:              getEnvDurationOrDefault("EVENTBROKER_BATCHER_TIMEOUT", time.Second),
		BatcherCompressionThreshold: getEnvIntOrDefault("EVENTBROKER_BATCHER_COMPRESSION_THRESHOLD", 1024),
		BatcherQueueBound:           getEnvIntOrDefault("EVENTBROKER_BATCHER_QUEUE_BOUND", 1000),
		BatcherLoadThreshold:        getEnvFloatOrDefault("EVENTBROKER_BATCHER_LOAD_THRESHOLD", 0.8),

		DeliveryMaxAttempts: getEnvIntOrDefault("EVENTBROKER_DELIVERY_MAX_ATTEMPTS", 3),
		DeliveryBaseBackoff: getEnvDurationOrDefault("EVENTBROKER_DELIVERY_BASE_BACKOFF", 5*time.Minute),
		DeliverySweepPeriod: getEnvDurationOrDefault("EVENTBROKER_DELIVERY_SWEEP_PERIOD", 5*time.Minute),

		RetentionEventDays:    getEnvIntOrDefault("EVENTBROKER_RETENTION_EVENT_DAYS", 30),
		RetentionDeliveryDays: getEnvIntOrDefault("EVENTBROKER_RETENTION_DELIVERY_DAYS", 30),

		ReplayMaxRangeDays: getEnvIntOrDefault("EVENTBROKER_REPLAY_MAX_RANGE_DAYS", 7),
		ReplayMaxSpeed:     getEnvIntOrDefault("EVENTBROKER_REPLAY_MAX_SPEED", 10),

		EscalationDefaultTimeout: getEnvDurationOrDefault("EVENTBROKER_ESCALATION_DEFAULT_TIMEOUT", 300*time.Second),
	}

	switch cfg.LogLevel {
	case "debug", "info", "error":
	default:
		cfg.LogLevel = "info"
	}

	return cfg
}

// LoadBasePathFromDB loads the base path from the database if not set via
// environment. Should be called after the database is initialized.
func LoadBasePathFromDB(db *sql.DB) {
	if cfg == nil {
		return
	}
	if cfg.BasePathSource == "environment" {
		return
	}

	var basePath string
	err := db.QueryRow("SELECT value FROM settings WHERE key = 'base_path'").Scan(&basePath)
	if err != nil || basePath == "" {
		return
	}

	if basePath != "/" {
		if !strings.HasPrefix(basePath, "/") {
			basePath = "/" + basePath
		}
		basePath = strings.TrimSuffix(basePath, "/")
	}

	cfg.BasePath = basePath
	cfg.BasePathSource = "database"
}

// Get returns the current configuration. Panics if Load() hasn't been called.
func Get() *Config {
	if cfg == nil {
		panic("config.Load() must be called before config.Get()")
	}
	return cfg
}

// SetForTesting allows tests to set the global config without calling
// Load(). This should ONLY be used in test code.
func SetForTesting(c *Config) {
	cfg = c
}

// NewTestConfig returns a minimal Config suitable for unit tests.
func NewTestConfig() *Config {
	return &Config{
		Port:           "8080",
		BasePath:       "/",
		BasePathSource: "test",
		LogLevel:       "debug",
		DataDir:        "/tmp/eventbroker-test",
		DatabasePath:   "/tmp/eventbroker-test/eventbroker.db",
		LogDir:         "/tmp/eventbroker-test/logs",

		BusQueueSize:   1000,
		BusWorkerCount: 2,

		SessionGlobalMax:   500,
		SessionPerUserMax:  10,
		SessionIdleTimeout: 5 * time.Minute,
		SessionPingTimeout: 5 * time.Minute,

		BatcherMaxCount:             50,
		BatcherMaxBytes:             64 * 1024,
		BatcherTimeout:              time.Second,
		BatcherCompressionThreshold: 1024,
		BatcherQueueBound:           1000,
		BatcherLoadThreshold:        0.8,

		DeliveryMaxAttempts: 3,
		DeliveryBaseBackoff: 5 * time.Minute,
		DeliverySweepPeriod: 5 * time.Minute,

		RetentionEventDays:    30,
		RetentionDeliveryDays: 30,

		ReplayMaxRangeDays: 7,
		ReplayMaxSpeed:     10,

		EscalationDefaultTimeout: 300 * time.Second,
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// FlagOverrides holds command-line flag values that can override
// environment variables.
type FlagOverrides struct {
	Port         *string
	BasePath     *string
	LogLevel     *string
	DataDir      *string
	DatabasePath *string
}

// ApplyFlags applies command-line flag overrides to the configuration.
// Should be called after Load() and after flag parsing.
func ApplyFlags(flags FlagOverrides) {
	if cfg == nil {
		return
	}

	if flags.Port != nil && *flags.Port != "" {
		cfg.Port = *flags.Port
	}
	if flags.BasePath != nil && *flags.BasePath != "" {
		basePath := *flags.BasePath
		if basePath != "/" {
			if !strings.HasPrefix(basePath, "/") {
				basePath = "/" + basePath
			}
			basePath = strings.TrimSuffix(basePath, "/")
		}
		cfg.BasePath = basePath
		cfg.BasePathSource = "flag"
	}
	if flags.LogLevel != nil && *flags.LogLevel != "" {
		cfg.LogLevel = strings.ToLower(*flags.LogLevel)
	}
	if flags.DataDir != nil && *flags.DataDir != "" {
		cfg.DataDir = *flags.DataDir
	}
	if flags.DatabasePath != nil && *flags.DatabasePath != "" {
		cfg.DatabasePath = *flags.DatabasePath
	}
}
