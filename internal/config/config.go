package config

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

type Config struct {
	Port    string
	GinMode string

	// API identity stamped on every response's meta.
	APIVersion string
	Serial     string

	// Storage
	StorageBackend string // "memory" or "postgres"
	DatabaseURL    string
	AttachmentsDir string

	// Secrets
	ServerSecret string // signs attachment read tokens and password reset tokens
	AdminKey     string // guards the /system routes; empty disables them

	// Personal sessions & password rules
	SessionMaxAge             time.Duration
	PasswordMinLength         int
	PasswordMinCharCategories int           // of lowercase/uppercase/digit/symbol
	PasswordPreventReuse      int           // previous hashes refused on change, 0 = off
	PasswordMinAge            time.Duration // minimum delay between changes, 0 = off
	PasswordResetMaxAge       time.Duration

	// Update semantics: lenient mode strips protected fields with a warning
	// instead of failing the call.
	IgnoreProtectedFields bool

	// KeepHistory preserves the previous version of an event on every
	// update or trashing as a headId-linked record.
	KeepHistory bool

	// Limits
	ResultArrayLimit   int
	MethodTimeout      time.Duration
	AttachmentMaxBytes int64

	// Cache
	CacheEnabled bool
	CacheSize    int // entries per namespace

	// Pub/sub; empty NatsURL keeps notifications process-local.
	NatsURL string

	// Access tracking worker pool (lastUsed / calls counters)
	TrackingWorkerPoolSize int
	TrackingBufferSize     int
	TrackingTimeoutSeconds int

	// Database Connection Pool
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // in minutes
	DBConnMaxLifetime int // in minutes

	// Server
	ServerShutdownTimeoutSeconds int
	// PublicDomain enables the username-subdomain path rewrite only for
	// hosts under this domain; empty falls back to a label-count check.
	PublicDomain string

	// Jobs
	StorageRecomputeSchedule string // cron spec for the storage recount

	// Logging
	LogLevel  string
	LogFormat string

	// Settings below come from the YAML config file.
	TrustedApps []TrustedApp                      `yaml:"trusted_apps"`
	EventTypes  map[string]map[string]interface{} `yaml:"event_types"`
	ServiceInfo *ServiceInfo                      `yaml:"service_info"`
}

var AppConfig *Config

func LoadConfig() {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		APIVersion: getEnvOrDefault("API_VERSION", "1.9.0"),
		Serial:     getEnvOrDefault("API_SERIAL", "dev"),

		// Storage
		StorageBackend: getEnvOrDefault("STORAGE_BACKEND", "postgres"),
		DatabaseURL:    getEnvOrDefault("DATABASE_URL", "postgres://localhost/trove?sslmode=disable"),
		AttachmentsDir: getEnvOrDefault("ATTACHMENTS_DIR", "./var/attachments"),

		// Secrets
		ServerSecret: getEnvOrDefault("SERVER_SECRET", ""),
		AdminKey:     getEnvOrDefault("ADMIN_KEY", ""),

		// Sessions & password rules
		SessionMaxAge:             getEnvAsDuration("SESSION_MAX_AGE", 14*24*time.Hour),
		PasswordMinLength:         getEnvAsInt("PASSWORD_MIN_LENGTH", 8),
		PasswordMinCharCategories: getEnvAsInt("PASSWORD_MIN_CHAR_CATEGORIES", 1),
		PasswordPreventReuse:      getEnvAsInt("PASSWORD_PREVENT_REUSE", 0),
		PasswordMinAge:            getEnvAsDuration("PASSWORD_MIN_AGE", 0),
		PasswordResetMaxAge:       getEnvAsDuration("PASSWORD_RESET_MAX_AGE", time.Hour),

		// Update semantics
		IgnoreProtectedFields: getEnvOrDefault("IGNORE_PROTECTED_FIELDS", "false") == "true",
		KeepHistory:           getEnvOrDefault("KEEP_HISTORY", "true") == "true",

		// Limits
		ResultArrayLimit:   getEnvAsInt("RESULT_ARRAY_LIMIT", 10000),
		MethodTimeout:      getEnvAsDuration("METHOD_TIMEOUT", 15*time.Second),
		AttachmentMaxBytes: getEnvAsInt64("ATTACHMENT_MAX_SIZE_MB", 100) * 1024 * 1024,

		// Cache
		CacheEnabled: getEnvOrDefault("CACHE_ENABLED", "true") == "true",
		CacheSize:    getEnvAsInt("CACHE_SIZE", 2000),

		// Pub/sub
		NatsURL: getEnvOrDefault("NATS_URL", ""),

		// Access tracking worker pool
		TrackingWorkerPoolSize: getEnvAsInt("TRACKING_WORKER_POOL_SIZE", 4),
		TrackingBufferSize:     getEnvAsInt("TRACKING_BUFFER_SIZE", 5000),
		TrackingTimeoutSeconds: getEnvAsInt("TRACKING_TIMEOUT_SECONDS", 30),

		// Database Connection Pool
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		// Server
		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),
		PublicDomain:                 getEnvOrDefault("PUBLIC_DOMAIN", ""),

		// Jobs
		StorageRecomputeSchedule: getEnvOrDefault("STORAGE_RECOMPUTE_SCHEDULE", "@daily"),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "debug"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	// Load settings from a configuration file. The file carries structured
	// settings (trusted apps, event type schemas, service info) that do not
	// map well onto environment variables. It is optional unless CONFIG_FILE
	// is set explicitly.
	configFilePath := getEnvOrDefault("CONFIG_FILE", "config.yaml")

	configFile, err := os.Open(configFilePath)
	if err != nil {
		if os.Getenv("CONFIG_FILE") != "" {
			log.Fatalf("Failed to open config file: %v", err)
		}
		log.Printf("No config file at %v, continuing with defaults", configFilePath)
	} else {
		defer configFile.Close()
		log.Printf("Loading config file: %v", configFilePath)
		if err := LoadConfigFile(configFile, AppConfig); err != nil {
			log.Fatalf("Failed to load config file: %v", err)
		}
	}

	if AppConfig.ServerSecret == "" {
		// An ephemeral secret keeps a dev instance working; read tokens then
		// stop verifying across restarts and sibling processes.
		b := make([]byte, 32)
		rand.Read(b)
		AppConfig.ServerSecret = hex.EncodeToString(b)
		log.Println("Warning: SERVER_SECRET is missing, generated an ephemeral one. Set it in production.")
	}

	if AppConfig.AdminKey == "" {
		log.Println("Warning: ADMIN_KEY is missing. The /system routes will reject every request.")
	}

	if len(AppConfig.TrustedApps) == 0 {
		log.Println("Warning: no trusted apps configured. Logins will be rejected; set trusted_apps in the config file.")
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as time.Duration, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int64, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func LoadConfigFile(reader io.Reader, config *Config) error {
	decoder := yaml.NewDecoder(reader)

	if err := decoder.Decode(config); err != nil {
		return err
	}

	return nil
}
