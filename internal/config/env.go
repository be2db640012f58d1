package config

import (
	"errors"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/markdave123-py/Sleuth/internal/core"
)

const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

type Config struct {
	Port           string
	StorageBackend string
	DatabaseURL    string
	SSLCertPath    string
	SQLitePath     string

	GeminiAPIKey    string
	GenModel        string
	ChatTemperature float32
	ChatMaxTokens   int32
	UseMockLLM      bool

	ParallelAPIKey        string
	ParallelBaseURL       string
	ParallelProcessor     string
	ParallelEnableEvents  bool
	ParallelWebhookURL    string
	ParallelWebhookSecret string

	JWTSecret         string
	CORSOrigins       []string
	MaxActiveSessions int

	AwsAccessKey string
	AwsSecretKey string
	AwsRegion    string
	BucketName   string

	SweepInterval  time.Duration
	SweepPollAfter time.Duration
	StaleRunAfter  time.Duration
	SweepWorkers   int

	LogLevel  string
	LogFormat string
}

// LoadConfig loads the environment variables and return config
func LoadConfig() *Config {

	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		StorageBackend: strings.ToLower(getEnv("STORAGE_BACKEND", BackendMemory)),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		SSLCertPath:    getEnv("SSL_CERT_PATH", ""),
		SQLitePath:     getEnv("SQLITE_PATH", "sleuth.db"),

		GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),
		GenModel:        getEnv("GEN_MODEL", "gemini-1.5-flash"),
		ChatTemperature: float32(getEnvFloat("CHAT_TEMPERATURE", 0.7)),
		ChatMaxTokens:   int32(getEnvInt("CHAT_MAX_TOKENS", 2048)),
		UseMockLLM:      getEnvBool("USE_MOCK_LLM", false),

		ParallelAPIKey:        getEnv("PARALLEL_API_KEY", ""),
		ParallelBaseURL:       getEnv("PARALLEL_BASE_URL", "https://api.parallel.ai"),
		ParallelProcessor:     getEnv("PARALLEL_PROCESSOR", "core"),
		ParallelEnableEvents:  getEnvBool("PARALLEL_ENABLE_EVENTS", true),
		ParallelWebhookURL:    getEnv("PARALLEL_WEBHOOK_URL", ""),
		ParallelWebhookSecret: getEnv("PARALLEL_WEBHOOK_SECRET", ""),

		JWTSecret:         getEnv("JWT_SECRET", ""),
		CORSOrigins:       getEnvList("CORS_ORIGINS", []string{"*"}),
		MaxActiveSessions: getEnvInt("MAX_ACTIVE_SESSIONS", 0),

		AwsAccessKey: getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey: getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:    getEnv("AWS_REGION", "us-east-2"),
		BucketName:   getEnv("BUCKET_NAME", ""),

		SweepInterval:  getEnvDuration("SWEEP_INTERVAL", time.Minute),
		SweepPollAfter: getEnvDuration("SWEEP_POLL_AFTER", 15*time.Minute),
		StaleRunAfter:  getEnvDuration("STALE_RUN_AFTER", 2*time.Hour),
		SweepWorkers:   getEnvInt("SWEEP_WORKERS", 4),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	return cfg
}

// Validate reports the first missing credential as a ConfigurationError.
func (c *Config) Validate() error {
	const op = "config.Validate"
	switch c.StorageBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return core.E(core.KindConfiguration, op, errors.New("DATABASE_URL not set"))
		}
	case BackendSQLite, BackendMemory:
	default:
		return core.Errorf(core.KindConfiguration, op, "unknown STORAGE_BACKEND %q", c.StorageBackend)
	}
	if !c.UseMockLLM && c.GeminiAPIKey == "" {
		return core.E(core.KindConfiguration, op, errors.New("GEMINI_API_KEY not set"))
	}
	if c.ParallelAPIKey == "" {
		return core.E(core.KindConfiguration, op, errors.New("PARALLEL_API_KEY not set"))
	}
	if c.JWTSecret == "" {
		return core.E(core.KindConfiguration, op, errors.New("JWT_SECRET not set"))
	}
	return nil
}

// ArchiveEnabled reports whether research results are copied to object storage.
func (c *Config) ArchiveEnabled() bool {
	return c.BucketName != "" && c.AwsAccessKey != "" && c.AwsSecretKey != ""
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("WARN: %s=%q not an int, using default %d", key, v, def)
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 32)
	if err != nil {
		log.Printf("WARN: %s=%q not a number, using default %v", key, v, def)
		return def
	}
	return f
}

func getEnvBool(key string, def bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("WARN: %s=%q not a bool, using default %v", key, v, def)
		return def
	}
	return b
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("WARN: %s=%q not a duration, using default %s", key, v, def)
		return def
	}
	return d
}

func getEnvList(key string, def []string) []string {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
