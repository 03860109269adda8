package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Database: "postgres" or "sqlite"
	DBDriver   string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	SQLitePath string
	DBLogSQL   bool

	ServerPort string
	ServerHost string

	// Fan-out across replicas; empty keeps broadcasting in-process
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Change log retention per canvas (0 keeps everything)
	ChangeLogKeep   int
	CompactInterval time.Duration

	// Session housekeeping
	SessionIdleTimeout time.Duration

	// Discovery
	MDNSEnabled bool
	MDNSService string

	// Observability
	TracingEnabled     bool
	TracingSampleRatio float64
	JaegerEndpoint     string
}

// ClientConfig configures the sketch client.
type ClientConfig struct {
	ServerURL   string // empty means discover over mDNS
	MDNSService string
	MDNSTimeout time.Duration

	CanvasID string
	ClientID string
	UserName string

	OutboxPath string

	BatchSize      int
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	WriteTimeout   time.Duration
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DBDriver:   getEnv("DB_DRIVER", "postgres"),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "sketch"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),
		SQLitePath: getEnv("SQLITE_PATH", "sketch.db"),
		DBLogSQL:   getEnvBool("DB_LOG_SQL", false),

		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		ChangeLogKeep:   getEnvInt("CHANGE_LOG_KEEP", 10000),
		CompactInterval: getEnvDuration("COMPACT_INTERVAL", 10*time.Minute),

		SessionIdleTimeout: getEnvDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),

		MDNSEnabled: getEnvBool("MDNS_ENABLED", false),
		MDNSService: getEnv("MDNS_SERVICE", "_sketch._tcp"),

		TracingEnabled:     getEnvBool("TRACING_ENABLED", false),
		TracingSampleRatio: getEnvFloat("TRACING_SAMPLE_RATIO", 1),
		JaegerEndpoint:     getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
	}

	switch cfg.DBDriver {
	case "postgres", "sqlite":
	default:
		return nil, fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", cfg.DBDriver)
	}
	if cfg.ChangeLogKeep < 0 {
		return nil, fmt.Errorf("CHANGE_LOG_KEEP must not be negative")
	}

	return cfg, nil
}

// LoadClient reads the client settings. canvas and client ids are required.
func LoadClient() (*ClientConfig, error) {
	_ = godotenv.Load()

	cfg := &ClientConfig{
		ServerURL:   getEnv("SKETCH_SERVER_URL", ""),
		MDNSService: getEnv("MDNS_SERVICE", "_sketch._tcp"),
		MDNSTimeout: getEnvDuration("MDNS_TIMEOUT", 5*time.Second),

		CanvasID: getEnv("SKETCH_CANVAS", "default"),
		ClientID: getEnv("SKETCH_CLIENT_ID", ""),
		UserName: getEnv("SKETCH_USER", os.Getenv("USER")),

		OutboxPath: getEnv("SKETCH_OUTBOX", ""),

		BatchSize:      getEnvInt("SYNC_BATCH_SIZE", 32),
		MaxRetries:     getEnvInt("SYNC_MAX_RETRIES", 8),
		InitialBackoff: getEnvDuration("SYNC_INITIAL_BACKOFF", 200*time.Millisecond),
		MaxBackoff:     getEnvDuration("SYNC_MAX_BACKOFF", 10*time.Second),
		WriteTimeout:   getEnvDuration("SYNC_WRITE_TIMEOUT", 5*time.Second),
	}

	if cfg.CanvasID == "" {
		return nil, fmt.Errorf("SKETCH_CANVAS is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("SKETCH_CLIENT_ID is required")
	}
	if cfg.BatchSize <= 0 || cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("invalid sync settings: batch=%d retries=%d", cfg.BatchSize, cfg.MaxRetries)
	}
	if cfg.OutboxPath == "" {
		cfg.OutboxPath = fmt.Sprintf("sketch-%s-%s.outbox", cfg.CanvasID, cfg.ClientID)
	}

	return cfg, nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
