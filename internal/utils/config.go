package utils

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ServerPort  string
	JWTSecret   string
	Postgres    PostgresConfig
	Mongo       MongoConfig
	Redis       RedisConfig
	Logging     LoggingConfig
	DalsiAPI    DalsiAPIConfig
	Chat        ChatConfig
	Diagnostics DiagnosticsConfig
}

type PostgresConfig struct {
	DSN               string
	Host              string
	Port              int
	User              string
	Password          string
	Database          string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	ConnectTimeout    time.Duration
}

type MongoConfig struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a Redis address was configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Addr) != ""
}

type LoggingConfig struct {
	Level        string
	Encoding     string
	Development  bool
	EnableCaller bool
	ServiceName  string
}

type DalsiAPIConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Store backends understood by ChatConfig.StoreBackend.
const (
	StoreBackendPostgres = "postgres"
	StoreBackendMongo    = "mongo"
	StoreBackendMemory   = "memory"
)

type ChatConfig struct {
	StoreBackend       string
	ContextWindow      int
	DefaultMaxLength   int
	SideChannelQueue   int
	SideChannelWorkers int
	PersistTimeout     time.Duration
	RateLimitPerMinute int
	StreamTimeout      time.Duration
	// GuestSessionTTL is how long an unused guest session keeps its continuation state.
	GuestSessionTTL time.Duration
}

type DiagnosticsConfig struct {
	Enabled   bool
	MaxLogs   int
	MaxErrors int
}

func LoadConfig() (*Config, error) {
	port := envOrDefault("PORT", "8080")
	jwtSecret := envOrDefault("JWT_SECRET", "dev-secret")

	pgPort, _ := strconv.Atoi(envOrDefault("POSTGRES_PORT", "5432"))
	maxConns := parseInt32(envOrDefault("POSTGRES_MAX_CONNS", "8"), 8)
	minConns := parseInt32(envOrDefault("POSTGRES_MIN_CONNS", "1"), 1)

	logging := LoggingConfig{
		Level:        strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		Encoding:     strings.ToLower(envOrDefault("LOG_ENCODING", "console")),
		Development:  parseBool(envOrDefault("LOG_DEVELOPMENT", "false"), false),
		EnableCaller: parseBool(envOrDefault("LOG_CALLER", "false"), false),
		ServiceName:  envOrDefault("SERVICE_NAME", "dalsi-gateway"),
	}

	redisDB, _ := strconv.Atoi(envOrDefault("REDIS_DB", "0"))

	cfg := &Config{
		ServerPort: port,
		JWTSecret:  jwtSecret,
		Postgres: PostgresConfig{
			DSN:               os.Getenv("POSTGRES_DSN"),
			Host:              envOrDefault("POSTGRES_HOST", "localhost"),
			Port:              pgPort,
			User:              envOrDefault("POSTGRES_USER", "postgres"),
			Password:          envOrDefault("POSTGRES_PASSWORD", "postgres"),
			Database:          envOrDefault("POSTGRES_DB", "dalsi"),
			MaxConns:          maxConns,
			MinConns:          minConns,
			MaxConnLifetime:   parseDuration(envOrDefault("POSTGRES_MAX_CONN_LIFETIME", "1h"), time.Hour),
			MaxConnIdleTime:   parseDuration(envOrDefault("POSTGRES_MAX_CONN_IDLE", "30m"), 30*time.Minute),
			HealthCheckPeriod: parseDuration(envOrDefault("POSTGRES_HEALTH_CHECK_PERIOD", "1m"), time.Minute),
			ConnectTimeout:    parseDuration(envOrDefault("POSTGRES_CONNECT_TIMEOUT", "5s"), 5*time.Second),
		},
		Mongo: MongoConfig{
			URI:            envOrDefault("MONGO_URI", "mongodb://localhost:27017"),
			Database:       envOrDefault("MONGO_DATABASE", "dalsi"),
			ConnectTimeout: parseDuration(envOrDefault("MONGO_CONNECT_TIMEOUT", "5s"), 5*time.Second),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logging: logging,
		DalsiAPI: DalsiAPIConfig{
			BaseURL: strings.TrimRight(envOrDefault("DALSI_API_URL", "https://api.neodalsi.com"), "/"),
			APIKey:  strings.TrimSpace(os.Getenv("DALSI_API_KEY")),
			Timeout: parseDuration(envOrDefault("DALSI_API_TIMEOUT", "30s"), 30*time.Second),
		},
		Chat: ChatConfig{
			StoreBackend:       strings.ToLower(envOrDefault("CHAT_STORE", StoreBackendPostgres)),
			ContextWindow:      parsePositiveInt(envOrDefault("CHAT_CONTEXT_WINDOW", "10"), 10),
			DefaultMaxLength:   parsePositiveInt(envOrDefault("CHAT_MAX_LENGTH", "2048"), 2048),
			SideChannelQueue:   parsePositiveInt(envOrDefault("CHAT_PERSIST_QUEUE", "256"), 256),
			SideChannelWorkers: parsePositiveInt(envOrDefault("CHAT_PERSIST_WORKERS", "1"), 1),
			PersistTimeout:     parseDuration(envOrDefault("CHAT_PERSIST_TIMEOUT", "5s"), 5*time.Second),
			RateLimitPerMinute: parsePositiveInt(envOrDefault("CHAT_RATE_LIMIT_PER_MINUTE", "60"), 60),
			StreamTimeout:      parseDuration(envOrDefault("CHAT_STREAM_TIMEOUT", "2m"), 2*time.Minute),
			GuestSessionTTL:    parseDuration(envOrDefault("CHAT_GUEST_SESSION_TTL", "30m"), 30*time.Minute),
		},
		Diagnostics: DiagnosticsConfig{
			Enabled:   parseBool(envOrDefault("DIAGNOSTICS_ENABLED", "true"), true),
			MaxLogs:   parsePositiveInt(envOrDefault("DIAGNOSTICS_MAX_LOGS", "100"), 100),
			MaxErrors: parsePositiveInt(envOrDefault("DIAGNOSTICS_MAX_ERRORS", "20"), 20),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Chat.StoreBackend {
	case StoreBackendPostgres, StoreBackendMongo, StoreBackendMemory:
	default:
		return fmt.Errorf("config: unknown CHAT_STORE %q", c.Chat.StoreBackend)
	}

	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("config: JWT_SECRET must not be empty")
	}

	return nil
}

func (c PostgresConfig) BuildDSN() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, c.Database)
}

func envOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt32(value string, fallback int32) int32 {
	i, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return int32(i)
}

func parseBool(value string, fallback bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return v
}

func parsePositiveInt(raw string, fallback int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
