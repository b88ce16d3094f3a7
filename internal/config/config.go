package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds all daemon configuration loaded from environment variables.
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	Server   ServerConfig
	Worktree WorktreeConfig
	Session  SessionConfig
	Secrets  SecretsConfig
	Agents   map[string]AgentProfile
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string //nolint:gosec // G117: DB connection config
	DBName   string
	SSLMode  string
	MaxConns int
}

// RedisConfig holds the optional pub/sub mirror settings. When Enabled is
// false the daemon runs without Redis and events stay in-process.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string //nolint:gosec // G117: Redis connection config
	DB       int
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
	RateLimitRPS float64
}

// WorktreeConfig holds git worktree isolation settings.
type WorktreeConfig struct {
	Root string
}

// SecretsConfig holds the encrypted credential store settings. Key is the
// hex-encoded 32-byte AES key. When Key is empty, credential storage is
// disabled and agents only inherit the daemon's own environment.
type SecretsConfig struct {
	File string
	Key  string //nolint:gosec // G117: key material config, validated at load
}

// Enabled reports whether an encryption key is configured.
func (c *SecretsConfig) Enabled() bool {
	return c.Key != ""
}

// KeyBytes decodes the hex key. Callers check Enabled first.
func (c *SecretsConfig) KeyBytes() ([]byte, error) {
	raw, err := hex.DecodeString(c.Key)
	if err != nil {
		return nil, fmt.Errorf("decoding CREWLINE_SECRETS_KEY: %w", err)
	}
	return raw, nil
}

// SessionConfig holds session scheduling and lifecycle settings.
type SessionConfig struct {
	MaxParallel     int64
	GracePeriod     time.Duration
	CheckpointEvery int
	PendingTimeout  time.Duration
}

// AgentProfile describes how to launch one agent backend.
type AgentProfile struct {
	Command     string
	Args        []string
	Dialect     string // "rpc" or "stream"
	Transport   string // "process" or "mailbox"
	RequiredEnv []string
	Resumable   bool
	ResumeFlag  string // appended with the resume token when resuming
}

// Load reads configuration from environment variables.
// Defaults are safe for local development only.
func Load() (*Config, error) {
	dbPort, err := getEnvInt("CREWLINE_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	dbMaxConns, err := getEnvInt("CREWLINE_DB_MAX_CONNS", 25)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	redisEnabled, err := getEnvBool("CREWLINE_REDIS_ENABLED", false)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	redisDB, err := getEnvInt("CREWLINE_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	readTimeout, err := getEnvDuration("CREWLINE_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	writeTimeout, err := getEnvDuration("CREWLINE_SERVER_WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	rateLimitRPS, err := getEnvFloat("CREWLINE_SERVER_RATE_LIMIT_RPS", 20)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	maxParallel, err := getEnvInt("CREWLINE_MAX_PARALLEL_SESSIONS", 4)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	gracePeriod, err := getEnvDuration("CREWLINE_STOP_GRACE_PERIOD", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	checkpointEvery, err := getEnvInt("CREWLINE_CHECKPOINT_EVERY", 20)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	pendingTimeout, err := getEnvDuration("CREWLINE_PENDING_TIMEOUT", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	corsOrigins := getEnvList("CREWLINE_CORS_ORIGINS", []string{"http://localhost:5173"})

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("CREWLINE_DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("CREWLINE_DB_USER", "crewline"),
			Password: getEnv("CREWLINE_DB_PASSWORD", ""),
			DBName:   getEnv("CREWLINE_DB_NAME", "crewline_dev"),
			SSLMode:  getEnv("CREWLINE_DB_SSLMODE", "disable"),
			MaxConns: dbMaxConns,
		},
		Redis: RedisConfig{
			Enabled:  redisEnabled,
			Addr:     getEnv("CREWLINE_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("CREWLINE_REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Server: ServerConfig{
			Addr:         getEnv("CREWLINE_SERVER_ADDR", ":8080"),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			CORSOrigins:  corsOrigins,
			RateLimitRPS: rateLimitRPS,
		},
		Worktree: WorktreeConfig{
			Root: getEnv("CREWLINE_WORKTREE_ROOT", defaultWorktreeRoot()),
		},
		Session: SessionConfig{
			MaxParallel:     int64(maxParallel),
			GracePeriod:     gracePeriod,
			CheckpointEvery: checkpointEvery,
			PendingTimeout:  pendingTimeout,
		},
		Secrets: SecretsConfig{
			File: getEnv("CREWLINE_SECRETS_FILE", defaultSecretsFile()),
			Key:  getEnv("CREWLINE_SECRETS_KEY", ""),
		},
		Agents: defaultAgents(),
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// defaultAgents builds the built-in agent profiles. The binary for each
// profile can be overridden with CREWLINE_AGENT_<NAME>_CMD.
func defaultAgents() map[string]AgentProfile {
	agents := map[string]AgentProfile{
		"claude": {
			Command:     "claude",
			Args:        []string{"--output-format", "stream-json", "--input-format", "stream-json", "--verbose", "-p"},
			Dialect:     "stream",
			Transport:   "process",
			RequiredEnv: []string{"ANTHROPIC_API_KEY"},
			Resumable:   true,
			ResumeFlag:  "--resume",
		},
		"codex": {
			Command:     "codex",
			Args:        []string{"proto"},
			Dialect:     "rpc",
			Transport:   "process",
			RequiredEnv: []string{"OPENAI_API_KEY"},
			Resumable:   false,
		},
		"opencode": {
			Command:    "opencode",
			Args:       []string{"run", "--format", "json"},
			Dialect:    "stream",
			Transport:  "process",
			Resumable:  true,
			ResumeFlag: "--session",
		},
	}
	for name, profile := range agents {
		key := "CREWLINE_AGENT_" + strings.ToUpper(name) + "_CMD"
		if cmd := os.Getenv(key); cmd != "" {
			profile.Command = cmd
			agents[name] = profile
		}
	}
	return agents
}

func defaultWorktreeRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".crewline/worktrees"
	}
	return home + "/.crewline/worktrees"
}

func defaultSecretsFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".crewline/credentials.json"
	}
	return home + "/.crewline/credentials.json"
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	if c.Database.SSLMode == "disable" {
		log.Warn().Msg("CREWLINE_DB_SSLMODE=disable is insecure for production; set to 'require' or 'verify-full'")
	}

	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("CREWLINE_DB_PORT must be 1-65535, got %d", c.Database.Port)
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("CREWLINE_DB_MAX_CONNS must be >= 1, got %d", c.Database.MaxConns)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("CREWLINE_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("CREWLINE_SERVER_WRITE_TIMEOUT must be positive, got %s", c.Server.WriteTimeout)
	}
	if c.Server.RateLimitRPS <= 0 {
		return fmt.Errorf("CREWLINE_SERVER_RATE_LIMIT_RPS must be positive, got %g", c.Server.RateLimitRPS)
	}
	if c.Session.MaxParallel < 1 {
		return fmt.Errorf("CREWLINE_MAX_PARALLEL_SESSIONS must be >= 1, got %d", c.Session.MaxParallel)
	}
	if c.Session.GracePeriod <= 0 {
		return fmt.Errorf("CREWLINE_STOP_GRACE_PERIOD must be positive, got %s", c.Session.GracePeriod)
	}
	if c.Session.CheckpointEvery < 1 {
		return fmt.Errorf("CREWLINE_CHECKPOINT_EVERY must be >= 1, got %d", c.Session.CheckpointEvery)
	}
	if c.Session.PendingTimeout <= 0 {
		return fmt.Errorf("CREWLINE_PENDING_TIMEOUT must be positive, got %s", c.Session.PendingTimeout)
	}
	if c.Worktree.Root == "" {
		return fmt.Errorf("CREWLINE_WORKTREE_ROOT must not be empty")
	}
	if c.Secrets.Key != "" {
		raw, err := hex.DecodeString(c.Secrets.Key)
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("CREWLINE_SECRETS_KEY must be 64 hex characters (32 bytes)")
		}
	}

	for name, profile := range c.Agents {
		if profile.Command == "" {
			return fmt.Errorf("agent %q: command must not be empty", name)
		}
		switch profile.Dialect {
		case "rpc", "stream":
		default:
			return fmt.Errorf("agent %q: dialect must be 'rpc' or 'stream', got %q", name, profile.Dialect)
		}
		switch profile.Transport {
		case "process", "mailbox":
		default:
			return fmt.Errorf("agent %q: transport must be 'process' or 'mailbox', got %q", name, profile.Transport)
		}
		if profile.Resumable && profile.ResumeFlag == "" {
			return fmt.Errorf("agent %q: resumable profile needs a resume flag", name)
		}
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as float: %w", key, v, err)
	}
	return f, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q as bool: %w", key, v, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
