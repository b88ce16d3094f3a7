package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Helper function tests
// ---------------------------------------------------------------------------

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		setVal   *string // nil = don't set; pointer to distinguish "" from unset
		fallback string
		want     string
	}{
		{name: "returns fallback when unset", key: "CREWLINE_TEST_GETENV_UNSET", setVal: nil, fallback: "default", want: "default"},
		{name: "returns env value when set", key: "CREWLINE_TEST_GETENV_SET", setVal: strPtr("custom"), fallback: "default", want: "custom"},
		{name: "returns fallback when empty string", key: "CREWLINE_TEST_GETENV_EMPTY", setVal: strPtr(""), fallback: "default", want: "default"},
		{name: "preserves whitespace", key: "CREWLINE_TEST_GETENV_WS", setVal: strPtr("  spaced  "), fallback: "x", want: "  spaced  "},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.setVal != nil {
				t.Setenv(tc.key, *tc.setVal)
			}

			got := getEnv(tc.key, tc.fallback)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestGetEnvInt(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		setVal   *string
		fallback int
		want     int
		wantErr  bool
	}{
		{name: "returns fallback when unset", key: "CREWLINE_TEST_INT_UNSET", setVal: nil, fallback: 42, want: 42},
		{name: "parses valid int", key: "CREWLINE_TEST_INT_VALID", setVal: strPtr("8080"), fallback: 0, want: 8080},
		{name: "parses negative int", key: "CREWLINE_TEST_INT_NEG", setVal: strPtr("-1"), fallback: 0, want: -1},
		{name: "parses zero", key: "CREWLINE_TEST_INT_ZERO", setVal: strPtr("0"), fallback: 99, want: 0},
		{name: "returns fallback for empty string", key: "CREWLINE_TEST_INT_EMPTY", setVal: strPtr(""), fallback: 25, want: 25},
		{name: "errors on non-numeric", key: "CREWLINE_TEST_INT_NAN", setVal: strPtr("abc"), fallback: 0, wantErr: true},
		{name: "errors on float", key: "CREWLINE_TEST_INT_FLOAT", setVal: strPtr("3.14"), fallback: 0, wantErr: true},
		{name: "errors on hex", key: "CREWLINE_TEST_INT_HEX", setVal: strPtr("0xFF"), fallback: 0, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.setVal != nil {
				t.Setenv(tc.key, *tc.setVal)
			}

			got, err := getEnvInt(tc.key, tc.fallback)
			if tc.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.key)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		setVal   *string
		fallback bool
		want     bool
		wantErr  bool
	}{
		{name: "returns fallback when unset", key: "CREWLINE_TEST_BOOL_UNSET", setVal: nil, fallback: false, want: false},
		{name: "fallback true when unset", key: "CREWLINE_TEST_BOOL_UNSETTRUE", setVal: nil, fallback: true, want: true},
		{name: "parses true", key: "CREWLINE_TEST_BOOL_TRUE", setVal: strPtr("true"), fallback: false, want: true},
		{name: "parses false", key: "CREWLINE_TEST_BOOL_FALSE", setVal: strPtr("false"), fallback: true, want: false},
		{name: "parses 1", key: "CREWLINE_TEST_BOOL_ONE", setVal: strPtr("1"), fallback: false, want: true},
		{name: "parses 0", key: "CREWLINE_TEST_BOOL_ZERO", setVal: strPtr("0"), fallback: true, want: false},
		{name: "parses TRUE uppercase", key: "CREWLINE_TEST_BOOL_UPPER", setVal: strPtr("TRUE"), fallback: false, want: true},
		{name: "errors on invalid", key: "CREWLINE_TEST_BOOL_INV", setVal: strPtr("yes"), fallback: false, wantErr: true},
		{name: "errors on numeric non-bool", key: "CREWLINE_TEST_BOOL_NUM", setVal: strPtr("2"), fallback: false, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.setVal != nil {
				t.Setenv(tc.key, *tc.setVal)
			}

			got, err := getEnvBool(tc.key, tc.fallback)
			if tc.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.key)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		setVal   *string
		fallback time.Duration
		want     time.Duration
		wantErr  bool
	}{
		{name: "returns fallback when unset", key: "CREWLINE_TEST_DUR_UNSET", setVal: nil, fallback: 5 * time.Second, want: 5 * time.Second},
		{name: "parses seconds", key: "CREWLINE_TEST_DUR_SEC", setVal: strPtr("30s"), fallback: 0, want: 30 * time.Second},
		{name: "parses minutes", key: "CREWLINE_TEST_DUR_MIN", setVal: strPtr("15m"), fallback: 0, want: 15 * time.Minute},
		{name: "parses composite", key: "CREWLINE_TEST_DUR_COMP", setVal: strPtr("1h30m"), fallback: 0, want: 90 * time.Minute},
		{name: "errors on invalid", key: "CREWLINE_TEST_DUR_INV", setVal: strPtr("notaduration"), fallback: 0, wantErr: true},
		{name: "errors on bare number", key: "CREWLINE_TEST_DUR_BARE", setVal: strPtr("30"), fallback: 0, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.setVal != nil {
				t.Setenv(tc.key, *tc.setVal)
			}

			got, err := getEnvDuration(tc.key, tc.fallback)
			if tc.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.key)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

// ---------------------------------------------------------------------------
// Load() error cases
// ---------------------------------------------------------------------------

func TestLoad_InvalidEnvVars(t *testing.T) {
	tests := []struct {
		name   string
		envKey string
		envVal string
		errMsg string
	}{
		// DB_PORT parse errors
		{name: "DB_PORT not a number", envKey: "CREWLINE_DB_PORT", envVal: "abc", errMsg: "CREWLINE_DB_PORT"},
		{name: "DB_PORT float", envKey: "CREWLINE_DB_PORT", envVal: "3.14", errMsg: "CREWLINE_DB_PORT"},

		// DB_PORT validation errors (parses fine, fails bounds)
		{name: "DB_PORT zero", envKey: "CREWLINE_DB_PORT", envVal: "0", errMsg: "CREWLINE_DB_PORT"},
		{name: "DB_PORT negative", envKey: "CREWLINE_DB_PORT", envVal: "-1", errMsg: "CREWLINE_DB_PORT"},
		{name: "DB_PORT too high", envKey: "CREWLINE_DB_PORT", envVal: "65536", errMsg: "CREWLINE_DB_PORT"},

		// DB_MAX_CONNS
		{name: "DB_MAX_CONNS zero", envKey: "CREWLINE_DB_MAX_CONNS", envVal: "0", errMsg: "CREWLINE_DB_MAX_CONNS"},
		{name: "DB_MAX_CONNS not a number", envKey: "CREWLINE_DB_MAX_CONNS", envVal: "many", errMsg: "CREWLINE_DB_MAX_CONNS"},

		// Server timeouts
		{name: "SERVER_READ_TIMEOUT invalid", envKey: "CREWLINE_SERVER_READ_TIMEOUT", envVal: "notduration", errMsg: "CREWLINE_SERVER_READ_TIMEOUT"},
		{name: "SERVER_WRITE_TIMEOUT invalid", envKey: "CREWLINE_SERVER_WRITE_TIMEOUT", envVal: "notduration", errMsg: "CREWLINE_SERVER_WRITE_TIMEOUT"},
		{name: "SERVER_READ_TIMEOUT zero", envKey: "CREWLINE_SERVER_READ_TIMEOUT", envVal: "0s", errMsg: "CREWLINE_SERVER_READ_TIMEOUT"},
		{name: "SERVER_WRITE_TIMEOUT zero", envKey: "CREWLINE_SERVER_WRITE_TIMEOUT", envVal: "0s", errMsg: "CREWLINE_SERVER_WRITE_TIMEOUT"},

		// Rate limit
		{name: "RATE_LIMIT_RPS zero", envKey: "CREWLINE_SERVER_RATE_LIMIT_RPS", envVal: "0", errMsg: "CREWLINE_SERVER_RATE_LIMIT_RPS"},
		{name: "RATE_LIMIT_RPS not a number", envKey: "CREWLINE_SERVER_RATE_LIMIT_RPS", envVal: "fast", errMsg: "CREWLINE_SERVER_RATE_LIMIT_RPS"},

		// Redis
		{name: "REDIS_DB not a number", envKey: "CREWLINE_REDIS_DB", envVal: "abc", errMsg: "CREWLINE_REDIS_DB"},
		{name: "REDIS_ENABLED not a bool", envKey: "CREWLINE_REDIS_ENABLED", envVal: "yes", errMsg: "CREWLINE_REDIS_ENABLED"},

		// Session settings
		{name: "MAX_PARALLEL zero", envKey: "CREWLINE_MAX_PARALLEL_SESSIONS", envVal: "0", errMsg: "CREWLINE_MAX_PARALLEL_SESSIONS"},
		{name: "MAX_PARALLEL negative", envKey: "CREWLINE_MAX_PARALLEL_SESSIONS", envVal: "-2", errMsg: "CREWLINE_MAX_PARALLEL_SESSIONS"},
		{name: "GRACE_PERIOD zero", envKey: "CREWLINE_STOP_GRACE_PERIOD", envVal: "0s", errMsg: "CREWLINE_STOP_GRACE_PERIOD"},
		{name: "GRACE_PERIOD invalid", envKey: "CREWLINE_STOP_GRACE_PERIOD", envVal: "soon", errMsg: "CREWLINE_STOP_GRACE_PERIOD"},
		{name: "CHECKPOINT_EVERY zero", envKey: "CREWLINE_CHECKPOINT_EVERY", envVal: "0", errMsg: "CREWLINE_CHECKPOINT_EVERY"},
		{name: "PENDING_TIMEOUT zero", envKey: "CREWLINE_PENDING_TIMEOUT", envVal: "0s", errMsg: "CREWLINE_PENDING_TIMEOUT"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.envKey, tc.envVal)

			cfg, err := Load()
			require.Error(t, err, "expected error for %s=%q", tc.envKey, tc.envVal)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

// ---------------------------------------------------------------------------
// Load() happy paths
// ---------------------------------------------------------------------------

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Database defaults.
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "crewline", cfg.Database.User)
	assert.Empty(t, cfg.Database.Password)
	assert.Equal(t, "crewline_dev", cfg.Database.DBName)
	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.Equal(t, 25, cfg.Database.MaxConns)

	// Redis defaults (disabled out of the box).
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Empty(t, cfg.Redis.Password)
	assert.Equal(t, 0, cfg.Redis.DB)

	// Server defaults.
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
	assert.InDelta(t, 20.0, cfg.Server.RateLimitRPS, 0.001)

	// Session defaults.
	assert.Equal(t, int64(4), cfg.Session.MaxParallel)
	assert.Equal(t, 10*time.Second, cfg.Session.GracePeriod)
	assert.Equal(t, 20, cfg.Session.CheckpointEvery)
	assert.Equal(t, 10*time.Minute, cfg.Session.PendingTimeout)

	// Worktree default.
	assert.NotEmpty(t, cfg.Worktree.Root)

	// Built-in agent profiles.
	require.Contains(t, cfg.Agents, "claude")
	require.Contains(t, cfg.Agents, "codex")
	require.Contains(t, cfg.Agents, "opencode")
	assert.Equal(t, "stream", cfg.Agents["claude"].Dialect)
	assert.Equal(t, "rpc", cfg.Agents["codex"].Dialect)
	assert.True(t, cfg.Agents["claude"].Resumable)
	assert.False(t, cfg.Agents["codex"].Resumable)
}

func TestLoad_AllCustomValues(t *testing.T) {
	envs := map[string]string{
		// Database
		"CREWLINE_DB_HOST":      "db.prod.internal",
		"CREWLINE_DB_PORT":      "5433",
		"CREWLINE_DB_USER":      "prod_user",
		"CREWLINE_DB_PASSWORD":  "s3cret!",
		"CREWLINE_DB_NAME":      "crewline_prod",
		"CREWLINE_DB_SSLMODE":   "require",
		"CREWLINE_DB_MAX_CONNS": "50",
		// Redis
		"CREWLINE_REDIS_ENABLED":  "true",
		"CREWLINE_REDIS_ADDR":     "redis.prod:6380",
		"CREWLINE_REDIS_PASSWORD": "redis-pass",
		"CREWLINE_REDIS_DB":       "3",
		// Server
		"CREWLINE_SERVER_ADDR":           ":9090",
		"CREWLINE_SERVER_READ_TIMEOUT":   "5s",
		"CREWLINE_SERVER_WRITE_TIMEOUT":  "15s",
		"CREWLINE_SERVER_RATE_LIMIT_RPS": "50",
		// Worktree
		"CREWLINE_WORKTREE_ROOT": "/srv/crewline/worktrees",
		// Session
		"CREWLINE_MAX_PARALLEL_SESSIONS": "8",
		"CREWLINE_STOP_GRACE_PERIOD":     "30s",
		"CREWLINE_CHECKPOINT_EVERY":      "50",
		"CREWLINE_PENDING_TIMEOUT":       "5m",
		// Agent binary override
		"CREWLINE_AGENT_CLAUDE_CMD": "/opt/bin/claude-dev",
	}

	for k, v := range envs {
		t.Setenv(k, v)
	}

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "db.prod.internal", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, "prod_user", cfg.Database.User)
	assert.Equal(t, "s3cret!", cfg.Database.Password)
	assert.Equal(t, "crewline_prod", cfg.Database.DBName)
	assert.Equal(t, "require", cfg.Database.SSLMode)
	assert.Equal(t, 50, cfg.Database.MaxConns)

	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis.prod:6380", cfg.Redis.Addr)
	assert.Equal(t, "redis-pass", cfg.Redis.Password)
	assert.Equal(t, 3, cfg.Redis.DB)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 15*time.Second, cfg.Server.WriteTimeout)
	assert.InDelta(t, 50.0, cfg.Server.RateLimitRPS, 0.001)

	assert.Equal(t, "/srv/crewline/worktrees", cfg.Worktree.Root)

	assert.Equal(t, int64(8), cfg.Session.MaxParallel)
	assert.Equal(t, 30*time.Second, cfg.Session.GracePeriod)
	assert.Equal(t, 50, cfg.Session.CheckpointEvery)
	assert.Equal(t, 5*time.Minute, cfg.Session.PendingTimeout)

	assert.Equal(t, "/opt/bin/claude-dev", cfg.Agents["claude"].Command)
}

// ---------------------------------------------------------------------------
// DSN() output format
// ---------------------------------------------------------------------------

func TestDatabaseConfig_DSN(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  DatabaseConfig
		want string
	}{
		{
			name: "default dev values",
			cfg: DatabaseConfig{
				Host: "localhost", Port: 5432, User: "crewline",
				Password: "", DBName: "crewline_dev", SSLMode: "disable",
			},
			want: "host=localhost port=5432 user=crewline password= dbname=crewline_dev sslmode=disable",
		},
		{
			name: "production values",
			cfg: DatabaseConfig{
				Host: "db.prod", Port: 5433, User: "admin",
				Password: "p@ss!", DBName: "crewline_prod", SSLMode: "require",
			},
			want: "host=db.prod port=5433 user=admin password=p@ss! dbname=crewline_prod sslmode=require",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, tc.cfg.DSN())
		})
	}
}

// ---------------------------------------------------------------------------
// validate() direct tests
// ---------------------------------------------------------------------------

func TestValidate(t *testing.T) {
	t.Parallel()

	// validBase returns a Config that passes validation.
	validBase := func() *Config {
		return &Config{
			Database: DatabaseConfig{Port: 5432, MaxConns: 25},
			Server: ServerConfig{
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 30 * time.Second,
				RateLimitRPS: 20,
			},
			Worktree: WorktreeConfig{Root: "/tmp/worktrees"},
			Session: SessionConfig{
				MaxParallel:     4,
				GracePeriod:     10 * time.Second,
				CheckpointEvery: 20,
				PendingTimeout:  10 * time.Minute,
			},
			Agents: map[string]AgentProfile{
				"claude": {Command: "claude", Dialect: "stream", Transport: "process", Resumable: true, ResumeFlag: "--resume"},
			},
		}
	}

	t.Run("valid config passes", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, validBase().validate())
	})

	t.Run("port 0 fails", func(t *testing.T) {
		t.Parallel()
		c := validBase()
		c.Database.Port = 0
		assert.ErrorContains(t, c.validate(), "CREWLINE_DB_PORT")
	})

	t.Run("port 65535 passes", func(t *testing.T) {
		t.Parallel()
		c := validBase()
		c.Database.Port = 65535
		assert.NoError(t, c.validate())
	})

	t.Run("MaxConns 0 fails", func(t *testing.T) {
		t.Parallel()
		c := validBase()
		c.Database.MaxConns = 0
		assert.ErrorContains(t, c.validate(), "CREWLINE_DB_MAX_CONNS")
	})

	t.Run("MaxParallel 0 fails", func(t *testing.T) {
		t.Parallel()
		c := validBase()
		c.Session.MaxParallel = 0
		assert.ErrorContains(t, c.validate(), "CREWLINE_MAX_PARALLEL_SESSIONS")
	})

	t.Run("GracePeriod 0 fails", func(t *testing.T) {
		t.Parallel()
		c := validBase()
		c.Session.GracePeriod = 0
		assert.ErrorContains(t, c.validate(), "CREWLINE_STOP_GRACE_PERIOD")
	})

	t.Run("CheckpointEvery 0 fails", func(t *testing.T) {
		t.Parallel()
		c := validBase()
		c.Session.CheckpointEvery = 0
		assert.ErrorContains(t, c.validate(), "CREWLINE_CHECKPOINT_EVERY")
	})

	t.Run("empty worktree root fails", func(t *testing.T) {
		t.Parallel()
		c := validBase()
		c.Worktree.Root = ""
		assert.ErrorContains(t, c.validate(), "CREWLINE_WORKTREE_ROOT")
	})

	t.Run("agent with empty command fails", func(t *testing.T) {
		t.Parallel()
		c := validBase()
		c.Agents["bad"] = AgentProfile{Dialect: "rpc", Transport: "process"}
		assert.ErrorContains(t, c.validate(), "command must not be empty")
	})

	t.Run("agent with unknown dialect fails", func(t *testing.T) {
		t.Parallel()
		c := validBase()
		c.Agents["bad"] = AgentProfile{Command: "x", Dialect: "binary", Transport: "process"}
		assert.ErrorContains(t, c.validate(), "dialect")
	})

	t.Run("agent with unknown transport fails", func(t *testing.T) {
		t.Parallel()
		c := validBase()
		c.Agents["bad"] = AgentProfile{Command: "x", Dialect: "rpc", Transport: "carrier-pigeon"}
		assert.ErrorContains(t, c.validate(), "transport")
	})

	t.Run("resumable agent without resume flag fails", func(t *testing.T) {
		t.Parallel()
		c := validBase()
		c.Agents["bad"] = AgentProfile{Command: "x", Dialect: "rpc", Transport: "process", Resumable: true}
		assert.ErrorContains(t, c.validate(), "resume flag")
	})

	t.Run("empty secrets key passes", func(t *testing.T) {
		t.Parallel()
		c := validBase()
		c.Secrets.Key = ""
		assert.NoError(t, c.validate())
		assert.False(t, c.Secrets.Enabled())
	})

	t.Run("valid secrets key passes", func(t *testing.T) {
		t.Parallel()
		c := validBase()
		c.Secrets.Key = strings.Repeat("ab", 32)
		assert.NoError(t, c.validate())
		assert.True(t, c.Secrets.Enabled())

		raw, err := c.Secrets.KeyBytes()
		require.NoError(t, err)
		assert.Len(t, raw, 32)
	})

	t.Run("short secrets key fails", func(t *testing.T) {
		t.Parallel()
		c := validBase()
		c.Secrets.Key = "abcd"
		assert.ErrorContains(t, c.validate(), "CREWLINE_SECRETS_KEY")
	})

	t.Run("non-hex secrets key fails", func(t *testing.T) {
		t.Parallel()
		c := validBase()
		c.Secrets.Key = strings.Repeat("zz", 32)
		assert.ErrorContains(t, c.validate(), "CREWLINE_SECRETS_KEY")
	})
}

// ---------------------------------------------------------------------------
// Test helper
// ---------------------------------------------------------------------------

func strPtr(s string) *string {
	return &s
}
