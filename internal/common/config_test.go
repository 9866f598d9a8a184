package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("DB_URL", "postgres://records@localhost/records")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, int32(20), cfg.Database.MaxConns)
	assert.Equal(t, 3, cfg.Queue.DefaultMaxAttempts)
	assert.Equal(t, 5, cfg.Queue.HighPriorityThreshold)
	assert.Equal(t, "local", cfg.Queue.Dispatcher)
	assert.Equal(t, time.Second, cfg.Queue.PollInterval)
	assert.Equal(t, "eng", cfg.OCR.Language)
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: sqlite
  dsn: /tmp/records.db
queue:
  workers: 6
  default_max_attempts: 5
log:
  level: debug
`), 0o600))
	t.Setenv("QUEUE_WORKERS", "8")
	t.Setenv("QUEUE_POLL_INTERVAL", "250ms")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/tmp/records.db", cfg.Database.DSN)
	assert.Equal(t, 8, cfg.Queue.Workers, "env wins over file")
	assert.Equal(t, 5, cfg.Queue.DefaultMaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.PollInterval)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Database: DatabaseConfig{Driver: "sqlite", DSN: "memory"},
			Server:   ServerConfig{HTTPAddr: ":8081"},
			Queue:    QueueConfig{Dispatcher: "local", DefaultMaxAttempts: 3},
			Auth:     AuthConfig{JWTSecret: "s3cret"},
			LLM:      LLMConfig{APIKey: "sk-test"},
		}
	}
	require.NoError(t, valid().ValidateServer())
	require.NoError(t, valid().ValidateWorker())

	tests := []struct {
		name   string
		mutate func(*Config)
		check  func(*Config) error
	}{
		{"missing dsn", func(c *Config) { c.Database.DSN = "" }, (*Config).Validate},
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }, (*Config).Validate},
		{"zero attempts", func(c *Config) { c.Queue.DefaultMaxAttempts = 0 }, (*Config).Validate},
		{"amqp without url", func(c *Config) { c.Queue.Dispatcher = "amqp" }, (*Config).Validate},
		{"no listeners", func(c *Config) { c.Server = ServerConfig{} }, (*Config).ValidateServer},
		{"no jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }, (*Config).ValidateServer},
		{"no llm key", func(c *Config) { c.LLM.APIKey = "" }, (*Config).ValidateWorker},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := tt.check(cfg)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}
