package common

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/lpernett/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	OCR       OCRConfig       `mapstructure:"ocr"`
	LLM       LLMConfig       `mapstructure:"llm"`
	NLP       NLPConfig       `mapstructure:"nlp"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Log       LogConfig       `mapstructure:"log"`
}

// DatabaseConfig holds database-related configuration.
// Driver is "postgres" (DSN is a pgx URL) or "sqlite" (DSN is a file path or "memory").
type DatabaseConfig struct {
	Driver           string        `mapstructure:"driver"`
	DSN              string        `mapstructure:"dsn"`
	MaxConns         int32         `mapstructure:"max_conns"`
	MinConns         int32         `mapstructure:"min_conns"`
	MaxConnLifetime  time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime  time.Duration `mapstructure:"max_conn_idle_time"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
	AutoMigrate      bool          `mapstructure:"auto_migrate"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	GRPCAddr        string        `mapstructure:"grpc_addr"`
	HTTPAddr        string        `mapstructure:"http_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// OCRConfig holds OCR-related configuration
type OCRConfig struct {
	HeicConverter string `mapstructure:"heic_converter"`
	TessdataDir   string `mapstructure:"tessdata_dir"`
	Language      string `mapstructure:"language"`
}

// LLMConfig holds LLM-related configuration
type LLMConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Model        string        `mapstructure:"model"`
	APIKey       string        `mapstructure:"api_key"`
	Temperature  float32       `mapstructure:"temperature"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RequestsPerS float64       `mapstructure:"requests_per_second"`
	Lenient      bool          `mapstructure:"lenient"`
}

// NLPConfig points at the medical NLP service used for entity extraction
// and terminology validation.
type NLPConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout"`
	MinScore float64       `mapstructure:"min_score"`
}

// QueueConfig holds processing queue configuration
type QueueConfig struct {
	Dispatcher            string        `mapstructure:"dispatcher"` // "local" or "amqp"
	Workers               int           `mapstructure:"workers"`
	QueueSize             int           `mapstructure:"queue_size"`
	ProcessTimeout        time.Duration `mapstructure:"process_timeout"`
	DefaultMaxAttempts    int           `mapstructure:"default_max_attempts"`
	HighPriorityThreshold int           `mapstructure:"high_priority_threshold"`
	SweepInterval         time.Duration `mapstructure:"sweep_interval"`
	PollInterval          time.Duration `mapstructure:"poll_interval"`
	PollMaxAttempts       int           `mapstructure:"poll_max_attempts"`
}

// StorageConfig selects the blob store for uploaded documents
type StorageConfig struct {
	Type      string `mapstructure:"type"` // "local" or "minio"
	BasePath  string `mapstructure:"base_path"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// BrokerConfig holds AMQP configuration
type BrokerConfig struct {
	URL      string `mapstructure:"url"`
	Queue    string `mapstructure:"queue"`
	Prefetch int    `mapstructure:"prefetch"`
}

// AuthConfig holds JWT configuration
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// TelemetryConfig holds tracing configuration
type TelemetryConfig struct {
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// envBindings maps config keys to the environment variables that override them.
var envBindings = map[string]string{
	"database.driver":               "DB_DRIVER",
	"database.dsn":                  "DB_URL",
	"database.max_conns":            "DB_MAX_CONNS",
	"database.min_conns":            "DB_MIN_CONNS",
	"database.max_conn_lifetime":    "DB_MAX_CONN_LIFETIME",
	"database.max_conn_idle_time":   "DB_MAX_CONN_IDLE_TIME",
	"database.dial_timeout":         "DB_DIAL_TIMEOUT",
	"database.statement_timeout":    "DB_STATEMENT_TIMEOUT",
	"database.auto_migrate":         "DB_AUTO_MIGRATE",
	"server.grpc_addr":              "GRPC_ADDR",
	"server.http_addr":              "HTTP_ADDR",
	"server.shutdown_timeout":       "SHUTDOWN_TIMEOUT",
	"ocr.heic_converter":            "HEIC_CONVERTER",
	"ocr.tessdata_dir":              "TESSDATA_PREFIX",
	"ocr.language":                  "OCR_LANGUAGE",
	"llm.base_url":                  "OPENAI_BASE_URL",
	"llm.model":                     "OPENAI_MODEL",
	"llm.api_key":                   "OPENAI_API_KEY",
	"llm.temperature":               "OPENAI_TEMPERATURE",
	"llm.timeout":                   "OPENAI_TIMEOUT",
	"llm.requests_per_second":       "OPENAI_RPS",
	"llm.lenient":                   "OPENAI_LENIENT",
	"nlp.base_url":                  "NLP_BASE_URL",
	"nlp.api_key":                   "NLP_API_KEY",
	"nlp.timeout":                   "NLP_TIMEOUT",
	"nlp.min_score":                 "NLP_MIN_SCORE",
	"queue.dispatcher":              "QUEUE_DISPATCHER",
	"queue.workers":                 "QUEUE_WORKERS",
	"queue.queue_size":              "QUEUE_SIZE",
	"queue.process_timeout":         "QUEUE_PROCESS_TIMEOUT",
	"queue.default_max_attempts":    "QUEUE_MAX_ATTEMPTS",
	"queue.high_priority_threshold": "QUEUE_HIGH_PRIORITY",
	"queue.sweep_interval":          "QUEUE_SWEEP_INTERVAL",
	"queue.poll_interval":           "QUEUE_POLL_INTERVAL",
	"queue.poll_max_attempts":       "QUEUE_POLL_MAX_ATTEMPTS",
	"storage.type":                  "STORAGE_TYPE",
	"storage.base_path":             "STORAGE_PATH",
	"storage.endpoint":              "MINIO_ENDPOINT",
	"storage.access_key":            "MINIO_ACCESS_KEY",
	"storage.secret_key":            "MINIO_SECRET_KEY",
	"storage.bucket":                "MINIO_BUCKET",
	"storage.use_ssl":               "MINIO_USE_SSL",
	"broker.url":                    "AMQP_URL",
	"broker.queue":                  "AMQP_QUEUE",
	"broker.prefetch":               "AMQP_PREFETCH",
	"auth.jwt_secret":               "JWT_SECRET",
	"auth.issuer":                   "JWT_ISSUER",
	"auth.token_ttl":                "JWT_TTL",
	"telemetry.service_name":        "OTEL_SERVICE_NAME",
	"telemetry.otlp_endpoint":       "OTEL_EXPORTER_OTLP_ENDPOINT",
	"log.level":                     "LOG_LEVEL",
	"log.format":                    "LOG_FORMAT",
}

// LoadConfig loads configuration from an optional file, an optional .env file
// and environment variables, in increasing order of precedence.
func LoadConfig(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, WrapError(err, "load .env")
	}

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("database.max_conn_idle_time", 5*time.Minute)
	v.SetDefault("database.dial_timeout", 3*time.Second)
	v.SetDefault("database.statement_timeout", time.Duration(0))
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("server.grpc_addr", ":8080")
	v.SetDefault("server.http_addr", ":8081")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("ocr.heic_converter", "magick")
	v.SetDefault("ocr.language", "eng")

	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.timeout", 45*time.Second)
	v.SetDefault("llm.requests_per_second", 2.0)
	v.SetDefault("llm.lenient", true)

	v.SetDefault("nlp.timeout", 30*time.Second)
	v.SetDefault("nlp.min_score", 0.5)

	v.SetDefault("queue.dispatcher", "local")
	v.SetDefault("queue.workers", 2)
	v.SetDefault("queue.queue_size", 100)
	v.SetDefault("queue.process_timeout", 5*time.Minute)
	v.SetDefault("queue.default_max_attempts", 3)
	v.SetDefault("queue.high_priority_threshold", 5)
	v.SetDefault("queue.sweep_interval", 30*time.Second)
	v.SetDefault("queue.poll_interval", time.Second)
	v.SetDefault("queue.poll_max_attempts", 30)

	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.base_path", "./data/documents")
	v.SetDefault("storage.bucket", "health-records")

	v.SetDefault("broker.queue", "queue.process")
	v.SetDefault("broker.prefetch", 4)

	v.SetDefault("auth.issuer", "health-records")
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	v.SetDefault("telemetry.service_name", "health-records")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("unsupported DB_DRIVER %q", c.Database.Driver), ErrInvalidInput)
	}
	if c.Queue.DefaultMaxAttempts < 1 {
		return NewAppError("CONFIG_ERROR", "QUEUE_MAX_ATTEMPTS must be at least 1", ErrInvalidInput)
	}
	if c.Queue.Dispatcher == "amqp" && c.Broker.URL == "" {
		return NewAppError("CONFIG_ERROR", "AMQP_URL is required when QUEUE_DISPATCHER=amqp", ErrInvalidInput)
	}
	return nil
}

// ValidateServer adds the checks for the API server.
func (c *Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Server.GRPCAddr == "" && c.Server.HTTPAddr == "" {
		return NewAppError("CONFIG_ERROR", "GRPC_ADDR or HTTP_ADDR is required", ErrInvalidInput)
	}
	if c.Auth.JWTSecret == "" {
		return NewAppError("CONFIG_ERROR", "JWT_SECRET is required", ErrInvalidInput)
	}
	return nil
}

// ValidateWorker adds the checks for processes that run the pipeline.
func (c *Config) ValidateWorker() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.LLM.APIKey == "" {
		return NewAppError("CONFIG_ERROR", "OPENAI_API_KEY is required", ErrInvalidInput)
	}
	return nil
}
