package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Sending SendingConfig `yaml:"sending"`
	Redis   RedisConfig   `yaml:"redis"`
	SES     SESConfig     `yaml:"ses"`
	Org     OrgConfig     `yaml:"org"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	// Allow override via environment
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// StorageConfig holds the on-disk layout for recipient lists, templates and send logs
type StorageConfig struct {
	DataDir     string `yaml:"data_dir"`
	CSVDir      string `yaml:"csv_dir"`      // defaults to <data_dir>/csv
	TemplateDir string `yaml:"template_dir"` // defaults to <data_dir>/templates
	LogDir      string `yaml:"log_dir"`      // defaults to <data_dir>/logs
}

// SendingConfig holds batch dispatch behaviour
type SendingConfig struct {
	DelaySeconds     int    `yaml:"delay_seconds"`      // pause between individual sends
	DefaultBatchSize int    `yaml:"default_batch_size"` // rows per batch when the operator picks none
	PreviewRows      int    `yaml:"preview_rows"`       // CSV rows loaded for the preview table
	ErrorsTo         string `yaml:"errors_to"`          // bounce/errors address stamped on every send
}

// Delay returns the per-send pause as a duration, never negative.
func (c SendingConfig) Delay() time.Duration {
	if c.DelaySeconds < 0 {
		return 0
	}
	return time.Duration(c.DelaySeconds) * time.Second
}

// RedisConfig holds Redis connection settings for session state and the send lock
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SESConfig holds AWS SES API configuration
type SESConfig struct {
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Enabled        bool   `yaml:"enabled"`
}

// Timeout returns the configured timeout as a duration
func (c SESConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// OrgConfig holds the organisation identity used in email footers
type OrgConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Phone   string `yaml:"phone"`
	Email   string `yaml:"email"`
	Web     string `yaml:"web"`
	LogoURL string `yaml:"logo_url"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.CSVDir == "" {
		cfg.Storage.CSVDir = cfg.Storage.DataDir + "/csv"
	}
	if cfg.Storage.TemplateDir == "" {
		cfg.Storage.TemplateDir = cfg.Storage.DataDir + "/templates"
	}
	if cfg.Storage.LogDir == "" {
		cfg.Storage.LogDir = cfg.Storage.DataDir + "/logs"
	}
	if cfg.Sending.DelaySeconds == 0 {
		cfg.Sending.DelaySeconds = 1
	}
	if cfg.Sending.DefaultBatchSize == 0 {
		cfg.Sending.DefaultBatchSize = 50
	}
	if cfg.Sending.PreviewRows == 0 {
		cfg.Sending.PreviewRows = 100
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.SES.TimeoutSeconds == 0 {
		cfg.SES.TimeoutSeconds = 30
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-west-2"
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if accessKey := os.Getenv("AWS_SES_ACCESS_KEY"); accessKey != "" {
		cfg.SES.AccessKey = accessKey
	}
	if secretKey := os.Getenv("AWS_SES_SECRET_KEY"); secretKey != "" {
		cfg.SES.SecretKey = secretKey
	}
	if region := os.Getenv("AWS_SES_REGION"); region != "" {
		cfg.SES.Region = region
	}
	if dir := os.Getenv("BATCHMAILER_DATA_DIR"); dir != "" {
		cfg.Storage.DataDir = dir
		cfg.Storage.CSVDir = dir + "/csv"
		cfg.Storage.TemplateDir = dir + "/templates"
		cfg.Storage.LogDir = dir + "/logs"
	}
	if v := os.Getenv("BATCHMAILER_SEND_DELAY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sending.DelaySeconds = n
		}
	}
	if v := os.Getenv("BATCHMAILER_ERRORS_TO"); v != "" {
		cfg.Sending.ErrorsTo = v
	}
	if v := os.Getenv("BATCHMAILER_CSV_PREVIEW_ROWS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Sending.PreviewRows = n
		}
	}

	return cfg, nil
}
