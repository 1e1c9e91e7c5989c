package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration
type Config struct {
	Upload   UploadConfig   `yaml:"upload" json:"upload"`
	Delegate DelegateConfig `yaml:"delegate" json:"delegate"`
	Job      JobConfig      `yaml:"job" json:"job"`
	Client   ClientConfig   `yaml:"client" json:"client"`
	Storage  StorageConfig  `yaml:"storage" json:"storage"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

// UploadConfig holds the global transfer defaults. Batch and per-file
// overrides are layered on top of these at upload time.
type UploadConfig struct {
	Endpoint         string            `yaml:"endpoint" json:"endpoint"`
	Method           string            `yaml:"method" json:"method"`
	FieldName        string            `yaml:"fieldName" json:"fieldName"`
	FormData         bool              `yaml:"formData" json:"formData"`
	MetaFields       []string          `yaml:"metaFields" json:"metaFields"`
	Headers          map[string]string `yaml:"headers" json:"headers"`
	ResponseURLField string            `yaml:"responseUrlField" json:"responseUrlField"`
	MaxConcurrency   int               `yaml:"maxConcurrency" json:"maxConcurrency"`
	Timeout          time.Duration     `yaml:"timeout" json:"timeout"`
}

// DelegateConfig holds remote-worker settings
type DelegateConfig struct {
	SocketHost       string        `yaml:"socketHost" json:"socketHost"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout" json:"handshakeTimeout"`
}

// JobConfig holds job-lifecycle settings
type JobConfig struct {
	Enabled       bool           `yaml:"enabled" json:"enabled"`
	Endpoint      string         `yaml:"endpoint" json:"endpoint"`
	AuthKey       string         `yaml:"authKey" json:"authKey"`
	TemplateID    string         `yaml:"templateId" json:"templateId"`
	Signature     string         `yaml:"signature" json:"signature"`
	Params        map[string]any `yaml:"params" json:"params"`
	WaitMode      string         `yaml:"waitMode" json:"waitMode"`
	FinishedEvent string         `yaml:"finishedEvent" json:"finishedEvent"`
	MetadataEvent string         `yaml:"metadataEvent" json:"metadataEvent"`
	ErrorEvent    string         `yaml:"errorEvent" json:"errorEvent"`
}

// ClientConfig holds settings for the JSON/form HTTP client
type ClientConfig struct {
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
	RateLimit float64       `yaml:"rateLimit" json:"rateLimit"`
	RateBurst int           `yaml:"rateBurst" json:"rateBurst"`
	UserAgent string        `yaml:"userAgent" json:"userAgent"`
}

// StorageConfig holds object-store settings for bucket-backed payloads
type StorageConfig struct {
	Endpoint        string `yaml:"endpoint" json:"endpoint"`
	AccessKeyID     string `yaml:"accessKeyId" json:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey" json:"secretAccessKey"`
	Region          string `yaml:"region" json:"region"`
	UseSSL          bool   `yaml:"useSsl" json:"useSsl"`
	Bucket          string `yaml:"bucket" json:"bucket"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// DefaultConfig Default configuration values
var DefaultConfig = Config{
	Upload: UploadConfig{
		Method:           "POST",
		FieldName:        "files[]",
		FormData:         true,
		Headers:          map[string]string{},
		ResponseURLField: "url",
		MaxConcurrency:   6,
		Timeout:          0,
	},
	Delegate: DelegateConfig{
		HandshakeTimeout: 10 * time.Second,
	},
	Job: JobConfig{
		Endpoint:      "https://api2.transloadit.com/assemblies",
		FinishedEvent: "assembly_finished",
		MetadataEvent: "assembly_upload_meta_data_extracted",
		ErrorEvent:    "assembly_error",
	},
	Client: ClientConfig{
		Timeout:   30 * time.Second,
		RateLimit: 10,
		RateBurst: 5,
		UserAgent: "courier/1.0",
	},
	Storage: StorageConfig{
		Region: "us-east-1",
	},
	Logging: LoggingConfig{
		Level:  "INFO",
		Format: "text",
		Output: "stderr",
	},
}

// LoadConfig loads configuration from multiple sources in order of precedence:
// 1. Environment variables (highest precedence)
// 2. Configuration file
// 3. Default values (lowest precedence)
func LoadConfig() (*Config, string, error) {
	config := defaults()

	path, err := loadFromFile(&config)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config file: %w", err)
	}

	if e := loadFromEnv(&config); e != nil {
		return nil, "", fmt.Errorf("failed to load environment variables: %w", e)
	}

	if e := config.Validate(); e != nil {
		return nil, "", fmt.Errorf("configuration validation failed: %w", e)
	}

	return &config, path, nil
}

// defaults returns a copy of DefaultConfig that does not share maps with it.
func defaults() Config {
	config := DefaultConfig
	config.Upload.Headers = make(map[string]string, len(DefaultConfig.Upload.Headers))
	for k, v := range DefaultConfig.Upload.Headers {
		config.Upload.Headers[k] = v
	}
	if DefaultConfig.Upload.MetaFields != nil {
		config.Upload.MetaFields = append([]string(nil), DefaultConfig.Upload.MetaFields...)
	}
	return config
}

// loadFromFile loads configuration from YAML file
func loadFromFile(config *Config) (string, error) {
	configPaths := []string{
		os.Getenv("COURIER_CONFIG_PATH"),
		"./courier.yaml",
		"./config/courier.yaml",
		"/etc/courier/config.yaml",
	}

	for _, path := range configPaths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return "", fmt.Errorf("failed to parse config file %s: %w", path, err)
		}

		return path, nil
	}

	return "built-in defaults (no config file found)", nil
}

// loadFromEnv loads configuration from environment variables
func loadFromEnv(config *Config) error {
	// Upload config
	if val := os.Getenv("COURIER_UPLOAD_ENDPOINT"); val != "" {
		config.Upload.Endpoint = val
	}
	if val := os.Getenv("COURIER_UPLOAD_METHOD"); val != "" {
		config.Upload.Method = strings.ToUpper(val)
	}
	if val := os.Getenv("COURIER_UPLOAD_FIELD_NAME"); val != "" {
		config.Upload.FieldName = val
	}
	if val := os.Getenv("COURIER_UPLOAD_FORM_DATA"); val != "" {
		config.Upload.FormData = val == "true" || val == "1"
	}
	if val := os.Getenv("COURIER_UPLOAD_META_FIELDS"); val != "" {
		config.Upload.MetaFields = strings.Split(val, ",")
	}
	if val := os.Getenv("COURIER_UPLOAD_MAX_CONCURRENCY"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid COURIER_UPLOAD_MAX_CONCURRENCY %q: %w", val, err)
		}
		config.Upload.MaxConcurrency = n
	}
	if val := os.Getenv("COURIER_UPLOAD_TIMEOUT"); val != "" {
		if timeout, err := time.ParseDuration(val); err == nil {
			config.Upload.Timeout = timeout
		}
	}

	// Delegate config
	if val := os.Getenv("COURIER_SOCKET_HOST"); val != "" {
		config.Delegate.SocketHost = val
	}

	// Job config
	if val := os.Getenv("COURIER_JOB_ENDPOINT"); val != "" {
		config.Job.Endpoint = val
	}
	if val := os.Getenv("COURIER_JOB_AUTH_KEY"); val != "" {
		config.Job.AuthKey = val
	}
	if val := os.Getenv("COURIER_JOB_TEMPLATE_ID"); val != "" {
		config.Job.TemplateID = val
	}
	if val := os.Getenv("COURIER_JOB_SIGNATURE"); val != "" {
		config.Job.Signature = val
	}
	if val := os.Getenv("COURIER_JOB_WAIT_MODE"); val != "" {
		config.Job.WaitMode = val
	}

	// Client config
	if val := os.Getenv("COURIER_CLIENT_RATE_LIMIT"); val != "" {
		if rate, err := strconv.ParseFloat(val, 64); err == nil {
			config.Client.RateLimit = rate
		}
	}

	// Storage config
	if val := os.Getenv("COURIER_STORAGE_ENDPOINT"); val != "" {
		config.Storage.Endpoint = val
	}
	if val := os.Getenv("COURIER_STORAGE_ACCESS_KEY_ID"); val != "" {
		config.Storage.AccessKeyID = val
	}
	if val := os.Getenv("COURIER_STORAGE_SECRET_ACCESS_KEY"); val != "" {
		config.Storage.SecretAccessKey = val
	}
	if val := os.Getenv("COURIER_STORAGE_BUCKET"); val != "" {
		config.Storage.Bucket = val
	}

	// Logging config
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		config.Logging.Format = val
	}
	if val := os.Getenv("LOG_OUTPUT"); val != "" {
		config.Logging.Output = val
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Upload.Endpoint != "" {
		if err := validateURL(c.Upload.Endpoint, "http", "https"); err != nil {
			return fmt.Errorf("invalid upload endpoint: %w", err)
		}
	}

	switch c.Upload.Method {
	case "POST", "PUT", "PATCH":
	default:
		return fmt.Errorf("invalid upload method: %s", c.Upload.Method)
	}

	if c.Upload.MaxConcurrency < 0 {
		return fmt.Errorf("invalid max concurrency: %d", c.Upload.MaxConcurrency)
	}

	if c.Delegate.SocketHost != "" {
		if err := validateURL(c.Delegate.SocketHost, "http", "https", "ws", "wss"); err != nil {
			return fmt.Errorf("invalid socket host: %w", err)
		}
	}

	switch c.Job.WaitMode {
	case "", "processing-finished", "metadata-ready":
	default:
		return fmt.Errorf("invalid job wait mode: %s", c.Job.WaitMode)
	}

	if c.Job.Enabled {
		if c.Job.AuthKey == "" {
			return fmt.Errorf("job auth key required when jobs are enabled")
		}
		if c.Job.TemplateID == "" && len(c.Job.Params) == 0 {
			return fmt.Errorf("job template id or params required when jobs are enabled")
		}
	}

	if c.Client.RateLimit < 0 {
		return fmt.Errorf("invalid client rate limit: %v", c.Client.RateLimit)
	}

	validLevels := map[string]bool{
		"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true,
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%q must use one of %v", raw, schemes)
}

func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c *Config) SaveToFile(path string) error {
	data, err := c.ToYAML()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadFromFile loads a specific configuration file
func LoadFromFile(path string) (*Config, error) {
	config := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// GenerateDefaultConfig creates a default configuration file
func GenerateDefaultConfig(path string) error {
	config := defaults()
	return config.SaveToFile(path)
}
