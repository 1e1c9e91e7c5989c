package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig

	// Upload defaults
	if cfg.Upload.Method != "POST" {
		t.Errorf("Expected Upload Method 'POST', got '%s'", cfg.Upload.Method)
	}
	if cfg.Upload.FieldName != "files[]" {
		t.Errorf("Expected Upload FieldName 'files[]', got '%s'", cfg.Upload.FieldName)
	}
	if !cfg.Upload.FormData {
		t.Errorf("Expected Upload FormData true")
	}
	if cfg.Upload.ResponseURLField != "url" {
		t.Errorf("Expected Upload ResponseURLField 'url', got '%s'", cfg.Upload.ResponseURLField)
	}
	if cfg.Upload.MaxConcurrency != 6 {
		t.Errorf("Expected Upload MaxConcurrency 6, got %d", cfg.Upload.MaxConcurrency)
	}

	// Job defaults
	if cfg.Job.FinishedEvent != "assembly_finished" {
		t.Errorf("Expected Job FinishedEvent 'assembly_finished', got '%s'", cfg.Job.FinishedEvent)
	}
	if cfg.Job.MetadataEvent != "assembly_upload_meta_data_extracted" {
		t.Errorf("Expected Job MetadataEvent 'assembly_upload_meta_data_extracted', got '%s'", cfg.Job.MetadataEvent)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should validate, got %v", err)
	}
}

func TestLoadConfig_WithEnvironmentVariables(t *testing.T) {
	testConfig := `
upload:
  endpoint: "https://file.example.com/upload"
  method: "PUT"
  maxConcurrency: 2
delegate:
  socketHost: "https://worker.example.com"
logging:
  level: "WARN"
`
	path := writeTestConfigFile(t, "courier.yaml", testConfig)

	t.Setenv("COURIER_CONFIG_PATH", path)
	t.Setenv("COURIER_UPLOAD_ENDPOINT", "https://env.example.com/upload")
	t.Setenv("COURIER_UPLOAD_MAX_CONCURRENCY", "9")
	t.Setenv("COURIER_UPLOAD_META_FIELDS", "name,caption")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, loadedFrom, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if loadedFrom != path {
		t.Errorf("Expected config path '%s', got '%s'", path, loadedFrom)
	}

	// Environment variables should override file config
	if cfg.Upload.Endpoint != "https://env.example.com/upload" {
		t.Errorf("Expected Upload Endpoint from env, got '%s'", cfg.Upload.Endpoint)
	}
	if cfg.Upload.MaxConcurrency != 9 {
		t.Errorf("Expected Upload MaxConcurrency 9, got %d", cfg.Upload.MaxConcurrency)
	}
	if len(cfg.Upload.MetaFields) != 2 || cfg.Upload.MetaFields[1] != "caption" {
		t.Errorf("Expected Upload MetaFields [name caption], got %v", cfg.Upload.MetaFields)
	}
	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected Logging Level 'DEBUG', got '%s'", cfg.Logging.Level)
	}

	// File config should override defaults
	if cfg.Upload.Method != "PUT" {
		t.Errorf("Expected Upload Method 'PUT', got '%s'", cfg.Upload.Method)
	}
	if cfg.Delegate.SocketHost != "https://worker.example.com" {
		t.Errorf("Expected Delegate SocketHost from file, got '%s'", cfg.Delegate.SocketHost)
	}

	// Defaults should remain where neither overrides
	if cfg.Upload.FieldName != "files[]" {
		t.Errorf("Expected Upload FieldName 'files[]', got '%s'", cfg.Upload.FieldName)
	}
}

func TestLoadConfig_InvalidConcurrencyEnv(t *testing.T) {
	t.Setenv("COURIER_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("COURIER_UPLOAD_MAX_CONCURRENCY", "many")

	if _, _, err := LoadConfig(); err == nil {
		t.Errorf("Expected error for non-numeric max concurrency")
	}
}

func TestLoadFromFile(t *testing.T) {
	testConfig := `
upload:
  endpoint: "https://uploads.example.com"
  formData: false
  timeout: 45s
  headers:
    Authorization: "Bearer abc"
job:
  enabled: true
  authKey: "key-123"
  templateId: "tpl-1"
  waitMode: "processing-finished"
storage:
  endpoint: "localhost:9000"
  bucket: "media"
`
	path := writeTestConfigFile(t, "load.yaml", testConfig)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if cfg.Upload.FormData {
		t.Errorf("Expected Upload FormData false")
	}
	if cfg.Upload.Timeout != 45*time.Second {
		t.Errorf("Expected Upload Timeout 45s, got %v", cfg.Upload.Timeout)
	}
	if cfg.Upload.Headers["Authorization"] != "Bearer abc" {
		t.Errorf("Expected Authorization header, got %v", cfg.Upload.Headers)
	}
	if cfg.Job.WaitMode != "processing-finished" {
		t.Errorf("Expected Job WaitMode 'processing-finished', got '%s'", cfg.Job.WaitMode)
	}
	if cfg.Storage.Bucket != "media" {
		t.Errorf("Expected Storage Bucket 'media', got '%s'", cfg.Storage.Bucket)
	}
	// Unset values keep their defaults
	if cfg.Job.FinishedEvent != "assembly_finished" {
		t.Errorf("Expected Job FinishedEvent default, got '%s'", cfg.Job.FinishedEvent)
	}
}

func TestLoadFromFile_DoesNotMutateDefaults(t *testing.T) {
	path := writeTestConfigFile(t, "headers.yaml", "upload:\n  headers:\n    X-Test: one\n")

	if _, err := LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if _, ok := DefaultConfig.Upload.Headers["X-Test"]; ok {
		t.Errorf("DefaultConfig headers were mutated by loading a file")
	}
}

func TestConfigValidation(t *testing.T) {
	valid := func() Config {
		cfg := defaults()
		return cfg
	}

	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:   "defaults",
			mutate: func(c *Config) {},
		},
		{
			name:        "relative upload endpoint",
			mutate:      func(c *Config) { c.Upload.Endpoint = "/upload" },
			expectError: true,
			errorMsg:    "invalid upload endpoint",
		},
		{
			name:        "unsupported method",
			mutate:      func(c *Config) { c.Upload.Method = "GET" },
			expectError: true,
			errorMsg:    "invalid upload method",
		},
		{
			name:        "negative concurrency",
			mutate:      func(c *Config) { c.Upload.MaxConcurrency = -1 },
			expectError: true,
			errorMsg:    "invalid max concurrency",
		},
		{
			name:   "unbounded concurrency",
			mutate: func(c *Config) { c.Upload.MaxConcurrency = 0 },
		},
		{
			name:   "websocket socket host",
			mutate: func(c *Config) { c.Delegate.SocketHost = "wss://worker.example.com" },
		},
		{
			name:        "ftp socket host",
			mutate:      func(c *Config) { c.Delegate.SocketHost = "ftp://worker.example.com" },
			expectError: true,
			errorMsg:    "invalid socket host",
		},
		{
			name:        "unknown wait mode",
			mutate:      func(c *Config) { c.Job.WaitMode = "forever" },
			expectError: true,
			errorMsg:    "invalid job wait mode",
		},
		{
			name: "job without auth key",
			mutate: func(c *Config) {
				c.Job.Enabled = true
				c.Job.TemplateID = "tpl"
			},
			expectError: true,
			errorMsg:    "auth key required",
		},
		{
			name: "job without template or params",
			mutate: func(c *Config) {
				c.Job.Enabled = true
				c.Job.AuthKey = "key"
			},
			expectError: true,
			errorMsg:    "template id or params required",
		},
		{
			name: "job with params only",
			mutate: func(c *Config) {
				c.Job.Enabled = true
				c.Job.AuthKey = "key"
				c.Job.Params = map[string]any{"steps": map[string]any{}}
			},
		},
		{
			name:        "invalid log level",
			mutate:      func(c *Config) { c.Logging.Level = "INVALID" },
			expectError: true,
			errorMsg:    "invalid log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.expectError {
				if err == nil {
					t.Errorf("Expected validation error for %s, but got none", tt.name)
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error message to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Unexpected validation error for %s: %v", tt.name, err)
			}
		})
	}
}

func TestGenerateDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "generated.yaml")
	if err := GenerateDefaultConfig(path); err != nil {
		t.Fatalf("GenerateDefaultConfig failed: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if cfg.Upload.MaxConcurrency != DefaultConfig.Upload.MaxConcurrency {
		t.Errorf("Expected MaxConcurrency %d, got %d", DefaultConfig.Upload.MaxConcurrency, cfg.Upload.MaxConcurrency)
	}
}

// Helper functions

func writeTestConfigFile(t *testing.T, filename, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), filename)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create test config file %s: %v", path, err)
	}
	return path
}
