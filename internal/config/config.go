// Package config handles agrifarm configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/agrifarm/config.yaml, /etc/agrifarm/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "agrifarm", "config.yaml"))
	}

	paths = append(paths, "/etc/agrifarm/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all agrifarm configuration. The same file drives both
// the backend (serve) and the web proxy (proxy).
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Proxy      ProxyConfig      `yaml:"proxy"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Models     ModelsConfig     `yaml:"models"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Session    SessionConfig    `yaml:"session"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the backend API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ProxyConfig defines the web proxy: where it listens and which
// backend it forwards to.
type ProxyConfig struct {
	Address     string `yaml:"address"`
	Port        int    `yaml:"port"`
	UpstreamURL string `yaml:"upstream_url"`
	TimeoutSec  int    `yaml:"timeout_sec"`
	// CORSOrigins lists browser origins allowed to call the proxy.
	CORSOrigins []string `yaml:"cors_origins"`
}

// DatabaseConfig selects the SQLite driver and file. Driver is
// "sqlite3" (cgo, default) or "sqlite" (pure Go).
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// MQTTConfig defines the broker connection for the device bridge.
type MQTTConfig struct {
	Disabled bool   `yaml:"disabled"`
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Secret is the shared device secret. Sensor data without a
	// matching secret is rejected; commands carry it.
	Secret string `yaml:"secret"`
	// RateLimit caps inbound messages per second. Zero uses the default.
	RateLimit int `yaml:"rate_limit"`
	// AckTimeoutMs bounds how long control commands wait for the
	// device to confirm.
	AckTimeoutMs int `yaml:"ack_timeout_ms"`
}

// Configured reports whether the MQTT bridge should be started.
func (c MQTTConfig) Configured() bool {
	return !c.Disabled && c.Broker != ""
}

// ModelsConfig defines the generative model used by the RAG and
// fallback layers.
type ModelsConfig struct {
	OllamaURL   string  `yaml:"ollama_url"`
	Chat        string  `yaml:"chat"`
	Temperature float64 `yaml:"temperature"`
}

// Configured reports whether an LLM backend is available.
func (c ModelsConfig) Configured() bool {
	return c.OllamaURL != "" && c.Chat != ""
}

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`   // Embedding model name (e.g., nomic-embed-text)
	BaseURL string `yaml:"baseurl"` // Ollama URL (defaults to models.ollama_url)
}

// PipelineConfig holds the chat routing thresholds.
type PipelineConfig struct {
	ExactMatchThreshold    float64 `yaml:"exact_match_threshold"`
	RAGConfidenceThreshold float64 `yaml:"rag_confidence_threshold"`
	LLMFallbackThreshold   float64 `yaml:"llm_fallback_threshold"`
	RAGTopK                int     `yaml:"rag_top_k"`
	MaxAuditLog            int     `yaml:"max_audit_log"`
}

// SessionConfig holds the secret used to seal access tokens and proxy
// session cookies. Backend and proxy must share it.
type SessionConfig struct {
	Secret   string `yaml:"secret"`
	TTLHours int    `yaml:"ttl_hours"`
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded, then the well-known variables (see
// [ApplyEnv]) override whatever the file set.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.ApplyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 3000},
		Proxy: ProxyConfig{
			Port:        3001,
			UpstreamURL: "http://localhost:3000",
			TimeoutSec:  30,
		},
		Database: DatabaseConfig{Driver: "sqlite3"},
		MQTT: MQTTConfig{
			Broker:       "mqtt://localhost:1883",
			RateLimit:    200,
			AckTimeoutMs: 6000,
		},
		Models: ModelsConfig{
			OllamaURL:   "http://localhost:11434",
			Chat:        "qwen3:4b",
			Temperature: 0.7,
		},
		Embeddings: EmbeddingsConfig{Model: "nomic-embed-text"},
		Pipeline: PipelineConfig{
			ExactMatchThreshold:    0.7,
			RAGConfidenceThreshold: 0.7,
			LLMFallbackThreshold:   0.5,
			RAGTopK:                5,
			MaxAuditLog:            1000,
		},
		Session:  SessionConfig{TTLHours: 24 * 7},
		DataDir:  "./data",
		LogLevel: "info",
	}
}

// ApplyEnv overrides file values with the environment variables the
// deployment scripts already export.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("NEXT_PUBLIC_API_URL"); v != "" {
		c.Proxy.UpstreamURL = v
	}
	if v := os.Getenv("MQTT_BROKER_URL"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("MQTT_SECRET"); v != "" {
		c.MQTT.Secret = v
	}
	if v := os.Getenv("AGRIFARM_SESSION_SECRET"); v != "" {
		c.Session.Secret = v
	}
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.DataDir, "agrifarm.db")
	}
	if c.Embeddings.BaseURL == "" {
		c.Embeddings.BaseURL = c.Models.OllamaURL
	}
	c.Proxy.UpstreamURL = strings.TrimRight(c.Proxy.UpstreamURL, "/")
}

// Validate checks the configuration for values that would only fail
// later at runtime.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if c.Proxy.Port < 0 || c.Proxy.Port > 65535 {
		return fmt.Errorf("proxy.port %d out of range", c.Proxy.Port)
	}
	switch c.Database.Driver {
	case "sqlite3", "sqlite":
	default:
		return fmt.Errorf("unknown database.driver %q (valid: sqlite3, sqlite)", c.Database.Driver)
	}
	for name, v := range map[string]float64{
		"exact_match_threshold":    c.Pipeline.ExactMatchThreshold,
		"rag_confidence_threshold": c.Pipeline.RAGConfidenceThreshold,
		"llm_fallback_threshold":   c.Pipeline.LLMFallbackThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("pipeline.%s %.2f must be between 0 and 1", name, v)
		}
	}
	if c.Session.Secret != "" && len(c.Session.Secret) < 16 {
		return fmt.Errorf("session.secret must be at least 16 bytes")
	}
	return nil
}

// FromEnvOnly returns the defaults with environment overrides applied.
// Used when no config file exists so that a plain .env deployment
// still works.
func FromEnvOnly() (*Config, error) {
	cfg := Default()
	cfg.ApplyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
