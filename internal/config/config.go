package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Defaults applied by ApplyDefaults when fields are unset.
const (
	DefaultPort             = 80
	DefaultWorkerPort       = 10150
	DefaultDataDir          = "/var/lib/gpustack"
	DefaultHeartbeatSeconds = 15
	DefaultHubBaseURL       = "https://huggingface.co"
)

// Config holds runtime parameters for both server and worker modes.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	// Port the HTTP API listens on (server mode) .
	Port int `json:"port" yaml:"port" toml:"port"`
	// DataDir persists the database, credential files and model cache.
	DataDir string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`

	// ServerURL, when set, runs this process as a worker joined to that server.
	ServerURL string `json:"server_url" yaml:"server_url" toml:"server_url"`
	// Token authenticates a worker against the server.
	Token string `json:"token" yaml:"token" toml:"token"`

	// WorkerName defaults to the hostname.
	WorkerName string `json:"worker_name" yaml:"worker_name" toml:"worker_name"`
	// WorkerIP is the address advertised to the server; autodetected if empty.
	WorkerIP string `json:"worker_ip" yaml:"worker_ip" toml:"worker_ip"`
	// WorkerPort is the port backends and the status endpoint bind near.
	WorkerPort int `json:"worker_port" yaml:"worker_port" toml:"worker_port"`

	// HeartbeatSeconds is how often workers report status. Zero means
	// server-decided: the server falls back to DefaultHeartbeatSeconds and
	// announces the interval to workers at registration.
	HeartbeatSeconds int `json:"heartbeat_seconds" yaml:"heartbeat_seconds" toml:"heartbeat_seconds"`
	// HubBaseURL is the model hub endpoint used for model search.
	HubBaseURL string `json:"hub_base_url" yaml:"hub_base_url" toml:"hub_base_url"`

	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format"`

	// EnableCORS opts into CORS middleware for browser clients.
	EnableCORS     bool     `json:"enable_cors" yaml:"enable_cors" toml:"enable_cors"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// IsWorker reports whether the config describes a worker joining a server.
func (c Config) IsWorker() bool { return c.ServerURL != "" }

// ApplyDefaults fills unset fields in place.
func (c *Config) ApplyDefaults() {
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.WorkerPort <= 0 {
		c.WorkerPort = DefaultWorkerPort
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.HubBaseURL == "" {
		c.HubBaseURL = DefaultHubBaseURL
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	if c.WorkerName == "" {
		if h, err := os.Hostname(); err == nil {
			c.WorkerName = h
		}
	}
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if c.WorkerPort < 1 || c.WorkerPort > 65535 {
		return fmt.Errorf("worker port out of range: %d", c.WorkerPort)
	}
	if c.IsWorker() {
		if !strings.HasPrefix(c.ServerURL, "http://") && !strings.HasPrefix(c.ServerURL, "https://") {
			return fmt.Errorf("server url must be http(s): %q", c.ServerURL)
		}
		if c.Token == "" {
			return fmt.Errorf("token is required to join %s", c.ServerURL)
		}
	}
	return nil
}
