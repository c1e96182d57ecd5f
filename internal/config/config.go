// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// EnvPath overrides the config file location.
const EnvPath = "MIRROR_CONFIG"

const DefaultPath = "config.json"

type Config struct {
	Server struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	} `json:"server"`

	Sync struct {
		ProjectRoot  string   `json:"project_root"`
		WatchDir     string   `json:"watch_dir"`
		DebounceMS   int      `json:"debounce_ms"`
		WatchOS      bool     `json:"watch_os"`
		GraphCommand []string `json:"graph_command,omitempty"`
	} `json:"sync"`

	Storage struct {
		Backend   string `json:"backend"` // node, memory, vfs
		Path      string `json:"path"`
		CacheSize int    `json:"cache_size"`
		InMemory  bool   `json:"in_memory"`
	} `json:"storage"`

	Environment string `json:"environment"` // development, production
	LogLevel    string `json:"log_level"`   // debug, info, warn, error
	LogFormat   string `json:"log_format"`  // json, console
	LogFile     string `json:"log_file,omitempty"`
}

func Default() *Config {
	var cfg Config
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 8787
	cfg.Sync.ProjectRoot = "."
	cfg.Sync.DebounceMS = 100
	cfg.Sync.WatchOS = true
	cfg.Storage.Backend = "node"
	cfg.Storage.CacheSize = 512
	cfg.Environment = "development"
	cfg.LogLevel = "info"
	cfg.LogFormat = "json"
	return &cfg
}

// Path returns $MIRROR_CONFIG or config.json.
func Path() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads path over the defaults. A missing file at the default
// location is not an error.
func Load(path string) (*Config, error) {
	config := Default()

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) && path == DefaultPath {
			return config, config.Validate()
		}
		return nil, err
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(config); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Sync.ProjectRoot == "" {
		return fmt.Errorf("sync.project_root is required")
	}
	if c.Sync.DebounceMS < 0 {
		return fmt.Errorf("sync.debounce_ms must not be negative")
	}
	switch c.Storage.Backend {
	case "", "node", "memory":
	case "vfs":
		if c.Storage.Path == "" && !c.Storage.InMemory {
			return fmt.Errorf("storage.path is required for the vfs backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Sync.DebounceMS) * time.Millisecond
}

// WatchDir falls back to the project root.
func (c *Config) WatchDir() string {
	if c.Sync.WatchDir == "" {
		return c.Sync.ProjectRoot
	}
	return c.Sync.WatchDir
}
