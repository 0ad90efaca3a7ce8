// Package config loads and persists the host configuration. Missing file
// means defaults; FABLE_* environment variables override whatever was loaded.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Plugins  PluginsConfig  `json:"plugins"`
	Provider ProviderConfig `json:"provider"`
	Auth     AuthConfig     `json:"auth"`
}

type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type StorageConfig struct {
	Backend string `json:"backend"`
	DBPath  string `json:"dbPath"`
}

type PluginsConfig struct {
	Dir string `json:"dir"`
	// HealthInterval is a cron-style schedule spec, e.g. "@every 30s".
	HealthInterval string `json:"healthInterval"`
}

type ProviderConfig struct {
	APIKey          string  `json:"apiKey"`
	APIBase         string  `json:"apiBase"`
	Model           string  `json:"model"`
	Temperature     float64 `json:"temperature"`
	MaxTokens       int     `json:"maxTokens"`
	ReasoningEffort string  `json:"reasoningEffort,omitempty"`
}

type AuthConfig struct {
	// PasswordHash is an argon2id encoded hash. Empty disables operator auth
	// on plugin management routes.
	PasswordHash string `json:"passwordHash"`
}

const (
	BackendBBolt  = "bbolt"
	BackendSQLite = "sqlite"
)

func Default() Config {
	home := HomeDir()
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 18600,
		},
		Storage: StorageConfig{
			Backend: BackendBBolt,
			DBPath:  filepath.Join(home, "data", "fable.db"),
		},
		Plugins: PluginsConfig{
			Dir:            filepath.Join(home, "plugins"),
			HealthInterval: "@every 30s",
		},
		Provider: ProviderConfig{
			APIBase:     "https://openrouter.ai/api/v1",
			Model:       "openai/gpt-4o-mini",
			Temperature: 0.7,
			MaxTokens:   4096,
		},
		Auth: AuthConfig{},
	}
}

func HomeDir() string {
	h, err := os.UserHomeDir()
	if err != nil {
		return ".fable"
	}
	return filepath.Join(h, ".fable")
}

func ConfigPath() string {
	return filepath.Join(HomeDir(), "config.json")
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		h, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(h, path[2:])
		}
	}
	return path
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = ConfigPath()
	}
	path = expandPath(path)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, err
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func Save(path string, cfg Config) error {
	if path == "" {
		path = ConfigPath()
	}
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func applyEnvOverrides(cfg *Config) {
	env := map[string]*string{
		"FABLE_SERVER_HOST":             &cfg.Server.Host,
		"FABLE_STORAGE_BACKEND":         &cfg.Storage.Backend,
		"FABLE_STORAGE_DB_PATH":         &cfg.Storage.DBPath,
		"FABLE_PLUGINS_DIR":             &cfg.Plugins.Dir,
		"FABLE_PLUGINS_HEALTH_INTERVAL": &cfg.Plugins.HealthInterval,
		"FABLE_API_KEY":                 &cfg.Provider.APIKey,
		"FABLE_API_BASE":                &cfg.Provider.APIBase,
		"FABLE_MODEL":                   &cfg.Provider.Model,
		"FABLE_AUTH_PASSWORD_HASH":      &cfg.Auth.PasswordHash,
	}
	for key, target := range env {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			*target = value
		}
	}
	if value := strings.TrimSpace(os.Getenv("FABLE_SERVER_PORT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
			cfg.Server.Port = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("FABLE_MAX_TOKENS")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
			cfg.Provider.MaxTokens = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("FABLE_TEMPERATURE")); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil && parsed >= 0 {
			cfg.Provider.Temperature = parsed
		}
	}
}

// ListenAddr joins host and port for the HTTP server.
func (c Config) ListenAddr() string {
	return c.Server.Host + ":" + strconv.Itoa(c.Server.Port)
}
