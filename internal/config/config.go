// Package config provides configuration loading and management for the antigravity gateway.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ceciliomichael/antigravity-gateway/internal/auth"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	appDirName         = "antigravity-gateway"
	accountsFilename   = "antigravity-accounts.json"
	credentialFilename = "antigravity-credential.json"
	logFilename        = "antigravity-gateway.log"
)

// Config holds the application configuration.
type Config struct {
	// Server settings
	Port      int      `yaml:"port"`
	Host      string   `yaml:"host"`
	APIKeys   []string `yaml:"api_keys"`
	RateLimit int      `yaml:"rate_limit"`

	// Admin routes are disabled unless a master secret is set.
	MasterSecret string `yaml:"master_secret"`
	DataDir      string `yaml:"data_dir"`

	// Proxy settings
	ProxyURL string `yaml:"proxy_url"`

	// OAuth and backend settings
	ClientSecret            string `yaml:"client_secret"`
	Endpoint                string `yaml:"endpoint"`
	UserAgent               string `yaml:"user_agent"`
	APIClient               string `yaml:"api_client"`
	ClientMetadata          string `yaml:"client_metadata"`
	SessionRecovery         bool   `yaml:"session_recovery"`
	ClaudeMinThinkingBudget int    `yaml:"claude_min_thinking_budget"`

	// Logging settings
	LogLevel   string `yaml:"log_level"`
	Debug      bool   `yaml:"debug"`
	ConsoleLog bool   `yaml:"console_log"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:            8080,
		Host:            "127.0.0.1",
		LogLevel:        "info",
		Debug:           false,
		RateLimit:       1000,
		SessionRecovery: true,
	}
}

// Load reads configuration from a YAML file and applies environment overrides.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			log.Debugf("Config file not found at %s, using defaults", path)
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func (c *Config) applyEnvOverrides() {
	if v, ok := envInt("ANTIGRAVITY_PORT"); ok {
		c.Port = v
	}
	if v := os.Getenv("ANTIGRAVITY_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("ANTIGRAVITY_MASTER_SECRET"); v != "" {
		c.MasterSecret = v
	}
	if v := os.Getenv("ANTIGRAVITY_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("ANTIGRAVITY_PROXY_URL"); v != "" {
		c.ProxyURL = v
	}
	if v := os.Getenv("ANTIGRAVITY_API_KEYS"); v != "" {
		keys := strings.Split(v, ",")
		for i, k := range keys {
			keys[i] = strings.TrimSpace(k)
		}
		c.APIKeys = keys
	}
	if v := os.Getenv("ANTIGRAVITY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v, ok := envBool("ANTIGRAVITY_DEBUG"); ok {
		c.Debug = v
	}
	if v, ok := envInt("ANTIGRAVITY_RATE_LIMIT"); ok {
		c.RateLimit = v
	}

	if v := os.Getenv("ANTIGRAVITY_CLIENT_SECRET"); v != "" {
		c.ClientSecret = v
	}
	if v := os.Getenv("ANTIGRAVITY_ENDPOINT"); v != "" {
		c.Endpoint = strings.TrimSuffix(v, "/")
	}
	if v := os.Getenv("ANTIGRAVITY_USER_AGENT"); v != "" {
		c.UserAgent = v
	}
	if v := os.Getenv("ANTIGRAVITY_API_CLIENT"); v != "" {
		c.APIClient = v
	}
	if v := os.Getenv("ANTIGRAVITY_CLIENT_METADATA"); v != "" {
		c.ClientMetadata = v
	}
	if v, ok := envBool("ANTIGRAVITY_SESSION_RECOVERY"); ok {
		c.SessionRecovery = v
	}
	if v, ok := envBool("ANTIGRAVITY_CONSOLE_LOG"); ok {
		c.ConsoleLog = v
	}
	if v, ok := envInt("ANTIGRAVITY_CLAUDE_MIN_THINKING_BUDGET"); ok {
		c.ClaudeMinThinkingBudget = v
	}
}

func envInt(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		log.Warnf("ignoring %s=%q: not a non-negative integer", key, v)
		return 0, false
	}
	return n, true
}

func envBool(key string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}

// ResolvedDataDir returns the data directory, defaulting to the per-user
// configuration directory.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, appDirName)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "."+appDirName)
	}
	return "." + appDirName
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.ResolvedDataDir(), 0700)
}

// AccountsPath is the v3 account store file.
func (c *Config) AccountsPath() string {
	return filepath.Join(c.ResolvedDataDir(), accountsFilename)
}

// CredentialPath is the packed host credential file.
func (c *Config) CredentialPath() string {
	return filepath.Join(c.ResolvedDataDir(), credentialFilename)
}

// LogPath is the rotating log file used when console logging is off.
func (c *Config) LogPath() string {
	return filepath.Join(c.ResolvedDataDir(), "logs", logFilename)
}

// Endpoints returns the backend base URLs in fallback order.
func (c *Config) Endpoints() []string {
	return auth.DefaultEndpoints(c.Endpoint)
}

// ClientHeaders returns the client identification headers with overrides applied.
func (c *Config) ClientHeaders() auth.ClientHeaders {
	h := auth.DefaultClientHeaders()
	if c.UserAgent != "" {
		h.UserAgent = c.UserAgent
	}
	if c.APIClient != "" {
		h.APIClient = c.APIClient
	}
	if c.ClientMetadata != "" {
		h.ClientMetadata = c.ClientMetadata
	}
	return h
}
