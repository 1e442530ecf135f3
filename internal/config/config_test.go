package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ceciliomichael/antigravity-gateway/internal/auth"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaultsAndEnv(t *testing.T) {
	t.Setenv("ANTIGRAVITY_PORT", "9090")
	t.Setenv("ANTIGRAVITY_CLIENT_SECRET", "s3cret")
	t.Setenv("ANTIGRAVITY_SESSION_RECOVERY", "false")
	t.Setenv("ANTIGRAVITY_CONSOLE_LOG", "1")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Port)
	require.Equal(t, "s3cret", cfg.ClientSecret)
	require.False(t, cfg.SessionRecovery)
	require.True(t, cfg.ConsoleLog)
	require.Equal(t, 1000, cfg.RateLimit)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 7000
api_keys: [a, b]
endpoint: https://example.test
user_agent: custom/1.0
rate_limit: 5
`), 0600))
	t.Setenv("ANTIGRAVITY_RATE_LIMIT", "not-a-number")
	t.Setenv("ANTIGRAVITY_API_KEYS", " x , y ")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7000, cfg.Port)
	require.Equal(t, 5, cfg.RateLimit)
	require.Equal(t, []string{"x", "y"}, cfg.APIKeys)
	require.Equal(t, []string{"https://example.test", auth.EndpointAutopush, auth.EndpointProd}, cfg.Endpoints())

	headers := cfg.ClientHeaders()
	require.Equal(t, "custom/1.0", headers.UserAgent)
	require.Equal(t, auth.DefaultAPIClient, headers.APIClient)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [oops"), 0600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestPaths(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.DataDir = dir

	require.Equal(t, filepath.Join(dir, "antigravity-accounts.json"), cfg.AccountsPath())
	require.Equal(t, filepath.Join(dir, "antigravity-credential.json"), cfg.CredentialPath())
	require.Equal(t, filepath.Join(dir, "logs", "antigravity-gateway.log"), cfg.LogPath())

	cfg.DataDir = ""
	require.Contains(t, cfg.ResolvedDataDir(), "antigravity-gateway")
}
