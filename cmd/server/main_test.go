package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zonegate/zonegate/internal/app"
)

func TestLoadApplicationConfigMissingPath(t *testing.T) {
	_, err := loadApplicationConfig(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func TestLoadApplicationConfigDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server:\n  port: 9191\n"), 0o600))

	cfg, err := loadApplicationConfig(dir)
	require.NoError(t, err)
	require.Equal(t, 9191, cfg.Server.Port)
}

func TestEnsureSecretsPresent(t *testing.T) {
	cfg := &app.Config{}
	require.Error(t, ensureSecretsPresent(cfg))

	cfg.Auth.JWT.Secret = "secret"
	cfg.Server.BaseURL = ""
	require.Error(t, ensureSecretsPresent(cfg))

	cfg.Server.BaseURL = "http://login.example.com"
	require.NoError(t, ensureSecretsPresent(cfg))
}
