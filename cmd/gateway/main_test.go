package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/dagbolade/hook-gateway/internal/config"
	"github.com/dagbolade/hook-gateway/internal/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestHooksCommands(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(config.EnvConfigPath, "")
	t.Setenv("HOOKS_DIR", dir)
	t.Setenv("GATEWAY_URL", "http://127.0.0.1:9999")

	_, err := runRoot(t, "hooks", "validate")
	assert.Error(t, err)

	out, err := runRoot(t, "hooks", "install")
	require.NoError(t, err)
	assert.Contains(t, out, dir)

	out, err = runRoot(t, "hooks", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, `"valid": true`)

	out, err = runRoot(t, "hooks", "config")
	require.NoError(t, err)
	var settings map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &settings))
	assert.Contains(t, settings, "hooks")
}

func TestBuildWiresComponents(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.DBPath = filepath.Join(t.TempDir(), "gw.db")
	cfg.Hooks.Dir = t.TempDir()

	c, err := build(context.Background(), cfg)
	require.NoError(t, err)
	defer c.close()

	require.NoError(t, c.gateway.Start(context.Background()))
	st := c.gateway.Status(context.Background())
	assert.Equal(t, gateway.StateRunning, st.State)
	require.NotNil(t, st.Hooks)
	assert.False(t, st.Hooks.Installed)

	require.NoError(t, shutdown(c, cfg.Server.ShutdownTimeout))
	assert.Equal(t, gateway.StateStopped, c.gateway.State())
}
