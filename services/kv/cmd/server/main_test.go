package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xudaotutou/kv-server/pkg/config"
	"github.com/xudaotutou/kv-server/pkg/logging"
)

func TestRootCommandWiring(t *testing.T) {
	cmd := newRootCommand()
	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["migrate"])
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
}

func TestSetupReadsConfigDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.toml"), []byte(`
[chain]
store = "memory"

[log]
format = "json"
level = "debug"
`), 0o600))
	t.Setenv(config.EnvName, "test")

	cfg, log, err := setup(&rootOptions{configDir: dir})
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Chain.Store)
	assert.NotNil(t, log)
}

func TestSetupRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.toml"), []byte(`
[chain]
store = "sqlite"
`), 0o600))
	t.Setenv(config.EnvName, "test")

	_, _, err := setup(&rootOptions{configDir: dir})
	assert.Error(t, err)
}

func TestServeMemoryStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Chain.Store = "memory"
	cfg.Web.Listen = "127.0.0.1"
	cfg.Web.Port = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, logging.Discard()) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}
