package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"netintercept/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestConfigInitStdout(t *testing.T) {
	out, err := run(t, "config", "init", "-o", "-")
	require.NoError(t, err)
	assert.Contains(t, out, "addr: 127.0.0.1:4444")
	assert.Contains(t, out, "process_timeout_ms: 3000")
}

func TestConfigInitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netintercept.yaml")
	out, err := run(t, "config", "init", "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.NewConfig(), cfg)

	_, err = run(t, "config", "init", "-o", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: trace\n"), 0o644))
	_, err = run(t, "config", "init", "-o", path, "--force")
	require.NoError(t, err)
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: trace\n"), 0o644))
	_, err := run(t, "serve", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")

	_, err = run(t, "serve", "--addr", "no-port")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Config.Server.Addr")
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "netintercept dev (none)")
}
