package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := newRootCmd()
	assert.Equal(t, "polis-guard", cmd.Use)

	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"serve", "validate", "certs", "version"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestServeFlags(t *testing.T) {
	cmd := newServeCmd()

	tests := []struct {
		name      string
		shorthand string
	}{
		{"config", "c"},
		{"log-level", "l"},
		{"admin-addr", ""},
		{"policies", "p"},
		{"store", ""},
		{"store-dsn", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := cmd.Flags().Lookup(tt.name)
			require.NotNil(t, f)
			assert.Equal(t, tt.shorthand, f.Shorthand)
		})
	}
}

func TestBuildConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "guard.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("server:\n  admin_address: \":7000\"\nlogging:\n  level: warn\n"), 0o600))

	tests := []struct {
		name      string
		flags     serveFlags
		wantAddr  string
		wantLevel string
		wantStore string
		wantErr   bool
	}{
		{
			name:      "defaults",
			flags:     serveFlags{},
			wantAddr:  ":19090",
			wantLevel: "info",
			wantStore: "memory",
		},
		{
			name:      "file",
			flags:     serveFlags{Config: cfgPath},
			wantAddr:  ":7000",
			wantLevel: "warn",
			wantStore: "memory",
		},
		{
			name:      "flags override file",
			flags:     serveFlags{Config: cfgPath, LogLevel: "debug", AdminAddr: ":7100", StoreDriver: "sqlite", StoreDSN: filepath.Join(dir, "g.db")},
			wantAddr:  ":7100",
			wantLevel: "debug",
			wantStore: "sqlite",
		},
		{
			name:    "missing file",
			flags:   serveFlags{Config: filepath.Join(dir, "nope.yaml")},
			wantErr: true,
		},
		{
			name:    "bad driver",
			flags:   serveFlags{StoreDriver: "mongo"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := buildConfig(tt.flags)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAddr, cfg.Server.AdminAddress)
			assert.Equal(t, tt.wantLevel, cfg.Logging.Level)
			assert.Equal(t, tt.wantStore, cfg.Storage.Driver)
		})
	}
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
rate_limits:
  - {identifier_type: api_key, scope: search, requests_per_window: 10, window_duration: 1m}
budgets:
  - {name: llm, service: search, period: daily, amount_limit: "50", alert_thresholds: [1.0]}
`), 0o600))
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`
rate_limits:
  - {identifier_type: api_key, scope: search, requests_per_window: 0, window_duration: 1m}
`), 0o600))

	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr bool
	}{
		{name: "no policies", args: []string{"validate"}, want: "no policy file configured"},
		{name: "good policies", args: []string{"validate", "--policies", good}, want: "rate_limits=1 circuit_breakers=0 budgets=1"},
		{name: "bad policies", args: []string{"validate", "-p", bad}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			cmd := newRootCmd()
			cmd.SetOut(&out)
			cmd.SetErr(&out)
			cmd.SetArgs(tt.args)

			err := cmd.Execute()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, out.String(), tt.want)
		})
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "polis-guard dev\n", out.String())
}

func TestCertsGenerateAndInspect(t *testing.T) {
	dir := t.TempDir()

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"certs", "generate", "--out-dir", dir, "--hosts", "guard.local,10.1.2.3", "--valid-for", "48h"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), filepath.Join(dir, "admin.crt"))

	out.Reset()
	cmd = newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"certs", "inspect", filepath.Join(dir, "admin.crt")})
	require.NoError(t, cmd.Execute())

	var info map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.Equal(t, []any{"guard.local"}, info["dns_names"])
	assert.Equal(t, []any{"10.1.2.3"}, info["ip_addresses"])
	assert.Equal(t, true, info["self_signed"])
	assert.Contains(t, info["subject"], "CN=polis-guard")
}
