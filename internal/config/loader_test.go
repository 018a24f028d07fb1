package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "empty file uses defaults",
			yaml: ``,
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "farmhand", cfg.Service.Name)
				assert.Equal(t, "info", cfg.Service.LogLevel)
				assert.Equal(t, runtime.NumCPU(), cfg.MaxLocalJobs())
				assert.False(t, cfg.Remote.Enabled)
				assert.True(t, cfg.ResendOnReset())
				assert.Equal(t, 50*time.Millisecond, cfg.Remote.DialRetryInterval)
				assert.Contains(t, cfg.Remote.AllowList, "cl.exe")
			},
		},
		{
			name: "full config",
			yaml: `
service:
  name: ci-farm
  log_level: DEBUG
  log_format: text
local:
  max_jobs: 0
remote:
  enabled: true
  port: 31337
  allow_list: [cc, ld.lld]
  dial_retry_interval: 10ms
  max_attempts: 3
  resend_on_reset: false
server:
  port: 31337
  status_listen: 127.0.0.1:8090
toolchain:
  forward_slash_paths: true
history:
  enabled: true
  path: /var/lib/farmhand/history.db
`,
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "ci-farm", cfg.Service.Name)
				assert.Equal(t, "debug", cfg.Service.LogLevel)
				assert.Equal(t, 0, cfg.MaxLocalJobs())
				assert.Equal(t, []string{"cc", "ld.lld"}, cfg.Remote.AllowList)
				assert.Equal(t, 10*time.Millisecond, cfg.Remote.DialRetryInterval)
				assert.Equal(t, 3, cfg.Remote.MaxAttempts)
				assert.False(t, cfg.ResendOnReset())
				assert.Equal(t, "127.0.0.1:8090", cfg.Server.StatusListen)
				assert.True(t, cfg.Toolchain.ForwardSlashPaths)
				assert.Equal(t, "/var/lib/farmhand/history.db", cfg.History.Path)
			},
		},
		{
			name: "env var interpolation",
			yaml: `
remote:
  enabled: true
launcher:
  binary: ${FARM_CONSOLE}
  flags: ["/title=${FARM_TITLE}"]
`,
			env: map[string]string{"FARM_CONSOLE": "/opt/farm/console", "FARM_TITLE": "nightly"},
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/opt/farm/console", cfg.Launcher.Binary)
				assert.Equal(t, []string{"/title=nightly"}, cfg.Launcher.Flags)
			},
		},
		{
			name:    "unresolved env var",
			yaml:    "history:\n  path: ${FARMHAND_UNSET_FOR_TEST}\n",
			wantErr: "FARMHAND_UNSET_FOR_TEST",
		},
		{
			name:    "invalid log level",
			yaml:    "service:\n  log_level: loud\n",
			wantErr: "service.log_level",
		},
		{
			name:    "invalid log format",
			yaml:    "service:\n  log_format: xml\n",
			wantErr: "service.log_format",
		},
		{
			name:    "negative max jobs",
			yaml:    "local:\n  max_jobs: -1\n",
			wantErr: "local.max_jobs",
		},
		{
			name:    "port out of range",
			yaml:    "remote:\n  port: 70000\n",
			wantErr: "remote.port",
		},
		{
			name:    "empty allow list entry",
			yaml:    "remote:\n  allow_list: [cc, \"\"]\n",
			wantErr: "remote.allow_list[1]",
		},
		{
			name:    "remote without port or launcher",
			yaml:    "remote:\n  enabled: true\n",
			wantErr: "launcher.binary",
		},
		{
			name:    "unknown field",
			yaml:    "remote:\n  pickle: true\n",
			wantErr: "pickle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := Load(writeConfig(t, tt.yaml))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	path := writeConfig(t, "service:\n  name: from-dir\n")

	cfg, err := Load(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, "from-dir", cfg.Service.Name)
	assert.Equal(t, path, cfg.SourceFile)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")

	_, err = Load(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config.yaml not found")
}

func TestLoadVerifiesChecksums(t *testing.T) {
	path := writeConfig(t, "local:\n  max_jobs: 2\n")
	_, err := WriteChecksums(path)
	require.NoError(t, err)

	_, err = Load(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("local:\n  max_jobs: 64\n"), 0o600))
	_, err = Load(path)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "config verification failed"), err.Error())
}

func TestLoadChecksumsWithoutEntry(t *testing.T) {
	path := writeConfig(t, "local:\n  max_jobs: 2\n")
	other := filepath.Join(filepath.Dir(path), "other.yaml")
	require.NoError(t, os.WriteFile(other, []byte("x: 1\n"), 0o600))
	_, err := WriteChecksums(other)
	require.NoError(t, err)

	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no hash")
}
