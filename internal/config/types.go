package config

import (
	"runtime"
	"time"
)

// Config represents the complete farmhand configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Local     LocalConfig     `yaml:"local"`
	Remote    RemoteConfig    `yaml:"remote"`
	Server    ServerConfig    `yaml:"server"`
	Toolchain ToolchainConfig `yaml:"toolchain"`
	Launcher  LauncherConfig  `yaml:"launcher,omitempty"`
	History   HistoryConfig   `yaml:"history"`

	// SourceFile is the absolute path the config was loaded from.
	SourceFile string `yaml:"-"`
}

// ServiceConfig defines logging and identity settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// LocalConfig bounds local execution.
type LocalConfig struct {
	// MaxJobs is the number of local slots. Zero sends every allow-listed
	// task to the farm.
	MaxJobs *int `yaml:"max_jobs,omitempty"`
}

// RemoteConfig controls overflow to the coordinator.
type RemoteConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"` // 0 reserves an ephemeral port and starts the launcher
	AllowList         []string      `yaml:"allow_list"`
	DialRetryInterval time.Duration `yaml:"dial_retry_interval"`
	MaxAttempts       int           `yaml:"max_attempts"` // 0 = unlimited
	ResendOnReset     *bool         `yaml:"resend_on_reset,omitempty"`
}

// ServerConfig defines the coordinator (farm agent) side.
type ServerConfig struct {
	Port         int    `yaml:"port"`
	StatusListen string `yaml:"status_listen,omitempty"` // empty disables the status API
	StatusToken  string `yaml:"status_token,omitempty"`  // bearer token for the status API; empty leaves it open
	LockPath     string `yaml:"lock_path"`
	StatusMarker string `yaml:"status_marker"`
}

// ToolchainConfig holds argv preprocessing switches.
type ToolchainConfig struct {
	ForwardSlashPaths bool `yaml:"forward_slash_paths"`
}

// LauncherConfig describes the vendor farm console started for remote builds.
type LauncherConfig struct {
	Binary  string   `yaml:"binary"`
	Command string   `yaml:"command"` // reinvocation of the build tool; defaults to this process's argv
	Flags   []string `yaml:"flags,omitempty"`
}

// HistoryConfig defines task history storage.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	maxJobs := runtime.NumCPU()
	resend := true
	return &Config{
		Service: ServiceConfig{
			Name:      "farmhand",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Local: LocalConfig{
			MaxJobs: &maxJobs,
		},
		Remote: RemoteConfig{
			Enabled:           false,
			Host:              "127.0.0.1",
			DialRetryInterval: 50 * time.Millisecond,
			ResendOnReset:     &resend,
			AllowList:         []string{"cl.exe", "link.exe", "lib.exe", "cc", "c++", "gcc", "g++", "clang", "clang++"},
		},
		Server: ServerConfig{
			LockPath:     "./data/farmhand.lock",
			StatusMarker: "#farm-status",
		},
		History: HistoryConfig{
			Enabled: false,
			Path:    "./data/history.db",
		},
	}
}

// MaxLocalJobs returns the configured number of local slots.
func (c *Config) MaxLocalJobs() int {
	if c.Local.MaxJobs == nil {
		return runtime.NumCPU()
	}
	return *c.Local.MaxJobs
}

// ResendOnReset reports whether dropped round trips are resent.
func (c *Config) ResendOnReset() bool {
	return c.Remote.ResendOnReset == nil || *c.Remote.ResendOnReset
}
