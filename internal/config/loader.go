package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file or a directory containing
// config.yaml. If a .checksums manifest sits next to the file, the file must match it.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourceFile = absPath
	return cfg, nil
}

// Parse decodes YAML config bytes, interpolates ${VAR} references, applies
// defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()

	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolateEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg = applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// verifyConfigHash checks path against the .checksums manifest in its
// directory. A missing manifest skips verification.
func verifyConfigHash(path string) error {
	dir := filepath.Dir(path)
	manifest, err := LoadChecksums(dir)
	if err != nil {
		if errors.Is(err, ErrNoChecksums) {
			return nil
		}
		return err
	}

	name := filepath.Base(path)
	expected, ok := manifest.Hashes[name]
	if !ok {
		return fmt.Errorf("config file %s has no hash in %s\n"+
			"Run: farmhand config hash --config %s", name, filepath.Join(dir, checksumsFile), path)
	}
	if err := VerifyFileHash(path, expected); err != nil {
		return fmt.Errorf("config verification failed: %w\n"+
			"If you edited this file intentionally, run: farmhand config hash --config %s", err, path)
	}
	return nil
}

// applyConfigDefaults fills values that were explicitly set to empty.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)

	if cfg.Remote.Host == "" {
		cfg.Remote.Host = defaults.Remote.Host
	}
	if cfg.Server.LockPath == "" {
		cfg.Server.LockPath = defaults.Server.LockPath
	}
	if cfg.History.Path == "" {
		cfg.History.Path = defaults.History.Path
	}
	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and rejected by validate.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if f := cfg.Service.LogFormat; f != "json" && f != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", f)
	}

	if cfg.Local.MaxJobs != nil && *cfg.Local.MaxJobs < 0 {
		return fmt.Errorf("local.max_jobs must not be negative")
	}

	if err := validatePort("remote.port", cfg.Remote.Port); err != nil {
		return err
	}
	if err := validatePort("server.port", cfg.Server.Port); err != nil {
		return err
	}
	if cfg.Remote.MaxAttempts < 0 {
		return fmt.Errorf("remote.max_attempts must not be negative")
	}
	if cfg.Remote.DialRetryInterval < 0 {
		return fmt.Errorf("remote.dial_retry_interval must not be negative")
	}
	for i, name := range cfg.Remote.AllowList {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("remote.allow_list[%d] is empty", i)
		}
	}
	if cfg.Remote.Enabled && cfg.Remote.Port == 0 && cfg.Launcher.Binary == "" {
		return fmt.Errorf("remote.enabled without remote.port requires launcher.binary")
	}

	if cfg.History.Enabled && cfg.History.Path == "" {
		return fmt.Errorf("history.path is required when history is enabled")
	}

	// No secrets or paths should silently stay as placeholders.
	for field, value := range map[string]string{
		"remote.host":          cfg.Remote.Host,
		"launcher.binary":      cfg.Launcher.Binary,
		"launcher.command":     cfg.Launcher.Command,
		"history.path":         cfg.History.Path,
		"server.lock_path":     cfg.Server.LockPath,
		"server.status_listen": cfg.Server.StatusListen,
		"server.status_token":  cfg.Server.StatusToken,
	} {
		if err := checkUnresolved(field, value); err != nil {
			return err
		}
	}
	for i, flag := range cfg.Launcher.Flags {
		if err := checkUnresolved(fmt.Sprintf("launcher.flags[%d]", i), flag); err != nil {
			return err
		}
	}
	return nil
}

func validatePort(field string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%s must be between 0 and 65535 (got %d)", field, port)
	}
	return nil
}

func checkUnresolved(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}
