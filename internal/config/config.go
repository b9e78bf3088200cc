// Package config defines the worker configuration consumed by the mining
// client core. Populating it — from a TOML file, flags, a credential
// prompt, or anything else — is the job of a front-end that lives outside
// this module; this package only defines the shape and the handful of
// environment-variable overrides the core itself relies on for local
// testing and container deployment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout is applied when Config.Timeout is the zero value and
// NoTimeout is false, matching the Python original's post-load default
// of 5 minutes.
const DefaultTimeout = 5 * time.Minute

// Config is the set of parameters the orchestrator needs to run a single
// worker session against one upstream. Every field here is named in
// spec.md §6.
type Config struct {
	Name     string // worker name sent with mining.authorize and mining.submit
	Password string

	Host string
	Port int

	NumberOfDevices int // >= 1
	CoresPerDevice  int // power of two, >= 1

	Timeout   time.Duration // wall-clock bound on poll_until_ready_or_timeout
	NoTimeout bool          // when true, Timeout is ignored and polling waits indefinitely

	InterruptWork bool // issue interrupt_execution on clean_jobs (default true)

	Verbose int // 0/1 = info, 2 = debug; mirrors the -v/-vv CLI flag of the original
}

// Validate checks the invariants the core relies on (spec.md §3, §6). It
// does not reach into the environment or any file; callers that build a
// Config from user input should call this before handing it to the
// orchestrator.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("config: worker name is required")
	}
	if c.Host == "" {
		return fmt.Errorf("config: host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.NumberOfDevices < 1 {
		return fmt.Errorf("config: number_of_devices must be >= 1, got %d", c.NumberOfDevices)
	}
	if c.CoresPerDevice < 1 || c.CoresPerDevice&(c.CoresPerDevice-1) != 0 {
		return fmt.Errorf("config: cores_per_device must be a power of two, got %d", c.CoresPerDevice)
	}
	return nil
}

// EffectiveTimeout returns the poll timeout to use, applying the
// DefaultTimeout and NoTimeout rules. A nil return means "no timeout".
func (c Config) EffectiveTimeout() *time.Duration {
	if c.NoTimeout {
		return nil
	}
	t := c.Timeout
	if t <= 0 {
		t = DefaultTimeout
	}
	return &t
}

// ApplyEnvOverrides overlays SHAPOOL_* environment variables onto cfg, the
// way the original device config loader overlays DEVICE_* variables onto
// values read from a local .env file. Unset variables leave the existing
// field untouched.
func ApplyEnvOverrides(cfg Config) Config {
	if v := os.Getenv("SHAPOOL_NAME"); v != "" {
		cfg.Name = v
	}
	if v := os.Getenv("SHAPOOL_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("SHAPOOL_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("SHAPOOL_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("SHAPOOL_NUMBER_OF_DEVICES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NumberOfDevices = n
		}
	}
	if v := os.Getenv("SHAPOOL_CORES_PER_DEVICE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CoresPerDevice = n
		}
	}
	if v := os.Getenv("SHAPOOL_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Timeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("SHAPOOL_VERBOSE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Verbose = n
		}
	}
	return cfg
}

// parseEnvFile parses a simple KEY=value file (same format as the
// original device config loader) into a map.
func parseEnvFile(content string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		out[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return out
}

// findProjectRoot walks up from the working directory looking for go.mod.
func findProjectRoot() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return cwd
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return cwd
		}
		cwd = parent
	}
}

// LoadDotEnv looks for a .env file at the project root and returns the
// worker defaults it sets, applying SHAPOOL_* process environment
// variables on top. It is a convenience for local development only — the
// real configuration surface (a TOML file, a credential prompt) is out of
// scope for this module, per spec.md §1.
func LoadDotEnv() Config {
	data, _ := os.ReadFile(filepath.Join(findProjectRoot(), ".env"))
	values := parseEnvFile(string(data))

	cfg := Config{
		Name:            values["SHAPOOL_NAME"],
		Password:        values["SHAPOOL_PASSWORD"],
		Host:            values["SHAPOOL_HOST"],
		NumberOfDevices: 1,
		CoresPerDevice:  1,
		InterruptWork:   true,
	}
	if v, ok := values["SHAPOOL_PORT"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v, ok := values["SHAPOOL_NUMBER_OF_DEVICES"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NumberOfDevices = n
		}
	}
	if v, ok := values["SHAPOOL_CORES_PER_DEVICE"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CoresPerDevice = n
		}
	}

	return ApplyEnvOverrides(cfg)
}
