// Package policy loads the kernel's two configuration surfaces: the
// daemon's own bootstrap config (config.toml) and the ruleset/quorum policy
// document (policy.json) that governs contract and crypto behavior.
//
// DaemonConfig plays the bootstrap-parameters role, validated defensively
// before anything else starts.
package policy

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// DaemonConfig is the kernel's bootstrap configuration: bind address, data
// directory, log level, and the break-glass trustee drop-box root. It says
// nothing about ruleset or crypto policy; that lives in policy.json,
// loaded separately so a deployment can rotate ruleset without restarting
// with new bind settings.
type DaemonConfig struct {
	DataDir           string `toml:"data_dir"`
	BindAddr          string `toml:"bind_addr"`
	LogLevel          string `toml:"log_level"`
	BreakGlassDropDir string `toml:"breakglass_drop_dir"`
}

var allowedLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".pwk"
	}
	return filepath.Join(home, ".pwk")
}

func DefaultDaemonConfig() DaemonConfig {
	dataDir := DefaultDataDir()
	return DaemonConfig{
		DataDir:           dataDir,
		BindAddr:          "127.0.0.1:7117",
		LogLevel:          "info",
		BreakGlassDropDir: filepath.Join(dataDir, "breakglass", "dropbox"),
	}
}

// LoadDaemonConfig reads and validates config.toml at path.
func LoadDaemonConfig(path string) (DaemonConfig, error) {
	cfg := DefaultDaemonConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return DaemonConfig{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := ValidateDaemonConfig(cfg); err != nil {
		return DaemonConfig{}, err
	}
	return cfg, nil
}

// ValidateDaemonConfig rejects configurations that would start the daemon
// into a half-usable state. Failing closed extends to bad config too.
func ValidateDaemonConfig(cfg DaemonConfig) error {
	if strings.TrimSpace(cfg.DataDir) == "" {
		return errors.New("data_dir is required")
	}
	if err := validateLoopbackAddr(cfg.BindAddr); err != nil {
		return fmt.Errorf("invalid bind_addr: %w", err)
	}
	logLevel := strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if _, ok := allowedLogLevels[logLevel]; !ok {
		return fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}
	if strings.TrimSpace(cfg.BreakGlassDropDir) == "" {
		return errors.New("breakglass_drop_dir is required")
	}
	return nil
}

// validateLoopbackAddr enforces the loopback-only API surface.
func validateLoopbackAddr(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("empty address")
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host == "" {
		return fmt.Errorf("bind_addr %q binds all interfaces: the Event API is local-only by design", addr)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("bind_addr host %q is not an IP literal", host)
	}
	if !ip.IsLoopback() {
		return fmt.Errorf("bind_addr %q is not loopback: the Event API is local-only by design", addr)
	}
	return nil
}
