package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/yndnr/corestate-go/internal/infra/confloader"
)

// EnvPrefix is the environment prefix for CLI settings.
const EnvPrefix = "CORESTATE_CLI_"

// DefaultConfigPath returns the default CLI config file path.
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".corestate", "cli.yaml")
}

// Load reads the config file at path over the defaults, then applies
// CORESTATE_CLI_* variables. A missing file is not an error.
func Load(path string) (*CLIConfig, error) {
	return LoadWithOverrides(path, nil)
}

// LoadWithOverrides is Load followed by overrides, keyed like the file.
func LoadWithOverrides(path string, overrides map[string]any) (*CLIConfig, error) {
	if path == "" {
		path = DefaultConfigPath()
	}

	opts := []confloader.Option{
		confloader.WithEnvPrefix(EnvPrefix),
		confloader.WithKnownKeys("ca_file", "insecure_skip_verify"),
		confloader.WithOverrides(overrides),
	}
	if _, err := os.Stat(path); err == nil {
		opts = append(opts, confloader.WithConfigFile(path))
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	cfg := Default()
	if err := confloader.NewLoader(opts...).Load(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path with owner-only permissions.
func Save(cfg *CLIConfig, path string) error {
	if path == "" {
		path = DefaultConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
