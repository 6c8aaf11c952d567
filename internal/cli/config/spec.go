package config

import (
	"errors"
	"fmt"
	"time"
)

// Defaults for corestate-cli.
const (
	DefaultServer  = "127.0.0.1:5090"
	DefaultSocket  = "/var/run/corestate/corestate.sock"
	DefaultOutput  = "table"
	DefaultTimeout = "30s"
)

// CLIConfig is the configuration for corestate-cli, read from
// ~/.corestate/cli.yaml and CORESTATE_CLI_* variables.
type CLIConfig struct {
	// Server is the admin API address, host:port or a full URL.
	Server string `koanf:"server" yaml:"server" json:"server"`

	// Socket is the local command socket used by "corestate-cli local".
	Socket string `koanf:"socket" yaml:"socket" json:"socket"`

	// Output is table, json or yaml.
	Output string `koanf:"output" yaml:"output" json:"output"`

	// Timeout bounds each request, as a Go duration string.
	Timeout string `koanf:"timeout" yaml:"timeout" json:"timeout"`

	CAFile             string `koanf:"ca_file" yaml:"ca_file,omitempty" json:"ca_file,omitempty"`
	InsecureSkipVerify bool   `koanf:"insecure_skip_verify" yaml:"insecure_skip_verify,omitempty" json:"insecure_skip_verify,omitempty"`
}

// Default returns the default CLI configuration.
func Default() *CLIConfig {
	return &CLIConfig{
		Server:  DefaultServer,
		Socket:  DefaultSocket,
		Output:  DefaultOutput,
		Timeout: DefaultTimeout,
	}
}

// RequestTimeout returns Timeout parsed, or the default on a bad value.
func (c *CLIConfig) RequestTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(DefaultTimeout)
	}
	return d
}

// Validate reports every invalid field.
func (c *CLIConfig) Validate() error {
	var errs []error
	if c.Server == "" {
		errs = append(errs, errors.New("server is required"))
	}
	switch c.Output {
	case "table", "json", "yaml":
	default:
		errs = append(errs, fmt.Errorf("output %q must be table, json or yaml", c.Output))
	}
	if d, err := time.ParseDuration(c.Timeout); err != nil || d <= 0 {
		errs = append(errs, fmt.Errorf("timeout %q is not a positive duration", c.Timeout))
	}
	return errors.Join(errs...)
}
