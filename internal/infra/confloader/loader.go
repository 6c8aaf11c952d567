package confloader

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultEnvPrefix is the default environment variable prefix.
const DefaultEnvPrefix = "CORESTATE_"

// Loader loads configuration from a YAML file and the environment.
type Loader struct {
	k         *koanf.Koanf
	envPrefix string
	filePath  string
	known     map[string]string
	overrides map[string]any
}

// Option configures a Loader.
type Option func(*Loader)

// WithEnvPrefix sets the environment variable prefix.
func WithEnvPrefix(prefix string) Option {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

// WithConfigFile sets the configuration file path.
func WithConfigFile(path string) Option {
	return func(l *Loader) {
		l.filePath = path
	}
}

// WithKnownKeys lists dotted keys whose names contain underscores, so
// CORESTATE_TRACKING_BLOCK_SIZE maps to tracking.block_size rather than
// tracking.block.size.
func WithKnownKeys(keys ...string) Option {
	return func(l *Loader) {
		for _, k := range keys {
			l.known[strings.ReplaceAll(k, ".", "_")] = k
		}
	}
}

// WithOverrides sets dotted keys applied after the file and the
// environment, e.g. from command line flags.
func WithOverrides(values map[string]any) Option {
	return func(l *Loader) {
		l.overrides = values
	}
}

// NewLoader creates a configuration loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		k:         koanf.New("."),
		envPrefix: DefaultEnvPrefix,
		known:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads the file (if set), the environment, then the overrides, and
// unmarshals the result into target. Fields of target absent from all
// three keep their value.
func (l *Loader) Load(target any) error {
	if l.filePath != "" {
		if err := l.LoadFile(l.filePath); err != nil {
			return fmt.Errorf("load config file: %w", err)
		}
	}
	if err := l.LoadEnv(); err != nil {
		return fmt.Errorf("load env: %w", err)
	}
	if len(l.overrides) > 0 {
		if err := l.LoadMap(l.overrides); err != nil {
			return err
		}
	}
	if err := l.Unmarshal(target); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}

// LoadFile loads configuration from a YAML file.
func (l *Loader) LoadFile(path string) error {
	if path == "" {
		return nil
	}
	if err := l.k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return fmt.Errorf("load file %s: %w", path, err)
	}
	return nil
}

// LoadEnv loads variables carrying the prefix. CORESTATE_SERVER_HTTP_ADDR
// becomes server.http.addr; known keys are matched first.
func (l *Loader) LoadEnv() error {
	provider := env.Provider(l.envPrefix, ".", l.envKey)
	if err := l.k.Load(provider, nil); err != nil {
		return fmt.Errorf("load env: %w", err)
	}
	return nil
}

func (l *Loader) envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, l.envPrefix))
	if k, ok := l.known[s]; ok {
		return k
	}
	return strings.ReplaceAll(s, "_", ".")
}

// LoadMap loads configuration from a map of dotted keys.
func (l *Loader) LoadMap(data map[string]any) error {
	if err := l.k.Load(mapProvider(data), nil); err != nil {
		return fmt.Errorf("load map: %w", err)
	}
	return nil
}

// Unmarshal unmarshals the loaded configuration into target using koanf
// struct tags.
func (l *Loader) Unmarshal(target any) error {
	return l.k.Unmarshal("", target)
}

// Keys returns all configuration keys.
func (l *Loader) Keys() []string {
	return l.k.Keys()
}
