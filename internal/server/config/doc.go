// Package config defines the corestate-server configuration.
//
//   - spec.go: ServerConfig struct definition
//   - default.go: default values
//   - keys.go: dotted key names for environment mapping and hot reload
//   - verify.go: validation
//   - sanitize.go: masking of key material for logging
//
// Configuration is loaded via internal/infra/confloader.
package config
