package config

import (
	"maps"

	"github.com/yndnr/corestate-go/internal/telemetry/logger"
)

// Sanitize returns a copy of cfg with key material masked, for logging.
func Sanitize(cfg *ServerConfig) *ServerConfig {
	sanitized := *cfg
	sanitized.Devices = maps.Clone(cfg.Devices)
	sanitized.Security.MasterKey = logger.Redact(cfg.Security.MasterKey)
	sanitized.Security.Passphrase = logger.Redact(cfg.Security.Passphrase)
	sanitized.Security.Salt = logger.Redact(cfg.Security.Salt)
	return &sanitized
}
