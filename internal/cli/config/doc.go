// Package config holds the corestate-cli settings: the admin API
// address, the local socket path, the default output format and TLS
// trust options. Settings come from ~/.corestate/cli.yaml, then
// CORESTATE_CLI_* variables, then command-line flags.
package config
