// Package confloader loads layered configuration with koanf.
//
// Priority (highest to lowest):
//
//  1. Environment variables (CORESTATE_ prefix)
//  2. Configuration file (YAML)
//  3. Values already present in the target struct
//
// Watcher reports changes to the configuration file so a running server
// can apply its hot-reloadable settings.
package confloader
