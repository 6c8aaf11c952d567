// Package main provides the entry point for corestate-server.
//
// The server attaches the configured block devices and serves:
//
//   - change tracking of every write, with threshold-driven incremental
//     backups into compressed (optionally encrypted) archives
//   - copy-on-write snapshots whose preserved chunks live in Badger
//   - an HTTP admin API with Prometheus metrics
//   - a local Unix socket for management without the network
//
// Usage:
//
//	corestate-server --config /etc/corestate/server.yaml
//
// Tracking threshold, merge threshold and log level are reloaded when
// the configuration file changes.
package main
