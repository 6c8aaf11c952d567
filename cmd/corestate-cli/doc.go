// Package main provides the entry point for corestate-cli.
//
// The CLI manages a corestate-server over its HTTP admin API or its
// local socket, in single-command mode or as an interactive shell.
//
// Usage:
//
//	corestate-cli status
//	corestate-cli -o json snapshot list
//	corestate-cli snapshot create sda --chunk-size 65536
//	corestate-cli shell
package main
