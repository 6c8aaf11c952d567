// Package command defines the corestate-cli command tree on
// urfave/cli/v2.
//
// Commands reach the server through the admin HTTP API, except
// "local", which uses the unix command socket. Each action resolves a
// client from the connection manager installed by the root Before hook,
// bounds the request with the configured timeout and renders the
// response with the selected output formatter. "shell" reruns the same
// tree for every line it reads.
package command
