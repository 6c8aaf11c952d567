// Package tlsroots builds TLS configurations for the admin API.
//
// The server side serves a certificate pair that is reloaded whenever
// the files change on disk, so certificates can be rotated without a
// restart. The client side trusts the system roots plus an optional CA
// file, which the CLI uses to reach a server with a private CA.
package tlsroots
