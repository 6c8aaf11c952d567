// Package httpserver serves the admin HTTP API.
//
// The router wraps the handler package with the middleware chain
// Recover, RequestID, RateLimit, Audit and Observe. TLS is optional and
// follows certificate rotation on disk.
package httpserver
