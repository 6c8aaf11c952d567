// Package connection provides the corestate-cli clients: an HTTP client
// for the admin API, which unwraps the {code, message, data} response
// envelope, and a client for the line protocol of the local command
// socket. Manager builds both from the resolved CLI config.
package connection
