// Package handler implements the admin HTTP API.
//
// Every JSON response uses the Response envelope. Errors carry the
// domain error code both in the body and in the X-Error-Code header, and
// the HTTP status is derived from the code. Preserved chunk contents are
// served raw as application/octet-stream.
package handler
