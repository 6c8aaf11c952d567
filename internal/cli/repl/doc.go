// Package repl implements "corestate-cli shell", a line-oriented
// interactive mode. Each line is split into words and run through the
// same command tree as a one-shot invocation, so flags and output
// formats behave identically. Lines ending in "?" list completions and
// the history is kept in ~/.corestate/history.
package repl
