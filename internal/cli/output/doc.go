// Package output renders corestate-cli results as a table, JSON or YAML,
// and draws the spinner and progress bar used by long operations.
//
// Table output is derived from the json tags of the API types, so the
// column names match the field names in JSON and YAML output.
package output
