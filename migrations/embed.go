// Package migrations holds the goose migrations for the store, API key and
// diagnostics tables.
package migrations

import "embed"

// FS is applied by cmd/server on startup and by the integration tests.
//
//go:embed *.sql
var FS embed.FS
