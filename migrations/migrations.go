// Package migrations embeds the schema migration files so the server
// binary carries its own schema and never depends on a directory being
// present alongside it at runtime.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
