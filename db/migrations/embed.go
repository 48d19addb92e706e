// Package migrations embeds the SQL migration files for the event journal.
package migrations

import "embed"

// FS holds the versioned migration files.
//
//go:embed *.sql
var FS embed.FS
