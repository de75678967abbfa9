// Package migrations embeds the gateway's forward-only SQLite migrations.
package migrations

import "embed"

// FS exposes the embedded migration files.
//
//go:embed *.sql
var FS embed.FS
