// Package migrations embeds the Postgres schema so cmd/migrate can apply it
// without the source tree on disk.
package migrations

import "embed"

// FS holds every *.up.sql file in version order by name.
//
//go:embed *.sql
var FS embed.FS
