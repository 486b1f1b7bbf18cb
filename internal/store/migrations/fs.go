// Package migrations embeds the goose migration files for the local
// control schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
