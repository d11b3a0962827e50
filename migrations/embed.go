// Package migrations embeds the SQL schema so the deployed binary carries
// its own migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
