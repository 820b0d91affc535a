// Package migrations embeds SQL migration files for use at startup and
// in tooling.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
