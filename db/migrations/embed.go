// Package migrations embeds the schema migration files applied by the
// Postgres store at startup. Files run in lexical order and each runs in
// its own transaction.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
