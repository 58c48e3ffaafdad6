// Package migrations embeds the decisio schema migrations, applied with
// goose at server startup.
package migrations

import "embed"

// FS holds the goose migration SQL files in lexical order.
//
//go:embed *.sql
var FS embed.FS
