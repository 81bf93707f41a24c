// Package migrations embeds the SQL schema of chatsync.db.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
