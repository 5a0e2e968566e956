package workqueue

import (
	"embed"
	"io/fs"
)

// migrationsFS holds the jobs, dead_letter and webhook_events schema, with the
// sqlite variant under data/sql/migrations/sqlite.
//
//go:embed data/sql/migrations/*.sql data/sql/migrations/sqlite/*.sql
var migrationsFS embed.FS

// GetMigrationsFS returns the embedded migration tree.
func GetMigrationsFS() fs.FS {
	return migrationsFS
}
