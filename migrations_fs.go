package hooks

import (
	"embed"
	"io/fs"
)

// migrationsFS holds the schema for both dialects. SQLite variants live
// under data/sql/migrations/sqlite.
//
//go:embed data/sql/migrations/*.sql data/sql/migrations/sqlite/*.sql
var migrationsFS embed.FS

// MigrationsFS returns the embedded migration tree rooted at the module.
func MigrationsFS() fs.FS {
	return migrationsFS
}
