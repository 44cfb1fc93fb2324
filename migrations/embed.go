// Package migrations embeds SQL migration files for use at runtime.
// Migrations are embedded so they work regardless of working directory.
// Each storage backend has its own dialect directory.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

// Postgres returns the migrations for the shared Postgres registry.
func Postgres() fs.FS {
	return sub("postgres")
}

// SQLite returns the migrations for the local SQLite registry.
func SQLite() fs.FS {
	return sub("sqlite")
}

func sub(dir string) fs.FS {
	f, err := fs.Sub(files, dir)
	if err != nil {
		// Unreachable: dir is one of the embedded directories.
		panic(err)
	}
	return f
}
