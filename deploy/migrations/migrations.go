package migrations

import (
	"embed"
	"io/fs"
)

// Files exposes the SQL migrations of every dialect, one directory each.
//
//go:embed mysql/*.sql sqlite/*.sql
var Files embed.FS

// Dialect returns the migrations of one dialect directory.
func Dialect(name string) (fs.FS, error) {
	return fs.Sub(Files, name)
}
