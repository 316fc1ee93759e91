//go:build !cgo_sqlite

package store

// Pure Go SQLite, no cgo toolchain needed.
import _ "modernc.org/sqlite"

const DriverName = "sqlite"
