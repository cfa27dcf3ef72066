//go:build !sqlitecgo

package store

import (
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// driverName selects the pure-Go driver in the default build. Build
// with -tags sqlitecgo to use mattn/go-sqlite3 instead.
const driverName = "sqlite"
