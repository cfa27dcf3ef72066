//go:build sqlitecgo

package store

import (
	_ "github.com/mattn/go-sqlite3" // cgo SQLite driver
)

// driverName selects the cgo driver when built with -tags sqlitecgo.
// The cgo build links the system SQLite and is noticeably faster for
// large histories; the default pure-Go build needs no toolchain setup.
const driverName = "sqlite3"
