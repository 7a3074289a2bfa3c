// Package dbmigrations exposes embedded SQL migrations for spotpoller binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into spotpoller binaries.
//
//go:embed *.sql
var Files embed.FS
