// Package database provides PostgreSQL connection pool management for the
// postgres storage backend.
//
// Each calendar day is stored in its own schema inside one database, so a
// single pool serves every rotation window.
package database
