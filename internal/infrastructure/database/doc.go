// Package database opens and configures the SQLite database backing the
// request audit trail.
package database
