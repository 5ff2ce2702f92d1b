// Package database provides PostgreSQL connection pool management for
// the optional depth recorder.
package database
