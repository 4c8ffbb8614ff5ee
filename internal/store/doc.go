// Package store holds the persistence primitives shared by the store
// implementations: the DBTX abstraction over *sql.DB and *sql.Tx, and the
// sentinel errors that callers match with errors.Is.
package store
