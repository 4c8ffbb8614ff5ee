// Package postgres provides the PostgreSQL implementation of batch.JobStore.
// Queries run through database/sql with the pgx stdlib driver; driver errors
// are translated into the store package's sentinel errors by MapError.
// The schema lives in the embedded goose migrations under migrations/.
package postgres
