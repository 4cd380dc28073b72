// Package postgres provides the PostgreSQL implementation of the task
// store. It handles query execution, data mapping between task records
// and database rows, and the conditional single-statement updates the
// engine's state machine relies on.
package postgres
