// Package store defines the persistence primitives shared by all store
// implementations: the DBTX abstraction over connections and transactions,
// and the common error taxonomy callers can test against with errors.Is.
package store
