// Package integration is a helper for running integration tests.
package integration

import (
	"os"
	"testing"
)

// EnvDSN names the environment variable holding the PostgreSQL connection
// string for integration tests.
const EnvDSN = `POSTGRES_CONNECTION_STRING`

// DefaultDSN is used when EnvDSN is unset.
const DefaultDSN = `host=localhost port=5432 user=postgres dbname=postgres sslmode=disable`

// Skip will skip the current test or benchmark if this package was built without
// the "integration" build tag.
//
// This should be used as an annotation at the top of the function, like
// (*testing.T).Parallel().
func Skip(t testing.TB) {
	t.Helper()
	if skip {
		t.Skip("skipping integration test: integration tag not provided")
	}
}

// NeedDB is like Skip, and additionally returns the connection string for
// the database server to use.
func NeedDB(t testing.TB) string {
	t.Helper()
	Skip(t)
	if dsn := os.Getenv(EnvDSN); dsn != "" {
		return dsn
	}
	return DefaultDSN
}
