// Package database provides test database helpers: per-test isolated
// clients and shared schemas for multi-replica tests.
package database

import (
	"testing"

	"github.com/troupelab/troupe/pkg/database"
	"github.com/troupelab/troupe/test/util"
)

// NewTestClient creates a client backed by an isolated test schema.
// In CI (when CI_DATABASE_URL is set): connects to the external PostgreSQL
// service container. In local dev: uses a shared testcontainer started once
// per package. The schema is dropped when the test ends.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()
	return util.SetupTestDatabase(t)
}
