// Package testing allows for spinning up a real bolt-db instance for testing
// purposes in the validator package.
package testing

import (
	"context"
	"testing"

	"github.com/forgenet/forge/validator/db/iface"
	"github.com/forgenet/forge/validator/db/kv"
)

var _ iface.Database = (*kv.Store)(nil)

// SetupDB instantiates and returns a DB instance for the validator client,
// closed and removed when the test ends.
func SetupDB(t testing.TB) *kv.Store {
	db, err := kv.NewKVStore(context.Background(), t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Failed to instantiate DB: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Fatalf("Failed to close database: %v", err)
		}
	})
	return db
}
