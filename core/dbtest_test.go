package core

import (
	"context"
	"os"
	"testing"
)

// dbtest_test.go centralizes the skip-if-unconfigured guard the rest of
// core/*_test.go uses for anything that needs a real Postgres instance
// (the store is pgx-backed, so there is no in-process fake to substitute).
// Point DAGLNODE_TEST_DSN at a scratch database to exercise these.
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("DAGLNODE_TEST_DSN")
	if dsn == "" {
		t.Skip("DAGLNODE_TEST_DSN not set; skipping store-backed test")
	}
	store, err := NewStore(context.Background(), StoreConfig{DSN: dsn, MaxConnections: 4}, nil)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(store.Close)
	truncateAll(t, store)
	return store
}

func truncateAll(t *testing.T, store *Store) {
	t.Helper()
	tables := []string{
		"aa_triggers", "aa_responses", "aa_addresses",
		"witnessing_outputs", "headers_commission_contributions", "unit_headers_commission_recipients",
		"tps_fees_balances", "catchup_chain_balls", "hash_tree_balls",
		"known_bad_joints", "dependencies", "unhandled_joints",
		"address_definition_changes", "definitions", "addresses",
		"outputs", "inputs", "witness_list_hashes", "unit_witnesses", "unit_authors",
		"skiplist_units", "parenthoods", "balls", "units",
		"op_votes", "numerical_votes", "voter_balances", "kvstore",
	}
	ctx := context.Background()
	for _, tbl := range tables {
		if _, err := store.pool.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			t.Fatalf("truncate %s: %v", tbl, err)
		}
	}
}
