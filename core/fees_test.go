package core

import "testing"

func insertTestUnit(t *testing.T, store *Store, hash Hash, mci int64, headersCommission int64, sequence string) {
	t.Helper()
	var mciVal interface{}
	if mci >= 0 {
		mciVal = mci
	}
	_, err := store.pool.Exec(t.Context(),
		`INSERT INTO units (unit_hash, version, alt, timestamp, headers_commission, payload_commission, tps_fee, main_chain_index, is_on_main_chain, is_stable, is_free, sequence, content)
		 VALUES ($1,'1.0','',0,$2,0,0,$3,TRUE,TRUE,FALSE,$4,'{}')`,
		hash[:], headersCommission, mciVal, sequence)
	if err != nil {
		t.Fatalf("insert test unit: %v", err)
	}
}

func TestDistributeHeadersCommissionUsesExplicitRecipients(t *testing.T) {
	store := testStore(t)
	ledger := NewFeeLedger(store, nil)
	ctx := t.Context()

	parent := Hash{1}
	child := Hash{2}
	insertTestUnit(t, store, parent, 5, 1000, "good")
	insertTestUnit(t, store, child, 6, 0, "good")

	recipientA := Address{10}
	recipientB := Address{20}
	if _, err := store.pool.Exec(ctx,
		`INSERT INTO unit_headers_commission_recipients (unit_hash, address, share) VALUES ($1,$2,$3),($1,$4,$5)`,
		child[:], recipientA[:], int16(70), recipientB[:], int16(30)); err != nil {
		t.Fatalf("seed recipients: %v", err)
	}

	if err := ledger.OnMCIStabilized(ctx, 6); err != nil {
		t.Fatalf("on mci stabilized: %v", err)
	}

	var amountA, amountB int64
	if err := store.pool.QueryRow(ctx,
		`SELECT amount FROM headers_commission_contributions WHERE unit_hash=$1 AND address=$2`, parent[:], recipientA[:]).Scan(&amountA); err != nil {
		t.Fatalf("query amount A: %v", err)
	}
	if err := store.pool.QueryRow(ctx,
		`SELECT amount FROM headers_commission_contributions WHERE unit_hash=$1 AND address=$2`, parent[:], recipientB[:]).Scan(&amountB); err != nil {
		t.Fatalf("query amount B: %v", err)
	}
	if amountA != 700 {
		t.Fatalf("recipient A (70%%) should get 700 of 1000, got %d", amountA)
	}
	if amountB != 300 {
		t.Fatalf("recipient B (30%%) should get 300 of 1000, got %d", amountB)
	}
}

func TestDistributeHeadersCommissionDefaultsToFirstAuthor(t *testing.T) {
	store := testStore(t)
	ledger := NewFeeLedger(store, nil)
	ctx := t.Context()

	parent := Hash{3}
	child := Hash{4}
	insertTestUnit(t, store, parent, 7, 500, "good")
	insertTestUnit(t, store, child, 8, 0, "good")

	author := Address{30}
	if _, err := store.pool.Exec(ctx, `INSERT INTO unit_authors (unit_hash, address) VALUES ($1,$2)`, child[:], author[:]); err != nil {
		t.Fatalf("seed author: %v", err)
	}

	if err := ledger.OnMCIStabilized(ctx, 8); err != nil {
		t.Fatalf("on mci stabilized: %v", err)
	}

	var amount int64
	if err := store.pool.QueryRow(ctx,
		`SELECT amount FROM headers_commission_contributions WHERE unit_hash=$1 AND address=$2`, parent[:], author[:]).Scan(&amount); err != nil {
		t.Fatalf("query amount: %v", err)
	}
	if amount != 500 {
		t.Fatalf("sole author with no explicit recipients should get 100%% (500), got %d", amount)
	}
}

func TestOnMCIStabilizedDefersWhenParentMCIMissing(t *testing.T) {
	store := testStore(t)
	ledger := NewFeeLedger(store, nil)

	if err := ledger.OnMCIStabilized(t.Context(), 42); err != nil {
		t.Fatalf("expected a deferral (nil error) when mci-1's units are absent, got %v", err)
	}
}
