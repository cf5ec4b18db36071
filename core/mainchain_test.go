package core

import "testing"

func seedStableUnit(t *testing.T, store *Store, hash Hash, mci int64) {
	t.Helper()
	insertTestUnit(t, store, hash, mci, 0, "good")
}

func seedAuthor(t *testing.T, store *Store, unit Hash, addr Address) {
	t.Helper()
	if _, err := store.pool.Exec(t.Context(), `INSERT INTO unit_authors (unit_hash, address) VALUES ($1,$2)`, unit[:], addr[:]); err != nil {
		t.Fatalf("seed author: %v", err)
	}
}

func TestComputeWitnessMajorityMCIReturnsCandidateWhenMajorityCovered(t *testing.T) {
	store := testStore(t)
	dag, err := NewDAG(store, nil)
	if err != nil {
		t.Fatalf("new dag: %v", err)
	}

	witnesses := make([]Address, MajorityOfWitnesses)
	for i := range witnesses {
		witnesses[i] = Address{byte(i + 1)}
	}
	params := SystemParams{OpList: witnesses}

	for i, w := range witnesses {
		mci := int64(i + 1)
		h := Hash{byte(100 + i)}
		seedStableUnit(t, store, h, mci)
		seedAuthor(t, store, h, w)
	}

	freeUnit := Hash{200}
	topMCI := int64(len(witnesses))
	topHash := Hash{byte(100 + len(witnesses) - 1)}
	if _, err := store.pool.Exec(t.Context(),
		`INSERT INTO units (unit_hash, version, alt, timestamp, headers_commission, payload_commission, tps_fee, best_parent_unit, main_chain_index, is_on_main_chain, is_stable, is_free, sequence, content)
		 VALUES ($1,'1.0','',0,0,0,0,$2,NULL,FALSE,FALSE,TRUE,'good','{}')`,
		freeUnit[:], topHash[:]); err != nil {
		t.Fatalf("seed free unit: %v", err)
	}

	mci := NewMainChainEngine(store, dag, nil, params, nil)
	got, err := mci.ComputeWitnessMajorityMCI(t.Context(), []Hash{freeUnit}, params)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if got != topMCI {
		t.Fatalf("expected majority-covered candidate %d, got %d", topMCI, got)
	}
}

func TestComputeWitnessMajorityMCIFallsBackWithoutMajority(t *testing.T) {
	store := testStore(t)
	dag, err := NewDAG(store, nil)
	if err != nil {
		t.Fatalf("new dag: %v", err)
	}

	witnesses := make([]Address, CountWitnesses)
	for i := range witnesses {
		witnesses[i] = Address{byte(i + 1)}
	}
	params := SystemParams{OpList: witnesses}

	// Only a single witness authors anything, well short of majority.
	h := Hash{50}
	seedStableUnit(t, store, h, 1)
	seedAuthor(t, store, h, witnesses[0])

	freeUnit := Hash{201}
	if _, err := store.pool.Exec(t.Context(),
		`INSERT INTO units (unit_hash, version, alt, timestamp, headers_commission, payload_commission, tps_fee, best_parent_unit, main_chain_index, is_on_main_chain, is_stable, is_free, sequence, content)
		 VALUES ($1,'1.0','',0,0,0,0,$2,NULL,FALSE,FALSE,TRUE,'good','{}')`,
		freeUnit[:], h[:]); err != nil {
		t.Fatalf("seed free unit: %v", err)
	}

	mci := NewMainChainEngine(store, dag, nil, params, nil)
	got, err := mci.ComputeWitnessMajorityMCI(t.Context(), []Hash{freeUnit}, params)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if got != 0 {
		t.Fatalf("expected no advance (lastStableMCI=0) without majority coverage, got %d", got)
	}
}
