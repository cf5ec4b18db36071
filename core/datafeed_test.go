package core

import "testing"

func TestParseDecimalStringPlainAndRational(t *testing.T) {
	r, err := parseDecimalString("42")
	if err != nil || r.RatString() != "42" {
		t.Fatalf("expected plain integer to parse, got %v err=%v", r, err)
	}
	r, err = parseDecimalString("1/3")
	if err != nil || r.RatString() != "1/3" {
		t.Fatalf("expected rational form to parse, got %v err=%v", r, err)
	}
	if _, err := parseDecimalString("not-a-number"); err == nil {
		t.Fatalf("expected an error for a malformed decimal string")
	}
}

func TestRecordAndLookupDataFeedReturnsNewestAtOrBeforeMCI(t *testing.T) {
	store := testStore(t)
	reader := NewStoreDataFeedReader(store, nil)
	ctx := t.Context()

	oracle := Address{1}
	if err := reader.RecordDataFeed(ctx, oracle, "price", NewDecimal(100), 5); err != nil {
		t.Fatalf("record feed at mci 5: %v", err)
	}
	if err := reader.RecordDataFeed(ctx, oracle, "price", NewDecimal(200), 10); err != nil {
		t.Fatalf("record feed at mci 10: %v", err)
	}

	got, err := reader.Lookup(ctx, oracle, "price", 7, nil)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got == nil || got.Decimal.RatString() != "100" {
		t.Fatalf("expected the mci-5 posting to be newest at-or-before mci 7, got %v", got)
	}

	got, err = reader.Lookup(ctx, oracle, "price", 10, nil)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got == nil || got.Decimal.RatString() != "200" {
		t.Fatalf("expected the mci-10 posting to win at mci 10, got %v", got)
	}
}

func TestLookupReturnsIfnoneOnCleanMiss(t *testing.T) {
	store := testStore(t)
	reader := NewStoreDataFeedReader(store, nil)

	ifnone := NewString("fallback")
	got, err := reader.Lookup(t.Context(), Address{9}, "never-posted", 100, ifnone)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got != ifnone {
		t.Fatalf("expected ifnone to be returned verbatim on a clean miss, got %v", got)
	}
}

func TestLookupIgnoresPostingsAfterSnapshotMCI(t *testing.T) {
	store := testStore(t)
	reader := NewStoreDataFeedReader(store, nil)
	ctx := t.Context()

	oracle := Address{2}
	if err := reader.RecordDataFeed(ctx, oracle, "price", NewDecimal(500), 50); err != nil {
		t.Fatalf("record feed: %v", err)
	}
	got, err := reader.Lookup(ctx, oracle, "price", 10, nil)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got != nil {
		t.Fatalf("expected a posting after the snapshot mci to be invisible, got %v", got)
	}
}

func TestLookupDistinguishesFeedNamesUnderSameOracle(t *testing.T) {
	store := testStore(t)
	reader := NewStoreDataFeedReader(store, nil)
	ctx := t.Context()

	oracle := Address{3}
	if err := reader.RecordDataFeed(ctx, oracle, "price", NewDecimal(1), 1); err != nil {
		t.Fatalf("record price: %v", err)
	}
	if err := reader.RecordDataFeed(ctx, oracle, "volume", NewDecimal(2), 1); err != nil {
		t.Fatalf("record volume: %v", err)
	}

	got, err := reader.Lookup(ctx, oracle, "price", 5, nil)
	if err != nil || got == nil || got.Decimal.RatString() != "1" {
		t.Fatalf("expected the price feed lookup to be unaffected by the volume feed, got %v err=%v", got, err)
	}
}
