package core

import "testing"

func TestRegisterAAIsIdempotentAndAddressDerived(t *testing.T) {
	store := testStore(t)
	engine := NewAAEngine(store, nil, nil)
	ctx := t.Context()

	formula := []byte(`{"op":"lit","lit":{"kind":"boolean","bool":true}}`)
	addr1, err := engine.RegisterAA(ctx, formula)
	if err != nil {
		t.Fatalf("register aa: %v", err)
	}
	wantAddr := DeriveAddress(formula)
	if addr1 != wantAddr {
		t.Fatalf("expected the aa address to be derived from its formula, got %x want %x", addr1, wantAddr)
	}

	addr2, err := engine.RegisterAA(ctx, formula)
	if err != nil {
		t.Fatalf("re-register aa: %v", err)
	}
	if addr2 != addr1 {
		t.Fatalf("re-registering the same formula should yield the same address")
	}

	got, ok, err := engine.LoadFormula(ctx, addr1)
	if err != nil || !ok || string(got) != string(formula) {
		t.Fatalf("load formula mismatch: got=%s ok=%v err=%v", got, ok, err)
	}
}

func TestLoadFormulaMissingAddressIsClean(t *testing.T) {
	store := testStore(t)
	engine := NewAAEngine(store, nil, nil)
	_, ok, err := engine.LoadFormula(t.Context(), Address{55})
	if err != nil {
		t.Fatalf("load formula: %v", err)
	}
	if ok {
		t.Fatalf("expected a non-registered address to report ok=false")
	}
}

func TestOnUnitStabilizedTriggersAAAndRecordsResponse(t *testing.T) {
	store := testStore(t)
	engine := NewAAEngine(store, nil, nil)
	ctx := t.Context()

	formula := []byte(`{"op":"lit","lit":{"kind":"boolean","bool":true}}`)
	aaAddr, err := engine.RegisterAA(ctx, formula)
	if err != nil {
		t.Fatalf("register aa: %v", err)
	}

	u := &Unit{
		UnitHash: Hash{77},
		Authors:  []Author{{Address: Address{1}}},
		Messages: []Message{{App: MessagePayment, Outputs: []Output{
			{Address: aaAddr, Amount: 1000},
		}}},
	}

	outcomes, err := engine.OnUnitStabilized(ctx, u, 5)
	if err != nil {
		t.Fatalf("on unit stabilized: %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("expected exactly one trigger outcome, got %d", len(outcomes))
	}
	if outcomes[0].Bounced {
		t.Fatalf("expected a literal-true formula to succeed, got bounce: %s", outcomes[0].BounceMsg)
	}

	var bounced bool
	if err := store.pool.QueryRow(ctx,
		`SELECT bounced FROM aa_responses WHERE trigger_unit=$1 AND aa_address=$2`, u.UnitHash[:], aaAddr[:]).Scan(&bounced); err != nil {
		t.Fatalf("query aa_responses: %v", err)
	}
	if bounced {
		t.Fatalf("expected the persisted outcome to record bounced=false")
	}
}

func TestOnUnitStabilizedBouncesOnMalformedFormula(t *testing.T) {
	store := testStore(t)
	engine := NewAAEngine(store, nil, nil)
	ctx := t.Context()

	badFormula := []byte(`not valid json`)
	aaAddr, err := engine.RegisterAA(ctx, badFormula)
	if err != nil {
		t.Fatalf("register aa: %v", err)
	}

	u := &Unit{
		UnitHash: Hash{78},
		Authors:  []Author{{Address: Address{1}}},
		Messages: []Message{{App: MessagePayment, Outputs: []Output{
			{Address: aaAddr, Amount: 1000},
		}}},
	}

	outcomes, err := engine.OnUnitStabilized(ctx, u, 5)
	if err != nil {
		t.Fatalf("on unit stabilized should not propagate a formula error as fatal: %v", err)
	}
	if len(outcomes) != 1 || !outcomes[0].Bounced {
		t.Fatalf("expected a malformed formula to bounce rather than error, got %+v", outcomes)
	}
}

func TestOnUnitStabilizedIgnoresNonAAOutputs(t *testing.T) {
	store := testStore(t)
	engine := NewAAEngine(store, nil, nil)
	ctx := t.Context()

	u := &Unit{
		UnitHash: Hash{79},
		Authors:  []Author{{Address: Address{1}}},
		Messages: []Message{{App: MessagePayment, Outputs: []Output{
			{Address: Address{2}, Amount: 1000},
		}}},
	}
	outcomes, err := engine.OnUnitStabilized(ctx, u, 5)
	if err != nil {
		t.Fatalf("on unit stabilized: %v", err)
	}
	if len(outcomes) != 0 {
		t.Fatalf("expected no outcomes when no output pays an AA address, got %d", len(outcomes))
	}
}

func TestKVAAStateAccessorRoundTripsDecimalStringBoolean(t *testing.T) {
	store := testStore(t)
	accessor := &kvAAStateAccessor{store: store}
	aa := Address{5}

	if err := accessor.SetVar(aa, "counter", NewDecimal(42)); err != nil {
		t.Fatalf("set decimal: %v", err)
	}
	got, ok, err := accessor.GetVar(aa, "counter")
	if err != nil || !ok || got.Kind != KindDecimal {
		t.Fatalf("get decimal: got=%+v ok=%v err=%v", got, ok, err)
	}
	if got.Decimal.RatString() != "42" {
		t.Fatalf("expected decimal 42 to round-trip, got %s", got.Decimal.RatString())
	}

	if err := accessor.SetVar(aa, "label", NewString("hello")); err != nil {
		t.Fatalf("set string: %v", err)
	}
	got, _, err = accessor.GetVar(aa, "label")
	if err != nil || got.Kind != KindString || got.Str != "hello" {
		t.Fatalf("string round trip failed: got=%+v err=%v", got, err)
	}

	if err := accessor.SetVar(aa, "flag", NewBoolean(true)); err != nil {
		t.Fatalf("set boolean: %v", err)
	}
	got, _, err = accessor.GetVar(aa, "flag")
	if err != nil || got.Kind != KindBoolean || !got.Bool {
		t.Fatalf("boolean round trip failed: got=%+v err=%v", got, err)
	}
}

func TestKVAAStateAccessorMissingVarIsCleanMiss(t *testing.T) {
	store := testStore(t)
	accessor := &kvAAStateAccessor{store: store}
	_, ok, err := accessor.GetVar(Address{6}, "never-set")
	if err != nil {
		t.Fatalf("get missing var: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for a var that was never set")
	}
}
