package core

import "testing"

func TestQueryDeliveryCleanMissWhenNeverTriggered(t *testing.T) {
	store := testStore(t)
	svc := NewAADeliveryService(store, nil)
	_, found, err := svc.QueryDelivery(t.Context(), Hash{1}, Address{1})
	if err != nil {
		t.Fatalf("query delivery: %v", err)
	}
	if found {
		t.Fatalf("expected a clean miss for a trigger/aa pair that never triggered")
	}
}

func TestQueryDeliveryReturnsBouncedDelivery(t *testing.T) {
	store := testStore(t)
	svc := NewAADeliveryService(store, nil)
	ctx := t.Context()

	trigger := Hash{2}
	aa := Address{2}
	if _, err := store.pool.Exec(ctx,
		`INSERT INTO aa_responses (mci, trigger_address, aa_address, trigger_unit, bounced, response_json) VALUES (1,$1,$2,$3,TRUE,NULL)`,
		Address{}[:], aa[:], trigger[:]); err != nil {
		t.Fatalf("seed bounced response: %v", err)
	}

	delivery, found, err := svc.QueryDelivery(ctx, trigger, aa)
	if err != nil || !found {
		t.Fatalf("expected to find the bounced delivery: found=%v err=%v", found, err)
	}
	if !delivery.Bounced {
		t.Fatalf("expected Bounced=true")
	}
}

func TestVerifyLinkageSkipsBounced(t *testing.T) {
	svc := NewAADeliveryService(nil, nil)
	if err := svc.VerifyLinkage(nil, AADelivery{Bounced: true}); err != nil {
		t.Fatalf("a bounced delivery has no linkage to verify, got %v", err)
	}
}

func TestVerifyLinkageRejectsMissingResponseUnit(t *testing.T) {
	svc := NewAADeliveryService(nil, nil)
	err := svc.VerifyLinkage(nil, AADelivery{Bounced: false, ResponseUnit: Hash{}})
	if err == nil {
		t.Fatalf("expected an error for a non-bounced delivery with a zero response unit")
	}
}

func TestVerifyLinkageAcceptsUnitDeclaringTriggerAsParent(t *testing.T) {
	store := testStore(t)
	svc := NewAADeliveryService(store, nil)
	ctx := t.Context()

	trigger := Hash{3}
	response := Hash{4}
	insertTestUnit(t, store, trigger, 1, 0, "good")
	insertTestUnit(t, store, response, 2, 0, "good")
	if _, err := store.pool.Exec(ctx, `INSERT INTO parenthoods (unit_hash, parent_hash) VALUES ($1,$2)`, response[:], trigger[:]); err != nil {
		t.Fatalf("seed parenthood: %v", err)
	}

	err := svc.VerifyLinkage(ctx, AADelivery{TriggerUnit: trigger, ResponseUnit: response})
	if err != nil {
		t.Fatalf("expected linkage to verify, got %v", err)
	}
}

func TestVerifyLinkageRejectsUnlinkedResponseUnit(t *testing.T) {
	store := testStore(t)
	svc := NewAADeliveryService(store, nil)
	ctx := t.Context()

	trigger := Hash{5}
	response := Hash{6}
	unrelatedParent := Hash{7}
	insertTestUnit(t, store, trigger, 1, 0, "good")
	insertTestUnit(t, store, response, 2, 0, "good")
	if _, err := store.pool.Exec(ctx, `INSERT INTO parenthoods (unit_hash, parent_hash) VALUES ($1,$2)`, response[:], unrelatedParent[:]); err != nil {
		t.Fatalf("seed parenthood: %v", err)
	}

	err := svc.VerifyLinkage(ctx, AADelivery{TriggerUnit: trigger, ResponseUnit: response})
	if err == nil {
		t.Fatalf("expected linkage verification to fail when the response unit does not name the trigger as a parent")
	}
}
