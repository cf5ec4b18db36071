package core

import (
	"sync"
	"testing"
	"time"
)

func TestLockUnitSerializesSameHash(t *testing.T) {
	store := testStore(t)
	dag, err := NewDAG(store, nil)
	if err != nil {
		t.Fatalf("new dag: %v", err)
	}

	unit := Hash{7}
	var mu sync.Mutex
	order := make([]int, 0, 2)

	unlock := dag.LockUnit(unit)
	done := make(chan struct{})
	go func() {
		unlock2 := dag.LockUnit(unit)
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		unlock2()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	unlock()
	<-done

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected the second LockUnit call to block until the first unlocked, got %v", order)
	}
}

func TestMarkKnownUnitIsIdempotentAndInMemoryOnly(t *testing.T) {
	store := testStore(t)
	dag, err := NewDAG(store, nil)
	if err != nil {
		t.Fatalf("new dag: %v", err)
	}
	unit := Hash{8}
	if dag.IsKnownUnit(unit) {
		t.Fatalf("unit should not be known before MarkKnownUnit")
	}
	dag.MarkKnownUnit(unit)
	if !dag.IsKnownUnit(unit) {
		t.Fatalf("unit should be known after MarkKnownUnit")
	}
}

func TestMarkBadSetsBothJointAndUnitReasons(t *testing.T) {
	store := testStore(t)
	dag, err := NewDAG(store, nil)
	if err != nil {
		t.Fatalf("new dag: %v", err)
	}
	joint := Hash{9}
	unit := Hash{10}
	if err := dag.MarkBad(t.Context(), joint, unit, "bad signature"); err != nil {
		t.Fatalf("mark bad: %v", err)
	}

	reason, ok, err := dag.KnownBadUnitReason(t.Context(), joint)
	if err != nil || !ok || reason != "bad signature" {
		t.Fatalf("expected joint to be marked bad: ok=%v reason=%q err=%v", ok, reason, err)
	}
	reason, ok, err = dag.KnownBadUnitReason(t.Context(), unit)
	if err != nil || !ok || reason != "bad signature" {
		t.Fatalf("expected unit to be marked bad: ok=%v reason=%q err=%v", ok, reason, err)
	}
}

func TestSaveThenRemoveUnhandled(t *testing.T) {
	store := testStore(t)
	dag, err := NewDAG(store, nil)
	if err != nil {
		t.Fatalf("new dag: %v", err)
	}
	unit := Hash{11}
	missing := Hash{12}

	if err := dag.SaveUnhandled(t.Context(), unit, []byte(`{}`), []Hash{missing}, "peer-1"); err != nil {
		t.Fatalf("save unhandled: %v", err)
	}
	if !dag.IsUnhandled(unit) {
		t.Fatalf("expected unit to be tracked as unhandled")
	}
	dependents, err := dag.DependentsOf(t.Context(), missing)
	if err != nil {
		t.Fatalf("dependents of: %v", err)
	}
	if len(dependents) != 1 || dependents[0] != unit {
		t.Fatalf("expected %x to depend on missing parent, got %v", unit, dependents)
	}

	if err := dag.RemoveUnhandled(t.Context(), unit); err != nil {
		t.Fatalf("remove unhandled: %v", err)
	}
	if dag.IsUnhandled(unit) {
		t.Fatalf("expected unit to no longer be tracked as unhandled")
	}
}

func TestInsertUnitPersistsRelationalRowsAndMarksKnown(t *testing.T) {
	store := testStore(t)
	dag, err := NewDAG(store, nil)
	if err != nil {
		t.Fatalf("new dag: %v", err)
	}

	author := Address{1}
	parent := Hash{2}
	u := &Unit{
		UnitHash:    Hash{3},
		Version:     "1.0",
		Timestamp:   1000,
		ParentUnits: []Hash{parent},
		Authors:     []Author{{Address: author}},
		Witnesses:   make([]Address, CountWitnesses),
		Messages: []Message{{
			App: MessagePayment,
			Outputs: []Output{
				{Address: Address{4}, Amount: 500},
			},
		}},
		EarnedHeadersCommissionRecipients: []HeadersCommissionRecipient{
			{Address: author, Share: 100},
		},
	}
	for i := range u.Witnesses {
		u.Witnesses[i] = Address{byte(i + 50)}
	}

	if err := dag.InsertUnit(t.Context(), u, []byte(`{"stub":true}`)); err != nil {
		t.Fatalf("insert unit: %v", err)
	}
	if !dag.IsKnownUnit(u.UnitHash) {
		t.Fatalf("expected unit to be marked known after a successful insert")
	}

	var count int
	if err := store.pool.QueryRow(t.Context(), `SELECT count(*) FROM units WHERE unit_hash=$1`, u.UnitHash[:]).Scan(&count); err != nil {
		t.Fatalf("query units: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one units row, got %d", count)
	}
	if err := store.pool.QueryRow(t.Context(), `SELECT count(*) FROM unit_headers_commission_recipients WHERE unit_hash=$1`, u.UnitHash[:]).Scan(&count); err != nil {
		t.Fatalf("query recipients: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected the explicit headers commission recipient to be persisted, got %d rows", count)
	}
}
