package core

import (
	"testing"

	"github.com/jackc/pgx/v5"
)

func TestKVSetGetDelete(t *testing.T) {
	store := testStore(t)
	ctx := t.Context()

	key := []byte("aa-state/addr1/counter")
	if _, ok, err := store.KVGet(ctx, key); err != nil || ok {
		t.Fatalf("expected a clean miss before any KVSet, ok=%v err=%v", ok, err)
	}

	if err := store.KVSet(ctx, key, []byte("1")); err != nil {
		t.Fatalf("kv set: %v", err)
	}
	val, ok, err := store.KVGet(ctx, key)
	if err != nil || !ok || string(val) != "1" {
		t.Fatalf("expected value=1, got val=%q ok=%v err=%v", val, ok, err)
	}

	if err := store.KVSet(ctx, key, []byte("2")); err != nil {
		t.Fatalf("kv set overwrite: %v", err)
	}
	val, _, _ = store.KVGet(ctx, key)
	if string(val) != "2" {
		t.Fatalf("expected overwrite to stick, got %q", val)
	}

	if err := store.KVDelete(ctx, key); err != nil {
		t.Fatalf("kv delete: %v", err)
	}
	if _, ok, _ := store.KVGet(ctx, key); ok {
		t.Fatalf("expected key to be gone after KVDelete")
	}
}

func TestKVPrefixIteratorScansOnlyMatchingKeys(t *testing.T) {
	store := testStore(t)
	ctx := t.Context()

	entries := map[string]string{
		"aa-state/addr1/a": "1",
		"aa-state/addr1/b": "2",
		"aa-state/addr2/a": "3",
	}
	for k, v := range entries {
		if err := store.KVSet(ctx, []byte(k), []byte(v)); err != nil {
			t.Fatalf("seed kv: %v", err)
		}
	}

	it, err := store.KVPrefixIterator(ctx, []byte("aa-state/addr1/"))
	if err != nil {
		t.Fatalf("prefix iterator: %v", err)
	}
	defer it.Close()

	seen := map[string]string{}
	for it.Next() {
		seen[string(it.Key())] = string(it.Value())
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterator error: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("expected exactly 2 keys under the addr1 prefix, got %v", seen)
	}
	if seen["aa-state/addr1/a"] != "1" || seen["aa-state/addr1/b"] != "2" {
		t.Fatalf("unexpected scan contents: %v", seen)
	}
	if _, ok := seen["aa-state/addr2/a"]; ok {
		t.Fatalf("prefix scan leaked a key from a different prefix: %v", seen)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	store := testStore(t)
	ctx := t.Context()

	key := []byte("rollback-probe")
	wantErr := pgx.ErrTxClosed // any sentinel distinguishable from nil
	err := store.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO kvstore (key, value) VALUES ($1,$2)`, key, []byte("x")); err != nil {
			t.Fatalf("exec inside tx: %v", err)
		}
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("expected WithTx to propagate the fn error, got %v", err)
	}
	if _, ok, _ := store.KVGet(ctx, key); ok {
		t.Fatalf("expected the insert to be rolled back when fn returns an error")
	}
}

func TestWithTxCommitsOnSuccess(t *testing.T) {
	store := testStore(t)
	ctx := t.Context()

	key := []byte("commit-probe")
	err := store.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO kvstore (key, value) VALUES ($1,$2)`, key, []byte("x"))
		return err
	})
	if err != nil {
		t.Fatalf("with tx: %v", err)
	}
	if _, ok, _ := store.KVGet(ctx, key); !ok {
		t.Fatalf("expected the insert to be committed")
	}
}

func TestInsertDefinitionFirstWins(t *testing.T) {
	store := testStore(t)
	ctx := t.Context()

	addr := Address{1}
	first := DefinitionRecord{Address: addr, DefinitionCHash: Hash{1}, Definition: []byte("first"), StoredAtMCI: 1}
	second := DefinitionRecord{Address: addr, DefinitionCHash: Hash{1}, Definition: []byte("second"), StoredAtMCI: 2}

	if err := store.WithTx(ctx, func(tx pgx.Tx) error {
		return store.InsertDefinitionFirstWins(ctx, tx, first)
	}); err != nil {
		t.Fatalf("insert first: %v", err)
	}
	if err := store.WithTx(ctx, func(tx pgx.Tx) error {
		return store.InsertDefinitionFirstWins(ctx, tx, second)
	}); err != nil {
		t.Fatalf("insert second: %v", err)
	}

	rec, err := store.LoadDefinitionForAddress(ctx, addr)
	if err != nil {
		t.Fatalf("load definition: %v", err)
	}
	if rec == nil {
		t.Fatalf("expected a definition to be found")
	}
	if string(rec.Definition) != "first" {
		t.Fatalf("expected the first insert to win on conflict, got %q", rec.Definition)
	}
}

func TestLoadDefinitionForAddressMissingIsNil(t *testing.T) {
	store := testStore(t)
	rec, err := store.LoadDefinitionForAddress(t.Context(), Address{99})
	if err != nil {
		t.Fatalf("load definition: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil for an address with no stored definition, got %+v", rec)
	}
}
