package core

import (
	"math"
	"testing"
)

func TestCanonicalEncodeKeyOrderIndependence(t *testing.T) {
	a := map[string]interface{}{"b": 2, "a": 1}
	b := map[string]interface{}{"a": 1, "b": 2}

	encA, err := CanonicalEncode(a)
	if err != nil {
		t.Fatalf("encode a: %v", err)
	}
	encB, err := CanonicalEncode(b)
	if err != nil {
		t.Fatalf("encode b: %v", err)
	}
	if string(encA) != string(encB) {
		t.Fatalf("canonical encoding depends on map insertion order: %q vs %q", encA, encB)
	}
}

func TestCanonicalEncodeTypeTagsDistinguishLookalikes(t *testing.T) {
	str, err := CanonicalEncode("123")
	if err != nil {
		t.Fatalf("encode string: %v", err)
	}
	num, err := CanonicalEncode(int64(123))
	if err != nil {
		t.Fatalf("encode number: %v", err)
	}
	if string(str) == string(num) {
		t.Fatalf("string %q and number %q encode identically; type confusion breaks hash uniqueness", str, num)
	}
}

func TestCanonicalEncodeRejectsNonFinite(t *testing.T) {
	if _, err := CanonicalEncode(math.NaN()); err == nil {
		t.Fatalf("expected error encoding NaN")
	}
	if _, err := CanonicalEncode(math.Inf(1)); err == nil {
		t.Fatalf("expected error encoding +Inf")
	}
}

func TestCanonicalHashWrapsBareValues(t *testing.T) {
	h1, err := CanonicalHash("hello")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := CanonicalHash(map[string]Canonicalizable{"value": "hello"})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("CanonicalHash of a bare value must equal the hash of its {value:...} wrapper")
	}
}

func TestEncodeDecodeHashRoundTrip(t *testing.T) {
	h, err := CanonicalHash("round trip me")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	s := EncodeHash(h)
	back, err := DecodeHash(s)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back != h {
		t.Fatalf("round trip mismatch: %x != %x", back, h)
	}
}

func TestDecodeHashRejectsWrongLength(t *testing.T) {
	if _, err := DecodeHash("dG9vc2hvcnQ="); err == nil {
		t.Fatalf("expected error decoding a too-short hash")
	}
}

func TestHashUnitStableUnderAuthentifierChange(t *testing.T) {
	base := &Unit{
		Version:      "1.0",
		ParentUnits:  []Hash{{1}, {2}},
		LastBall:     Hash{3},
		LastBallUnit: Hash{4},
		Timestamp:    1000,
		Authors: []Author{
			{Address: Address{5}, Authentifiers: map[string][]byte{"r": []byte("sig-a")}},
		},
	}
	withOtherSig := &Unit{
		Version:      base.Version,
		ParentUnits:  base.ParentUnits,
		LastBall:     base.LastBall,
		LastBallUnit: base.LastBallUnit,
		Timestamp:    base.Timestamp,
		Authors: []Author{
			{Address: Address{5}, Authentifiers: map[string][]byte{"r": []byte("sig-b")}},
		},
	}

	h1, err := HashUnit(base)
	if err != nil {
		t.Fatalf("hash base: %v", err)
	}
	h2, err := HashUnit(withOtherSig)
	if err != nil {
		t.Fatalf("hash variant: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("unit hash must not depend on authentifiers: %x != %x", h1, h2)
	}
}

func TestHashBallOrderIndependent(t *testing.T) {
	b1 := &Ball{UnitHash: Hash{1}, ParentBalls: []Hash{{2}, {3}}}
	b2 := &Ball{UnitHash: Hash{1}, ParentBalls: []Hash{{3}, {2}}}

	h1, err := HashBall(b1)
	if err != nil {
		t.Fatalf("hash b1: %v", err)
	}
	h2, err := HashBall(b2)
	if err != nil {
		t.Fatalf("hash b2: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("ball hash must be independent of parent_balls input order")
	}
}

func TestHashRequestTagDeterministic(t *testing.T) {
	params := map[string]interface{}{"from_mci": int64(10), "to_mci": int64(20)}
	t1, err := HashRequestTag("get_hash_tree", params)
	if err != nil {
		t.Fatalf("tag 1: %v", err)
	}
	t2, err := HashRequestTag("get_hash_tree", params)
	if err != nil {
		t.Fatalf("tag 2: %v", err)
	}
	if t1 != t2 {
		t.Fatalf("request tag must be deterministic for identical input")
	}

	t3, err := HashRequestTag("get_hash_tree", map[string]interface{}{"from_mci": int64(11), "to_mci": int64(20)})
	if err != nil {
		t.Fatalf("tag 3: %v", err)
	}
	if t1 == t3 {
		t.Fatalf("request tag must differ when params differ")
	}
}
