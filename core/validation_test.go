package core

import "testing"

func TestMinTPSFeeMonotonicInTPS(t *testing.T) {
	low, err := MinTPSFee(1, 100, 1, 10)
	if err != nil {
		t.Fatalf("low: %v", err)
	}
	high, err := MinTPSFee(50, 100, 1, 10)
	if err != nil {
		t.Fatalf("high: %v", err)
	}
	if high <= low {
		t.Fatalf("min tps fee should increase with tps: low=%d high=%d", low, high)
	}
}

func TestMinTPSFeeFloorsTinyInterval(t *testing.T) {
	if _, err := MinTPSFee(0.001, 100, 1, 0); err != nil {
		t.Fatalf("zero interval should be floored rather than erroring: %v", err)
	}
}

func TestMinTPSFeeRejectsNonFiniteResult(t *testing.T) {
	if _, err := MinTPSFee(1e308, 1e308, 1e308, 1); err == nil {
		t.Fatalf("expected an error for an overflowing min tps fee computation")
	}
}

func TestCompareAddressOrdering(t *testing.T) {
	a := Address{1}
	b := Address{2}
	if compareAddress(a, b) >= 0 {
		t.Fatalf("expected a < b")
	}
	if compareAddress(b, a) <= 0 {
		t.Fatalf("expected b > a")
	}
	if compareAddress(a, a) != 0 {
		t.Fatalf("expected a == a")
	}
}

func TestNormalizeHeadersCommissionRecipientsValid(t *testing.T) {
	u := &Unit{EarnedHeadersCommissionRecipients: []HeadersCommissionRecipient{
		{Address: Address{2}, Share: 40},
		{Address: Address{1}, Share: 60},
	}}
	out, err := NormalizeHeadersCommissionRecipients(u)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if out[Address{1}] != 60 || out[Address{2}] != 40 {
		t.Fatalf("unexpected recipient map: %+v", out)
	}
}

func TestNormalizeHeadersCommissionRecipientsRejectsBadSplit(t *testing.T) {
	u := &Unit{EarnedHeadersCommissionRecipients: []HeadersCommissionRecipient{
		{Address: Address{1}, Share: 60},
		{Address: Address{2}, Share: 60},
	}}
	if _, err := NormalizeHeadersCommissionRecipients(u); err == nil {
		t.Fatalf("expected an error when shares do not sum to 100")
	}
}

func TestNormalizeHeadersCommissionRecipientsRejectsDuplicate(t *testing.T) {
	u := &Unit{EarnedHeadersCommissionRecipients: []HeadersCommissionRecipient{
		{Address: Address{1}, Share: 50},
		{Address: Address{1}, Share: 50},
	}}
	if _, err := NormalizeHeadersCommissionRecipients(u); err == nil {
		t.Fatalf("expected an error for a duplicate recipient address")
	}
}

func TestNormalizeHeadersCommissionRecipientsEmptyIsNil(t *testing.T) {
	out, err := NormalizeHeadersCommissionRecipients(&Unit{})
	if err != nil {
		t.Fatalf("normalize empty: %v", err)
	}
	if out != nil {
		t.Fatalf("expected nil recipients when the unit names none explicitly")
	}
}

func TestSelectBestParentPrefersHigherWitnessedLevel(t *testing.T) {
	parents := []*Unit{
		{UnitHash: Hash{1}, WitnessedLevel: 5, Level: 10},
		{UnitHash: Hash{2}, WitnessedLevel: 7, Level: 10},
	}
	best := SelectBestParent(parents)
	if best.UnitHash != (Hash{2}) {
		t.Fatalf("expected the higher witnessed_level parent to win, got %x", best.UnitHash)
	}
}

func TestSelectBestParentTieBreaksOnLowerLevelThenMaxHash(t *testing.T) {
	parents := []*Unit{
		{UnitHash: Hash{1}, WitnessedLevel: 5, Level: 11},
		{UnitHash: Hash{2}, WitnessedLevel: 5, Level: 10},
	}
	best := SelectBestParent(parents)
	if best.UnitHash != (Hash{2}) {
		t.Fatalf("expected the lower-level parent to win the witnessed_level tie, got %x", best.UnitHash)
	}

	tied := []*Unit{
		{UnitHash: Hash{1}, WitnessedLevel: 5, Level: 10},
		{UnitHash: Hash{2}, WitnessedLevel: 5, Level: 10},
	}
	best = SelectBestParent(tied)
	if best.UnitHash != (Hash{2}) {
		t.Fatalf("expected the lexicographically max hash to win a full tie, got %x", best.UnitHash)
	}
}
