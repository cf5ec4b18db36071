package core

import "testing"

func TestValidateGovernedBoundsRejectsOutOfRange(t *testing.T) {
	cases := []struct {
		subject string
		value   float64
		wantErr bool
	}{
		{"threshold_size", 0, true},
		{"threshold_size", 100, false},
		{"base_tps_fee", -1, true},
		{"base_tps_fee", 0, false},
		{"tps_fee_multiplier", -0.5, true},
		{"tps_interval", 0, true},
		{"tps_interval", 1, false},
		{"not_a_real_subject", 1, true},
	}
	for _, tc := range cases {
		err := validateGovernedBounds(tc.subject, tc.value)
		if tc.wantErr && err == nil {
			t.Errorf("%s=%v: expected an error", tc.subject, tc.value)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("%s=%v: unexpected error %v", tc.subject, tc.value, err)
		}
	}
}

func TestRecordNumericalVoteRejectsOutOfBounds(t *testing.T) {
	store := testStore(t)
	gov := NewGovernance(store, nil)
	err := gov.RecordNumericalVote(t.Context(), "tps_interval", Address{1}, -1, 10)
	if err == nil {
		t.Fatalf("expected bounds validation to reject a negative tps_interval vote")
	}
}

func TestTallyOpListRequiresMinimumShare(t *testing.T) {
	store := testStore(t)
	gov := NewGovernance(store, nil)
	ctx := t.Context()

	voter := Address{9}
	if _, err := store.pool.Exec(ctx, `INSERT INTO voter_balances (address, mci, balance) VALUES ($1,0,1)`, voter[:]); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	if err := gov.RecordOpListVote(ctx, voter, []Address{{1}, {2}}, 5); err != nil {
		t.Fatalf("record vote: %v", err)
	}

	current := []Address{{3}, {4}}
	out, err := gov.TallyOpList(ctx, 10, current)
	if err != nil {
		t.Fatalf("tally: %v", err)
	}
	if len(out) != 2 || out[0] != current[0] {
		t.Fatalf("a single low-weight vote below SystemVoteMinShare must not change the op_list; got %v", out)
	}
}

func TestTallyNumericalWeightedMedian(t *testing.T) {
	store := testStore(t)
	gov := NewGovernance(store, nil)
	ctx := t.Context()

	voters := []struct {
		addr    Address
		balance int64
		value   float64
	}{
		{Address{1}, 10, 100},
		{Address{2}, 10, 200},
		{Address{3}, 80, 300},
	}
	for _, v := range voters {
		if _, err := store.pool.Exec(ctx, `INSERT INTO voter_balances (address, mci, balance) VALUES ($1,0,$2)`, v.addr[:], v.balance); err != nil {
			t.Fatalf("seed balance: %v", err)
		}
		if err := gov.RecordNumericalVote(ctx, "base_tps_fee", v.addr, v.value, 1); err != nil {
			t.Fatalf("record vote: %v", err)
		}
	}

	got, err := gov.TallyNumerical(ctx, "base_tps_fee", 10, 0)
	if err != nil {
		t.Fatalf("tally: %v", err)
	}
	if got != 300 {
		t.Fatalf("weighted median with an 80%%-weight voter at 300 should be 300, got %v", got)
	}
}
