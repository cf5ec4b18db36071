package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	log "github.com/sirupsen/logrus"
)

// governance.go implements C9: system_vote / system_vote_count handling and
// weighted-median/plurality tallying of the governable parameters (§3.8,
// §4.9). Grounded on the now-deleted core/access_control.go's
// role/permission registry pattern — here "roles" become governed
// parameters, and "grants" become votes weighted by the voter's byte
// balance rather than an admin-assigned role.
type Governance struct {
	store  *Store
	logger *log.Logger
}

func NewGovernance(store *Store, lg *log.Logger) *Governance {
	if lg == nil {
		lg = log.StandardLogger()
	}
	return &Governance{store: store, logger: lg}
}

// RecordOpListVote implements system_vote for the op_list subject: a voter
// names a full candidate address list, weighted by their byte balance as of
// the voting unit's mci.
func (g *Governance) RecordOpListVote(ctx context.Context, voter Address, candidates []Address, mci int64) error {
	return g.store.WithTx(ctx, func(tx pgx.Tx) error {
		return recordOpListVoteTx(ctx, tx, voter, candidates, mci)
	})
}

// recordOpListVoteTx is the tx-scoped form, used directly by InsertUnit so
// the vote lands in the same transaction as the unit that carries it.
func recordOpListVoteTx(ctx context.Context, tx pgx.Tx, voter Address, candidates []Address, mci int64) error {
	raw := make([]byte, 0, len(candidates)*16)
	for _, c := range candidates {
		raw = append(raw, c[:]...)
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO op_votes (voter, value, mci) VALUES ($1, $2, $3)
		 ON CONFLICT (voter, mci) DO UPDATE SET value = EXCLUDED.value`,
		voter[:], raw, mci)
	return err
}

// RecordNumericalVote implements system_vote for scalar subjects
// (threshold_size, base_tps_fee, tps_fee_multiplier, tps_interval).
func (g *Governance) RecordNumericalVote(ctx context.Context, subject string, voter Address, value float64, mci int64) error {
	return g.store.WithTx(ctx, func(tx pgx.Tx) error {
		return recordNumericalVoteTx(ctx, tx, subject, voter, value, mci)
	})
}

// recordNumericalVoteTx is the tx-scoped form, used directly by InsertUnit.
func recordNumericalVoteTx(ctx context.Context, tx pgx.Tx, subject string, voter Address, value float64, mci int64) error {
	if err := validateGovernedBounds(subject, value); err != nil {
		return NewUnitError(Hash{}, err.Error())
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO numerical_votes (subject, voter, value, mci) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (subject, voter, mci) DO UPDATE SET value = EXCLUDED.value`,
		subject, voter[:], value, mci)
	return err
}

// VotePayload is the JSON shape of a system_vote message's payload (§4.9):
// either {"subject":"op_list","candidates":[...]} or
// {"subject":"threshold_size","value":1500}.
type VotePayload struct {
	Subject    string   `json:"subject"`
	Value      float64  `json:"value,omitempty"`
	Candidates []string `json:"candidates,omitempty"`
}

// VoteCountPayload is the JSON shape of a system_vote_count message's
// payload (§4.9): names the subject being counted, and whether the count
// asserts the op_list emergency override.
type VoteCountPayload struct {
	Subject     string `json:"subject"`
	IsEmergency bool   `json:"is_emergency,omitempty"`
}

// decodeVotePayload parses a system_vote message's raw payload bytes.
func decodeVotePayload(raw []byte) (VotePayload, error) {
	var p VotePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return VotePayload{}, fmt.Errorf("decode system_vote payload: %w", err)
	}
	if p.Subject == "" {
		return VotePayload{}, fmt.Errorf("system_vote payload missing subject")
	}
	return p, nil
}

func decodeVoteCountPayload(raw []byte) (VoteCountPayload, error) {
	var p VoteCountPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return VoteCountPayload{}, fmt.Errorf("decode system_vote_count payload: %w", err)
	}
	if p.Subject == "" {
		return VoteCountPayload{}, fmt.Errorf("system_vote_count payload missing subject")
	}
	return p, nil
}

// applyVoteMessageTx dispatches one decoded system_vote message's candidate
// list or scalar value to the matching per-subject vote table, inside the
// caller's transaction. It is the entry point InsertUnit calls for every
// MessageSystemVote it encounters.
func applyVoteMessageTx(ctx context.Context, tx pgx.Tx, voter Address, raw []byte, mci int64) error {
	p, err := decodeVotePayload(raw)
	if err != nil {
		return NewUnitError(Hash{}, err.Error())
	}
	if p.Subject == "op_list" {
		candidates := make([]Address, 0, len(p.Candidates))
		for _, s := range p.Candidates {
			addr, err := DecodeAddress(s)
			if err != nil {
				return NewUnitError(Hash{}, fmt.Sprintf("op_list vote: %v", err))
			}
			candidates = append(candidates, addr)
		}
		return recordOpListVoteTx(ctx, tx, voter, candidates, mci)
	}
	return recordNumericalVoteTx(ctx, tx, p.Subject, voter, p.Value, mci)
}

// RecordVoteCount implements the system_vote_count side of §4.9: tallying
// the named subject as of mci and appending the (vote_count_mci, value,
// is_emergency) history entry. Emergency mode is accepted only for op_list
// (§4.9: "the fee triple does NOT support emergency mode... otherwise the
// network can be permanently halted").
func (g *Governance) RecordVoteCount(ctx context.Context, subject string, mci int64, current SystemParams, isEmergency bool) (SystemParams, error) {
	if isEmergency && subject != "op_list" {
		return SystemParams{}, NewUnitError(Hash{}, fmt.Sprintf("system_vote_count: emergency mode not permitted for subject %q", subject))
	}
	var next SystemParams = current
	var opListRaw []byte
	var numericValue float64
	isOpList := subject == "op_list"
	if isOpList {
		out, err := g.TallyOpList(ctx, mci, current.OpList)
		if err != nil {
			return SystemParams{}, err
		}
		next.OpList = out
		for _, a := range out {
			opListRaw = append(opListRaw, a[:]...)
		}
	} else {
		fallback, err := currentNumericalValue(subject, current)
		if err != nil {
			return SystemParams{}, NewUnitError(Hash{}, err.Error())
		}
		val, err := g.TallyNumerical(ctx, subject, mci, fallback)
		if err != nil {
			return SystemParams{}, err
		}
		numericValue = val
		if err := applyNumericalValue(subject, val, &next); err != nil {
			return SystemParams{}, NewUnitError(Hash{}, err.Error())
		}
	}
	err := g.store.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO system_param_history (subject, vote_count_mci, value_numeric, value_op_list, is_emergency)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (subject, vote_count_mci) DO UPDATE SET
			   value_numeric = EXCLUDED.value_numeric, value_op_list = EXCLUDED.value_op_list, is_emergency = EXCLUDED.is_emergency`,
			subject, mci, nullableFloat(!isOpList, numericValue), nullableBytes(isOpList, opListRaw), isEmergency)
		return err
	})
	if err != nil {
		return SystemParams{}, err
	}
	return next, nil
}

func nullableFloat(present bool, v float64) *float64 {
	if !present {
		return nil
	}
	return &v
}

func nullableBytes(present bool, v []byte) []byte {
	if !present {
		return nil
	}
	return v
}

func currentNumericalValue(subject string, p SystemParams) (float64, error) {
	switch subject {
	case "threshold_size":
		return float64(p.ThresholdSize), nil
	case "base_tps_fee":
		return float64(p.BaseTPSFee), nil
	case "tps_fee_multiplier":
		return p.TPSFeeMultiplier, nil
	case "tps_interval":
		return p.TPSInterval, nil
	default:
		return 0, fmt.Errorf("unrecognized governed subject %q", subject)
	}
}

func applyNumericalValue(subject string, v float64, p *SystemParams) error {
	switch subject {
	case "threshold_size":
		p.ThresholdSize = int64(v)
	case "base_tps_fee":
		p.BaseTPSFee = int64(v)
	case "tps_fee_multiplier":
		p.TPSFeeMultiplier = v
	case "tps_interval":
		p.TPSInterval = v
	default:
		return fmt.Errorf("unrecognized governed subject %q", subject)
	}
	return nil
}

// Bounds for the numerical governed subjects. tps_interval carries both a
// nonzero floor and a ceiling (§4.9); base_tps_fee and tps_fee_multiplier
// carry an upper bound many orders of magnitude above any value a
// legitimate fee-schedule proposal would ever use. These ceilings bound the
// factors in front of MinTPSFee's exp(tps/tpsInterval) term, not the
// exponent: at the floor interval that term overflows float64 once tps
// exceeds about 0.71, and MinTPSFee then reports the non-finite result as
// an error.
const (
	minTPSInterval      = 0.001
	maxTPSInterval      = 1_000_000
	maxBaseTPSFee       = 1e15
	maxTPSFeeMultiplier = 1e6
)

// validateGovernedBounds implements §4.9's bounds enforcement: an
// out-of-range proposed value is rejected at the unit-validation boundary,
// never silently clamped, so a bad vote fails the unit rather than quietly
// corrupting the tally.
func validateGovernedBounds(subject string, value float64) error {
	switch subject {
	case "threshold_size":
		if value < 1 || value > float64(MaxUnitLength) {
			return fmt.Errorf("threshold_size out of bounds: %v", value)
		}
	case "base_tps_fee":
		if value < 0 || value > maxBaseTPSFee {
			return fmt.Errorf("base_tps_fee out of bounds: %v", value)
		}
	case "tps_fee_multiplier":
		if value < 0 || value > maxTPSFeeMultiplier {
			return fmt.Errorf("tps_fee_multiplier out of bounds: %v", value)
		}
	case "tps_interval":
		if value < minTPSInterval || value > maxTPSInterval {
			return fmt.Errorf("tps_interval out of bounds: %v", value)
		}
	default:
		return fmt.Errorf("unrecognized governed subject %q", subject)
	}
	return nil
}

// voteWeight reads a voter's byte balance as of mci, the weight used in
// both the op_list tally and the numerical-subject weighted median.
func (g *Governance) voteWeight(ctx context.Context, voter Address, mci int64) (int64, error) {
	row := g.store.pool.QueryRow(ctx,
		`SELECT balance FROM voter_balances WHERE address=$1 AND mci <= $2 ORDER BY mci DESC LIMIT 1`,
		voter[:], mci)
	var bal int64
	if err := row.Scan(&bal); err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("vote weight: %w", err)
	}
	return bal, nil
}

type opListVote struct {
	voter   Address
	value   []byte
	weight  int64
}

// TallyOpList implements §4.9's op_list selection: votes are grouped by
// their exact candidate-list byte value, weights summed, and the list with
// the greatest total weight wins; voter balances of at least
// SystemVoteMinShare of TotalWhitebytes must back it, else the current
// op_list carries over unchanged. Ties are
// broken by the lexicographically smallest encoded vote value, giving a
// deterministic outcome across nodes.
func (g *Governance) TallyOpList(ctx context.Context, mci int64, current []Address) ([]Address, error) {
	rows, err := g.store.pool.Query(ctx, `SELECT voter, value FROM op_votes WHERE mci <= $1 ORDER BY mci DESC`, mci)
	if err != nil {
		return nil, fmt.Errorf("tally op list: %w", err)
	}
	defer rows.Close()

	seen := make(map[Address]bool)
	var votes []opListVote
	for rows.Next() {
		var voterB, valueB []byte
		if err := rows.Scan(&voterB, &valueB); err != nil {
			return nil, err
		}
		var voter Address
		copy(voter[:], voterB)
		if seen[voter] {
			continue // only the most recent vote per voter counts
		}
		seen[voter] = true
		weight, err := g.voteWeight(ctx, voter, mci)
		if err != nil {
			return nil, err
		}
		votes = append(votes, opListVote{voter: voter, value: valueB, weight: weight})
	}

	totals := make(map[string]int64)
	var totalWeight int64
	for _, v := range votes {
		totals[string(v.value)] += v.weight
		totalWeight += v.weight
	}
	if totalWeight == 0 {
		return current, nil
	}

	var bestValue string
	var bestWeight int64 = -1
	keys := make([]string, 0, len(totals))
	for k := range totals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		w := totals[k]
		if w > bestWeight {
			bestWeight = w
			bestValue = k
		}
	}
	if float64(bestWeight)/float64(TotalWhitebytes) < SystemVoteMinShare {
		return current, nil
	}

	n := len(bestValue) / 16
	out := make([]Address, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], bestValue[i*16:(i+1)*16])
	}
	sort.Slice(out, func(i, j int) bool { return compareAddress(out[i], out[j]) < 0 })
	if len(out) > CountWitnesses {
		out = out[:CountWitnesses]
	}
	return out, nil
}

// TallyNumerical implements the weighted-median rule for scalar subjects:
// sort (value, weight) pairs by value, then take the value at which
// cumulative weight first reaches half of total weight. This is the
// manipulation-resistant aggregator named in §4.9 (a plain mean lets one
// large-balance voter drag the parameter arbitrarily far).
func (g *Governance) TallyNumerical(ctx context.Context, subject string, mci int64, fallback float64) (float64, error) {
	rows, err := g.store.pool.Query(ctx,
		`SELECT voter, value FROM numerical_votes WHERE subject=$1 AND mci <= $2 ORDER BY mci DESC`, subject, mci)
	if err != nil {
		return 0, fmt.Errorf("tally numerical: %w", err)
	}
	defer rows.Close()

	type pair struct {
		value  float64
		weight int64
	}
	seen := make(map[Address]bool)
	var pairs []pair
	var total int64
	for rows.Next() {
		var voterB []byte
		var value float64
		if err := rows.Scan(&voterB, &value); err != nil {
			return 0, err
		}
		var voter Address
		copy(voter[:], voterB)
		if seen[voter] {
			continue
		}
		seen[voter] = true
		if err := validateGovernedBounds(subject, value); err != nil {
			// A vote that was in bounds when cast but has since fallen
			// outside a tightened ceiling/floor must not reach the count;
			// §4.9 allows rejection at either checkpoint and this is the
			// second and last one before the value becomes live.
			continue
		}
		weight, err := g.voteWeight(ctx, voter, mci)
		if err != nil {
			return 0, err
		}
		if weight == 0 {
			continue
		}
		pairs = append(pairs, pair{value: value, weight: weight})
		total += weight
	}
	if total == 0 {
		return fallback, nil
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].value < pairs[j].value })
	var cum int64
	half := total / 2
	for _, p := range pairs {
		cum += p.weight
		if cum >= half {
			return p.value, nil
		}
	}
	return fallback, nil
}

// LoadSystemParams reconstructs the currently effective SystemParams as of
// mci, tallying every governed subject. Emergency mode has no separate
// tally path: RecordVoteCount accepts the is_emergency flag for op_list
// only and records it in system_param_history, and op_list is tallied by
// TallyOpList the same way whether or not the count was an emergency one.
func (g *Governance) LoadSystemParams(ctx context.Context, mci int64, current SystemParams) (SystemParams, error) {
	opList, err := g.TallyOpList(ctx, mci, current.OpList)
	if err != nil {
		return SystemParams{}, err
	}
	threshold, err := g.TallyNumerical(ctx, "threshold_size", mci, float64(current.ThresholdSize))
	if err != nil {
		return SystemParams{}, err
	}
	baseFee, err := g.TallyNumerical(ctx, "base_tps_fee", mci, float64(current.BaseTPSFee))
	if err != nil {
		return SystemParams{}, err
	}
	multiplier, err := g.TallyNumerical(ctx, "tps_fee_multiplier", mci, current.TPSFeeMultiplier)
	if err != nil {
		return SystemParams{}, err
	}
	interval, err := g.TallyNumerical(ctx, "tps_interval", mci, current.TPSInterval)
	if err != nil {
		return SystemParams{}, err
	}
	return SystemParams{
		OpList:           opList,
		ThresholdSize:    int64(threshold),
		BaseTPSFee:       int64(baseFee),
		TPSFeeMultiplier: multiplier,
		TPSInterval:      interval,
	}, nil
}

// IsWitness reports whether addr is in params' current op_list (the
// top-12 operational witness set, §3.8/§4.6).
func IsWitness(params SystemParams, addr Address) bool {
	for _, w := range params.OpList {
		if w == addr {
			return true
		}
	}
	return false
}
