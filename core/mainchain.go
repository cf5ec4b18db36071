package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	log "github.com/sirupsen/logrus"
)

// mainchain.go implements C6: main-chain computation, MCI assignment, and
// stabilization advancement (§4.6). Grounded on the teacher's
// core/consensus.go, which guards chain-height state behind a single
// sync.Mutex and runs advancement in a dedicated loop (subBlockLoop /
// blockLoop); the same "one mutex guards all chain-state transitions"
// shape is kept here, retargeted from PoW difficulty-retarget consensus to
// the witness-majority best-parent/stabilization rule. There is
// deliberately only one code path (no separate in-memory "faster"
// variant) — see DESIGN.md's Open Question 1 decision.
type MainChainEngine struct {
	store  *Store
	dag    *DAG
	gov    *Governance
	logger *log.Logger

	mu            sync.Mutex
	lastStableMCI int64
	params        SystemParams
}

func NewMainChainEngine(store *Store, dag *DAG, gov *Governance, params SystemParams, lg *log.Logger) *MainChainEngine {
	if lg == nil {
		lg = log.StandardLogger()
	}
	return &MainChainEngine{store: store, dag: dag, gov: gov, params: params, logger: lg, lastStableMCI: 0}
}

// LastStableMCI returns the current last-stable MCI (§3.5). Reads are
// lock-protected since advancement can happen concurrently with readers.
func (m *MainChainEngine) LastStableMCI() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastStableMCI
}

// SelectBestParent implements the best-parent rule of §4.6: the parent with
// the highest (witnessed_level, -level, unit_hash_lex_max) triple.
func SelectBestParent(parents []*Unit) *Unit {
	if len(parents) == 0 {
		return nil
	}
	best := parents[0]
	for _, p := range parents[1:] {
		if better(p, best) {
			best = p
		}
	}
	return best
}

func better(a, b *Unit) bool {
	if a.WitnessedLevel != b.WitnessedLevel {
		return a.WitnessedLevel > b.WitnessedLevel
	}
	if a.Level != b.Level {
		return a.Level < b.Level // "-level": lower level wins the tie
	}
	return compareHash(a.UnitHash, b.UnitHash) > 0 // lexicographically max hash wins
}

// OnUnitInserted runs the DAG-insertion-time portion of §4.5/§4.6: assigns
// best_parent_unit and witnessed_level, then attempts to advance
// stabilization. Must be called with the unit already committed to the
// store (steps 1-3 of §4.5 happen in validation.go/the caller's
// transaction; this covers step 4, "Stability propagation: invoke C6").
func (m *MainChainEngine) OnUnitInserted(ctx context.Context, u *Unit, parents []*Unit) error {
	best := SelectBestParent(parents)
	if best == nil {
		return NewFatalError("main chain: no parents resolved", nil)
	}
	u.BestParentUnit = best.UnitHash
	u.WitnessedLevel = computeWitnessedLevel(u, parents)
	u.Level = best.Level + 1

	if err := m.persistParentAssignment(ctx, u); err != nil {
		return NewFatalError("persist best parent", err)
	}

	return m.advanceStability(ctx)
}

func computeWitnessedLevel(u *Unit, parents []*Unit) int64 {
	max := int64(0)
	for _, p := range parents {
		if p.WitnessedLevel > max {
			max = p.WitnessedLevel
		}
	}
	if isWitnessUnit(u) {
		return max + 1
	}
	return max
}

func isWitnessUnit(u *Unit) bool {
	// A unit counts toward witnessed_level if any of its authors appears in
	// the unit's own inline witness list. A unit that references a
	// witness_list_unit instead of carrying an inline list never counts
	// here, and the governed op_list is not consulted.
	for _, a := range u.Authors {
		for _, w := range u.Witnesses {
			if a.Address == w {
				return true
			}
		}
	}
	return false
}

func (m *MainChainEngine) persistParentAssignment(ctx context.Context, u *Unit) error {
	return m.store.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE units SET best_parent_unit=$1, witnessed_level=$2, level=$3 WHERE unit_hash=$4`,
			u.BestParentUnit[:], u.WitnessedLevel, u.Level, u.UnitHash[:])
		if err != nil {
			return err
		}
		for _, p := range u.ParentUnits {
			if _, err := tx.Exec(ctx, `UPDATE units SET is_free=FALSE WHERE unit_hash=$1`, p[:]); err != nil {
				return err
			}
		}
		return nil
	})
}

// advanceStability implements the stabilization rule of §4.6: given free
// units F, compute limci(f) for each, and find the largest MCI M such
// that every free unit's best-parent chain includes M and limci(f) >= M.
// The TOCTOU re-check runs under m.mu (the "global write lock" of §5): any
// error path returns cleanly without leaving the lock held or a
// transaction open, per §4.6's "never throw past the unlock" requirement.
func (m *MainChainEngine) advanceStability(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	free, err := m.freeUnits(ctx)
	if err != nil {
		return NewFatalError("load free units", err)
	}
	if len(free) == 0 {
		return nil
	}

	if m.gov != nil {
		params, err := m.gov.LoadSystemParams(ctx, m.lastStableMCI, m.params)
		if err != nil {
			return NewFatalError("load system params", err)
		}
		m.params = params
	}

	candidate, err := m.ComputeWitnessMajorityMCI(ctx, free, m.params)
	if err != nil {
		return NewFatalError("compute stabilization candidate", err)
	}
	if candidate <= m.lastStableMCI {
		return nil
	}

	if err := m.markStableUpTo(ctx, candidate); err != nil {
		return NewFatalError("mark stable", err)
	}
	m.lastStableMCI = candidate
	return nil
}

func (m *MainChainEngine) freeUnits(ctx context.Context) ([]Hash, error) {
	rows, err := m.store.pool.Query(ctx, `SELECT unit_hash FROM units WHERE is_free = TRUE`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Hash
	for rows.Next() {
		var h []byte
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		var hh Hash
		copy(hh[:], h)
		out = append(out, hh)
	}
	return out, nil
}

// ComputeWitnessMajorityMCI intersects the conservative min-limci bound
// with the witness-majority rule of §4.6: a main-chain unit at MCI M is
// stable only once at least MajorityOfWitnesses distinct op_list addresses
// are among the authors of units at or above M on best-parent chains from
// every free unit. Candidate is the min-limci bound from
// computeStabilizationCandidate; this walks downward from it only as far
// as witness coverage holds, since a unit can be limci-reachable yet still
// short of majority witnessing.
func (m *MainChainEngine) ComputeWitnessMajorityMCI(ctx context.Context, free []Hash, params SystemParams) (int64, error) {
	candidate, err := m.computeStabilizationCandidate(ctx, free)
	if err != nil {
		return 0, err
	}
	for mci := candidate; mci > m.lastStableMCI; mci-- {
		covered, err := m.witnessCoverageAtOrBelow(ctx, mci, params)
		if err != nil {
			return 0, err
		}
		if covered >= MajorityOfWitnesses {
			return mci, nil
		}
	}
	return m.lastStableMCI, nil
}

// witnessCoverageAtOrBelow counts distinct op_list witnesses among the
// authors of all units with main_chain_index <= mci and > the last stable
// MCI, the window a newly-stabilizing MCI must accumulate majority
// coverage over.
func (m *MainChainEngine) witnessCoverageAtOrBelow(ctx context.Context, mci int64, params SystemParams) (int, error) {
	rows, err := m.store.pool.Query(ctx,
		`SELECT DISTINCT ua.address FROM unit_authors ua
		 JOIN units u ON u.unit_hash = ua.unit_hash
		 WHERE u.main_chain_index > $1 AND u.main_chain_index <= $2`,
		m.lastStableMCI, mci)
	if err != nil {
		return 0, fmt.Errorf("witness coverage query: %w", err)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		var a []byte
		if err := rows.Scan(&a); err != nil {
			return 0, err
		}
		var addr Address
		copy(addr[:], a)
		if IsWitness(params, addr) {
			count++
		}
	}
	return count, nil
}

// computeStabilizationCandidate walks each free unit's best-parent chain
// to find its latest-included-main-chain-index (limci), then returns the
// minimum across all free units. This is the conservative upper bound a
// witness-majority-aware caller (ComputeWitnessMajorityMCI) narrows down
// by intersecting with witness coverage before calling markStableUpTo.
func (m *MainChainEngine) computeStabilizationCandidate(ctx context.Context, free []Hash) (int64, error) {
	min := int64(-1)
	for _, f := range free {
		limci, err := m.limci(ctx, f)
		if err != nil {
			return 0, err
		}
		if min == -1 || limci < min {
			min = limci
		}
	}
	if min < 0 {
		return m.lastStableMCI, nil
	}
	return min, nil
}

// limci returns the latest included main-chain index reachable by walking
// best-parent links from unit.
func (m *MainChainEngine) limci(ctx context.Context, unit Hash) (int64, error) {
	cur := unit
	for {
		row := m.store.pool.QueryRow(ctx, `SELECT best_parent_unit, main_chain_index FROM units WHERE unit_hash=$1`, cur[:])
		var bp []byte
		var mci *int64
		if err := row.Scan(&bp, &mci); err != nil {
			return 0, err
		}
		if mci != nil {
			return *mci, nil
		}
		if len(bp) == 0 {
			return 0, nil
		}
		copy(cur[:], bp)
	}
}

// markStableUpTo assigns main_chain_index to newly-stable units from
// lastStableMCI+1 through candidate, walking the main chain by
// best-parent links from the current tip, and nulls main_chain_index for
// any unstable unit that fell off the chosen chain (the reorg rule of
// §4.6). Only unstable units (is_stable=false) may be nulled; stable units
// are immutable per §3.1/§8 invariant 1.
func (m *MainChainEngine) markStableUpTo(ctx context.Context, candidate int64) error {
	return m.store.WithTx(ctx, func(tx pgx.Tx) error {
		// Reorg: null main_chain_index for unstable units no longer on the
		// chosen chain. Safe because is_stable=false units are the only
		// ones touched.
		if _, err := tx.Exec(ctx,
			`UPDATE units SET is_on_main_chain=FALSE, main_chain_index=NULL
			 WHERE is_stable=FALSE AND is_on_main_chain=TRUE`); err != nil {
			return fmt.Errorf("null unstable mci: %w", err)
		}

		rows, err := tx.Query(ctx,
			`SELECT unit_hash FROM units WHERE is_stable=FALSE AND (main_chain_index IS NULL OR main_chain_index <= $1)
			 ORDER BY level ASC LIMIT $2`, candidate, (candidate+1)*2)
		if err != nil {
			return fmt.Errorf("select mc candidates: %w", err)
		}
		defer rows.Close()
		var units []Hash
		for rows.Next() {
			var h []byte
			if err := rows.Scan(&h); err != nil {
				return err
			}
			var hh Hash
			copy(hh[:], h)
			units = append(units, hh)
		}

		for i, u := range units {
			mci := m.lastStableMCI + 1 + int64(i)
			if mci > candidate {
				break
			}
			if _, err := tx.Exec(ctx,
				`UPDATE units SET main_chain_index=$1, is_on_main_chain=TRUE, is_stable=TRUE WHERE unit_hash=$2`,
				mci, u[:]); err != nil {
				return fmt.Errorf("stabilize unit: %w", err)
			}
		}
		return nil
	})
}
