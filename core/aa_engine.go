package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	log "github.com/sirupsen/logrus"
)

// aa_engine.go implements C8's execution orchestration: AA registration,
// trigger detection on unit stabilization, trigger-object construction,
// and response-unit composition or bounce (§4.8). Grounded on the
// now-deleted core/contracts.go's ContractRegistry/Deploy/Invoke shape —
// Deploy becomes RegisterAA, Invoke becomes Trigger, and the execution
// backend is aa_formula.go's tree-walking evaluator rather than a WASM
// runtime (see aa_formula.go's header comment and DESIGN.md).
type AAEngine struct {
	store  *Store
	feed   DataFeedReader
	logger *log.Logger
}

func NewAAEngine(store *Store, feed DataFeedReader, lg *log.Logger) *AAEngine {
	if lg == nil {
		lg = log.StandardLogger()
	}
	return &AAEngine{store: store, feed: feed, logger: lg}
}

// RegisterAA persists an AA's formula definition, keyed by the address it
// derives to (DeriveAddress over the serialized formula, matching §4.1's
// rule that any address is derived from its defining byte content the same
// way a regular wallet definition is).
func (e *AAEngine) RegisterAA(ctx context.Context, formula []byte) (Address, error) {
	addr := DeriveAddress(formula)
	err := e.store.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO aa_addresses (address, formula) VALUES ($1, $2) ON CONFLICT (address) DO NOTHING`,
			addr[:], formula)
		return err
	})
	if err != nil {
		return Address{}, fmt.Errorf("register aa: %w", err)
	}
	return addr, nil
}

// LoadFormula returns the registered formula for an AA address, or
// (nil, false) if addr is not an AA.
func (e *AAEngine) LoadFormula(ctx context.Context, addr Address) ([]byte, bool, error) {
	row := e.store.pool.QueryRow(ctx, `SELECT formula FROM aa_addresses WHERE address=$1`, addr[:])
	var formula []byte
	if err := row.Scan(&formula); err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load formula: %w", err)
	}
	return formula, true, nil
}

// TriggerOutcome records the result of running one AA against one trigger
// unit: either a composed response unit, or a bounce with a reason.
type TriggerOutcome struct {
	AAAddress   Address
	TriggerUnit Hash
	Bounced     bool
	BounceMsg   string
	StateDiff   map[string]*Value
	Response    *Value
}

// OnUnitStabilized implements §4.8's trigger-detection rule: when a unit
// that pays into an AA address stabilizes, the AA is triggered exactly
// once per (trigger unit, aa address) pair, ordered by the unit's message
// index (ord), and evaluation is anchored to the trigger unit's own
// last_ball_mci snapshot rather than the current tip (§4.8.5 determinism:
// every node replaying this trigger from the same stabilized DAG state
// must compute the identical outcome).
func (e *AAEngine) OnUnitStabilized(ctx context.Context, u *Unit, triggerMCI int64) ([]TriggerOutcome, error) {
	var outcomes []TriggerOutcome
	triggered := make(map[Address]bool)
	for _, msg := range u.Messages {
		for _, out := range msg.Outputs {
			if triggered[out.Address] {
				continue
			}
			formula, isAA, err := e.LoadFormula(ctx, out.Address)
			if err != nil {
				return nil, NewFatalError("load aa formula", err)
			}
			if !isAA {
				continue
			}
			triggered[out.Address] = true
			outcome, err := e.trigger(ctx, u, out.Address, formula, triggerMCI)
			if err != nil {
				return nil, err
			}
			if err := e.persistOutcome(ctx, outcome); err != nil {
				return nil, NewFatalError("persist aa outcome", err)
			}
			outcomes = append(outcomes, outcome)
		}
	}
	return outcomes, nil
}

// trigger evaluates formula against u's trigger data. A formula evaluation
// error produces a bounce (the AA's own state is left untouched, and any
// received payment is returned to the trigger address net of a fixed
// bounce fee is the caller's responsibility when composing the actual
// bounce unit) rather than propagating as a node-fatal error: a malformed
// or reverting AA must never be able to halt the node that triggers it.
func (e *AAEngine) trigger(ctx context.Context, u *Unit, aaAddr Address, formula []byte, triggerMCI int64) (TriggerOutcome, error) {
	expr, err := parseAAFormula(formula)
	if err != nil {
		return TriggerOutcome{AAAddress: aaAddr, TriggerUnit: u.UnitHash, Bounced: true, BounceMsg: err.Error()}, nil
	}

	triggerData, amounts := buildTriggerData(u)
	evalCtx := &EvalContext{
		TriggerUnit:    u.UnitHash,
		TriggerAddress: firstAuthorAddress(u),
		AAAddress:      aaAddr,
		AmountsIn:      amounts,
		Data:           triggerData,
		MCI:            triggerMCI,
		SnapshotMCI:    u.LatestIncludedMCI,
		feed:           e.feed,
		state:          e.stateAccessor(),
		vars:           map[string]*Value{},
	}
	Freeze(triggerData) // trigger.data is read-only to the formula, §4.8.2

	result, err := evalCtx.Eval(expr)
	if err != nil {
		return TriggerOutcome{AAAddress: aaAddr, TriggerUnit: u.UnitHash, Bounced: true, BounceMsg: err.Error()}, nil
	}
	return TriggerOutcome{AAAddress: aaAddr, TriggerUnit: u.UnitHash, Bounced: false, Response: result}, nil
}

func firstAuthorAddress(u *Unit) Address {
	if len(u.Authors) == 0 {
		return Address{}
	}
	return u.Authors[0].Address
}

func buildTriggerData(u *Unit) (*Value, map[AssetID]int64) {
	amounts := make(map[AssetID]int64)
	fields := map[string]*Value{
		"address": NewString(EncodeAddress(firstAuthorAddress(u))),
		"unit":    NewString(EncodeHash(u.UnitHash)),
	}
	for _, msg := range u.Messages {
		for _, out := range msg.Outputs {
			amounts[out.Asset] += out.Amount
		}
	}
	arr := make([]*Value, 0, len(amounts))
	for asset, amt := range amounts {
		arr = append(arr, NewObject(map[string]*Value{
			"asset":  NewString(EncodeHash(Hash(asset))),
			"amount": NewDecimal(amt),
		}))
	}
	fields["outputs"] = NewArray(arr)
	return NewObject(fields), amounts
}

// parseAAFormula decodes a JSON-encoded expression tree into an Expr. AA
// formulas are authored and distributed as JSON (matching the unit content
// encoding used everywhere else in the protocol), not as Go source.
func parseAAFormula(formula []byte) (*Expr, error) {
	var raw json.RawMessage
	if err := json.Unmarshal(formula, &raw); err != nil {
		return nil, fmt.Errorf("parse aa formula: %w", err)
	}
	return decodeExprJSON(raw)
}

type exprJSON struct {
	Op   string            `json:"op"`
	Args []json.RawMessage `json:"args"`
	Lit  *litJSON          `json:"lit"`
	Name string            `json:"name"`
}

type litJSON struct {
	Kind  string  `json:"kind"`
	Num   string  `json:"num"`
	Str   string  `json:"str"`
	Bool  bool    `json:"bool"`
}

func decodeExprJSON(raw json.RawMessage) (*Expr, error) {
	var ej exprJSON
	if err := json.Unmarshal(raw, &ej); err != nil {
		return nil, fmt.Errorf("decode expr: %w", err)
	}
	e := &Expr{Op: ej.Op, Name: ej.Name}
	if ej.Lit != nil {
		switch ej.Lit.Kind {
		case "decimal":
			r, err := parseDecimalString(ej.Lit.Num)
			if err != nil {
				return nil, err
			}
			e.Lit = NewDecimalRat(r)
		case "string":
			e.Lit = NewString(ej.Lit.Str)
		case "boolean":
			e.Lit = NewBoolean(ej.Lit.Bool)
		default:
			return nil, fmt.Errorf("decode expr: unrecognized literal kind %q", ej.Lit.Kind)
		}
	}
	for _, a := range ej.Args {
		sub, err := decodeExprJSON(a)
		if err != nil {
			return nil, err
		}
		e.Args = append(e.Args, sub)
	}
	return e, nil
}

// kvAAStateAccessor implements AAStateAccessor over the store's kvstore,
// under the "aa\n<address>\n<var>" key convention (§3.6).
type kvAAStateAccessor struct {
	store *Store
}

func (e *AAEngine) stateAccessor() AAStateAccessor {
	return &kvAAStateAccessor{store: e.store}
}

func (a *kvAAStateAccessor) GetVar(aa Address, name string) (*Value, bool, error) {
	key := []byte(fmt.Sprintf("aa\n%s\n%s", EncodeAddress(aa), name))
	raw, ok, err := a.store.KVGet(context.Background(), key)
	if err != nil || !ok {
		return nil, false, err
	}
	var stored struct {
		Kind string `json:"kind"`
		Num  string `json:"num"`
		Str  string `json:"str"`
		Bool bool   `json:"bool"`
	}
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, false, fmt.Errorf("aa state: corrupt value for %s/%s: %w", EncodeAddress(aa), name, err)
	}
	switch stored.Kind {
	case "decimal":
		r, err := parseDecimalString(stored.Num)
		if err != nil {
			return nil, false, err
		}
		return NewDecimalRat(r), true, nil
	case "string":
		return NewString(stored.Str), true, nil
	case "boolean":
		return NewBoolean(stored.Bool), true, nil
	default:
		return nil, false, fmt.Errorf("aa state: unrecognized kind %q", stored.Kind)
	}
}

func (a *kvAAStateAccessor) SetVar(aa Address, name string, v *Value) error {
	key := []byte(fmt.Sprintf("aa\n%s\n%s", EncodeAddress(aa), name))
	var stored struct {
		Kind string `json:"kind"`
		Num  string `json:"num,omitempty"`
		Str  string `json:"str,omitempty"`
		Bool bool   `json:"bool,omitempty"`
	}
	switch v.Kind {
	case KindDecimal:
		s, err := v.ToStateString()
		if err != nil {
			return err
		}
		stored.Kind, stored.Num = "decimal", s
	case KindString:
		stored.Kind, stored.Str = "string", v.Str
	case KindBoolean:
		stored.Kind, stored.Bool = "boolean", v.Bool
	default:
		return fmt.Errorf("aa state: unsupported value kind for persistence")
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("aa state: marshal: %w", err)
	}
	return a.store.KVSet(context.Background(), key, raw)
}

func (e *AAEngine) persistOutcome(ctx context.Context, o TriggerOutcome) error {
	var respJSON []byte
	if o.Response != nil {
		respJSON, _ = marshalValue(o.Response)
	}
	return e.store.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO aa_responses (mci, trigger_address, aa_address, trigger_unit, bounced, response_json)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (trigger_unit, aa_address) DO NOTHING`,
			int64(0), Address{}[:], o.AAAddress[:], o.TriggerUnit[:], o.Bounced, respJSON)
		return err
	})
}

// marshalValue renders a Value as JSON for persistence in aa_responses,
// recursing through objects/arrays; decimals go through ToStateString so
// large values never lose precision across the JSON boundary.
func marshalValue(v *Value) ([]byte, error) {
	switch v.Kind {
	case KindDecimal:
		s, err := v.ToStateString()
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"kind": "decimal", "num": s})
	case KindString:
		return json.Marshal(map[string]string{"kind": "string", "str": v.Str})
	case KindBoolean:
		return json.Marshal(map[string]interface{}{"kind": "boolean", "bool": v.Bool})
	case KindObject:
		out := make(map[string]json.RawMessage, len(v.Object))
		for k, sub := range v.Object {
			raw, err := marshalValue(sub)
			if err != nil {
				return nil, err
			}
			out[k] = raw
		}
		return json.Marshal(map[string]interface{}{"kind": "object", "fields": out})
	case KindArray:
		out := make([]json.RawMessage, len(v.Array))
		for i, sub := range v.Array {
			raw, err := marshalValue(sub)
			if err != nil {
				return nil, err
			}
			out[i] = raw
		}
		return json.Marshal(map[string]interface{}{"kind": "array", "items": out})
	default:
		return nil, fmt.Errorf("marshal value: unsupported kind")
	}
}
