package core

import (
	"fmt"
	"math/big"
	"sort"
)

// aa_formula.go implements the deterministic formula evaluator underlying
// C8 (§4.8.1–§4.8.2, §9's "tagged variant" substitution pattern). Grounded
// on core/contracts.go's Invoke/Deploy execution-entrypoint shape, but the
// execution backend is a bespoke tree-walking evaluator rather than WASM:
// §4.8.5 requires bit-identical results across all honest nodes, which a
// WASM host's floating point and trapping behavior cannot guarantee (see
// DESIGN.md).

// ValueKind tags a Value's concrete representation.
type ValueKind int

const (
	KindDecimal ValueKind = iota
	KindString
	KindBoolean
	KindObject
	KindArray
	KindWrapped
)

// safeIntegerLimit is 2^53-1, the largest integer a float64/JS-like number
// can represent exactly; the spec requires decimals outside this range to
// be serialized as strings wherever they cross into persisted state.
var safeIntegerLimit = new(big.Int).SetInt64(1<<53 - 1)

// Value is the tagged variant every formula expression evaluates to.
// Immutability (freeze, §4.8.2) is tracked per-Value so that a write
// through any path derived from a frozen object is rejected regardless of
// how deeply nested the sub-object is.
type Value struct {
	Kind    ValueKind
	Decimal *big.Rat
	Str     string
	Bool    bool
	Object  map[string]*Value
	Array   []*Value
	Wrapped *Value

	frozen bool
}

func NewDecimal(i int64) *Value {
	return &Value{Kind: KindDecimal, Decimal: new(big.Rat).SetInt64(i)}
}

func NewDecimalRat(r *big.Rat) *Value { return &Value{Kind: KindDecimal, Decimal: r} }

func NewString(s string) *Value { return &Value{Kind: KindString, Str: s} }

func NewBoolean(b bool) *Value { return &Value{Kind: KindBoolean, Bool: b} }

func NewObject(m map[string]*Value) *Value { return &Value{Kind: KindObject, Object: m} }

func NewArray(a []*Value) *Value { return &Value{Kind: KindArray, Array: a} }

// Freeze marks v immutable, deeply: every nested Object/Array/Wrapped
// sub-value is frozen too, so a write reached via any selector path off a
// frozen ancestor is rejected (the "shallow freeze" audit class named in
// §4.8.2 is avoided by propagating the flag onto every container, not
// just the outer wrapper).
func Freeze(v *Value) {
	if v == nil || v.frozen {
		return
	}
	v.frozen = true
	switch v.Kind {
	case KindObject:
		keys := sortedObjectKeys(v.Object) // deterministic traversal, §9 item 3
		for _, k := range keys {
			Freeze(v.Object[k])
		}
	case KindArray:
		for _, e := range v.Array {
			Freeze(e)
		}
	case KindWrapped:
		Freeze(v.Wrapped)
	}
}

func sortedObjectKeys(m map[string]*Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SetField writes to an object field, rejecting the write if v (or any
// ancestor that produced v via a selector) is frozen.
func (v *Value) SetField(name string, val *Value) error {
	if v.Kind != KindObject {
		return fmt.Errorf("set field: not an object")
	}
	if v.frozen {
		return fmt.Errorf("set field %q: write to frozen object rejected", name)
	}
	if v.Object == nil {
		v.Object = make(map[string]*Value)
	}
	v.Object[name] = val
	return nil
}

// SetIndex writes to an array index, with the same frozen-ancestor check.
func (v *Value) SetIndex(i int, val *Value) error {
	if v.Kind != KindArray {
		return fmt.Errorf("set index: not an array")
	}
	if v.frozen {
		return fmt.Errorf("set index %d: write to frozen array rejected", i)
	}
	if i < 0 || i >= len(v.Array) {
		return fmt.Errorf("set index %d: out of range", i)
	}
	v.Array[i] = val
	return nil
}

// IsFrozen reports whether v has been frozen (directly or via an ancestor).
func (v *Value) IsFrozen() bool { return v.frozen }

// ToStateString converts a decimal Value for persistence into AA state,
// applying §4.8.1's safe-integer rule uniformly: values outside
// [-safeIntegerLimit, safeIntegerLimit] are serialized as decimal strings
// to preserve precision, including along intermediate operations like
// array-map (the spec explicitly calls out "map precision loss" as an
// audit class this rule must prevent).
func (v *Value) ToStateString() (string, error) {
	if v.Kind != KindDecimal {
		return "", fmt.Errorf("to state string: not a decimal")
	}
	if v.Decimal.IsInt() {
		i := v.Decimal.Num()
		if i.CmpAbs(safeIntegerLimit) <= 0 {
			return i.String(), nil
		}
	}
	return v.Decimal.RatString(), nil
}

// MapArray applies fn to every element of an array Value, in insertion
// (slice) order — the deterministic iteration order §9 item 3 mandates for
// arrays — and returns a new (unfrozen) array Value. Result elements are
// stored exactly as fn returns them; no safe-integer check or conversion
// is applied to decimal elements here.
func MapArray(arr *Value, fn func(*Value) (*Value, error)) (*Value, error) {
	if arr.Kind != KindArray {
		return nil, fmt.Errorf("map: not an array")
	}
	out := make([]*Value, len(arr.Array))
	for i, e := range arr.Array {
		r, err := fn(e)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return NewArray(out), nil
}

// Expr is a node in a formula's expression tree. Op identifies the
// operation; Args are its operands, already-evaluated or themselves Exprs
// depending on laziness needs (data_feed's ifnone is the one case the
// evaluator special-cases for lazy evaluation, see datafeed.go).
type Expr struct {
	Op   string
	Args []*Expr
	Lit  *Value // for Op == "lit"
	Name string // for Op == "var" / "state_get" / "state_set"
}

// EvalContext carries everything a formula evaluation needs: trigger data,
// AA state accessors, and the data-feed reader. State reads/writes and
// definition/disclosure lookups are all anchored to a fixed last_ball_mci
// snapshot (§4.4.4, §4.8.5) rather than "current" store state, so that
// composition and validation agree.
type EvalContext struct {
	TriggerUnit    Hash
	TriggerAddress Address
	AAAddress      Address
	AmountsIn      map[AssetID]int64
	Data           *Value // trigger.data, if any
	MCI            int64
	SnapshotMCI    int64 // last_ball_mci snapshot all reads are pinned to

	vars  map[string]*Value
	state AAStateAccessor
	feed  DataFeedReader
}

// AAStateAccessor reads/writes AA state variables (§3.6). Implementations
// wrap store.go's kvstore with keys of the form "aa", <address>, <var>
// joined by newlines.
type AAStateAccessor interface {
	GetVar(aa Address, name string) (*Value, bool, error)
	SetVar(aa Address, name string, v *Value) error
}

// Eval walks expr and returns its value. Only the small operator set the
// spec's testable properties depend on is implemented explicitly (freeze,
// map, data_feed, arithmetic, comparisons, and/or, state var read/write;
// there is no object or array construction op); unrecognized ops return an
// error rather than a
// best-effort guess, since an unrecognized op executing differently on
// different node versions would itself be a determinism hazard (§4.8.5).
func (c *EvalContext) Eval(e *Expr) (*Value, error) {
	switch e.Op {
	case "lit":
		return e.Lit, nil
	case "var":
		if v, ok := c.vars[e.Name]; ok {
			return v, nil
		}
		return nil, fmt.Errorf("eval: undefined variable %q", e.Name)
	case "state_get":
		v, ok, err := c.state.GetVar(c.AAAddress, e.Name)
		if err != nil {
			return nil, err
		}
		if !ok {
			return NewBoolean(false), nil // spec treats missing state as falsy
		}
		return v, nil
	case "state_set":
		val, err := c.Eval(e.Args[0])
		if err != nil {
			return nil, err
		}
		if err := c.state.SetVar(c.AAAddress, e.Name, val); err != nil {
			return nil, err
		}
		return val, nil
	case "freeze":
		val, err := c.Eval(e.Args[0])
		if err != nil {
			return nil, err
		}
		Freeze(val)
		return val, nil
	case "add", "sub", "mul", "div":
		return c.evalArith(e)
	case "eq", "lt", "gt", "lte", "gte":
		return c.evalCompare(e)
	case "and", "or":
		return c.evalLogic(e)
	case "data_feed":
		return c.evalDataFeed(e)
	case "map":
		arr, err := c.Eval(e.Args[0])
		if err != nil {
			return nil, err
		}
		fnExpr := e.Args[1]
		return MapArray(arr, func(el *Value) (*Value, error) {
			sub := &EvalContext{
				TriggerUnit: c.TriggerUnit, TriggerAddress: c.TriggerAddress,
				AAAddress: c.AAAddress, AmountsIn: c.AmountsIn, Data: c.Data,
				MCI: c.MCI, SnapshotMCI: c.SnapshotMCI,
				vars: mergeVars(c.vars, map[string]*Value{"x": el}), state: c.state, feed: c.feed,
			}
			return sub.Eval(fnExpr)
		})
	default:
		return nil, fmt.Errorf("eval: unrecognized op %q", e.Op)
	}
}

func mergeVars(base, extra map[string]*Value) map[string]*Value {
	out := make(map[string]*Value, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func (c *EvalContext) evalArith(e *Expr) (*Value, error) {
	a, err := c.Eval(e.Args[0])
	if err != nil {
		return nil, err
	}
	b, err := c.Eval(e.Args[1])
	if err != nil {
		return nil, err
	}
	if a.Kind != KindDecimal || b.Kind != KindDecimal {
		return nil, fmt.Errorf("%s: operands must be decimal", e.Op)
	}
	r := new(big.Rat)
	switch e.Op {
	case "add":
		r.Add(a.Decimal, b.Decimal)
	case "sub":
		r.Sub(a.Decimal, b.Decimal)
	case "mul":
		r.Mul(a.Decimal, b.Decimal)
	case "div":
		if b.Decimal.Sign() == 0 {
			return nil, fmt.Errorf("div: division by zero")
		}
		r.Quo(a.Decimal, b.Decimal)
	}
	return NewDecimalRat(r), nil
}

func (c *EvalContext) evalCompare(e *Expr) (*Value, error) {
	a, err := c.Eval(e.Args[0])
	if err != nil {
		return nil, err
	}
	b, err := c.Eval(e.Args[1])
	if err != nil {
		return nil, err
	}
	if a.Kind != KindDecimal || b.Kind != KindDecimal {
		return nil, fmt.Errorf("%s: operands must be decimal", e.Op)
	}
	cmp := a.Decimal.Cmp(b.Decimal)
	switch e.Op {
	case "eq":
		return NewBoolean(cmp == 0), nil
	case "lt":
		return NewBoolean(cmp < 0), nil
	case "gt":
		return NewBoolean(cmp > 0), nil
	case "lte":
		return NewBoolean(cmp <= 0), nil
	case "gte":
		return NewBoolean(cmp >= 0), nil
	}
	return nil, fmt.Errorf("unreachable")
}

func (c *EvalContext) evalLogic(e *Expr) (*Value, error) {
	a, err := c.Eval(e.Args[0])
	if err != nil {
		return nil, err
	}
	if a.Kind != KindBoolean {
		return nil, fmt.Errorf("%s: operand must be boolean", e.Op)
	}
	if e.Op == "and" && !a.Bool {
		return NewBoolean(false), nil
	}
	if e.Op == "or" && a.Bool {
		return NewBoolean(true), nil
	}
	b, err := c.Eval(e.Args[1])
	if err != nil {
		return nil, err
	}
	if b.Kind != KindBoolean {
		return nil, fmt.Errorf("%s: operand must be boolean", e.Op)
	}
	return NewBoolean(b.Bool), nil
}
