package core

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// hashing.go implements C1: a single canonical encoding function used for
// every hashable entity in the system (units, balls, definitions, request
// tags). No other file may hash a value by any other means — in particular
// never by encoding/json + sha256, which does not fix key order or type
// tags and is the "string concatenation of user-supplied fields" class of
// bug the spec forbids (§4.1, §9).

// delimiter separates canonical-encoded components. A single NUL byte.
const delimiter = 0x00

// Canonicalizable is any value this package knows how to encode
// canonically. Concrete Go types map onto the tagged wire forms:
//   string  -> "s" || utf8(s)
//   float64/int64 -> "n" || decimal(n)   (must be finite)
//   bool    -> "b" || "true"|"false"
//   []any   -> "[" canonical(e0) NUL canonical(e1) ... "]"
//   map[string]any -> sorted by key; for each: canonical(key) NUL canonical(value)
type Canonicalizable interface{}

// CanonicalEncode converts v into its canonical byte representation.
// Components of composite values are joined with a single NUL byte. An
// error is returned for non-finite numbers, since the spec requires
// rejecting NaN/Infinity rather than silently hashing them.
func CanonicalEncode(v Canonicalizable) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return []byte{'n', 'u', 'l', 'l'}, nil
	case string:
		return append([]byte{'s'}, []byte(t)...), nil
	case bool:
		if t {
			return append([]byte{'b'}, []byte("true")...), nil
		}
		return append([]byte{'b'}, []byte("false")...), nil
	case int:
		return canonicalNumber(float64(t))
	case int64:
		return canonicalNumber(float64(t))
	case uint64:
		return canonicalNumber(float64(t))
	case float64:
		return canonicalNumber(t)
	case []byte:
		return append([]byte{'s'}, t...), nil
	case []Canonicalizable:
		return canonicalArray(t)
	case []interface{}:
		arr := make([]Canonicalizable, len(t))
		for i, e := range t {
			arr[i] = e
		}
		return canonicalArray(arr)
	case map[string]Canonicalizable:
		return canonicalObject(t)
	case map[string]interface{}:
		obj := make(map[string]Canonicalizable, len(t))
		for k, e := range t {
			obj[k] = e
		}
		return canonicalObject(obj)
	default:
		return nil, fmt.Errorf("canonical encode: unsupported type %T", v)
	}
}

func canonicalNumber(f float64) ([]byte, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("canonical encode: non-finite number")
	}
	var s string
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		s = strconv.FormatInt(int64(f), 10)
	} else {
		s = strconv.FormatFloat(f, 'g', -1, 64)
	}
	return append([]byte{'n'}, []byte(s)...), nil
}

func canonicalArray(arr []Canonicalizable) ([]byte, error) {
	out := []byte{'['}
	for i, e := range arr {
		if i > 0 {
			out = append(out, delimiter)
		}
		enc, err := CanonicalEncode(e)
		if err != nil {
			return nil, err
		}
		out = append(out, enc...)
	}
	out = append(out, ']')
	return out, nil
}

func canonicalObject(obj map[string]Canonicalizable) ([]byte, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			out = append(out, delimiter)
		}
		keyEnc, err := CanonicalEncode(k)
		if err != nil {
			return nil, err
		}
		valEnc, err := CanonicalEncode(obj[k])
		if err != nil {
			return nil, err
		}
		out = append(out, keyEnc...)
		out = append(out, delimiter)
		out = append(out, valEnc...)
	}
	out = append(out, '}')
	return out, nil
}

// CanonicalHash returns the 32-byte sha256 digest of v's canonical
// encoding, wrapped as an object (per §4.1's "any new hashable entity MUST
// be hashed by this function with an object wrapper" rule).
func CanonicalHash(v Canonicalizable) (Hash, error) {
	wrapped := map[string]Canonicalizable{"value": v}
	enc, err := canonicalObject(wrapped)
	if err != nil {
		return Hash{}, err
	}
	return sha256.Sum256(enc), nil
}

// EncodeHash renders a Hash as the spec's 44-char base64 string form.
func EncodeHash(h Hash) string {
	return base64.StdEncoding.EncodeToString(h[:])
}

// DecodeHash parses a 44-char base64 hash string back into a Hash.
func DecodeHash(s string) (Hash, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("decode hash: %w", err)
	}
	if len(b) != 32 {
		return Hash{}, fmt.Errorf("decode hash: expected 32 bytes, got %d", len(b))
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

// unitCanonicalForm returns the canonical map representation of a unit with
// authentifiers and the unit field itself stripped, per §3.1's identity
// rule: "Unit identity = canonical hash of the unit with authentifiers and
// unit stripped."
func unitCanonicalForm(u *Unit) map[string]Canonicalizable {
	authors := make([]Canonicalizable, len(u.Authors))
	for i, a := range u.Authors {
		entry := map[string]Canonicalizable{
			"address": EncodeAddress(a.Address),
		}
		if len(a.Definition) > 0 {
			entry["definition"] = string(a.Definition)
		}
		authors[i] = entry
	}

	parents := make([]Canonicalizable, len(u.ParentUnits))
	for i, p := range u.ParentUnits {
		parents[i] = EncodeHash(p)
	}

	messages := make([]Canonicalizable, len(u.Messages))
	for i, m := range u.Messages {
		messages[i] = map[string]Canonicalizable{
			"app":     string(m.App),
			"payload": string(m.Payload),
		}
	}

	witnesses := make([]Canonicalizable, len(u.Witnesses))
	for i, w := range u.Witnesses {
		witnesses[i] = EncodeAddress(w)
	}

	form := map[string]Canonicalizable{
		"version":             u.Version,
		"alt":                 u.Alt,
		"authors":             authors,
		"parent_units":        parents,
		"last_ball":           EncodeHash(u.LastBall),
		"last_ball_unit":      EncodeHash(u.LastBallUnit),
		"messages":            messages,
		"timestamp":           u.Timestamp,
		"headers_commission":  u.HeadersCommission,
		"payload_commission":  u.PayloadCommission,
	}
	if len(u.Witnesses) > 0 {
		form["witnesses"] = witnesses
	} else {
		form["witness_list_unit"] = EncodeHash(u.WitnessListUnit)
	}
	return form
}

// HashUnit computes the unit's identity hash per §3.1/§4.1.
func HashUnit(u *Unit) (Hash, error) {
	return CanonicalHash(unitCanonicalForm(u))
}

// HashBall computes a ball's hash per §3.2:
// hash(unit_hash, sorted_parent_balls, sorted_skiplist_balls, is_nonserial).
func HashBall(b *Ball) (Hash, error) {
	parentBalls := make([]string, len(b.ParentBalls))
	for i, p := range b.ParentBalls {
		parentBalls[i] = EncodeHash(p)
	}
	sort.Strings(parentBalls)
	parentArr := make([]Canonicalizable, len(parentBalls))
	for i, p := range parentBalls {
		parentArr[i] = p
	}

	skiplistBalls := make([]string, len(b.SkiplistBalls))
	for i, s := range b.SkiplistBalls {
		skiplistBalls[i] = EncodeHash(s)
	}
	sort.Strings(skiplistBalls)
	skipArr := make([]Canonicalizable, len(skiplistBalls))
	for i, s := range skiplistBalls {
		skipArr[i] = s
	}

	form := map[string]Canonicalizable{
		"unit":            EncodeHash(b.UnitHash),
		"parent_balls":    parentArr,
		"skiplist_balls":  skipArr,
		"is_nonserial":    b.IsNonserial,
	}
	return CanonicalHash(form)
}

// HashRequestTag computes the deterministic correlation tag for a peer
// request, per §4.10: canonical hash of {command, params}.
func HashRequestTag(command string, params map[string]interface{}) (string, error) {
	form := map[string]Canonicalizable{
		"command": command,
		"params":  params,
	}
	h, err := CanonicalHash(form)
	if err != nil {
		return "", err
	}
	return EncodeHash(h), nil
}
