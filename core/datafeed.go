package core

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// parseDecimalString parses a decimal string (plain integer or
// numerator/denominator rational form) back into a big.Rat.
func parseDecimalString(s string) (*big.Rat, error) {
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("invalid decimal string %q", s)
	}
	return r, nil
}

// datafeed.go implements C8.3/C8.4: oracle data-feed lookup backing the
// formula evaluator's data_feed(...) operator. Grounded on store.go's
// kvstore (core/store.go KVGet/KVPrefixIterator), which in turn is
// grounded on the teacher's key-value helper layer; data feeds reuse that
// layer rather than a dedicated table because lookups are range-scans over
// a composite key, exactly the shape the kvstore's prefix iterator exists
// to serve.

// dataFeedKeyPrefix formats the kvstore key prefix for a given oracle and
// feed name: "df\n<oracle>\n<feed_name>\n", matching §4.8.3's wire layout.
// The trailing components (type and value) are appended by writers and
// parsed back out by readers; see dataFeedKey/parseDataFeedKey.
func dataFeedKeyPrefix(oracle Address, feedName string) string {
	return fmt.Sprintf("df\n%s\n%s\n", EncodeAddress(oracle), feedName)
}

func dataFeedKey(oracle Address, feedName, typ, value string, mci int64) string {
	return fmt.Sprintf("%s%s\n%s\n%020d", dataFeedKeyPrefix(oracle, feedName), typ, value, mci)
}

// DataFeedReader looks up oracle-posted data feed values as of a given MCI
// snapshot (§4.8.3: "data feed lookups are pinned to last_ball_mci, never
// to the current tip", preventing a race where a trigger observes a feed
// value posted after the trigger unit's own last ball).
type DataFeedReader interface {
	Lookup(ctx context.Context, oracle Address, feedName string, atMCI int64, ifnone *Value) (*Value, error)
}

// StoreDataFeedReader implements DataFeedReader against a Store's kvstore.
type StoreDataFeedReader struct {
	store  *Store
	logger *log.Logger
}

func NewStoreDataFeedReader(store *Store, lg *log.Logger) *StoreDataFeedReader {
	if lg == nil {
		lg = log.StandardLogger()
	}
	return &StoreDataFeedReader{store: store, logger: lg}
}

// RecordDataFeed persists an oracle-posted feed value at mci. Values are
// stored both as their typed string form and tagged so numeric feeds sort
// and compare the way the spec's MIN/MAX-range queries expect; only the
// two types the spec names (decimal, string) are supported.
func (r *StoreDataFeedReader) RecordDataFeed(ctx context.Context, oracle Address, feedName string, v *Value, mci int64) error {
	var typ, value string
	switch v.Kind {
	case KindDecimal:
		typ = "n"
		s, err := v.ToStateString()
		if err != nil {
			return err
		}
		value = s
	case KindString:
		typ = "s"
		value = v.Str
	default:
		return fmt.Errorf("record data feed: unsupported value kind")
	}
	key := dataFeedKey(oracle, feedName, typ, value, mci)
	return r.store.KVSet(ctx, []byte(key), []byte(value))
}

// Lookup scans the kvstore for the newest posting of (oracle, feedName) at
// or before atMCI. On a clean miss Lookup returns the ifnone value it was
// given, unchanged, with a nil error (so (nil, nil) when the caller passes
// a nil ifnone); it never evaluates anything itself.
// Each candidate key is defensively parsed: a key that doesn't match the
// expected layout is skipped rather than aborting the whole scan, since a
// future writer format change must not crash every node still running
// this reader (§4.8.3's "malformed-entry must not halt the stream").
func (r *StoreDataFeedReader) Lookup(ctx context.Context, oracle Address, feedName string, atMCI int64, ifnone *Value) (*Value, error) {
	prefix := dataFeedKeyPrefix(oracle, feedName)
	it, err := r.store.KVPrefixIterator(ctx, []byte(prefix))
	if err != nil {
		return nil, fmt.Errorf("data feed lookup: %w", err)
	}
	defer it.Close()

	var best *Value
	var bestMCI int64 = -1
	for it.Next() {
		key := string(it.Key())
		val, ok, mci := parseDataFeedKey(key, prefix)
		if !ok {
			r.logger.WithField("key", key).Warn("data feed: skipping malformed entry")
			continue
		}
		if mci > atMCI {
			continue
		}
		if mci > bestMCI {
			bestMCI = mci
			best = val
		}
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("data feed lookup iterate: %w", err)
	}
	if best == nil {
		return ifnone, nil
	}
	return best, nil
}

// parseDataFeedKey splits a "df\n<oracle>\n<feed>\n<type>\n<value>\n<mci>"
// key (with the caller-supplied prefix already stripped) back into a typed
// Value and its mci. Returns ok=false for anything that doesn't match,
// rather than panicking on a short split.
func parseDataFeedKey(key, prefix string) (*Value, bool, int64) {
	if !strings.HasPrefix(key, prefix) {
		return nil, false, 0
	}
	rest := key[len(prefix):]
	parts := strings.SplitN(rest, "\n", 3)
	if len(parts) != 3 {
		return nil, false, 0
	}
	typ, value, mciStr := parts[0], parts[1], parts[2]
	mci, err := strconv.ParseInt(mciStr, 10, 64)
	if err != nil {
		return nil, false, 0
	}
	switch typ {
	case "n":
		r, err := parseDecimalString(value)
		if err != nil {
			return nil, false, 0
		}
		return NewDecimalRat(r), true, mci
	case "s":
		return NewString(value), true, mci
	default:
		return nil, false, 0
	}
}

func (c *EvalContext) evalDataFeed(e *Expr) (*Value, error) {
	if len(e.Args) < 2 {
		return nil, fmt.Errorf("data_feed: requires oracle and feed name arguments")
	}
	oracleV, err := c.Eval(e.Args[0])
	if err != nil {
		return nil, err
	}
	if oracleV.Kind != KindString {
		return nil, fmt.Errorf("data_feed: oracle must be a string address")
	}
	oracle, err := DecodeAddress(oracleV.Str)
	if err != nil {
		return nil, fmt.Errorf("data_feed: invalid oracle address: %w", err)
	}
	nameV, err := c.Eval(e.Args[1])
	if err != nil {
		return nil, err
	}
	if nameV.Kind != KindString {
		return nil, fmt.Errorf("data_feed: feed name must be a string")
	}

	var ifnoneExpr *Expr
	if len(e.Args) >= 3 {
		ifnoneExpr = e.Args[2]
	}

	if c.feed == nil {
		return nil, fmt.Errorf("data_feed: no feed reader configured")
	}
	v, err := c.feed.Lookup(context.Background(), oracle, nameV.Str, c.SnapshotMCI, nil)
	if err != nil {
		return nil, err
	}
	if v != nil {
		return v, nil
	}
	// Lazy ifnone: only evaluated on an actual miss, per §4.8.4.
	if ifnoneExpr == nil {
		return nil, fmt.Errorf("data_feed: no value found for %s/%s and no ifnone given", oracleV.Str, nameV.Str)
	}
	return c.Eval(ifnoneExpr)
}
