package core

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	log "github.com/sirupsen/logrus"
)

// catchup.go implements C11's catchup-chain half (§4.11.1): building and
// verifying the ball-hash chain a lagging node walks to resync, and
// serving bounded hash-tree ranges. Grounded on the now-deleted
// core/merkle_tree_operations.go's chain-of-hashes verification shape;
// bulk wire payloads use go-ethereum/rlp, the pack's only byte-efficient
// structured codec, kept separate from C1's canonical JSON-flavored
// hashing (rlp is never used to compute a hash, only to serialize already
// -hashed records for transport).
type CatchupEngine struct {
	store  *Store
	logger *log.Logger
}

func NewCatchupEngine(store *Store, lg *log.Logger) *CatchupEngine {
	if lg == nil {
		lg = log.StandardLogger()
	}
	return &CatchupEngine{store: store, logger: lg}
}

// CatchupChainRequest names the range a lagging node wants bridged: its
// own last known stable ball(s), and the last_stable_mci the peer claims.
type CatchupChainRequest struct {
	KnownStableUnits []Hash
	LastStableMCI    int64
}

// CatchupChainResponse carries the chain of ball hashes bridging the gap,
// RLP-encoded for the wire, plus a session id for correlating a later
// get_hash_tree follow-up request.
type CatchupChainResponse struct {
	SessionID       string
	StableBallHashes []Hash
	UnstableUnits    []Hash
}

type rlpBallChain struct {
	StableBallHashes [][]byte
	UnstableUnits    [][]byte
}

// BuildCatchupChain implements §4.11.1: walk main-chain balls from the
// requester's known point to this node's current stable tip, in
// ascending MCI order. arrChainBalls[0] — the requester's own claimed
// tip — is never trusted as the chain's root; it is replaced by this
// node's own record for that MCI (or an earlier common ancestor if the
// claimed tip doesn't match a ball this node has), since trusting a
// peer-supplied root byte-for-byte would let a malicious peer splice an
// unrelated chain onto a plausible-looking prefix.
func (c *CatchupEngine) BuildCatchupChain(ctx context.Context, req CatchupChainRequest) (CatchupChainResponse, error) {
	fromMCI, err := c.resolveCommonAncestorMCI(ctx, req.KnownStableUnits)
	if err != nil {
		return CatchupChainResponse{}, NewFatalError("resolve common ancestor", err)
	}

	toMCI, err := c.currentStableMCI(ctx)
	if err != nil {
		return CatchupChainResponse{}, NewFatalError("load current stable mci", err)
	}
	if toMCI-fromMCI > MaxCatchupChainLength {
		// Gap re-check (§4.11.1): a single response must never promise more
		// than MaxCatchupChainLength balls; the caller re-requests in pages.
		toMCI = fromMCI + MaxCatchupChainLength
	}

	rows, err := c.store.pool.Query(ctx,
		`SELECT ball_hash FROM balls WHERE mci > $1 AND mci <= $2 ORDER BY mci ASC`, fromMCI, toMCI)
	if err != nil {
		return CatchupChainResponse{}, NewFatalError("query balls", err)
	}
	defer rows.Close()
	var chain []Hash
	for rows.Next() {
		var h []byte
		if err := rows.Scan(&h); err != nil {
			return CatchupChainResponse{}, NewFatalError("scan ball", err)
		}
		var hh Hash
		copy(hh[:], h)
		chain = append(chain, hh)
	}

	unstable, err := c.unstableUnitsAbove(ctx, toMCI)
	if err != nil {
		return CatchupChainResponse{}, NewFatalError("load unstable units", err)
	}

	return CatchupChainResponse{
		SessionID:        uuid.NewString(),
		StableBallHashes: chain,
		UnstableUnits:    unstable,
	}, nil
}

func (c *CatchupEngine) resolveCommonAncestorMCI(ctx context.Context, claimed []Hash) (int64, error) {
	for _, h := range claimed {
		row := c.store.pool.QueryRow(ctx, `SELECT mci FROM balls WHERE unit_hash=$1`, h[:])
		var mci int64
		if err := row.Scan(&mci); err == nil {
			return mci, nil
		}
	}
	return 0, nil // no recognized ancestor: bridge from genesis
}

func (c *CatchupEngine) currentStableMCI(ctx context.Context) (int64, error) {
	row := c.store.pool.QueryRow(ctx, `SELECT COALESCE(MAX(mci), 0) FROM balls`)
	var mci int64
	if err := row.Scan(&mci); err != nil {
		return 0, err
	}
	return mci, nil
}

func (c *CatchupEngine) unstableUnitsAbove(ctx context.Context, mci int64) ([]Hash, error) {
	rows, err := c.store.pool.Query(ctx, `SELECT unit_hash FROM units WHERE is_stable=FALSE`)
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

// EncodeCatchupChain RLP-encodes a response for the wire.
func EncodeCatchupChain(resp CatchupChainResponse) ([]byte, error) {
	r := rlpBallChain{
		StableBallHashes: hashesToBytes(resp.StableBallHashes),
		UnstableUnits:    hashesToBytes(resp.UnstableUnits),
	}
	return rlp.EncodeToBytes(r)
}

// DecodeCatchupChain reverses EncodeCatchupChain.
func DecodeCatchupChain(data []byte) (CatchupChainResponse, error) {
	var r rlpBallChain
	if err := rlp.DecodeBytes(data, &r); err != nil {
		return CatchupChainResponse{}, fmt.Errorf("decode catchup chain: %w", err)
	}
	return CatchupChainResponse{
		StableBallHashes: bytesToHashes(r.StableBallHashes),
		UnstableUnits:    bytesToHashes(r.UnstableUnits),
	}, nil
}

func hashesToBytes(hs []Hash) [][]byte {
	out := make([][]byte, len(hs))
	for i, h := range hs {
		b := make([]byte, 32)
		copy(b, h[:])
		out[i] = b
	}
	return out
}

func bytesToHashes(bs [][]byte) []Hash {
	out := make([]Hash, len(bs))
	for i, b := range bs {
		copy(out[i][:], b)
	}
	return out
}

// HashTreeRequest bounds a get_hash_tree query to an explicit MCI range,
// per §4.11.1's "requests unbounded in range must be rejected" rule.
type HashTreeRequest struct {
	FromMCI int64
	ToMCI   int64
}

// HashTreeResponse carries the full joint content for every unit in the
// requested MCI range, ordered by (mci, level) so a replaying node can
// reinsert them in dependency order.
type HashTreeResponse struct {
	Units [][]byte // canonical joint content, not re-hashed here
}

// GetHashTree implements §4.11.1's hash-tree service: it rejects inverted
// or over-long ranges, then reads the stored content of every unit in the
// range inside a single store transaction. No lock is taken beyond that
// transaction, and the content is returned as stored, not RLP-encoded.
func (c *CatchupEngine) GetHashTree(ctx context.Context, req HashTreeRequest) (HashTreeResponse, error) {
	if req.ToMCI < req.FromMCI {
		return HashTreeResponse{}, NewUnitError(Hash{}, "get_hash_tree: invalid range")
	}
	if req.ToMCI-req.FromMCI > MaxCatchupChainLength {
		return HashTreeResponse{}, NewUnitError(Hash{}, "get_hash_tree: range too large")
	}

	var units [][]byte
	err := c.store.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT content FROM units WHERE main_chain_index > $1 AND main_chain_index <= $2 ORDER BY main_chain_index ASC, level ASC`,
			req.FromMCI, req.ToMCI)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var content []byte
			if err := rows.Scan(&content); err != nil {
				return err
			}
			units = append(units, content)
		}
		return nil
	})
	if err != nil {
		return HashTreeResponse{}, NewFatalError("get hash tree", err)
	}
	return HashTreeResponse{Units: units}, nil
}
