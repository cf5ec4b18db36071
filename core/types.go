package core

// types.go – centralised struct and constant definitions referenced across
// the DAG engine. Kept as a single low-level file so that C2–C12 can share
// the wire/storage shapes without import cycles, following the teacher's
// common_structs.go convention of one dependency-light file of declarations.

import (
	"sync"
	"time"
)

// Protocol-observable constants (§6.4).
const (
	CountWitnesses        = 12
	MajorityOfWitnesses   = 7
	MaxUnitLength         = 5 * 1024 * 1024
	MaxAuthorsPerUnit     = 16
	MaxParentsPerUnit     = 16
	MaxMessagesPerUnit    = 128
	MaxInputsPerMessage   = 128
	MaxOutputsPerMessage  = 128
	MaxCatchupChainLength = 1_000_000
	TotalWhitebytes        = 1_000_000_000_000_000
	SystemVoteMinShare     = 0.10
	SystemVoteCountFee     = 1_000_000_000
	MaxPeersPerResponse    = 100
	DefaultMaxConnections  = 5
)

// Address is the spec-defined 128-bit (16-byte) account identifier:
// sha256 -> ripemd160 -> drop the first 4 bytes of the 20-byte digest.
type Address [16]byte

// Hash is a 44-char base64 canonical hash, carried as its decoded 32-byte
// digest. Unit hashes, ball hashes and definition chashes all use this type.
type Hash [32]byte

// AssetID identifies a native or issued asset. The zero value is the
// native "bytes" asset.
type AssetID [32]byte

// Author is one signer of a unit: an address plus either an inline
// definition (first use) or a reference to an already-known one, plus the
// authentifiers proving the signature(s) required by the definition.
type Author struct {
	Address       Address           `json:"address"`
	Definition    []byte            `json:"definition,omitempty"` // canonical-encoded expression tree, nil if already known
	Authentifiers map[string][]byte `json:"authentifiers"`        // path -> signature/preimage
}

// HeadersCommissionRecipient is one entry of
// earned_headers_commission_recipients (§4.4.2). Share is a positive
// integer out of 100.
type HeadersCommissionRecipient struct {
	Address Address `json:"address"`
	Share   uint8   `json:"earned_headers_commission_share"`
}

// Input references a spent output, or an issue/headers_commission/witnessing
// grant.
type Input struct {
	Kind          InputKind `json:"kind"`
	SrcUnit       Hash      `json:"src_unit,omitempty"`
	SrcMessageIdx int       `json:"src_message_index,omitempty"`
	SrcOutputIdx  int       `json:"src_output_index,omitempty"`
	Amount        int64     `json:"amount,omitempty"` // only meaningful for issue
}

type InputKind uint8

const (
	InputTransfer InputKind = iota
	InputIssue
	InputHeadersCommission
	InputWitnessing
)

// Output is a spendable payment target.
type Output struct {
	Address      Address `json:"address"`
	Amount       int64   `json:"amount"`
	Asset        AssetID `json:"asset"`
	Denomination uint32  `json:"denomination"`
	IsSpent      bool    `json:"-"`
	IsSerial     bool    `json:"-"`
}

// MessageKind enumerates the payload types a unit's messages carry. Only
// the ones this core depends on for validation/accounting/governance are
// modeled explicitly; anything else is opaque App/Payload bytes.
type MessageKind string

const (
	MessagePayment          MessageKind = "payment"
	MessageDataFeed         MessageKind = "data_feed"
	MessageDefinition       MessageKind = "definition"
	MessageDefinitionChange MessageKind = "address_definition_change"
	MessageSystemVote       MessageKind = "system_vote"
	MessageSystemVoteCount  MessageKind = "system_vote_count"
	MessageData             MessageKind = "data"
)

// Message is one typed payload entry of a unit.
type Message struct {
	App      MessageKind `json:"app"`
	Payload  []byte      `json:"payload,omitempty"` // canonical-encoded payload specific to App
	Inputs   []Input     `json:"inputs,omitempty"`
	Outputs  []Output    `json:"outputs,omitempty"`
}

// Unit is a signed message, the DAG graph node (§3.1).
type Unit struct {
	Version                         string                       `json:"version"`
	Alt                             string                       `json:"alt"`
	Authors                         []Author                     `json:"authors"`
	ParentUnits                     []Hash                       `json:"parent_units"`
	LastBall                        Hash                         `json:"last_ball"`
	LastBallUnit                    Hash                         `json:"last_ball_unit"`
	WitnessListUnit                 Hash                         `json:"witness_list_unit,omitempty"`
	Witnesses                       []Address                    `json:"witnesses,omitempty"`
	Messages                        []Message                    `json:"messages"`
	Timestamp                       int64                        `json:"timestamp"`
	HeadersCommission               int64                        `json:"headers_commission"`
	PayloadCommission               int64                        `json:"payload_commission"`
	TPSFee                          int64                        `json:"tps_fee,omitempty"`
	EarnedHeadersCommissionRecipients []HeadersCommissionRecipient `json:"earned_headers_commission_recipients,omitempty"`

	// Populated by the DAG/main-chain engine once inserted; not part of the
	// canonical hash.
	UnitHash         Hash  `json:"-"`
	BestParentUnit   Hash  `json:"-"`
	WitnessedLevel   int64 `json:"-"`
	Level            int64 `json:"-"`
	MainChainIndex   int64 `json:"-"` // -1 => NULL (unstable)
	LatestIncludedMCI int64 `json:"-"`
	IsOnMainChain    bool  `json:"-"`
	IsStable         bool  `json:"-"`
	IsFree           bool  `json:"-"`
	Sequence         string `json:"-"` // "good" | "final-bad" | "temp-bad"
}

// Ball is a stable unit's authenticated backbone identifier (§3.2).
type Ball struct {
	UnitHash       Hash   `json:"unit"`
	ParentBalls    []Hash `json:"parent_balls"`
	SkiplistBalls  []Hash `json:"skiplist_balls"`
	IsNonserial    bool   `json:"is_nonserial"`
	BallHash       Hash   `json:"-"`
	MCI            int64  `json:"-"`
}

// DefinitionRecord is a stored address -> definition mapping
// (first-inclusion-wins, §3.3/§4.1).
type DefinitionRecord struct {
	Address        Address
	DefinitionCHash Hash
	Definition      []byte
	StoredAtMCI     int64
}

// SystemParams is the governable parameter set (§3.8).
type SystemParams struct {
	OpList             []Address
	ThresholdSize       int64
	BaseTPSFee          int64
	TPSInterval         float64
	TPSFeeMultiplier    float64
}

// VoteRecord is one history entry for a governed parameter.
type VoteRecord struct {
	Subject      string
	VoteCountMCI int64
	Value        interface{}
	IsEmergency  bool
}

// NodeID identifies a peer on the wire (libp2p peer id string form).
type NodeID string

// Peer is a known remote node.
type Peer struct {
	ID        NodeID
	Addr      string
	Connected time.Time
	mu        sync.Mutex
	badEvents []time.Time // sliding window for temporary blocking (§4.10 SUPPLEMENT)
	blockedAt time.Time
}

// Config is the wire-level network configuration consumed by peer.go. It is
// distinct from pkg/config.Config (the process-level configuration), mirroring
// the teacher's split between core.Config (network bootstrap) and
// pkg/config.Config (file-based configuration surface).
type Config struct {
	ListenAddr          string
	BootstrapPeers      []string
	DiscoveryTag        string
	MaxInboundPeers     int
	MaxOutboundPeers    int
	MaxPeersPerResponse int
	WantNewPeers        bool
}

// WireKind is the outer envelope discriminant of §6.1.
type WireKind string

const (
	WireJustsaying WireKind = "justsaying"
	WireRequest    WireKind = "request"
	WireResponse   WireKind = "response"
)

// WireEnvelope is the `[kind, body]` frame.
type WireEnvelope struct {
	Kind WireKind        `json:"kind"`
	Body interface{}     `json:"body"`
}

// JustsayingBody is the body of a one-way gossip message.
type JustsayingBody struct {
	Subject string      `json:"subject"`
	Body    interface{} `json:"body"`
}

// RequestBody is the body of a correlated request.
type RequestBody struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params"`
	Tag     string                 `json:"tag"`
}

// ResponseBody is the body of a correlated response.
type ResponseBody struct {
	Tag      string      `json:"tag"`
	Response interface{} `json:"response"`
}
