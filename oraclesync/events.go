package oraclesync

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/iden3/go-iden3-crypto/keccak256"
)

// ContractVersion tags which contract generation emitted a record.
type ContractVersion string

const (
	VersionV2 = ContractVersion("v2")
	VersionV3 = ContractVersion("v3")
)

// AssertionStatus is the 3-state machine of an assertion. Transitions are
// monotonic: Proposed -> Disputed -> Settled, Settled is terminal.
type AssertionStatus string

const (
	StatusProposed = AssertionStatus("Proposed")
	StatusDisputed = AssertionStatus("Disputed")
	StatusSettled  = AssertionStatus("Settled")
)

// statusRank orders statuses so upserts never regress them.
func statusRank(s AssertionStatus) int {
	switch s {
	case StatusProposed:
		return 1
	case StatusDisputed:
		return 2
	case StatusSettled:
		return 3
	}
	return 0
}

// DisputeStatus is the lifecycle of a dispute row.
type DisputeStatus string

const (
	DisputeVoting   = DisputeStatus("Voting")
	DisputeResolved = DisputeStatus("Resolved")
)

// logMeta is the on-chain provenance every decoded event carries.
type logMeta struct {
	TxHash    common.Hash
	BlockNum  uint64
	LogIndex  uint
	BlockTime uint64
}

// ProposePrice is a v2 proposal: a value was proposed for a price request.
type ProposePrice struct {
	logMeta
	Requester           common.Address
	Proposer            common.Address
	Identifier          common.Hash
	Timestamp           *big.Int
	AncillaryData       []byte
	ProposedPrice       *big.Int
	ExpirationTimestamp *big.Int
	Currency            common.Address
}

// DisputePrice is a v2 dispute against a proposed price.
type DisputePrice struct {
	logMeta
	Requester     common.Address
	Disputer      common.Address
	Proposer      common.Address
	Identifier    common.Hash
	Timestamp     *big.Int
	AncillaryData []byte
	ProposedPrice *big.Int
}

// Settle is a v2 settlement of a price request.
type Settle struct {
	logMeta
	Requester     common.Address
	Proposer      common.Address
	Disputer      common.Address
	Identifier    common.Hash
	Timestamp     *big.Int
	AncillaryData []byte
	Price         *big.Int
	Payout        *big.Int
}

// AssertionMade is a v3 assertion creation.
type AssertionMade struct {
	logMeta
	AssertionID    common.Hash
	Asserter       common.Address
	Claim          []byte
	Identifier     common.Hash
	ExpirationTime uint64
	Currency       common.Address
	Bond           *big.Int
}

// AssertionDisputed is a v3 dispute against an assertion.
type AssertionDisputed struct {
	logMeta
	AssertionID common.Hash
	Caller      common.Address
	Disputer    common.Address
}

// AssertionSettled is a v3 settlement.
type AssertionSettled struct {
	logMeta
	AssertionID          common.Hash
	BondRecipient        common.Address
	Disputed             bool
	SettlementResolution bool
	SettleCaller         common.Address
}

// VoteCast is a v3 ballot against a disputed assertion.
type VoteCast struct {
	logMeta
	AssertionID common.Hash
	Voter       common.Address
	Support     bool
	Weight      *big.Int
}

// Event is the tagged union of the seven event kinds, exactly one field is
// non-nil per instance.
type Event struct {
	ProposePrice      *ProposePrice
	DisputePrice      *DisputePrice
	Settle            *Settle
	AssertionMade     *AssertionMade
	AssertionDisputed *AssertionDisputed
	AssertionSettled  *AssertionSettled
	VoteCast          *VoteCast
}

// Assertion represents one proposed value awaiting dispute or settlement.
type Assertion struct {
	ID              string          `meddler:"id"`
	Chain           string          `meddler:"chain"`
	Version         ContractVersion `meddler:"version"`
	Identifier      string          `meddler:"identifier"`
	AncillaryData   string          `meddler:"ancillary_data"`
	Proposer        common.Address  `meddler:"proposer,address"`
	ProposedValue   *big.Int        `meddler:"proposed_value,bigint"`
	Bond            *big.Int        `meddler:"bond,bigint"`
	Reward          *big.Int        `meddler:"reward,bigint"`
	ProposedAt      uint64          `meddler:"proposed_at"`
	LivenessEndsAt  uint64          `meddler:"liveness_ends_at"`
	DisputedAt      uint64          `meddler:"disputed_at"`
	SettledAt       uint64          `meddler:"settled_at"`
	SettlementValue *big.Int        `meddler:"settlement_value,bigint"`
	Status          AssertionStatus `meddler:"status"`
	TxHash          common.Hash     `meddler:"tx_hash,hash"`
	BlockNum        uint64          `meddler:"block_num"`
	LogIndex        uint64          `meddler:"log_index"`
}

// Dispute is one active contest over an assertion.
type Dispute struct {
	ID           string          `meddler:"id"`
	AssertionID  string          `meddler:"assertion_id"`
	Chain        string          `meddler:"chain"`
	Version      ContractVersion `meddler:"version"`
	Disputer     common.Address  `meddler:"disputer,address"`
	Bond         *big.Int        `meddler:"bond,bigint"`
	DisputedAt   uint64          `meddler:"disputed_at"`
	VotingEndsAt uint64          `meddler:"voting_ends_at"`
	VotesFor     *big.Int        `meddler:"votes_for,bigint"`
	VotesAgainst *big.Int        `meddler:"votes_against,bigint"`
	Status       DisputeStatus   `meddler:"status"`
	TxHash       common.Hash     `meddler:"tx_hash,hash"`
	BlockNum     uint64          `meddler:"block_num"`
	LogIndex     uint64          `meddler:"log_index"`
}

// Vote is one recorded ballot, append-only.
type Vote struct {
	ID        string         `meddler:"id"`
	DisputeID string         `meddler:"dispute_id"`
	Voter     common.Address `meddler:"voter,address"`
	Support   bool           `meddler:"support"`
	Weight    *big.Int       `meddler:"weight,bigint"`
	TxHash    common.Hash    `meddler:"tx_hash,hash"`
	BlockNum  uint64         `meddler:"block_num"`
	LogIndex  uint64         `meddler:"log_index"`
}

// SyncState is the durable cursor and health record of one instance.
type SyncState struct {
	InstanceID          string `meddler:"instance_id"`
	LastProcessedBlock  uint64 `meddler:"last_processed_block"`
	LatestBlock         uint64 `meddler:"latest_block"`
	SafeBlock           uint64 `meddler:"safe_block"`
	ActiveRPCURL        string `meddler:"active_rpc_url"`
	RPCStats            string `meddler:"rpc_stats"`
	ConsecutiveFailures uint64 `meddler:"consecutive_failures"`
	LastError           string `meddler:"last_error"`
	LastSyncAt          int64  `meddler:"last_sync_at"`
	LastSuccessAt       int64  `meddler:"last_success_at"`
	LastDurationMS      int64  `meddler:"last_duration_ms"`
}

// assertionIDV2 derives the deterministic id of a v2 assertion from the
// request identifier, timestamp and ancillary data.
func assertionIDV2(identifier common.Hash, timestamp *big.Int, ancillaryData []byte) string {
	ts := []byte{}
	if timestamp != nil {
		ts = timestamp.Bytes()
	}
	return common.BytesToHash(keccak256.Hash(identifier.Bytes(), ts, ancillaryData)).Hex()
}

// assertionIDV3 is the chain-assigned assertion id.
func assertionIDV3(assertionID common.Hash) string {
	return assertionID.Hex()
}

func disputeID(assertionID string) string {
	return "D:" + assertionID
}

func voteID(assertionID string, txHash common.Hash, logIndex uint) string {
	return common.BytesToHash(keccak256.Hash(
		[]byte(assertionID),
		txHash.Bytes(),
		common.BytesToHash(new(big.Int).SetUint64(uint64(logIndex)).Bytes()).Bytes(),
	)).Hex()
}
