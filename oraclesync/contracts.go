package oraclesync

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	evProposePrice      = "ProposePrice"
	evDisputePrice      = "DisputePrice"
	evSettle            = "Settle"
	evAssertionMade     = "AssertionMade"
	evAssertionDisputed = "AssertionDisputed"
	evAssertionSettled  = "AssertionSettled"
	evVoteCast          = "VoteCast"
)

// event fragments of the two oracle contract generations, only what the
// decoder consumes
const oracleV2ABIJSON = `[
{"type":"event","name":"ProposePrice","inputs":[
 {"name":"requester","type":"address","indexed":true},
 {"name":"proposer","type":"address","indexed":true},
 {"name":"identifier","type":"bytes32","indexed":false},
 {"name":"timestamp","type":"uint256","indexed":false},
 {"name":"ancillaryData","type":"bytes","indexed":false},
 {"name":"proposedPrice","type":"int256","indexed":false},
 {"name":"expirationTimestamp","type":"uint256","indexed":false},
 {"name":"currency","type":"address","indexed":false}]},
{"type":"event","name":"DisputePrice","inputs":[
 {"name":"requester","type":"address","indexed":true},
 {"name":"disputer","type":"address","indexed":true},
 {"name":"proposer","type":"address","indexed":true},
 {"name":"identifier","type":"bytes32","indexed":false},
 {"name":"timestamp","type":"uint256","indexed":false},
 {"name":"ancillaryData","type":"bytes","indexed":false},
 {"name":"proposedPrice","type":"int256","indexed":false}]},
{"type":"event","name":"Settle","inputs":[
 {"name":"requester","type":"address","indexed":true},
 {"name":"proposer","type":"address","indexed":true},
 {"name":"disputer","type":"address","indexed":true},
 {"name":"identifier","type":"bytes32","indexed":false},
 {"name":"timestamp","type":"uint256","indexed":false},
 {"name":"ancillaryData","type":"bytes","indexed":false},
 {"name":"price","type":"int256","indexed":false},
 {"name":"payout","type":"uint256","indexed":false}]}
]`

const oracleV3ABIJSON = `[
{"type":"event","name":"AssertionMade","inputs":[
 {"name":"assertionId","type":"bytes32","indexed":true},
 {"name":"domainId","type":"bytes32","indexed":false},
 {"name":"claim","type":"bytes","indexed":false},
 {"name":"asserter","type":"address","indexed":true},
 {"name":"callbackRecipient","type":"address","indexed":false},
 {"name":"escalationManager","type":"address","indexed":false},
 {"name":"caller","type":"address","indexed":false},
 {"name":"expirationTime","type":"uint64","indexed":false},
 {"name":"currency","type":"address","indexed":false},
 {"name":"bond","type":"uint256","indexed":false},
 {"name":"identifier","type":"bytes32","indexed":true}]},
{"type":"event","name":"AssertionDisputed","inputs":[
 {"name":"assertionId","type":"bytes32","indexed":true},
 {"name":"caller","type":"address","indexed":true},
 {"name":"disputer","type":"address","indexed":true}]},
{"type":"event","name":"AssertionSettled","inputs":[
 {"name":"assertionId","type":"bytes32","indexed":true},
 {"name":"bondRecipient","type":"address","indexed":true},
 {"name":"disputed","type":"bool","indexed":false},
 {"name":"settlementResolution","type":"bool","indexed":false},
 {"name":"settleCaller","type":"address","indexed":false}]},
{"type":"event","name":"VoteCast","inputs":[
 {"name":"assertionId","type":"bytes32","indexed":true},
 {"name":"voter","type":"address","indexed":true},
 {"name":"support","type":"bool","indexed":false},
 {"name":"weight","type":"uint256","indexed":false}]}
]`

var (
	oracleV2ABI abi.ABI
	oracleV3ABI abi.ABI
)

func init() {
	var err error
	oracleV2ABI, err = abi.JSON(strings.NewReader(oracleV2ABIJSON))
	if err != nil {
		panic(err)
	}
	oracleV3ABI, err = abi.JSON(strings.NewReader(oracleV3ABIJSON))
	if err != nil {
		panic(err)
	}
}

// unpackLog decodes both the data and the indexed topics of l into out,
// the same way generated contract bindings do.
func unpackLog(contractABI abi.ABI, out interface{}, eventName string, l types.Log) error {
	ev, ok := contractABI.Events[eventName]
	if !ok {
		return fmt.Errorf("event %s not found in ABI", eventName)
	}
	if len(l.Topics) == 0 || l.Topics[0] != ev.ID {
		return fmt.Errorf("log topic0 does not match event %s", eventName)
	}
	if len(l.Data) > 0 {
		if err := contractABI.UnpackIntoInterface(out, eventName, l.Data); err != nil {
			return fmt.Errorf("error unpacking data of %s log: %w", eventName, err)
		}
	}
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopics(out, indexed, l.Topics[1:]); err != nil {
		return fmt.Errorf("error parsing topics of %s log: %w", eventName, err)
	}
	return nil
}

func meta(l types.Log, blockTime uint64) logMeta {
	return logMeta{
		TxHash:    l.TxHash,
		BlockNum:  l.BlockNumber,
		LogIndex:  l.Index,
		BlockTime: blockTime,
	}
}

func parseProposePrice(l types.Log, blockTime uint64) (*ProposePrice, error) {
	var ev struct {
		Requester           common.Address
		Proposer            common.Address
		Identifier          [32]byte
		Timestamp           *big.Int
		AncillaryData       []byte
		ProposedPrice       *big.Int
		ExpirationTimestamp *big.Int
		Currency            common.Address
	}
	if err := unpackLog(oracleV2ABI, &ev, evProposePrice, l); err != nil {
		return nil, err
	}
	return &ProposePrice{
		logMeta:             meta(l, blockTime),
		Requester:           ev.Requester,
		Proposer:            ev.Proposer,
		Identifier:          common.Hash(ev.Identifier),
		Timestamp:           ev.Timestamp,
		AncillaryData:       ev.AncillaryData,
		ProposedPrice:       ev.ProposedPrice,
		ExpirationTimestamp: ev.ExpirationTimestamp,
		Currency:            ev.Currency,
	}, nil
}

func parseDisputePrice(l types.Log, blockTime uint64) (*DisputePrice, error) {
	var ev struct {
		Requester     common.Address
		Disputer      common.Address
		Proposer      common.Address
		Identifier    [32]byte
		Timestamp     *big.Int
		AncillaryData []byte
		ProposedPrice *big.Int
	}
	if err := unpackLog(oracleV2ABI, &ev, evDisputePrice, l); err != nil {
		return nil, err
	}
	return &DisputePrice{
		logMeta:       meta(l, blockTime),
		Requester:     ev.Requester,
		Disputer:      ev.Disputer,
		Proposer:      ev.Proposer,
		Identifier:    common.Hash(ev.Identifier),
		Timestamp:     ev.Timestamp,
		AncillaryData: ev.AncillaryData,
		ProposedPrice: ev.ProposedPrice,
	}, nil
}

func parseSettle(l types.Log, blockTime uint64) (*Settle, error) {
	var ev struct {
		Requester     common.Address
		Proposer      common.Address
		Disputer      common.Address
		Identifier    [32]byte
		Timestamp     *big.Int
		AncillaryData []byte
		Price         *big.Int
		Payout        *big.Int
	}
	if err := unpackLog(oracleV2ABI, &ev, evSettle, l); err != nil {
		return nil, err
	}
	return &Settle{
		logMeta:       meta(l, blockTime),
		Requester:     ev.Requester,
		Proposer:      ev.Proposer,
		Disputer:      ev.Disputer,
		Identifier:    common.Hash(ev.Identifier),
		Timestamp:     ev.Timestamp,
		AncillaryData: ev.AncillaryData,
		Price:         ev.Price,
		Payout:        ev.Payout,
	}, nil
}

func parseAssertionMade(l types.Log, blockTime uint64) (*AssertionMade, error) {
	var ev struct {
		AssertionId       [32]byte
		DomainId          [32]byte
		Claim             []byte
		Asserter          common.Address
		CallbackRecipient common.Address
		EscalationManager common.Address
		Caller            common.Address
		ExpirationTime    uint64
		Currency          common.Address
		Bond              *big.Int
		Identifier        [32]byte
	}
	if err := unpackLog(oracleV3ABI, &ev, evAssertionMade, l); err != nil {
		return nil, err
	}
	return &AssertionMade{
		logMeta:        meta(l, blockTime),
		AssertionID:    common.Hash(ev.AssertionId),
		Asserter:       ev.Asserter,
		Claim:          ev.Claim,
		Identifier:     common.Hash(ev.Identifier),
		ExpirationTime: ev.ExpirationTime,
		Currency:       ev.Currency,
		Bond:           ev.Bond,
	}, nil
}

func parseAssertionDisputed(l types.Log, blockTime uint64) (*AssertionDisputed, error) {
	var ev struct {
		AssertionId [32]byte
		Caller      common.Address
		Disputer    common.Address
	}
	if err := unpackLog(oracleV3ABI, &ev, evAssertionDisputed, l); err != nil {
		return nil, err
	}
	return &AssertionDisputed{
		logMeta:     meta(l, blockTime),
		AssertionID: common.Hash(ev.AssertionId),
		Caller:      ev.Caller,
		Disputer:    ev.Disputer,
	}, nil
}

func parseAssertionSettled(l types.Log, blockTime uint64) (*AssertionSettled, error) {
	var ev struct {
		AssertionId          [32]byte
		BondRecipient        common.Address
		Disputed             bool
		SettlementResolution bool
		SettleCaller         common.Address
	}
	if err := unpackLog(oracleV3ABI, &ev, evAssertionSettled, l); err != nil {
		return nil, err
	}
	return &AssertionSettled{
		logMeta:              meta(l, blockTime),
		AssertionID:          common.Hash(ev.AssertionId),
		BondRecipient:        ev.BondRecipient,
		Disputed:             ev.Disputed,
		SettlementResolution: ev.SettlementResolution,
		SettleCaller:         ev.SettleCaller,
	}, nil
}

func parseVoteCast(l types.Log, blockTime uint64) (*VoteCast, error) {
	var ev struct {
		AssertionId [32]byte
		Voter       common.Address
		Support     bool
		Weight      *big.Int
	}
	if err := unpackLog(oracleV3ABI, &ev, evVoteCast, l); err != nil {
		return nil, err
	}
	return &VoteCast{
		logMeta:     meta(l, blockTime),
		AssertionID: common.Hash(ev.AssertionId),
		Voter:       ev.Voter,
		Support:     ev.Support,
		Weight:      ev.Weight,
	}, nil
}
