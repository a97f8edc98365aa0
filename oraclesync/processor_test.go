package oraclesync

import (
	"context"
	"math/big"
	"path"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/oraclewatch/oo-indexer/db"
	"github.com/oraclewatch/oo-indexer/log"
	"github.com/stretchr/testify/require"
)

var testMeta = instanceMeta{
	ID:           "default",
	Chain:        "mainnet",
	VotingPeriod: time.Hour,
}

func newTestProcessor(t *testing.T) *processor {
	t.Helper()
	p, err := newProcessor(path.Join(t.TempDir(), "oraclesync.sqlite"), log.WithFields("test", "processor"))
	require.NoError(t, err)
	return p
}

func testIdentifier() common.Hash {
	return common.HexToHash("0x1234")
}

func testProposeV2(blockNum, blockTime uint64) Event {
	return Event{ProposePrice: &ProposePrice{
		logMeta: logMeta{
			TxHash:    common.HexToHash("0xaa01"),
			BlockNum:  blockNum,
			LogIndex:  0,
			BlockTime: blockTime,
		},
		Requester:           common.HexToAddress("0x01"),
		Proposer:            common.HexToAddress("0x02"),
		Identifier:          testIdentifier(),
		Timestamp:           big.NewInt(1700000000),
		AncillaryData:       []byte("q: will it rain"),
		ProposedPrice:       big.NewInt(42),
		ExpirationTimestamp: big.NewInt(int64(blockTime + 7200)),
	}}
}

func testDisputeV2(blockNum, blockTime uint64) Event {
	return Event{DisputePrice: &DisputePrice{
		logMeta: logMeta{
			TxHash:    common.HexToHash("0xaa02"),
			BlockNum:  blockNum,
			LogIndex:  1,
			BlockTime: blockTime,
		},
		Requester:     common.HexToAddress("0x01"),
		Disputer:      common.HexToAddress("0x03"),
		Proposer:      common.HexToAddress("0x02"),
		Identifier:    testIdentifier(),
		Timestamp:     big.NewInt(1700000000),
		AncillaryData: []byte("q: will it rain"),
		ProposedPrice: big.NewInt(42),
	}}
}

func testSettleV2(blockNum, blockTime uint64) Event {
	return Event{Settle: &Settle{
		logMeta: logMeta{
			TxHash:    common.HexToHash("0xaa03"),
			BlockNum:  blockNum,
			LogIndex:  2,
			BlockTime: blockTime,
		},
		Requester:     common.HexToAddress("0x01"),
		Proposer:      common.HexToAddress("0x02"),
		Disputer:      common.HexToAddress("0x03"),
		Identifier:    testIdentifier(),
		Timestamp:     big.NewInt(1700000000),
		AncillaryData: []byte("q: will it rain"),
		Price:         big.NewInt(1),
		Payout:        big.NewInt(100),
	}}
}

func testV2AssertionID() string {
	return assertionIDV2(testIdentifier(), big.NewInt(1700000000), []byte("q: will it rain"))
}

func blocksOf(events ...Event) []logBlock {
	byNum := map[uint64]*logBlock{}
	order := []uint64{}
	for _, e := range events {
		var m logMeta
		switch {
		case e.ProposePrice != nil:
			m = e.ProposePrice.logMeta
		case e.DisputePrice != nil:
			m = e.DisputePrice.logMeta
		case e.Settle != nil:
			m = e.Settle.logMeta
		case e.AssertionMade != nil:
			m = e.AssertionMade.logMeta
		case e.AssertionDisputed != nil:
			m = e.AssertionDisputed.logMeta
		case e.AssertionSettled != nil:
			m = e.AssertionSettled.logMeta
		case e.VoteCast != nil:
			m = e.VoteCast.logMeta
		}
		b, ok := byNum[m.BlockNum]
		if !ok {
			b = &logBlock{Num: m.BlockNum, Timestamp: m.BlockTime}
			byNum[m.BlockNum] = b
			order = append(order, m.BlockNum)
		}
		b.Events = append(b.Events, e)
	}
	out := make([]logBlock, 0, len(order))
	for _, num := range order {
		out = append(out, *byNum[num])
	}
	return out
}

func TestProcessRangeAdvancesCursorMonotonically(t *testing.T) {
	p := newTestProcessor(t)
	ctx := context.Background()

	_, err := p.GetSyncState(ctx, testMeta.ID)
	require.ErrorIs(t, err, db.ErrNotFound)

	require.NoError(t, p.ProcessRange(ctx, testMeta, 123, nil))
	state, err := p.GetSyncState(ctx, testMeta.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(123), state.LastProcessedBlock)

	// an overlapping replay of an older range never rewinds the cursor
	require.NoError(t, p.ProcessRange(ctx, testMeta, 50, nil))
	state, err = p.GetSyncState(ctx, testMeta.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(123), state.LastProcessedBlock)
}

func TestLifecycleV2(t *testing.T) {
	p := newTestProcessor(t)
	ctx := context.Background()

	events := []Event{
		testProposeV2(10, 1000),
		testDisputeV2(11, 1012),
		testSettleV2(12, 1024),
	}
	require.NoError(t, p.ProcessRange(ctx, testMeta, 12, blocksOf(events...)))

	a, err := p.GetAssertion(ctx, testV2AssertionID())
	require.NoError(t, err)
	require.Equal(t, StatusSettled, a.Status)
	require.Equal(t, VersionV2, a.Version)
	require.Equal(t, "mainnet", a.Chain)
	require.Equal(t, common.HexToAddress("0x02"), a.Proposer)
	require.Equal(t, big.NewInt(42), a.ProposedValue)
	require.Equal(t, uint64(1000), a.ProposedAt)
	require.Equal(t, uint64(1012), a.DisputedAt)
	require.Equal(t, uint64(1024), a.SettledAt)
	require.Equal(t, big.NewInt(1), a.SettlementValue)

	d, err := p.GetDispute(ctx, disputeID(testV2AssertionID()))
	require.NoError(t, err)
	require.Equal(t, DisputeResolved, d.Status)
	require.Equal(t, common.HexToAddress("0x03"), d.Disputer)
	require.Equal(t, uint64(1012), d.DisputedAt)
	require.Equal(t, uint64(1012)+3600, d.VotingEndsAt)
}

func TestReprocessingIsIdempotent(t *testing.T) {
	p := newTestProcessor(t)
	ctx := context.Background()

	events := []Event{
		testProposeV2(10, 1000),
		testDisputeV2(11, 1012),
	}
	require.NoError(t, p.ProcessRange(ctx, testMeta, 11, blocksOf(events...)))
	first, err := p.GetAssertion(ctx, testV2AssertionID())
	require.NoError(t, err)

	// reorg-overlap replay of the same window
	require.NoError(t, p.ProcessRange(ctx, testMeta, 11, blocksOf(events...)))
	second, err := p.GetAssertion(ctx, testV2AssertionID())
	require.NoError(t, err)
	require.Equal(t, first, second)

	all, err := p.GetAssertions(ctx, "mainnet", 0, 100)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestDisputeBeforeProposeIsTolerated(t *testing.T) {
	p := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, p.ProcessRange(ctx, testMeta, 11, blocksOf(testDisputeV2(11, 1012))))

	a, err := p.GetAssertion(ctx, testV2AssertionID())
	require.NoError(t, err)
	require.Equal(t, StatusDisputed, a.Status)
	require.Equal(t, big.NewInt(0), a.ProposedValue)

	// the late proposal fills the fields without regressing the status
	require.NoError(t, p.ProcessRange(ctx, testMeta, 12, blocksOf(testProposeV2(10, 1000))))
	a, err = p.GetAssertion(ctx, testV2AssertionID())
	require.NoError(t, err)
	require.Equal(t, StatusDisputed, a.Status)
	require.Equal(t, big.NewInt(42), a.ProposedValue)
	require.Equal(t, uint64(1000), a.ProposedAt)
}

func TestStatusNeverRegresses(t *testing.T) {
	p := newTestProcessor(t)
	ctx := context.Background()

	events := []Event{
		testProposeV2(10, 1000),
		testDisputeV2(11, 1012),
		testSettleV2(12, 1024),
	}
	require.NoError(t, p.ProcessRange(ctx, testMeta, 12, blocksOf(events...)))

	// replaying the dispute alone leaves the terminal state untouched
	require.NoError(t, p.ProcessRange(ctx, testMeta, 12, blocksOf(testDisputeV2(11, 1012))))
	a, err := p.GetAssertion(ctx, testV2AssertionID())
	require.NoError(t, err)
	require.Equal(t, StatusSettled, a.Status)
	require.Equal(t, uint64(1024), a.SettledAt)
}

func TestVotesAreAppendOnly(t *testing.T) {
	p := newTestProcessor(t)
	ctx := context.Background()

	assertionID := common.HexToHash("0xbeef")
	made := Event{AssertionMade: &AssertionMade{
		logMeta:        logMeta{TxHash: common.HexToHash("0xbb01"), BlockNum: 20, BlockTime: 2000},
		AssertionID:    assertionID,
		Asserter:       common.HexToAddress("0x05"),
		Claim:          []byte("the sky is blue"),
		Identifier:     testIdentifier(),
		ExpirationTime: 9000,
		Bond:           big.NewInt(500),
	}}
	disputed := Event{AssertionDisputed: &AssertionDisputed{
		logMeta:     logMeta{TxHash: common.HexToHash("0xbb02"), BlockNum: 21, BlockTime: 2012},
		AssertionID: assertionID,
		Disputer:    common.HexToAddress("0x06"),
	}}
	voteA := Event{VoteCast: &VoteCast{
		logMeta:     logMeta{TxHash: common.HexToHash("0xbb03"), BlockNum: 22, LogIndex: 0, BlockTime: 2024},
		AssertionID: assertionID,
		Voter:       common.HexToAddress("0x07"),
		Support:     true,
		Weight:      big.NewInt(10),
	}}
	voteB := Event{VoteCast: &VoteCast{
		logMeta:     logMeta{TxHash: common.HexToHash("0xbb04"), BlockNum: 22, LogIndex: 1, BlockTime: 2024},
		AssertionID: assertionID,
		Voter:       common.HexToAddress("0x08"),
		Support:     false,
		Weight:      big.NewInt(4),
	}}

	require.NoError(t, p.ProcessRange(ctx, testMeta, 22, blocksOf(made, disputed, voteA, voteB)))

	dID := disputeID(assertionIDV3(assertionID))
	d, err := p.GetDispute(ctx, dID)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(10), d.VotesFor)
	require.Equal(t, big.NewInt(4), d.VotesAgainst)

	votes, err := p.GetVotes(ctx, dID)
	require.NoError(t, err)
	require.Len(t, votes, 2)
	require.Equal(t, common.HexToAddress("0x07"), votes[0].Voter)

	// replaying the votes neither duplicates them nor double counts tallies
	require.NoError(t, p.ProcessRange(ctx, testMeta, 22, blocksOf(voteA, voteB)))
	d, err = p.GetDispute(ctx, dID)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(10), d.VotesFor)
	require.Equal(t, big.NewInt(4), d.VotesAgainst)
	votes, err = p.GetVotes(ctx, dID)
	require.NoError(t, err)
	require.Len(t, votes, 2)
}

func TestVoteBeforeDisputeIsBackfilled(t *testing.T) {
	p := newTestProcessor(t)
	ctx := context.Background()

	assertionID := common.HexToHash("0xbeef")
	vote := Event{VoteCast: &VoteCast{
		logMeta:     logMeta{TxHash: common.HexToHash("0xbb03"), BlockNum: 22, BlockTime: 2024},
		AssertionID: assertionID,
		Voter:       common.HexToAddress("0x07"),
		Support:     true,
		Weight:      big.NewInt(10),
	}}
	require.NoError(t, p.ProcessRange(ctx, testMeta, 22, blocksOf(vote)))

	dID := disputeID(assertionIDV3(assertionID))
	d, err := p.GetDispute(ctx, dID)
	require.NoError(t, err)
	require.Equal(t, common.Address{}, d.Disputer)
	require.Zero(t, d.DisputedAt)
	require.Equal(t, big.NewInt(10), d.VotesFor)

	// the dispute log lands in a later window and fills the skeleton
	disputed := Event{AssertionDisputed: &AssertionDisputed{
		logMeta:     logMeta{TxHash: common.HexToHash("0xbb02"), BlockNum: 23, BlockTime: 2036},
		AssertionID: assertionID,
		Disputer:    common.HexToAddress("0x06"),
	}}
	require.NoError(t, p.ProcessRange(ctx, testMeta, 23, blocksOf(disputed)))

	d, err = p.GetDispute(ctx, dID)
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0x06"), d.Disputer)
	require.Equal(t, uint64(2036), d.DisputedAt)
	require.Equal(t, uint64(2036)+3600, d.VotingEndsAt)
	require.Equal(t, common.HexToHash("0xbb02"), d.TxHash)
	require.Equal(t, uint64(23), d.BlockNum)
	// the early vote's tally survives the backfill
	require.Equal(t, big.NewInt(10), d.VotesFor)

	// replaying the dispute log leaves the filled row untouched
	require.NoError(t, p.ProcessRange(ctx, testMeta, 23, blocksOf(disputed)))
	again, err := p.GetDispute(ctx, dID)
	require.NoError(t, err)
	require.Equal(t, d, again)
}

func TestQueriesByRangeAndStatus(t *testing.T) {
	p := newTestProcessor(t)
	ctx := context.Background()

	events := []Event{
		testProposeV2(10, 1000),
		{AssertionMade: &AssertionMade{
			logMeta:     logMeta{TxHash: common.HexToHash("0xcc01"), BlockNum: 50, BlockTime: 5000},
			AssertionID: common.HexToHash("0xcafe"),
			Asserter:    common.HexToAddress("0x05"),
			Claim:       []byte("claim"),
			Identifier:  testIdentifier(),
			Bond:        big.NewInt(1),
		}},
	}
	require.NoError(t, p.ProcessRange(ctx, testMeta, 50, blocksOf(events...)))

	all, err := p.GetAssertions(ctx, "mainnet", 0, 100)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, uint64(10), all[0].BlockNum)

	window, err := p.GetAssertions(ctx, "mainnet", 20, 100)
	require.NoError(t, err)
	require.Len(t, window, 1)

	none, err := p.GetAssertions(ctx, "sepolia", 0, 100)
	require.NoError(t, err)
	require.Empty(t, none)

	counts, err := p.CountAssertionsByStatus(ctx, "mainnet")
	require.NoError(t, err)
	require.Equal(t, uint64(2), counts[StatusProposed])
}

func TestSaveSyncStateRoundTrip(t *testing.T) {
	p := newTestProcessor(t)
	ctx := context.Background()

	state := SyncState{
		InstanceID:          "default",
		LastProcessedBlock:  1000,
		LatestBlock:         1050,
		SafeBlock:           1038,
		ActiveRPCURL:        "https://rpc.example.com/eth",
		RPCStats:            `{"https://rpc.example.com/eth":{"ok":3}}`,
		ConsecutiveFailures: 2,
		LastError:           "rpc_unreachable",
		LastSyncAt:          1700000100,
		LastSuccessAt:       1700000000,
		LastDurationMS:      250,
	}
	require.NoError(t, p.SaveSyncState(ctx, state))

	got, err := p.GetSyncState(ctx, "default")
	require.NoError(t, err)
	require.Equal(t, state, got)

	state.ConsecutiveFailures = 0
	state.LastError = ""
	require.NoError(t, p.SaveSyncState(ctx, state))
	got, err = p.GetSyncState(ctx, "default")
	require.NoError(t, err)
	require.Equal(t, state, got)
}
