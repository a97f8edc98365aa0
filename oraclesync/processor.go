package oraclesync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/oraclewatch/oo-indexer/db"
	"github.com/oraclewatch/oo-indexer/log"
	"github.com/oraclewatch/oo-indexer/oraclesync/migrations"
	"github.com/russross/meddler"
)

const errWhileRollbackFormat = "error while rolling back tx: %w"

// instanceMeta is the per-instance context the processor needs to apply
// decoded events.
type instanceMeta struct {
	ID           string
	Chain        string
	VotingPeriod time.Duration
}

// processor owns the durable record and sync-state storage of the indexer.
// Every write is an idempotent upsert keyed by a deterministic id, so
// reprocessing an overlapping block range is a no-op for already-seen
// records. Records are never deleted.
type processor struct {
	db  *sql.DB
	log *log.Logger
}

func newProcessor(dbPath string, logger *log.Logger) (*processor, error) {
	if err := migrations.RunMigrations(dbPath); err != nil {
		return nil, err
	}
	database, err := db.NewSQLiteDB(dbPath)
	if err != nil {
		return nil, err
	}
	return &processor{
		db:  database,
		log: logger,
	}, nil
}

// GetSyncState returns the stored state of an instance, db.ErrNotFound if it
// never synced.
func (p *processor) GetSyncState(ctx context.Context, instanceID string) (SyncState, error) {
	var state SyncState
	if err := meddler.QueryRow(p.db, &state,
		"SELECT * FROM sync_state WHERE instance_id = $1;", instanceID); err != nil {
		return SyncState{}, db.ReturnErrNotFound(err)
	}
	return state, nil
}

// SaveSyncState persists the full state row of an instance.
func (p *processor) SaveSyncState(ctx context.Context, state SyncState) error {
	tx, err := db.NewTx(ctx, p.db)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if errRllbck := tx.Rollback(); errRllbck != nil {
				p.log.Errorf(errWhileRollbackFormat, errRllbck)
			}
		}
	}()

	if _, err = tx.Exec(`DELETE FROM sync_state WHERE instance_id = $1;`, state.InstanceID); err != nil {
		return fmt.Errorf("error clearing sync state: %w", err)
	}
	if err = meddler.Insert(tx, "sync_state", &state); err != nil {
		return fmt.Errorf("error inserting sync state: %w", err)
	}
	return tx.Commit()
}

// ProcessRange applies every decoded event of a window and advances the
// instance cursor to toBlock, all in one transaction. The cursor never
// advances before the records of its range are durably committed, and it
// never decreases.
func (p *processor) ProcessRange(ctx context.Context, inst instanceMeta, toBlock uint64, blocks []logBlock) error {
	tx, err := db.NewTx(ctx, p.db)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if errRllbck := tx.Rollback(); errRllbck != nil {
				p.log.Errorf(errWhileRollbackFormat, errRllbck)
			}
		}
	}()

	for _, b := range blocks {
		for _, e := range b.Events {
			if err = p.applyEvent(tx, inst, e); err != nil {
				return err
			}
		}
	}

	if _, err = tx.Exec(`
		INSERT INTO sync_state (instance_id, last_processed_block)
		VALUES ($1, $2)
		ON CONFLICT(instance_id) DO UPDATE
		SET last_processed_block = MAX(last_processed_block, excluded.last_processed_block);`,
		inst.ID, toBlock,
	); err != nil {
		return fmt.Errorf("error advancing cursor: %w", err)
	}
	return tx.Commit()
}

func (p *processor) applyEvent(tx db.Querier, inst instanceMeta, e Event) error {
	switch {
	case e.ProposePrice != nil:
		return p.applyProposePrice(tx, inst, e.ProposePrice)
	case e.DisputePrice != nil:
		return p.applyDispute(tx, inst, VersionV2, dispatchedDispute{
			assertionID: assertionIDV2(e.DisputePrice.Identifier, e.DisputePrice.Timestamp, e.DisputePrice.AncillaryData),
			disputer:    e.DisputePrice.Disputer,
			meta:        e.DisputePrice.logMeta,
		})
	case e.Settle != nil:
		return p.applySettlement(tx, inst, VersionV2, dispatchedSettle{
			assertionID: assertionIDV2(e.Settle.Identifier, e.Settle.Timestamp, e.Settle.AncillaryData),
			value:       e.Settle.Price,
			meta:        e.Settle.logMeta,
		})
	case e.AssertionMade != nil:
		return p.applyAssertionMade(tx, inst, e.AssertionMade)
	case e.AssertionDisputed != nil:
		return p.applyDispute(tx, inst, VersionV3, dispatchedDispute{
			assertionID: assertionIDV3(e.AssertionDisputed.AssertionID),
			disputer:    e.AssertionDisputed.Disputer,
			meta:        e.AssertionDisputed.logMeta,
		})
	case e.AssertionSettled != nil:
		value := big.NewInt(0)
		if e.AssertionSettled.SettlementResolution {
			value = big.NewInt(1)
		}
		return p.applySettlement(tx, inst, VersionV3, dispatchedSettle{
			assertionID: assertionIDV3(e.AssertionSettled.AssertionID),
			value:       value,
			meta:        e.AssertionSettled.logMeta,
		})
	case e.VoteCast != nil:
		return p.applyVoteCast(tx, inst, e.VoteCast)
	}
	return errors.New("empty event")
}

// dispatchedDispute normalizes the two contract versions' dispute events.
type dispatchedDispute struct {
	assertionID string
	disputer    common.Address
	meta        logMeta
}

// dispatchedSettle normalizes the two contract versions' settlement events.
type dispatchedSettle struct {
	assertionID string
	value       *big.Int
	meta        logMeta
}

func (p *processor) applyProposePrice(tx db.Querier, inst instanceMeta, ev *ProposePrice) error {
	id := assertionIDV2(ev.Identifier, ev.Timestamp, ev.AncillaryData)
	a, err := getAssertion(tx, id)
	if errors.Is(err, db.ErrNotFound) {
		a = newAssertion(id, inst.Chain, VersionV2)
	} else if err != nil {
		return err
	}
	a.Identifier = ev.Identifier.Hex()
	a.AncillaryData = string(ev.AncillaryData)
	a.Proposer = ev.Proposer
	a.ProposedValue = bigOrZero(ev.ProposedPrice)
	a.ProposedAt = ev.BlockTime
	if ev.ExpirationTimestamp != nil {
		a.LivenessEndsAt = ev.ExpirationTimestamp.Uint64()
	}
	a.TxHash = ev.TxHash
	a.BlockNum = ev.BlockNum
	a.LogIndex = uint64(ev.LogIndex)
	// a late proposal log never regresses a dispute or settlement already seen
	return upsertAssertion(tx, a)
}

func (p *processor) applyAssertionMade(tx db.Querier, inst instanceMeta, ev *AssertionMade) error {
	id := assertionIDV3(ev.AssertionID)
	a, err := getAssertion(tx, id)
	if errors.Is(err, db.ErrNotFound) {
		a = newAssertion(id, inst.Chain, VersionV3)
	} else if err != nil {
		return err
	}
	a.Identifier = ev.Identifier.Hex()
	a.AncillaryData = string(ev.Claim)
	a.Proposer = ev.Asserter
	a.Bond = bigOrZero(ev.Bond)
	a.ProposedAt = ev.BlockTime
	a.LivenessEndsAt = ev.ExpirationTime
	a.TxHash = ev.TxHash
	a.BlockNum = ev.BlockNum
	a.LogIndex = uint64(ev.LogIndex)
	return upsertAssertion(tx, a)
}

func (p *processor) applyDispute(tx db.Querier, inst instanceMeta, version ContractVersion, d dispatchedDispute) error {
	a, err := getAssertion(tx, d.assertionID)
	if errors.Is(err, db.ErrNotFound) {
		// tolerated: the proposal log may live later in the same or an
		// adjacent window
		a = newAssertion(d.assertionID, inst.Chain, version)
	} else if err != nil {
		return err
	}
	if statusRank(StatusDisputed) > statusRank(a.Status) {
		a.Status = StatusDisputed
		a.DisputedAt = d.meta.BlockTime
	}
	if err := upsertAssertion(tx, a); err != nil {
		return err
	}

	dispute, err := getDispute(tx, disputeID(d.assertionID))
	if errors.Is(err, db.ErrNotFound) {
		dispute = Dispute{
			ID:           disputeID(d.assertionID),
			AssertionID:  d.assertionID,
			Chain:        inst.Chain,
			Version:      version,
			Disputer:     d.disputer,
			Bond:         big.NewInt(0),
			DisputedAt:   d.meta.BlockTime,
			VotingEndsAt: d.meta.BlockTime + uint64(inst.VotingPeriod/time.Second),
			VotesFor:     big.NewInt(0),
			VotesAgainst: big.NewInt(0),
			Status:       DisputeVoting,
			TxHash:       d.meta.TxHash,
			BlockNum:     d.meta.BlockNum,
			LogIndex:     uint64(d.meta.LogIndex),
		}
		return upsertDispute(tx, dispute)
	} else if err != nil {
		return err
	}
	if dispute.DisputedAt == 0 {
		// the existing row is a skeleton created by an early vote, fill it
		// from the real dispute log
		dispute.Disputer = d.disputer
		dispute.DisputedAt = d.meta.BlockTime
		dispute.VotingEndsAt = d.meta.BlockTime + uint64(inst.VotingPeriod/time.Second)
		dispute.TxHash = d.meta.TxHash
		dispute.BlockNum = d.meta.BlockNum
		dispute.LogIndex = uint64(d.meta.LogIndex)
		return upsertDispute(tx, dispute)
	}
	// reprocessed dispute log for an existing dispute, nothing to change
	return nil
}

func (p *processor) applySettlement(tx db.Querier, inst instanceMeta, version ContractVersion, s dispatchedSettle) error {
	a, err := getAssertion(tx, s.assertionID)
	if errors.Is(err, db.ErrNotFound) {
		a = newAssertion(s.assertionID, inst.Chain, version)
	} else if err != nil {
		return err
	}
	if statusRank(StatusSettled) > statusRank(a.Status) {
		a.Status = StatusSettled
		a.SettledAt = s.meta.BlockTime
		a.SettlementValue = bigOrZero(s.value)
	}
	if err := upsertAssertion(tx, a); err != nil {
		return err
	}

	dispute, err := getDispute(tx, disputeID(s.assertionID))
	if errors.Is(err, db.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	if dispute.Status != DisputeResolved {
		dispute.Status = DisputeResolved
		return upsertDispute(tx, dispute)
	}
	return nil
}

func (p *processor) applyVoteCast(tx db.Querier, inst instanceMeta, ev *VoteCast) error {
	assertionID := assertionIDV3(ev.AssertionID)
	id := voteID(assertionID, ev.TxHash, ev.LogIndex)

	var exists int
	err := tx.QueryRow(`SELECT COUNT(*) FROM vote WHERE id = $1;`, id).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		// replayed log, votes are append-only
		return nil
	}

	dID := disputeID(assertionID)
	dispute, err := getDispute(tx, dID)
	if errors.Is(err, db.ErrNotFound) {
		// vote seen before its dispute log, create the skeleton
		dispute = Dispute{
			ID:           dID,
			AssertionID:  assertionID,
			Chain:        inst.Chain,
			Version:      VersionV3,
			Bond:         big.NewInt(0),
			VotesFor:     big.NewInt(0),
			VotesAgainst: big.NewInt(0),
			Status:       DisputeVoting,
		}
	} else if err != nil {
		return err
	}

	vote := Vote{
		ID:        id,
		DisputeID: dID,
		Voter:     ev.Voter,
		Support:   ev.Support,
		Weight:    bigOrZero(ev.Weight),
		TxHash:    ev.TxHash,
		BlockNum:  ev.BlockNum,
		LogIndex:  uint64(ev.LogIndex),
	}
	if err := meddler.Insert(tx, "vote", &vote); err != nil {
		return fmt.Errorf("error inserting vote: %w", err)
	}

	if vote.Support {
		dispute.VotesFor = new(big.Int).Add(bigOrZero(dispute.VotesFor), vote.Weight)
	} else {
		dispute.VotesAgainst = new(big.Int).Add(bigOrZero(dispute.VotesAgainst), vote.Weight)
	}
	return upsertDispute(tx, dispute)
}

// GetAssertion returns one assertion by id.
func (p *processor) GetAssertion(ctx context.Context, id string) (Assertion, error) {
	return getAssertion(p.db, id)
}

// GetDispute returns one dispute by id.
func (p *processor) GetDispute(ctx context.Context, id string) (Dispute, error) {
	return getDispute(p.db, id)
}

// GetVotes returns all votes of a dispute in chain order.
func (p *processor) GetVotes(ctx context.Context, disputeID string) ([]Vote, error) {
	var votes []*Vote
	if err := meddler.QueryAll(p.db, &votes,
		"SELECT * FROM vote WHERE dispute_id = $1 ORDER BY block_num, log_index;", disputeID); err != nil {
		return nil, err
	}
	out := make([]Vote, 0, len(votes))
	for _, v := range votes {
		out = append(out, *v)
	}
	return out, nil
}

// GetAssertions returns the assertions of a chain between fromBlock and
// toBlock, both included.
func (p *processor) GetAssertions(ctx context.Context, chain string, fromBlock, toBlock uint64) ([]Assertion, error) {
	var assertions []*Assertion
	if err := meddler.QueryAll(p.db, &assertions, `
		SELECT * FROM assertion
		WHERE chain = $1 AND block_num >= $2 AND block_num <= $3
		ORDER BY block_num, log_index;`, chain, fromBlock, toBlock); err != nil {
		return nil, err
	}
	out := make([]Assertion, 0, len(assertions))
	for _, a := range assertions {
		out = append(out, *a)
	}
	return out, nil
}

// CountAssertionsByStatus returns how many assertions of a chain are in each
// status.
func (p *processor) CountAssertionsByStatus(ctx context.Context, chain string) (map[AssertionStatus]uint64, error) {
	rows, err := p.db.Query(`SELECT status, COUNT(*) FROM assertion WHERE chain = $1 GROUP BY status;`, chain)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[AssertionStatus]uint64)
	for rows.Next() {
		var status AssertionStatus
		var count uint64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[status] = count
	}
	return out, rows.Err()
}

func newAssertion(id, chain string, version ContractVersion) Assertion {
	return Assertion{
		ID:              id,
		Chain:           chain,
		Version:         version,
		Status:          StatusProposed,
		ProposedValue:   big.NewInt(0),
		Bond:            big.NewInt(0),
		Reward:          big.NewInt(0),
		SettlementValue: big.NewInt(0),
	}
}

func getAssertion(q db.Querier, id string) (Assertion, error) {
	var a Assertion
	if err := meddler.QueryRow(q, &a, "SELECT * FROM assertion WHERE id = $1;", id); err != nil {
		return Assertion{}, db.ReturnErrNotFound(err)
	}
	return a, nil
}

func getDispute(q db.Querier, id string) (Dispute, error) {
	var d Dispute
	if err := meddler.QueryRow(q, &d, "SELECT * FROM dispute WHERE id = $1;", id); err != nil {
		return Dispute{}, db.ReturnErrNotFound(err)
	}
	return d, nil
}

func upsertAssertion(q db.Querier, a Assertion) error {
	if _, err := q.Exec(`DELETE FROM assertion WHERE id = $1;`, a.ID); err != nil {
		return fmt.Errorf("error replacing assertion: %w", err)
	}
	if err := meddler.Insert(q, "assertion", &a); err != nil {
		return fmt.Errorf("error inserting assertion: %w", err)
	}
	return nil
}

func upsertDispute(q db.Querier, d Dispute) error {
	if _, err := q.Exec(`DELETE FROM dispute WHERE id = $1;`, d.ID); err != nil {
		return fmt.Errorf("error replacing dispute: %w", err)
	}
	if err := meddler.Insert(q, "dispute", &d); err != nil {
		return fmt.Errorf("error inserting dispute: %w", err)
	}
	return nil
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
