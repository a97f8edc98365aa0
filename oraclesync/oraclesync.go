// Package oraclesync keeps a durable, per-instance index of optimistic
// oracle contract events. A sync cycle is triggered on demand or on a
// timer, walks the chain in adaptive block windows from the stored cursor
// up to the confirmed head, and persists decoded records together with the
// cursor in a single transaction per window.
package oraclesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/oraclewatch/oo-indexer/db"
	"github.com/oraclewatch/oo-indexer/ethrpc"
	"github.com/oraclewatch/oo-indexer/log"
	"github.com/oraclewatch/oo-indexer/metrics"
	"golang.org/x/sync/singleflight"
)

const maxRangeRetries = 3

var (
	// ErrSyncFailed marks storage and processing failures of a cycle.
	ErrSyncFailed = errors.New("sync_failed")
	// ErrUnknownInstance is returned when a trigger names an instance
	// that was never configured.
	ErrUnknownInstance = errors.New("unknown instance")
)

// error codes persisted in sync_state.last_error
const (
	codeRPCUnreachable   = "rpc_unreachable"
	codeContractNotFound = "contract_not_found"
	codeSyncFailed       = "sync_failed"
)

// SyncResult reports the outcome of one EnsureSynced call.
type SyncResult struct {
	// Updated is true when the cycle advanced the cursor
	Updated bool
	// State is the persisted state after the cycle
	State SyncState
}

// rangeDownloader is the fetch surface a cycle consumes, an interface so
// tests can drive full cycles without an endpoint.
type rangeDownloader interface {
	chainHead(ctx context.Context) (uint64, error)
	getEventsByBlockRange(ctx context.Context, fromBlock, toBlock uint64) ([]logBlock, int, error)
}

// instance is the runtime of one configured sync target.
type instance struct {
	cfg  Config
	urls []string
	exec *ethrpc.Executor
	wm   *windowManager
	dl   rangeDownloader
	log  *log.Logger
}

func (i *instance) meta() instanceMeta {
	return instanceMeta{
		ID:           i.cfg.ID(),
		Chain:        i.cfg.Chain,
		VotingPeriod: i.cfg.VotingPeriod.Duration,
	}
}

// Syncer owns every configured instance and serializes their cycles.
type Syncer struct {
	processor *processor
	pool      *ethrpc.ClientPool
	log       *log.Logger
	instances map[string]*instance

	group    singleflight.Group
	mu       sync.Mutex
	inFlight map[string]struct{}

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds a Syncer from the instance configs, running migrations on
// dbPath and restoring per-endpoint RPC stats from the stored state.
func New(dbPath string, cfgs []Config, pool *ethrpc.ClientPool, logger *log.Logger) (*Syncer, error) {
	proc, err := newProcessor(dbPath, logger)
	if err != nil {
		return nil, err
	}

	s := &Syncer{
		processor: proc,
		pool:      pool,
		log:       logger,
		instances: make(map[string]*instance, len(cfgs)),
		inFlight:  make(map[string]struct{}),
	}
	for _, cfg := range cfgs {
		id := cfg.ID()
		if _, ok := s.instances[id]; ok {
			return nil, fmt.Errorf("duplicated instance id %q", id)
		}
		instLog := logger.WithFields("instance", id, "chain", cfg.Chain)

		stats := ethrpc.NewEndpointStats()
		if state, err := proc.GetSyncState(context.Background(), id); err == nil && state.RPCStats != "" {
			snapshot := map[string]ethrpc.URLStats{}
			if err := json.Unmarshal([]byte(state.RPCStats), &snapshot); err != nil {
				instLog.Warnf("discarding unreadable rpc stats: %v", err)
			} else {
				stats.Restore(snapshot)
			}
		}

		urls := ParseRPCURLs(cfg.RPCURLs)
		exec := ethrpc.NewExecutor(pool, urls, stats, instLog)
		rpcTimeout := cfg.RPCTimeout.Duration
		if rpcTimeout == 0 {
			rpcTimeout = defaultRPCTimeout
		}
		s.instances[id] = &instance{
			cfg:  cfg,
			urls: urls,
			exec: exec,
			wm:   newWindowManager(cfg.MaxWindowSize),
			dl:   newDownloader(exec, cfg.OracleV2Addr, cfg.OracleV3Addr, rpcTimeout, instLog),
			log:  instLog,
		}
	}
	return s, nil
}

// EnsureSynced runs one sync cycle for an instance, or joins the cycle
// already in flight for it. Concurrent callers for the same instance all
// receive the result of the single underlying cycle.
func (s *Syncer) EnsureSynced(ctx context.Context, instanceID string) (SyncResult, error) {
	if instanceID == "" {
		instanceID = DefaultInstanceID
	}
	inst, ok := s.instances[instanceID]
	if !ok {
		return SyncResult{}, fmt.Errorf("%w: %s", ErrUnknownInstance, instanceID)
	}

	v, err, _ := s.group.Do(instanceID, func() (interface{}, error) {
		s.setInFlight(instanceID, true)
		defer s.setInFlight(instanceID, false)
		return s.runCycle(ctx, inst)
	})
	result, _ := v.(SyncResult)
	return result, err
}

// IsSyncing reports whether a cycle is currently running for the instance.
func (s *Syncer) IsSyncing(instanceID string) bool {
	if instanceID == "" {
		instanceID = DefaultInstanceID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[instanceID]
	return ok
}

// GetSyncState returns the stored state of an instance.
func (s *Syncer) GetSyncState(ctx context.Context, instanceID string) (SyncState, error) {
	if instanceID == "" {
		instanceID = DefaultInstanceID
	}
	return s.processor.GetSyncState(ctx, instanceID)
}

// GetAssertion returns one assertion by id.
func (s *Syncer) GetAssertion(ctx context.Context, id string) (Assertion, error) {
	return s.processor.GetAssertion(ctx, id)
}

// GetDispute returns one dispute by id.
func (s *Syncer) GetDispute(ctx context.Context, id string) (Dispute, error) {
	return s.processor.GetDispute(ctx, id)
}

// GetVotes returns the votes of a dispute in chain order.
func (s *Syncer) GetVotes(ctx context.Context, disputeID string) ([]Vote, error) {
	return s.processor.GetVotes(ctx, disputeID)
}

// GetAssertions returns the assertions of a chain between fromBlock and
// toBlock, both included.
func (s *Syncer) GetAssertions(ctx context.Context, chain string, fromBlock, toBlock uint64) ([]Assertion, error) {
	return s.processor.GetAssertions(ctx, chain, fromBlock, toBlock)
}

// CountAssertionsByStatus returns per-status assertion counts of a chain.
func (s *Syncer) CountAssertionsByStatus(ctx context.Context, chain string) (map[AssertionStatus]uint64, error) {
	return s.processor.CountAssertionsByStatus(ctx, chain)
}

// Start launches the client pool janitor and one periodic trigger per
// instance that configures a SyncInterval.
func (s *Syncer) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		s.pool.Start()
		for id, inst := range s.instances {
			interval := inst.cfg.SyncInterval.Duration
			if interval <= 0 {
				continue
			}
			s.wg.Add(1)
			go s.periodicSync(ctx, id, interval)
		}
	})
}

// Stop cancels the periodic triggers and waits for them, then shuts the
// client pool down.
func (s *Syncer) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		s.pool.Stop()
	})
}

func (s *Syncer) periodicSync(ctx context.Context, instanceID string, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.EnsureSynced(ctx, instanceID); err != nil {
				s.log.Warnf("periodic sync of %s: %v", instanceID, err)
			}
		}
	}
}

func (s *Syncer) setInFlight(instanceID string, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v {
		s.inFlight[instanceID] = struct{}{}
	} else {
		delete(s.inFlight, instanceID)
	}
}

func (s *Syncer) runCycle(ctx context.Context, inst *instance) (SyncResult, error) {
	started := time.Now()
	id := inst.cfg.ID()

	noTargets := inst.cfg.OracleV2Addr == (common.Address{}) && inst.cfg.OracleV3Addr == (common.Address{})
	if len(inst.urls) == 0 || noTargets {
		inst.log.Debug("nothing to sync, no endpoints or no contract addresses configured")
		return SyncResult{}, nil
	}

	state, err := s.processor.GetSyncState(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		state = SyncState{InstanceID: id}
	} else if err != nil {
		return SyncResult{}, fmt.Errorf("%w: loading state: %s", ErrSyncFailed, err)
	}
	prevCursor := state.LastProcessedBlock
	startActive := inst.exec.ActiveURL()

	head, err := inst.dl.chainHead(ctx)
	if err != nil {
		return s.failCycle(inst, state, started, err)
	}
	safe := uint64(0)
	if head > inst.cfg.ConfirmationLag {
		safe = head - inst.cfg.ConfirmationLag
	}
	state.LatestBlock = head
	state.SafeBlock = safe

	cursor := inst.wm.initialCursor(state, inst.cfg.StartBlock, safe)
	progress := state.LastProcessedBlock

	for cursor <= safe {
		blocks, count, toBlock, err := s.fetchRange(ctx, inst, cursor, safe)
		if err != nil {
			return s.failCycle(inst, state, started, err)
		}
		if err := s.processor.ProcessRange(ctx, inst.meta(), toBlock, blocks); err != nil {
			return s.failCycle(inst, state, started, fmt.Errorf("%w: %s", ErrSyncFailed, err))
		}
		inst.wm.onLogs(count)
		metrics.EventsIndexed(id, count)
		progress = toBlock
		cursor = toBlock + 1
		if progress > state.LastProcessedBlock {
			state.LastProcessedBlock = progress
		}
	}

	if state.LastProcessedBlock < progress {
		state.LastProcessedBlock = progress
	}
	state.ConsecutiveFailures = 0
	state.LastError = ""
	s.stampState(inst, &state, started)
	state.LastSuccessAt = state.LastSyncAt

	if err := s.processor.SaveSyncState(context.Background(), state); err != nil {
		return SyncResult{}, fmt.Errorf("%w: saving state: %s", ErrSyncFailed, err)
	}
	if inst.exec.ActiveURL() != startActive {
		metrics.RPCFailover(id)
	}
	metrics.CursorAdvanced(id, state.LastProcessedBlock)
	metrics.CycleCompleted(id, "success", time.Since(started).Seconds())
	return SyncResult{
		Updated: state.LastProcessedBlock > prevCursor,
		State:   state,
	}, nil
}

// fetchRange downloads and decodes one window, retrying range-level errors
// with a shrunken window and latency-aware backoff. Classified endpoint
// errors abort immediately, the executor already rotated through every URL.
func (s *Syncer) fetchRange(ctx context.Context, inst *instance, cursor, safe uint64) ([]logBlock, int, uint64, error) {
	var lastErr error
	for attempt := 0; attempt < maxRangeRetries; attempt++ {
		fromBlock, toBlock := inst.wm.next(cursor, safe)
		blocks, count, err := inst.dl.getEventsByBlockRange(ctx, fromBlock, toBlock)
		if err == nil {
			return blocks, count, toBlock, nil
		}
		if errors.Is(err, ethrpc.ErrRPCUnreachable) || errors.Is(err, ethrpc.ErrContractNotFound) {
			return nil, 0, 0, err
		}
		lastErr = err
		inst.wm.onError()
		avg, _ := inst.exec.Stats().AvgLatency(inst.exec.ActiveURL())
		delay := inst.wm.backoff(attempt, avg)
		inst.log.Warnf("range [%d, %d] failed (attempt %d): %v, retrying in %s",
			fromBlock, toBlock, attempt+1, err, delay)
		select {
		case <-ctx.Done():
			return nil, 0, 0, fmt.Errorf("%w: %s", ErrSyncFailed, ctx.Err())
		case <-time.After(delay):
		}
	}
	return nil, 0, 0, fmt.Errorf("%w: range retries exhausted: %s", ErrSyncFailed, lastErr)
}

// failCycle persists the failure outcome, keeping whatever progress the
// cycle durably committed, and returns the cause to the caller.
func (s *Syncer) failCycle(inst *instance, state SyncState, started time.Time, cause error) (SyncResult, error) {
	id := inst.cfg.ID()
	state.ConsecutiveFailures++
	state.LastError = errorCode(cause)
	s.stampState(inst, &state, started)

	if err := s.processor.SaveSyncState(context.Background(), state); err != nil {
		inst.log.Errorf("persisting failed-cycle state: %v", err)
	}
	metrics.CycleCompleted(id, state.LastError, time.Since(started).Seconds())
	inst.log.Warnf("sync cycle failed (%s, %d consecutive): %v",
		state.LastError, state.ConsecutiveFailures, cause)
	return SyncResult{State: state}, cause
}

// stampState fills the per-cycle bookkeeping fields shared by the success
// and failure paths.
func (s *Syncer) stampState(inst *instance, state *SyncState, started time.Time) {
	state.ActiveRPCURL = ethrpc.RedactURL(inst.exec.ActiveURL())
	if snapshot, err := json.Marshal(inst.exec.Stats().Snapshot()); err == nil {
		state.RPCStats = string(snapshot)
	}
	now := time.Now()
	state.LastSyncAt = now.Unix()
	state.LastDurationMS = now.Sub(started).Milliseconds()
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ethrpc.ErrRPCUnreachable):
		return codeRPCUnreachable
	case errors.Is(err, ethrpc.ErrContractNotFound):
		return codeContractNotFound
	default:
		return codeSyncFailed
	}
}
