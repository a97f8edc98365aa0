package oraclesync

import (
	"math/rand"
	"time"
)

const (
	// MinWindowSize floors the adaptive block-range size
	MinWindowSize = uint64(32)
	// DefaultMaxWindowSize is used when the instance does not configure one
	DefaultMaxWindowSize = uint64(2000)

	// reorgOverlap is rewound from the cursor on resume so shallow reorgs are
	// reprocessed, which makes re-ingestion of the last few blocks expected
	// and upsert idempotency mandatory
	reorgOverlap = uint64(10)

	// emptyGrowthTrigger is the number of consecutive empty ranges after
	// which the window doubles
	emptyGrowthTrigger = 2

	// densityTarget is the log count above which a range is considered dense
	// enough to shrink the window
	densityTarget = 512

	windowBackoffBase = time.Second
	windowBackoffMax  = 30 * time.Second
	windowJitterFrac  = 0.25
)

// windowManager owns the adaptive block-range size of one instance: it grows
// the window when chain activity is sparse and shrinks it under errors or
// heavy ranges.
type windowManager struct {
	size        uint64
	minSize     uint64
	maxSize     uint64
	emptyRanges int
}

func newWindowManager(maxSize uint64) *windowManager {
	if maxSize == 0 {
		maxSize = DefaultMaxWindowSize
	}
	if maxSize < MinWindowSize {
		maxSize = MinWindowSize
	}
	return &windowManager{
		size:    maxSize,
		minSize: MinWindowSize,
		maxSize: maxSize,
	}
}

// initialCursor computes where a cycle resumes. A never-synced instance
// starts at the configured start block, or close behind the safe head when
// no start block is set. Otherwise the cursor rewinds a few blocks behind
// the last processed one to tolerate shallow reorgs.
func (w *windowManager) initialCursor(state SyncState, startBlock, safeBlock uint64) uint64 {
	if state.LastProcessedBlock == 0 {
		if startBlock > 0 {
			return startBlock
		}
		if safeBlock > w.maxSize {
			return safeBlock - w.maxSize
		}
		return 0
	}
	cursor := state.LastProcessedBlock
	if cursor > reorgOverlap {
		cursor -= reorgOverlap
	} else {
		cursor = 0
	}
	if cursor < startBlock {
		cursor = startBlock
	}
	return cursor
}

// next returns the boundaries of the window starting at cursor, never
// crossing the safe block.
func (w *windowManager) next(cursor, safeBlock uint64) (fromBlock, toBlock uint64) {
	fromBlock = cursor
	toBlock = cursor + w.size - 1
	if toBlock > safeBlock {
		toBlock = safeBlock
	}
	return fromBlock, toBlock
}

// onEmpty doubles the window after enough consecutive empty ranges, larger
// windows amortize RPC round-trips when chain activity is sparse.
func (w *windowManager) onEmpty() {
	w.emptyRanges++
	if w.emptyRanges < emptyGrowthTrigger {
		return
	}
	w.emptyRanges = 0
	w.size *= 2
	if w.size > w.maxSize {
		w.size = w.maxSize
	}
}

// onError halves the window, bounding decode and transaction cost and
// backing off quickly from a misbehaving endpoint.
func (w *windowManager) onError() {
	w.emptyRanges = 0
	w.size /= 2
	if w.size < w.minSize {
		w.size = w.minSize
	}
}

// onLogs adjusts the window from the observed log count of a range.
func (w *windowManager) onLogs(count int) {
	if count == 0 {
		w.onEmpty()
		return
	}
	w.emptyRanges = 0
	if count > densityTarget {
		w.size /= 2
		if w.size < w.minSize {
			w.size = w.minSize
		}
	}
}

// backoff computes the retry delay for a failed range. The base derives from
// the active endpoint's observed average latency when known.
func (w *windowManager) backoff(attempt int, avgLatency time.Duration) time.Duration {
	base := windowBackoffBase
	if avgLatency > 0 {
		base = avgLatency
	}
	delay := base << uint(attempt)
	if delay > windowBackoffMax || delay <= 0 {
		delay = windowBackoffMax
	}
	jitter := time.Duration(rand.Float64() * windowJitterFrac * float64(delay))
	if delay+jitter > windowBackoffMax {
		return windowBackoffMax
	}
	return delay + jitter
}
