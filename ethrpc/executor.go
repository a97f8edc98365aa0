package ethrpc

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/oraclewatch/oo-indexer/log"
)

const (
	// DefaultMaxAttemptsPerURL bounds the retries on a single endpoint before
	// failing over to the next one.
	DefaultMaxAttemptsPerURL = 3
	// DefaultBaseBackoff is the backoff base used when no latency sample is
	// available for the endpoint yet.
	DefaultBaseBackoff = 500 * time.Millisecond
	// DefaultMaxBackoff caps the exponential backoff delay.
	DefaultMaxBackoff = 30 * time.Second

	// jitter fraction applied on top of the computed delay
	transientJitterFrac = 0.25
	unknownJitterFrac   = 0.10

	// fraction of calls that emit a diagnostic log line
	logSampleRate = 0.02
)

// Operation is a single remote call executed against a chosen endpoint.
type Operation func(ctx context.Context, client *ethclient.Client) error

// Pool abstracts the client cache so the executor can be tested without
// dialing anything.
type Pool interface {
	Get(ctx context.Context, url string) (*ethclient.Client, error)
}

// Executor runs operations against the active endpoint of a pool of RPC URLs,
// retrying transient failures with exponential backoff and rotating through
// the pool until every endpoint has exhausted its attempt budget.
type Executor struct {
	pool  Pool
	urls  []string
	stats *EndpointStats
	log   *log.Logger

	mu     sync.Mutex
	active int

	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	// replaced in tests to avoid real sleeps
	sleep func(ctx context.Context, d time.Duration) error
}

func NewExecutor(pool Pool, urls []string, stats *EndpointStats, logger *log.Logger) *Executor {
	if stats == nil {
		stats = NewEndpointStats()
	}
	return &Executor{
		pool:        pool,
		urls:        urls,
		stats:       stats,
		log:         logger,
		maxAttempts: DefaultMaxAttemptsPerURL,
		baseBackoff: DefaultBaseBackoff,
		maxBackoff:  DefaultMaxBackoff,
		sleep:       sleepCtx,
	}
}

// Stats exposes the shared per-URL counters.
func (e *Executor) Stats() *EndpointStats {
	return e.stats
}

// ActiveURL returns the endpoint the executor currently prefers.
func (e *Executor) ActiveURL() string {
	if len(e.urls) == 0 {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.urls[e.active]
}

// Execute runs op against the active endpoint. Transient failures are retried
// on the same URL up to the attempt budget with exponential backoff, then the
// executor fails over round-robin to the next URL restarting from attempt 0.
// Permanent (configuration) failures abort immediately. When every URL is
// exhausted the last error is wrapped in ErrRPCUnreachable.
func (e *Executor) Execute(ctx context.Context, op Operation) error {
	if len(e.urls) == 0 {
		return fmt.Errorf("%w: no endpoints configured", ErrRPCUnreachable)
	}

	e.mu.Lock()
	start := e.active
	e.mu.Unlock()

	var lastErr error
	for i := 0; i < len(e.urls); i++ {
		idx := (start + i) % len(e.urls)
		url := e.urls[idx]
		for attempt := 0; attempt < e.maxAttempts; attempt++ {
			if err := ctx.Err(); err != nil {
				return err
			}

			began := time.Now()
			client, err := e.pool.Get(ctx, url)
			if err == nil {
				err = op(ctx, client)
			}
			if err == nil {
				e.stats.RecordSuccess(url, time.Since(began))
				e.mu.Lock()
				e.active = idx
				e.mu.Unlock()
				e.sampleLog(url, nil)
				return nil
			}

			e.stats.RecordFailure(url)
			e.sampleLog(url, err)

			jitterFrac := unknownJitterFrac
			switch ClassifyErr(err) {
			case ClassPermanent:
				return fmt.Errorf("%w: %s", ErrContractNotFound, err)
			case ClassTransient:
				jitterFrac = transientJitterFrac
			}
			lastErr = err

			if attempt < e.maxAttempts-1 {
				if err := e.sleep(ctx, e.backoffDelay(url, attempt, jitterFrac)); err != nil {
					return err
				}
			}
		}
		e.log.Debugf("endpoint %s exhausted %d attempts, failing over", RedactURL(url), e.maxAttempts)
	}
	return fmt.Errorf("%w: all %d endpoints exhausted: %s", ErrRPCUnreachable, len(e.urls), lastErr)
}

// backoffDelay computes min(base*2^attempt, maxBackoff) plus random jitter.
// The base derives from the endpoint's own rolling average latency when a
// sample exists.
func (e *Executor) backoffDelay(url string, attempt int, jitterFrac float64) time.Duration {
	base := e.baseBackoff
	if avg, ok := e.stats.AvgLatency(url); ok && avg > 0 {
		base = avg
	}
	delay := base << uint(attempt)
	if delay > e.maxBackoff || delay <= 0 {
		delay = e.maxBackoff
	}
	jitter := time.Duration(rand.Float64() * jitterFrac * float64(delay))
	if delay+jitter > e.maxBackoff {
		return e.maxBackoff
	}
	return delay + jitter
}

// sampleLog emits a structured line for a small random sample of calls so
// diagnostics stay available without blowing up log volume.
func (e *Executor) sampleLog(url string, err error) {
	if rand.Float64() >= logSampleRate {
		return
	}
	if err != nil {
		e.log.Warnf("rpc call failed on %s: %v", RedactURL(url), err)
		return
	}
	e.log.Debugf("rpc call ok on %s", RedactURL(url))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
