package ethrpc

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/oraclewatch/oo-indexer/log"
)

const (
	// DefaultClientTTL is how long an idle client is kept before the sweep evicts it
	DefaultClientTTL = time.Minute
	// DefaultClientMaxLifetime is the hard cap on the age of a cached client
	DefaultClientMaxLifetime = 24 * time.Hour

	sweepPeriod = 30 * time.Second
)

type poolEntry struct {
	client    *ethclient.Client
	createdAt time.Time
	lastUsed  time.Time
}

// ClientPool lazily dials and caches one transport client per endpoint URL.
// Entries are evicted by a background sweep once idle past the TTL, and
// unconditionally once older than the max lifetime. No retries or failover
// live here, this layer only answers "give me a client for URL X".
type ClientPool struct {
	mu      sync.Mutex
	clients map[string]*poolEntry

	ttl         time.Duration
	maxLifetime time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
	log      *log.Logger
}

func NewClientPool(ttl, maxLifetime time.Duration) *ClientPool {
	if ttl <= 0 {
		ttl = DefaultClientTTL
	}
	if maxLifetime <= 0 {
		maxLifetime = DefaultClientMaxLifetime
	}
	return &ClientPool{
		clients:     make(map[string]*poolEntry),
		ttl:         ttl,
		maxLifetime: maxLifetime,
		stopCh:      make(chan struct{}),
		log:         log.WithFields("module", "ethrpc-pool"),
	}
}

// Get returns a ready to use client for the given URL, dialing it on first use.
func (p *ClientPool) Get(ctx context.Context, url string) (*ethclient.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if e, ok := p.clients[url]; ok {
		if now.Sub(e.createdAt) < p.maxLifetime {
			e.lastUsed = now
			return e.client, nil
		}
		e.client.Close()
		delete(p.clients, url)
	}

	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	p.clients[url] = &poolEntry{
		client:    client,
		createdAt: now,
		lastUsed:  now,
	}
	return client, nil
}

// Start launches the background sweep that evicts idle and expired clients.
func (p *ClientPool) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(sweepPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.sweep(time.Now())
			}
		}
	}()
}

// Stop terminates the sweep and closes every cached client.
func (p *ClientPool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for url, e := range p.clients {
		e.client.Close()
		delete(p.clients, url)
	}
}

// Len returns the number of cached clients.
func (p *ClientPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

func (p *ClientPool) sweep(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for url, e := range p.clients {
		if now.Sub(e.lastUsed) >= p.ttl || now.Sub(e.createdAt) >= p.maxLifetime {
			e.client.Close()
			delete(p.clients, url)
			p.log.Debugf("evicted client for %s", RedactURL(url))
		}
	}
}
