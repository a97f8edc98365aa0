package ethrpc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClientPoolReusesClients(t *testing.T) {
	p := NewClientPool(time.Minute, time.Hour)
	defer p.Stop()

	// http transports dial lazily, nothing listens on these
	c1, err := p.Get(context.Background(), "http://127.0.0.1:8545")
	require.NoError(t, err)
	c2, err := p.Get(context.Background(), "http://127.0.0.1:8545")
	require.NoError(t, err)
	require.Same(t, c1, c2)
	require.Equal(t, 1, p.Len())

	_, err = p.Get(context.Background(), "http://127.0.0.1:8546")
	require.NoError(t, err)
	require.Equal(t, 2, p.Len())
}

func TestClientPoolSweepEvictsIdle(t *testing.T) {
	p := NewClientPool(time.Minute, time.Hour)
	defer p.Stop()

	_, err := p.Get(context.Background(), "http://127.0.0.1:8545")
	require.NoError(t, err)
	require.Equal(t, 1, p.Len())

	p.sweep(time.Now())
	require.Equal(t, 1, p.Len())

	p.sweep(time.Now().Add(2 * time.Minute))
	require.Equal(t, 0, p.Len())
}

func TestClientPoolStopClosesEverything(t *testing.T) {
	p := NewClientPool(time.Minute, time.Hour)
	p.Start()

	_, err := p.Get(context.Background(), "http://127.0.0.1:8545")
	require.NoError(t, err)

	p.Stop()
	require.Equal(t, 0, p.Len())
	// Stop is idempotent
	p.Stop()
}
