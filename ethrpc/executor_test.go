package ethrpc

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/oraclewatch/oo-indexer/log"
	"github.com/stretchr/testify/require"
)

// fakePool hands out nil clients, the test operations never touch them.
type fakePool struct{}

func (fakePool) Get(ctx context.Context, url string) (*ethclient.Client, error) {
	return nil, nil
}

func newTestExecutor(urls ...string) *Executor {
	e := NewExecutor(fakePool{}, urls, nil, log.WithFields("test", "executor"))
	e.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return e
}

func TestExecuteNoEndpoints(t *testing.T) {
	e := newTestExecutor()
	err := e.Execute(context.Background(), func(ctx context.Context, client *ethclient.Client) error {
		t.Fatal("op should not run")
		return nil
	})
	require.ErrorIs(t, err, ErrRPCUnreachable)
}

func TestExecuteExhaustsEveryEndpoint(t *testing.T) {
	e := newTestExecutor("http://a", "http://b", "http://c")
	calls := 0
	err := e.Execute(context.Background(), func(ctx context.Context, client *ethclient.Client) error {
		calls++
		return errors.New("connection refused")
	})
	require.ErrorIs(t, err, ErrRPCUnreachable)
	require.Equal(t, 3*DefaultMaxAttemptsPerURL, calls)

	snapshot := e.Stats().Snapshot()
	for _, url := range []string{"http://a", "http://b", "http://c"} {
		require.Equal(t, uint64(DefaultMaxAttemptsPerURL), snapshot[url].Fail, url)
		require.Zero(t, snapshot[url].Ok, url)
	}
}

func TestExecuteFailsOverAndSticks(t *testing.T) {
	e := newTestExecutor("http://a", "http://b")
	calls := 0
	err := e.Execute(context.Background(), func(ctx context.Context, client *ethclient.Client) error {
		calls++
		// the first endpoint burns its whole attempt budget, the second
		// answers on the first try
		if calls <= DefaultMaxAttemptsPerURL {
			return errors.New("i/o timeout")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, DefaultMaxAttemptsPerURL+1, calls)
	require.Equal(t, "http://b", e.ActiveURL())

	snapshot := e.Stats().Snapshot()
	require.Equal(t, uint64(DefaultMaxAttemptsPerURL), snapshot["http://a"].Fail)
	require.Equal(t, uint64(1), snapshot["http://b"].Ok)

	// the next call starts on the endpoint that answered
	require.NoError(t, e.Execute(context.Background(), func(ctx context.Context, client *ethclient.Client) error {
		return nil
	}))
	require.Equal(t, "http://b", e.ActiveURL())
}

func TestExecutePermanentAbortsImmediately(t *testing.T) {
	e := newTestExecutor("http://a", "http://b")
	calls := 0
	err := e.Execute(context.Background(), func(ctx context.Context, client *ethclient.Client) error {
		calls++
		return fmt.Errorf("eth_call: %w", bind.ErrNoCode)
	})
	require.ErrorIs(t, err, ErrContractNotFound)
	require.Equal(t, 1, calls)
}

func TestExecuteContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := newTestExecutor("http://a")
	err := e.Execute(ctx, func(ctx context.Context, client *ethclient.Client) error {
		t.Fatal("op should not run")
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestClassifyErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrClass
	}{
		{"nil", nil, ClassUnknown},
		{"no code", bind.ErrNoCode, ClassPermanent},
		{"no code message", errors.New("no contract code at given address"), ClassPermanent},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"refused", errors.New("dial tcp: connection refused"), ClassTransient},
		{"rate limited", errors.New("429 Too Many Requests"), ClassTransient},
		{"unknown", errors.New("execution reverted"), ClassUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ClassifyErr(tc.err))
		})
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	e := newTestExecutor("http://a")
	for attempt := 0; attempt < 20; attempt++ {
		d := e.backoffDelay("http://a", attempt, transientJitterFrac)
		require.Greater(t, d, time.Duration(0))
		require.LessOrEqual(t, d, DefaultMaxBackoff)
	}

	// with a latency sample, the base derives from the rolling average
	e.Stats().RecordSuccess("http://a", 2*time.Second)
	d := e.backoffDelay("http://a", 0, 0)
	require.GreaterOrEqual(t, d, 2*time.Second)
}
