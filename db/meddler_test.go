package db

import (
	"database/sql"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/russross/meddler"
	"github.com/stretchr/testify/require"
)

type meddlerRow struct {
	ID     string         `meddler:"id"`
	Amount *big.Int       `meddler:"amount,bigint"`
	Hash   common.Hash    `meddler:"hash,hash"`
	Addr   common.Address `meddler:"addr,address"`
}

func newMeddlerTestDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	_, err = database.Exec(`
		CREATE TABLE rows (
			id     VARCHAR NOT NULL PRIMARY KEY,
			amount VARCHAR NOT NULL,
			hash   VARCHAR NOT NULL,
			addr   VARCHAR NOT NULL
		);`)
	require.NoError(t, err)
	return database
}

func TestCustomMeddlersRoundTrip(t *testing.T) {
	database := newMeddlerTestDB(t)

	in := meddlerRow{
		ID:     "r1",
		Amount: new(big.Int).SetUint64(18446744073709551615),
		Hash:   common.HexToHash("0xbeef"),
		Addr:   common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
	}
	require.NoError(t, meddler.Insert(database, "rows", &in))

	var out meddlerRow
	require.NoError(t, meddler.QueryRow(database, &out, "SELECT * FROM rows WHERE id = $1;", "r1"))
	require.Equal(t, in, out)
}

func TestReturnErrNotFound(t *testing.T) {
	database := newMeddlerTestDB(t)

	var out meddlerRow
	err := meddler.QueryRow(database, &out, "SELECT * FROM rows WHERE id = $1;", "missing")
	require.ErrorIs(t, ReturnErrNotFound(err), ErrNotFound)

	require.Nil(t, ReturnErrNotFound(nil))
}

func TestIsUniqueConstrainErr(t *testing.T) {
	database := newMeddlerTestDB(t)

	row := meddlerRow{ID: "r1", Amount: big.NewInt(1)}
	require.NoError(t, meddler.Insert(database, "rows", &row))
	err := meddler.Insert(database, "rows", &row)
	require.Error(t, err)
	require.True(t, IsUniqueConstrainErr(err))
}
