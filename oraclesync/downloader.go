package oraclesync

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/oraclewatch/oo-indexer/ethrpc"
	"github.com/oraclewatch/oo-indexer/log"
	"golang.org/x/sync/errgroup"
)

const defaultRPCTimeout = 10 * time.Second

// logBlock groups the decoded events of one block together with the header
// data needed to timestamp them.
type logBlock struct {
	Num       uint64
	Hash      common.Hash
	Timestamp uint64
	Events    []Event
}

type logAppenderMap map[common.Hash]func(b *logBlock, l types.Log) error

// logStream is one (contract address, event signature) filter, fetched
// independently per window.
type logStream struct {
	addr  common.Address
	topic common.Hash
}

// chainReader is the narrow RPC surface the downloader consumes, it exists so
// tests can drive the downloader without a real endpoint pool.
type chainReader interface {
	Execute(ctx context.Context, op ethrpc.Operation) error
}

type downloader struct {
	exec       chainReader
	streams    []logStream
	appender   logAppenderMap
	rpcTimeout time.Duration
	log        *log.Logger
}

func newDownloader(exec chainReader, v2Addr, v3Addr common.Address, rpcTimeout time.Duration, logger *log.Logger) *downloader {
	if rpcTimeout <= 0 {
		rpcTimeout = defaultRPCTimeout
	}
	d := &downloader{
		exec:       exec,
		appender:   buildAppender(),
		rpcTimeout: rpcTimeout,
		log:        logger,
	}
	zero := common.Address{}
	if v2Addr != zero {
		d.streams = append(d.streams,
			logStream{v2Addr, oracleV2ABI.Events[evProposePrice].ID},
			logStream{v2Addr, oracleV2ABI.Events[evDisputePrice].ID},
			logStream{v2Addr, oracleV2ABI.Events[evSettle].ID},
		)
	}
	if v3Addr != zero {
		d.streams = append(d.streams,
			logStream{v3Addr, oracleV3ABI.Events[evAssertionMade].ID},
			logStream{v3Addr, oracleV3ABI.Events[evAssertionDisputed].ID},
			logStream{v3Addr, oracleV3ABI.Events[evAssertionSettled].ID},
			logStream{v3Addr, oracleV3ABI.Events[evVoteCast].ID},
		)
	}
	return d
}

// buildAppender maps each event signature to its decode-and-append function.
func buildAppender() logAppenderMap {
	appender := make(logAppenderMap)
	appender[oracleV2ABI.Events[evProposePrice].ID] = func(b *logBlock, l types.Log) error {
		ev, err := parseProposePrice(l, b.Timestamp)
		if err != nil {
			return fmt.Errorf("error parsing ProposePrice log: %w", err)
		}
		b.Events = append(b.Events, Event{ProposePrice: ev})
		return nil
	}
	appender[oracleV2ABI.Events[evDisputePrice].ID] = func(b *logBlock, l types.Log) error {
		ev, err := parseDisputePrice(l, b.Timestamp)
		if err != nil {
			return fmt.Errorf("error parsing DisputePrice log: %w", err)
		}
		b.Events = append(b.Events, Event{DisputePrice: ev})
		return nil
	}
	appender[oracleV2ABI.Events[evSettle].ID] = func(b *logBlock, l types.Log) error {
		ev, err := parseSettle(l, b.Timestamp)
		if err != nil {
			return fmt.Errorf("error parsing Settle log: %w", err)
		}
		b.Events = append(b.Events, Event{Settle: ev})
		return nil
	}
	appender[oracleV3ABI.Events[evAssertionMade].ID] = func(b *logBlock, l types.Log) error {
		ev, err := parseAssertionMade(l, b.Timestamp)
		if err != nil {
			return fmt.Errorf("error parsing AssertionMade log: %w", err)
		}
		b.Events = append(b.Events, Event{AssertionMade: ev})
		return nil
	}
	appender[oracleV3ABI.Events[evAssertionDisputed].ID] = func(b *logBlock, l types.Log) error {
		ev, err := parseAssertionDisputed(l, b.Timestamp)
		if err != nil {
			return fmt.Errorf("error parsing AssertionDisputed log: %w", err)
		}
		b.Events = append(b.Events, Event{AssertionDisputed: ev})
		return nil
	}
	appender[oracleV3ABI.Events[evAssertionSettled].ID] = func(b *logBlock, l types.Log) error {
		ev, err := parseAssertionSettled(l, b.Timestamp)
		if err != nil {
			return fmt.Errorf("error parsing AssertionSettled log: %w", err)
		}
		b.Events = append(b.Events, Event{AssertionSettled: ev})
		return nil
	}
	appender[oracleV3ABI.Events[evVoteCast].ID] = func(b *logBlock, l types.Log) error {
		ev, err := parseVoteCast(l, b.Timestamp)
		if err != nil {
			return fmt.Errorf("error parsing VoteCast log: %w", err)
		}
		b.Events = append(b.Events, Event{VoteCast: ev})
		return nil
	}
	return appender
}

// chainHead returns the current block height of the chain.
func (d *downloader) chainHead(ctx context.Context) (uint64, error) {
	var head uint64
	err := d.exec.Execute(ctx, func(ctx context.Context, client *ethclient.Client) error {
		opCtx, cancel := context.WithTimeout(ctx, d.rpcTimeout)
		defer cancel()
		h, err := client.BlockNumber(opCtx)
		if err != nil {
			return err
		}
		head = h
		return nil
	})
	return head, err
}

// getLogs fetches the event streams for [fromBlock, toBlock] concurrently,
// one filter query per stream, and returns the merged result ordered by
// (block number, log index).
func (d *downloader) getLogs(ctx context.Context, fromBlock, toBlock uint64) ([]types.Log, error) {
	results := make([][]types.Log, len(d.streams))
	g, gCtx := errgroup.WithContext(ctx)
	for i, stream := range d.streams {
		i, stream := i, stream
		g.Go(func() error {
			query := ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(fromBlock),
				ToBlock:   new(big.Int).SetUint64(toBlock),
				Addresses: []common.Address{stream.addr},
				Topics:    [][]common.Hash{{stream.topic}},
			}
			return d.exec.Execute(gCtx, func(ctx context.Context, client *ethclient.Client) error {
				opCtx, cancel := context.WithTimeout(ctx, d.rpcTimeout)
				defer cancel()
				logs, err := client.FilterLogs(opCtx, query)
				if err != nil {
					return err
				}
				results[i] = logs
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []types.Log
	for _, logs := range results {
		merged = append(merged, logs...)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].BlockNumber != merged[j].BlockNumber {
			return merged[i].BlockNumber < merged[j].BlockNumber
		}
		return merged[i].Index < merged[j].Index
	})
	return merged, nil
}

// getEventsByBlockRange downloads and decodes every stream of the range,
// grouped per block. The second return is the raw log count of the range
// (the window manager's density input).
func (d *downloader) getEventsByBlockRange(ctx context.Context, fromBlock, toBlock uint64) ([]logBlock, int, error) {
	logs, err := d.getLogs(ctx, fromBlock, toBlock)
	if err != nil {
		return nil, 0, err
	}

	blocks := []logBlock{}
	for _, l := range logs {
		if len(blocks) == 0 || blocks[len(blocks)-1].Num < l.BlockNumber {
			header, err := d.getBlockHeader(ctx, l.BlockNumber)
			if err != nil {
				return nil, 0, err
			}
			if header.Hash() != l.BlockHash {
				// processed ranges stay behind the confirmation lag, so a
				// mismatch here should not survive the next cycle's overlap
				d.log.Warnf("block hash mismatch between log and header queries for block %d: %s vs %s",
					l.BlockNumber, l.BlockHash, header.Hash())
			}
			blocks = append(blocks, logBlock{
				Num:       l.BlockNumber,
				Hash:      l.BlockHash,
				Timestamp: header.Time,
			})
		}
		appender, ok := d.appender[l.Topics[0]]
		if !ok {
			d.log.Warnf("no appender for log with topic0 %s, skipping", l.Topics[0])
			continue
		}
		if err := appender(&blocks[len(blocks)-1], l); err != nil {
			return nil, 0, err
		}
	}
	return blocks, len(logs), nil
}

func (d *downloader) getBlockHeader(ctx context.Context, blockNum uint64) (*types.Header, error) {
	var header *types.Header
	err := d.exec.Execute(ctx, func(ctx context.Context, client *ethclient.Client) error {
		opCtx, cancel := context.WithTimeout(ctx, d.rpcTimeout)
		defer cancel()
		h, err := client.HeaderByNumber(opCtx, new(big.Int).SetUint64(blockNum))
		if err != nil {
			return err
		}
		header = h
		return nil
	})
	return header, err
}
