package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/polclau/relayer-node/internal/metrics"
	"github.com/polclau/relayer-node/internal/pipeline/retry"
)

// LogFilterer is the one method the range scanner needs from the client.
type LogFilterer interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Scanner fetches event logs for a block range, recursively bisecting the
// range when the provider rejects a query for exceeding its result-size
// ceiling. Results cover exactly [fromBlock, toBlock], ordered by block
// number then log position.
//
// The pivot block is included in both halves of a split, so the two leaf
// results overlap by one block at the seam. Callers dedup via the order-id
// existence check, which makes the duplicate harmless; excluding the pivot
// from one half would save the duplicate but risks an off-by-one gap if a
// provider treats range bounds exclusively, so the overlap is kept.
type Scanner struct {
	client   LogFilterer
	attempts int
	logger   *slog.Logger
}

// NewScanner creates a scanner. attempts bounds the transient-error retry on
// each leaf query; it does not limit bisection depth.
func NewScanner(client LogFilterer, attempts int, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		client:   client,
		attempts: attempts,
		logger:   logger.With("component", "scanner"),
	}
}

// Scan returns all logs emitted by address matching topics in
// [fromBlock, toBlock], both bounds inclusive.
func (s *Scanner) Scan(ctx context.Context, address common.Address, topics [][]common.Hash, fromBlock, toBlock uint64) ([]types.Log, error) {
	if fromBlock > toBlock {
		return nil, fmt.Errorf("scanner: invalid range [%d, %d]", fromBlock, toBlock)
	}
	return s.scan(ctx, address, topics, fromBlock, toBlock)
}

func (s *Scanner) scan(ctx context.Context, address common.Address, topics [][]common.Hash, fromBlock, toBlock uint64) ([]types.Log, error) {
	logs, err := s.query(ctx, address, topics, fromBlock, toBlock)
	if err == nil {
		metrics.ScannerQueriesTotal.WithLabelValues("ok").Inc()
		metrics.ScannerLogsFetched.Add(float64(len(logs)))
		return logs, nil
	}

	if !IsResultCeiling(err) {
		metrics.ScannerQueriesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("scan [%d, %d]: %w", fromBlock, toBlock, err)
	}

	if fromBlock >= toBlock {
		// A single block over the ceiling cannot be split further.
		metrics.ScannerQueriesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("scan: result ceiling on single block %d: %w", fromBlock, err)
	}

	pivot := fromBlock + (toBlock-fromBlock)/2
	metrics.ScannerQueriesTotal.WithLabelValues("split").Inc()
	metrics.ScannerSplitsTotal.Inc()
	s.logger.Debug("bisecting log query",
		"from", fromBlock,
		"to", toBlock,
		"pivot", pivot,
	)

	var low, high []types.Log
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		low, err = s.scan(gCtx, address, topics, fromBlock, pivot)
		return err
	})
	g.Go(func() error {
		var err error
		high, err = s.scan(gCtx, address, topics, pivot, toBlock)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Lower sub-range first, preserving block order across the seam.
	return append(low, high...), nil
}

// query issues one FilterLogs call with transient-error retry. A ceiling
// refusal escapes the retry loop immediately so the caller can bisect.
func (s *Scanner) query(ctx context.Context, address common.Address, topics [][]common.Hash, fromBlock, toBlock uint64) ([]types.Log, error) {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{address},
		Topics:    topics,
	}
	return retry.DoWithResult(ctx, s.attempts, func(ctx context.Context) ([]types.Log, error) {
		logs, err := s.client.FilterLogs(ctx, q)
		if err != nil && IsResultCeiling(err) {
			return nil, retry.Terminal(err)
		}
		return logs, err
	})
}
