// Package indexer discovers limit orders on chain: native-asset orders from
// the vault's DepositETH events, token orders from ERC20 transfer
// transactions carrying an appended order blob.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polclau/relayer-node/internal/cache"
	"github.com/polclau/relayer-node/internal/chain/uniswap"
	"github.com/polclau/relayer-node/internal/domain/model"
	"github.com/polclau/relayer-node/internal/metrics"
	"github.com/polclau/relayer-node/internal/pipeline/batch"
	"github.com/polclau/relayer-node/internal/store"
	"github.com/polclau/relayer-node/internal/tracing"
)

// RawOrder is a discovered order before persistence: the opaque payload plus
// where it was found.
type RawOrder struct {
	Payload     []byte
	SourceToken string // emitting token address; empty for native deposits
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
}

// Model converts the raw discovery into a persistable order.
func (r RawOrder) Model() *model.Order {
	return &model.Order{
		ID:          model.OrderID(r.TxHash, r.LogIndex),
		Payload:     r.Payload,
		SourceToken: r.SourceToken,
		BlockNumber: int64(r.BlockNumber),
		TxHash:      r.TxHash.Hex(),
		LogIndex:    int64(r.LogIndex),
	}
}

// OnRawOrder receives each discovered order. An error aborts the pass.
type OnRawOrder func(ctx context.Context, raw RawOrder) error

// LogScanner fetches logs for a range, bisecting around provider ceilings.
type LogScanner interface {
	Scan(ctx context.Context, address common.Address, topics [][]common.Hash, fromBlock, toBlock uint64) ([]types.Log, error)
}

// TxFetcher loads full transactions for calldata inspection.
type TxFetcher interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

// TokenRegistry enumerates the factory's listed tokens.
type TokenRegistry interface {
	TokenCount(ctx context.Context) (uint64, error)
	TokenWithID(ctx context.Context, id uint64) (common.Address, error)
}

type Config struct {
	Vault      common.Address
	StartBlock uint64

	// PoolBatchSize bounds concurrent per-token scans; EventBatchSize bounds
	// concurrent transaction fetches within one token's result set.
	PoolBatchSize  int
	EventBatchSize int
	BatchAttempts  int

	Denylist map[common.Address]struct{}
}

type Indexer struct {
	cfg     Config
	scanner LogScanner
	chain   TxFetcher
	factory TokenRegistry
	orders  store.OrderRepository
	cursor  store.CursorRepository
	tokens  *cache.Memo[uint64, common.Address]
	match   *uniswap.CalldataHeuristic
	logger  *slog.Logger

	lastMonitored uint64
}

func New(cfg Config, scanner LogScanner, chain TxFetcher, factory TokenRegistry,
	orders store.OrderRepository, cursor store.CursorRepository,
	match *uniswap.CalldataHeuristic, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PoolBatchSize <= 0 {
		cfg.PoolBatchSize = 10
	}
	if cfg.EventBatchSize <= 0 {
		cfg.EventBatchSize = 50
	}
	if cfg.BatchAttempts <= 0 {
		cfg.BatchAttempts = 3
	}
	return &Indexer{
		cfg:     cfg,
		scanner: scanner,
		chain:   chain,
		factory: factory,
		orders:  orders,
		cursor:  cursor,
		tokens:  cache.NewMemo[uint64, common.Address](),
		match:   match,
		logger:  logger.With("component", "indexer"),
	}
}

// Bootstrap loads the persisted cursor. The effective starting point is the
// higher of the stored cursor and the configured deployment block, so a fresh
// database does not scan from genesis.
func (ix *Indexer) Bootstrap(ctx context.Context) error {
	stored, err := ix.cursor.GetLastMonitored(ctx)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	ix.lastMonitored = ix.cfg.StartBlock
	if uint64(stored) > ix.lastMonitored {
		ix.lastMonitored = uint64(stored)
	}
	metrics.IndexerLastMonitoredBlock.Set(float64(ix.lastMonitored))
	ix.logger.Info("cursor bootstrapped", "last_monitored", ix.lastMonitored)
	return nil
}

// LastMonitored returns the highest fully-scanned block.
func (ix *Indexer) LastMonitored() uint64 {
	return ix.lastMonitored
}

// GetOrders scans [lastMonitored, toBlock] for new orders and hands each one
// to onRawOrder. The cursor advances only after the whole pass succeeds, so a
// failed pass is rescanned in full; the storage existence checks make that
// rescan idempotent.
func (ix *Indexer) GetOrders(ctx context.Context, toBlock uint64, onRawOrder OnRawOrder) error {
	if toBlock <= ix.lastMonitored {
		ix.logger.Debug("no new blocks", "to", toBlock, "last_monitored", ix.lastMonitored)
		return nil
	}
	fromBlock := ix.lastMonitored

	ctx, span := tracing.Tracer("indexer").Start(ctx, "indexer.pass",
		trace.WithAttributes(
			attribute.Int64("from_block", int64(fromBlock)),
			attribute.Int64("to_block", int64(toBlock)),
		))
	defer span.End()

	metrics.IndexerPassesTotal.Inc()
	timer := prometheus.NewTimer(metrics.IndexerPassDuration)
	defer timer.ObserveDuration()
	start := time.Now()

	if err := ix.scanDeposits(ctx, fromBlock, toBlock, onRawOrder); err != nil {
		metrics.IndexerPassErrors.Inc()
		return fmt.Errorf("deposit scan: %w", err)
	}
	if err := ix.scanTokenTransfers(ctx, fromBlock, toBlock, onRawOrder); err != nil {
		metrics.IndexerPassErrors.Inc()
		return fmt.Errorf("token scan: %w", err)
	}

	if err := ix.cursor.SaveLastMonitored(ctx, int64(toBlock)); err != nil {
		metrics.IndexerPassErrors.Inc()
		return fmt.Errorf("advance cursor: %w", err)
	}
	ix.lastMonitored = toBlock
	metrics.IndexerLastMonitoredBlock.Set(float64(toBlock))
	ix.logger.Info("pass complete", "from", fromBlock, "to", toBlock, "elapsed", time.Since(start))
	return nil
}

// scanDeposits finds native-asset orders. The order blob travels in the
// DepositETH event itself, so no transaction fetch is needed.
func (ix *Indexer) scanDeposits(ctx context.Context, fromBlock, toBlock uint64, onRawOrder OnRawOrder) error {
	logs, err := ix.scanner.Scan(ctx, ix.cfg.Vault,
		[][]common.Hash{{uniswap.DepositETHTopic()}}, fromBlock, toBlock)
	if err != nil {
		return err
	}

	for _, lg := range logs {
		metrics.IndexerEventsExamined.WithLabelValues("deposit").Inc()

		known, err := ix.orders.Exists(ctx, model.OrderID(lg.TxHash, lg.Index))
		if err != nil {
			return fmt.Errorf("existence check %s: %w", lg.TxHash.Hex(), err)
		}
		if known {
			metrics.IndexerDuplicatesSkipped.WithLabelValues("stored").Inc()
			continue
		}

		payload, err := uniswap.UnpackDepositETH(lg)
		if err != nil {
			// A vault event we cannot decode is corrupt input, not a
			// transient condition.
			return fmt.Errorf("deposit %s: %w", lg.TxHash.Hex(), err)
		}

		metrics.IndexerOrdersDiscovered.WithLabelValues("deposit").Inc()
		if err := onRawOrder(ctx, RawOrder{
			Payload:     payload,
			BlockNumber: lg.BlockNumber,
			TxHash:      lg.TxHash,
			LogIndex:    lg.Index,
		}); err != nil {
			return err
		}
	}
	return nil
}

// scanTokenTransfers walks every factory-listed token and inspects transfer
// transactions for appended order blobs.
func (ix *Indexer) scanTokenTransfers(ctx context.Context, fromBlock, toBlock uint64, onRawOrder OnRawOrder) error {
	total, err := ix.factory.TokenCount(ctx)
	if err != nil {
		return err
	}

	indices := make([]uint64, 0, total)
	for i := uint64(1); i <= total; i++ {
		indices = append(indices, i)
	}

	return batch.Run(ctx, indices, ix.cfg.PoolBatchSize, ix.cfg.BatchAttempts,
		func(ctx context.Context, idx uint64) error {
			return ix.scanToken(ctx, idx, fromBlock, toBlock, onRawOrder)
		})
}

func (ix *Indexer) scanToken(ctx context.Context, idx uint64, fromBlock, toBlock uint64, onRawOrder OnRawOrder) error {
	token, err := ix.tokens.GetOrResolve(ctx, idx, ix.factory.TokenWithID)
	if err != nil {
		return fmt.Errorf("resolve token %d: %w", idx, err)
	}
	if _, denied := ix.cfg.Denylist[token]; denied {
		ix.logger.Debug("token denylisted", "token", token.Hex(), "index", idx)
		return nil
	}

	logs, err := ix.scanner.Scan(ctx, token,
		[][]common.Hash{{uniswap.TransferTopic()}}, fromBlock, toBlock)
	if err != nil {
		return fmt.Errorf("transfer scan %s: %w", token.Hex(), err)
	}
	if len(logs) == 0 {
		return nil
	}

	seen := newTxSet()
	return batch.Run(ctx, logs, ix.cfg.EventBatchSize, ix.cfg.BatchAttempts,
		func(ctx context.Context, lg types.Log) error {
			return ix.examineTransfer(ctx, token, seen, lg, onRawOrder)
		})
}

func (ix *Indexer) examineTransfer(ctx context.Context, token common.Address, seen *txSet, lg types.Log, onRawOrder OnRawOrder) error {
	metrics.IndexerEventsExamined.WithLabelValues("transfer").Inc()

	if !seen.claim(lg.TxHash) {
		metrics.IndexerDuplicatesSkipped.WithLabelValues("in_pass").Inc()
		return nil
	}

	known, err := ix.orders.ExistsByTxHash(ctx, lg.TxHash.Hex())
	if err != nil {
		seen.release(lg.TxHash)
		return fmt.Errorf("existence check %s: %w", lg.TxHash.Hex(), err)
	}
	if known {
		metrics.IndexerDuplicatesSkipped.WithLabelValues("stored").Inc()
		return nil
	}

	tx, _, err := ix.chain.TransactionByHash(ctx, lg.TxHash)
	if err != nil {
		// Unclaim so the batch retry re-examines this event instead of
		// skipping past a transient fetch failure.
		seen.release(lg.TxHash)
		return fmt.Errorf("fetch tx %s: %w", lg.TxHash.Hex(), err)
	}

	input := tx.Data()
	if !ix.match.Matches(input) {
		return nil
	}

	metrics.IndexerOrdersDiscovered.WithLabelValues("transfer").Inc()
	if err := onRawOrder(ctx, RawOrder{
		Payload:     input,
		SourceToken: token.Hex(),
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash,
		LogIndex:    lg.Index,
	}); err != nil {
		seen.release(lg.TxHash)
		return err
	}
	return nil
}

// txSet is the per-token dedup set for one pass. claim is test-and-set so
// concurrent events of the same transaction race for a single examination.
type txSet struct {
	mu     sync.Mutex
	hashes map[common.Hash]struct{}
}

func newTxSet() *txSet {
	return &txSet{hashes: make(map[common.Hash]struct{})}
}

func (s *txSet) claim(h common.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hashes[h]; ok {
		return false
	}
	s.hashes[h] = struct{}{}
	return true
}

func (s *txSet) release(h common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hashes, h)
}
