// Package executor walks pending orders and fills the ones whose on-chain
// conditions are satisfied.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polclau/relayer-node/internal/alert"
	"github.com/polclau/relayer-node/internal/domain/model"
	"github.com/polclau/relayer-node/internal/metrics"
	"github.com/polclau/relayer-node/internal/pipeline/retry"
	"github.com/polclau/relayer-node/internal/tracing"
)

// Book answers whether an order is still live and currently fillable. The
// economics behind the answers live on chain.
type Book interface {
	Exists(ctx context.Context, order *model.Order) (bool, error)
	CanExecute(ctx context.Context, order *model.Order) (bool, error)
}

// Relayer submits the fill transaction and reports its hash.
type Relayer interface {
	FillOrder(ctx context.Context, order *model.Order) (common.Hash, error)
}

// OrderStore is the slice of order persistence the executor needs.
type OrderStore interface {
	GetPending(ctx context.Context) ([]*model.Order, error)
	MarkExecuted(ctx context.Context, id string, txHash string) (bool, error)
}

type Config struct {
	// CheckAttempts bounds the book re-checks; FillAttempts bounds relayer
	// submissions per order per round.
	CheckAttempts int
	FillAttempts  int
}

type Executor struct {
	cfg     Config
	book    Book
	relayer Relayer
	orders  OrderStore
	alerter alert.Alerter
	logger  *slog.Logger
}

func New(cfg Config, book Book, relayer Relayer, orders OrderStore, alerter alert.Alerter, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CheckAttempts <= 0 {
		cfg.CheckAttempts = retry.DefaultAttempts
	}
	if cfg.FillAttempts <= 0 {
		cfg.FillAttempts = retry.DefaultAttempts
	}
	if alerter == nil {
		alerter = &alert.NoopAlerter{}
	}
	return &Executor{
		cfg:     cfg,
		book:    book,
		relayer: relayer,
		orders:  orders,
		alerter: alerter,
		logger:  logger.With("component", "executor"),
	}
}

// WatchRound examines every pending order once. Order failures are isolated:
// one bad order logs and moves on, it does not abort the round.
func (e *Executor) WatchRound(ctx context.Context) error {
	metrics.ExecutorRoundsTotal.Inc()
	timer := prometheus.NewTimer(metrics.ExecutorRoundDuration)
	defer timer.ObserveDuration()

	pending, err := e.orders.GetPending(ctx)
	if err != nil {
		return fmt.Errorf("load pending orders: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	ctx, span := tracing.Tracer("executor").Start(ctx, "executor.round",
		trace.WithAttributes(attribute.Int("pending", len(pending))))
	defer span.End()
	e.logger.Debug("round started", "pending", len(pending))

	for _, order := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.processOrder(ctx, order); err != nil {
			metrics.ExecutorOrderErrors.Inc()
			e.logger.Error("order processing failed", "order", order.ID, "error", err)
		}
	}
	return nil
}

func (e *Executor) processOrder(ctx context.Context, order *model.Order) error {
	metrics.ExecutorOrdersChecked.Inc()

	// The existence check retries so a transient RPC failure never reads as
	// "the order is gone".
	exists, err := retry.DoWithResult(ctx, e.cfg.CheckAttempts, func(ctx context.Context) (bool, error) {
		return e.book.Exists(ctx, order)
	})
	if err != nil {
		return fmt.Errorf("existence check: %w", err)
	}
	if !exists {
		return e.invalidate(ctx, order)
	}

	fillable, err := retry.DoWithResult(ctx, e.cfg.CheckAttempts, func(ctx context.Context) (bool, error) {
		return e.book.CanExecute(ctx, order)
	})
	if err != nil {
		return fmt.Errorf("fillable check: %w", err)
	}
	if !fillable {
		return nil
	}

	txHash, err := retry.DoWithResult(ctx, e.cfg.FillAttempts, func(ctx context.Context) (common.Hash, error) {
		return e.relayer.FillOrder(ctx, order)
	})
	if err != nil {
		// The order stays pending for the next round; swallowing here is
		// the point, but it must stay observable.
		metrics.ExecutorFillRetryExhausted.Inc()
		e.logger.Warn("fill attempts exhausted, order stays pending",
			"order", order.ID, "attempts", e.cfg.FillAttempts, "error", err)
		e.sendFillAlert(ctx, order, err)
		return nil
	}

	updated, err := e.orders.MarkExecuted(ctx, order.ID, txHash.Hex())
	if err != nil {
		return fmt.Errorf("persist fill %s: %w", txHash.Hex(), err)
	}
	if !updated {
		e.logger.Warn("fill landed on an already-terminal order", "order", order.ID, "tx", txHash.Hex())
		return nil
	}
	metrics.ExecutorFillsTotal.Inc()
	e.logger.Info("order filled", "order", order.ID, "tx", txHash.Hex())
	return nil
}

// invalidate records the sentinel for an order the vault no longer knows.
func (e *Executor) invalidate(ctx context.Context, order *model.Order) error {
	updated, err := e.orders.MarkExecuted(ctx, order.ID, model.InvalidatedTx)
	if err != nil {
		return fmt.Errorf("persist invalidation: %w", err)
	}
	if updated {
		metrics.ExecutorOrdersInvalidated.Inc()
		e.logger.Info("order invalidated", "order", order.ID)
	}
	return nil
}

func (e *Executor) sendFillAlert(ctx context.Context, order *model.Order, cause error) {
	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.alerter.Send(sendCtx, alert.Alert{
		Type:      alert.AlertTypeFillRetryExhausted,
		Component: "executor",
		Key:       order.ID,
		Title:     "Fill retries exhausted",
		Message:   cause.Error(),
		Fields: map[string]string{
			"order":    order.ID,
			"attempts": fmt.Sprintf("%d", e.cfg.FillAttempts),
		},
	}); err != nil {
		e.logger.Warn("alert send failed", "error", err)
	}
}
