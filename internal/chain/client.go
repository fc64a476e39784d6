package chain

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/polclau/relayer-node/internal/chain/ratelimit"
	"github.com/polclau/relayer-node/internal/circuitbreaker"
	"github.com/polclau/relayer-node/internal/metrics"
)

// ETHClient is the subset of go-ethereum's ethclient.Client this keeper
// depends on. *ethclient.Client satisfies it.
type ETHClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Client decorates an ETHClient with client-side rate limiting, a circuit
// breaker, and per-method metrics. All keeper components talk to the
// provider through it.
type Client struct {
	inner   ETHClient
	limiter *ratelimit.Limiter
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewClient wraps inner. limiter and breaker may be nil to disable the
// respective protection.
func NewClient(inner ETHClient, limiter *ratelimit.Limiter, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		inner:   inner,
		limiter: limiter,
		breaker: breaker,
		logger:  logger.With("component", "eth_client"),
	}
}

func (c *Client) instrument(ctx context.Context, method string, call func(context.Context) error) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if c.breaker != nil {
		if err := c.breaker.Allow(); err != nil {
			metrics.RPCCallsTotal.WithLabelValues(method, "breaker_open").Inc()
			return err
		}
	}

	timer := prometheus.NewTimer(metrics.RPCCallDuration.WithLabelValues(method))
	start := time.Now()
	err := call(ctx)
	timer.ObserveDuration()

	metrics.RPCCallsTotal.WithLabelValues(method, ratelimit.ClassifyRPCError(err)).Inc()

	if c.breaker != nil {
		// A result-ceiling refusal is expected behavior, not provider
		// ill health; it must not push the breaker toward open.
		if err != nil && !IsResultCeiling(err) {
			c.breaker.RecordFailure()
		} else {
			c.breaker.RecordSuccess()
		}
	}

	if err != nil {
		c.logger.Debug("rpc call failed", "method", method, "duration", time.Since(start), "error", err)
	}
	return err
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.instrument(ctx, "eth_blockNumber", func(ctx context.Context) error {
		var err error
		n, err = c.inner.BlockNumber(ctx)
		return err
	})
	return n, err
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := c.instrument(ctx, "eth_chainId", func(ctx context.Context) error {
		var err error
		id, err = c.inner.ChainID(ctx)
		return err
	})
	return id, err
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := c.instrument(ctx, "eth_getLogs", func(ctx context.Context) error {
		var err error
		logs, err = c.inner.FilterLogs(ctx, q)
		return err
	})
	return logs, err
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := c.instrument(ctx, "eth_call", func(ctx context.Context) error {
		var err error
		out, err = c.inner.CallContract(ctx, msg, blockNumber)
		return err
	})
	return out, err
}

func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	var tx *types.Transaction
	var pending bool
	err := c.instrument(ctx, "eth_getTransactionByHash", func(ctx context.Context) error {
		var err error
		tx, pending, err = c.inner.TransactionByHash(ctx, hash)
		return err
	})
	return tx, pending, err
}

func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var r *types.Receipt
	err := c.instrument(ctx, "eth_getTransactionReceipt", func(ctx context.Context) error {
		var err error
		r, err = c.inner.TransactionReceipt(ctx, txHash)
		return err
	})
	return r, err
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var n uint64
	err := c.instrument(ctx, "eth_getTransactionCount", func(ctx context.Context) error {
		var err error
		n, err = c.inner.PendingNonceAt(ctx, account)
		return err
	})
	return n, err
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var p *big.Int
	err := c.instrument(ctx, "eth_gasPrice", func(ctx context.Context) error {
		var err error
		p, err = c.inner.SuggestGasPrice(ctx)
		return err
	})
	return p, err
}

func (c *Client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	var p *big.Int
	err := c.instrument(ctx, "eth_maxPriorityFeePerGas", func(ctx context.Context) error {
		var err error
		p, err = c.inner.SuggestGasTipCap(ctx)
		return err
	})
	return p, err
}

func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var g uint64
	err := c.instrument(ctx, "eth_estimateGas", func(ctx context.Context) error {
		var err error
		g, err = c.inner.EstimateGas(ctx, msg)
		return err
	})
	return g, err
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.instrument(ctx, "eth_sendRawTransaction", func(ctx context.Context) error {
		return c.inner.SendTransaction(ctx, tx)
	})
}
