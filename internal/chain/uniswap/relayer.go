package uniswap

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/polclau/relayer-node/internal/domain/model"
)

// TxSender is the transaction-submission surface the relayer needs.
type TxSender interface {
	ContractCaller
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// SigningRelayer fills orders by calling executeOrder on the vault with a
// locally-held key. It submits, waits for the receipt, and reports the fill
// transaction hash. Anything fancier (bumping, private mempools) is somebody
// else's job.
type SigningRelayer struct {
	client       TxSender
	vault        common.Address
	key          *ecdsa.PrivateKey
	from         common.Address
	chainID      *big.Int
	waitInterval time.Duration
	waitTimeout  time.Duration
	logger       *slog.Logger
}

func NewSigningRelayer(client TxSender, vault common.Address, key *ecdsa.PrivateKey, chainID *big.Int, logger *slog.Logger) *SigningRelayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SigningRelayer{
		client:       client,
		vault:        vault,
		key:          key,
		from:         crypto.PubkeyToAddress(key.PublicKey),
		chainID:      chainID,
		waitInterval: 2 * time.Second,
		waitTimeout:  3 * time.Minute,
		logger:       logger.With("component", "relayer"),
	}
}

// FillOrder submits an executeOrder transaction for the order's payload and
// blocks until it is mined. A reverted receipt is an error; the order stays
// pending and the caller's retry policy decides what happens next.
func (r *SigningRelayer) FillOrder(ctx context.Context, order *model.Order) (common.Hash, error) {
	data, err := vaultABI.Pack("executeOrder", order.Payload)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack executeOrder: %w", err)
	}

	nonce, err := r.client.PendingNonceAt(ctx, r.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	tip, err := r.client.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gas tip: %w", err)
	}
	gasPrice, err := r.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gas price: %w", err)
	}
	// Headroom over the current price so the tx survives a base-fee climb
	// while it sits in the pool.
	feeCap := new(big.Int).Mul(gasPrice, big.NewInt(2))
	if feeCap.Cmp(tip) < 0 {
		feeCap.Set(tip)
	}

	msg := ethereum.CallMsg{From: r.from, To: &r.vault, Data: data}
	gasLimit, err := r.client.EstimateGas(ctx, msg)
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}

	tx, err := types.SignNewTx(r.key, types.LatestSignerForChainID(r.chainID), &types.DynamicFeeTx{
		ChainID:   r.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit + gasLimit/5,
		To:        &r.vault,
		Data:      data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign: %w", err)
	}

	if err := r.client.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, fmt.Errorf("send: %w", err)
	}
	r.logger.Info("fill submitted", "order", order.ID, "tx", tx.Hash().Hex(), "nonce", nonce)

	receipt, err := r.waitMined(ctx, tx.Hash())
	if err != nil {
		return common.Hash{}, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return common.Hash{}, fmt.Errorf("fill reverted: tx %s", tx.Hash().Hex())
	}
	return tx.Hash(), nil
}

func (r *SigningRelayer) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, r.waitTimeout)
	defer cancel()

	ticker := time.NewTicker(r.waitInterval)
	defer ticker.Stop()
	for {
		receipt, err := r.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			r.logger.Debug("receipt poll failed", "tx", hash.Hex(), "error", err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait mined %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
