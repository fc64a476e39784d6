package uniswap

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polclau/relayer-node/internal/domain/model"
)

type fakeSender struct {
	fakeCaller
	sent          []*types.Transaction
	receiptStatus uint64
	sendErr       error
}

func (f *fakeSender) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 7, nil
}

func (f *fakeSender) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (f *fakeSender) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeSender) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (f *fakeSender) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeSender) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	if len(f.sent) == 0 {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: f.receiptStatus, TxHash: txHash}, nil
}

func newTestRelayer(t *testing.T, sender *fakeSender, vault common.Address) *SigningRelayer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	r := NewSigningRelayer(sender, vault, key, big.NewInt(1), nil)
	r.waitInterval = 5 * time.Millisecond
	r.waitTimeout = time.Second
	return r
}

func TestSigningRelayer_FillOrder(t *testing.T) {
	vault := common.HexToAddress("0x7777777777777777777777777777777777777777")
	sender := &fakeSender{receiptStatus: types.ReceiptStatusSuccessful}
	r := newTestRelayer(t, sender, vault)

	payload := make([]byte, 256)
	payload[0] = 0x42

	hash, err := r.FillOrder(context.Background(), &model.Order{ID: "o1", Payload: payload})
	require.NoError(t, err)

	require.Len(t, sender.sent, 1)
	tx := sender.sent[0]
	assert.Equal(t, tx.Hash(), hash)
	assert.Equal(t, &vault, tx.To())
	assert.Equal(t, uint64(7), tx.Nonce())

	method, err := vaultABI.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, "executeOrder", method.Name)

	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, payload, args[0].([]byte))
}

func TestSigningRelayer_RevertedFillIsError(t *testing.T) {
	sender := &fakeSender{receiptStatus: types.ReceiptStatusFailed}
	r := newTestRelayer(t, sender, common.Address{})

	_, err := r.FillOrder(context.Background(), &model.Order{ID: "o2", Payload: []byte{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reverted")
}

func TestSigningRelayer_SendFailureIsError(t *testing.T) {
	sender := &fakeSender{sendErr: errors.New("nonce too low")}
	r := newTestRelayer(t, sender, common.Address{})

	_, err := r.FillOrder(context.Background(), &model.Order{ID: "o3", Payload: []byte{1}})
	require.Error(t, err)
	assert.Empty(t, sender.sent)
}
