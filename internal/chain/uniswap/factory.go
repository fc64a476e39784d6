package uniswap

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// ContractCaller is the read-call surface the bindings need.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Factory reads the token registry of a uniswap factory. Token ids are
// 1-based and the registry is append-only, which is what makes the
// index-to-address cache safe to keep forever.
type Factory struct {
	address common.Address
	client  ContractCaller
}

func NewFactory(client ContractCaller, address common.Address) *Factory {
	return &Factory{address: address, client: client}
}

// TokenCount returns the number of tokens the factory has ever listed.
func (f *Factory) TokenCount(ctx context.Context) (uint64, error) {
	out, err := f.call(ctx, "tokenCount")
	if err != nil {
		return 0, fmt.Errorf("factory tokenCount: %w", err)
	}
	n, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("factory tokenCount: unexpected result type %T", out[0])
	}
	return n.Uint64(), nil
}

// TokenWithID resolves a 1-based token index to its ERC20 address.
func (f *Factory) TokenWithID(ctx context.Context, id uint64) (common.Address, error) {
	out, err := f.call(ctx, "getTokenWithId", new(big.Int).SetUint64(id))
	if err != nil {
		return common.Address{}, fmt.Errorf("factory getTokenWithId(%d): %w", id, err)
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("factory getTokenWithId(%d): unexpected result type %T", id, out[0])
	}
	return addr, nil
}

func (f *Factory) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := factoryABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := f.client.CallContract(ctx, ethereum.CallMsg{To: &f.address, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	out, err := factoryABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%s: unexpected result len %d", method, len(out))
	}
	return out, nil
}
