package uniswap

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/polclau/relayer-node/internal/domain/model"
)

// DefaultTransferSelector is the 4-byte selector of transfer(address,uint256).
const DefaultTransferSelector = "a9059cbb"

// DefaultOrderCalldataLen is the exact byte length of a transfer call carrying
// an appended order blob under the current encoding version: 4 selector bytes,
// two 32-byte ABI words, and a 256-byte order payload.
const DefaultOrderCalldataLen = 4 + 32 + 32 + 256

// DepositETHTopic is the topic0 of the vault's DepositETH event, emitted for
// native-asset orders.
func DepositETHTopic() common.Hash {
	return vaultABI.Events["DepositETH"].ID
}

// TransferTopic is the topic0 of the ERC20 Transfer event.
func TransferTopic() common.Hash {
	return erc20ABI.Events["Transfer"].ID
}

// UnpackDepositETH extracts the order blob from a DepositETH event's data.
func UnpackDepositETH(lg types.Log) ([]byte, error) {
	vals, err := vaultABI.Unpack("DepositETH", lg.Data)
	if err != nil {
		return nil, fmt.Errorf("unpack DepositETH: %w", err)
	}
	if len(vals) != 2 {
		return nil, fmt.Errorf("unpack DepositETH: unexpected field count %d", len(vals))
	}
	blob, ok := vals[1].([]byte)
	if !ok {
		return nil, fmt.Errorf("unpack DepositETH: unexpected data type %T", vals[1])
	}
	return blob, nil
}

// CalldataHeuristic recognizes token-transfer transactions that smuggle an
// order blob behind the ABI-encoded arguments. The match is deliberately
// exact: right selector AND exactly the expected total length. One byte off
// either way is not an order. The length is tied to a single upstream
// encoding version, which is why both knobs come from configuration.
type CalldataHeuristic struct {
	selector []byte
	length   int
}

// NewCalldataHeuristic builds a heuristic from a hex selector (with or
// without 0x) and the expected total calldata length in bytes.
func NewCalldataHeuristic(selectorHex string, length int) (*CalldataHeuristic, error) {
	if len(selectorHex) >= 2 && selectorHex[:2] == "0x" {
		selectorHex = selectorHex[2:]
	}
	sel, err := hex.DecodeString(selectorHex)
	if err != nil {
		return nil, fmt.Errorf("heuristic: bad selector %q: %w", selectorHex, err)
	}
	if len(sel) != 4 {
		return nil, fmt.Errorf("heuristic: selector must be 4 bytes, got %d", len(sel))
	}
	if length <= len(sel) {
		return nil, fmt.Errorf("heuristic: calldata length %d too short", length)
	}
	return &CalldataHeuristic{selector: sel, length: length}, nil
}

// Matches reports whether input is a candidate order-carrying transfer call.
func (h *CalldataHeuristic) Matches(input []byte) bool {
	return len(input) == h.length && bytes.Equal(input[:4], h.selector)
}

// OrderData extracts the appended order blob from a matching input. The blob
// is everything after the two ABI-encoded transfer arguments.
func (h *CalldataHeuristic) OrderData(input []byte) []byte {
	if !h.Matches(input) {
		return nil
	}
	return input[4+32+32:]
}

// VaultBook answers order-book questions by read-calling the vault contract.
// The economics live on-chain; this side only relays the answer.
type VaultBook struct {
	address common.Address
	client  ContractCaller
}

func NewVaultBook(client ContractCaller, address common.Address) *VaultBook {
	return &VaultBook{address: address, client: client}
}

// Exists reports whether the vault still knows the order. False means the
// order was executed or cancelled on-chain behind our back.
func (b *VaultBook) Exists(ctx context.Context, order *model.Order) (bool, error) {
	ok, err := b.boolCall(ctx, "existOrder", order.Payload)
	if err != nil {
		return false, fmt.Errorf("vault existOrder: %w", err)
	}
	return ok, nil
}

// CanExecute reports whether the fill conditions are currently satisfied.
func (b *VaultBook) CanExecute(ctx context.Context, order *model.Order) (bool, error) {
	ok, err := b.boolCall(ctx, "canExecuteOrder", order.Payload)
	if err != nil {
		return false, fmt.Errorf("vault canExecuteOrder: %w", err)
	}
	return ok, nil
}

func (b *VaultBook) boolCall(ctx context.Context, method string, payload []byte) (bool, error) {
	data, err := vaultABI.Pack(method, payload)
	if err != nil {
		return false, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := b.client.CallContract(ctx, ethereum.CallMsg{To: &b.address, Data: data}, nil)
	if err != nil {
		return false, err
	}
	out, err := vaultABI.Unpack(method, raw)
	if err != nil {
		return false, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) != 1 {
		return false, fmt.Errorf("%s: unexpected result len %d", method, len(out))
	}
	ok, isBool := out[0].(bool)
	if !isBool {
		return false, fmt.Errorf("%s: unexpected result type %T", method, out[0])
	}
	return ok, nil
}
