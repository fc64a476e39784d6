// Package uniswap holds the thin on-chain bindings the keeper needs: the
// uniswap factory token enumeration, the order-vault read calls backing the
// executor's book checks, and a minimal signing relayer for fills.
package uniswap

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const factoryABIJSON = `[
  {"inputs":[],"name":"tokenCount","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"internalType":"uint256","name":"token_id","type":"uint256"}],"name":"getTokenWithId","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

const vaultABIJSON = `[
  {"inputs":[{"internalType":"bytes","name":"_data","type":"bytes"}],"name":"existOrder","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"internalType":"bytes","name":"_data","type":"bytes"}],"name":"canExecuteOrder","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"internalType":"bytes","name":"_data","type":"bytes"}],"name":"executeOrder","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"anonymous":false,"inputs":[
    {"indexed":true,"internalType":"bytes32","name":"_key","type":"bytes32"},
    {"indexed":true,"internalType":"address","name":"_caller","type":"address"},
    {"indexed":false,"internalType":"uint256","name":"_amount","type":"uint256"},
    {"indexed":false,"internalType":"bytes","name":"_data","type":"bytes"}
  ],"name":"DepositETH","type":"event"}
]`

const erc20ABIJSON = `[
  {"anonymous":false,"inputs":[
    {"indexed":true,"internalType":"address","name":"from","type":"address"},
    {"indexed":true,"internalType":"address","name":"to","type":"address"},
    {"indexed":false,"internalType":"uint256","name":"value","type":"uint256"}
  ],"name":"Transfer","type":"event"}
]`

var (
	factoryABI = mustParseABI(factoryABIJSON)
	vaultABI   = mustParseABI(vaultABIJSON)
	erc20ABI   = mustParseABI(erc20ABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("uniswap: bad ABI literal: %v", err))
	}
	return parsed
}
