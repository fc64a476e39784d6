package chain

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// Result-size ceiling detection. Providers refuse eth_getLogs queries whose
// result set exceeds their enumeration ceiling; the refusal is a defined
// trigger for range bisection, not a failure. Codes and message shapes vary
// per provider, so detection combines the JSON-RPC error code with message
// tokens, the same way transient classification does.

// jsonrpcLimitExceeded is the code Infura-style gateways use for
// "query returned more than N results".
const jsonrpcLimitExceeded = -32005

var ceilingMessageTokens = []string{
	"query returned more than",
	"log response size exceeded",
	"response size exceeded",
	"result set too large",
	"exceeds max results",
	"too many results",
	"block range is too wide",
	"exceed maximum block range",
}

// IsResultCeiling reports whether err is a provider refusal caused by the
// result-size ceiling of a log-range query.
func IsResultCeiling(err error) bool {
	if err == nil {
		return false
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == jsonrpcLimitExceeded {
		return true
	}

	lower := strings.ToLower(err.Error())
	for _, token := range ceilingMessageTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}
