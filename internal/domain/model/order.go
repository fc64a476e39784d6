package model

import (
	"encoding/binary"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// InvalidatedTx is the sentinel stored in executed_tx when an order is found
// to no longer exist on chain (cancelled or filled out-of-band). It removes
// the order from future pending scans without claiming a fill occurred.
const InvalidatedTx = "0xffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"

// Order is a limit order discovered on chain. The raw payload is carried
// opaquely; the economic fields are filled in by an external decoder and may
// be nil until then.
type Order struct {
	ID      string `db:"id"`
	Payload []byte `db:"payload"`

	// Decoded economic fields, opaque to the indexing core.
	Owner       *string `db:"owner"`
	InputToken  *string `db:"input_token"`
	OutputToken *string `db:"output_token"`
	MinReturn   *string `db:"min_return"`
	Fee         *string `db:"fee"`
	Amount      *string `db:"amount"`

	// Discovery metadata.
	SourceToken string `db:"source_token"` // emitting token address; empty for native-asset deposits
	BlockNumber int64  `db:"block_number"`
	TxHash      string `db:"tx_hash"`
	LogIndex    int64  `db:"log_index"`

	// Execution outcome. NULL while pending; the fill tx hash on success;
	// InvalidatedTx when the order vanished.
	ExecutedTx *string `db:"executed_tx"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// OrderID derives the canonical order id from the discovering event.
// keccak256(txHash || logIndex) is stable and collision-free across rescans
// of the same event, including the duplicate delivery at a bisection seam.
func OrderID(txHash common.Hash, logIndex uint) string {
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(logIndex))
	return crypto.Keccak256Hash(txHash.Bytes(), idx[:]).Hex()
}

// Pending reports whether the order has not yet reached a terminal state.
func (o *Order) Pending() bool {
	return o.ExecutedTx == nil
}

// Invalidated reports whether the order was terminally marked as vanished.
func (o *Order) Invalidated() bool {
	return o.ExecutedTx != nil && *o.ExecutedTx == InvalidatedTx
}
