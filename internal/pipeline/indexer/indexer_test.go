package indexer

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polclau/relayer-node/internal/chain/uniswap"
	"github.com/polclau/relayer-node/internal/domain/model"
	"github.com/polclau/relayer-node/internal/store"
)

var (
	vaultAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	tokenA    = common.HexToAddress("0xaaaa000000000000000000000000000000000001")
	tokenB    = common.HexToAddress("0xaaaa000000000000000000000000000000000002")
)

// Short heuristic for tests: transfer selector plus an 8-byte blob.
const testCalldataLen = 4 + 32 + 32 + 8

func testHeuristic(t *testing.T) *uniswap.CalldataHeuristic {
	t.Helper()
	h, err := uniswap.NewCalldataHeuristic(uniswap.DefaultTransferSelector, testCalldataLen)
	require.NoError(t, err)
	return h
}

func orderInput(blob byte) []byte {
	input := make([]byte, testCalldataLen)
	copy(input, []byte{0xa9, 0x05, 0x9c, 0xbb})
	input[testCalldataLen-1] = blob
	return input
}

func depositLogData(t *testing.T, payload []byte) []byte {
	t.Helper()
	uint256Ty, err := abi.NewType("uint256", "", nil)
	require.NoError(t, err)
	bytesTy, err := abi.NewType("bytes", "", nil)
	require.NoError(t, err)
	data, err := abi.Arguments{{Type: uint256Ty}, {Type: bytesTy}}.Pack(big.NewInt(1), payload)
	require.NoError(t, err)
	return data
}

// --- fakes ---

type fakeScanner struct {
	mu    sync.Mutex
	logs  map[common.Address][]types.Log
	err   error
	scans []common.Address
}

func (f *fakeScanner) Scan(_ context.Context, address common.Address, _ [][]common.Hash, _, _ uint64) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans = append(f.scans, address)
	if f.err != nil {
		return nil, f.err
	}
	return f.logs[address], nil
}

type fakeFetcher struct {
	mu      sync.Mutex
	txs     map[common.Hash]*types.Transaction
	fetches int
	errOnce error
}

func (f *fakeFetcher) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.errOnce != nil {
		err := f.errOnce
		f.errOnce = nil
		return nil, false, err
	}
	tx, ok := f.txs[hash]
	if !ok {
		return nil, false, errors.New("not found")
	}
	return tx, false, nil
}

type fakeRegistry struct {
	tokens   []common.Address
	resolves int
}

func (f *fakeRegistry) TokenCount(context.Context) (uint64, error) {
	return uint64(len(f.tokens)), nil
}

func (f *fakeRegistry) TokenWithID(_ context.Context, id uint64) (common.Address, error) {
	f.resolves++
	if id == 0 || id > uint64(len(f.tokens)) {
		return common.Address{}, errors.New("out of range")
	}
	return f.tokens[id-1], nil
}

type memOrders struct {
	mu       sync.Mutex
	byID     map[string]*model.Order
	byTxHash map[string]struct{}
}

var _ store.OrderRepository = (*memOrders)(nil)

func newMemOrders() *memOrders {
	return &memOrders{byID: map[string]*model.Order{}, byTxHash: map[string]struct{}{}}
}

func (m *memOrders) Save(_ context.Context, order *model.Order) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[order.ID]; ok {
		return false, nil
	}
	m.byID[order.ID] = order
	m.byTxHash[order.TxHash] = struct{}{}
	return true, nil
}

func (m *memOrders) Exists(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byID[id]
	return ok, nil
}

func (m *memOrders) ExistsByTxHash(_ context.Context, txHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byTxHash[txHash]
	return ok, nil
}

func (m *memOrders) GetPending(context.Context) ([]*model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Order
	for _, o := range m.byID {
		if o.Pending() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memOrders) MarkExecuted(_ context.Context, id string, txHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byID[id]
	if !ok || o.ExecutedTx != nil {
		return false, nil
	}
	o.ExecutedTx = &txHash
	return true, nil
}

type memCursor struct {
	mu    sync.Mutex
	block int64
	saves int
}

func (m *memCursor) GetLastMonitored(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.block, nil
}

func (m *memCursor) SaveLastMonitored(_ context.Context, block int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if block > m.block {
		m.block = block
	}
	return nil
}

type collector struct {
	mu     sync.Mutex
	orders []RawOrder
}

func (c *collector) onRawOrder(_ context.Context, raw RawOrder) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders = append(c.orders, raw)
	return nil
}

func newTestIndexer(scanner *fakeScanner, fetcher *fakeFetcher, registry *fakeRegistry,
	orders *memOrders, cursor *memCursor, t *testing.T) *Indexer {
	return New(Config{
		Vault:          vaultAddr,
		StartBlock:     100,
		PoolBatchSize:  2,
		EventBatchSize: 5,
		BatchAttempts:  2,
	}, scanner, fetcher, registry, orders, cursor, testHeuristic(t), nil)
}

// --- tests ---

func TestIndexer_Bootstrap(t *testing.T) {
	cursor := &memCursor{block: 50}
	ix := newTestIndexer(&fakeScanner{}, &fakeFetcher{}, &fakeRegistry{}, newMemOrders(), cursor, t)

	require.NoError(t, ix.Bootstrap(context.Background()))
	assert.Equal(t, uint64(100), ix.LastMonitored(), "start block wins over a stale cursor")

	cursor.block = 250
	require.NoError(t, ix.Bootstrap(context.Background()))
	assert.Equal(t, uint64(250), ix.LastMonitored(), "stored cursor wins once past the start block")
}

func TestIndexer_NoNewBlocksIsNoop(t *testing.T) {
	scanner := &fakeScanner{}
	ix := newTestIndexer(scanner, &fakeFetcher{}, &fakeRegistry{}, newMemOrders(), &memCursor{}, t)
	require.NoError(t, ix.Bootstrap(context.Background()))

	require.NoError(t, ix.GetOrders(context.Background(), 100, func(context.Context, RawOrder) error {
		t.Fatal("no orders expected")
		return nil
	}))
	assert.Empty(t, scanner.scans)
}

func TestIndexer_DiscoverDeposit(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}
	txHash := common.HexToHash("0xd1")
	scanner := &fakeScanner{logs: map[common.Address][]types.Log{
		vaultAddr: {{BlockNumber: 110, TxHash: txHash, Index: 3, Data: depositLogData(t, payload)}},
	}}

	ix := newTestIndexer(scanner, &fakeFetcher{}, &fakeRegistry{}, newMemOrders(), &memCursor{}, t)
	require.NoError(t, ix.Bootstrap(context.Background()))

	var got collector
	require.NoError(t, ix.GetOrders(context.Background(), 200, got.onRawOrder))

	require.Len(t, got.orders, 1)
	assert.Equal(t, payload, got.orders[0].Payload)
	assert.Empty(t, got.orders[0].SourceToken)
	assert.Equal(t, uint64(110), got.orders[0].BlockNumber)
	assert.Equal(t, model.OrderID(txHash, 3), got.orders[0].Model().ID)
}

func TestIndexer_DiscoverTransferOrder(t *testing.T) {
	orderTx := common.HexToHash("0xe1")
	plainTx := common.HexToHash("0xe2")
	scanner := &fakeScanner{logs: map[common.Address][]types.Log{
		tokenA: {
			{BlockNumber: 120, TxHash: orderTx, Index: 0},
			{BlockNumber: 121, TxHash: plainTx, Index: 0},
		},
	}}
	fetcher := &fakeFetcher{txs: map[common.Hash]*types.Transaction{
		orderTx: types.NewTx(&types.LegacyTx{To: &tokenA, Data: orderInput(0x42)}),
		plainTx: types.NewTx(&types.LegacyTx{To: &tokenA, Data: []byte{0xa9, 0x05, 0x9c, 0xbb, 0x01}}),
	}}

	ix := newTestIndexer(scanner, fetcher, &fakeRegistry{tokens: []common.Address{tokenA}},
		newMemOrders(), &memCursor{}, t)
	require.NoError(t, ix.Bootstrap(context.Background()))

	var got collector
	require.NoError(t, ix.GetOrders(context.Background(), 200, got.onRawOrder))

	require.Len(t, got.orders, 1, "only the exact-length calldata qualifies")
	assert.Equal(t, orderInput(0x42), got.orders[0].Payload)
	assert.Equal(t, tokenA.Hex(), got.orders[0].SourceToken)
	assert.Equal(t, 2, fetcher.fetches)
}

func TestIndexer_DenylistedTokenIsSkipped(t *testing.T) {
	scanner := &fakeScanner{logs: map[common.Address][]types.Log{
		tokenB: {{BlockNumber: 120, TxHash: common.HexToHash("0xt3"), Index: 0}},
	}}
	cfg := Config{
		Vault:      vaultAddr,
		StartBlock: 100,
		Denylist:   map[common.Address]struct{}{tokenB: {}},
	}
	ix := New(cfg, scanner, &fakeFetcher{}, &fakeRegistry{tokens: []common.Address{tokenB}},
		newMemOrders(), &memCursor{}, testHeuristic(t), nil)
	require.NoError(t, ix.Bootstrap(context.Background()))

	var got collector
	require.NoError(t, ix.GetOrders(context.Background(), 200, got.onRawOrder))

	assert.Empty(t, got.orders)
	// The vault deposit scan runs; the denylisted token's transfer scan must not.
	for _, addr := range scanner.scans {
		assert.NotEqual(t, tokenB, addr)
	}
}

func TestIndexer_TxLevelDedupWithinPass(t *testing.T) {
	// Two transfer events from the same transaction: one examination, one order.
	orderTx := common.HexToHash("0xt4")
	scanner := &fakeScanner{logs: map[common.Address][]types.Log{
		tokenA: {
			{BlockNumber: 120, TxHash: orderTx, Index: 0},
			{BlockNumber: 120, TxHash: orderTx, Index: 1},
		},
	}}
	fetcher := &fakeFetcher{txs: map[common.Hash]*types.Transaction{
		orderTx: types.NewTx(&types.LegacyTx{To: &tokenA, Data: orderInput(0x01)}),
	}}

	ix := newTestIndexer(scanner, fetcher, &fakeRegistry{tokens: []common.Address{tokenA}},
		newMemOrders(), &memCursor{}, t)
	require.NoError(t, ix.Bootstrap(context.Background()))

	var got collector
	require.NoError(t, ix.GetOrders(context.Background(), 200, got.onRawOrder))

	assert.Len(t, got.orders, 1)
	assert.Equal(t, 1, fetcher.fetches)
}

func TestIndexer_StoredOrderIsNotRefetched(t *testing.T) {
	orderTx := common.HexToHash("0xt5")
	scanner := &fakeScanner{logs: map[common.Address][]types.Log{
		tokenA: {{BlockNumber: 120, TxHash: orderTx, Index: 0}},
	}}
	fetcher := &fakeFetcher{}

	orders := newMemOrders()
	_, err := orders.Save(context.Background(), &model.Order{
		ID: model.OrderID(orderTx, 0), TxHash: orderTx.Hex(),
	})
	require.NoError(t, err)

	ix := newTestIndexer(scanner, fetcher, &fakeRegistry{tokens: []common.Address{tokenA}},
		orders, &memCursor{}, t)
	require.NoError(t, ix.Bootstrap(context.Background()))

	var got collector
	require.NoError(t, ix.GetOrders(context.Background(), 200, got.onRawOrder))

	assert.Empty(t, got.orders)
	assert.Zero(t, fetcher.fetches)
}

func TestIndexer_TransientFetchRetriedWithinBatch(t *testing.T) {
	orderTx := common.HexToHash("0xt6")
	scanner := &fakeScanner{logs: map[common.Address][]types.Log{
		tokenA: {{BlockNumber: 120, TxHash: orderTx, Index: 0}},
	}}
	fetcher := &fakeFetcher{
		errOnce: errors.New("connection reset"),
		txs: map[common.Hash]*types.Transaction{
			orderTx: types.NewTx(&types.LegacyTx{To: &tokenA, Data: orderInput(0x07)}),
		},
	}

	ix := newTestIndexer(scanner, fetcher, &fakeRegistry{tokens: []common.Address{tokenA}},
		newMemOrders(), &memCursor{}, t)
	require.NoError(t, ix.Bootstrap(context.Background()))

	var got collector
	require.NoError(t, ix.GetOrders(context.Background(), 200, got.onRawOrder))

	require.Len(t, got.orders, 1, "batch retry must re-examine the failed event")
	assert.Equal(t, 2, fetcher.fetches)
}

func TestIndexer_CursorAdvancesOnlyOnSuccess(t *testing.T) {
	cursor := &memCursor{}
	scanner := &fakeScanner{err: errors.New("boom")}
	ix := newTestIndexer(scanner, &fakeFetcher{}, &fakeRegistry{}, newMemOrders(), cursor, t)
	require.NoError(t, ix.Bootstrap(context.Background()))

	err := ix.GetOrders(context.Background(), 200, (&collector{}).onRawOrder)
	require.Error(t, err)
	assert.Equal(t, uint64(100), ix.LastMonitored())
	assert.Zero(t, cursor.saves)

	scanner.err = nil
	require.NoError(t, ix.GetOrders(context.Background(), 200, (&collector{}).onRawOrder))
	assert.Equal(t, uint64(200), ix.LastMonitored())
	assert.Equal(t, int64(200), cursor.block)
}

func TestIndexer_TokenResolutionIsMemoized(t *testing.T) {
	registry := &fakeRegistry{tokens: []common.Address{tokenA}}
	ix := newTestIndexer(&fakeScanner{}, &fakeFetcher{}, registry, newMemOrders(), &memCursor{}, t)
	require.NoError(t, ix.Bootstrap(context.Background()))

	require.NoError(t, ix.GetOrders(context.Background(), 200, (&collector{}).onRawOrder))
	require.NoError(t, ix.GetOrders(context.Background(), 300, (&collector{}).onRawOrder))

	assert.Equal(t, 1, registry.resolves, "pool index resolved once across passes")
}
