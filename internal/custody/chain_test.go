package custody

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rodrigojille/kustodia-sub014/internal/provider"
)

const (
	testPrivateKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	testContract   = "0x1234567890123456789012345678901234567890"
	testBridge     = "0x2234567890123456789012345678901234567890"
)

// fakeChain simulates the custody contract behind the EthClient interface.
type fakeChain struct {
	mu        sync.Mutex
	abi       abi.ABI
	escrows   map[common.Hash]*big.Int
	released  map[common.Hash]bool
	disputed  map[common.Hash]bool
	receipts  map[common.Hash]*types.Receipt
	sent      []string
	sendErr   error
	revertAll bool
}

func newFakeChain(t *testing.T) *fakeChain {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(custodyABI))
	require.NoError(t, err)
	return &fakeChain{
		abi:      parsed,
		escrows:  make(map[common.Hash]*big.Int),
		released: make(map[common.Hash]bool),
		disputed: make(map[common.Hash]bool),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 0, errors.New("estimation unavailable")
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}

	method, err := f.abi.MethodById(tx.Data()[:4])
	if err != nil {
		return err
	}
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		return err
	}
	f.sent = append(f.sent, method.Name)

	status := types.ReceiptStatusSuccessful
	switch {
	case f.revertAll:
		status = types.ReceiptStatusFailed
	case method.Name == "createEscrow":
		key := common.Hash(args[0].([32]byte))
		if _, ok := f.escrows[key]; ok {
			status = types.ReceiptStatusFailed
		} else {
			f.escrows[key] = args[1].(*big.Int)
		}
	case method.Name == "release":
		key := common.Hash(args[0].([32]byte))
		rid := common.Hash(args[1].([32]byte))
		if f.disputed[key] || f.released[rid] {
			status = types.ReceiptStatusFailed
		} else {
			f.released[rid] = true
		}
	case method.Name == "setDisputed":
		f.disputed[common.Hash(args[0].([32]byte))] = args[1].(bool)
	}

	f.receipts[tx.Hash()] = &types.Receipt{Status: status, BlockNumber: big.NewInt(100)}
	return nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeChain) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	method, err := f.abi.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, err
	}
	key := common.Hash(args[0].([32]byte))

	switch method.Name {
	case "escrowAmount":
		amount, ok := f.escrows[key]
		if !ok {
			amount = big.NewInt(0)
		}
		return method.Outputs.Pack(amount)
	case "releaseExecuted":
		return method.Outputs.Pack(f.released[key])
	}
	return nil, errors.New("unexpected call " + method.Name)
}

func (f *fakeChain) Close() {}

func (f *fakeChain) sentCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s == name {
			n++
		}
	}
	return n
}

func newTestChainContract(t *testing.T, chain *fakeChain) *ChainContract {
	t.Helper()
	c, err := NewChainContract(ChainConfig{
		RPCURL:        "http://localhost:8545",
		PrivateKey:    testPrivateKey,
		ChainID:       84532,
		Contract:      testContract,
		BridgeWallet:  testBridge,
		TokenDecimals: 6,
	}, WithEthClient(chain), WithPollInterval(time.Millisecond), WithConfirmTimeout(time.Second))
	require.NoError(t, err)
	return c
}

func TestNewChainContract_ValidatesConfig(t *testing.T) {
	_, err := NewChainContract(ChainConfig{RPCURL: "http://x", PrivateKey: "abc", ChainID: 1, Contract: testContract, BridgeWallet: testBridge})
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)

	_, err = NewChainContract(ChainConfig{PrivateKey: testPrivateKey, ChainID: 1, Contract: testContract, BridgeWallet: testBridge})
	assert.ErrorIs(t, err, ErrRPCConnection)

	_, err = NewChainContract(ChainConfig{RPCURL: "http://x", PrivateKey: testPrivateKey, ChainID: 1, Contract: "nope", BridgeWallet: testBridge})
	assert.Error(t, err)
}

func TestChain_CreateCustody_Idempotent(t *testing.T) {
	chain := newFakeChain(t)
	c := newTestChainContract(t, chain)
	ctx := context.Background()

	req := CreateRequest{IdempotencyKey: "pay_1:create_custody", PaymentID: "pay_1", Amount: decimal.RequireFromString("6000.50"), Period: time.Hour}
	first, err := c.CreateCustody(ctx, req)
	require.NoError(t, err)
	assert.NotEmpty(t, first.TxHash)
	assert.Equal(t, KeyFor(req.IdempotencyKey).Hex(), first.ID)

	second, err := c.CreateCustody(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Empty(t, second.TxHash)
	assert.Equal(t, 1, chain.sentCount("createEscrow"))

	assert.True(t, c.UnitsToAmount(chain.escrows[KeyFor(req.IdempotencyKey)]).Equal(req.Amount))
}

func TestChain_CreateCustody_KeyConflict(t *testing.T) {
	chain := newFakeChain(t)
	c := newTestChainContract(t, chain)
	ctx := context.Background()

	req := CreateRequest{IdempotencyKey: "k", PaymentID: "pay_1", Amount: decimal.NewFromInt(10)}
	_, err := c.CreateCustody(ctx, req)
	require.NoError(t, err)

	req.Amount = decimal.NewFromInt(11)
	_, err = c.CreateCustody(ctx, req)
	require.Error(t, err)
	assert.True(t, provider.IsTerminal(err))
}

func TestChain_Release_Idempotent(t *testing.T) {
	chain := newFakeChain(t)
	c := newTestChainContract(t, chain)
	ctx := context.Background()

	ref, err := c.CreateCustody(ctx, CreateRequest{IdempotencyKey: "k", PaymentID: "pay_1", Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)

	req := ReleaseRequest{ReleaseID: "pay_1:release", Ref: ref.ID, Amount: decimal.NewFromInt(10), Recipient: "seller"}
	res, err := c.Release(ctx, req)
	require.NoError(t, err)
	assert.NotEmpty(t, res.TxHash)

	again, err := c.Release(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, again.TxHash)
	assert.Equal(t, 1, chain.sentCount("release"))
}

func TestChain_Release_RevertedIsTerminal(t *testing.T) {
	chain := newFakeChain(t)
	c := newTestChainContract(t, chain)
	ctx := context.Background()

	ref, err := c.CreateCustody(ctx, CreateRequest{IdempotencyKey: "k", PaymentID: "pay_1", Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	require.NoError(t, c.FlagDisputed(ctx, ref.ID))

	_, err = c.Release(ctx, ReleaseRequest{ReleaseID: "r", Ref: ref.ID, Amount: decimal.NewFromInt(10), Recipient: "seller"})
	require.Error(t, err)
	assert.True(t, provider.IsTerminal(err))
	assert.ErrorIs(t, err, ErrReverted)
}

func TestChain_SendFailureIsRetryable(t *testing.T) {
	chain := newFakeChain(t)
	chain.sendErr = errors.New("connection reset")
	c := newTestChainContract(t, chain)

	_, err := c.CreateCustody(context.Background(), CreateRequest{IdempotencyKey: "k", PaymentID: "pay_1", Amount: decimal.NewFromInt(10)})
	require.Error(t, err)
	assert.True(t, provider.IsRetryable(err))

	var txErr *TxError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, "send", txErr.Op)
}

func TestChain_Release_InvalidRef(t *testing.T) {
	c := newTestChainContract(t, newFakeChain(t))

	_, err := c.Release(context.Background(), ReleaseRequest{ReleaseID: "r", Ref: "cst_123", Amount: decimal.NewFromInt(1), Recipient: "seller"})
	require.Error(t, err)
	assert.True(t, provider.IsTerminal(err))
}
