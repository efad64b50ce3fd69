package custody

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/rodrigojille/kustodia-sub014/internal/metrics"
	"github.com/rodrigojille/kustodia-sub014/internal/money"
	"github.com/rodrigojille/kustodia-sub014/internal/provider"
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

const custodyABI = `[
	{"inputs":[{"name":"key","type":"bytes32"},{"name":"amount","type":"uint256"},{"name":"duration","type":"uint64"}],"name":"createEscrow","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"key","type":"bytes32"},{"name":"releaseId","type":"bytes32"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"release","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"key","type":"bytes32"},{"name":"disputed","type":"bool"}],"name":"setDisputed","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"key","type":"bytes32"}],"name":"escrowAmount","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"releaseId","type":"bytes32"}],"name":"releaseExecuted","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"}
]`

const (
	// DefaultGasLimit applies when gas estimation fails.
	DefaultGasLimit = uint64(250000)

	DefaultConfirmTimeout = 60 * time.Second
	DefaultPollInterval   = 2 * time.Second
)

var (
	ErrInvalidPrivateKey = errors.New("custody: invalid private key")
	ErrRPCConnection     = errors.New("custody: rpc connection failed")
	ErrReverted          = errors.New("custody: transaction reverted")
	ErrConfirmTimeout    = errors.New("custody: confirmation timeout")
)

// TxError wraps a failure at one step of sending a contract transaction.
type TxError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *TxError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("custody %s failed (tx %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("custody %s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// ChainConfig configures a ChainContract.
type ChainConfig struct {
	RPCURL        string
	PrivateKey    string
	ChainID       int64
	Contract      string
	BridgeWallet  string
	TokenDecimals int32
}

// ChainOption configures a ChainContract.
type ChainOption func(*ChainContract)

// WithEthClient sets a custom Ethereum client.
func WithEthClient(client EthClient) ChainOption {
	return func(c *ChainContract) { c.client = client }
}

// WithPollInterval sets how often receipts are polled.
func WithPollInterval(d time.Duration) ChainOption {
	return func(c *ChainContract) { c.pollInterval = d }
}

// WithConfirmTimeout bounds the wait for a receipt.
func WithConfirmTimeout(d time.Duration) ChainOption {
	return func(c *ChainContract) { c.confirmTimeout = d }
}

// ChainContract implements Contract against an on-chain escrow contract.
// Records are keyed by keccak256(idempotency key) and releases by
// keccak256(release id), so retries are detected through the contract's
// view functions before anything is resent. Released funds go to the
// bridge wallet, which off-ramps them through the custodian.
type ChainContract struct {
	client         EthClient
	privateKey     *ecdsa.PrivateKey
	address        common.Address
	chainID        *big.Int
	contract       common.Address
	bridge         common.Address
	decimals       int32
	abi            abi.ABI
	pollInterval   time.Duration
	confirmTimeout time.Duration
	now            func() time.Time
}

var _ Contract = (*ChainContract)(nil)

// NewChainContract dials the RPC endpoint unless a client option is given.
func NewChainContract(cfg ChainConfig, opts ...ChainOption) (*ChainContract, error) {
	if err := validateChainConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsedABI, err := abi.JSON(strings.NewReader(custodyABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse custody ABI: %w", err)
	}

	c := &ChainContract{
		privateKey:     privateKey,
		address:        crypto.PubkeyToAddress(*publicKey),
		chainID:        big.NewInt(cfg.ChainID),
		contract:       common.HexToAddress(cfg.Contract),
		bridge:         common.HexToAddress(cfg.BridgeWallet),
		decimals:       cfg.TokenDecimals,
		abi:            parsedABI,
		pollInterval:   DefaultPollInterval,
		confirmTimeout: DefaultConfirmTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.client = client
	}
	return c, nil
}

func validateChainConfig(cfg ChainConfig) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if len(strings.TrimPrefix(cfg.PrivateKey, "0x")) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	if !common.IsHexAddress(cfg.Contract) {
		return fmt.Errorf("custody contract address invalid")
	}
	if !common.IsHexAddress(cfg.BridgeWallet) {
		return fmt.Errorf("bridge wallet address invalid")
	}
	return nil
}

// Address returns the signer address.
func (c *ChainContract) Address() string { return c.address.Hex() }

// Close releases the RPC connection.
func (c *ChainContract) Close() {
	c.client.Close()
}

// KeyFor derives the on-chain record key for an idempotency key.
func KeyFor(idempotencyKey string) common.Hash {
	return crypto.Keccak256Hash([]byte(idempotencyKey))
}

func (c *ChainContract) CreateCustody(ctx context.Context, req CreateRequest) (ref *Ref, err error) {
	start := time.Now()
	defer func() { metrics.ObserveAdapterCall(ProviderName, "create", provider.Result(err), time.Since(start)) }()

	if err := validateCreate(req); err != nil {
		return nil, provider.Terminal(ProviderName, "create", "invalid_request", err.Error())
	}
	key := KeyFor(req.IdempotencyKey)
	units := money.ToUnits(req.Amount, c.decimals)

	existing, err := c.escrowAmount(ctx, key)
	if err != nil {
		return nil, provider.Retryable(ProviderName, "create", err)
	}
	if existing.Sign() > 0 {
		if existing.Cmp(units) != 0 {
			return nil, provider.Terminal(ProviderName, "create", "key_conflict", ErrKeyConflict.Error())
		}
		return &Ref{ID: key.Hex(), CreatedAt: c.now()}, nil
	}

	txHash, err := c.transact(ctx, "create", "createEscrow", key, units, uint64(req.Period/time.Second))
	if err != nil {
		return nil, err
	}
	return &Ref{ID: key.Hex(), TxHash: txHash, CreatedAt: c.now()}, nil
}

func (c *ChainContract) Release(ctx context.Context, req ReleaseRequest) (res *ReleaseResult, err error) {
	start := time.Now()
	defer func() { metrics.ObserveAdapterCall(ProviderName, "release", provider.Result(err), time.Since(start)) }()

	if err := validateRelease(req); err != nil {
		return nil, provider.Terminal(ProviderName, "release", "invalid_request", err.Error())
	}
	if !common.IsHexHash(req.Ref) {
		return nil, provider.Terminal(ProviderName, "release", "invalid_request", "ref is not a record key")
	}
	key := common.HexToHash(req.Ref)
	releaseID := KeyFor(req.ReleaseID)

	result := &ReleaseResult{
		ReleaseID:  req.ReleaseID,
		Ref:        req.Ref,
		Amount:     req.Amount,
		Recipient:  req.Recipient,
		ReleasedAt: c.now(),
	}

	done, err := c.releaseExecuted(ctx, releaseID)
	if err != nil {
		return nil, provider.Retryable(ProviderName, "release", err)
	}
	if done {
		return result, nil
	}

	txHash, err := c.transact(ctx, "release", "release", key, releaseID, c.bridge, money.ToUnits(req.Amount, c.decimals))
	if err != nil {
		return nil, err
	}
	result.TxHash = txHash
	return result, nil
}

func (c *ChainContract) FlagDisputed(ctx context.Context, ref string) error {
	return c.setDisputed(ctx, "flag_disputed", ref, true)
}

func (c *ChainContract) ClearDispute(ctx context.Context, ref string) error {
	return c.setDisputed(ctx, "clear_dispute", ref, false)
}

func (c *ChainContract) setDisputed(ctx context.Context, op, ref string, disputed bool) error {
	if !common.IsHexHash(ref) {
		return provider.Terminal(ProviderName, op, "invalid_request", "ref is not a record key")
	}
	_, err := c.transact(ctx, op, "setDisputed", common.HexToHash(ref), disputed)
	return err
}

func (c *ChainContract) escrowAmount(ctx context.Context, key common.Hash) (*big.Int, error) {
	out, err := c.call(ctx, "escrowAmount", key)
	if err != nil {
		return nil, err
	}
	amount, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected escrowAmount output %T", out[0])
	}
	return amount, nil
}

func (c *ChainContract) releaseExecuted(ctx context.Context, releaseID common.Hash) (bool, error) {
	out, err := c.call(ctx, "releaseExecuted", releaseID)
	if err != nil {
		return false, err
	}
	done, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected releaseExecuted output %T", out[0])
	}
	return done, nil
}

func (c *ChainContract) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}
	raw, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}
	out, err := c.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty %s output", method)
	}
	return out, nil
}

// transact signs, sends and confirms a contract call. RPC failures are
// retryable; a reverted receipt is terminal.
func (c *ChainContract) transact(ctx context.Context, op, method string, args ...interface{}) (string, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return "", provider.Terminal(ProviderName, op, "pack", err.Error())
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return "", provider.Retryable(ProviderName, op, &TxError{Op: "nonce", Err: err})
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", provider.Retryable(ProviderName, op, &TxError{Op: "gas_price", Err: err})
	}
	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    &c.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, c.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return "", provider.Terminal(ProviderName, op, "sign", err.Error())
	}
	txHash := signedTx.Hash()
	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return "", provider.Retryable(ProviderName, op, &TxError{Op: "send", TxHash: txHash.Hex(), Err: err})
	}

	if err := c.waitForReceipt(ctx, txHash); err != nil {
		if errors.Is(err, ErrReverted) {
			return "", &provider.Error{
				Provider: ProviderName, Op: op, Kind: provider.KindTerminal,
				Code: "reverted", Err: &TxError{Op: "confirm", TxHash: txHash.Hex(), Err: err},
			}
		}
		return "", provider.Retryable(ProviderName, op, &TxError{Op: "confirm", TxHash: txHash.Hex(), Err: err})
	}
	return txHash.Hex(), nil
}

func (c *ChainContract) waitForReceipt(ctx context.Context, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrConfirmTimeout
			}
			return ctx.Err()
		case <-ticker.C:
			receipt, err := c.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// not mined yet
				continue
			}
			if receipt.Status == types.ReceiptStatusFailed {
				return ErrReverted
			}
			return nil
		}
	}
}

// UnitsToAmount converts on-chain units back to a fiat-denominated amount.
func (c *ChainContract) UnitsToAmount(units *big.Int) decimal.Decimal {
	return money.FromUnits(units, c.decimals)
}
