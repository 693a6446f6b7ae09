package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const erc20ABIJSON = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"}
]`

const defaultGasLimit = 90000

var (
	erc20ABIOnce sync.Once
	erc20ABI     abi.ABI
	erc20ABIErr  error
)

func tokenABI() (abi.ABI, error) {
	erc20ABIOnce.Do(func() {
		erc20ABI, erc20ABIErr = abi.JSON(strings.NewReader(erc20ABIJSON))
	})
	return erc20ABI, erc20ABIErr
}

// EVMClient defines the subset of the Ethereum RPC used by the wallet.
type EVMClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Config captures the parameters for the custodial ERC-20 wallet.
type Config struct {
	RPCURL       string
	SignerKeyHex string
	TokenAddress string
	ChainID      int64
	// Decimals overrides the on-chain decimals() lookup when non-zero.
	Decimals     uint8
	PollInterval time.Duration
}

// ERC20Wallet signs and submits token transfers from the custodial
// distributor account. Submission is serialized so concurrent distributions
// cannot collide on the account nonce.
type ERC20Wallet struct {
	client       EVMClient
	key          *ecdsa.PrivateKey
	from         common.Address
	token        common.Address
	chainID      *big.Int
	decimals     uint8
	pollInterval time.Duration

	submitMu sync.Mutex
}

// Dial connects to the configured RPC endpoint and initialises the wallet,
// querying the token's decimal exponent when not configured explicitly.
func Dial(ctx context.Context, cfg Config) (*ERC20Wallet, error) {
	endpoint := strings.TrimSpace(cfg.RPCURL)
	if endpoint == "" {
		return nil, fmt.Errorf("wallet: rpc endpoint required")
	}
	client, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("wallet: dial %s: %w", endpoint, err)
	}
	return New(ctx, client, cfg)
}

// New constructs a wallet on an existing client connection.
func New(ctx context.Context, client EVMClient, cfg Config) (*ERC20Wallet, error) {
	if client == nil {
		return nil, fmt.Errorf("wallet: client required")
	}
	if !common.IsHexAddress(cfg.TokenAddress) {
		return nil, fmt.Errorf("wallet: invalid token contract address %q", cfg.TokenAddress)
	}
	if cfg.ChainID <= 0 {
		return nil, fmt.Errorf("wallet: chain id required")
	}
	key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.SignerKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("wallet: parse signer key: %w", err)
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	w := &ERC20Wallet{
		client:       client,
		key:          key,
		from:         gethcrypto.PubkeyToAddress(key.PublicKey),
		token:        common.HexToAddress(cfg.TokenAddress),
		chainID:      big.NewInt(cfg.ChainID),
		decimals:     cfg.Decimals,
		pollInterval: pollInterval,
	}
	if w.decimals == 0 {
		decimals, err := w.queryDecimals(ctx)
		if err != nil {
			return nil, err
		}
		w.decimals = decimals
	}
	return w, nil
}

// Address returns the custodial account address.
func (w *ERC20Wallet) Address() string { return w.from.Hex() }

// Decimals reports the token's decimal exponent.
func (w *ERC20Wallet) Decimals() uint8 { return w.decimals }

// Transfer submits transfer(destination, amount) against the token contract
// signed by the custodial key. Amount is in base units; the caller scales
// exactly once via ToBaseUnits.
func (w *ERC20Wallet) Transfer(ctx context.Context, destination string, amount *big.Int) (string, error) {
	if !common.IsHexAddress(destination) {
		return "", fmt.Errorf("wallet: invalid destination address %q", destination)
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("wallet: amount must be positive")
	}
	parsed, err := tokenABI()
	if err != nil {
		return "", fmt.Errorf("wallet: token abi: %w", err)
	}
	data, err := parsed.Pack("transfer", common.HexToAddress(destination), amount)
	if err != nil {
		return "", fmt.Errorf("wallet: pack transfer: %w", err)
	}

	// Nonce acquisition through send must not interleave across callers.
	w.submitMu.Lock()
	defer w.submitMu.Unlock()

	nonce, err := w.client.PendingNonceAt(ctx, w.from)
	if err != nil {
		return "", fmt.Errorf("wallet: pending nonce: %w", err)
	}
	gasPrice, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("wallet: suggest gas price: %w", err)
	}

	tx := gethtypes.NewTransaction(nonce, w.token, big.NewInt(0), defaultGasLimit, gasPrice, data)
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(w.chainID), w.key)
	if err != nil {
		return "", fmt.Errorf("wallet: sign transfer: %w", err)
	}
	if err := w.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("wallet: submit transfer: %w", err)
	}
	return signed.Hash().Hex(), nil
}

// WaitForReceipt polls for the transaction receipt until the timeout elapses.
// An unanswered deadline yields ReceiptPending so the attempt stays
// unresolved for a later reconciliation pass.
func (w *ERC20Wallet) WaitForReceipt(ctx context.Context, txHash string, timeout time.Duration) (ReceiptStatus, error) {
	deadline := time.Now().Add(timeout)
	hash := common.HexToHash(txHash)
	for {
		status, err := w.ReceiptStatus(ctx, hash)
		if err != nil {
			return ReceiptPending, err
		}
		if status != ReceiptPending {
			return status, nil
		}
		if time.Now().After(deadline) {
			return ReceiptPending, nil
		}
		select {
		case <-ctx.Done():
			return ReceiptPending, ctx.Err()
		case <-time.After(w.pollInterval):
		}
	}
}

// ReceiptStatus resolves the current chain state of a submitted transaction.
func (w *ERC20Wallet) ReceiptStatus(ctx context.Context, hash common.Hash) (ReceiptStatus, error) {
	receipt, err := w.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return ReceiptPending, nil
		}
		return ReceiptPending, fmt.Errorf("wallet: fetch receipt: %w", err)
	}
	if receipt == nil {
		return ReceiptPending, nil
	}
	if receipt.Status == gethtypes.ReceiptStatusSuccessful {
		return ReceiptConfirmed, nil
	}
	return ReceiptReverted, nil
}

// BalanceOf returns the token balance of the supplied address in base units.
func (w *ERC20Wallet) BalanceOf(ctx context.Context, address string) (*big.Int, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("wallet: invalid address %q", address)
	}
	parsed, err := tokenABI()
	if err != nil {
		return nil, fmt.Errorf("wallet: token abi: %w", err)
	}
	data, err := parsed.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return nil, fmt.Errorf("wallet: pack balanceOf: %w", err)
	}
	raw, err := w.client.CallContract(ctx, ethereum.CallMsg{To: &w.token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("wallet: call balanceOf: %w", err)
	}
	values, err := parsed.Unpack("balanceOf", raw)
	if err != nil {
		return nil, fmt.Errorf("wallet: unpack balanceOf: %w", err)
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("wallet: unexpected balanceOf result")
	}
	return balance, nil
}

func (w *ERC20Wallet) queryDecimals(ctx context.Context) (uint8, error) {
	parsed, err := tokenABI()
	if err != nil {
		return 0, fmt.Errorf("wallet: token abi: %w", err)
	}
	data, err := parsed.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("wallet: pack decimals: %w", err)
	}
	raw, err := w.client.CallContract(ctx, ethereum.CallMsg{To: &w.token, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("wallet: call decimals: %w", err)
	}
	values, err := parsed.Unpack("decimals", raw)
	if err != nil {
		return 0, fmt.Errorf("wallet: unpack decimals: %w", err)
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("wallet: unexpected decimals result")
	}
	return decimals, nil
}
