package wallet

import (
	"context"
	"fmt"
	"math/big"
	"time"
)

// ReceiptStatus is the resolution of a submitted transfer.
type ReceiptStatus string

// Receipt resolutions. Pending means the chain has not yet answered within
// the caller's deadline; the attempt stays unresolved and is reconciled later.
const (
	ReceiptConfirmed ReceiptStatus = "confirmed"
	ReceiptPending   ReceiptStatus = "pending"
	ReceiptReverted  ReceiptStatus = "reverted"
)

// TokenWallet captures the functionality the distributor requires from the
// custodial token wallet.
type TokenWallet interface {
	// Transfer submits an ERC-20 transfer of amount base units to the
	// destination address and returns the transaction hash. Implementations
	// serialize submission so concurrent callers cannot collide on nonces.
	Transfer(ctx context.Context, destination string, amount *big.Int) (string, error)
	// WaitForReceipt polls for the transaction receipt until the timeout
	// elapses. A timeout yields ReceiptPending, not an error.
	WaitForReceipt(ctx context.Context, txHash string, timeout time.Duration) (ReceiptStatus, error)
	// BalanceOf returns the token balance of the supplied address in base units.
	BalanceOf(ctx context.Context, address string) (*big.Int, error)
	// Decimals reports the token's decimal exponent.
	Decimals() uint8
}

// FuncWallet adapts callback functions to the TokenWallet interface.
type FuncWallet struct {
	TransferFunc  func(ctx context.Context, destination string, amount *big.Int) (string, error)
	ReceiptFunc   func(ctx context.Context, txHash string, timeout time.Duration) (ReceiptStatus, error)
	BalanceFunc   func(ctx context.Context, address string) (*big.Int, error)
	TokenDecimals uint8
}

// Transfer delegates to the configured callback.
func (w FuncWallet) Transfer(ctx context.Context, destination string, amount *big.Int) (string, error) {
	if w.TransferFunc == nil {
		return "", nil
	}
	return w.TransferFunc(ctx, destination, amount)
}

// WaitForReceipt delegates to the configured callback.
func (w FuncWallet) WaitForReceipt(ctx context.Context, txHash string, timeout time.Duration) (ReceiptStatus, error) {
	if w.ReceiptFunc == nil {
		return ReceiptConfirmed, nil
	}
	return w.ReceiptFunc(ctx, txHash, timeout)
}

// BalanceOf delegates to the configured callback.
func (w FuncWallet) BalanceOf(ctx context.Context, address string) (*big.Int, error) {
	if w.BalanceFunc == nil {
		return big.NewInt(0), nil
	}
	return w.BalanceFunc(ctx, address)
}

// Decimals reports the configured decimal exponent.
func (w FuncWallet) Decimals() uint8 { return w.TokenDecimals }

// ToBaseUnits scales a whole-token amount by the token's decimal exponent.
// This is the single place display units become on-chain units; callers must
// scale exactly once.
func ToBaseUnits(tokens int64, decimals uint8) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return new(big.Int).Mul(big.NewInt(tokens), scale)
}

// FromBaseUnits converts an on-chain amount back to whole tokens. It fails
// when the amount is not an exact multiple of the decimal scale, which would
// indicate a scaling bug upstream.
func FromBaseUnits(amount *big.Int, decimals uint8) (int64, error) {
	if amount == nil {
		return 0, fmt.Errorf("wallet: nil amount")
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	quo, rem := new(big.Int).QuoRem(amount, scale, new(big.Int))
	if rem.Sign() != 0 {
		return 0, fmt.Errorf("wallet: amount %s is not a whole multiple of 10^%d", amount, decimals)
	}
	if !quo.IsInt64() {
		return 0, fmt.Errorf("wallet: amount %s overflows token units", amount)
	}
	return quo.Int64(), nil
}
