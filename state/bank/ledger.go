package bank

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/text/unicode/norm"

	"nhblend/core/state"
)

var (
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	ErrInvalidAmount       = errors.New("bank: amount must be positive")
	ErrBalanceOverflow     = errors.New("bank: balance overflow")
	ErrUnknownAsset        = errors.New("bank: asset must not be empty")
)

// Ledger keeps fungible balances per (asset, account) inside the caller's
// state transaction. Funds held on behalf of the lending engine sit on the
// custody account.
type Ledger struct {
	custody common.Address
}

func NewLedger(custody common.Address) *Ledger {
	return &Ledger{custody: custody}
}

// Custody returns the account that holds engine-controlled funds.
func (l *Ledger) Custody() common.Address { return l.custody }

func balanceKey(asset string, addr common.Address) []byte {
	return []byte(fmt.Sprintf("bank/balance/%s/%x", asset, addr.Bytes()))
}

func normalizeAsset(asset string) (string, error) {
	trimmed := strings.ToUpper(norm.NFKC.String(strings.TrimSpace(asset)))
	if trimmed == "" {
		return "", ErrUnknownAsset
	}
	return trimmed, nil
}

func (l *Ledger) load(kv state.KV, asset string, addr common.Address) (*uint256.Int, error) {
	stored := new(big.Int)
	ok, err := kv.KVGet(balanceKey(asset, addr), stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return new(uint256.Int), nil
	}
	balance, overflow := uint256.FromBig(stored)
	if overflow {
		return nil, ErrBalanceOverflow
	}
	return balance, nil
}

func (l *Ledger) store(kv state.KV, asset string, addr common.Address, balance *uint256.Int) error {
	if balance.IsZero() {
		return kv.KVDelete(balanceKey(asset, addr))
	}
	return kv.KVPut(balanceKey(asset, addr), balance.ToBig())
}

func toUint256(amount *big.Int) (*uint256.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	v, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrBalanceOverflow
	}
	return v, nil
}

// Balance returns the current balance of addr in asset.
func (l *Ledger) Balance(kv state.KV, asset string, addr common.Address) (*big.Int, error) {
	asset, err := normalizeAsset(asset)
	if err != nil {
		return nil, err
	}
	balance, err := l.load(kv, asset, addr)
	if err != nil {
		return nil, err
	}
	return balance.ToBig(), nil
}

// Credit mints amount into addr. It is used for genesis allocations and
// tests.
func (l *Ledger) Credit(kv state.KV, asset string, addr common.Address, amount *big.Int) error {
	asset, err := normalizeAsset(asset)
	if err != nil {
		return err
	}
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	balance, err := l.load(kv, asset, addr)
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(balance, value)
	if overflow {
		return ErrBalanceOverflow
	}
	return l.store(kv, asset, addr, next)
}

// Transfer moves amount of asset between two accounts.
func (l *Ledger) Transfer(kv state.KV, asset string, from, to common.Address, amount *big.Int) error {
	asset, err := normalizeAsset(asset)
	if err != nil {
		return err
	}
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	if from == to {
		return nil
	}
	fromBal, err := l.load(kv, asset, from)
	if err != nil {
		return err
	}
	if fromBal.Lt(value) {
		return fmt.Errorf("%w: %s has %s %s, needs %s", ErrInsufficientBalance, from.Hex(), fromBal.Dec(), asset, value.Dec())
	}
	toBal, err := l.load(kv, asset, to)
	if err != nil {
		return err
	}
	nextTo, overflow := new(uint256.Int).AddOverflow(toBal, value)
	if overflow {
		return ErrBalanceOverflow
	}
	if err := l.store(kv, asset, from, new(uint256.Int).Sub(fromBal, value)); err != nil {
		return err
	}
	return l.store(kv, asset, to, nextTo)
}

// TransferIn pulls amount from the account into custody.
func (l *Ledger) TransferIn(ctx context.Context, kv state.KV, asset string, from common.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.Transfer(kv, asset, from, l.custody, amount)
}

// TransferOut pays amount from custody to the account.
func (l *Ledger) TransferOut(ctx context.Context, kv state.KV, asset string, to common.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.Transfer(kv, asset, l.custody, to, amount)
}
