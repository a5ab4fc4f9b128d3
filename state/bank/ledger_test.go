package bank

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"nhblend/core/state"
	"nhblend/storage"
)

var (
	custody = common.HexToAddress("0xc0")
	alice   = common.HexToAddress("0xa1")
)

func newLedgerState(t *testing.T) *state.Manager {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	return state.NewManager(db)
}

func TestTransferInAndOut(t *testing.T) {
	mgr := newLedgerState(t)
	ledger := NewLedger(custody)
	ctx := context.Background()

	err := mgr.Update(func(kv state.KV) error {
		if err := ledger.Credit(kv, "usdc", alice, big.NewInt(500)); err != nil {
			return err
		}
		if err := ledger.TransferIn(ctx, kv, "USDC", alice, big.NewInt(200)); err != nil {
			return err
		}
		return ledger.TransferOut(ctx, kv, "usdc", alice, big.NewInt(50))
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	_ = mgr.View(func(kv state.KV) error {
		bal, err := ledger.Balance(kv, "usdc", alice)
		if err != nil {
			t.Fatalf("balance: %v", err)
		}
		if bal.Cmp(big.NewInt(350)) != 0 {
			t.Fatalf("unexpected alice balance: %s", bal)
		}
		held, err := ledger.Balance(kv, "usdc", custody)
		if err != nil {
			t.Fatalf("custody balance: %v", err)
		}
		if held.Cmp(big.NewInt(150)) != 0 {
			t.Fatalf("unexpected custody balance: %s", held)
		}
		return nil
	})
}

func TestTransferInsufficientBalance(t *testing.T) {
	mgr := newLedgerState(t)
	ledger := NewLedger(custody)

	err := mgr.Update(func(kv state.KV) error {
		if err := ledger.Credit(kv, "ETH", alice, big.NewInt(10)); err != nil {
			return err
		}
		return ledger.TransferIn(context.Background(), kv, "ETH", alice, big.NewInt(11))
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	_ = mgr.View(func(kv state.KV) error {
		bal, _ := ledger.Balance(kv, "ETH", alice)
		if bal.Sign() != 0 {
			t.Fatalf("failed transaction should not persist credit, got %s", bal)
		}
		return nil
	})
}

func TestRejectsNonPositiveAmounts(t *testing.T) {
	mgr := newLedgerState(t)
	ledger := NewLedger(custody)
	for _, amount := range []*big.Int{nil, big.NewInt(0), big.NewInt(-3)} {
		err := mgr.Update(func(kv state.KV) error {
			return ledger.Credit(kv, "ETH", alice, amount)
		})
		if !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %v: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestCreditOverflow(t *testing.T) {
	mgr := newLedgerState(t)
	ledger := NewLedger(custody)
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	err := mgr.Update(func(kv state.KV) error {
		if err := ledger.Credit(kv, "ETH", alice, max); err != nil {
			return err
		}
		return ledger.Credit(kv, "ETH", alice, big.NewInt(1))
	})
	if !errors.Is(err, ErrBalanceOverflow) {
		t.Fatalf("expected ErrBalanceOverflow, got %v", err)
	}
}

func TestFullWidthAssetSharesBalance(t *testing.T) {
	mgr := newLedgerState(t)
	ledger := NewLedger(custody)

	err := mgr.Update(func(kv state.KV) error {
		return ledger.Credit(kv, "ｕｓｄｃ", alice, big.NewInt(75))
	})
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	_ = mgr.View(func(kv state.KV) error {
		bal, err := ledger.Balance(kv, "USDC", alice)
		if err != nil {
			t.Fatalf("balance: %v", err)
		}
		if bal.Cmp(big.NewInt(75)) != 0 {
			t.Fatalf("full-width credit landed elsewhere: %s", bal)
		}
		return nil
	})
}
