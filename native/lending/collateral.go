package lending

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"nhblend/core/events"
)

// deposit pulls amount of asset from owner into custody and credits the
// owner's collateral account.
func (e *Engine) deposit(u *unit, owner common.Address, asset string, amount *big.Int) (*CollateralAccount, error) {
	cfg, ok := e.collateralConfig(asset)
	if !ok || !cfg.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrCollateralNotAccepted, asset)
	}
	if !isPositive(amount) {
		return nil, ErrInvalidAmount
	}
	if cfg.MinDeposit != nil && amount.Cmp(cfg.MinDeposit) < 0 {
		return nil, fmt.Errorf("%w: %s < %s", ErrAmountBelowMinimum, amount, cfg.MinDeposit)
	}
	acct, err := loadCollateral(u.kv, owner, asset)
	if err != nil {
		return nil, err
	}
	if err := e.bank.TransferIn(u.ctx, u.kv, asset, owner, amount); err != nil {
		return nil, fmt.Errorf("collateral transfer in: %w", err)
	}
	acct.Deposited = new(big.Int).Add(acct.Deposited, amount)
	acct.LastUpdate = u.now
	if err := storeCollateral(u.kv, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// withdraw releases unlocked collateral from custody to recipient.
func (e *Engine) withdraw(u *unit, owner common.Address, asset string, amount *big.Int, recipient common.Address) (*CollateralAccount, error) {
	if !isPositive(amount) {
		return nil, ErrInvalidAmount
	}
	if recipient == (common.Address{}) {
		return nil, ErrInvalidRecipient
	}
	acct, err := loadCollateral(u.kv, owner, asset)
	if err != nil {
		return nil, err
	}
	if amount.Cmp(acct.Available()) > 0 {
		return nil, fmt.Errorf("%w: requested %s, available %s", ErrInsufficientFree, amount, acct.Available())
	}
	if err := e.bank.TransferOut(u.ctx, u.kv, asset, recipient, amount); err != nil {
		return nil, fmt.Errorf("collateral transfer out: %w", err)
	}
	acct.Deposited = new(big.Int).Sub(acct.Deposited, amount)
	acct.LastUpdate = u.now
	if err := storeCollateral(u.kv, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// lock reserves free collateral for a position.
func (e *Engine) lock(u *unit, owner common.Address, asset string, amount *big.Int) error {
	if !isPositive(amount) {
		return ErrInvalidAmount
	}
	acct, err := loadCollateral(u.kv, owner, asset)
	if err != nil {
		return err
	}
	if amount.Cmp(acct.Available()) > 0 {
		return fmt.Errorf("%w: %s %s requested, %s free", ErrInsufficientUnlocked, amount, asset, acct.Available())
	}
	acct.Locked = new(big.Int).Add(acct.Locked, amount)
	acct.LastUpdate = u.now
	return storeCollateral(u.kv, acct)
}

// unlock returns reserved collateral to the owner's free balance.
func (e *Engine) unlock(u *unit, owner common.Address, asset string, amount *big.Int) error {
	if !isPositive(amount) {
		return ErrInvalidAmount
	}
	acct, err := loadCollateral(u.kv, owner, asset)
	if err != nil {
		return err
	}
	if amount.Cmp(acct.Locked) > 0 {
		return fmt.Errorf("%w: %s %s requested, %s locked", ErrInsufficientLocked, amount, asset, acct.Locked)
	}
	acct.Locked = new(big.Int).Sub(acct.Locked, amount)
	acct.LastUpdate = u.now
	return storeCollateral(u.kv, acct)
}

// seize removes up to amount of locked collateral from owner and returns the
// quantity actually taken, which is capped by the locked balance. When
// recipient is the zero address the seized collateral stays in custody for
// the caller to distribute.
func (e *Engine) seize(u *unit, owner common.Address, asset string, amount *big.Int, recipient common.Address) (*big.Int, error) {
	if !isPositive(amount) {
		return big.NewInt(0), nil
	}
	acct, err := loadCollateral(u.kv, owner, asset)
	if err != nil {
		return nil, err
	}
	seized := minBig(amount, acct.Locked)
	if seized.Sign() == 0 {
		return seized, nil
	}
	acct.Deposited = new(big.Int).Sub(acct.Deposited, seized)
	acct.Locked = new(big.Int).Sub(acct.Locked, seized)
	acct.LastUpdate = u.now
	if err := storeCollateral(u.kv, acct); err != nil {
		return nil, err
	}
	if recipient != (common.Address{}) {
		if err := e.bank.TransferOut(u.ctx, u.kv, asset, recipient, seized); err != nil {
			return nil, fmt.Errorf("seized collateral transfer: %w", err)
		}
	}
	return seized, nil
}

// DepositCollateral credits the caller's collateral account for asset.
func (e *Engine) DepositCollateral(ctx context.Context, auth AuthorizationContext, asset string, amount *big.Int) (*CollateralAccount, error) {
	asset = NormalizeAsset(asset)
	var out *CollateralAccount
	err := e.update(ctx, "deposit_collateral", func(u *unit) error {
		caller, err := requireCaller(auth)
		if err != nil {
			return err
		}
		if err := e.guard(ActionCollateral); err != nil {
			return err
		}
		acct, err := e.deposit(u, caller, asset, amount)
		if err != nil {
			return err
		}
		u.emit(events.CollateralMoved{
			Owner:     caller,
			Asset:     asset,
			Amount:    cloneBig(amount),
			Deposited: cloneBig(acct.Deposited),
			Locked:    cloneBig(acct.Locked),
		})
		out = acct
		return nil
	})
	return out, err
}

// WithdrawCollateral pays unlocked collateral out to recipient, defaulting to
// the caller.
func (e *Engine) WithdrawCollateral(ctx context.Context, auth AuthorizationContext, asset string, amount *big.Int, recipient common.Address) (*CollateralAccount, error) {
	asset = NormalizeAsset(asset)
	var out *CollateralAccount
	err := e.update(ctx, "withdraw_collateral", func(u *unit) error {
		caller, err := requireCaller(auth)
		if err != nil {
			return err
		}
		if err := e.guard(ActionCollateral); err != nil {
			return err
		}
		if recipient == (common.Address{}) {
			recipient = caller
		}
		acct, err := e.withdraw(u, caller, asset, amount, recipient)
		if err != nil {
			return err
		}
		u.emit(events.CollateralMoved{
			Withdrawal: true,
			Owner:      caller,
			Asset:      asset,
			Amount:     cloneBig(amount),
			Deposited:  cloneBig(acct.Deposited),
			Locked:     cloneBig(acct.Locked),
		})
		out = acct
		return nil
	})
	return out, err
}

// GetCollateralAccount returns the owner's collateral account for asset. A
// missing account is reported with zero balances.
func (e *Engine) GetCollateralAccount(ctx context.Context, owner common.Address, asset string) (*CollateralAccount, error) {
	asset = NormalizeAsset(asset)
	var out *CollateralAccount
	err := e.view(ctx, func(u *unit) error {
		acct, err := loadCollateral(u.kv, owner, asset)
		out = acct
		return err
	})
	return out, err
}

// GetValue values amount of asset in USD at PriceScale.
func (e *Engine) GetValue(ctx context.Context, asset string, amount *big.Int) (*big.Int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	asset = NormalizeAsset(asset)
	if _, ok := e.collateralConfig(asset); !ok {
		if _, err := e.marketConfig(asset); err != nil {
			return nil, err
		}
	}
	return e.valueOf(ctx, e.clock().UTC(), asset, amount)
}
