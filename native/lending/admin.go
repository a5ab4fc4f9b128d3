package lending

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"nhblend/core/events"
)

// SetMarketConfig validates and installs a market configuration. Existing
// positions keep the risk bounds they were opened with.
func (e *Engine) SetMarketConfig(ctx context.Context, auth AuthorizationContext, cfg MarketConfig) error {
	cfg = cfg.Clone()
	cfg.ApplyDefaults()
	return e.update(ctx, "set_market_config", func(u *unit) error {
		caller, err := requireRole(auth, RoleRiskManager, RoleAdmin)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := storeMarketConfig(u.kv, cfg); err != nil {
			return err
		}
		u.afterCommit(func() {
			e.cfgMu.Lock()
			e.markets[cfg.Asset] = cfg
			e.cfgMu.Unlock()
		})
		u.emit(events.ConfigUpdated{Section: "market", Key: cfg.Asset, Caller: caller})
		e.logger.Info("lending market configured",
			"asset", cfg.Asset,
			"enabled", cfg.Enabled,
			"mode", cfg.Liquidation.Mode,
			"caller", caller.Hex())
		return nil
	})
}

// SetCollateralConfig validates and installs a collateral configuration.
func (e *Engine) SetCollateralConfig(ctx context.Context, auth AuthorizationContext, cfg CollateralConfig) error {
	cfg = cfg.Clone()
	cfg.ApplyDefaults()
	return e.update(ctx, "set_collateral_config", func(u *unit) error {
		caller, err := requireRole(auth, RoleRiskManager, RoleAdmin)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := storeCollateralConfig(u.kv, cfg); err != nil {
			return err
		}
		u.afterCommit(func() {
			e.cfgMu.Lock()
			e.collateral[cfg.Asset] = cfg
			e.cfgMu.Unlock()
		})
		u.emit(events.ConfigUpdated{Section: "collateral", Key: cfg.Asset, Caller: caller})
		e.logger.Info("lending collateral configured",
			"asset", cfg.Asset,
			"maxLtvBps", cfg.MaxLtvBps,
			"liquidationThresholdBps", cfg.LiquidationThresholdBps,
			"caller", caller.Hex())
		return nil
	})
}

// SetPauses replaces the per-action pause switches.
func (e *Engine) SetPauses(ctx context.Context, auth AuthorizationContext, pauses ActionPauses) error {
	return e.update(ctx, "set_pauses", func(u *unit) error {
		caller, err := requireRole(auth, RoleRiskManager, RoleAdmin)
		if err != nil {
			return err
		}
		if err := storePauses(u.kv, pauses); err != nil {
			return err
		}
		u.afterCommit(func() {
			for action, paused := range pauses.byAction() {
				e.actions.Set(action, paused)
			}
			e.logger.Info("lending pauses updated", "paused", e.actions.Paused(), "caller", caller.Hex())
		})
		u.emit(events.ConfigUpdated{Section: "pauses", Caller: caller})
		return nil
	})
}

// SetWhitelist adds or removes addr from the borrower whitelist.
func (e *Engine) SetWhitelist(ctx context.Context, auth AuthorizationContext, addr common.Address, allowed bool) error {
	return e.update(ctx, "set_whitelist", func(u *unit) error {
		caller, err := requireRole(auth, RoleAdmin)
		if err != nil {
			return err
		}
		if addr == (common.Address{}) {
			return fmt.Errorf("%w: whitelist address", ErrInvalidRecipient)
		}
		next := e.whitelistSnapshot()
		if allowed {
			next[addr] = struct{}{}
		} else {
			delete(next, addr)
		}
		if err := storeWhitelist(u.kv, next); err != nil {
			return err
		}
		u.afterCommit(func() {
			e.cfgMu.Lock()
			e.whitelist = next
			e.cfgMu.Unlock()
		})
		u.emit(events.ConfigUpdated{Section: "whitelist", Key: addr.Hex(), Caller: caller})
		return nil
	})
}

func (e *Engine) whitelistSnapshot() map[common.Address]struct{} {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	out := make(map[common.Address]struct{}, len(e.whitelist)+1)
	for addr := range e.whitelist {
		out[addr] = struct{}{}
	}
	return out
}

// Pauses reports the current per-action switches.
func (e *Engine) Pauses() ActionPauses {
	return ActionPauses{
		Borrow:     e.actions.IsPaused(ActionBorrow),
		Repay:      e.actions.IsPaused(ActionRepay),
		Liquidate:  e.actions.IsPaused(ActionLiquidate),
		Collateral: e.actions.IsPaused(ActionCollateral),
		Supply:     e.actions.IsPaused(ActionSupply),
	}
}

// MarketConfigs returns the installed market configurations sorted by asset.
func (e *Engine) MarketConfigs() []MarketConfig {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	out := make([]MarketConfig, 0, len(e.markets))
	for _, cfg := range e.markets {
		out = append(out, cfg.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// CollateralConfigs returns the installed collateral configurations sorted by
// asset.
func (e *Engine) CollateralConfigs() []CollateralConfig {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	out := make([]CollateralConfig, 0, len(e.collateral))
	for _, cfg := range e.collateral {
		out = append(out, cfg.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}
