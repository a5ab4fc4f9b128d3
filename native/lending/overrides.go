package lending

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"nhblend/core/state"
)

// Admin changes made at runtime are stored next to the ledger and win over
// the values loaded from the parameter file when the engine is rebuilt.

type storedPauses struct {
	Borrow     bool
	Repay      bool
	Liquidate  bool
	Collateral bool
	Supply     bool
}

type storedWhitelist struct {
	Addresses []common.Address
}

// configOverrides is everything a previous engine persisted through the
// admin operations.
type configOverrides struct {
	markets    []MarketConfig
	collateral []CollateralConfig
	pauses     *ActionPauses
	whitelist  []common.Address
	hasList    bool
}

func storeMarketConfig(kv state.KV, cfg MarketConfig) error {
	encoded, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode market config: %w", err)
	}
	if err := kv.KVPut(configMarketKey(cfg.Asset), encoded); err != nil {
		return err
	}
	return kv.KVAppend(configMarketsIndexKey(), []byte(cfg.Asset))
}

func storeCollateralConfig(kv state.KV, cfg CollateralConfig) error {
	encoded, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode collateral config: %w", err)
	}
	if err := kv.KVPut(configCollateralKey(cfg.Asset), encoded); err != nil {
		return err
	}
	return kv.KVAppend(configCollateralIndexKey(), []byte(cfg.Asset))
}

func storePauses(kv state.KV, p ActionPauses) error {
	return kv.KVPut(configPausesKey(), storedPauses(p))
}

func storeWhitelist(kv state.KV, set map[common.Address]struct{}) error {
	stored := storedWhitelist{Addresses: make([]common.Address, 0, len(set))}
	for addr := range set {
		stored.Addresses = append(stored.Addresses, addr)
	}
	sort.Slice(stored.Addresses, func(i, j int) bool {
		return stored.Addresses[i].Hex() < stored.Addresses[j].Hex()
	})
	return kv.KVPut(configWhitelistKey(), stored)
}

func loadConfigOverrides(kv state.KV) (configOverrides, error) {
	var out configOverrides

	var assets [][]byte
	if err := kv.KVGetList(configMarketsIndexKey(), &assets); err != nil {
		return out, fmt.Errorf("load market index: %w", err)
	}
	for _, asset := range assets {
		var encoded []byte
		ok, err := kv.KVGet(configMarketKey(string(asset)), &encoded)
		if err != nil {
			return out, fmt.Errorf("load market config %s: %w", asset, err)
		}
		if !ok {
			continue
		}
		var cfg MarketConfig
		if err := json.Unmarshal(encoded, &cfg); err != nil {
			return out, fmt.Errorf("decode market config %s: %w", asset, err)
		}
		out.markets = append(out.markets, cfg)
	}

	assets = nil
	if err := kv.KVGetList(configCollateralIndexKey(), &assets); err != nil {
		return out, fmt.Errorf("load collateral index: %w", err)
	}
	for _, asset := range assets {
		var encoded []byte
		ok, err := kv.KVGet(configCollateralKey(string(asset)), &encoded)
		if err != nil {
			return out, fmt.Errorf("load collateral config %s: %w", asset, err)
		}
		if !ok {
			continue
		}
		var cfg CollateralConfig
		if err := json.Unmarshal(encoded, &cfg); err != nil {
			return out, fmt.Errorf("decode collateral config %s: %w", asset, err)
		}
		out.collateral = append(out.collateral, cfg)
	}

	var pauses storedPauses
	ok, err := kv.KVGet(configPausesKey(), &pauses)
	if err != nil {
		return out, fmt.Errorf("load pauses: %w", err)
	}
	if ok {
		p := ActionPauses(pauses)
		out.pauses = &p
	}

	var list storedWhitelist
	ok, err = kv.KVGet(configWhitelistKey(), &list)
	if err != nil {
		return out, fmt.Errorf("load whitelist: %w", err)
	}
	if ok {
		out.whitelist = list.Addresses
		out.hasList = true
	}
	return out, nil
}

// applyOverrides replaces the parameter-file configuration with whatever was
// persisted. Called before the engine is shared.
func (e *Engine) applyOverrides(o configOverrides) {
	for _, cfg := range o.markets {
		e.markets[cfg.Asset] = cfg.Clone()
	}
	for _, cfg := range o.collateral {
		e.collateral[cfg.Asset] = cfg.Clone()
	}
	if o.pauses != nil {
		for action, paused := range o.pauses.byAction() {
			e.actions.Set(action, paused)
		}
	}
	if o.hasList {
		e.whitelist = make(map[common.Address]struct{}, len(o.whitelist))
		for _, addr := range o.whitelist {
			e.whitelist[addr] = struct{}{}
		}
	}
}
