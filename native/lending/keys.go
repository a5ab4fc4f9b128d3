package lending

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"nhblend/core/state"
)

const keyPrefix = "lending/"

func collateralKey(owner common.Address, asset string) []byte {
	return []byte(fmt.Sprintf("%scollateral/%x/%s", keyPrefix, owner.Bytes(), asset))
}

func marketKey(asset string) []byte {
	return []byte(keyPrefix + "market/" + asset)
}

func historyKey(asset string) []byte {
	return []byte(keyPrefix + "history/" + asset)
}

func positionKey(id string) []byte {
	return []byte(keyPrefix + "position/" + id)
}

func accountPositionsKey(owner common.Address) []byte {
	return []byte(fmt.Sprintf("%saccount/%x/positions", keyPrefix, owner.Bytes()))
}

func positionLiquidationsKey(id string) []byte {
	return []byte(keyPrefix + "position/" + id + "/liquidations")
}

func liquidationKey(id string) []byte {
	return []byte(keyPrefix + "liquidation/" + id)
}

func auctionKey(id string) []byte {
	return []byte(keyPrefix + "auction/" + id)
}

func supplierKey(asset string, provider common.Address) []byte {
	return []byte(fmt.Sprintf("%ssupplier/%s/%x", keyPrefix, asset, provider.Bytes()))
}

func configMarketKey(asset string) []byte {
	return []byte(keyPrefix + "config/market/" + asset)
}

func configCollateralKey(asset string) []byte {
	return []byte(keyPrefix + "config/collateral/" + asset)
}

// configMarketsIndexKey and configCollateralIndexKey list the assets that
// carry a stored override.
func configMarketsIndexKey() []byte {
	return []byte(keyPrefix + "config/markets")
}

func configCollateralIndexKey() []byte {
	return []byte(keyPrefix + "config/collateral")
}

func configPausesKey() []byte {
	return []byte(keyPrefix + "config/pauses")
}

func configWhitelistKey() []byte {
	return []byte(keyPrefix + "config/whitelist")
}

func sequenceKey(name string) []byte {
	return []byte(keyPrefix + "seq/" + name)
}

// nextID allocates the next identifier in the named sequence, e.g. "pos-7".
func nextID(kv state.KV, name string) (string, error) {
	var current uint64
	if _, err := kv.KVGet(sequenceKey(name), &current); err != nil {
		return "", err
	}
	current++
	if err := kv.KVPut(sequenceKey(name), current); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%d", name, current), nil
}
