package lending

// Action names checked against the pause view.
const (
	ActionBorrow     = "lending.borrow"
	ActionRepay      = "lending.repay"
	ActionLiquidate  = "lending.liquidate"
	ActionCollateral = "lending.collateral"
	ActionSupply     = "lending.supply"
)

// ActionPauses exposes fine-grained switches for pausing individual lending flows.
type ActionPauses struct {
	Borrow     bool `toml:"borrow" json:"borrow"`
	Repay      bool `toml:"repay" json:"repay"`
	Liquidate  bool `toml:"liquidate" json:"liquidate"`
	Collateral bool `toml:"collateral" json:"collateral"`
	Supply     bool `toml:"supply" json:"supply"`
}

func (p ActionPauses) byAction() map[string]bool {
	return map[string]bool{
		ActionBorrow:     p.Borrow,
		ActionRepay:      p.Repay,
		ActionLiquidate:  p.Liquidate,
		ActionCollateral: p.Collateral,
		ActionSupply:     p.Supply,
	}
}
