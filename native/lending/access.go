package lending

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Role is a capability a caller may hold.
type Role string

const (
	RoleBorrower    Role = "borrower"
	RoleSupplier    Role = "supplier"
	RoleLiquidator  Role = "liquidator"
	RoleRiskManager Role = "risk_manager"
	RoleAdmin       Role = "admin"
)

// AuthorizationContext identifies the caller of an operation and answers
// capability checks. It is passed explicitly to every entry point.
type AuthorizationContext interface {
	Caller() common.Address
	HasCapability(role Role) bool
}

// Principal is a static AuthorizationContext.
type Principal struct {
	Address common.Address
	Roles   []Role
}

func NewPrincipal(addr common.Address, roles ...Role) Principal {
	return Principal{Address: addr, Roles: roles}
}

func (p Principal) Caller() common.Address { return p.Address }

func (p Principal) HasCapability(role Role) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// requireCaller rejects anonymous calls.
func requireCaller(auth AuthorizationContext) (common.Address, error) {
	if auth == nil {
		return common.Address{}, ErrUnauthorized
	}
	caller := auth.Caller()
	if caller == (common.Address{}) {
		return common.Address{}, ErrUnauthorized
	}
	return caller, nil
}

// requireRole passes when the caller holds any of roles.
func requireRole(auth AuthorizationContext, roles ...Role) (common.Address, error) {
	caller, err := requireCaller(auth)
	if err != nil {
		return caller, err
	}
	for _, role := range roles {
		if auth.HasCapability(role) {
			return caller, nil
		}
	}
	return caller, fmt.Errorf("%w: %s needs %v", ErrUnauthorized, caller.Hex(), roles)
}
