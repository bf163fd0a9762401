// Package auth defines the permission-authority contract consulted by every
// privileged entry point. The engine trusts the authority's answer
// unconditionally and performs no authorization logic of its own.
//
// Each configuration surface is gated by its own named operation rather
// than one blanket admin check: the strategist who routes capital, the
// fuse-management authority, and the narrower withdrawal-configuration role
// are distinct by design.
package auth

import (
	"errors"
	"sort"
)

var ErrNotAuthorized = errors.New("auth: caller not authorized")

// Operation names one privileged entry point.
type Operation string

const (
	OpExecuteBatch         Operation = "execute_batch"
	OpManageSubstrates     Operation = "manage_substrates"
	OpManageFuses          Operation = "manage_fuses"
	OpManageDependencies   Operation = "manage_dependencies"
	OpManageLimits         Operation = "manage_limits"
	OpConfigureWithdrawals Operation = "configure_withdrawals"
	OpDeposit              Operation = "deposit"
	OpRedeem               Operation = "redeem"
)

// Authority answers whether a caller may invoke an operation.
type Authority interface {
	Authorized(caller string, op Operation) bool
}

// StaticAuthority maps API keys to roles and roles to operation sets. It is
// loaded from configuration at startup; production deployments replace it
// with the permissioned-call gateway client.
type StaticAuthority struct {
	keys  map[string]string         // api key -> role
	roles map[string]map[Operation]struct{}
}

// NewStaticAuthority builds an authority from key->role and
// role->operations tables.
func NewStaticAuthority(keys map[string]string, roles map[string][]Operation) *StaticAuthority {
	a := &StaticAuthority{
		keys:  make(map[string]string, len(keys)),
		roles: make(map[string]map[Operation]struct{}, len(roles)),
	}
	for key, role := range keys {
		a.keys[key] = role
	}
	for role, ops := range roles {
		set := make(map[Operation]struct{}, len(ops))
		for _, op := range ops {
			set[op] = struct{}{}
		}
		a.roles[role] = set
	}
	return a
}

// Authorized resolves the caller's role and checks the operation set.
func (a *StaticAuthority) Authorized(caller string, op Operation) bool {
	role, ok := a.keys[caller]
	if !ok {
		return false
	}
	_, ok = a.roles[role][op]
	return ok
}

// Roles returns the configured role names, sorted, for startup logging.
func (a *StaticAuthority) Roles() []string {
	out := make([]string, 0, len(a.roles))
	for role := range a.roles {
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}
