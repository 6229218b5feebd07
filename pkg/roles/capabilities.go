package roles

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/agritrace/provenance/pkg/provenance"
)

// Capability names one operation a role may perform.
type Capability string

const (
	CapMint          Capability = "mint"
	CapInitialize    Capability = "initialize"
	CapTransfer      Capability = "transfer"
	CapConsume       Capability = "consume"
	CapAssignRoles   Capability = "assign_roles"
	CapAdminOverride Capability = "admin_override"
)

// roleCapabilities is the role -> capability-set lookup table. Dispatch
// on role is always a table lookup, never type switching.
var roleCapabilities = map[provenance.Role]mapset.Set[Capability]{
	provenance.RoleProducer:  mapset.NewSet(CapMint, CapInitialize, CapTransfer),
	provenance.RoleCarrier:   mapset.NewSet(CapTransfer),
	provenance.RolePurchaser: mapset.NewSet(CapTransfer, CapConsume),
	provenance.RoleAdmin:     mapset.NewSet(CapTransfer, CapAssignRoles, CapAdminOverride),
}

// Capabilities returns the capability set for a role. Unknown roles get
// an empty set.
func Capabilities(role provenance.Role) mapset.Set[Capability] {
	if caps, ok := roleCapabilities[role]; ok {
		return caps.Clone()
	}
	return mapset.NewSet[Capability]()
}

// Can reports whether the role holds the capability.
func Can(role provenance.Role, cap Capability) bool {
	caps, ok := roleCapabilities[role]
	return ok && caps.Contains(cap)
}
