package authz

// Capability names an operation class an actor may be granted.
type Capability string

const (
	CapCreator      Capability = "creator"
	CapArbiter      Capability = "arbiter"
	CapSuperArbiter Capability = "super-arbiter"
	CapEscalation   Capability = "escalation"
	CapTrustMonitor Capability = "trust-monitor"
	CapAdmin        Capability = "admin"
)

// Role is a named bundle of capabilities assigned to an actor.
type Role string

const (
	RoleParty        Role = "party"
	RoleCreator      Role = "creator"
	RoleArbiter      Role = "arbiter"
	RoleSuperArbiter Role = "super_arbiter"
	RoleTrustMonitor Role = "trust_monitor"
	RoleAdmin        Role = "admin"
)

// roleGrants maps each role to the capabilities it carries. Super-arbiters
// subsume arbiter and escalation; admins subsume everything but trust-monitor.
var roleGrants = map[Role][]Capability{
	RoleParty:        {},
	RoleCreator:      {CapCreator},
	RoleArbiter:      {CapArbiter},
	RoleSuperArbiter: {CapSuperArbiter, CapArbiter, CapEscalation},
	RoleTrustMonitor: {CapTrustMonitor},
	RoleAdmin:        {CapAdmin, CapCreator, CapEscalation},
}

func isValidRole(role Role) bool {
	_, ok := roleGrants[role]
	return ok
}

// Grants returns the capabilities carried by the given roles.
func Grants(roles []Role) []Capability {
	seen := make(map[Capability]struct{})
	var caps []Capability
	for _, r := range roles {
		for _, c := range roleGrants[r] {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			caps = append(caps, c)
		}
	}
	return caps
}
