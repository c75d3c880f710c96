package auth

// Role is the profile's role
type Role string

const (
	// RoleClient is a storefront visitor account
	RoleClient Role = "client"
	// RoleOwner owns a company storefront
	RoleOwner Role = "owner"
	// RoleAdmin operates the platform and may observe other accounts
	RoleAdmin Role = "admin"
)

// IsValid checks if the role is one of the predefined valid roles
func (r Role) IsValid() bool {
	switch r {
	case RoleClient, RoleOwner, RoleAdmin:
		return true
	default:
		return false
	}
}

// CanObserve checks if this role may start observer mode
func (r Role) CanObserve() bool {
	return r == RoleAdmin
}

// IsAtLeast checks if this role meets the minimum required level
func (r Role) IsAtLeast(minRole Role) bool {
	roleHierarchy := map[Role]int{
		RoleClient: 0,
		RoleOwner:  1,
		RoleAdmin:  2,
	}

	currentLevel, exists := roleHierarchy[r]
	if !exists {
		return false
	}

	minLevel, exists := roleHierarchy[minRole]
	if !exists {
		return false
	}

	return currentLevel >= minLevel
}

// ParseRole safely parses a string into a Role type
func ParseRole(roleStr string) (Role, bool) {
	role := Role(roleStr)
	return role, role.IsValid()
}
