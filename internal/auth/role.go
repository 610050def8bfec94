// ABOUTME: Principal roles carried in the token audience claim
// ABOUTME: Exactly two roles exist: agents and operators

package auth

import "fmt"

// Role identifies which kind of principal a token was issued to.
type Role int

const (
	// RoleAgent is a desktop agent executing dispatched commands.
	RoleAgent Role = iota + 1
	// RoleOperator is a human or console client issuing commands.
	RoleOperator
)

// Roles lists every valid role.
var Roles = []Role{RoleAgent, RoleOperator}

// String returns the audience string used on the wire.
func (r Role) String() string {
	switch r {
	case RoleAgent:
		return "agent"
	case RoleOperator:
		return "operator"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool {
	return r == RoleAgent || r == RoleOperator
}

// ParseRole converts an audience string into a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "agent":
		return RoleAgent, nil
	case "operator":
		return RoleOperator, nil
	default:
		return 0, fmt.Errorf("%w: unknown audience %q", ErrInvalidToken, s)
	}
}
