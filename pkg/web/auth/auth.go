package auth

import (
	"errors"

	"github.com/samber/lo"
)

type Role int

const (
	RoleAdmin Role = iota
	RoleProvider
)

var ErrPermissionDenied = errors.New("permission denied")

type Principal interface {
	Name() string
}

type Authentication interface {
	Principal() Principal
	Roles() []Role
}

// HasRole reports whether the authentication carries the requested role.
// Admins pass any role check.
func HasRole(a Authentication, role Role) bool {
	if a == nil {
		return false
	}
	return lo.Contains(a.Roles(), role) || lo.Contains(a.Roles(), RoleAdmin)
}
