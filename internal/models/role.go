package models

import (
	"fmt"
	"strings"

	appErrors "github.com/noah-isme/edutier-api/pkg/errors"
)

// Role is the closed set of roles known to the platform.
type Role string

const (
	RoleStudent        Role = "STUDENT"
	RoleInstructor     Role = "INSTRUCTOR"
	RoleModerator      Role = "MODERATOR"
	RoleAdmin          Role = "ADMIN"
	RoleSuperModerator Role = "SUPER_MODERATOR"
	RoleSuperAdmin     Role = "SUPER_ADMIN"
)

// Track separates identities bound to an institution from platform-wide ones.
type Track string

const (
	TrackPlatform      Track = "platform"
	TrackInstitutional Track = "institutional"
)

var roleRanks = map[Role]int{
	RoleStudent:        1,
	RoleInstructor:     2,
	RoleModerator:      3,
	RoleAdmin:          4,
	RoleSuperModerator: 5,
	RoleSuperAdmin:     6,
}

// Roles lists every role in ascending rank order.
func Roles() []Role {
	return []Role{RoleStudent, RoleInstructor, RoleModerator, RoleAdmin, RoleSuperModerator, RoleSuperAdmin}
}

// ParseRole normalises raw input into a Role.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := roleRanks[role]; !ok {
		return "", appErrors.Clone(appErrors.ErrInvalidRole, fmt.Sprintf("invalid role: %q", raw))
	}
	return role, nil
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleRanks[r]
	return ok
}

// Rank returns the integer seniority of r; zero for unknown roles.
func (r Role) Rank() int {
	return roleRanks[r]
}

// RankOf returns the rank of r or InvalidRole.
func RankOf(r Role) (int, error) {
	rank, ok := roleRanks[r]
	if !ok {
		return 0, appErrors.Clone(appErrors.ErrInvalidRole, fmt.Sprintf("invalid role: %q", string(r)))
	}
	return rank, nil
}

// Track reports which identity track r belongs to.
func (r Role) Track() Track {
	if r == RoleSuperAdmin || r == RoleSuperModerator {
		return TrackPlatform
	}
	return TrackInstitutional
}

// CapacityLimited reports whether approved members holding r count against an institution limit.
func (r Role) CapacityLimited() bool {
	return r == RoleAdmin || r == RoleModerator
}

// Label returns a lower-case display name.
func (r Role) Label() string {
	return strings.ReplaceAll(strings.ToLower(string(r)), "_", " ")
}
