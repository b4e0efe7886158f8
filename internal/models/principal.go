package models

import (
	"fmt"
	"strings"

	appErrors "github.com/noah-isme/edutier-api/pkg/errors"
)

// Principal is the authenticated caller handed explicitly to every engine call.
type Principal interface {
	Subject() string
	CallerRole() Role
	// CallerInstitutionID is empty for platform-track principals.
	CallerInstitutionID() string
	// Limited reports that the caller is not yet approved and may only use the reduced capability set.
	Limited() bool
}

// PlatformPrincipal is a SuperAdmin or SuperModerator, unbound to any institution.
type PlatformPrincipal struct {
	UserID string
	Role   Role
}

// NewPlatformPrincipal validates that role belongs to the platform track.
func NewPlatformPrincipal(userID string, role Role) (PlatformPrincipal, error) {
	if !role.Valid() {
		return PlatformPrincipal{}, appErrors.Clone(appErrors.ErrInvalidRole, fmt.Sprintf("invalid role: %q", string(role)))
	}
	if role.Track() != TrackPlatform {
		return PlatformPrincipal{}, appErrors.Clone(appErrors.ErrInvalidRole, fmt.Sprintf("role %s is not a platform role", role))
	}
	if strings.TrimSpace(userID) == "" {
		return PlatformPrincipal{}, appErrors.Clone(appErrors.ErrUnauthorized, "missing subject")
	}
	return PlatformPrincipal{UserID: userID, Role: role}, nil
}

func (p PlatformPrincipal) Subject() string             { return p.UserID }
func (p PlatformPrincipal) CallerRole() Role            { return p.Role }
func (p PlatformPrincipal) CallerInstitutionID() string { return "" }
func (p PlatformPrincipal) Limited() bool               { return false }

// InstitutionPrincipal is any institutional-track caller bound to exactly one institution.
type InstitutionPrincipal struct {
	UserID         string
	Role           Role
	InstitutionID  string
	ApprovalStatus ApprovalStatus
}

// NewInstitutionPrincipal validates track and institution binding.
func NewInstitutionPrincipal(userID string, role Role, institutionID string, status ApprovalStatus) (InstitutionPrincipal, error) {
	if !role.Valid() {
		return InstitutionPrincipal{}, appErrors.Clone(appErrors.ErrInvalidRole, fmt.Sprintf("invalid role: %q", string(role)))
	}
	if role.Track() != TrackInstitutional {
		return InstitutionPrincipal{}, appErrors.Clone(appErrors.ErrInvalidRole, fmt.Sprintf("role %s is not an institutional role", role))
	}
	if strings.TrimSpace(userID) == "" {
		return InstitutionPrincipal{}, appErrors.Clone(appErrors.ErrUnauthorized, "missing subject")
	}
	if strings.TrimSpace(institutionID) == "" {
		return InstitutionPrincipal{}, appErrors.Clone(appErrors.ErrUnauthorized, "institutional account is not bound to an institution")
	}
	return InstitutionPrincipal{UserID: userID, Role: role, InstitutionID: institutionID, ApprovalStatus: status}, nil
}

func (p InstitutionPrincipal) Subject() string             { return p.UserID }
func (p InstitutionPrincipal) CallerRole() Role            { return p.Role }
func (p InstitutionPrincipal) CallerInstitutionID() string { return p.InstitutionID }
func (p InstitutionPrincipal) Limited() bool {
	return p.ApprovalStatus != ApprovalStatusApproved
}

// PrincipalFromClaims resolves token claims into one of the two principal kinds.
func PrincipalFromClaims(claims *JWTClaims) (Principal, error) {
	if claims == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if claims.Role.Track() == TrackPlatform {
		return NewPlatformPrincipal(claims.UserID, claims.Role)
	}
	return NewInstitutionPrincipal(claims.UserID, claims.Role, claims.InstitutionID, claims.ApprovalStatus)
}
