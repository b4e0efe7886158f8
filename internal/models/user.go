package models

import "time"

// User represents an application user stored in the users table.
type User struct {
	ID             string         `db:"id" json:"id"`
	Email          string         `db:"email" json:"email"`
	PasswordHash   string         `db:"password_hash" json:"-"`
	FullName       string         `db:"full_name" json:"full_name"`
	Role           Role           `db:"role" json:"role"`
	InstitutionID  *string        `db:"institution_id" json:"institution_id,omitempty"`
	ApprovalStatus ApprovalStatus `db:"approval_status" json:"approval_status"`
	Active         bool           `db:"active" json:"active"`
	LastLogin      *time.Time     `db:"last_login" json:"last_login,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

// Rank is derived from the role.
func (u *User) Rank() int {
	return u.Role.Rank()
}

// Institution returns the bound institution id or "" for platform-track users.
func (u *User) Institution() string {
	if u.InstitutionID == nil {
		return ""
	}
	return *u.InstitutionID
}

// CountsTowardCapacity reports whether u occupies a capacity slot at its institution.
func (u *User) CountsTowardCapacity() bool {
	return u.Active && u.ApprovalStatus == ApprovalStatusApproved && u.Role.CapacityLimited()
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
