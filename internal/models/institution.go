package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// InstitutionStatus captures the verification lifecycle of an institution.
type InstitutionStatus string

const (
	InstitutionStatusPending   InstitutionStatus = "PENDING"
	InstitutionStatusVerified  InstitutionStatus = "VERIFIED"
	InstitutionStatusRejected  InstitutionStatus = "REJECTED"
	InstitutionStatusSuspended InstitutionStatus = "SUSPENDED"
)

// FeatureFlags is a free-form set of per-institution toggles persisted as JSON.
type FeatureFlags map[string]bool

// Value implements driver.Valuer.
func (f FeatureFlags) Value() (driver.Value, error) {
	if f == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(f)
}

// Scan implements sql.Scanner.
func (f *FeatureFlags) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*f = FeatureFlags{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("feature flags: unsupported type %T", src)
	}
	out := FeatureFlags{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("feature flags: %w", err)
		}
	}
	*f = out
	return nil
}

// InstitutionSettings are the static limits and flags read by the engine.
type InstitutionSettings struct {
	MaxAdmins     int          `db:"max_admins" json:"max_admins"`
	MaxModerators int          `db:"max_moderators" json:"max_moderators"`
	FeatureFlags  FeatureFlags `db:"feature_flags" json:"feature_flags,omitempty"`
}

// Limit returns the configured headcount limit for role, or -1 when role is not capacity limited.
func (s InstitutionSettings) Limit(role Role) int {
	switch role {
	case RoleAdmin:
		return s.MaxAdmins
	case RoleModerator:
		return s.MaxModerators
	default:
		return -1
	}
}

// Institution represents a school or organisation members are bound to.
type Institution struct {
	ID          string            `db:"id" json:"id"`
	Name        string            `db:"name" json:"name"`
	Code        string            `db:"code" json:"code"`
	Type        string            `db:"type" json:"type"`
	Location    string            `db:"location" json:"location"`
	Status      InstitutionStatus `db:"status" json:"status"`
	ReviewedBy  *string           `db:"reviewed_by" json:"reviewed_by,omitempty"`
	ReviewNotes *string           `db:"review_notes" json:"review_notes,omitempty"`
	ReviewedAt  *time.Time        `db:"reviewed_at" json:"reviewed_at,omitempty"`
	CreatedAt   time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time         `db:"updated_at" json:"updated_at"`
	InstitutionSettings
}

// InstitutionFilter constrains institution listings.
type InstitutionFilter struct {
	Status []InstitutionStatus
	Search string
	Limit  int
	Offset int
}

// HeadcountSnapshot reports approved-and-active capacity usage for display.
type HeadcountSnapshot struct {
	InstitutionID string    `json:"institution_id"`
	Admins        int       `json:"admins"`
	Moderators    int       `json:"moderators"`
	MaxAdmins     int       `json:"max_admins"`
	MaxModerators int       `json:"max_moderators"`
	ComputedAt    time.Time `json:"computed_at"`
}
