package dto

import "github.com/noah-isme/edutier-api/internal/models"

// RegisterInstitutionRequest creates an institution awaiting verification.
type RegisterInstitutionRequest struct {
	Name     string `json:"name" validate:"required,max=200"`
	Code     string `json:"code" validate:"required,max=50"`
	Type     string `json:"type" validate:"max=50"`
	Location string `json:"location" validate:"max=200"`
}

// UpdateLimitsRequest replaces capacity limits and optionally feature flags.
type UpdateLimitsRequest struct {
	MaxAdmins     *int                `json:"maxAdmins" validate:"omitempty,min=0,max=1000"`
	MaxModerators *int                `json:"maxModerators" validate:"omitempty,min=0,max=1000"`
	FeatureFlags  models.FeatureFlags `json:"featureFlags,omitempty"`
}

// SetActiveRequest toggles a member's active flag.
type SetActiveRequest struct {
	Active bool `json:"active"`
}

// CapacityResponse answers a would-exceed query.
type CapacityResponse struct {
	InstitutionID string      `json:"institutionId"`
	Role          models.Role `json:"role"`
	WouldExceed   bool        `json:"wouldExceed"`
}
