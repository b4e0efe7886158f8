package dto

import "github.com/noah-isme/edutier-api/internal/models"

// RegisterRequest signs up a user; gated roles start limited until approved.
type RegisterRequest struct {
	Email         string            `json:"email" validate:"required,email"`
	Password      string            `json:"password" validate:"required,min=8,max=72"`
	FullName      string            `json:"fullName" validate:"required,max=200"`
	Role          models.Role       `json:"role" validate:"required"`
	InstitutionID string            `json:"institutionId" validate:"required"`
	AdminType     *models.AdminType `json:"adminType,omitempty" validate:"omitempty,oneof=PRIMARY SECONDARY"`
	Documents     []string          `json:"documents" validate:"omitempty,max=20,dive,required,max=255"`
	IP            string            `json:"-"`
	UserAgent     string            `json:"-"`
}

// RegisterResponse reports the created account and, for gated roles, its pending request.
type RegisterResponse struct {
	User    models.UserInfo         `json:"user"`
	Request *models.ApprovalRequest `json:"request,omitempty"`
}
