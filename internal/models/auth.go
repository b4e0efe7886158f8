package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// LoginRequest holds credentials for authenticating a user.
type LoginRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// LoginResponse returns the issued token and user info.
type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresIn   int64     `json:"expires_in"`
	User        UserInfo  `json:"user"`
	IssuedAt    time.Time `json:"issued_at"`
}

// UserInfo describes the authenticated user in responses.
type UserInfo struct {
	ID             string         `json:"id"`
	Email          string         `json:"email"`
	FullName       string         `json:"full_name"`
	Role           Role           `json:"role"`
	InstitutionID  string         `json:"institution_id,omitempty"`
	ApprovalStatus ApprovalStatus `json:"approval_status"`
	Limited        bool           `json:"limited"`
}

// JWTClaims represents the JWT payload for access tokens.
type JWTClaims struct {
	UserID         string         `json:"user_id"`
	Role           Role           `json:"role"`
	InstitutionID  string         `json:"institution_id,omitempty"`
	ApprovalStatus ApprovalStatus `json:"approval_status"`
	Email          string         `json:"email"`
	FullName       string         `json:"full_name"`
	jwt.RegisteredClaims
}
