package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/edutier-api/internal/dto"
	"github.com/noah-isme/edutier-api/internal/models"
	"github.com/noah-isme/edutier-api/internal/repository"
	appErrors "github.com/noah-isme/edutier-api/pkg/errors"
	"github.com/noah-isme/edutier-api/pkg/ids"
)

type authStore interface {
	WithinInstitution(ctx context.Context, institutionID string, fn func(tx repository.StoreTx) error) error
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
	UpdateLastLogin(ctx context.Context, userID string, at time.Time) error
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// AuthConfig defines configuration for authentication flows.
type AuthConfig struct {
	AccessTokenSecret string
	AccessTokenExpiry time.Duration
	Issuer            string
	Audience          []string
	// GatedRoles start PENDING with a registration request; other institutional roles are approved at once.
	GatedRoles   []models.Role
	StoreTimeout time.Duration
}

// AuthService registers accounts, issues tokens and resolves principals.
type AuthService struct {
	store     authStore
	validator *validator.Validate
	logger    *zap.Logger
	config    AuthConfig
	events    EventPublisher
	gated     map[models.Role]bool
	now       func() time.Time
}

// AuthOption configures AuthService.
type AuthOption func(*AuthService)

// WithAuthEventPublisher publishes registration requests to the notification collaborator.
func WithAuthEventPublisher(publisher EventPublisher) AuthOption {
	return func(s *AuthService) {
		if publisher != nil {
			s.events = publisher
		}
	}
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(store authStore, validate *validator.Validate, logger *zap.Logger, config AuthConfig, opts ...AuthOption) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = defaultStoreTimeout
	}
	gated := make(map[models.Role]bool, len(config.GatedRoles))
	for _, role := range config.GatedRoles {
		gated[role] = true
	}
	svc := &AuthService{
		store:     store,
		validator: validate,
		logger:    logger,
		config:    config,
		events:    noopPublisher{},
		gated:     gated,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// Register creates an account bound to an institution. Gated roles start limited
// with a registration request; the user and request are written together.
func (s *AuthService) Register(ctx context.Context, req dto.RegisterRequest) (*dto.RegisterResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid registration payload")
	}
	role, err := models.ParseRole(string(req.Role))
	if err != nil {
		return nil, err
	}
	if role.Track() == models.TrackPlatform {
		return nil, appErrors.Clone(appErrors.ErrInvalidRole, fmt.Sprintf("role %s cannot self-register", role))
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}
	if err := cancelledBeforeCommit(ctx); err != nil {
		return nil, err
	}

	now := s.now()
	institutionID := strings.TrimSpace(req.InstitutionID)
	gated := s.gated[role]
	user := &models.User{
		ID:             uuid.NewString(),
		Email:          strings.ToLower(strings.TrimSpace(req.Email)),
		PasswordHash:   string(hash),
		FullName:       strings.TrimSpace(req.FullName),
		Role:           role,
		InstitutionID:  &institutionID,
		ApprovalStatus: models.ApprovalStatusApproved,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	var request *models.ApprovalRequest
	if gated {
		user.ApprovalStatus = models.ApprovalStatusPending
		adminType := req.AdminType
		if role != models.RoleAdmin {
			adminType = nil
		}
		request = &models.ApprovalRequest{
			ID:            uuid.NewString(),
			RequestorID:   user.ID,
			InstitutionID: institutionID,
			RequestedRole: role,
			Kind:          models.RequestKindRegistration,
			AdminType:     adminType,
			Status:        models.ApprovalStatusPending,
			SubmittedAt:   now,
			Documents:     newDocuments(req.Documents),
		}
	}

	commitCtx, cancel := commitContext(ctx, s.config.StoreTimeout)
	defer cancel()
	err = s.store.WithinInstitution(commitCtx, institutionID, func(tx repository.StoreTx) error {
		inst, err := tx.GetInstitution(commitCtx, institutionID)
		if err != nil {
			return storeError(err, appErrors.ErrInstitutionNotFound)
		}
		if inst.Status == models.InstitutionStatusRejected || inst.Status == models.InstitutionStatusSuspended {
			return appErrors.Clone(appErrors.ErrInstitutionNotVerified,
				fmt.Sprintf("institution %s is %s and does not accept registrations", inst.Code, inst.Status))
		}
		if err := tx.CreateUser(commitCtx, user); err != nil {
			return storeError(err, appErrors.ErrUserNotFound)
		}
		if request == nil {
			return nil
		}
		return storeError(tx.CreateRequest(commitCtx, request), appErrors.ErrRequestNotFound)
	})
	if err != nil {
		return nil, storeError(err, appErrors.ErrInstitutionNotFound)
	}

	s.logger.Info("user registered",
		zap.String("user_id", user.ID),
		zap.String("role", string(role)),
		zap.String("institution_id", institutionID),
		zap.Bool("gated", gated),
	)
	if request != nil {
		s.events.Publish(registrationEvent(request))
	}
	s.audit(ctx, user.ID, models.AuditActionRegister, "user", user.ID,
		fmt.Sprintf(`{"role":%q,"approval_status":%q}`, role, user.ApprovalStatus), req.IP, req.UserAgent)

	return &dto.RegisterResponse{User: userInfo(user), Request: request}, nil
}

// Login authenticates a user and returns an access token.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}

	lookupCtx, cancel := withStoreTimeout(ctx, s.config.StoreTimeout)
	user, err := s.store.FindUserByEmail(lookupCtx, strings.ToLower(strings.TrimSpace(req.Email)))
	cancel()
	if err != nil {
		return nil, storeError(err, appErrors.Clone(appErrors.ErrInvalidCredentials, "invalid email or password"))
	}

	if !user.Active {
		return nil, appErrors.Clone(appErrors.ErrInactiveAccount, "account is inactive")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "invalid email or password")
	}

	accessToken, issuedAt, err := s.generateAccessToken(user)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}

	updateCtx, cancel := withStoreTimeout(ctx, s.config.StoreTimeout)
	if err := s.store.UpdateLastLogin(updateCtx, user.ID, issuedAt); err != nil {
		s.logger.Warn("failed to update last login", zap.Error(err))
	}
	cancel()

	s.audit(ctx, user.ID, models.AuditActionLogin, "auth", user.ID, `{"status":"success"}`, req.IP, req.UserAgent)

	return &models.LoginResponse{
		AccessToken: accessToken,
		ExpiresIn:   int64(s.config.AccessTokenExpiry.Seconds()),
		IssuedAt:    issuedAt,
		User:        userInfo(user),
	}, nil
}

// ValidateToken parses and validates an access token returning the claims.
func (s *AuthService) ValidateToken(tokenString string) (*models.JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.AccessTokenSecret), nil
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid token")
	}

	claims, ok := token.Claims.(*models.JWTClaims)
	if !ok || !token.Valid {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token claims")
	}

	return claims, nil
}

// ResolvePrincipal validates the token and builds the caller's principal from the
// current user record, so role changes and suspensions apply without a new login.
func (s *AuthService) ResolvePrincipal(ctx context.Context, tokenString string) (models.Principal, *models.JWTClaims, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return nil, nil, err
	}
	lookupCtx, cancel := withStoreTimeout(ctx, s.config.StoreTimeout)
	defer cancel()
	user, err := s.store.GetUser(lookupCtx, claims.UserID)
	if err != nil {
		return nil, nil, storeError(err, appErrors.Clone(appErrors.ErrUnauthorized, "account no longer exists"))
	}
	if !user.Active {
		return nil, nil, appErrors.Clone(appErrors.ErrInactiveAccount, "account is inactive")
	}
	current := *claims
	current.Role = user.Role
	current.InstitutionID = user.Institution()
	current.ApprovalStatus = user.ApprovalStatus
	principal, err := models.PrincipalFromClaims(&current)
	if err != nil {
		return nil, nil, err
	}
	return principal, &current, nil
}

// Me returns the profile of the authenticated user.
func (s *AuthService) Me(ctx context.Context, userID string) (*models.UserInfo, error) {
	ctx, cancel := withStoreTimeout(ctx, s.config.StoreTimeout)
	defer cancel()
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, storeError(err, appErrors.ErrUserNotFound)
	}
	info := userInfo(user)
	return &info, nil
}

// EnsurePlatformAdmin creates the first SuperAdmin when email is set and unused.
func (s *AuthService) EnsurePlatformAdmin(ctx context.Context, email, password, fullName string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil
	}
	if len(password) < 8 {
		return appErrors.Clone(appErrors.ErrValidation, "bootstrap admin password must be at least 8 characters")
	}
	ctx, cancel := withStoreTimeout(ctx, s.config.StoreTimeout)
	defer cancel()
	_, err := s.store.FindUserByEmail(ctx, email)
	if err == nil {
		return nil
	}
	if typed := storeError(err, appErrors.ErrUserNotFound); !errors.Is(typed, appErrors.ErrUserNotFound) {
		return typed
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}
	now := s.now()
	admin := &models.User{
		ID:             uuid.NewString(),
		Email:          email,
		PasswordHash:   string(hash),
		FullName:       fullName,
		Role:           models.RoleSuperAdmin,
		ApprovalStatus: models.ApprovalStatusApproved,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateUser(ctx, admin); err != nil {
		return storeError(err, appErrors.ErrUserNotFound)
	}
	s.logger.Info("platform administrator created", zap.String("user_id", admin.ID), zap.String("email", email))
	return nil
}

func (s *AuthService) audit(ctx context.Context, userID, action, resource, resourceID, newValues, ip, userAgent string) {
	ctx, cancel := withStoreTimeout(context.WithoutCancel(ctx), s.config.StoreTimeout)
	defer cancel()
	if err := s.store.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     &userID,
		Action:     action,
		Resource:   resource,
		ResourceID: &resourceID,
		NewValues:  []byte(newValues),
		IPAddress:  ip,
		UserAgent:  userAgent,
	}); err != nil {
		s.logger.Warn("failed to record audit log", zap.String("action", action), zap.Error(err))
	}
}

func (s *AuthService) generateAccessToken(user *models.User) (string, time.Time, error) {
	issuedAt := s.now()
	expiresAt := issuedAt.Add(s.config.AccessTokenExpiry)
	claims := &models.JWTClaims{
		UserID:         user.ID,
		Role:           user.Role,
		InstitutionID:  user.Institution(),
		ApprovalStatus: user.ApprovalStatus,
		Email:          user.Email,
		FullName:       user.FullName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   user.ID,
			Audience:  s.config.Audience,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.config.AccessTokenSecret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, issuedAt, nil
}

func userInfo(user *models.User) models.UserInfo {
	return models.UserInfo{
		ID:             user.ID,
		Email:          user.Email,
		FullName:       user.FullName,
		Role:           user.Role,
		InstitutionID:  user.Institution(),
		ApprovalStatus: user.ApprovalStatus,
		Limited:        user.Role.Track() == models.TrackInstitutional && user.ApprovalStatus != models.ApprovalStatusApproved,
	}
}

func registrationEvent(req *models.ApprovalRequest) models.DomainEvent {
	return models.DomainEvent{
		ID:           ids.NewEventID(),
		Type:         fmt.Sprintf("%s.%s", models.EntityApprovalRequest, strings.ToLower(string(req.Status))),
		Entity:       models.EntityApprovalRequest,
		EntityID:     req.ID,
		TargetUserID: req.RequestorID,
		ActorID:      req.RequestorID,
		To:           string(req.Status),
		OccurredAt:   req.SubmittedAt,
	}
}
