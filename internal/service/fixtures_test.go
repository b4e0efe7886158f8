package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/edutier-api/internal/models"
	"github.com/noah-isme/edutier-api/internal/repository"
)

var fixtureSeq int64

var fixedNow = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type eventRecorder struct {
	mu     sync.Mutex
	events []models.DomainEvent
}

func (r *eventRecorder) Publish(event models.DomainEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) Events() []models.DomainEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.DomainEvent, len(r.events))
	copy(out, r.events)
	return out
}

func defaultEngineConfig() EngineConfig {
	return EngineConfig{
		AllowResubmission:          true,
		RequireVerifiedInstitution: true,
		StoreTimeout:               time.Second,
	}
}

func newApprovalFixture(t *testing.T, cfg EngineConfig, opts ...EngineOption) (*ApprovalService, *repository.MemoryStore, *eventRecorder) {
	t.Helper()
	store := repository.NewMemoryStore()
	events := &eventRecorder{}
	opts = append([]EngineOption{WithEventPublisher(events), WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewApprovalService(store, nil, cfg, opts...), store, events
}

func seedInstitution(t *testing.T, store repository.ApprovalStore, status models.InstitutionStatus, maxAdmins, maxModerators int) *models.Institution {
	t.Helper()
	n := atomic.AddInt64(&fixtureSeq, 1)
	inst := &models.Institution{
		Name:   fmt.Sprintf("Institution %d", n),
		Code:   fmt.Sprintf("INST-%d", n),
		Status: status,
		InstitutionSettings: models.InstitutionSettings{
			MaxAdmins:     maxAdmins,
			MaxModerators: maxModerators,
		},
	}
	require.NoError(t, store.CreateInstitution(context.Background(), inst))
	return inst
}

func seedUser(t *testing.T, store repository.ApprovalStore, role models.Role, institutionID string, status models.ApprovalStatus) *models.User {
	t.Helper()
	n := atomic.AddInt64(&fixtureSeq, 1)
	user := &models.User{
		Email:          fmt.Sprintf("user-%d@example.com", n),
		FullName:       fmt.Sprintf("User %d", n),
		Role:           role,
		ApprovalStatus: status,
		Active:         true,
	}
	if institutionID != "" {
		id := institutionID
		user.InstitutionID = &id
	}
	require.NoError(t, store.CreateUser(context.Background(), user))
	return user
}

// seedRequest files a pending request directly in the store.
func seedRequest(t *testing.T, store repository.ApprovalStore, requestor *models.User, role models.Role, kind models.RequestKind, docs ...string) *models.ApprovalRequest {
	t.Helper()
	req := &models.ApprovalRequest{
		RequestorID:   requestor.ID,
		InstitutionID: requestor.Institution(),
		RequestedRole: role,
		Kind:          kind,
		Status:        models.ApprovalStatusPending,
		SubmittedAt:   fixedNow.Add(-time.Hour),
		Documents:     newDocuments(docs),
	}
	err := store.WithinInstitution(context.Background(), requestor.Institution(), func(tx repository.StoreTx) error {
		return tx.CreateRequest(context.Background(), req)
	})
	require.NoError(t, err)
	return req
}

// pendingMember seeds a limited user together with their registration request.
func pendingMember(t *testing.T, store repository.ApprovalStore, institutionID string, role models.Role) (*models.User, *models.ApprovalRequest) {
	t.Helper()
	user := seedUser(t, store, role, institutionID, models.ApprovalStatusPending)
	return user, seedRequest(t, store, user, role, models.RequestKindRegistration)
}

func principalOf(t *testing.T, user *models.User) models.Principal {
	t.Helper()
	if user.Role.Track() == models.TrackPlatform {
		p, err := models.NewPlatformPrincipal(user.ID, user.Role)
		require.NoError(t, err)
		return p
	}
	p, err := models.NewInstitutionPrincipal(user.ID, user.Role, user.Institution(), user.ApprovalStatus)
	require.NoError(t, err)
	return p
}

func superAdmin(t *testing.T, store repository.ApprovalStore) models.Principal {
	t.Helper()
	return principalOf(t, seedUser(t, store, models.RoleSuperAdmin, "", models.ApprovalStatusApproved))
}

// interleavingStore runs beforeSection once, ahead of the first critical section.
type interleavingStore struct {
	repository.ApprovalStore
	once          sync.Once
	beforeSection func()
}

func (s *interleavingStore) WithinInstitution(ctx context.Context, institutionID string, fn func(tx repository.StoreTx) error) error {
	s.once.Do(s.beforeSection)
	return s.ApprovalStore.WithinInstitution(ctx, institutionID, fn)
}

// failingStore injects errors into the store view handed to a critical section.
type failingStore struct {
	repository.ApprovalStore
	failUserUpdate error
}

func (f *failingStore) WithinInstitution(ctx context.Context, institutionID string, fn func(tx repository.StoreTx) error) error {
	return f.ApprovalStore.WithinInstitution(ctx, institutionID, func(tx repository.StoreTx) error {
		return fn(&failingTx{StoreTx: tx, failUserUpdate: f.failUserUpdate})
	})
}

type failingTx struct {
	repository.StoreTx
	failUserUpdate error
}

func (f *failingTx) UpdateUserApproval(ctx context.Context, params repository.UpdateUserApprovalParams) error {
	if f.failUserUpdate != nil {
		return f.failUserUpdate
	}
	return f.StoreTx.UpdateUserApproval(ctx, params)
}
