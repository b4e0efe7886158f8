package service

import (
	"context"
	"fmt"
	"time"

	"github.com/noah-isme/edutier-api/internal/models"
	"github.com/noah-isme/edutier-api/internal/repository"
	appErrors "github.com/noah-isme/edutier-api/pkg/errors"
)

// capacityReader is satisfied by the store and by a StoreTx inside a critical section.
type capacityReader interface {
	GetInstitution(ctx context.Context, id string) (*models.Institution, error)
	CountHeadcount(ctx context.Context, institutionID string) (repository.Headcount, error)
}

// CapacityUsage is the current and maximum headcount of one capacity-limited role.
type CapacityUsage struct {
	Role    models.Role
	Current int
	Limit   int
}

// Exceeded reports whether granting one more member would breach the limit.
func (u CapacityUsage) Exceeded() bool {
	return u.Current+1 > u.Limit
}

// CapacityGuard answers whether one more approved Admin or Moderator fits an institution.
// Counts always come from the store at decision time.
type CapacityGuard struct {
	store   capacityReader
	timeout time.Duration
}

// NewCapacityGuard constructs the guard.
func NewCapacityGuard(store capacityReader, timeout time.Duration) *CapacityGuard {
	return &CapacityGuard{store: store, timeout: timeout}
}

// WouldExceed has no side effects. Roles without a limit never exceed.
func (g *CapacityGuard) WouldExceed(ctx context.Context, institutionID string, role models.Role) (bool, error) {
	if _, err := models.RankOf(role); err != nil {
		return false, err
	}
	if !role.CapacityLimited() {
		return false, nil
	}
	ctx, cancel := withStoreTimeout(ctx, g.timeout)
	defer cancel()
	usage, err := g.usage(ctx, g.store, institutionID, role)
	if err != nil {
		return false, err
	}
	return usage.Exceeded(), nil
}

// Check evaluates capacity through reader, normally the StoreTx of the institution's
// critical section, and fails with CAPACITY_EXCEEDED naming the limit.
func (g *CapacityGuard) Check(ctx context.Context, reader capacityReader, institutionID string, role models.Role) error {
	if !role.CapacityLimited() {
		return nil
	}
	usage, err := g.usage(ctx, reader, institutionID, role)
	if err != nil {
		return err
	}
	if usage.Exceeded() {
		return capacityExceeded(usage)
	}
	return nil
}

func (g *CapacityGuard) usage(ctx context.Context, reader capacityReader, institutionID string, role models.Role) (CapacityUsage, error) {
	inst, err := reader.GetInstitution(ctx, institutionID)
	if err != nil {
		return CapacityUsage{}, storeError(err, appErrors.ErrInstitutionNotFound)
	}
	counts, err := reader.CountHeadcount(ctx, institutionID)
	if err != nil {
		return CapacityUsage{}, storeError(err, appErrors.ErrInstitutionNotFound)
	}
	return CapacityUsage{Role: role, Current: counts.Of(role), Limit: inst.Limit(role)}, nil
}

func capacityExceeded(usage CapacityUsage) error {
	return appErrors.Clone(appErrors.ErrCapacityExceeded,
		fmt.Sprintf("%s limit reached: %d/%d", usage.Role.Label(), usage.Current, usage.Limit))
}
