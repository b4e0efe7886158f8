package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/edutier-api/internal/models"
	"github.com/noah-isme/edutier-api/internal/repository"
	"github.com/noah-isme/edutier-api/pkg/ids"
)

// EngineConfig carries the approval policy knobs shared by the engine services.
type EngineConfig struct {
	AllowResubmission          bool
	AllowInstitutionReopen     bool
	RequireVerifiedInstitution bool
	StoreTimeout               time.Duration
}

// EngineOption configures the engine services.
type EngineOption func(*engine)

// WithEventPublisher sets the collaborator receiving committed domain events.
func WithEventPublisher(publisher EventPublisher) EngineOption {
	return func(e *engine) {
		if publisher != nil {
			e.events = publisher
		}
	}
}

// WithCountsCache enables the display cache for headcount snapshots.
func WithCountsCache(cache *CacheService) EngineOption {
	return func(e *engine) { e.cache = cache }
}

// WithMetrics records decision metrics.
func WithMetrics(metrics *MetricsService) EngineOption {
	return func(e *engine) { e.metrics = metrics }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *engine) {
		if now != nil {
			e.now = now
		}
	}
}

// engine holds the collaborators shared by ApprovalService and InstitutionService.
type engine struct {
	store   repository.ApprovalStore
	guard   *CapacityGuard
	machine *StateMachine
	authz   *Authorizer
	events  EventPublisher
	cache   *CacheService
	metrics *MetricsService
	logger  *zap.Logger
	cfg     EngineConfig
	now     func() time.Time
}

type noopPublisher struct{}

func (noopPublisher) Publish(models.DomainEvent) {}

func newEngine(store repository.ApprovalStore, logger *zap.Logger, cfg EngineConfig, opts ...EngineOption) engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	e := engine{
		store:   store,
		guard:   NewCapacityGuard(store, cfg.StoreTimeout),
		machine: NewStateMachine(cfg.AllowInstitutionReopen),
		authz:   NewAuthorizer(),
		events:  noopPublisher{},
		logger:  logger,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&e)
		}
	}
	return e
}

func (e *engine) publish(entity models.EntityKind, entityID, targetUserID, actorID, from, to, notes string, at time.Time) {
	e.events.Publish(models.DomainEvent{
		ID:           ids.NewEventID(),
		Type:         fmt.Sprintf("%s.%s", entity, strings.ToLower(to)),
		Entity:       entity,
		EntityID:     entityID,
		TargetUserID: targetUserID,
		ActorID:      actorID,
		From:         from,
		To:           to,
		Notes:        notes,
		OccurredAt:   at,
	})
}

// publishToInstitution addresses an institution event to each of its admins,
// pending ones included. Without admins the event goes out unaddressed.
func (e *engine) publishToInstitution(ctx context.Context, institutionID, actorID, from, to, notes string, at time.Time) {
	lookupCtx, cancel := withStoreTimeout(context.WithoutCancel(ctx), e.cfg.StoreTimeout)
	targets, err := e.store.ListMemberIDs(lookupCtx, institutionID, models.RoleAdmin)
	cancel()
	if err != nil {
		e.logger.Warn("failed to resolve institution event recipients", zap.String("institution_id", institutionID), zap.Error(err))
	}
	if len(targets) == 0 {
		e.publish(models.EntityInstitution, institutionID, "", actorID, from, to, notes, at)
		return
	}
	for _, target := range targets {
		e.publish(models.EntityInstitution, institutionID, target, actorID, from, to, notes, at)
	}
}

// emitAudit is best effort; a failure is logged and never fails the committed operation.
func (e *engine) emitAudit(ctx context.Context, actorID, action, resource, resourceID string, oldValues, newValues interface{}) {
	entry := &models.AuditLog{
		Action:     action,
		Resource:   resource,
		IPAddress:  "system",
		UserAgent:  "approval-engine",
		OldValues:  marshalAudit(oldValues),
		NewValues:  marshalAudit(newValues),
		ResourceID: &resourceID,
	}
	if actorID != "" {
		entry.UserID = &actorID
	}
	ctx, cancel := withStoreTimeout(context.WithoutCancel(ctx), e.cfg.StoreTimeout)
	defer cancel()
	if err := e.store.CreateAuditLog(ctx, entry); err != nil {
		e.logger.Warn("failed to persist audit log", zap.String("action", action), zap.String("resource_id", resourceID), zap.Error(err))
	}
}

func marshalAudit(v interface{}) []byte {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

// invalidateCounts rotates the counts version before dropping the snapshot, so a
// snapshot computed before this commit is never served once it lands.
func (e *engine) invalidateCounts(ctx context.Context, institutionID string) {
	ctx = context.WithoutCancel(ctx)
	e.cache.Set(ctx, countsVersionKey(institutionID), ids.NewEventID(), countsVersionTTL)
	e.cache.Invalidate(ctx, countsCacheKey(institutionID))
}

func (e *engine) countsVersion(ctx context.Context, institutionID string) string {
	var version string
	e.cache.Get(ctx, countsVersionKey(institutionID), &version)
	return version
}

// within runs fn in the institution's critical section under a commit context
// and reports how long the section took.
func (e *engine) within(ctx context.Context, operation, institutionID string, fn func(ctx context.Context, tx repository.StoreTx) error) error {
	commitCtx, cancel := commitContext(ctx, e.cfg.StoreTimeout)
	defer cancel()
	start := time.Now()
	err := e.store.WithinInstitution(commitCtx, institutionID, func(tx repository.StoreTx) error {
		return fn(commitCtx, tx)
	})
	e.metrics.ObserveStore(operation, time.Since(start))
	return err
}
