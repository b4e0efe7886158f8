package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/edutier-api/internal/dto"
	"github.com/noah-isme/edutier-api/internal/models"
	appErrors "github.com/noah-isme/edutier-api/pkg/errors"
)

// BulkConfig bounds a bulk call.
type BulkConfig struct {
	MaxItems    int
	MaxParallel int
}

// BulkCoordinator applies one event to many targets. Items of the same institution
// run one after another; different institutions run in parallel.
type BulkCoordinator struct {
	approvals *ApprovalService
	logger    *zap.Logger
	cfg       BulkConfig
}

// NewBulkCoordinator constructs the coordinator.
func NewBulkCoordinator(approvals *ApprovalService, cfg BulkConfig, logger *zap.Logger) *BulkCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 200
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 8
	}
	return &BulkCoordinator{approvals: approvals, logger: logger, cfg: cfg}
}

// bulkItem keeps the caller's id string for reporting and the trimmed form for lookups.
type bulkItem struct {
	id          string
	target      string
	institution string
	err         error
}

// ApplyBulk reports every distinct input id exactly once, as the caller spelled it.
// Only malformed calls fail as a whole; per-item failures, blank ids included, land in the result.
func (c *BulkCoordinator) ApplyBulk(ctx context.Context, p models.Principal, kind models.EntityKind, ids []string, event models.Event, notes string) (*dto.BulkResult, error) {
	if p == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if kind != models.EntityApprovalRequest && kind != models.EntityInstitution {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown entity kind %q", kind))
	}
	items := dedupe(ids)
	if len(items) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "ids must not be empty")
	}
	if len(items) > c.cfg.MaxItems {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("at most %d ids per bulk call", c.cfg.MaxItems))
	}

	c.resolveInstitutions(ctx, kind, items)

	groups := make(map[string][]int)
	var order []string
	for i := range items {
		if items[i].err != nil {
			continue
		}
		key := items[i].institution
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], i)
	}

	var g errgroup.Group
	g.SetLimit(c.cfg.MaxParallel)
	for _, key := range order {
		indexes := groups[key]
		g.Go(func() error {
			for _, i := range indexes {
				_, items[i].err = c.approvals.Transition(ctx, p, kind, items[i].target, event, notes)
			}
			return nil
		})
	}
	_ = g.Wait()

	result := &dto.BulkResult{Succeeded: []string{}, Failed: []dto.BulkFailure{}}
	for _, item := range items {
		if item.err == nil {
			result.Succeeded = append(result.Succeeded, item.id)
			continue
		}
		typed := appErrors.FromError(item.err)
		result.Failed = append(result.Failed, dto.BulkFailure{ID: item.id, Code: typed.Code, Reason: typed.Message})
	}

	c.approvals.metrics.ObserveBulk(string(kind), len(result.Succeeded), len(result.Failed))
	c.logger.Info("bulk transition applied",
		zap.String("entity", string(kind)),
		zap.String("event", string(event)),
		zap.Int("succeeded", len(result.Succeeded)),
		zap.Int("failed", len(result.Failed)),
		zap.Int("institutions", len(order)),
	)
	return result, nil
}

// resolveInstitutions finds the institution each item belongs to. Requests that
// cannot be loaded are failed in place.
func (c *BulkCoordinator) resolveInstitutions(ctx context.Context, kind models.EntityKind, items []bulkItem) {
	if kind == models.EntityInstitution {
		for i := range items {
			items[i].institution = items[i].target
		}
		return
	}
	var g errgroup.Group
	g.SetLimit(c.cfg.MaxParallel)
	for i := range items {
		item := &items[i]
		if item.err != nil {
			continue
		}
		g.Go(func() error {
			req, err := c.approvals.loadRequest(ctx, item.target)
			if err != nil {
				item.err = err
				return nil
			}
			item.institution = req.InstitutionID
			return nil
		})
	}
	_ = g.Wait()
}

func dedupe(ids []string) []bulkItem {
	seen := make(map[string]struct{}, len(ids))
	items := make([]bulkItem, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		item := bulkItem{id: id, target: strings.TrimSpace(id)}
		if item.target == "" {
			item.err = appErrors.Clone(appErrors.ErrValidation, "id must not be blank")
		}
		items = append(items, item)
	}
	return items
}
