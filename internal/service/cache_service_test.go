package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/edutier-api/internal/models"
	appErrors "github.com/noah-isme/edutier-api/pkg/errors"
)

type stubCacheRepo struct {
	mu      sync.Mutex
	data    map[string][]byte
	deleted []string
	getErr  error
	// beforeSet runs ahead of each write without the lock held.
	beforeSet func(key string)
}

func (s *stubCacheRepo) Get(_ context.Context, key string, dest interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return s.getErr
	}
	raw, ok := s.data[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (s *stubCacheRepo) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	if s.beforeSet != nil {
		s.beforeSet(key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if s.data == nil {
		s.data = map[string][]byte{}
	}
	s.data[key] = raw
	return nil
}

func (s *stubCacheRepo) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.data, key)
		s.deleted = append(s.deleted, key)
	}
	return nil
}

func TestCapacityDecisionsBypassCountsCache(t *testing.T) {
	repo := &stubCacheRepo{}
	cache := NewCacheService(repo, nil, time.Minute, zap.NewNop(), true)
	svc, store, _ := newApprovalFixture(t, defaultEngineConfig(), WithCountsCache(cache))
	inst := seedInstitution(t, store, models.InstitutionStatusVerified, 2, 5)
	root := superAdmin(t, store)
	ctx := context.Background()

	first, err := svc.GetCounts(ctx, root, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, first.Admins)
	require.Contains(t, repo.data, countsCacheKey(inst.ID))

	// written behind the engine's back; the display cache still answers
	seedUser(t, store, models.RoleAdmin, inst.ID, models.ApprovalStatusApproved)
	cached, err := svc.GetCounts(ctx, root, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, cached.Admins)

	// capacity decisions never read through the cache
	_, pending := pendingMember(t, store, inst.ID, models.RoleAdmin)
	_, err = svc.Transition(ctx, root, models.EntityApprovalRequest, pending.ID, models.EventApprove, "")
	require.NoError(t, err)
	assert.Contains(t, repo.deleted, countsCacheKey(inst.ID))

	fresh, err := svc.GetCounts(ctx, root, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.Admins)
	assert.Equal(t, 2, fresh.MaxAdmins)

	exceeded, err := svc.WouldExceed(ctx, root, inst.ID, models.RoleAdmin)
	require.NoError(t, err)
	assert.True(t, exceeded)
}

func TestCountsSnapshotRacingADecisionIsNotServed(t *testing.T) {
	repo := &stubCacheRepo{}
	cache := NewCacheService(repo, nil, time.Minute, zap.NewNop(), true)
	svc, store, _ := newApprovalFixture(t, defaultEngineConfig(), WithCountsCache(cache))
	inst := seedInstitution(t, store, models.InstitutionStatusVerified, 3, 5)
	root := superAdmin(t, store)
	_, pending := pendingMember(t, store, inst.ID, models.RoleAdmin)
	ctx := context.Background()

	// the approval commits after the snapshot was read but before it is cached
	fired := false
	repo.beforeSet = func(key string) {
		if key != countsCacheKey(inst.ID) || fired {
			return
		}
		fired = true
		_, err := svc.Transition(ctx, root, models.EntityApprovalRequest, pending.ID, models.EventApprove, "")
		require.NoError(t, err)
	}

	stale, err := svc.GetCounts(ctx, root, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stale.Admins)
	require.True(t, fired)
	require.Contains(t, repo.data, countsCacheKey(inst.ID))
	require.Contains(t, repo.data, countsVersionKey(inst.ID))

	fresh, err := svc.GetCounts(ctx, root, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.Admins)

	cached, err := svc.GetCounts(ctx, root, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, cached.Admins)
}

func TestCacheServiceFailuresAreMisses(t *testing.T) {
	ctx := context.Background()

	disabled := NewCacheService(&stubCacheRepo{}, nil, time.Minute, nil, false)
	assert.False(t, disabled.Enabled())
	var out models.HeadcountSnapshot
	assert.False(t, disabled.Get(ctx, "k", &out))

	var nilCache *CacheService
	assert.False(t, nilCache.Enabled())
	nilCache.Set(ctx, "k", out, 0)
	nilCache.Invalidate(ctx, "k")

	broken := NewCacheService(&stubCacheRepo{getErr: assert.AnError}, nil, 0, nil, true)
	assert.False(t, broken.Get(ctx, "k", &out))

	repo := &stubCacheRepo{}
	live := NewCacheService(repo, nil, 0, nil, true)
	live.Set(ctx, "k", models.HeadcountSnapshot{Admins: 1}, 0)
	require.True(t, live.Get(ctx, "k", &out))
	assert.Equal(t, 1, out.Admins)
	live.Invalidate(ctx)
	assert.Empty(t, repo.deleted)
}
