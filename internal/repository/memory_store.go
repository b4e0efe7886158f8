package repository

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/edutier-api/internal/models"
)

// MemoryStore is an in-process ApprovalStore used by the memory driver and tests.
// Each institution has its own exclusive section; there is no store-wide section lock.
type MemoryStore struct {
	mu           sync.RWMutex
	institutions map[string]models.Institution
	users        map[string]models.User
	requests     map[string]models.ApprovalRequest
	audit        []models.AuditLog

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		institutions: make(map[string]models.Institution),
		users:        make(map[string]models.User),
		requests:     make(map[string]models.ApprovalRequest),
		locks:        make(map[string]chan struct{}),
	}
}

func (s *MemoryStore) sectionFor(institutionID string) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.locks[institutionID]
	if !ok {
		lock = make(chan struct{}, 1)
		s.locks[institutionID] = lock
	}
	return lock
}

// WithinInstitution stages writes made through tx and publishes them together when fn succeeds.
func (s *MemoryStore) WithinInstitution(ctx context.Context, institutionID string, fn func(tx StoreTx) error) error {
	s.mu.RLock()
	_, ok := s.institutions[institutionID]
	s.mu.RUnlock()
	if !ok {
		return sql.ErrNoRows
	}

	lock := s.sectionFor(institutionID)
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-lock }()

	tx := s.newTx(false)
	if err := fn(tx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return tx.commitLocked()
}

// write runs fn holding the data lock for the whole read-check-write sequence.
func (s *MemoryStore) write(fn func(tx *memoryTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := s.newTx(true)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commitLocked()
}

func (s *MemoryStore) GetInstitution(ctx context.Context, id string) (*models.Institution, error) {
	return s.newTx(false).GetInstitution(ctx, id)
}

func (s *MemoryStore) CountHeadcount(ctx context.Context, institutionID string) (Headcount, error) {
	return s.newTx(false).CountHeadcount(ctx, institutionID)
}

func (s *MemoryStore) GetRequest(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	return s.newTx(false).GetRequest(ctx, id)
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.newTx(false).GetUser(ctx, id)
}

func (s *MemoryStore) HasRejectedRequest(ctx context.Context, requestorID, institutionID string, role models.Role) (bool, error) {
	return s.newTx(false).HasRejectedRequest(ctx, requestorID, institutionID, role)
}

func (s *MemoryStore) CreateUser(ctx context.Context, user *models.User) error {
	return s.write(func(tx *memoryTx) error { return tx.CreateUser(ctx, user) })
}

func (s *MemoryStore) CreateRequest(ctx context.Context, req *models.ApprovalRequest) error {
	return s.write(func(tx *memoryTx) error { return tx.CreateRequest(ctx, req) })
}

func (s *MemoryStore) UpdateRequestStatus(ctx context.Context, params UpdateRequestStatusParams) error {
	return s.write(func(tx *memoryTx) error { return tx.UpdateRequestStatus(ctx, params) })
}

func (s *MemoryStore) UpdateUserApproval(ctx context.Context, params UpdateUserApprovalParams) error {
	return s.write(func(tx *memoryTx) error { return tx.UpdateUserApproval(ctx, params) })
}

func (s *MemoryStore) UpdateInstitutionStatus(ctx context.Context, params UpdateInstitutionStatusParams) error {
	return s.write(func(tx *memoryTx) error { return tx.UpdateInstitutionStatus(ctx, params) })
}

func (s *MemoryStore) UpdateInstitutionSettings(ctx context.Context, id string, settings models.InstitutionSettings, at time.Time) error {
	return s.write(func(tx *memoryTx) error { return tx.UpdateInstitutionSettings(ctx, id, settings, at) })
}

func (s *MemoryStore) SetUserActive(ctx context.Context, userID string, active bool, at time.Time) error {
	return s.write(func(tx *memoryTx) error { return tx.SetUserActive(ctx, userID, active, at) })
}

// FindUserByEmail looks a user up case-insensitively.
func (s *MemoryStore) FindUserByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, user := range s.users {
		if strings.EqualFold(user.Email, email) {
			return cloneUser(user), nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *MemoryStore) UpdateLastLogin(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return nil
	}
	ts := at
	user.LastLogin = &ts
	user.UpdatedAt = at
	s.users[userID] = user
	return nil
}

// ListMemberIDs mirrors the Postgres query: active, not rejected, oldest first.
func (s *MemoryStore) ListMemberIDs(_ context.Context, institutionID string, role models.Role) ([]string, error) {
	s.mu.RLock()
	members := make([]models.User, 0)
	for _, user := range s.users {
		if user.Institution() != institutionID || user.Role != role || !user.Active {
			continue
		}
		if user.ApprovalStatus != models.ApprovalStatusPending && user.ApprovalStatus != models.ApprovalStatusApproved {
			continue
		}
		members = append(members, user)
	}
	s.mu.RUnlock()

	sort.Slice(members, func(i, j int) bool {
		if members[i].CreatedAt.Equal(members[j].CreatedAt) {
			return members[i].ID < members[j].ID
		}
		return members[i].CreatedAt.Before(members[j].CreatedAt)
	})
	ids := make([]string, len(members))
	for i, user := range members {
		ids[i] = user.ID
	}
	return ids, nil
}

// ListRequests mirrors the Postgres ordering: latest submission first.
func (s *MemoryStore) ListRequests(_ context.Context, filter models.ApprovalFilter) ([]models.ApprovalRequest, int, error) {
	s.mu.RLock()
	matched := make([]models.ApprovalRequest, 0)
	for _, req := range s.requests {
		if !matchesRequest(req, filter) {
			continue
		}
		matched = append(matched, *cloneRequest(req))
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].SubmittedAt.Equal(matched[j].SubmittedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].SubmittedAt.After(matched[j].SubmittedAt)
	})
	total := len(matched)
	limit, offset := normalizeLimit(filter.Limit, filter.Offset)
	if offset >= total {
		return []models.ApprovalRequest{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func matchesRequest(req models.ApprovalRequest, filter models.ApprovalFilter) bool {
	if len(filter.Status) > 0 {
		found := false
		for _, status := range filter.Status {
			if req.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.InstitutionID != "" && req.InstitutionID != filter.InstitutionID {
		return false
	}
	if filter.RequestorID != "" && req.RequestorID != filter.RequestorID {
		return false
	}
	if filter.RequestedRole != "" && req.RequestedRole != filter.RequestedRole {
		return false
	}
	return true
}

func (s *MemoryStore) SetDocumentVerified(ctx context.Context, requestID string, position int, verified bool, by string, at time.Time) error {
	return s.write(func(tx *memoryTx) error { return tx.SetDocumentVerified(ctx, requestID, position, verified, by, at) })
}

func (s *MemoryStore) CreateInstitution(_ context.Context, inst *models.Institution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.institutions {
		if strings.EqualFold(existing.Code, inst.Code) {
			return ErrDuplicateCode
		}
	}
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now().UTC()
	}
	inst.UpdatedAt = inst.CreatedAt
	if inst.FeatureFlags == nil {
		inst.FeatureFlags = models.FeatureFlags{}
	}
	s.institutions[inst.ID] = *cloneInstitution(*inst)
	return nil
}

func (s *MemoryStore) ListInstitutions(_ context.Context, filter models.InstitutionFilter) ([]models.Institution, int, error) {
	search := strings.ToLower(strings.TrimSpace(filter.Search))
	s.mu.RLock()
	matched := make([]models.Institution, 0)
	for _, inst := range s.institutions {
		if len(filter.Status) > 0 {
			found := false
			for _, status := range filter.Status {
				if inst.Status == status {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		if search != "" && !strings.Contains(strings.ToLower(inst.Name), search) && !strings.Contains(strings.ToLower(inst.Code), search) {
			continue
		}
		matched = append(matched, *cloneInstitution(inst))
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })
	total := len(matched)
	limit, offset := normalizeLimit(filter.Limit, filter.Offset)
	if offset >= total {
		return []models.Institution{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (s *MemoryStore) CreateAuditLog(_ context.Context, log *models.AuditLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.audit = append(s.audit, *log)
	s.mu.Unlock()
	return nil
}

// AuditLogs returns a snapshot of recorded audit entries.
func (s *MemoryStore) AuditLogs() []models.AuditLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.AuditLog, len(s.audit))
	copy(out, s.audit)
	return out
}

// memoryTx overlays staged writes on the committed maps. Commit replays each
// write as a field-level patch so concurrent writes to other fields survive.
type memoryTx struct {
	store        *MemoryStore
	held         bool
	institutions map[string]models.Institution
	users        map[string]models.User
	requests     map[string]models.ApprovalRequest
	createdUsers []string
	patches      []func(*MemoryStore)
}

func (s *MemoryStore) newTx(held bool) *memoryTx {
	return &memoryTx{
		store:        s,
		held:         held,
		institutions: make(map[string]models.Institution),
		users:        make(map[string]models.User),
		requests:     make(map[string]models.ApprovalRequest),
	}
}

func (t *memoryTx) read(fn func()) {
	if !t.held {
		t.store.mu.RLock()
		defer t.store.mu.RUnlock()
	}
	fn()
}

// commitLocked requires the data lock. Email uniqueness is checked again here
// because sections of different institutions may stage the same address.
func (t *memoryTx) commitLocked() error {
	for _, id := range t.createdUsers {
		created := t.users[id]
		for otherID, existing := range t.store.users {
			if otherID != id && strings.EqualFold(existing.Email, created.Email) {
				return ErrDuplicateEmail
			}
		}
	}
	for _, patch := range t.patches {
		patch(t.store)
	}
	return nil
}

func (t *memoryTx) patchInstitution(id string, apply func(*models.Institution)) {
	inst, _ := t.institution(id)
	staged := cloneInstitution(inst)
	apply(staged)
	t.institutions[id] = *staged
	t.patches = append(t.patches, func(s *MemoryStore) {
		current, ok := s.institutions[id]
		if !ok {
			return
		}
		out := cloneInstitution(current)
		apply(out)
		s.institutions[id] = *out
	})
}

func (t *memoryTx) patchUser(id string, apply func(*models.User)) {
	user, _ := t.user(id)
	staged := cloneUser(user)
	apply(staged)
	t.users[id] = *staged
	t.patches = append(t.patches, func(s *MemoryStore) {
		current, ok := s.users[id]
		if !ok {
			return
		}
		out := cloneUser(current)
		apply(out)
		s.users[id] = *out
	})
}

func (t *memoryTx) patchRequest(id string, apply func(*models.ApprovalRequest)) {
	req, _ := t.request(id)
	staged := cloneRequest(req)
	apply(staged)
	t.requests[id] = *staged
	t.patches = append(t.patches, func(s *MemoryStore) {
		current, ok := s.requests[id]
		if !ok {
			return
		}
		out := cloneRequest(current)
		apply(out)
		s.requests[id] = *out
	})
}

func (t *memoryTx) institution(id string) (models.Institution, bool) {
	if inst, ok := t.institutions[id]; ok {
		return inst, true
	}
	var inst models.Institution
	var ok bool
	t.read(func() { inst, ok = t.store.institutions[id] })
	return inst, ok
}

func (t *memoryTx) user(id string) (models.User, bool) {
	if user, ok := t.users[id]; ok {
		return user, true
	}
	var user models.User
	var ok bool
	t.read(func() { user, ok = t.store.users[id] })
	return user, ok
}

func (t *memoryTx) request(id string) (models.ApprovalRequest, bool) {
	if req, ok := t.requests[id]; ok {
		return req, true
	}
	var req models.ApprovalRequest
	var ok bool
	t.read(func() { req, ok = t.store.requests[id] })
	return req, ok
}

func (t *memoryTx) eachUser(fn func(models.User)) {
	t.read(func() {
		for id, user := range t.store.users {
			if staged, ok := t.users[id]; ok {
				user = staged
			}
			fn(user)
		}
	})
	for id, user := range t.users {
		var committed bool
		t.read(func() { _, committed = t.store.users[id] })
		if !committed {
			fn(user)
		}
	}
}

func (t *memoryTx) eachRequest(fn func(models.ApprovalRequest)) {
	t.read(func() {
		for id, req := range t.store.requests {
			if staged, ok := t.requests[id]; ok {
				req = staged
			}
			fn(req)
		}
	})
	for id, req := range t.requests {
		var committed bool
		t.read(func() { _, committed = t.store.requests[id] })
		if !committed {
			fn(req)
		}
	}
}

func (t *memoryTx) GetInstitution(_ context.Context, id string) (*models.Institution, error) {
	inst, ok := t.institution(id)
	if !ok {
		return nil, sql.ErrNoRows
	}
	return cloneInstitution(inst), nil
}

func (t *memoryTx) CountHeadcount(_ context.Context, institutionID string) (Headcount, error) {
	var counts Headcount
	t.eachUser(func(user models.User) {
		if user.Institution() != institutionID || !user.CountsTowardCapacity() {
			return
		}
		switch user.Role {
		case models.RoleAdmin:
			counts.Admins++
		case models.RoleModerator:
			counts.Moderators++
		}
	})
	return counts, nil
}

func (t *memoryTx) GetRequest(_ context.Context, id string) (*models.ApprovalRequest, error) {
	req, ok := t.request(id)
	if !ok {
		return nil, sql.ErrNoRows
	}
	return cloneRequest(req), nil
}

func (t *memoryTx) GetUser(_ context.Context, id string) (*models.User, error) {
	user, ok := t.user(id)
	if !ok {
		return nil, sql.ErrNoRows
	}
	return cloneUser(user), nil
}

func (t *memoryTx) HasRejectedRequest(_ context.Context, requestorID, institutionID string, role models.Role) (bool, error) {
	found := false
	t.eachRequest(func(req models.ApprovalRequest) {
		if req.RequestorID == requestorID && req.InstitutionID == institutionID &&
			req.RequestedRole == role && req.Status == models.ApprovalStatusRejected {
			found = true
		}
	})
	return found, nil
}

func (t *memoryTx) CreateUser(_ context.Context, user *models.User) error {
	duplicate := false
	t.eachUser(func(existing models.User) {
		if strings.EqualFold(existing.Email, user.Email) {
			duplicate = true
		}
	})
	if duplicate {
		return ErrDuplicateEmail
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.UpdatedAt = user.CreatedAt
	record := *cloneUser(*user)
	t.users[user.ID] = record
	t.createdUsers = append(t.createdUsers, user.ID)
	t.patches = append(t.patches, func(s *MemoryStore) { s.users[record.ID] = *cloneUser(record) })
	return nil
}

func (t *memoryTx) CreateRequest(_ context.Context, req *models.ApprovalRequest) error {
	duplicate := false
	t.eachRequest(func(existing models.ApprovalRequest) {
		if existing.Status.Open() && existing.RequestorID == req.RequestorID &&
			existing.InstitutionID == req.InstitutionID && existing.RequestedRole == req.RequestedRole {
			duplicate = true
		}
	})
	if duplicate {
		return ErrDuplicatePending
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Status == "" {
		req.Status = models.ApprovalStatusPending
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now().UTC()
	}
	for i := range req.Documents {
		req.Documents[i].Position = i
	}
	record := *cloneRequest(*req)
	t.requests[req.ID] = record
	t.patches = append(t.patches, func(s *MemoryStore) { s.requests[record.ID] = *cloneRequest(record) })
	return nil
}

func (t *memoryTx) UpdateRequestStatus(_ context.Context, params UpdateRequestStatusParams) error {
	req, ok := t.request(params.ID)
	if !ok || req.Status != params.From {
		return ErrStaleState
	}
	reviewer := params.ReviewerID
	t.patchRequest(params.ID, func(r *models.ApprovalRequest) {
		r.Status = params.To
		v := reviewer
		r.ReviewerID = &v
		if params.Notes != nil {
			notes := *params.Notes
			r.ReviewNotes = &notes
		}
		if params.ReviewedAt != nil {
			ts := *params.ReviewedAt
			r.ReviewedAt = &ts
		}
	})
	return nil
}

// SetDocumentVerified only touches documents of open requests.
func (t *memoryTx) SetDocumentVerified(_ context.Context, requestID string, position int, verified bool, by string, at time.Time) error {
	req, ok := t.request(requestID)
	if !ok || position < 0 || position >= len(req.Documents) {
		return sql.ErrNoRows
	}
	if !req.Status.Open() {
		return ErrStaleState
	}
	t.patchRequest(requestID, func(r *models.ApprovalRequest) {
		if position >= len(r.Documents) {
			return
		}
		doc := &r.Documents[position]
		doc.Verified = verified
		doc.VerifiedBy = nil
		doc.VerifiedAt = nil
		if verified {
			reviewer, ts := by, at
			doc.VerifiedBy = &reviewer
			doc.VerifiedAt = &ts
		}
	})
	return nil
}

func (t *memoryTx) UpdateUserApproval(_ context.Context, params UpdateUserApprovalParams) error {
	if _, ok := t.user(params.UserID); !ok {
		return sql.ErrNoRows
	}
	t.patchUser(params.UserID, func(u *models.User) {
		u.ApprovalStatus = params.ApprovalStatus
		if params.Role != nil {
			u.Role = *params.Role
		}
		if params.InstitutionID != nil {
			inst := *params.InstitutionID
			u.InstitutionID = &inst
		}
		u.UpdatedAt = params.UpdatedAt
	})
	return nil
}

func (t *memoryTx) UpdateInstitutionStatus(_ context.Context, params UpdateInstitutionStatusParams) error {
	inst, ok := t.institution(params.ID)
	if !ok || inst.Status != params.From {
		return ErrStaleState
	}
	t.patchInstitution(params.ID, func(i *models.Institution) {
		i.Status = params.To
		reviewer := params.ReviewerID
		i.ReviewedBy = &reviewer
		if params.Notes != nil {
			notes := *params.Notes
			i.ReviewNotes = &notes
		}
		ts := params.ReviewedAt
		i.ReviewedAt = &ts
		i.UpdatedAt = ts
	})
	return nil
}

func (t *memoryTx) UpdateInstitutionSettings(_ context.Context, id string, settings models.InstitutionSettings, at time.Time) error {
	if _, ok := t.institution(id); !ok {
		return sql.ErrNoRows
	}
	flags := cloneFlags(settings.FeatureFlags)
	t.patchInstitution(id, func(i *models.Institution) {
		i.MaxAdmins = settings.MaxAdmins
		i.MaxModerators = settings.MaxModerators
		i.FeatureFlags = cloneFlags(flags)
		i.UpdatedAt = at
	})
	return nil
}

func (t *memoryTx) SetUserActive(_ context.Context, userID string, active bool, at time.Time) error {
	if _, ok := t.user(userID); !ok {
		return sql.ErrNoRows
	}
	t.patchUser(userID, func(u *models.User) {
		u.Active = active
		u.UpdatedAt = at
	})
	return nil
}

func cloneUser(user models.User) *models.User {
	out := user
	if user.InstitutionID != nil {
		inst := *user.InstitutionID
		out.InstitutionID = &inst
	}
	if user.LastLogin != nil {
		ts := *user.LastLogin
		out.LastLogin = &ts
	}
	return &out
}

func cloneInstitution(inst models.Institution) *models.Institution {
	out := inst
	out.FeatureFlags = cloneFlags(inst.FeatureFlags)
	if inst.ReviewedBy != nil {
		v := *inst.ReviewedBy
		out.ReviewedBy = &v
	}
	if inst.ReviewNotes != nil {
		v := *inst.ReviewNotes
		out.ReviewNotes = &v
	}
	if inst.ReviewedAt != nil {
		v := *inst.ReviewedAt
		out.ReviewedAt = &v
	}
	return &out
}

func cloneFlags(flags models.FeatureFlags) models.FeatureFlags {
	out := make(models.FeatureFlags, len(flags))
	for k, v := range flags {
		out[k] = v
	}
	return out
}

func cloneRequest(req models.ApprovalRequest) *models.ApprovalRequest {
	out := req
	if req.AdminType != nil {
		v := *req.AdminType
		out.AdminType = &v
	}
	if req.ReviewerID != nil {
		v := *req.ReviewerID
		out.ReviewerID = &v
	}
	if req.ReviewNotes != nil {
		v := *req.ReviewNotes
		out.ReviewNotes = &v
	}
	if req.ReviewedAt != nil {
		v := *req.ReviewedAt
		out.ReviewedAt = &v
	}
	out.Documents = make([]models.Document, len(req.Documents))
	for i, doc := range req.Documents {
		out.Documents[i] = doc
		if doc.VerifiedBy != nil {
			v := *doc.VerifiedBy
			out.Documents[i].VerifiedBy = &v
		}
		if doc.VerifiedAt != nil {
			v := *doc.VerifiedAt
			out.Documents[i].VerifiedAt = &v
		}
	}
	return &out
}
