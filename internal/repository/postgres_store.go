package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/edutier-api/internal/models"
)

const (
	institutionColumns = `id, name, code, type, location, status, max_admins, max_moderators, feature_flags, reviewed_by, review_notes, reviewed_at, created_at, updated_at`
	userColumns        = `id, email, password_hash, full_name, role, institution_id, approval_status, active, last_login, created_at, updated_at`
	requestColumns     = `id, requestor_id, institution_id, requested_role, kind, admin_type, status, reviewer_id, review_notes, submitted_at, reviewed_at`
)

// pgQueries runs statements against either the pool or an open transaction.
type pgQueries struct {
	q sqlx.ExtContext
}

// PostgresStore is the sqlx-backed ApprovalStore.
type PostgresStore struct {
	pgQueries
	db *sqlx.DB
}

// NewPostgresStore constructs the store.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{pgQueries: pgQueries{q: db}, db: db}
}

// WithinInstitution serialises on the institution row with SELECT ... FOR UPDATE.
func (s *PostgresStore) WithinInstitution(ctx context.Context, institutionID string, fn func(tx StoreTx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin institution tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var locked string
	if err = tx.GetContext(ctx, &locked, `SELECT id FROM institutions WHERE id = $1 FOR UPDATE`, institutionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sql.ErrNoRows
		}
		return fmt.Errorf("lock institution: %w", err)
	}
	if err = fn(pgQueries{q: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit institution tx: %w", err)
	}
	return nil
}

// GetInstitution fetches an institution with its settings.
func (p pgQueries) GetInstitution(ctx context.Context, id string) (*models.Institution, error) {
	var inst models.Institution
	if err := sqlx.GetContext(ctx, p.q, &inst, `SELECT `+institutionColumns+` FROM institutions WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get institution: %w", err)
	}
	return &inst, nil
}

// CountHeadcount counts approved and active admins and moderators.
func (p pgQueries) CountHeadcount(ctx context.Context, institutionID string) (Headcount, error) {
	const query = `SELECT
	COUNT(*) FILTER (WHERE role = 'ADMIN') AS admins,
	COUNT(*) FILTER (WHERE role = 'MODERATOR') AS moderators
	FROM users WHERE institution_id = $1 AND approval_status = 'APPROVED' AND active`
	var counts Headcount
	if err := sqlx.GetContext(ctx, p.q, &counts, query, institutionID); err != nil {
		return Headcount{}, fmt.Errorf("count headcount: %w", err)
	}
	return counts, nil
}

// GetRequest fetches a request and its documents.
func (p pgQueries) GetRequest(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	var req models.ApprovalRequest
	if err := sqlx.GetContext(ctx, p.q, &req, `SELECT `+requestColumns+` FROM approval_requests WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get approval request: %w", err)
	}
	docs := []models.Document{}
	const docQuery = `SELECT position, name, verified, verified_by, verified_at FROM approval_documents WHERE request_id = $1 ORDER BY position`
	if err := sqlx.SelectContext(ctx, p.q, &docs, docQuery, id); err != nil {
		return nil, fmt.Errorf("get approval documents: %w", err)
	}
	req.Documents = docs
	return &req, nil
}

// GetUser fetches a user by id.
func (p pgQueries) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := sqlx.GetContext(ctx, p.q, &user, `SELECT `+userColumns+` FROM users WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &user, nil
}

// HasRejectedRequest reports whether the requestor was already rejected for the same role.
func (p pgQueries) HasRejectedRequest(ctx context.Context, requestorID, institutionID string, role models.Role) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM approval_requests
	WHERE requestor_id = $1 AND institution_id = $2 AND requested_role = $3 AND status = 'REJECTED')`
	var exists bool
	if err := sqlx.GetContext(ctx, p.q, &exists, query, requestorID, institutionID, role); err != nil {
		return false, fmt.Errorf("check rejected request: %w", err)
	}
	return exists, nil
}

// CreateUser inserts a user.
func (p pgQueries) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = user.CreatedAt
	const query = `INSERT INTO users (id, email, password_hash, full_name, role, institution_id, approval_status, active, created_at, updated_at)
	VALUES (:id, :email, :password_hash, :full_name, :role, :institution_id, :approval_status, :active, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, p.q, query, user); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// CreateRequest inserts a request and its documents in one statement.
// The partial unique index on open requests reports duplicates.
func (p pgQueries) CreateRequest(ctx context.Context, req *models.ApprovalRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Status == "" {
		req.Status = models.ApprovalStatusPending
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now().UTC()
	}
	positions := make([]int64, len(req.Documents))
	names := make([]string, len(req.Documents))
	for i := range req.Documents {
		req.Documents[i].Position = i
		positions[i] = int64(i)
		names[i] = req.Documents[i].Name
	}
	const query = `WITH r AS (
	INSERT INTO approval_requests (id, requestor_id, institution_id, requested_role, kind, admin_type, status, submitted_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id
)
INSERT INTO approval_documents (request_id, position, name)
SELECT r.id, d.position, d.name FROM r, unnest($9::int[], $10::text[]) AS d(position, name)`
	_, err := p.q.ExecContext(ctx, query,
		req.ID, req.RequestorID, req.InstitutionID, req.RequestedRole, req.Kind, req.AdminType,
		req.Status, req.SubmittedAt, pq.Array(positions), pq.Array(names))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicatePending
		}
		return fmt.Errorf("create approval request: %w", err)
	}
	return nil
}

// UpdateRequestStatus persists a decision while the request is still in params.From.
func (p pgQueries) UpdateRequestStatus(ctx context.Context, params UpdateRequestStatusParams) error {
	const query = `UPDATE approval_requests SET status = :to, reviewer_id = :reviewer_id,
	review_notes = COALESCE(:notes, review_notes), reviewed_at = COALESCE(:reviewed_at, reviewed_at)
	WHERE id = :id AND status = :from`
	result, err := sqlx.NamedExecContext(ctx, p.q, query, map[string]interface{}{
		"id":          params.ID,
		"from":        params.From,
		"to":          params.To,
		"reviewer_id": params.ReviewerID,
		"notes":       params.Notes,
		"reviewed_at": params.ReviewedAt,
	})
	if err != nil {
		return fmt.Errorf("update approval request status: %w", err)
	}
	return expectOneRow(result, ErrStaleState)
}

// UpdateUserApproval applies role, institution and approval status changes.
func (p pgQueries) UpdateUserApproval(ctx context.Context, params UpdateUserApprovalParams) error {
	const query = `UPDATE users SET approval_status = :approval_status, role = COALESCE(:role, role),
	institution_id = COALESCE(:institution_id, institution_id), updated_at = :updated_at
	WHERE id = :id`
	result, err := sqlx.NamedExecContext(ctx, p.q, query, map[string]interface{}{
		"id":              params.UserID,
		"approval_status": params.ApprovalStatus,
		"role":            params.Role,
		"institution_id":  params.InstitutionID,
		"updated_at":      params.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("update user approval: %w", err)
	}
	return expectOneRow(result, sql.ErrNoRows)
}

// UpdateInstitutionStatus persists an institution transition while it is still in params.From.
func (p pgQueries) UpdateInstitutionStatus(ctx context.Context, params UpdateInstitutionStatusParams) error {
	const query = `UPDATE institutions SET status = :to, reviewed_by = :reviewed_by,
	review_notes = COALESCE(:notes, review_notes), reviewed_at = :reviewed_at, updated_at = :reviewed_at
	WHERE id = :id AND status = :from`
	result, err := sqlx.NamedExecContext(ctx, p.q, query, map[string]interface{}{
		"id":          params.ID,
		"from":        params.From,
		"to":          params.To,
		"reviewed_by": params.ReviewerID,
		"notes":       params.Notes,
		"reviewed_at": params.ReviewedAt,
	})
	if err != nil {
		return fmt.Errorf("update institution status: %w", err)
	}
	return expectOneRow(result, ErrStaleState)
}

// UpdateInstitutionSettings replaces limits and feature flags.
func (p pgQueries) UpdateInstitutionSettings(ctx context.Context, id string, settings models.InstitutionSettings, at time.Time) error {
	const query = `UPDATE institutions SET max_admins = $2, max_moderators = $3, feature_flags = $4, updated_at = $5 WHERE id = $1`
	result, err := p.q.ExecContext(ctx, query, id, settings.MaxAdmins, settings.MaxModerators, settings.FeatureFlags, at)
	if err != nil {
		return fmt.Errorf("update institution settings: %w", err)
	}
	return expectOneRow(result, sql.ErrNoRows)
}

// SetUserActive toggles the active flag.
func (p pgQueries) SetUserActive(ctx context.Context, userID string, active bool, at time.Time) error {
	result, err := p.q.ExecContext(ctx, `UPDATE users SET active = $2, updated_at = $3 WHERE id = $1`, userID, active, at)
	if err != nil {
		return fmt.Errorf("set user active: %w", err)
	}
	return expectOneRow(result, sql.ErrNoRows)
}

// FindUserByEmail looks a user up case-insensitively.
func (p pgQueries) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	query := `SELECT ` + userColumns + ` FROM users WHERE LOWER(email) = LOWER($1) LIMIT 1`
	if err := sqlx.GetContext(ctx, p.q, &user, query, email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find user by email: %w", err)
	}
	return &user, nil
}

// UpdateLastLogin records a successful login.
func (p pgQueries) UpdateLastLogin(ctx context.Context, userID string, at time.Time) error {
	if _, err := p.q.ExecContext(ctx, `UPDATE users SET last_login = $2, updated_at = $2 WHERE id = $1`, userID, at); err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}

// ListMemberIDs returns active members holding role whose approval is not rejected, oldest first.
func (p pgQueries) ListMemberIDs(ctx context.Context, institutionID string, role models.Role) ([]string, error) {
	const query = `SELECT id FROM users WHERE institution_id = $1 AND role = $2 AND active
	AND approval_status IN ('PENDING', 'APPROVED') ORDER BY created_at, id`
	ids := []string{}
	if err := sqlx.SelectContext(ctx, p.q, &ids, query, institutionID, role); err != nil {
		return nil, fmt.Errorf("list member ids: %w", err)
	}
	return ids, nil
}

// ListRequests returns requests matching filter, latest first, with the total match count.
func (p pgQueries) ListRequests(ctx context.Context, filter models.ApprovalFilter) ([]models.ApprovalRequest, int, error) {
	args := make([]interface{}, 0, 6)
	conditions := make([]string, 0, 4)
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.InstitutionID != "" {
		args = append(args, filter.InstitutionID)
		conditions = append(conditions, fmt.Sprintf("institution_id = $%d", len(args)))
	}
	if filter.RequestorID != "" {
		args = append(args, filter.RequestorID)
		conditions = append(conditions, fmt.Sprintf("requestor_id = $%d", len(args)))
	}
	if filter.RequestedRole != "" {
		args = append(args, filter.RequestedRole)
		conditions = append(conditions, fmt.Sprintf("requested_role = $%d", len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := sqlx.GetContext(ctx, p.q, &total, "SELECT COUNT(*) FROM approval_requests"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count approval requests: %w", err)
	}

	limit, offset := normalizeLimit(filter.Limit, filter.Offset)
	query := fmt.Sprintf("SELECT %s FROM approval_requests%s ORDER BY submitted_at DESC LIMIT %d OFFSET %d", requestColumns, where, limit, offset)
	requests := []models.ApprovalRequest{}
	if err := sqlx.SelectContext(ctx, p.q, &requests, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list approval requests: %w", err)
	}
	if err := p.attachDocuments(ctx, requests); err != nil {
		return nil, 0, err
	}
	return requests, total, nil
}

type documentRow struct {
	RequestID string `db:"request_id"`
	models.Document
}

func (p pgQueries) attachDocuments(ctx context.Context, requests []models.ApprovalRequest) error {
	if len(requests) == 0 {
		return nil
	}
	ids := make([]string, len(requests))
	index := make(map[string]int, len(requests))
	for i := range requests {
		ids[i] = requests[i].ID
		index[requests[i].ID] = i
		requests[i].Documents = []models.Document{}
	}
	const query = `SELECT request_id, position, name, verified, verified_by, verified_at
	FROM approval_documents WHERE request_id = ANY($1) ORDER BY request_id, position`
	var rows []documentRow
	if err := sqlx.SelectContext(ctx, p.q, &rows, query, pq.Array(ids)); err != nil {
		return fmt.Errorf("list approval documents: %w", err)
	}
	for _, row := range rows {
		if i, ok := index[row.RequestID]; ok {
			requests[i].Documents = append(requests[i].Documents, row.Document)
		}
	}
	return nil
}

// SetDocumentVerified sets or clears the reviewer verification on one document.
// Documents of decided requests are left untouched and reported as missing.
func (p pgQueries) SetDocumentVerified(ctx context.Context, requestID string, position int, verified bool, by string, at time.Time) error {
	var verifiedBy *string
	var verifiedAt *time.Time
	if verified {
		verifiedBy = &by
		verifiedAt = &at
	}
	const query = `UPDATE approval_documents SET verified = $3, verified_by = $4, verified_at = $5
	WHERE request_id = $1 AND position = $2
	AND EXISTS (SELECT 1 FROM approval_requests WHERE id = $1 AND status IN ('PENDING', 'UNDER_REVIEW'))`
	result, err := p.q.ExecContext(ctx, query, requestID, position, verified, verifiedBy, verifiedAt)
	if err != nil {
		return fmt.Errorf("set document verified: %w", err)
	}
	return expectOneRow(result, sql.ErrNoRows)
}

// CreateInstitution inserts an institution.
func (p pgQueries) CreateInstitution(ctx context.Context, inst *models.Institution) error {
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
	const query = `INSERT INTO institutions (id, name, code, type, location, status, max_admins, max_moderators, feature_flags, created_at, updated_at)
	VALUES (:id, :name, :code, :type, :location, :status, :max_admins, :max_moderators, :feature_flags, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, p.q, query, inst); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateCode
		}
		return fmt.Errorf("create institution: %w", err)
	}
	return nil
}

// ListInstitutions returns institutions matching filter with the total match count.
func (p pgQueries) ListInstitutions(ctx context.Context, filter models.InstitutionFilter) ([]models.Institution, int, error) {
	args := make([]interface{}, 0, 4)
	conditions := make([]string, 0, 2)
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		args = append(args, "%"+search+"%")
		conditions = append(conditions, fmt.Sprintf("(name ILIKE $%d OR code ILIKE $%d)", len(args), len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := sqlx.GetContext(ctx, p.q, &total, "SELECT COUNT(*) FROM institutions"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count institutions: %w", err)
	}

	limit, offset := normalizeLimit(filter.Limit, filter.Offset)
	query := fmt.Sprintf("SELECT %s FROM institutions%s ORDER BY name ASC LIMIT %d OFFSET %d", institutionColumns, where, limit, offset)
	institutions := []models.Institution{}
	if err := sqlx.SelectContext(ctx, p.q, &institutions, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list institutions: %w", err)
	}
	return institutions, total, nil
}

// CreateAuditLog stores an audit log entry.
func (p pgQueries) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO audit_logs (id, user_id, action, resource, resource_id, old_values, new_values, ip_address, user_agent, created_at) VALUES (:id, :user_id, :action, :resource, :resource_id, :old_values, :new_values, :ip_address, :user_agent, :created_at)`
	if _, err := sqlx.NamedExecContext(ctx, p.q, query, log); err != nil {
		return fmt.Errorf("create audit log: %w", err)
	}
	return nil
}

func expectOneRow(result sql.Result, none error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check affected rows: %w", err)
	}
	if rows == 0 {
		return none
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
