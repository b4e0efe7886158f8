package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/edutier-api/internal/models"
	"github.com/noah-isme/edutier-api/internal/repository"
	"github.com/noah-isme/edutier-api/internal/service"
)

const apiPrefix = "/api/v1"

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type apiFixture struct {
	router *gin.Engine
	store  *repository.MemoryStore
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := repository.NewMemoryStore()
	validate := validator.New()
	engineCfg := service.EngineConfig{AllowResubmission: true, RequireVerifiedInstitution: true, StoreTimeout: time.Second}

	auth := service.NewAuthService(store, validate, nil, service.AuthConfig{
		AccessTokenSecret: "handler-secret",
		AccessTokenExpiry: time.Hour,
		Issuer:            "edutier-test",
		GatedRoles:        []models.Role{models.RoleAdmin, models.RoleModerator},
	})
	approvals := service.NewApprovalService(store, nil, engineCfg)
	institutions := service.NewInstitutionService(store, nil, engineCfg, models.InstitutionSettings{MaxAdmins: 1, MaxModerators: 2})
	bulk := service.NewBulkCoordinator(approvals, service.BulkConfig{}, nil)
	exports := service.NewExportService(approvals, nil, nil, nil, 0)

	require.NoError(t, auth.EnsurePlatformAdmin(context.Background(), "root@example.com", "root-password", "Root"))

	router := gin.New()
	Routes{
		Auth:         NewAuthHandler(auth, validate),
		Approvals:    NewApprovalHandler(approvals, bulk, exports, validate),
		Institutions: NewInstitutionHandler(institutions, approvals, bulk, validate),
		Metrics:      NewMetricsHandler(nil, nil),
		Resolver:     auth,
		Audit:        store,
	}.Register(router, apiPrefix)

	return &apiFixture{router: router, store: store}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, apiPrefix+path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, req)

	var env envelope
	if recorder.Header().Get("Content-Type") != "" && bytes.HasPrefix(recorder.Body.Bytes(), []byte("{")) {
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &env))
	}
	return recorder, env
}

func (f *apiFixture) login(t *testing.T, email, password string) string {
	t.Helper()
	rec, env := f.do(t, http.MethodPost, "/auth/login", "", gin.H{"email": email, "password": password})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res models.LoginResponse
	require.NoError(t, json.Unmarshal(env.Data, &res))
	return res.AccessToken
}

func (f *apiFixture) registerMember(t *testing.T, email string, role models.Role, institutionID string) string {
	t.Helper()
	rec, env := f.do(t, http.MethodPost, "/auth/register", "", gin.H{
		"email":         email,
		"password":      "member-password",
		"fullName":      "Member " + email,
		"role":          role,
		"institutionId": institutionID,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res struct {
		Request *models.ApprovalRequest `json:"request"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &res))
	if res.Request == nil {
		return ""
	}
	return res.Request.ID
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	root := f.login(t, "root@example.com", "root-password")

	rec, env := f.do(t, http.MethodPost, "/institutions", root, gin.H{"name": "North High", "code": "north"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var inst models.Institution
	require.NoError(t, json.Unmarshal(env.Data, &inst))
	assert.Equal(t, models.InstitutionStatusVerified, inst.Status)

	first := f.registerMember(t, "first@example.com", models.RoleAdmin, inst.ID)
	second := f.registerMember(t, "second@example.com", models.RoleAdmin, inst.ID)
	require.NotEmpty(t, first)
	require.NotEmpty(t, second)

	limited := f.login(t, "first@example.com", "member-password")
	rec, _ = f.do(t, http.MethodGet, "/institutions/"+inst.ID+"/counts", limited, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, env = f.do(t, http.MethodPost, "/approvals/"+first+"/transition", root, gin.H{"event": "approve"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, env = f.do(t, http.MethodPost, "/approvals/"+second+"/transition", root, gin.H{"event": "approve"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "CAPACITY_EXCEEDED", env.Error.Code)
	assert.Contains(t, env.Error.Message, "admin limit reached: 1/1")

	admin := f.login(t, "first@example.com", "member-password")
	rec, env = f.do(t, http.MethodGet, "/institutions/"+inst.ID+"/counts", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var counts models.HeadcountSnapshot
	require.NoError(t, json.Unmarshal(env.Data, &counts))
	assert.Equal(t, 1, counts.Admins)
	assert.Equal(t, 1, counts.MaxAdmins)

	rec, env = f.do(t, http.MethodGet, "/institutions/"+inst.ID+"/capacity?role=ADMIN", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(env.Data), `"wouldExceed":true`)

	rec, _ = f.do(t, http.MethodGet, "/approvals/export?format=csv", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "approval-requests-")

	logs := f.store.AuditLogs()
	actions := make([]string, 0, len(logs))
	for _, entry := range logs {
		actions = append(actions, entry.Action)
	}
	assert.Contains(t, actions, models.AuditActionRequestExport)
}

func TestInstitutionBulkSuspendOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	root := f.login(t, "root@example.com", "root-password")

	ids := []string{}
	for _, code := range []string{"a", "b"} {
		rec, env := f.do(t, http.MethodPost, "/institutions", root, gin.H{"name": "Institution " + code, "code": code})
		require.Equal(t, http.StatusCreated, rec.Code)
		var inst models.Institution
		require.NoError(t, json.Unmarshal(env.Data, &inst))
		ids = append(ids, inst.ID)
	}
	ids = append(ids, "missing")

	rec, env := f.do(t, http.MethodPost, "/institutions/bulk", root, gin.H{"ids": ids, "event": "suspend"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result struct {
		Succeeded []string `json:"succeeded"`
		Failed    []struct {
			ID   string `json:"id"`
			Code string `json:"code"`
		} `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.ElementsMatch(t, ids[:2], result.Succeeded)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "INSTITUTION_NOT_FOUND", result.Failed[0].Code)
}

func TestSecuredRoutesRequireToken(t *testing.T) {
	f := newAPIFixture(t)

	rec, env := f.do(t, http.MethodGet, "/approvals", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "UNAUTHORIZED", env.Error.Code)

	rec, _ = f.do(t, http.MethodGet, "/institutions", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/institutions", "", gin.H{"name": "Self Service", "code": "self"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/auth/register", "", gin.H{"email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndReady(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewMetricsHandler(nil, map[string]ReadinessCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return assert.AnError },
	})

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/ready", nil)
	h.Ready(c)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"postgres":"ok"`)

	rec = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	h.Prometheus(c)
	assert.Equal(t, http.StatusServiceUnavailable, c.Writer.Status())
}
