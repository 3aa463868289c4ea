package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/prismdb-orchestrator/internal/console/handler"
	"github.com/xela07ax/prismdb-orchestrator/internal/console/service"
	"github.com/xela07ax/prismdb-orchestrator/internal/domain"
	"github.com/xela07ax/prismdb-orchestrator/internal/engine"
	"github.com/xela07ax/prismdb-orchestrator/internal/infra"
	"github.com/xela07ax/prismdb-orchestrator/internal/infra/auth"
	"github.com/xela07ax/prismdb-orchestrator/internal/repository/postgres"
	"go.uber.org/zap"
)

var secret = []byte("console-test-secret")

type env struct {
	srv     *ConsoleServer
	mr      *miniredis.Miniredis
	rdb     *redis.Client
	issuer  *auth.Issuer
	revoked *auth.RevocationStore
	mock    sqlmock.Sqlmock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := postgres.NewRunRepo(db)

	logger := zap.NewNop()
	issuer := auth.NewHMACIssuer(secret, time.Hour, 24*time.Hour)
	revoked := auth.NewRevocationStore(rdb, logger)
	ks := engine.NewKillSwitch(rdb, logger)

	srv := NewConsoleServer(logger, issuer,
		handler.NewAuthHandler(service.NewAuthService(issuer, revoked, logger), logger),
		handler.NewAgentHandler(service.NewAgentService(ks, []string{"nlu", "sql", "visualization"}, logger)),
		handler.NewDashboardHandler(service.NewDashboardService(repo, rdb, logger)),
		handler.NewAuditHandler(service.NewAuditService(repo)),
	)
	return &env{srv: srv, mr: mr, rdb: rdb, issuer: issuer, revoked: revoked, mock: mock}
}

func (e *env) pair(t *testing.T, subject, role string) *auth.TokenPair {
	t.Helper()
	p, err := e.issuer.IssuePair(auth.Identity{SubjectID: subject, Role: role, Prisms: []string{"sales_db::read"}})
	require.NoError(t, err)
	return p
}

func (e *env) do(method, path, bearer, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func TestRefresh(t *testing.T) {
	e := newEnv(t)
	p := e.pair(t, "analyst-1", "analyst")

	rec := e.do(http.MethodPost, "/auth/refresh", "", `{"token":"`+p.RefreshToken+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var fresh auth.TokenPair
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&fresh))
	assert.Empty(t, fresh.RefreshToken)

	ac, err := e.issuer.Validate(fresh.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "analyst-1", ac.SubjectID())

	// Access-токен не годится для обмена
	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodPost, "/auth/refresh", "", `{"token":"`+p.AccessToken+`"}`).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/auth/refresh", "", `{}`).Code)
}

func TestRevokedRefreshIsRejected(t *testing.T) {
	e := newEnv(t)
	p := e.pair(t, "analyst-1", "analyst")

	rec := e.do(http.MethodPost, "/auth/revoke", p.AccessToken, `{"token":"`+p.RefreshToken+`"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = e.do(http.MethodPost, "/auth/refresh", "", `{"token":"`+p.RefreshToken+`"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "TokenRevoked")
}

func TestRevokeOwnAccessToken(t *testing.T) {
	e := newEnv(t)
	p := e.pair(t, "analyst-1", "analyst")

	require.Equal(t, http.StatusNoContent, e.do(http.MethodPost, "/auth/revoke", p.AccessToken, "").Code)

	claims, err := e.issuer.Inspect(p.AccessToken)
	require.NoError(t, err)
	assert.True(t, e.revoked.IsRevoked(context.Background(), claims.ID))
	assert.True(t, e.mr.Exists(infra.RevokedTokenKey(claims.ID)))
}

func TestRevokeForeignTokenNeedsAdmin(t *testing.T) {
	e := newEnv(t)
	victim := e.pair(t, "analyst-2", "analyst")

	rec := e.do(http.MethodPost, "/auth/revoke", e.pair(t, "analyst-1", "analyst").AccessToken, `{"token":"`+victim.AccessToken+`"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(http.MethodPost, "/auth/revoke", e.pair(t, "ops", service.RoleAdmin).AccessToken, `{"token":"`+victim.AccessToken+`"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestIssueRequiresAdmin(t *testing.T) {
	e := newEnv(t)
	body := `{"subject":"analyst-9","role":"analyst","prisms":["hr_db::write"]}`

	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodPost, "/auth/token", "", body).Code)
	assert.Equal(t, http.StatusForbidden, e.do(http.MethodPost, "/auth/token", e.pair(t, "a", "analyst").AccessToken, body).Code)

	admin := e.pair(t, "ops", service.RoleAdmin).AccessToken
	rec := e.do(http.MethodPost, "/auth/token", admin, body)
	require.Equal(t, http.StatusOK, rec.Code)
	var p auth.TokenPair
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&p))
	ac, err := e.issuer.Validate(p.AccessToken)
	require.NoError(t, err)
	assert.True(t, ac.Can("hr_db", domain.PermissionWrite))

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/auth/token", admin, `{"subject":"x","prisms":["hr_db"]}`).Code)
}

func TestAgentKillSwitch(t *testing.T) {
	e := newEnv(t)
	admin := e.pair(t, "ops", service.RoleAdmin).AccessToken

	require.Equal(t, http.StatusNoContent, e.do(http.MethodPost, "/v1/agents/sql/disable", admin, "").Code)
	require.Equal(t, http.StatusNoContent, e.do(http.MethodPost, "/v1/agents/visualization/disable", admin, "").Code)

	members, err := e.rdb.SMembers(context.Background(), infra.RedisKeyDisabledAgents).Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sql", "visualization"}, members)

	rec := e.do(http.MethodGet, "/v1/agents/disabled", admin, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"disabled":["sql","visualization"]}`, rec.Body.String())

	require.Equal(t, http.StatusNoContent, e.do(http.MethodPost, "/v1/agents/sql/enable", admin, "").Code)
	rec = e.do(http.MethodGet, "/v1/agents/disabled", admin, "")
	assert.JSONEq(t, `{"disabled":["visualization"]}`, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, e.do(http.MethodPost, "/v1/agents/ghost/disable", admin, "").Code)
	assert.Equal(t, http.StatusForbidden, e.do(http.MethodPost, "/v1/agents/sql/disable", e.pair(t, "a", "analyst").AccessToken, "").Code)
}

func TestDashboardStatsAreCached(t *testing.T) {
	e := newEnv(t)
	admin := e.pair(t, "ops", service.RoleAdmin).AccessToken

	e.mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count", "p95"}).AddRow(int64(90), 1200.0))
	e.mock.ExpectQuery("GROUP BY status, error_kind").
		WillReturnRows(sqlmock.NewRows([]string{"status", "error_kind", "count"}).
			AddRow("Succeeded", "", int64(80)).
			AddRow("Failed", "Timeout", int64(10)))

	rec := e.do(http.MethodGet, "/api/v1/dashboard/stats?window=15m", admin, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats postgres.RunStats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, int64(90), stats.Total)
	assert.Equal(t, int64(10), stats.ByErrorKind["Timeout"])
	assert.InDelta(t, 0.1, stats.RPS, 1e-9)

	// Повтор обслуживается из Redis, в базу не ходим
	rec = e.do(http.MethodGet, "/api/v1/dashboard/stats?window=15m", admin, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, e.mock.ExpectationsWereMet())
	assert.True(t, e.mr.Exists(infra.DashboardStatsKey("15m0s")))

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/api/v1/dashboard/stats?window=forever", admin, "").Code)
}

func TestRunLog(t *testing.T) {
	e := newEnv(t)
	admin := e.pair(t, "ops", service.RoleAdmin).AccessToken
	now := time.Now().UTC()

	e.mock.ExpectQuery("FROM prism_runs").
		WithArgs("analyst-1", "", 20).
		WillReturnRows(sqlmock.NewRows([]string{
			"request_id", "subject", "mode", "resource", "query", "status", "error_kind", "error",
			"stages", "started_at", "finished_at", "duration_ms",
		}).AddRow("r1", "analyst-1", "route", "sales_db", "q", "Succeeded", "", "", []byte(`[]`), now, now, int64(5)))

	rec := e.do(http.MethodGet, "/v1/runs?subject=analyst-1&limit=20", admin, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"request_id":"r1"`)
	require.NoError(t, e.mock.ExpectationsWereMet())

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/v1/runs?limit=-1", admin, "").Code)
}

func TestHealthIsPublic(t *testing.T) {
	assert.Equal(t, http.StatusOK, newEnv(t).do(http.MethodGet, "/health", "", "").Code)
}
