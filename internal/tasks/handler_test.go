package tasks

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phd-nexus/nexus/internal/access"
	"github.com/phd-nexus/nexus/internal/access/accesstest"
	"github.com/phd-nexus/nexus/internal/view"
)

func newRouter(t *testing.T, repo *memoryRepo) http.Handler {
	t.Helper()
	templates, err := view.NewEngine()
	require.NoError(t, err)
	h := NewHandler(nil, newService(repo), templates, nil, access.Middleware{})
	r := chi.NewRouter()
	r.Route("/tasks", h.MountRoutes)
	return r
}

func TestCreateTaskJSON(t *testing.T) {
	repo := newMemoryRepo()
	router := newRouter(t, repo)

	req := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(`{"title":"Draft chapter 2","assignee_id":2}`))
	req.Header.Set("Content-Type", "application/json")
	req = accesstest.WithGate(req, accesstest.Member(t, 1, 7, access.RoleSupervisor))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var task Task
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&task))
	assert.Equal(t, "Draft chapter 2", task.Title)
	assert.Equal(t, int64(2), task.AssigneeID)
}

func TestCreateTaskForbiddenForStudent(t *testing.T) {
	router := newRouter(t, newMemoryRepo())

	req := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(`{"title":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	req = accesstest.WithGate(req, accesstest.Member(t, 2, 7, access.RoleStudent))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateTaskAnonymous(t *testing.T) {
	router := newRouter(t, newMemoryRepo())

	req := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(`{"title":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAssigneeMovesTask(t *testing.T) {
	repo := newMemoryRepo()
	task, err := repo.Create(t.Context(), Task{GroupID: 7, Title: "Collect data", Status: StatusTodo, AssigneeID: 2})
	require.NoError(t, err)
	router := newRouter(t, repo)

	req := httptest.NewRequest(http.MethodPost, "/tasks/1/status", strings.NewReader(`{"status":"in_progress"}`))
	req.Header.Set("Content-Type", "application/json")
	req = accesstest.WithGate(req, accesstest.Member(t, 2, 7, access.RoleStudent))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	got, err := repo.Get(t.Context(), 7, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)
}

func TestListTasksHTML(t *testing.T) {
	repo := newMemoryRepo()
	_, err := repo.Create(t.Context(), Task{GroupID: 7, Title: "Write literature review", Status: StatusTodo})
	require.NoError(t, err)
	router := newRouter(t, repo)

	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	req = accesstest.WithGate(req, accesstest.Member(t, 2, 7, access.RoleStudent))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Write literature review")
}

func TestListTasksOtherGroupForbidden(t *testing.T) {
	router := newRouter(t, newMemoryRepo())

	svc := accesstest.NewStaticAuth(&access.User{ID: 2, Name: "Ben"})
	gate := accesstest.Gate(t, svc, 9)
	req := accesstest.WithGate(httptest.NewRequest(http.MethodGet, "/tasks", nil), gate)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}
