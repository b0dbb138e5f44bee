package groups

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phd-nexus/nexus/internal/access"
	"github.com/phd-nexus/nexus/internal/access/accesstest"
	"github.com/phd-nexus/nexus/internal/shared"
	"github.com/phd-nexus/nexus/internal/view"
)

type fixture struct {
	repo     *memoryRepo
	handler  *Handler
	sessions *shared.SessionManager
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	templates, err := view.NewEngine()
	require.NoError(t, err)
	repo := seededRepo()
	h := NewHandler(nil, NewService(repo, nil, nil), templates, shared.NewCSRFManager("csrf"), access.Middleware{})
	return fixture{repo: repo, handler: h, sessions: shared.NewSessionManager(client, "sid", "secret", time.Hour, false)}
}

// serve runs req through the mounted routes with gate and a fresh session.
func (f fixture) serve(t *testing.T, req *http.Request, gate *access.Gate) (*httptest.ResponseRecorder, *shared.Session) {
	t.Helper()
	sess, err := f.sessions.Load(context.Background(), req)
	require.NoError(t, err)
	req = req.WithContext(shared.ContextWithSession(req.Context(), sess))
	if gate != nil {
		req = accesstest.WithGate(req, gate)
	}
	r := chi.NewRouter()
	f.handler.MountRoutes(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec, sess
}

func TestSwitchGroupSetsActiveGroup(t *testing.T) {
	f := newFixture(t)
	gate := accesstest.Member(t, 11, 1, access.RoleStudent)

	form := url.Values{"group_id": {"1"}, "next": {"/tasks"}}
	req := httptest.NewRequest(http.MethodPost, "/settings/groups/active", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec, sess := f.serve(t, req, gate)

	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/tasks", rec.Header().Get("Location"))
	assert.Equal(t, int64(1), sess.ActiveGroup())
	assert.Equal(t, int64(1), gate.State().ActiveGroupID)
}

func TestSwitchGroupRejectsForeignGroup(t *testing.T) {
	f := newFixture(t)
	gate := accesstest.Member(t, 11, 1, access.RoleStudent)

	form := url.Values{"group_id": {"2"}}
	req := httptest.NewRequest(http.MethodPost, "/settings/groups/active", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec, sess := f.serve(t, req, gate)

	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/settings/groups", rec.Header().Get("Location"))
	assert.Zero(t, sess.ActiveGroup())
}

func TestListMembersJSON(t *testing.T) {
	f := newFixture(t)
	gate := accesstest.Member(t, 11, 1, access.RoleStudent)

	req := httptest.NewRequest(http.MethodGet, "/admin/members", nil)
	req.Header.Set("Accept", "application/json")
	rec, _ := f.serve(t, req, gate)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ada@example.test")
	assert.Contains(t, rec.Body.String(), "ben@example.test")
}

func TestListMembersWithoutGroup(t *testing.T) {
	f := newFixture(t)
	gate := accesstest.Member(t, 11, 0, access.RoleStudent)

	req := httptest.NewRequest(http.MethodGet, "/admin/members", nil)
	rec, _ := f.serve(t, req, gate)

	assert.Equal(t, http.StatusPreconditionRequired, rec.Code)
}

func TestDeleteMemberRequiresCapability(t *testing.T) {
	f := newFixture(t)

	student := accesstest.Member(t, 11, 1, access.RoleStudent)
	req := httptest.NewRequest(http.MethodDelete, "/admin/members/10", nil)
	rec, _ := f.serve(t, req, student)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	f.repo.grant(12, 1, access.RoleAdmin)
	admin := accesstest.Member(t, 12, 1, access.RoleAdmin)
	req = httptest.NewRequest(http.MethodDelete, "/admin/members/11", nil)
	rec, _ = f.serve(t, req, admin)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, err := f.repo.FindMembership(context.Background(), 11, 1)
	assert.ErrorIs(t, err, access.ErrMembershipNotFound)
}

func TestAddMemberJSON(t *testing.T) {
	f := newFixture(t)
	admin := accesstest.Member(t, 10, 1, access.RoleAdmin)

	req := httptest.NewRequest(http.MethodPost, "/admin/members", strings.NewReader(`{"email":"cy@example.test","role":"student"}`))
	req.Header.Set("Content-Type", "application/json")
	rec, _ := f.serve(t, req, admin)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"role":"student"`)
}

func TestRemoveLastAdminConflict(t *testing.T) {
	f := newFixture(t)
	admin := accesstest.Member(t, 10, 1, access.RoleAdmin)

	req := httptest.NewRequest(http.MethodDelete, "/admin/members/10", nil)
	rec, _ := f.serve(t, req, admin)

	assert.Equal(t, http.StatusConflict, rec.Code)
}
