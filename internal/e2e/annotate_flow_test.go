package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/phd-nexus/nexus/internal/access"
	"github.com/phd-nexus/nexus/internal/app"
	"github.com/phd-nexus/nexus/internal/auth"
	"github.com/phd-nexus/nexus/internal/groups"
	"github.com/phd-nexus/nexus/internal/reports"
	"github.com/phd-nexus/nexus/internal/shared"
	"github.com/phd-nexus/nexus/internal/view"
)

const (
	studentID = int64(1)
	labID     = int64(7)
	reportID  = int64(3)
)

type authRepo struct {
	user *auth.User
}

func (r *authRepo) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	if strings.EqualFold(email, r.user.Email) {
		return r.user, nil
	}
	return nil, shared.ErrNotFound
}

func (r *authRepo) FindByID(_ context.Context, id int64) (*auth.User, error) {
	if id == r.user.ID {
		return r.user, nil
	}
	return nil, shared.ErrNotFound
}

func (r *authRepo) CreateSession(context.Context, string, int64, time.Time, string, string) error {
	return nil
}
func (r *authRepo) ExtendSession(context.Context, string, time.Time) error { return nil }
func (r *authRepo) DeleteSession(context.Context, string) error            { return nil }
func (r *authRepo) PurgeExpiredSessions(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type groupRepo struct{}

func (groupRepo) FindMembership(_ context.Context, userID, groupID int64) (access.Membership, error) {
	if userID == studentID && groupID == labID {
		return access.Membership{UserID: userID, GroupID: groupID, Role: access.RoleStudent}, nil
	}
	return access.Membership{}, access.ErrMembershipNotFound
}
func (groupRepo) GetGroup(context.Context, int64) (groups.Group, error) {
	return groups.Group{ID: labID, Slug: "vision-lab", Name: "Vision Lab"}, nil
}
func (groupRepo) ListGroups(context.Context) ([]groups.Group, error) { return nil, nil }
func (groupRepo) ListGroupsForUser(context.Context, int64) ([]groups.MyGroup, error) {
	return nil, nil
}
func (groupRepo) ListMembers(context.Context, int64) ([]groups.Member, error) { return nil, nil }
func (groupRepo) UpsertMember(context.Context, int64, string, access.Role) (groups.Member, error) {
	return groups.Member{}, nil
}
func (groupRepo) RemoveMember(context.Context, int64, int64) error { return nil }
func (groupRepo) CountRole(context.Context, int64, access.Role) (int, error) {
	return 1, nil
}

type reportRepo struct {
	mu       sync.Mutex
	report   reports.Report
	comments []reports.Comment
}

func (r *reportRepo) ListReports(_ context.Context, groupID int64) ([]reports.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if groupID != r.report.GroupID {
		return nil, nil
	}
	return []reports.Report{r.report}, nil
}

func (r *reportRepo) GetReport(_ context.Context, groupID, id int64) (reports.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if groupID != r.report.GroupID || id != r.report.ID {
		return reports.Report{}, shared.ErrNotFound
	}
	return r.report, nil
}

func (r *reportRepo) CreateReport(_ context.Context, rep reports.Report) (reports.Report, error) {
	return rep, nil
}

func (r *reportRepo) SetStatus(context.Context, int64, int64, reports.Status, reports.Status) error {
	return nil
}

func (r *reportRepo) EditBody(_ context.Context, groupID, id int64, edit func(string) (string, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if groupID != r.report.GroupID || id != r.report.ID {
		return shared.ErrNotFound
	}
	body, err := edit(r.report.BodyHTML)
	if err != nil {
		return err
	}
	r.report.BodyHTML = body
	return nil
}

func (r *reportRepo) ListComments(_ context.Context, id int64) ([]reports.Comment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id != r.report.ID {
		return nil, nil
	}
	return append([]reports.Comment(nil), r.comments...), nil
}

func (r *reportRepo) GetComment(_ context.Context, id int64, commentID string) (reports.Comment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.comments {
		if c.ID == commentID && id == r.report.ID {
			return c, nil
		}
	}
	return reports.Comment{}, shared.ErrNotFound
}

func (r *reportRepo) CreateComment(_ context.Context, c reports.Comment) (reports.Comment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.comments = append(r.comments, c)
	return c, nil
}

func (r *reportRepo) DeleteComment(context.Context, int64, string) error { return nil }

type harness struct {
	server  *httptest.Server
	client  *http.Client
	reports *reportRepo
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
	require.NoError(t, err)
	users := &authRepo{user: &auth.User{ID: studentID, Email: "stu@nexus.local", Name: "Stu", PasswordHash: string(hash), IsActive: true}}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &app.Config{}
	engine, err := view.NewEngine()
	require.NoError(t, err)
	sessions := shared.NewSessionManager(rdb, "nexus_session", "secret", time.Hour, false)
	csrf := shared.NewCSRFManager("csrf")

	groupsService := groups.NewService(groupRepo{}, nil, logger)
	authService := auth.NewService(users, sessions, auth.NewBroadcaster(rdb, logger), groupsService, logger)
	gates := app.NewGates(cfg, authService, logger)

	repo := &reportRepo{
		report: reports.Report{
			ID: reportID, GroupID: labID, AuthorID: studentID, Title: "Chapter 3", Status: reports.StatusSubmitted,
			BodyHTML: `<p>Our <span class="anchor" data-anchor-id="a1">baseline</span> uses <span class="anchor" data-anchor-id="a2">top-1 accuracy</span>.</p>` +
				`<p>The ablation drops the ablation head.</p>`,
		},
		comments: []reports.Comment{
			{ID: "c1", ReportID: reportID, AnchorID: "a1", AuthorID: studentID, Content: "first"},
			{ID: "c2", ReportID: reportID, AnchorID: "a2", AuthorID: studentID, Content: "second"},
			{ID: "c3", ReportID: reportID, AnchorID: "gone", AuthorID: studentID, Content: "orphan"},
		},
	}
	reportsService := reports.NewService(reports.Deps{
		Repo:   repo,
		Cache:  reports.NewLayoutCache(rdb, time.Hour),
		Logger: logger,
	})

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		Templates:      engine,
		SessionManager: sessions,
		CSRFManager:    csrf,
		Verifier:       authService,
		Gates:          gates,
		AuthHandler:    auth.NewHandler(logger, authService, engine, csrf),
		GroupsHandler:  groups.NewHandler(logger, groupsService, engine, csrf, gates),
		ReportsHandler: reports.NewHandler(logger, reportsService, engine, csrf, gates),
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &harness{server: server, client: client, reports: repo}
}

var csrfField = regexp.MustCompile(`name="csrf_token" value="([^"]+)"`)

func (h *harness) csrfToken(t *testing.T, path string) string {
	t.Helper()
	resp, err := h.client.Get(h.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	match := csrfField.FindSubmatch(body)
	require.NotNil(t, match, "page %s carries no csrf token", path)
	return string(match[1])
}

func (h *harness) postForm(t *testing.T, path string, form url.Values) *http.Response {
	t.Helper()
	resp, err := h.client.PostForm(h.server.URL+path, form)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp
}

// signIn logs the student in and returns the CSRF token of the renewed session.
func (h *harness) signIn(t *testing.T, next string) (string, *http.Response) {
	t.Helper()
	form := url.Values{
		"email":      {"stu@nexus.local"},
		"password":   {"correct-horse"},
		"csrf_token": {h.csrfToken(t, "/login")},
	}
	if next != "" {
		form.Set("next", next)
	}
	resp := h.postForm(t, "/login", form)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	return h.csrfToken(t, "/settings/groups"), resp
}

func (h *harness) sessionCookie(t *testing.T) string {
	t.Helper()
	u, err := url.Parse(h.server.URL)
	require.NoError(t, err)
	for _, c := range h.client.Jar.Cookies(u) {
		if c.Name == "nexus_session" {
			return c.Value
		}
	}
	return ""
}

func (h *harness) postLayout(t *testing.T, token string, snapshot map[string]any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(snapshot)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, h.server.URL+"/reports/3/layout", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CSRF-Token", token)
	resp, err := h.client.Do(req)
	require.NoError(t, err)
	return resp
}

type layoutBody struct {
	Placements map[string]struct {
		Offset  float64 `json:"offset"`
		Visible bool    `json:"visible"`
	} `json:"placements"`
	Order  []string `json:"order"`
	Hidden []string `json:"hidden"`
	Stale  bool     `json:"stale"`
}

func TestSignInSelectGroupAndLayout(t *testing.T) {
	h := newHarness(t)

	resp, err := h.client.Get(h.server.URL + "/reports/3")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/login?next=%2Freports%2F3", resp.Header.Get("Location"))

	anonymous := h.sessionCookie(t)
	token, resp := h.signIn(t, "/reports/3")
	assert.Equal(t, "/reports/3", resp.Header.Get("Location"))
	assert.NotEqual(t, anonymous, h.sessionCookie(t), "sign-in renews the session id")

	resp = h.postForm(t, "/settings/groups/active", url.Values{
		"group_id":   {"7"},
		"csrf_token": {token},
	})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/dashboard", resp.Header.Get("Location"))

	snapshot := map[string]any{
		"surfaces": map[string]any{"paper": map[string]float64{"top": 100, "width": 800, "height": 2000}},
		"anchors": map[string]any{
			"a1": map[string]float64{"top": 120, "height": 18},
			"a2": map[string]float64{"top": 150, "height": 18},
		},
	}
	resp = h.postLayout(t, token, snapshot)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body layoutBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, []string{"c1", "c2"}, body.Order)
	assert.Equal(t, []string{"c3"}, body.Hidden)
	assert.Equal(t, 20.0, body.Placements["c1"].Offset)
	assert.Equal(t, 180.0, body.Placements["c2"].Offset)
	assert.False(t, body.Stale)
}

func TestSignOutLocksProtectedAreas(t *testing.T) {
	h := newHarness(t)

	preLogin := h.csrfToken(t, "/login")
	token, resp := h.signIn(t, "")
	assert.Equal(t, auth.HomePath, resp.Header.Get("Location"))
	assert.NotEqual(t, preLogin, token)

	resp = h.postForm(t, "/logout", url.Values{"csrf_token": {preLogin}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "pre-login token dies with the old session")

	resp = h.postForm(t, "/logout", url.Values{"csrf_token": {token}})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, access.DefaultLoginPath, resp.Header.Get("Location"))

	for _, path := range []string{"/reports", "/settings/groups", "/admin/members"} {
		resp, err := h.client.Get(h.server.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusSeeOther, resp.StatusCode, path)
		assert.True(t, strings.HasPrefix(resp.Header.Get("Location"), "/login?next="), path)
	}
}

func TestWrongPasswordStaysAnonymous(t *testing.T) {
	h := newHarness(t)

	token := h.csrfToken(t, "/login")
	resp := h.postForm(t, "/login", url.Values{
		"email":      {"stu@nexus.local"},
		"password":   {"wrong-password"},
		"csrf_token": {token},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err := h.client.Get(h.server.URL + "/dashboard")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
}

var (
	paperBlock = regexp.MustCompile(`(?s)<article class="paper" id="paper">(.*?)</article>`)
	anchorAttr = regexp.MustCompile(`data-anchor-id="([^"]+)"`)
)

func TestCommentOnSelectionSurvivesReload(t *testing.T) {
	h := newHarness(t)
	token, _ := h.signIn(t, "")
	resp := h.postForm(t, "/settings/groups/active", url.Values{"group_id": {"7"}, "csrf_token": {token}})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	// The second "ablation" of the paragraph is selected in the browser.
	resp = h.postForm(t, "/reports/3/comments", url.Values{
		"anchor_id":  {"a-k3j2"},
		"quote":      {"ablation"},
		"occurrence": {"1"},
		"content":    {"Which head?"},
		"csrf_token": {token},
	})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/reports/3", resp.Header.Get("Location"))

	h.reports.mu.Lock()
	require.Len(t, h.reports.comments, 4)
	created := h.reports.comments[3].ID
	h.reports.mu.Unlock()

	resp, err := h.client.Get(h.server.URL + "/reports/3")
	require.NoError(t, err)
	page, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	paper := paperBlock.FindSubmatch(page)
	require.NotNil(t, paper, "report page renders the paper")
	assert.Contains(t, string(paper[1]), `drops the <span class="anchor" data-anchor-id="a-k3j2">ablation</span> head`)

	// Measure every anchor the reloaded paper carries, as the browser would.
	anchors := map[string]any{}
	for i, m := range anchorAttr.FindAllSubmatch(paper[1], -1) {
		anchors[string(m[1])] = map[string]float64{"top": 120 + float64(i)*40, "height": 18}
	}
	require.Contains(t, anchors, "a-k3j2")

	resp = h.postLayout(t, token, map[string]any{
		"surfaces": map[string]any{"paper": map[string]float64{"top": 100, "width": 800, "height": 2000}},
		"anchors":  anchors,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body layoutBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Placements[created].Visible)
	assert.Contains(t, body.Order, created)
	assert.Equal(t, []string{"c3"}, body.Hidden)
}
