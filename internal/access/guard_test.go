package access

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type verifierFunc func(r *http.Request) bool

func (f verifierFunc) HasValidSession(r *http.Request) bool { return f(r) }

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusTeapot)
})

func serve(h http.Handler, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestGuardRedirectsWithoutSession(t *testing.T) {
	redirects := 0
	g := Guard{
		Verifier:   verifierFunc(func(*http.Request) bool { return false }),
		OnRedirect: func(*http.Request) { redirects++ },
	}

	rr := serve(g.Middleware(okHandler), "/admin/settings")

	require.Equal(t, http.StatusSeeOther, rr.Code)
	require.Equal(t, "/login?next=%2Fadmin%2Fsettings", rr.Header().Get("Location"))
	require.Equal(t, 1, redirects)
}

func TestGuardPassesWithSession(t *testing.T) {
	g := Guard{Verifier: verifierFunc(func(*http.Request) bool { return true })}

	rr := serve(g.Middleware(okHandler), "/admin/settings")

	require.Equal(t, http.StatusTeapot, rr.Code)
}

func TestGuardOpenModePassesEverything(t *testing.T) {
	g := Guard{OpenMode: true, Verifier: verifierFunc(func(*http.Request) bool { return false })}

	for _, path := range []string{"/admin/settings", "/dashboard", "/tasks/4", "/"} {
		require.Equal(t, http.StatusTeapot, serve(g.Middleware(okHandler), path).Code, path)
	}
}

func TestGuardProtectedPrefixes(t *testing.T) {
	g := Guard{}
	cases := map[string]bool{
		"/dashboard":          true,
		"/dashboard/":         true,
		"/tasks/12/status":    true,
		"/reports":            true,
		"/settings/groups":    true,
		"/admin":              true,
		"/administrator":      false,
		"/login":              false,
		"/welcome":            false,
		"/static/css/app.css": false,
		"/":                   false,
	}
	for path, want := range cases {
		require.Equal(t, want, g.Protected(path), path)
	}
}

func TestGuardCustomLoginPath(t *testing.T) {
	g := Guard{Prefixes: []string{"/private/"}, LoginPath: "/auth/login"}

	rr := serve(g.Middleware(okHandler), "/private/x?y=1")

	require.Equal(t, "/auth/login?next=%2Fprivate%2Fx%3Fy%3D1", rr.Header().Get("Location"))
	require.Equal(t, http.StatusTeapot, serve(g.Middleware(okHandler), "/public").Code)
}

func TestSafeNext(t *testing.T) {
	require.Equal(t, "/tasks", SafeNext("/tasks", "/dashboard"))
	require.Equal(t, "/dashboard", SafeNext("", "/dashboard"))
	require.Equal(t, "/dashboard", SafeNext("//evil.test", "/dashboard"))
	require.Equal(t, "/dashboard", SafeNext("https://evil.test", "/dashboard"))
	require.Equal(t, "/dashboard", SafeNext("/\\evil.test", "/dashboard"))
}

func TestMiddlewareAttachAndRequire(t *testing.T) {
	svc := &fakeAuth{session: signedIn(1), memberships: map[[2]int64]Role{{1, 3}: RoleSupervisor, {1, 4}: RoleStudent}}
	group := int64(3)
	m := Middleware{
		Client:      func(*http.Request) AuthService { return svc },
		ActiveGroup: func(*http.Request) int64 { return group },
	}

	var seen AuthState
	h := m.Attach(m.Require("reports.review")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context()).State()
		w.WriteHeader(http.StatusNoContent)
	})))

	require.Equal(t, http.StatusNoContent, serve(h, "/reports/1/review").Code)
	require.Equal(t, int64(3), seen.ActiveGroupID)
	require.Equal(t, 1, svc.unsubscribed)

	group = 4
	require.Equal(t, http.StatusForbidden, serve(h, "/reports/1/review").Code)

	svc.session = nil
	require.Equal(t, http.StatusUnauthorized, serve(h, "/reports/1/review").Code)
}

func TestRequireWithoutGate(t *testing.T) {
	h := Middleware{}.Require("x")(okHandler)
	require.Equal(t, http.StatusUnauthorized, serve(h, "/admin").Code)
	require.Nil(t, FromContext(context.Background()))
}
