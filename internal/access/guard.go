package access

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// DefaultProtectedPrefixes are the path prefixes that require a session.
var DefaultProtectedPrefixes = []string{"/dashboard", "/tasks", "/reports", "/settings", "/admin"}

// DefaultLoginPath is where unauthenticated requests are sent.
const DefaultLoginPath = "/login"

// SessionVerifier reports whether the request carries a valid session.
type SessionVerifier interface {
	HasValidSession(r *http.Request) bool
}

// Guard redirects unauthenticated requests for protected paths to the login
// page before any protected handler runs.
type Guard struct {
	Verifier  SessionVerifier
	Prefixes  []string
	LoginPath string
	OpenMode  bool
	Logger    *slog.Logger
	// OnRedirect is called for every redirected request.
	OnRedirect func(r *http.Request)
}

// Protected reports whether path falls under one of the guard's prefixes.
// Prefixes match whole path segments only.
func (g Guard) Protected(path string) bool {
	prefixes := g.Prefixes
	if prefixes == nil {
		prefixes = DefaultProtectedPrefixes
	}
	for _, prefix := range prefixes {
		prefix = strings.TrimRight(prefix, "/")
		if prefix == "" {
			continue
		}
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

// Middleware returns the guard as chi-compatible middleware.
func (g Guard) Middleware(next http.Handler) http.Handler {
	login := g.LoginPath
	if login == "" {
		login = DefaultLoginPath
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.OpenMode || !g.Protected(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if g.Verifier != nil && g.Verifier.HasValidSession(r) {
			next.ServeHTTP(w, r)
			return
		}
		if g.Logger != nil {
			g.Logger.Debug("guard redirect", slog.String("path", r.URL.Path))
		}
		if g.OnRedirect != nil {
			g.OnRedirect(r)
		}
		target := login + "?next=" + url.QueryEscape(r.URL.RequestURI())
		http.Redirect(w, r, target, http.StatusSeeOther)
	})
}

// SafeNext returns next when it is a local absolute path, fallback otherwise.
func SafeNext(next, fallback string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return fallback
	}
	return next
}
