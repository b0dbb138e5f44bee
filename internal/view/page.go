package view

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/phd-nexus/nexus/internal/access"
	"github.com/phd-nexus/nexus/internal/shared"
)

// Pages renders full pages with the session chrome (CSRF token, flash, user).
type Pages struct {
	Engine *Engine
	CSRF   *shared.CSRFManager
	Logger *slog.Logger
}

// Render writes template with status.
func (p Pages) Render(w http.ResponseWriter, r *http.Request, template, title string, data any, status int) {
	sess := shared.SessionFromContext(r.Context())
	var csrfToken string
	if p.CSRF != nil && sess != nil {
		csrfToken, _ = p.CSRF.EnsureToken(r.Context(), sess)
	}
	var flash *shared.FlashMessage
	if sess != nil {
		flash = sess.PopFlash()
	}
	state := access.StateFrom(r.Context())
	viewData := TemplateData{Title: title, CSRFToken: csrfToken, Flash: flash, CurrentPath: r.URL.Path, OpenMode: state.Open, Data: data}
	if state.User != nil {
		viewData.UserName = state.User.Name
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := p.Engine.Render(w, template, viewData); err != nil && p.Logger != nil {
		p.Logger.Error("render template", slog.String("template", template), slog.Any("error", err))
	}
}

// RedirectWithFlash queues a flash message and redirects with 303.
func RedirectWithFlash(w http.ResponseWriter, r *http.Request, location, kind, message string) {
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		sess.AddFlash(shared.FlashMessage{Kind: kind, Message: message})
	}
	http.Redirect(w, r, location, http.StatusSeeOther)
}

// WantsJSON reports whether the client sent or asked for JSON.
func WantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json") ||
		strings.HasPrefix(r.Header.Get("Content-Type"), "application/json")
}
