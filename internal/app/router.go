package app

import (
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/phd-nexus/nexus/internal/access"
	"github.com/phd-nexus/nexus/internal/auth"
	"github.com/phd-nexus/nexus/internal/groups"
	"github.com/phd-nexus/nexus/internal/observability"
	"github.com/phd-nexus/nexus/internal/reports"
	"github.com/phd-nexus/nexus/internal/shared"
	"github.com/phd-nexus/nexus/internal/tasks"
	"github.com/phd-nexus/nexus/internal/view"
	"github.com/phd-nexus/nexus/jobs"
	"github.com/phd-nexus/nexus/pdf"
	"github.com/phd-nexus/nexus/web"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	Templates      *view.Engine
	SessionManager *shared.SessionManager
	CSRFManager    *shared.CSRFManager

	// Verifier backs the redirect guard in front of protected areas.
	Verifier access.SessionVerifier
	// Gates attaches the per-request access gate.
	Gates access.Middleware

	AuthHandler    *auth.Handler
	GroupsHandler  *groups.Handler
	TasksHandler   *tasks.Handler
	ReportsHandler *reports.Handler
	PDFHandler     *pdf.Handler
	JobHandler     *jobs.Handler
	Dashboard      http.Handler
	Metrics        *observability.Metrics
}

// NewRouter constructs the chi.Router with Nexus defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	// Guarded on the root router: unrouted protected paths redirect too.
	guard := access.Guard{
		Verifier: params.Verifier,
		OpenMode: params.Config != nil && params.Config.OpenMode,
		Logger:   params.Logger,
	}
	if params.Metrics != nil {
		guard.OnRedirect = func(r *http.Request) { params.Metrics.GuardRedirect(r.URL.Path) }
	}
	r.Use(guard.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	staticFS, err := fs.Sub(web.Static, "static")
	if err != nil {
		params.Logger.Error("create static sub filesystem", slog.Any("error", err))
	} else {
		fileServer := http.StripPrefix("/static/", http.FileServer(http.FS(staticFS)))
		r.Handle("/static/*", staticCacheHandler(fileServer))
	}

	pages := view.Pages{Engine: params.Templates, CSRF: params.CSRFManager, Logger: params.Logger}

	r.Group(func(r chi.Router) {
		r.Use(params.Gates.Attach)

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			if access.StateFrom(r.Context()).Authenticated() {
				http.Redirect(w, r, auth.HomePath, http.StatusSeeOther)
				return
			}
			http.Redirect(w, r, "/welcome", http.StatusSeeOther)
		})
		r.Get("/welcome", func(w http.ResponseWriter, r *http.Request) {
			pages.Render(w, r, "pages/welcome.html", "PhD Nexus", nil, http.StatusOK)
		})

		if params.AuthHandler != nil {
			params.AuthHandler.MountRoutes(r)
		}
		if params.Dashboard != nil {
			r.Method(http.MethodGet, auth.HomePath, params.Dashboard)
		}
		if params.GroupsHandler != nil {
			params.GroupsHandler.MountRoutes(r)
		}
		if params.TasksHandler != nil {
			r.Route("/tasks", params.TasksHandler.MountRoutes)
		}
		if params.ReportsHandler != nil {
			r.Route("/reports", params.ReportsHandler.MountRoutes)
		}

		r.Group(func(r chi.Router) {
			r.Use(params.Gates.Require(shared.CapSystemInspect))
			if params.PDFHandler != nil {
				r.Route("/admin/pdf", params.PDFHandler.MountRoutes)
			}
			if params.JobHandler != nil {
				r.Route("/admin/jobs", params.JobHandler.MountRoutes)
			}
		})
	})

	return r
}

// staticCacheHandler wraps a file server with Cache-Control headers.
// Static assets are cached for 1 hour in browser.
func staticCacheHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=3600")
		next.ServeHTTP(w, r)
	})
}

// NewGates builds the access middleware from the auth service. In open mode
// requests without a selected group fall back to cfg.OpenModeGroup.
func NewGates(cfg *Config, authService *auth.Service, logger *slog.Logger) access.Middleware {
	openMode := cfg != nil && cfg.OpenMode
	m := access.Middleware{
		OpenMode: openMode,
		Logger:   logger,
		ActiveGroup: func(r *http.Request) int64 {
			if sess := shared.SessionFromContext(r.Context()); sess != nil {
				if id := sess.ActiveGroup(); id > 0 {
					return id
				}
			}
			if openMode {
				return cfg.OpenModeGroup
			}
			return 0
		},
	}
	if authService != nil {
		m.Client = authService.RequestClient
	}
	return m
}
