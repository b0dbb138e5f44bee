package reports

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/phd-nexus/nexus/internal/access"
	"github.com/phd-nexus/nexus/internal/annotation"
	"github.com/phd-nexus/nexus/internal/platform/httpx"
	"github.com/phd-nexus/nexus/internal/shared"
	"github.com/phd-nexus/nexus/internal/view"
)

// Handler serves reports, comments, layouts and exports.
type Handler struct {
	logger  *slog.Logger
	service *Service
	pages   view.Pages
	gates   access.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, templates *view.Engine, csrf *shared.CSRFManager, gates access.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:  logger,
		service: service,
		pages:   view.Pages{Engine: templates, CSRF: csrf, Logger: logger},
		gates:   gates,
	}
}

// MountRoutes registers report routes under /reports.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.show)
		r.Post("/submit", h.submit)
		r.With(h.gates.Require(shared.CapReportsReview)).Post("/review", h.review)
		r.Post("/comments", h.addComment)
		r.Delete("/comments/{commentID}", h.deleteComment)
		r.Post("/comments/{commentID}/delete", h.deleteComment)
		r.Post("/layout", h.computeLayout)
		r.Get("/layout", h.cachedLayout)
		r.Get("/export.pdf", h.exportPDF)
		r.Post("/export", h.queueExport)
	})
}

func reportID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: report id", httpx.ErrValidation)
	}
	return id, nil
}

// target resolves the actor and the report id of the request.
func target(r *http.Request) (shared.Actor, int64, error) {
	actor, err := httpx.Actor(r)
	if err != nil {
		return actor, 0, err
	}
	id, err := reportID(r)
	return actor, id, err
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.Actor(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	items, err := h.service.List(r.Context(), actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if view.WantsJSON(r) {
		httpx.JSON(w, http.StatusOK, items)
		return
	}
	h.pages.Render(w, r, "pages/reports.html", "Reports", map[string]any{"Reports": items}, http.StatusOK)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.Actor(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var in CreateReportInput
	if view.WantsJSON(r) {
		if err := httpx.DecodeJSON(r, &in); err != nil {
			httpx.RespondError(w, err)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		in = CreateReportInput{Title: r.PostFormValue("title"), BodyHTML: r.PostFormValue("body_html")}
	}
	rep, err := h.service.Create(r.Context(), actor, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if view.WantsJSON(r) {
		httpx.JSON(w, http.StatusCreated, rep)
		return
	}
	view.RedirectWithFlash(w, r, fmt.Sprintf("/reports/%d", rep.ID), "success", "Draft created")
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	actor, id, err := target(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	detail, err := h.service.Get(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if view.WantsJSON(r) {
		httpx.JSON(w, http.StatusOK, detail)
		return
	}
	h.pages.Render(w, r, "pages/report.html", detail.Report.Title, map[string]any{
		"Report":      detail.Report,
		"Comments":    detail.Comments,
		"CanReview":   actor.Can(shared.CapReportsReview) && detail.Report.Status == StatusSubmitted,
		"CanSubmit":   actor.Is(detail.Report.AuthorID) && detail.Report.Status == StatusDraft,
		"CanModerate": actor.Can(shared.CapCommentsModerate),
		"UserID":      actor.UserID,
		"CardHeight":  annotation.CardHeight,
	}, http.StatusOK)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	actor, id, err := target(r)
	if err == nil {
		err = h.service.Submit(r.Context(), actor, id)
	}
	h.done(w, r, err, "Report submitted for review")
}

func (h *Handler) review(w http.ResponseWriter, r *http.Request) {
	actor, id, err := target(r)
	if err == nil {
		err = h.service.Review(r.Context(), actor, id)
	}
	h.done(w, r, err, "Report marked as reviewed")
}

func (h *Handler) addComment(w http.ResponseWriter, r *http.Request) {
	actor, id, err := target(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var in CreateCommentInput
	if view.WantsJSON(r) {
		if err := httpx.DecodeJSON(r, &in); err != nil {
			httpx.RespondError(w, err)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		in = CreateCommentInput{
			AnchorID: r.PostFormValue("anchor_id"),
			Quote:    r.PostFormValue("quote"),
			Content:  r.PostFormValue("content"),
		}
		if raw := r.PostFormValue("occurrence"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				h.fail(w, r, fmt.Errorf("%w: occurrence", shared.ErrInvalidInput))
				return
			}
			in.Occurrence = n
		}
	}
	c, err := h.service.AddComment(r.Context(), actor, id, in, r.Header.Get(shared.IdempotencyHeader))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if view.WantsJSON(r) {
		httpx.JSON(w, http.StatusCreated, c)
		return
	}
	view.RedirectWithFlash(w, r, fmt.Sprintf("/reports/%d", id), "success", "Comment added")
}

func (h *Handler) deleteComment(w http.ResponseWriter, r *http.Request) {
	actor, id, err := target(r)
	if err == nil {
		err = h.service.DeleteComment(r.Context(), actor, id, chi.URLParam(r, "commentID"))
	}
	if r.Method == http.MethodDelete {
		if err != nil {
			h.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.done(w, r, err, "Comment deleted")
}

func (h *Handler) computeLayout(w http.ResponseWriter, r *http.Request) {
	actor, id, err := target(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var snap annotation.Snapshot
	if err := httpx.DecodeJSON(r, &snap); err != nil {
		httpx.RespondError(w, err)
		return
	}
	entry, err := h.service.Layout(r.Context(), actor, id, snap)
	if err != nil {
		h.logFailure(r, err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, layoutResponse(entry))
}

func (h *Handler) cachedLayout(w http.ResponseWriter, r *http.Request) {
	actor, id, err := target(r)
	if err == nil {
		var entry LayoutEntry
		entry, err = h.service.CachedLayout(r.Context(), actor, id)
		if err == nil {
			httpx.JSON(w, http.StatusOK, layoutResponse(entry))
			return
		}
	}
	h.logFailure(r, err)
	httpx.RespondError(w, err)
}

type layoutBody struct {
	Placements annotation.LayoutResult `json:"placements"`
	Order      []string                `json:"order"`
	Hidden     []string                `json:"hidden"`
	Stale      bool                    `json:"stale"`
	ComputedAt string                  `json:"computed_at"`
}

func layoutResponse(e LayoutEntry) layoutBody {
	return layoutBody{
		Placements: e.Result,
		Order:      e.Result.Visible(),
		Hidden:     e.Result.Hidden(),
		Stale:      e.Stale,
		ComputedAt: e.ComputedAt.Format(time.RFC3339),
	}
}

func (h *Handler) exportPDF(w http.ResponseWriter, r *http.Request) {
	actor, id, err := target(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	doc, err := h.service.Export(r.Context(), actor, id)
	if err != nil {
		if httpx.StatusOf(err) == http.StatusInternalServerError {
			h.logger.Error("export report", slog.Int64("report_id", id), slog.Any("error", err))
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
			return
		}
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=report-%d.pdf", id))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

func (h *Handler) queueExport(w http.ResponseWriter, r *http.Request) {
	actor, id, err := target(r)
	var jobID string
	if err == nil {
		jobID, err = h.service.QueueExport(r.Context(), actor, id)
	}
	if view.WantsJSON(r) {
		if err != nil {
			h.logFailure(r, err)
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
		return
	}
	h.done(w, r, err, "Export queued; the PDF will be ready shortly")
}

// done finishes a form action: JSON clients get 204, browsers a flash
// redirect back to the report.
func (h *Handler) done(w http.ResponseWriter, r *http.Request, err error, success string) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if view.WantsJSON(r) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	view.RedirectWithFlash(w, r, back(r), "success", success)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.logFailure(r, err)
	status := httpx.StatusOf(err)
	switch {
	case view.WantsJSON(r):
		httpx.RespondError(w, err)
	case r.Method == http.MethodGet:
		http.Error(w, http.StatusText(status), status)
	default:
		view.RedirectWithFlash(w, r, back(r), "danger", failureMessage(err))
	}
}

func (h *Handler) logFailure(r *http.Request, err error) {
	if httpx.StatusOf(err) >= http.StatusInternalServerError {
		h.logger.Error("reports request", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
}

func back(r *http.Request) string {
	if id, err := reportID(r); err == nil {
		return fmt.Sprintf("/reports/%d", id)
	}
	return "/reports"
}

func failureMessage(err error) string {
	switch {
	case errors.Is(err, shared.ErrForbidden):
		return "You are not allowed to do that"
	case errors.Is(err, shared.ErrInvalidInput), errors.Is(err, httpx.ErrValidation):
		return "Check the submitted fields"
	case errors.Is(err, shared.ErrNotFound):
		return "Not found"
	case errors.Is(err, shared.ErrIdempotencyConflict):
		return "That comment was already saved"
	case errors.Is(err, httpx.ErrConflict):
		return "The report changed status in the meantime"
	default:
		return "Something went wrong"
	}
}
