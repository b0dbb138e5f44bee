package tasks

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/phd-nexus/nexus/internal/access"
	"github.com/phd-nexus/nexus/internal/platform/httpx"
	"github.com/phd-nexus/nexus/internal/shared"
	"github.com/phd-nexus/nexus/internal/view"
)

// Handler serves the task board.
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

// MountRoutes registers task routes under /tasks.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.With(h.gates.Require(shared.CapTasksAssign)).Post("/", h.create)
	r.Post("/{id}/status", h.updateStatus)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.Actor(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	status := Status(q.Get("status"))
	result, err := h.service.List(r.Context(), actor, status, page, perPage)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if view.WantsJSON(r) {
		httpx.JSON(w, http.StatusOK, result)
		return
	}
	h.pages.Render(w, r, "pages/tasks.html", "Tasks", map[string]any{
		"Tasks":      result.Tasks,
		"Pagination": result.Pagination,
		"Status":     status,
		"Statuses":   Statuses(),
		"CanAssign":  actor.Can(shared.CapTasksAssign),
		"UserID":     actor.UserID,
		"Now":        time.Now(),
	}, http.StatusOK)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.Actor(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var in CreateInput
	if view.WantsJSON(r) {
		if err := httpx.DecodeJSON(r, &in); err != nil {
			httpx.RespondError(w, err)
			return
		}
	} else {
		in, err = parseCreateForm(r)
		if err != nil {
			view.RedirectWithFlash(w, r, "/tasks", "danger", "Check the task fields")
			return
		}
	}
	task, err := h.service.Create(r.Context(), actor, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if view.WantsJSON(r) {
		httpx.JSON(w, http.StatusCreated, task)
		return
	}
	view.RedirectWithFlash(w, r, "/tasks", "success", "Task created")
}

func parseCreateForm(r *http.Request) (CreateInput, error) {
	if err := r.ParseForm(); err != nil {
		return CreateInput{}, err
	}
	in := CreateInput{
		Title:       r.PostFormValue("title"),
		Description: r.PostFormValue("description"),
	}
	if v := strings.TrimSpace(r.PostFormValue("assignee_id")); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return in, err
		}
		in.AssigneeID = id
	}
	if v := strings.TrimSpace(r.PostFormValue("due_at")); v != "" {
		due, err := time.Parse("2006-01-02", v)
		if err != nil {
			return in, err
		}
		in.DueAt = &due
	}
	return in, nil
}

type statusRequest struct {
	Status Status `json:"status"`
}

func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.Actor(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.fail(w, r, httpx.ErrValidation)
		return
	}
	var req statusRequest
	if view.WantsJSON(r) {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		req.Status = Status(r.PostFormValue("status"))
	}
	task, err := h.service.UpdateStatus(r.Context(), actor, id, req.Status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if view.WantsJSON(r) {
		httpx.JSON(w, http.StatusOK, task)
		return
	}
	view.RedirectWithFlash(w, r, "/tasks", "success", "Task updated")
}

// fail answers JSON clients with a problem document and browsers with a
// flash redirect back to the board.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := httpx.StatusOf(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("tasks request", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	switch {
	case view.WantsJSON(r):
		httpx.RespondError(w, err)
		return
	case r.Method == http.MethodGet:
		http.Error(w, http.StatusText(status), status)
		return
	}
	msg := "Could not update the task"
	switch {
	case errors.Is(err, shared.ErrForbidden):
		msg = "You cannot change this task"
	case errors.Is(err, shared.ErrInvalidInput):
		msg = "Check the task fields"
	case errors.Is(err, shared.ErrNotFound):
		msg = "Task not found"
	}
	view.RedirectWithFlash(w, r, "/tasks", "danger", msg)
}
