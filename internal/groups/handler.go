package groups

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/phd-nexus/nexus/internal/access"
	"github.com/phd-nexus/nexus/internal/platform/httpx"
	"github.com/phd-nexus/nexus/internal/shared"
	"github.com/phd-nexus/nexus/internal/view"
)

// Handler serves group selection and member administration.
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

// MountRoutes registers group routes. Paths are absolute because they span
// the /settings and /admin areas.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/settings/groups", h.listGroups)
	r.Post("/settings/groups/active", h.switchGroup)
	r.Get("/admin/members", h.listMembers)
	r.Group(func(r chi.Router) {
		r.Use(h.gates.Require(shared.CapMembersManage))
		r.Post("/admin/members", h.addMember)
		r.Delete("/admin/members/{userID}", h.deleteMember)
		r.Post("/admin/members/{userID}/remove", h.removeMember)
	})
}

func (h *Handler) listGroups(w http.ResponseWriter, r *http.Request) {
	state := access.StateFrom(r.Context())
	mine, err := h.service.MyGroups(r.Context(), state.UserID(), state.Open)
	if err != nil {
		h.logger.Error("list groups", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	h.pages.Render(w, r, "pages/groups.html", "Research groups", map[string]any{
		"Groups":   mine,
		"ActiveID": state.ActiveGroupID,
	}, http.StatusOK)
}

func (h *Handler) switchGroup(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	groupID, _ := strconv.ParseInt(r.PostFormValue("group_id"), 10, 64)
	state := access.StateFrom(r.Context())
	err := h.service.CanSwitch(r.Context(), state.UserID(), groupID, state.Open)
	if err != nil {
		if errors.Is(err, access.ErrMembershipNotFound) || errors.Is(err, shared.ErrNotFound) || errors.Is(err, shared.ErrInvalidInput) {
			view.RedirectWithFlash(w, r, "/settings/groups", "danger", "You are not a member of that group")
			return
		}
		h.logger.Error("switch group", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	sess.SetActiveGroup(groupID)
	if gate := access.FromContext(r.Context()); gate != nil {
		if _, err := gate.SelectGroup(r.Context(), groupID); err != nil {
			h.logger.Warn("select group", slog.Any("error", err))
		}
	}
	view.RedirectWithFlash(w, r, access.SafeNext(r.PostFormValue("next"), "/dashboard"), "success", "Active group changed")
}

func (h *Handler) listMembers(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.Actor(r)
	if err != nil {
		http.Error(w, http.StatusText(httpx.StatusOf(err)), httpx.StatusOf(err))
		return
	}
	members, err := h.service.Members(r.Context(), actor)
	if err != nil {
		h.logger.Error("list members", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if view.WantsJSON(r) {
		httpx.JSON(w, http.StatusOK, members)
		return
	}
	h.pages.Render(w, r, "pages/members.html", "Members", map[string]any{
		"Members":   members,
		"CanManage": actor.Can(shared.CapMembersManage),
		"Roles":     []access.Role{access.RoleAdmin, access.RoleSupervisor, access.RoleStudent, access.RoleMember},
	}, http.StatusOK)
}

func (h *Handler) addMember(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.Actor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var in AddMemberInput
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
		in = AddMemberInput{Email: r.PostFormValue("email"), Role: r.PostFormValue("role")}
	}
	member, err := h.service.AddMember(r.Context(), actor, in)
	if view.WantsJSON(r) {
		if err != nil {
			h.logError("add member", err)
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusCreated, member)
		return
	}
	if err != nil {
		h.logError("add member", err)
		view.RedirectWithFlash(w, r, "/admin/members", "danger", memberErrorMessage(err))
		return
	}
	view.RedirectWithFlash(w, r, "/admin/members", "success", member.Email+" is now "+string(member.Role))
}

func (h *Handler) deleteMember(w http.ResponseWriter, r *http.Request) {
	actor, userID, err := h.memberTarget(r)
	if err == nil {
		err = h.service.RemoveMember(r.Context(), actor, userID)
	}
	if err != nil {
		h.logError("remove member", err)
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeMember(w http.ResponseWriter, r *http.Request) {
	actor, userID, err := h.memberTarget(r)
	if err == nil {
		err = h.service.RemoveMember(r.Context(), actor, userID)
	}
	if err != nil {
		h.logError("remove member", err)
		view.RedirectWithFlash(w, r, "/admin/members", "danger", memberErrorMessage(err))
		return
	}
	view.RedirectWithFlash(w, r, "/admin/members", "success", "Member removed")
}

func (h *Handler) memberTarget(r *http.Request) (shared.Actor, int64, error) {
	actor, err := httpx.Actor(r)
	if err != nil {
		return actor, 0, err
	}
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		return actor, 0, httpx.ErrValidation
	}
	return actor, userID, nil
}

func (h *Handler) logError(op string, err error) {
	if httpx.StatusOf(err) >= http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
		return
	}
	h.logger.Info(op, slog.Any("error", err))
}

func memberErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrLastAdmin):
		return "A group must keep at least one admin"
	case errors.Is(err, shared.ErrNotFound):
		return "No active user with that email"
	case errors.Is(err, shared.ErrInvalidInput):
		return "Enter a valid email and role"
	case errors.Is(err, shared.ErrForbidden):
		return "You cannot manage members of this group"
	default:
		return "Could not update membership"
	}
}
