package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/phd-nexus/nexus/internal/platform/httpx"
	"github.com/phd-nexus/nexus/internal/reports"
	"github.com/phd-nexus/nexus/internal/shared"
	"github.com/phd-nexus/nexus/internal/tasks"
	"github.com/phd-nexus/nexus/internal/view"
)

const dashboardReports = 5

// TaskSummarizer counts the active group's tasks per status.
type TaskSummarizer interface {
	Summary(ctx context.Context, actor shared.Actor) (map[tasks.Status]int, error)
}

// ReportLister lists the reports visible to the actor.
type ReportLister interface {
	List(ctx context.Context, actor shared.Actor) ([]reports.Report, error)
}

// Dashboard renders the signed-in landing page.
type Dashboard struct {
	Tasks   TaskSummarizer
	Reports ReportLister
	Pages   view.Pages
	Logger  *slog.Logger
}

type dashboardData struct {
	ActiveGroup bool
	Statuses    []tasks.Status
	Summary     map[tasks.Status]int
	Reports     []reports.Report
}

func (d Dashboard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data := dashboardData{Statuses: tasks.Statuses()}
	actor, err := httpx.Actor(r)
	switch {
	case errors.Is(err, shared.ErrNoActiveGroup):
		d.Pages.Render(w, r, "pages/dashboard.html", "Dashboard", data, http.StatusOK)
		return
	case err != nil:
		httpx.RespondError(w, err)
		return
	}
	data.ActiveGroup = true

	if d.Tasks != nil {
		if data.Summary, err = d.Tasks.Summary(r.Context(), actor); err != nil {
			d.fail(w, "task summary", err)
			return
		}
	}
	if data.Summary == nil {
		data.Summary = map[tasks.Status]int{}
	}
	if d.Reports != nil {
		list, err := d.Reports.List(r.Context(), actor)
		if err != nil {
			d.fail(w, "list reports", err)
			return
		}
		if len(list) > dashboardReports {
			list = list[:dashboardReports]
		}
		data.Reports = list
	}
	d.Pages.Render(w, r, "pages/dashboard.html", "Dashboard", data, http.StatusOK)
}

func (d Dashboard) fail(w http.ResponseWriter, op string, err error) {
	if d.Logger != nil {
		d.Logger.Error("dashboard "+op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
