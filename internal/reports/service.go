package reports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/phd-nexus/nexus/internal/annotation"
	"github.com/phd-nexus/nexus/internal/platform/httpx"
	"github.com/phd-nexus/nexus/internal/shared"
)

// Renderer converts an HTML document to PDF.
type Renderer interface {
	RenderHTML(ctx context.Context, html []byte) ([]byte, error)
}

// Observer receives layout and export measurements.
type Observer interface {
	ObserveLayout(stale bool, total, hidden int, took time.Duration)
	ObserveExport(err error)
}

// ExportQueue schedules background exports.
type ExportQueue interface {
	EnqueueExport(ctx context.Context, groupID, reportID, requestedBy int64) (string, error)
}

// idempotencyModule scopes comment keys in the idempotency store.
const idempotencyModule = "comments"

// Deps groups the collaborators of Service. Only Repo is required.
type Deps struct {
	Repo        Repository
	Cache       *LayoutCache
	Engine      *annotation.Engine
	Documents   Documents
	Renderer    Renderer
	Queue       ExportQueue
	Idempotency shared.IdempotencyGuard
	Audit       shared.AuditRecorder
	Observer    Observer
	Logger      *slog.Logger
	Now         func() time.Time
}

// Service implements report, comment, layout and export operations.
type Service struct {
	repo        Repository
	cache       *LayoutCache
	engine      *annotation.Engine
	documents   Documents
	renderer    Renderer
	queue       ExportQueue
	idempotency shared.IdempotencyGuard
	audit       shared.AuditRecorder
	observer    Observer
	logger      *slog.Logger
	now         func() time.Time
	validator   *validator.Validate
	exports     singleflight.Group
}

// NewService constructs a Service.
func NewService(d Deps) *Service {
	s := &Service{
		repo:        d.Repo,
		cache:       d.Cache,
		engine:      d.Engine,
		documents:   d.Documents,
		renderer:    d.Renderer,
		queue:       d.Queue,
		idempotency: d.Idempotency,
		audit:       d.Audit,
		observer:    d.Observer,
		logger:      d.Logger,
		now:         d.Now,
		validator:   validator.New(),
	}
	if s.engine == nil {
		s.engine = annotation.NewEngine()
	}
	if s.audit == nil {
		s.audit = shared.NopAudit{}
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

type nopObserver struct{}

func (nopObserver) ObserveLayout(bool, int, int, time.Duration) {}
func (nopObserver) ObserveExport(error)                         {}

// List returns the reports of the actor's group visible to the actor.
func (s *Service) List(ctx context.Context, actor shared.Actor) ([]Report, error) {
	all, err := s.repo.ListReports(ctx, actor.GroupID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, r := range all {
		if canView(actor, r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// canView hides drafts from everyone but their author and reviewers.
func canView(actor shared.Actor, r Report) bool {
	if r.Status != StatusDraft {
		return true
	}
	return actor.Is(r.AuthorID) || actor.Can(shared.CapReportsReview)
}

func (s *Service) report(ctx context.Context, actor shared.Actor, id int64) (Report, error) {
	r, err := s.repo.GetReport(ctx, actor.GroupID, id)
	if err != nil {
		return Report{}, err
	}
	if !canView(actor, r) {
		return Report{}, shared.ErrNotFound
	}
	return r, nil
}

// Get returns a report with its comments.
func (s *Service) Get(ctx context.Context, actor shared.Actor, id int64) (Detail, error) {
	r, err := s.report(ctx, actor, id)
	if err != nil {
		return Detail{}, err
	}
	comments, err := s.repo.ListComments(ctx, r.ID)
	if err != nil {
		return Detail{}, err
	}
	r.BodyHTML = SanitizeBody(r.BodyHTML)
	return Detail{Report: r, Comments: comments}, nil
}

// Create starts a draft report authored by the actor.
func (s *Service) Create(ctx context.Context, actor shared.Actor, in CreateReportInput) (Report, error) {
	in.Title = strings.TrimSpace(in.Title)
	if err := s.validator.Struct(in); err != nil {
		return Report{}, fmt.Errorf("%w: %v", shared.ErrInvalidInput, err)
	}
	r, err := s.repo.CreateReport(ctx, Report{
		GroupID:  actor.GroupID,
		AuthorID: actor.UserID,
		Title:    in.Title,
		BodyHTML: SanitizeBody(in.BodyHTML),
		Status:   StatusDraft,
	})
	if err != nil {
		return Report{}, err
	}
	s.record(ctx, actor, "report.create", strconv.FormatInt(r.ID, 10), nil)
	return r, nil
}

// Submit hands a draft to reviewers. Only the author may submit.
func (s *Service) Submit(ctx context.Context, actor shared.Actor, id int64) error {
	r, err := s.report(ctx, actor, id)
	if err != nil {
		return err
	}
	if !actor.Is(r.AuthorID) {
		return shared.ErrForbidden
	}
	if err := s.repo.SetStatus(ctx, actor.GroupID, id, StatusDraft, StatusSubmitted); err != nil {
		return err
	}
	s.record(ctx, actor, "report.submit", strconv.FormatInt(id, 10), nil)
	return nil
}

// Review marks a submitted report as reviewed.
func (s *Service) Review(ctx context.Context, actor shared.Actor, id int64) error {
	if !actor.Can(shared.CapReportsReview) {
		return shared.ErrForbidden
	}
	if _, err := s.report(ctx, actor, id); err != nil {
		return err
	}
	if err := s.repo.SetStatus(ctx, actor.GroupID, id, StatusSubmitted, StatusReviewed); err != nil {
		return err
	}
	s.record(ctx, actor, "report.review", strconv.FormatInt(id, 10), nil)
	return nil
}

// AddComment attaches a comment to an anchor of the report. A quoted
// selection whose anchor is not in the body yet is wrapped into the stored
// body so the anchor renders on every later visit. A non-empty idempotency
// key makes retries of the same request fail with
// shared.ErrIdempotencyConflict instead of creating duplicates.
func (s *Service) AddComment(ctx context.Context, actor shared.Actor, reportID int64, in CreateCommentInput, idemKey string) (Comment, error) {
	in.AnchorID = strings.TrimSpace(in.AnchorID)
	if err := s.validator.Struct(in); err != nil {
		return Comment{}, fmt.Errorf("%w: %v", shared.ErrInvalidInput, err)
	}
	if !ValidAnchorID(in.AnchorID) {
		return Comment{}, fmt.Errorf("%w: invalid anchor id %q", shared.ErrInvalidInput, in.AnchorID)
	}
	r, err := s.report(ctx, actor, reportID)
	if err != nil {
		return Comment{}, err
	}

	claimed := ""
	if idemKey != "" && s.idempotency != nil {
		claimed = fmt.Sprintf("%d:%s", actor.UserID, idemKey)
		if err := s.idempotency.CheckAndInsert(ctx, claimed, idempotencyModule); err != nil {
			return Comment{}, err
		}
	}
	release := func() {
		if claimed == "" {
			return
		}
		if derr := s.idempotency.Delete(ctx, claimed); derr != nil {
			s.logger.Warn("release idempotency key", slog.Any("error", derr))
		}
	}

	if in.Quote != "" {
		err := s.repo.EditBody(ctx, r.GroupID, r.ID, func(body string) (string, error) {
			if HasAnchor(body, in.AnchorID) {
				return body, nil
			}
			return AnchorQuote(SanitizeBody(body), in.AnchorID, in.Quote, in.Occurrence)
		})
		if err != nil {
			release()
			return Comment{}, err
		}
	}

	c, err := s.repo.CreateComment(ctx, Comment{
		ID:        uuid.NewString(),
		ReportID:  r.ID,
		AnchorID:  in.AnchorID,
		AuthorID:  actor.UserID,
		Quote:     in.Quote,
		Content:   in.Content,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		release()
		return Comment{}, err
	}
	s.record(ctx, actor, "comment.create", c.ID, map[string]any{"report_id": r.ID, "anchor_id": c.AnchorID})
	s.recomputeCached(ctx, r.ID)
	return c, nil
}

// DeleteComment removes a comment. Authors may delete their own comments;
// moderators may delete any.
func (s *Service) DeleteComment(ctx context.Context, actor shared.Actor, reportID int64, commentID string) error {
	r, err := s.report(ctx, actor, reportID)
	if err != nil {
		return err
	}
	c, err := s.repo.GetComment(ctx, r.ID, commentID)
	if err != nil {
		return err
	}
	if !actor.Is(c.AuthorID) && !actor.Can(shared.CapCommentsModerate) {
		return shared.ErrForbidden
	}
	if err := s.repo.DeleteComment(ctx, r.ID, commentID); err != nil {
		return err
	}
	s.record(ctx, actor, "comment.delete", commentID, map[string]any{"report_id": r.ID})
	s.recomputeCached(ctx, r.ID)
	return nil
}

// Layout computes the sidenote layout of a report from geometry captured by
// the browser and caches it for exports.
func (s *Service) Layout(ctx context.Context, actor shared.Actor, reportID int64, snap annotation.Snapshot) (LayoutEntry, error) {
	if err := s.validator.Struct(snap); err != nil {
		return LayoutEntry{}, fmt.Errorf("%w: %v", shared.ErrInvalidInput, err)
	}
	r, err := s.report(ctx, actor, reportID)
	if err != nil {
		return LayoutEntry{}, err
	}
	comments, err := s.repo.ListComments(ctx, r.ID)
	if err != nil {
		return LayoutEntry{}, err
	}
	entry := s.compute(r.ID, comments, snap, false)
	if err := s.cache.Put(ctx, entry); err != nil {
		s.logger.Warn("cache layout", slog.Int64("report_id", r.ID), slog.Any("error", err))
	}
	return entry, nil
}

// CachedLayout returns the last layout computed for a report.
func (s *Service) CachedLayout(ctx context.Context, actor shared.Actor, reportID int64) (LayoutEntry, error) {
	if _, err := s.report(ctx, actor, reportID); err != nil {
		return LayoutEntry{}, err
	}
	entry, ok, err := s.cache.Get(ctx, reportID)
	if err != nil {
		return LayoutEntry{}, err
	}
	if !ok {
		return LayoutEntry{}, fmt.Errorf("reports: no layout for report %d: %w", reportID, shared.ErrNotFound)
	}
	return entry, nil
}

func (s *Service) compute(reportID int64, comments []Comment, snap annotation.Snapshot, stale bool) LayoutEntry {
	start := time.Now()
	result := s.engine.ComputeLayout(annotations(comments), snap)
	s.observer.ObserveLayout(stale, len(comments), len(result.Hidden()), time.Since(start))
	return LayoutEntry{
		ReportID:   reportID,
		Snapshot:   snap,
		Result:     result,
		Stale:      stale,
		ComputedAt: s.now().UTC(),
	}
}

// recomputeCached refreshes a cached layout after the comment set changed.
// The cached geometry is reused and the entry is flagged stale until the
// browser posts a fresh snapshot. An entry that already places every comment
// is left alone, so a fresh layout posted meanwhile is never downgraded.
func (s *Service) recomputeCached(ctx context.Context, reportID int64) {
	err := s.cache.Update(ctx, reportID, func(cur LayoutEntry) (LayoutEntry, bool, error) {
		comments, err := s.repo.ListComments(ctx, reportID)
		if err != nil {
			return LayoutEntry{}, false, err
		}
		if placesExactly(cur.Result, comments) {
			return cur, false, nil
		}
		return s.compute(reportID, comments, cur.Snapshot, true), true, nil
	})
	if err != nil {
		s.logger.Warn("recompute layout", slog.Int64("report_id", reportID), slog.Any("error", err))
		_ = s.cache.Delete(ctx, reportID)
	}
}

func placesExactly(result annotation.LayoutResult, comments []Comment) bool {
	if len(result) != len(comments) {
		return false
	}
	for _, c := range comments {
		if _, ok := result[c.ID]; !ok {
			return false
		}
	}
	return true
}

// QueueExport schedules a background PDF export of a visible report.
func (s *Service) QueueExport(ctx context.Context, actor shared.Actor, reportID int64) (string, error) {
	if s.queue == nil {
		return "", fmt.Errorf("reports: export queue unavailable: %w", httpx.ErrConflict)
	}
	if _, err := s.report(ctx, actor, reportID); err != nil {
		return "", err
	}
	return s.queue.EnqueueExport(ctx, actor.GroupID, reportID, actor.UserID)
}

func (s *Service) record(ctx context.Context, actor shared.Actor, action, id string, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["group_id"] = actor.GroupID
	entity := "report"
	if strings.HasPrefix(action, "comment.") {
		entity = "comment"
	}
	err := s.audit.Record(ctx, shared.AuditLog{ActorID: actor.UserID, Action: action, Entity: entity, EntityID: id, Meta: meta})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("audit report", slog.String("action", action), slog.Any("error", err))
	}
}
