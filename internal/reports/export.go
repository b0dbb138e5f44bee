package reports

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/phd-nexus/nexus/internal/annotation"
	"github.com/phd-nexus/nexus/internal/shared"
)

// ExportTemplate is the document template rendered before PDF conversion.
const ExportTemplate = "pages/report_export.html"

// Documents renders named templates; *view.Engine satisfies it.
type Documents interface {
	Execute(w io.Writer, name string, data any) error
}

// ExportCard is a comment placed in the margin of the exported document.
type ExportCard struct {
	Comment
	Offset float64
}

// ExportDocument is the data handed to ExportTemplate.
type ExportDocument struct {
	Report      Report
	Body        template.HTML
	Cards       []ExportCard
	Unplaced    []Comment
	CardHeight  float64
	Stale       bool
	HasLayout   bool
	GeneratedAt time.Time
}

// BuildExportDocument places comments at the offsets of entry. Comments the
// layout hides, or that postdate it, go to the unplaced list.
func BuildExportDocument(r Report, comments []Comment, entry *LayoutEntry, cardHeight float64, now time.Time) ExportDocument {
	doc := ExportDocument{
		Report:      r,
		Body:        template.HTML(SanitizeBody(r.BodyHTML)),
		CardHeight:  cardHeight,
		GeneratedAt: now,
	}
	var result annotation.LayoutResult
	if entry != nil {
		result = entry.Result
		doc.Stale = entry.Stale
		doc.HasLayout = true
	}
	for _, c := range comments {
		p, ok := result[c.ID]
		if ok && p.Visible {
			doc.Cards = append(doc.Cards, ExportCard{Comment: c, Offset: p.Offset})
			continue
		}
		doc.Unplaced = append(doc.Unplaced, c)
	}
	sort.SliceStable(doc.Cards, func(i, j int) bool { return doc.Cards[i].Offset < doc.Cards[j].Offset })
	return doc
}

// Export renders a visible report to PDF. Concurrent exports of the same
// report share one render.
func (s *Service) Export(ctx context.Context, actor shared.Actor, reportID int64) ([]byte, error) {
	if _, err := s.report(ctx, actor, reportID); err != nil {
		return nil, err
	}
	return s.ExportReport(ctx, actor.GroupID, reportID)
}

// ExportReport renders a report to PDF without a visibility check. It is
// used by the background worker, which runs on behalf of a verified request.
func (s *Service) ExportReport(ctx context.Context, groupID, reportID int64) ([]byte, error) {
	if s.renderer == nil || s.documents == nil {
		return nil, fmt.Errorf("reports: export renderer not configured")
	}
	key := strconv.FormatInt(groupID, 10) + "/" + strconv.FormatInt(reportID, 10)
	v, err, dup := s.exports.Do(key, func() (any, error) {
		out, err := s.render(ctx, groupID, reportID)
		s.observer.ObserveExport(err)
		return out, err
	})
	if dup {
		s.logger.Debug("export shared", slog.Int64("report_id", reportID))
	}
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (s *Service) render(ctx context.Context, groupID, reportID int64) ([]byte, error) {
	r, err := s.repo.GetReport(ctx, groupID, reportID)
	if err != nil {
		return nil, err
	}
	comments, err := s.repo.ListComments(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	var entry *LayoutEntry
	if cached, ok, err := s.cache.Get(ctx, r.ID); err != nil {
		s.logger.Warn("export layout", slog.Int64("report_id", r.ID), slog.Any("error", err))
	} else if ok {
		entry = &cached
	}
	doc := BuildExportDocument(r, comments, entry, s.engine.CardHeight(), s.now().UTC())

	var buf bytes.Buffer
	if err := s.documents.Execute(&buf, ExportTemplate, doc); err != nil {
		return nil, fmt.Errorf("reports: export template: %w", err)
	}
	out, err := s.renderer.RenderHTML(ctx, buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("reports: render pdf: %w", err)
	}
	return out, nil
}
