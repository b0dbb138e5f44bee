// Package reports serves annotated research reports: their comments, the
// sidenote layout of those comments and PDF exports.
package reports

import (
	"time"

	"github.com/phd-nexus/nexus/internal/annotation"
)

// Status is the review state of a report.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSubmitted Status = "submitted"
	StatusReviewed  Status = "reviewed"
)

// Report is a research report written inside a group.
type Report struct {
	ID         int64     `json:"id"`
	GroupID    int64     `json:"group_id"`
	AuthorID   int64     `json:"author_id"`
	AuthorName string    `json:"author_name,omitempty"`
	Title      string    `json:"title"`
	BodyHTML   string    `json:"body_html,omitempty"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Comment is a note attached to a highlighted span of a report.
type Comment struct {
	ID         string    `json:"id"`
	ReportID   int64     `json:"report_id"`
	AnchorID   string    `json:"anchor_id"`
	AuthorID   int64     `json:"author_id"`
	AuthorName string    `json:"author_name,omitempty"`
	Quote      string    `json:"quote,omitempty"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// Annotation returns the fields the layout engine works on.
func (c Comment) Annotation() annotation.Comment {
	return annotation.Comment{
		ID:        c.ID,
		AnchorID:  c.AnchorID,
		AuthorID:  c.AuthorID,
		Content:   c.Content,
		CreatedAt: c.CreatedAt,
	}
}

func annotations(comments []Comment) []annotation.Comment {
	out := make([]annotation.Comment, len(comments))
	for i, c := range comments {
		out[i] = c.Annotation()
	}
	return out
}

// CreateReportInput starts a draft report.
type CreateReportInput struct {
	Title    string `json:"title" validate:"required,max=300"`
	BodyHTML string `json:"body_html" validate:"max=1000000"`
}

// CreateCommentInput attaches a comment to an anchor. When the body has no
// span for AnchorID yet, the Occurrence-th match of Quote is wrapped in one.
type CreateCommentInput struct {
	AnchorID   string `json:"anchor_id" validate:"required,max=128"`
	Quote      string `json:"quote" validate:"max=1000"`
	Occurrence int    `json:"occurrence" validate:"gte=0"`
	Content    string `json:"content" validate:"max=4000"`
}

// LayoutEntry is the last computed layout of a report with the geometry it
// was computed from. Stale marks a recompute after a comment change that
// reused the previous geometry.
type LayoutEntry struct {
	ReportID   int64                   `json:"report_id"`
	Snapshot   annotation.Snapshot     `json:"snapshot"`
	Result     annotation.LayoutResult `json:"result"`
	Stale      bool                    `json:"stale"`
	ComputedAt time.Time               `json:"computed_at"`
}

// Detail is a report with its comments.
type Detail struct {
	Report   Report    `json:"report"`
	Comments []Comment `json:"comments"`
}
