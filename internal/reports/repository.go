package reports

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/phd-nexus/nexus/internal/platform/db"
	"github.com/phd-nexus/nexus/internal/platform/httpx"
	"github.com/phd-nexus/nexus/internal/shared"
)

// Repository persists reports and their comments.
type Repository interface {
	ListReports(ctx context.Context, groupID int64) ([]Report, error)
	GetReport(ctx context.Context, groupID, id int64) (Report, error)
	CreateReport(ctx context.Context, r Report) (Report, error)
	SetStatus(ctx context.Context, groupID, id int64, from, to Status) error
	// EditBody replaces the body with edit's result while holding the report
	// row, so concurrent edits apply in turn.
	EditBody(ctx context.Context, groupID, id int64, edit func(body string) (string, error)) error
	ListComments(ctx context.Context, reportID int64) ([]Comment, error)
	GetComment(ctx context.Context, reportID int64, id string) (Comment, error)
	CreateComment(ctx context.Context, c Comment) (Comment, error)
	DeleteComment(ctx context.Context, reportID int64, id string) error
}

// PGRepository implements Repository on PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const reportSelect = `SELECT r.id, r.group_id, COALESCE(r.author_id, 0), COALESCE(u.name, ''), r.title, r.body_html, r.status, r.created_at, r.updated_at
FROM reports r
LEFT JOIN users u ON u.id = r.author_id`

func scanReport(row pgx.Row) (Report, error) {
	var r Report
	var status string
	err := row.Scan(&r.ID, &r.GroupID, &r.AuthorID, &r.AuthorName, &r.Title, &r.BodyHTML, &status, &r.CreatedAt, &r.UpdatedAt)
	r.Status = Status(status)
	return r, err
}

// ListReports returns the reports of a group, newest first, without bodies.
func (r *PGRepository) ListReports(ctx context.Context, groupID int64) ([]Report, error) {
	rows, err := r.pool.Query(ctx, reportSelect+` WHERE r.group_id = $1 ORDER BY r.updated_at DESC, r.id DESC`, groupID)
	if err != nil {
		return nil, fmt.Errorf("reports: list: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Report, error) {
		rep, err := scanReport(row)
		rep.BodyHTML = ""
		return rep, err
	})
}

// GetReport fetches one report of a group.
func (r *PGRepository) GetReport(ctx context.Context, groupID, id int64) (Report, error) {
	rep, err := scanReport(r.pool.QueryRow(ctx, reportSelect+` WHERE r.group_id = $1 AND r.id = $2`, groupID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Report{}, shared.ErrNotFound
	}
	return rep, err
}

// CreateReport inserts a report.
func (r *PGRepository) CreateReport(ctx context.Context, rep Report) (Report, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `INSERT INTO reports (group_id, author_id, title, body_html, status, created_at, updated_at)
VALUES ($1, NULLIF($2, 0), $3, $4, $5, NOW(), NOW())
RETURNING id`, rep.GroupID, rep.AuthorID, rep.Title, rep.BodyHTML, string(rep.Status)).Scan(&id)
	if err != nil {
		return Report{}, httpx.FromPG(err)
	}
	return r.GetReport(ctx, rep.GroupID, id)
}

// SetStatus moves a report from one status to another. It fails with
// httpx.ErrConflict when the report is no longer in the from status.
func (r *PGRepository) SetStatus(ctx context.Context, groupID, id int64, from, to Status) error {
	tag, err := r.pool.Exec(ctx, `UPDATE reports SET status = $4, updated_at = NOW() WHERE group_id = $1 AND id = $2 AND status = $3`,
		groupID, id, string(from), string(to))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reports: status is not %s: %w", from, httpx.ErrConflict)
	}
	return nil
}

// EditBody rewrites the body of a report under a row lock.
func (r *PGRepository) EditBody(ctx context.Context, groupID, id int64, edit func(body string) (string, error)) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var body string
		err := tx.QueryRow(ctx, `SELECT body_html FROM reports WHERE group_id = $1 AND id = $2 FOR UPDATE`, groupID, id).Scan(&body)
		if errors.Is(err, pgx.ErrNoRows) {
			return shared.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("reports: lock body: %w", err)
		}
		next, err := edit(body)
		if err != nil {
			return err
		}
		if next == body {
			return nil
		}
		_, err = tx.Exec(ctx, `UPDATE reports SET body_html = $3, updated_at = NOW() WHERE group_id = $1 AND id = $2`, groupID, id, next)
		return err
	})
}

const commentSelect = `SELECT c.id::text, c.report_id, c.anchor_id, COALESCE(c.author_id, 0), COALESCE(u.name, ''), c.quote, c.content, c.created_at
FROM comments c
LEFT JOIN users u ON u.id = c.author_id`

func scanComment(row pgx.Row) (Comment, error) {
	var c Comment
	err := row.Scan(&c.ID, &c.ReportID, &c.AnchorID, &c.AuthorID, &c.AuthorName, &c.Quote, &c.Content, &c.CreatedAt)
	return c, err
}

// ListComments returns the comments of a report in creation order.
func (r *PGRepository) ListComments(ctx context.Context, reportID int64) ([]Comment, error) {
	rows, err := r.pool.Query(ctx, commentSelect+` WHERE c.report_id = $1 ORDER BY c.created_at, c.id`, reportID)
	if err != nil {
		return nil, fmt.Errorf("reports: list comments: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Comment, error) {
		return scanComment(row)
	})
}

// GetComment fetches one comment of a report.
func (r *PGRepository) GetComment(ctx context.Context, reportID int64, id string) (Comment, error) {
	c, err := scanComment(r.pool.QueryRow(ctx, commentSelect+` WHERE c.report_id = $1 AND c.id::text = $2`, reportID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Comment{}, shared.ErrNotFound
	}
	return c, err
}

// CreateComment inserts a comment with a caller supplied id.
func (r *PGRepository) CreateComment(ctx context.Context, c Comment) (Comment, error) {
	_, err := r.pool.Exec(ctx, `INSERT INTO comments (id, report_id, anchor_id, author_id, quote, content, created_at)
VALUES ($1, $2, $3, NULLIF($4, 0), $5, $6, $7)`, c.ID, c.ReportID, c.AnchorID, c.AuthorID, c.Quote, c.Content, c.CreatedAt)
	if err != nil {
		return Comment{}, httpx.FromPG(err)
	}
	return r.GetComment(ctx, c.ReportID, c.ID)
}

// DeleteComment removes a comment.
func (r *PGRepository) DeleteComment(ctx context.Context, reportID int64, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM comments WHERE report_id = $1 AND id::text = $2`, reportID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

var _ Repository = (*PGRepository)(nil)
