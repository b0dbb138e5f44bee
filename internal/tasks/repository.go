package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/phd-nexus/nexus/internal/platform/httpx"
	"github.com/phd-nexus/nexus/internal/shared"
)

// Repository persists tasks.
type Repository interface {
	List(ctx context.Context, f ListFilter) ([]Task, int, error)
	Get(ctx context.Context, groupID, id int64) (Task, error)
	Create(ctx context.Context, t Task) (Task, error)
	UpdateStatus(ctx context.Context, groupID, id int64, status Status) (Task, error)
	CountByStatus(ctx context.Context, groupID int64) (map[Status]int, error)
}

// PGRepository implements Repository on PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const taskSelect = `SELECT t.id, t.group_id, t.title, t.description, t.status,
COALESCE(t.assignee_id, 0), COALESCE(u.name, ''), COALESCE(t.created_by, 0),
t.due_at, t.created_at, t.updated_at
FROM tasks t
LEFT JOIN users u ON u.id = t.assignee_id`

func scanTask(row pgx.Row) (Task, error) {
	var t Task
	var status string
	err := row.Scan(&t.ID, &t.GroupID, &t.Title, &t.Description, &status,
		&t.AssigneeID, &t.AssigneeName, &t.CreatedBy, &t.DueAt, &t.CreatedAt, &t.UpdatedAt)
	t.Status = Status(status)
	return t, err
}

// List returns one page of tasks and the total matching count.
func (r *PGRepository) List(ctx context.Context, f ListFilter) ([]Task, int, error) {
	where := []string{"t.group_id = $1"}
	args := []any{f.GroupID}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("t.status = $%d", len(args)))
	}
	if f.AssigneeID > 0 {
		args = append(args, f.AssigneeID)
		where = append(where, fmt.Sprintf("t.assignee_id = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks t WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("tasks: count: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit, f.Offset)
	query := fmt.Sprintf(`%s WHERE %s ORDER BY t.due_at NULLS LAST, t.id LIMIT $%d OFFSET $%d`, taskSelect, cond, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("tasks: list: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Task, error) {
		return scanTask(row)
	})
	if err != nil {
		return nil, 0, fmt.Errorf("tasks: list: %w", err)
	}
	return out, total, nil
}

// Get fetches a task of a group.
func (r *PGRepository) Get(ctx context.Context, groupID, id int64) (Task, error) {
	t, err := scanTask(r.pool.QueryRow(ctx, taskSelect+` WHERE t.group_id = $1 AND t.id = $2`, groupID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Task{}, shared.ErrNotFound
	}
	return t, err
}

// Create inserts a task and returns it with generated fields.
func (r *PGRepository) Create(ctx context.Context, t Task) (Task, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `INSERT INTO tasks (group_id, title, description, status, assignee_id, created_by, due_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, NULLIF($5, 0), NULLIF($6, 0), $7, NOW(), NOW())
RETURNING id`, t.GroupID, t.Title, t.Description, string(t.Status), t.AssigneeID, t.CreatedBy, t.DueAt).Scan(&id)
	if err != nil {
		return Task{}, httpx.FromPG(err)
	}
	return r.Get(ctx, t.GroupID, id)
}

// UpdateStatus moves a task to status.
func (r *PGRepository) UpdateStatus(ctx context.Context, groupID, id int64, status Status) (Task, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE tasks SET status = $3, updated_at = NOW() WHERE group_id = $1 AND id = $2`, groupID, id, string(status))
	if err != nil {
		return Task{}, httpx.FromPG(err)
	}
	if tag.RowsAffected() == 0 {
		return Task{}, shared.ErrNotFound
	}
	return r.Get(ctx, groupID, id)
}

// CountByStatus tallies the tasks of a group per status.
func (r *PGRepository) CountByStatus(ctx context.Context, groupID int64) (map[Status]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks WHERE group_id = $1 GROUP BY status`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[Status]int, 3)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[Status(status)] = n
	}
	return out, rows.Err()
}

var _ Repository = (*PGRepository)(nil)
