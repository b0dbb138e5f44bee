package groups

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/phd-nexus/nexus/internal/access"
	"github.com/phd-nexus/nexus/internal/platform/db"
	"github.com/phd-nexus/nexus/internal/platform/httpx"
	"github.com/phd-nexus/nexus/internal/shared"
)

// Repository persists groups and memberships.
type Repository interface {
	FindMembership(ctx context.Context, userID, groupID int64) (access.Membership, error)
	GetGroup(ctx context.Context, id int64) (Group, error)
	ListGroups(ctx context.Context) ([]Group, error)
	ListGroupsForUser(ctx context.Context, userID int64) ([]MyGroup, error)
	ListMembers(ctx context.Context, groupID int64) ([]Member, error)
	UpsertMember(ctx context.Context, groupID int64, email string, role access.Role) (Member, error)
	RemoveMember(ctx context.Context, groupID, userID int64) error
	CountRole(ctx context.Context, groupID int64, role access.Role) (int, error)
}

// PGRepository implements Repository on PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// FindMembership returns access.ErrMembershipNotFound when the user holds no
// role in the group.
func (r *PGRepository) FindMembership(ctx context.Context, userID, groupID int64) (access.Membership, error) {
	m := access.Membership{UserID: userID, GroupID: groupID}
	var role string
	err := r.pool.QueryRow(ctx, `SELECT role FROM memberships WHERE user_id = $1 AND group_id = $2`, userID, groupID).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return m, access.ErrMembershipNotFound
		}
		return m, fmt.Errorf("groups: find membership: %w", err)
	}
	m.Role = access.Role(role)
	return m, nil
}

// GetGroup fetches a group by id.
func (r *PGRepository) GetGroup(ctx context.Context, id int64) (Group, error) {
	var g Group
	err := r.pool.QueryRow(ctx, `SELECT id, slug, name, created_at FROM research_groups WHERE id = $1`, id).
		Scan(&g.ID, &g.Slug, &g.Name, &g.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return g, shared.ErrNotFound
	}
	return g, err
}

// ListGroups returns every group ordered by name.
func (r *PGRepository) ListGroups(ctx context.Context) ([]Group, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, slug, name, created_at FROM research_groups ORDER BY name`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Group, error) {
		var g Group
		err := row.Scan(&g.ID, &g.Slug, &g.Name, &g.CreatedAt)
		return g, err
	})
}

// ListGroupsForUser returns the groups userID belongs to with their role.
func (r *PGRepository) ListGroupsForUser(ctx context.Context, userID int64) ([]MyGroup, error) {
	rows, err := r.pool.Query(ctx, `SELECT g.id, g.slug, g.name, g.created_at, m.role
FROM research_groups g
JOIN memberships m ON m.group_id = g.id
WHERE m.user_id = $1
ORDER BY g.name`, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (MyGroup, error) {
		var g MyGroup
		var role string
		err := row.Scan(&g.ID, &g.Slug, &g.Name, &g.CreatedAt, &role)
		g.Role = access.Role(role)
		return g, err
	})
}

// ListMembers returns the members of a group ordered by name.
func (r *PGRepository) ListMembers(ctx context.Context, groupID int64) ([]Member, error) {
	rows, err := r.pool.Query(ctx, `SELECT u.id, u.email, u.name, m.role, m.created_at
FROM memberships m
JOIN users u ON u.id = m.user_id
WHERE m.group_id = $1
ORDER BY u.name, u.id`, groupID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanMember)
}

func scanMember(row pgx.CollectableRow) (Member, error) {
	var m Member
	var role string
	err := row.Scan(&m.UserID, &m.Email, &m.Name, &role, &m.JoinedAt)
	m.Role = access.Role(role)
	return m, err
}

// UpsertMember grants role to the user registered under email, replacing any
// previous role in the group.
func (r *PGRepository) UpsertMember(ctx context.Context, groupID int64, email string, role access.Role) (Member, error) {
	var member Member
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `SELECT id, email, name FROM users WHERE lower(email) = lower($1) AND is_active`, email).
			Scan(&member.UserID, &member.Email, &member.Name)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("groups: user %s: %w", email, shared.ErrNotFound)
		}
		if err != nil {
			return err
		}
		err = tx.QueryRow(ctx, `INSERT INTO memberships (user_id, group_id, role, created_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (user_id, group_id) DO UPDATE SET role = EXCLUDED.role
RETURNING created_at`, member.UserID, groupID, string(role)).Scan(&member.JoinedAt)
		if err != nil {
			return httpx.FromPG(err)
		}
		member.Role = role
		return nil
	})
	return member, err
}

// RemoveMember deletes the membership of userID in groupID.
func (r *PGRepository) RemoveMember(ctx context.Context, groupID, userID int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM memberships WHERE group_id = $1 AND user_id = $2`, groupID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// CountRole counts members of groupID holding role.
func (r *PGRepository) CountRole(ctx context.Context, groupID int64, role access.Role) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM memberships WHERE group_id = $1 AND role = $2`, groupID, string(role)).Scan(&n)
	return n, err
}

var _ Repository = (*PGRepository)(nil)
