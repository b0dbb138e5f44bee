package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/phd-nexus/nexus/internal/access"
	"github.com/phd-nexus/nexus/internal/shared"
)

// MembershipLookup checks that an assignee belongs to the group.
type MembershipLookup interface {
	FindMembership(ctx context.Context, userID, groupID int64) (access.Membership, error)
}

// Service implements task rules.
type Service struct {
	repo      Repository
	members   MembershipLookup
	audit     shared.AuditRecorder
	logger    *slog.Logger
	validator *validator.Validate
}

// NewService constructs a Service.
func NewService(repo Repository, members MembershipLookup, audit shared.AuditRecorder, logger *slog.Logger) *Service {
	if audit == nil {
		audit = shared.NopAudit{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, members: members, audit: audit, logger: logger, validator: validator.New()}
}

// List returns one page of the actor's group tasks.
func (s *Service) List(ctx context.Context, actor shared.Actor, status Status, page, perPage int) (Page, error) {
	if status != "" && !status.Valid() {
		return Page{}, fmt.Errorf("%w: unknown status %q", shared.ErrInvalidInput, status)
	}
	p := shared.NewPagination(page, perPage, 0)
	items, total, err := s.repo.List(ctx, ListFilter{
		GroupID: actor.GroupID,
		Status:  status,
		Limit:   p.PerPage,
		Offset:  p.Offset(),
	})
	if err != nil {
		return Page{}, err
	}
	return Page{Tasks: items, Pagination: shared.NewPagination(p.Page, p.PerPage, total)}, nil
}

// Summary counts the actor's group tasks per status.
func (s *Service) Summary(ctx context.Context, actor shared.Actor) (map[Status]int, error) {
	return s.repo.CountByStatus(ctx, actor.GroupID)
}

// Create adds a task to the actor's group. The assignee, when set, must be a
// member of that group.
func (s *Service) Create(ctx context.Context, actor shared.Actor, in CreateInput) (Task, error) {
	if !actor.Can(shared.CapTasksAssign) {
		return Task{}, shared.ErrForbidden
	}
	in.Title = strings.TrimSpace(in.Title)
	if err := s.validator.Struct(in); err != nil {
		return Task{}, fmt.Errorf("%w: %v", shared.ErrInvalidInput, err)
	}
	if in.AssigneeID > 0 && s.members != nil {
		if _, err := s.members.FindMembership(ctx, in.AssigneeID, actor.GroupID); err != nil {
			if errors.Is(err, access.ErrMembershipNotFound) {
				return Task{}, fmt.Errorf("%w: assignee is not a group member", shared.ErrInvalidInput)
			}
			return Task{}, err
		}
	}
	task, err := s.repo.Create(ctx, Task{
		GroupID:     actor.GroupID,
		Title:       in.Title,
		Description: in.Description,
		Status:      StatusTodo,
		AssigneeID:  in.AssigneeID,
		CreatedBy:   actor.UserID,
		DueAt:       in.DueAt,
	})
	if err != nil {
		return Task{}, err
	}
	s.record(ctx, actor, "task.create", task.ID, map[string]any{"assignee_id": in.AssigneeID})
	return task, nil
}

// UpdateStatus moves a task. Only its assignee or a holder of the
// update-any capability may do so.
func (s *Service) UpdateStatus(ctx context.Context, actor shared.Actor, id int64, status Status) (Task, error) {
	if !status.Valid() {
		return Task{}, fmt.Errorf("%w: unknown status %q", shared.ErrInvalidInput, status)
	}
	task, err := s.repo.Get(ctx, actor.GroupID, id)
	if err != nil {
		return Task{}, err
	}
	if !actor.Is(task.AssigneeID) && !actor.Can(shared.CapTasksUpdateAny) {
		return Task{}, shared.ErrForbidden
	}
	if task.Status == status {
		return task, nil
	}
	updated, err := s.repo.UpdateStatus(ctx, actor.GroupID, id, status)
	if err != nil {
		return Task{}, err
	}
	s.record(ctx, actor, "task.status", id, map[string]any{"from": string(task.Status), "to": string(status)})
	return updated, nil
}

func (s *Service) record(ctx context.Context, actor shared.Actor, action string, id int64, meta map[string]any) {
	meta["group_id"] = actor.GroupID
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor.UserID,
		Action:   action,
		Entity:   "task",
		EntityID: strconv.FormatInt(id, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("audit task", slog.String("action", action), slog.Any("error", err))
	}
}
