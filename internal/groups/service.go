package groups

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

// Service applies membership rules on top of the repository.
type Service struct {
	repo      Repository
	audit     shared.AuditRecorder
	logger    *slog.Logger
	validator *validator.Validate
}

// NewService constructs a Service. A nil audit recorder discards entries.
func NewService(repo Repository, audit shared.AuditRecorder, logger *slog.Logger) *Service {
	if audit == nil {
		audit = shared.NopAudit{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger, validator: validator.New()}
}

// FindMembership implements auth.MembershipLookup.
func (s *Service) FindMembership(ctx context.Context, userID, groupID int64) (access.Membership, error) {
	return s.repo.FindMembership(ctx, userID, groupID)
}

// MyGroups lists the groups selectable by userID. In open mode every group is
// selectable with the admin role.
func (s *Service) MyGroups(ctx context.Context, userID int64, open bool) ([]MyGroup, error) {
	if !open {
		return s.repo.ListGroupsForUser(ctx, userID)
	}
	all, err := s.repo.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]MyGroup, 0, len(all))
	for _, g := range all {
		out = append(out, MyGroup{Group: g, Role: access.RoleAdmin})
	}
	return out, nil
}

// CanSwitch verifies that userID may make groupID its active group.
func (s *Service) CanSwitch(ctx context.Context, userID, groupID int64, open bool) error {
	if groupID <= 0 {
		return shared.ErrInvalidInput
	}
	if open {
		_, err := s.repo.GetGroup(ctx, groupID)
		return err
	}
	_, err := s.repo.FindMembership(ctx, userID, groupID)
	return err
}

// Members lists the members of the actor's group.
func (s *Service) Members(ctx context.Context, actor shared.Actor) ([]Member, error) {
	return s.repo.ListMembers(ctx, actor.GroupID)
}

// AddMember grants a role in the actor's group to an existing user.
func (s *Service) AddMember(ctx context.Context, actor shared.Actor, in AddMemberInput) (Member, error) {
	if !actor.Can(shared.CapMembersManage) {
		return Member{}, shared.ErrForbidden
	}
	in.Email = strings.TrimSpace(in.Email)
	if err := s.validator.Struct(in); err != nil {
		return Member{}, fmt.Errorf("%w: %v", shared.ErrInvalidInput, err)
	}
	role := access.Role(in.Role)
	if role != access.RoleAdmin {
		if err := s.ensureAdminRemains(ctx, actor.GroupID, in.Email); err != nil {
			return Member{}, err
		}
	}
	member, err := s.repo.UpsertMember(ctx, actor.GroupID, in.Email, role)
	if err != nil {
		return Member{}, err
	}
	s.record(ctx, actor, "membership.upsert", member.UserID, map[string]any{"role": string(role)})
	return member, nil
}

// RemoveMember revokes userID's role in the actor's group. The last admin of
// a group cannot be removed.
func (s *Service) RemoveMember(ctx context.Context, actor shared.Actor, userID int64) error {
	if !actor.Can(shared.CapMembersManage) {
		return shared.ErrForbidden
	}
	current, err := s.repo.FindMembership(ctx, userID, actor.GroupID)
	if err != nil {
		if errors.Is(err, access.ErrMembershipNotFound) {
			return shared.ErrNotFound
		}
		return err
	}
	if current.Role == access.RoleAdmin {
		admins, err := s.repo.CountRole(ctx, actor.GroupID, access.RoleAdmin)
		if err != nil {
			return err
		}
		if admins <= 1 {
			return ErrLastAdmin
		}
	}
	if err := s.repo.RemoveMember(ctx, actor.GroupID, userID); err != nil {
		return err
	}
	s.record(ctx, actor, "membership.remove", userID, map[string]any{"role": string(current.Role)})
	return nil
}

// ensureAdminRemains fails when demoting email would leave the group without
// an admin.
func (s *Service) ensureAdminRemains(ctx context.Context, groupID int64, email string) error {
	members, err := s.repo.ListMembers(ctx, groupID)
	if err != nil {
		return err
	}
	admins := 0
	target := false
	for _, m := range members {
		if m.Role != access.RoleAdmin {
			continue
		}
		admins++
		if strings.EqualFold(m.Email, email) {
			target = true
		}
	}
	if target && admins <= 1 {
		return ErrLastAdmin
	}
	return nil
}

func (s *Service) record(ctx context.Context, actor shared.Actor, action string, userID int64, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["group_id"] = actor.GroupID
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor.UserID,
		Action:   action,
		Entity:   "membership",
		EntityID: strconv.FormatInt(userID, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("audit membership", slog.String("action", action), slog.Any("error", err))
	}
}
