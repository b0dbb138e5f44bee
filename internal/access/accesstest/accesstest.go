// Package accesstest provides a static auth service and request helpers for
// handler tests.
package accesstest

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/phd-nexus/nexus/internal/access"
)

// StaticAuth is an access.AuthService with a fixed session and membership table.
type StaticAuth struct {
	Session *access.Session

	mu          sync.Mutex
	memberships map[[2]int64]access.Role
	SignedOut   int
}

// NewStaticAuth returns a service whose session belongs to user. A nil user
// yields an anonymous session.
func NewStaticAuth(user *access.User) *StaticAuth {
	s := &StaticAuth{memberships: make(map[[2]int64]access.Role)}
	if user != nil {
		s.Session = &access.Session{Token: "test-session", User: user}
	}
	return s
}

// Grant records role for user in group.
func (s *StaticAuth) Grant(userID, groupID int64, role access.Role) *StaticAuth {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberships[[2]int64{userID, groupID}] = role
	return s
}

// GetSession implements access.AuthService.
func (s *StaticAuth) GetSession(context.Context) (*access.Session, error) {
	return s.Session, nil
}

// OnAuthStateChange implements access.AuthService. No events are emitted.
func (s *StaticAuth) OnAuthStateChange(func(access.AuthEvent, *access.Session)) access.Subscription {
	return nopSub{}
}

// SignOut implements access.AuthService.
func (s *StaticAuth) SignOut(context.Context) error {
	s.mu.Lock()
	s.SignedOut++
	s.mu.Unlock()
	return nil
}

// QueryMembership implements access.AuthService.
func (s *StaticAuth) QueryMembership(_ context.Context, userID, groupID int64) (access.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.memberships[[2]int64{userID, groupID}]
	if !ok {
		return access.Membership{}, access.ErrMembershipNotFound
	}
	return access.Membership{UserID: userID, GroupID: groupID, Role: role}, nil
}

type nopSub struct{}

func (nopSub) Unsubscribe() {}

// Gate bootstraps a gate over svc and selects groupID when it is non-zero.
// The gate is closed when the test ends.
func Gate(t testing.TB, svc access.AuthService, groupID int64) *access.Gate {
	t.Helper()
	gate := access.NewGate(svc, access.Config{})
	t.Cleanup(gate.Close)
	ctx := context.Background()
	gate.Bootstrap(ctx)
	if groupID > 0 {
		_, _ = gate.SelectGroup(ctx, groupID)
	}
	return gate
}

// OpenGate returns an open-mode gate with groupID active.
func OpenGate(t testing.TB, groupID int64) *access.Gate {
	t.Helper()
	gate := access.NewGate(nil, access.Config{OpenMode: true})
	t.Cleanup(gate.Close)
	ctx := context.Background()
	gate.Bootstrap(ctx)
	if groupID > 0 {
		_, _ = gate.SelectGroup(ctx, groupID)
	}
	return gate
}

// WithGate returns r carrying gate in its context.
func WithGate(r *http.Request, gate *access.Gate) *http.Request {
	return r.WithContext(access.ContextWithGate(r.Context(), gate))
}

// Member is shorthand for a gate whose user holds role in groupID.
func Member(t testing.TB, userID, groupID int64, role access.Role) *access.Gate {
	t.Helper()
	user := &access.User{ID: userID, Email: "user@example.test", Name: "Test User"}
	svc := NewStaticAuth(user).Grant(userID, groupID, role)
	return Gate(t, svc, groupID)
}
