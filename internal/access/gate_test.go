package access

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSub struct {
	svc *fakeAuth
}

func (s *fakeSub) Unsubscribe() {
	s.svc.mu.Lock()
	defer s.svc.mu.Unlock()
	s.svc.handler = nil
	s.svc.unsubscribed++
}

type fakeAuth struct {
	mu           sync.Mutex
	session      *Session
	sessionErr   error
	memberships  map[[2]int64]Role
	lookupErr    error
	lookups      [][2]int64
	handler      func(AuthEvent, *Session)
	subscribed   int
	unsubscribed int
	signedOut    int
	signOutErr   error
	beforeReturn func()
}

func (f *fakeAuth) GetSession(ctx context.Context) (*Session, error) {
	if f.beforeReturn != nil {
		f.beforeReturn()
	}
	return f.session, f.sessionErr
}

func (f *fakeAuth) OnAuthStateChange(handler func(AuthEvent, *Session)) Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	f.subscribed++
	return &fakeSub{svc: f}
}

func (f *fakeAuth) emit(ev AuthEvent, sess *Session) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(ev, sess)
	}
}

func (f *fakeAuth) SignOut(ctx context.Context) error {
	f.signedOut++
	return f.signOutErr
}

func (f *fakeAuth) QueryMembership(ctx context.Context, userID, groupID int64) (Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups = append(f.lookups, [2]int64{userID, groupID})
	if f.lookupErr != nil {
		return Membership{}, f.lookupErr
	}
	role, ok := f.memberships[[2]int64{userID, groupID}]
	if !ok {
		return Membership{}, ErrMembershipNotFound
	}
	return Membership{UserID: userID, GroupID: groupID, Role: role}, nil
}

func signedIn(id int64) *Session {
	return &Session{Token: "tok", User: &User{ID: id, Email: "ada@uni.test", Name: "Ada"}}
}

func TestBootstrapAuthenticated(t *testing.T) {
	svc := &fakeAuth{session: signedIn(7)}
	gate := NewGate(svc, Config{})
	defer gate.Close()

	state := gate.Bootstrap(context.Background())

	require.Equal(t, PhaseAuthenticated, state.Phase)
	require.Equal(t, int64(7), state.UserID())
	require.False(t, state.RolesResolved)
	require.Equal(t, 1, svc.subscribed)
	require.False(t, gate.Can("reports.review"))
}

func TestBootstrapErrorDegradesToAnonymous(t *testing.T) {
	svc := &fakeAuth{session: signedIn(7), sessionErr: errors.New("backend down")}
	gate := NewGate(svc, Config{})
	defer gate.Close()

	state := gate.Bootstrap(context.Background())

	require.Equal(t, PhaseAnonymous, state.Phase)
	require.Nil(t, state.User)
}

func TestBootstrapWithoutSession(t *testing.T) {
	gate := NewGate(&fakeAuth{}, Config{})
	defer gate.Close()

	require.Equal(t, PhaseAnonymous, gate.Bootstrap(context.Background()).Phase)
}

func TestOpenModeSkipsAuthService(t *testing.T) {
	svc := &fakeAuth{sessionErr: errors.New("must not be called")}
	gate := NewGate(svc, Config{OpenMode: true})
	defer gate.Close()

	state := gate.Bootstrap(context.Background())
	require.True(t, state.Authenticated())
	require.True(t, state.Open)
	require.True(t, gate.Can("members.manage"))

	state, err := gate.SelectGroup(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, int64(3), state.ActiveGroupID)
	require.True(t, gate.Can("members.manage"))
	require.Empty(t, svc.lookups)
	require.Zero(t, svc.subscribed)

	require.NoError(t, gate.SignOut(context.Background()))
	require.True(t, gate.State().Authenticated())
}

func TestCanRequiresAdminOrSupervisor(t *testing.T) {
	cases := []struct {
		name  string
		role  Role
		found bool
		allow bool
	}{
		{name: "admin", role: RoleAdmin, found: true, allow: true},
		{name: "supervisor", role: RoleSupervisor, found: true, allow: true},
		{name: "student", role: RoleStudent, found: true, allow: false},
		{name: "member", role: RoleMember, found: true, allow: false},
		{name: "unknown role", role: Role("guest"), found: true, allow: false},
		{name: "unresolved", found: false, allow: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &fakeAuth{session: signedIn(1), memberships: map[[2]int64]Role{}}
			if tc.found {
				svc.memberships[[2]int64{1, 10}] = tc.role
			}
			gate := NewGate(svc, Config{})
			defer gate.Close()
			gate.Bootstrap(context.Background())

			_, err := gate.SelectGroup(context.Background(), 10)
			require.NoError(t, err)
			require.Equal(t, tc.allow, gate.Can("x"))
			require.Equal(t, tc.found, gate.HasRole(tc.role))
		})
	}
}

func TestSelectGroupReplacesRoles(t *testing.T) {
	svc := &fakeAuth{session: signedIn(1), memberships: map[[2]int64]Role{
		{1, 1}: RoleAdmin,
		{1, 2}: RoleStudent,
	}}
	gate := NewGate(svc, Config{})
	defer gate.Close()
	gate.Bootstrap(context.Background())

	_, err := gate.SelectGroup(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, gate.HasRole(RoleAdmin))

	state, err := gate.SelectGroup(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, int64(2), state.ActiveGroupID)
	require.Equal(t, []Role{RoleStudent}, state.Roles)
	require.False(t, gate.HasRole(RoleAdmin))
	require.False(t, gate.Can("x"))
}

func TestSelectGroupRepeatsLookup(t *testing.T) {
	svc := &fakeAuth{session: signedIn(1), memberships: map[[2]int64]Role{{1, 5}: RoleSupervisor}}
	gate := NewGate(svc, Config{})
	defer gate.Close()
	gate.Bootstrap(context.Background())

	for i := 0; i < 3; i++ {
		_, err := gate.LoadPermissions(context.Background(), 5)
		require.NoError(t, err)
	}
	require.Len(t, svc.lookups, 3)
	require.True(t, gate.Can("x"))
}

func TestSelectGroupLookupFailureLeavesRolesUnresolved(t *testing.T) {
	svc := &fakeAuth{session: signedIn(1), lookupErr: errors.New("timeout")}
	gate := NewGate(svc, Config{})
	defer gate.Close()
	gate.Bootstrap(context.Background())

	state, err := gate.SelectGroup(context.Background(), 5)
	require.NoError(t, err)
	require.False(t, state.RolesResolved)
	require.False(t, gate.Can("x"))
}

func TestSelectGroupRequiresAuthentication(t *testing.T) {
	gate := NewGate(&fakeAuth{}, Config{})
	defer gate.Close()
	gate.Bootstrap(context.Background())

	_, err := gate.SelectGroup(context.Background(), 1)
	require.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestAuthChangeDuringBootstrapWins(t *testing.T) {
	svc := &fakeAuth{session: signedIn(1)}
	gate := NewGate(svc, Config{})
	defer gate.Close()
	// A sign-out lands while the initial session request is in flight.
	svc.beforeReturn = func() { svc.emit(EventSignedOut, nil) }

	state := gate.Bootstrap(context.Background())

	require.Equal(t, PhaseAnonymous, state.Phase)
}

func TestAuthChangeAfterBootstrap(t *testing.T) {
	svc := &fakeAuth{}
	gate := NewGate(svc, Config{})
	defer gate.Close()

	var seen []Phase
	unsubscribe := gate.Subscribe(func(s AuthState) { seen = append(seen, s.Phase) })
	gate.Bootstrap(context.Background())
	svc.emit(EventSignedIn, signedIn(4))
	unsubscribe()
	svc.emit(EventTokenRefreshed, signedIn(4))

	require.Equal(t, int64(4), gate.State().UserID())
	require.Equal(t, []Phase{PhaseResolving, PhaseAnonymous, PhaseAuthenticated}, seen)
}

func TestSignOut(t *testing.T) {
	svc := &fakeAuth{session: signedIn(1), signOutErr: errors.New("revoke failed")}
	gate := NewGate(svc, Config{})
	defer gate.Close()
	gate.Bootstrap(context.Background())

	err := gate.SignOut(context.Background())

	require.Error(t, err)
	require.Equal(t, 1, svc.signedOut)
	require.Equal(t, PhaseAnonymous, gate.State().Phase)
}

func TestCloseReleasesSubscription(t *testing.T) {
	svc := &fakeAuth{session: signedIn(1)}
	gate := NewGate(svc, Config{})
	gate.Bootstrap(context.Background())

	gate.Close()
	gate.Close()
	svc.emit(EventSignedOut, nil)

	require.Equal(t, 1, svc.unsubscribed)
	require.True(t, gate.State().Authenticated())
}
