package access

import (
	"slices"
)

// Phase is the authentication phase of an AuthState.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseResolving
	PhaseAuthenticated
	PhaseAnonymous
)

func (p Phase) String() string {
	switch p {
	case PhaseResolving:
		return "resolving"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseAnonymous:
		return "anonymous"
	default:
		return "uninitialized"
	}
}

// Role is a membership role inside a research group.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleSupervisor Role = "supervisor"
	RoleStudent    Role = "student"
	RoleMember     Role = "member"
)

// AuthEvent names a session change reported by the auth service.
type AuthEvent string

const (
	EventInitialSession AuthEvent = "INITIAL_SESSION"
	EventSignedIn       AuthEvent = "SIGNED_IN"
	EventSignedOut      AuthEvent = "SIGNED_OUT"
	EventTokenRefreshed AuthEvent = "TOKEN_REFRESHED"
	EventUserUpdated    AuthEvent = "USER_UPDATED"
)

// User is the identity bound to a session.
type User struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Session is an opaque session token plus its bound user.
type Session struct {
	Token string `json:"-"`
	User  *User  `json:"user,omitempty"`
}

// Membership is the role a user holds in a group.
type Membership struct {
	UserID  int64
	GroupID int64
	Role    Role
}

// AuthState is the single owned authorization state. Roles are only
// meaningful for ActiveGroupID and only once RolesResolved is set.
type AuthState struct {
	Phase         Phase
	Session       *Session
	User          *User
	ActiveGroupID int64
	Roles         []Role
	RolesResolved bool
	Open          bool

	seq uint64
}

// Authenticated reports whether a user is signed in (or open mode is active).
func (s AuthState) Authenticated() bool {
	return s.Phase == PhaseAuthenticated
}

// UserID returns the bound user id, or zero.
func (s AuthState) UserID() int64 {
	if s.User == nil {
		return 0
	}
	return s.User.ID
}

// HasRole reports whether role is among the resolved roles.
func (s AuthState) HasRole(role Role) bool {
	if !s.RolesResolved {
		return false
	}
	return slices.Contains(s.Roles, role)
}

// Can reports whether the resolved roles grant capability. Only admins and
// supervisors hold capabilities; the capability name is not consulted yet.
func (s AuthState) Can(capability string) bool {
	return s.HasRole(RoleAdmin) || s.HasRole(RoleSupervisor)
}

func (s AuthState) clone() AuthState {
	out := s
	out.Roles = slices.Clone(s.Roles)
	return out
}

func (s AuthState) equal(o AuthState) bool {
	return s.Phase == o.Phase &&
		s.Session == o.Session &&
		s.User == o.User &&
		s.ActiveGroupID == o.ActiveGroupID &&
		s.RolesResolved == o.RolesResolved &&
		s.Open == o.Open &&
		slices.Equal(s.Roles, o.Roles)
}

// Event is an input folded into AuthState by Reduce.
type Event interface {
	event()
}

// BootstrapStarted marks the start of session recovery.
type BootstrapStarted struct{}

// SessionChanged carries a session observed by bootstrap or by the auth
// subscription. Seq is the order in which the observation was issued.
type SessionChanged struct {
	Kind    AuthEvent
	Session *Session
	Seq     uint64
}

// OpenModeEntered switches the state to the permissive open-mode identity.
type OpenModeEntered struct{}

// GroupSelected makes GroupID the active group and drops the roles of the
// previously active one.
type GroupSelected struct {
	GroupID int64
}

// RolesLoaded reports the outcome of a membership lookup.
type RolesLoaded struct {
	UserID  int64
	GroupID int64
	Role    Role
	Found   bool
}

func (BootstrapStarted) event() {}
func (SessionChanged) event()   {}
func (OpenModeEntered) event()  {}
func (GroupSelected) event()    {}
func (RolesLoaded) event()      {}

// OpenUser is the identity reported while open mode is active.
var OpenUser = &User{ID: 0, Email: "local@nexus.invalid", Name: "Local user"}

// Reduce folds ev into s. It is the only place AuthState transitions happen,
// so bootstrap and the auth subscription converge on the same state shape.
func Reduce(s AuthState, ev Event) AuthState {
	next := s.clone()
	switch e := ev.(type) {
	case BootstrapStarted:
		if next.Phase == PhaseUninitialized {
			next.Phase = PhaseResolving
		}
	case SessionChanged:
		if next.Open || e.Seq < next.seq {
			return s
		}
		next.seq = e.Seq
		if e.Kind == EventSignedOut || e.Session == nil || e.Session.User == nil {
			next.Phase = PhaseAnonymous
			next.Session = nil
			next.User = nil
			next.ActiveGroupID = 0
			next.Roles = nil
			next.RolesResolved = false
			return next
		}
		if next.User == nil || next.User.ID != e.Session.User.ID {
			next.Roles = nil
			next.RolesResolved = false
		}
		next.Phase = PhaseAuthenticated
		next.Session = e.Session
		next.User = e.Session.User
	case OpenModeEntered:
		next.Phase = PhaseAuthenticated
		next.Open = true
		next.Session = nil
		next.User = OpenUser
		next.Roles = []Role{RoleAdmin}
		next.RolesResolved = true
	case GroupSelected:
		if next.Phase != PhaseAuthenticated {
			return s
		}
		next.ActiveGroupID = e.GroupID
		if !next.Open {
			next.Roles = nil
			next.RolesResolved = false
		}
	case RolesLoaded:
		if next.Phase != PhaseAuthenticated || next.Open {
			return s
		}
		if e.GroupID != next.ActiveGroupID || e.UserID != next.UserID() {
			return s
		}
		if e.Found {
			next.Roles = []Role{e.Role}
			next.RolesResolved = true
		} else {
			next.Roles = nil
			next.RolesResolved = false
		}
	}
	return next
}
