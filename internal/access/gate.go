// Package access resolves who is signed in and which role they hold in the
// active research group, and gates HTTP routes on that.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrNotAuthenticated is returned by operations that need a signed-in user.
var ErrNotAuthenticated = errors.New("access: not authenticated")

// ErrMembershipNotFound is returned by QueryMembership when the user holds no
// role in the group.
var ErrMembershipNotFound = errors.New("access: membership not found")

// Subscription is a live auth-state listener registration.
type Subscription interface {
	Unsubscribe()
}

// AuthService is the auth backend as seen by the gate.
type AuthService interface {
	GetSession(ctx context.Context) (*Session, error)
	OnAuthStateChange(handler func(AuthEvent, *Session)) Subscription
	SignOut(ctx context.Context) error
	QueryMembership(ctx context.Context, userID, groupID int64) (Membership, error)
}

// Config tunes a Gate.
type Config struct {
	OpenMode bool
	Logger   *slog.Logger
}

// Gate owns one AuthState and exposes the capability checks built on it.
type Gate struct {
	svc    AuthService
	logger *slog.Logger
	open   bool

	seq atomic.Uint64

	mu        sync.Mutex
	state     AuthState
	observers map[int]func(AuthState)
	nextObs   int
	sub       Subscription
	closed    bool
}

// NewGate constructs a Gate in the Uninitialized phase.
func NewGate(svc AuthService, cfg Config) *Gate {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		svc:       svc,
		logger:    logger,
		open:      cfg.OpenMode,
		observers: make(map[int]func(AuthState)),
	}
}

// Bootstrap subscribes to auth changes and recovers the current session. It
// always ends in Authenticated or Anonymous; backend errors are logged and
// degrade to Anonymous.
func (g *Gate) Bootstrap(ctx context.Context) AuthState {
	if g.open {
		g.dispatch(OpenModeEntered{})
		return g.State()
	}
	g.dispatch(BootstrapStarted{})
	g.subscribe()

	seq := g.seq.Add(1)
	sess, err := g.svc.GetSession(ctx)
	if err != nil {
		g.logger.Warn("access bootstrap", slog.Any("error", err))
		sess = nil
	}
	g.dispatch(SessionChanged{Kind: EventInitialSession, Session: sess, Seq: seq})
	return g.State()
}

func (g *Gate) subscribe() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sub != nil || g.closed {
		return
	}
	g.sub = g.svc.OnAuthStateChange(g.HandleAuthStateChange)
}

// HandleAuthStateChange folds an auth service notification into the state.
// It is safe to call from any goroutine and in any order relative to
// Bootstrap; the most recently issued observation wins.
func (g *Gate) HandleAuthStateChange(event AuthEvent, sess *Session) {
	g.dispatch(SessionChanged{Kind: event, Session: sess, Seq: g.seq.Add(1)})
}

// SelectGroup activates groupID and resolves the user's role in it with one
// membership lookup. A missing membership or a failed lookup leaves roles
// unresolved. Calling it again repeats the lookup.
func (g *Gate) SelectGroup(ctx context.Context, groupID int64) (AuthState, error) {
	state := g.State()
	if !state.Authenticated() {
		return state, ErrNotAuthenticated
	}
	g.dispatch(GroupSelected{GroupID: groupID})
	if state.Open {
		return g.State(), nil
	}
	userID := state.UserID()
	if userID == 0 {
		return g.State(), ErrNotAuthenticated
	}

	m, err := g.svc.QueryMembership(ctx, userID, groupID)
	switch {
	case err == nil:
		g.dispatch(RolesLoaded{UserID: userID, GroupID: groupID, Role: m.Role, Found: true})
	case errors.Is(err, ErrMembershipNotFound):
		g.logger.Debug("access no membership", slog.Int64("user_id", userID), slog.Int64("group_id", groupID))
		g.dispatch(RolesLoaded{UserID: userID, GroupID: groupID})
	default:
		g.logger.Warn("access membership lookup", slog.Int64("group_id", groupID), slog.Any("error", err))
		g.dispatch(RolesLoaded{UserID: userID, GroupID: groupID})
	}
	return g.State(), nil
}

// LoadPermissions is SelectGroup under the name the pages use.
func (g *Gate) LoadPermissions(ctx context.Context, groupID int64) (AuthState, error) {
	return g.SelectGroup(ctx, groupID)
}

// Can reports whether the current roles grant capability.
func (g *Gate) Can(capability string) bool {
	return g.State().Can(capability)
}

// HasRole reports whether role is among the current resolved roles.
func (g *Gate) HasRole(role Role) bool {
	return g.State().HasRole(role)
}

// SignOut ends the session with the auth service and moves to Anonymous. The
// local transition happens even when the backend call fails. Open mode has
// no session and is left untouched.
func (g *Gate) SignOut(ctx context.Context) error {
	if g.open {
		return nil
	}
	err := g.svc.SignOut(ctx)
	g.dispatch(SessionChanged{Kind: EventSignedOut, Seq: g.seq.Add(1)})
	if err != nil {
		return fmt.Errorf("access: sign out: %w", err)
	}
	return nil
}

// State returns a copy of the current state.
func (g *Gate) State() AuthState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.clone()
}

// Subscribe registers fn to receive every state change. The returned func
// removes the registration.
func (g *Gate) Subscribe(fn func(AuthState)) func() {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.nextObs
	g.nextObs++
	g.observers[id] = fn
	return func() {
		g.mu.Lock()
		delete(g.observers, id)
		g.mu.Unlock()
	}
}

// Close releases the auth subscription and drops all observers. Events that
// arrive afterwards are ignored.
func (g *Gate) Close() {
	g.mu.Lock()
	sub := g.sub
	g.sub = nil
	g.closed = true
	g.observers = make(map[int]func(AuthState))
	g.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

func (g *Gate) dispatch(ev Event) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	prev := g.state
	g.state = Reduce(g.state, ev)
	changed := !prev.equal(g.state)
	var observers []func(AuthState)
	if changed {
		observers = make([]func(AuthState), 0, len(g.observers))
		for _, fn := range g.observers {
			observers = append(observers, fn)
		}
	}
	snapshot := g.state.clone()
	g.mu.Unlock()

	for _, fn := range observers {
		fn(snapshot)
	}
}
