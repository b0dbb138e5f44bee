package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/phd-nexus/nexus/internal/access"
	"github.com/phd-nexus/nexus/internal/shared"
)

// MembershipLookup resolves a user's role inside a group.
type MembershipLookup interface {
	FindMembership(ctx context.Context, userID, groupID int64) (access.Membership, error)
}

// Service wraps authentication business rules.
type Service struct {
	repo     Repository
	sessions *shared.SessionManager
	events   *Broadcaster
	members  MembershipLookup
	logger   *slog.Logger
}

// NewService constructs a new Service.
func NewService(repo Repository, sessions *shared.SessionManager, events *Broadcaster, members MembershipLookup, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = NewBroadcaster(nil, logger)
	}
	return &Service{repo: repo, sessions: sessions, events: events, members: members, logger: logger}
}

// Authenticate validates email/password credentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.repo.FindByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	return user, nil
}

// SignIn moves the session to a fresh id, binds user to it, records it and
// announces SIGNED_IN.
func (s *Service) SignIn(ctx context.Context, sess *shared.Session, user *User, ip, ua string) error {
	if sess == nil || user == nil {
		return errors.New("auth: sign in requires session and user")
	}
	previous := sess.ID
	sess.Renew()
	sess.SetUser(user.ID)
	expiresAt := time.Now().Add(s.sessionTTL())
	if err := s.repo.CreateSession(ctx, sess.ID, user.ID, expiresAt, ip, ua); err != nil {
		s.logger.Warn("register session", slog.Any("error", err))
	}
	s.events.Publish(ctx, Event{
		Kind:      access.EventSignedIn,
		SessionID: sess.ID,
		Previous:  previous,
		UserID:    user.ID,
		session:   &access.Session{Token: sess.ID, User: user.Identity()},
	})
	return nil
}

// Refresh extends the session lifetime and announces TOKEN_REFRESHED.
func (s *Service) Refresh(ctx context.Context, sess *shared.Session) error {
	user, err := s.sessionUser(ctx, sess)
	if err != nil {
		return err
	}
	if user == nil {
		return access.ErrNotAuthenticated
	}
	sess.Touch()
	if err := s.repo.ExtendSession(ctx, sess.ID, time.Now().Add(s.sessionTTL())); err != nil {
		s.logger.Warn("extend session", slog.Any("error", err))
	}
	s.events.Publish(ctx, Event{
		Kind:      access.EventTokenRefreshed,
		SessionID: sess.ID,
		UserID:    user.ID,
		session:   &access.Session{Token: sess.ID, User: user.Identity()},
	})
	return nil
}

// RemoveSession ends the session, deletes its audit row and announces SIGNED_OUT.
func (s *Service) RemoveSession(ctx context.Context, sess *shared.Session) error {
	if sess == nil {
		return nil
	}
	err := s.repo.DeleteSession(ctx, sess.ID)
	if s.sessions != nil {
		s.sessions.Destroy(sess)
	}
	s.events.Publish(ctx, Event{Kind: access.EventSignedOut, SessionID: sess.ID})
	if err != nil {
		return fmt.Errorf("auth: delete session: %w", err)
	}
	return nil
}

// PurgeExpiredSessions drops audit rows of sessions past their expiry.
func (s *Service) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	return s.repo.PurgeExpiredSessions(ctx, time.Now())
}

// HasValidSession implements access.SessionVerifier.
func (s *Service) HasValidSession(r *http.Request) bool {
	user, err := s.sessionUser(r.Context(), shared.SessionFromContext(r.Context()))
	if err != nil {
		s.logger.Warn("verify session", slog.Any("error", err))
		return false
	}
	return user != nil
}

// Client returns the auth service bound to one session.
func (s *Service) Client(sess *shared.Session) *Client {
	return &Client{svc: s, sess: sess}
}

// RequestClient returns the client for the session loaded into r's context.
func (s *Service) RequestClient(r *http.Request) access.AuthService {
	return s.Client(shared.SessionFromContext(r.Context()))
}

// sessionUser resolves the active user of sess. The lookup is memoised on
// the session so the guard and the gate of one request share it.
func (s *Service) sessionUser(ctx context.Context, sess *shared.Session) (*User, error) {
	id := sess.UserID()
	if id == 0 {
		return nil, nil
	}
	v, err := sess.Memo("auth.user:"+strconv.FormatInt(id, 10), func() (any, error) {
		user, err := s.repo.FindByID(ctx, id)
		if errors.Is(err, shared.ErrNotFound) {
			return (*User)(nil), nil
		}
		if err != nil {
			return nil, err
		}
		if !user.IsActive {
			return (*User)(nil), nil
		}
		return user, nil
	})
	if err != nil {
		return nil, err
	}
	user, _ := v.(*User)
	return user, nil
}

func (s *Service) sessionTTL() time.Duration {
	if s.sessions == nil {
		return 24 * time.Hour
	}
	return s.sessions.TTL()
}

// Client is the per-session view of the auth backend consumed by access.Gate.
type Client struct {
	svc  *Service
	sess *shared.Session
}

// GetSession returns the session bound to the client, or nil when it carries
// no active user.
func (c *Client) GetSession(ctx context.Context) (*access.Session, error) {
	user, err := c.svc.sessionUser(ctx, c.sess)
	if err != nil {
		return nil, fmt.Errorf("auth: get session: %w", err)
	}
	if user == nil {
		return nil, nil
	}
	return &access.Session{Token: c.sess.ID, User: user.Identity()}, nil
}

// OnAuthStateChange delivers changes of the bound session to handler.
func (c *Client) OnAuthStateChange(handler func(access.AuthEvent, *access.Session)) access.Subscription {
	id := ""
	if c.sess != nil {
		id = c.sess.ID
	}
	return c.svc.events.Subscribe(id, func(ev Event) {
		handler(ev.Kind, ev.session)
	})
}

// SignOut ends the bound session.
func (c *Client) SignOut(ctx context.Context) error {
	return c.svc.RemoveSession(ctx, c.sess)
}

// QueryMembership returns the user's role in groupID.
func (c *Client) QueryMembership(ctx context.Context, userID, groupID int64) (access.Membership, error) {
	if c.svc.members == nil {
		return access.Membership{}, access.ErrMembershipNotFound
	}
	return c.svc.members.FindMembership(ctx, userID, groupID)
}

var (
	_ access.AuthService     = (*Client)(nil)
	_ access.SessionVerifier = (*Service)(nil)
)
