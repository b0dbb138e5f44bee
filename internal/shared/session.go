package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// FlashMessage represents a one-time notification stored in session.
type FlashMessage struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// SessionManager keeps nexus sessions in Redis behind an opaque cookie.
type SessionManager struct {
	client     *redis.Client
	cookieName string
	ttl        time.Duration
	secure     bool
}

// Session is the state of one browser session as seen by a single request.
// Memoised lookups live for the request only and are never stored.
type Session struct {
	ID string

	state     sessionState
	manager   *SessionManager
	stored    bool
	dirty     bool
	destroyed bool
	retired   []string

	memoMu sync.Mutex
	memo   map[string]any
}

// sessionState is what Redis holds for a session.
type sessionState struct {
	UserID      int64          `json:"user_id,omitempty"`
	ActiveGroup int64          `json:"active_group,omitempty"`
	CSRFToken   string         `json:"csrf_token,omitempty"`
	Flashes     []FlashMessage `json:"flashes,omitempty"`
	RenewedAt   time.Time      `json:"renewed_at"`
}

// NewSessionManager constructs a SessionManager. The secret argument is kept
// for configuration compatibility; session ids are random UUIDs.
func NewSessionManager(client *redis.Client, cookieName string, _ string, ttl time.Duration, secure bool) *SessionManager {
	return &SessionManager{
		client:     client,
		cookieName: cookieName,
		ttl:        ttl,
		secure:     secure,
	}
}

// Load returns the session named by the request cookie. Unknown or expired
// ids yield a fresh session under a new id, so clients cannot choose their
// session id.
func (sm *SessionManager) Load(ctx context.Context, r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sm.cookieName)
	if errors.Is(err, http.ErrNoCookie) || (err == nil && cookie.Value == "") {
		return sm.newSession(), nil
	}
	if err != nil {
		return nil, err
	}

	payload, err := sm.client.Get(ctx, sm.redisKey(cookie.Value)).Bytes()
	if errors.Is(err, redis.Nil) {
		return sm.newSession(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: load: %w", err)
	}

	sess := &Session{ID: cookie.Value, manager: sm, stored: true}
	if err := json.Unmarshal(payload, &sess.state); err != nil {
		return nil, fmt.Errorf("session: decode: %w", err)
	}
	return sess, nil
}

// Commit persists the session and writes the cookie. Ids retired by Renew
// are deleted from Redis.
func (sm *SessionManager) Commit(ctx context.Context, w http.ResponseWriter, _ *http.Request, sess *Session) error {
	if sess == nil {
		return nil
	}

	stale := sess.retired
	if sess.destroyed {
		stale = append(stale, sess.ID)
	}
	if len(stale) > 0 {
		keys := make([]string, len(stale))
		for i, id := range stale {
			keys[i] = sm.redisKey(id)
		}
		if err := sm.client.Del(ctx, keys...).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("session: delete: %w", err)
		}
		sess.retired = nil
	}

	if sess.destroyed {
		http.SetCookie(w, sm.cookie("", -1))
		return nil
	}

	if sess.dirty || !sess.stored {
		data, err := json.Marshal(sess.state)
		if err != nil {
			return fmt.Errorf("session: encode: %w", err)
		}
		if err := sm.client.Set(ctx, sm.redisKey(sess.ID), data, sm.ttl).Err(); err != nil {
			return fmt.Errorf("session: store: %w", err)
		}
		sess.dirty = false
		sess.stored = true
	}

	http.SetCookie(w, sm.cookie(sess.ID, 0))
	return nil
}

func (sm *SessionManager) cookie(value string, maxAge int) *http.Cookie {
	c := &http.Cookie{
		Name:     sm.cookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteStrictMode,
	}
	if maxAge >= 0 {
		c.Expires = time.Now().Add(sm.ttl)
	}
	return c
}

// Destroy marks the session for deletion.
func (sm *SessionManager) Destroy(sess *Session) {
	if sess == nil {
		return
	}
	sess.destroyed = true
	sess.state = sessionState{}
	sess.resetMemo()
}

// TTL exposes the configured session lifetime.
func (sm *SessionManager) TTL() time.Duration {
	return sm.ttl
}

// CookieName returns the cookie identifier used for sessions.
func (sm *SessionManager) CookieName() string {
	return sm.cookieName
}

func (sm *SessionManager) newSession() *Session {
	return &Session{ID: uuid.NewString(), manager: sm, dirty: true}
}

func (sm *SessionManager) redisKey(id string) string {
	return "nexus:session:" + id
}

// Renew moves the session to a fresh id and drops its CSRF token. Sign-in
// calls it before binding the user; the old id stops resolving on commit.
func (s *Session) Renew() {
	if s.stored {
		s.retired = append(s.retired, s.ID)
	}
	s.ID = uuid.NewString()
	s.stored = false
	s.dirty = true
	s.state.CSRFToken = ""
	s.state.RenewedAt = time.Now().UTC()
	s.resetMemo()
}

// SetUser binds the session to a user.
func (s *Session) SetUser(id int64) {
	s.state.UserID = id
	s.dirty = true
	s.resetMemo()
}

// UserID returns the signed-in user, or zero.
func (s *Session) UserID() int64 {
	if s == nil {
		return 0
	}
	return s.state.UserID
}

// IsAuthenticated reports whether a user is bound to the session.
func (s *Session) IsAuthenticated() bool {
	return s.UserID() != 0
}

// Touch marks the session dirty so the next commit renews its lifetime.
func (s *Session) Touch() {
	s.dirty = true
}

// ActiveGroup returns the selected research group, or zero.
func (s *Session) ActiveGroup() int64 {
	if s == nil {
		return 0
	}
	return s.state.ActiveGroup
}

// SetActiveGroup records the selected research group. Non-positive ids clear it.
func (s *Session) SetActiveGroup(id int64) {
	if id < 0 {
		id = 0
	}
	s.state.ActiveGroup = id
	s.dirty = true
}

// CSRFToken returns the token issued for the session, if any.
func (s *Session) CSRFToken() string {
	if s == nil {
		return ""
	}
	return s.state.CSRFToken
}

func (s *Session) setCSRFToken(token string) {
	s.state.CSRFToken = token
	s.dirty = true
}

// AddFlash queues a flash message for the next rendered page.
func (s *Session) AddFlash(msg FlashMessage) {
	s.state.Flashes = append(s.state.Flashes, msg)
	s.dirty = true
}

// PopFlash retrieves and clears the oldest flash message.
func (s *Session) PopFlash() *FlashMessage {
	if len(s.state.Flashes) == 0 {
		return nil
	}
	msg := s.state.Flashes[0]
	s.state.Flashes = s.state.Flashes[1:]
	s.dirty = true
	return &msg
}

// Memo returns the value cached under key for this request, calling load on
// the first use. Errors are not cached.
func (s *Session) Memo(key string, load func() (any, error)) (any, error) {
	s.memoMu.Lock()
	defer s.memoMu.Unlock()
	if v, ok := s.memo[key]; ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return nil, err
	}
	if s.memo == nil {
		s.memo = make(map[string]any)
	}
	s.memo[key] = v
	return v, nil
}

func (s *Session) resetMemo() {
	s.memoMu.Lock()
	s.memo = nil
	s.memoMu.Unlock()
}

type sessionContextKey struct{}

// ContextWithSession stores the session in context.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext extracts the session from context.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*Session)
	return sess
}
