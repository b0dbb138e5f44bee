package auth

import (
	"time"

	"github.com/phd-nexus/nexus/internal/access"
)

// User represents an authenticated user account.
type User struct {
	ID           int64
	Email        string
	Name         string
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Identity converts the account into the identity carried by sessions.
func (u *User) Identity() *access.User {
	if u == nil {
		return nil
	}
	return &access.User{ID: u.ID, Email: u.Email, Name: u.Name}
}

// Event is an auth-state change for one session.
type Event struct {
	Kind      access.AuthEvent `json:"kind"`
	SessionID string           `json:"session_id"`
	// Previous is the id the session had before sign-in renewed it.
	Previous  string           `json:"previous_session_id,omitempty"`
	UserID    int64            `json:"user_id,omitempty"`
	Origin    string           `json:"origin"`
	At        time.Time        `json:"at"`

	session *access.Session
}
