// Package groups manages research groups and the roles members hold in them.
package groups

import (
	"fmt"
	"time"

	"github.com/phd-nexus/nexus/internal/access"
	"github.com/phd-nexus/nexus/internal/platform/httpx"
)

// ErrLastAdmin prevents a group from losing its final administrator.
var ErrLastAdmin = fmt.Errorf("groups: group must keep one admin: %w", httpx.ErrConflict)

// Group is a research group.
type Group struct {
	ID        int64     `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// MyGroup is a group seen from one member.
type MyGroup struct {
	Group
	Role access.Role `json:"role"`
}

// Member is a user holding a role in a group.
type Member struct {
	UserID   int64       `json:"user_id"`
	Email    string      `json:"email"`
	Name     string      `json:"name"`
	Role     access.Role `json:"role"`
	JoinedAt time.Time   `json:"joined_at"`
}

// AddMemberInput grants a role to an existing user.
type AddMemberInput struct {
	Email string `json:"email" validate:"required,email"`
	Role  string `json:"role" validate:"required,oneof=admin supervisor student member"`
}
