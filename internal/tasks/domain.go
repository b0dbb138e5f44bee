// Package tasks tracks the research tasks of a group.
package tasks

import (
	"time"

	"github.com/phd-nexus/nexus/internal/shared"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
)

// Statuses lists every status in board order.
func Statuses() []Status {
	return []Status{StatusTodo, StatusInProgress, StatusDone}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

// Task is a unit of research work assigned inside a group.
type Task struct {
	ID           int64      `json:"id"`
	GroupID      int64      `json:"group_id"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Status       Status     `json:"status"`
	AssigneeID   int64      `json:"assignee_id,omitempty"`
	AssigneeName string     `json:"assignee_name,omitempty"`
	CreatedBy    int64      `json:"created_by,omitempty"`
	DueAt        *time.Time `json:"due_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Overdue reports whether the task is open past its due date.
func (t Task) Overdue(now time.Time) bool {
	return t.Status != StatusDone && t.DueAt != nil && t.DueAt.Before(now)
}

// ListFilter narrows a task listing.
type ListFilter struct {
	GroupID    int64
	Status     Status
	AssigneeID int64
	Limit      int
	Offset     int
}

// CreateInput describes a new task.
type CreateInput struct {
	Title       string     `json:"title" validate:"required,max=200"`
	Description string     `json:"description" validate:"max=4000"`
	AssigneeID  int64      `json:"assignee_id" validate:"gte=0"`
	DueAt       *time.Time `json:"due_at"`
}

// Page is one page of a task listing.
type Page struct {
	Tasks      []Task            `json:"tasks"`
	Pagination shared.Pagination `json:"pagination"`
}
