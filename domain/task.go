package domain

import (
	"strings"
	"time"
)

// Status is the column a task belongs to. The string values are part of the
// stored document format and double as column identifiers.
type Status string

const (
	StatusBacklog    Status = "backlog"
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in-progress"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
)

// Valid reports whether s is one of the fixed board columns.
func (s Status) Valid() bool {
	for _, c := range ColumnOrder {
		if c == s {
			return true
		}
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// DueDateLayout is the calendar date format used for Task.DueDate.
const DueDateLayout = "2006-01-02"

const maxTitleLength = 255

// Task represents a single work item on a project board.
type Task struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"projectId"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	Priority    Priority  `json:"priority"`
	AssignedTo  string    `json:"assignedTo,omitempty"`
	CreatedBy   string    `json:"createdBy"`
	DueDate     string    `json:"dueDate,omitempty"`
	Labels      []string  `json:"labels"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Clone returns a copy of t that shares no slices with it.
func (t Task) Clone() Task {
	if t.Labels != nil {
		t.Labels = append([]string(nil), t.Labels...)
	}
	return t
}

// TaskInput carries the caller-controlled fields of a new task. Identity,
// ownership and timestamps are assigned by the controller.
type TaskInput struct {
	Title       string
	Description string
	Status      Status
	Priority    Priority
	AssignedTo  string
	DueDate     string
	Labels      []string
}

// Normalize fills defaults and validates the input.
func (in *TaskInput) Normalize() error {
	in.Title = strings.TrimSpace(in.Title)
	if in.Status == "" {
		in.Status = StatusTodo
	}
	if in.Priority == "" {
		in.Priority = PriorityMedium
	}
	if err := validateTitle(in.Title); err != nil {
		return err
	}
	if !in.Status.Valid() {
		return ErrInvalidStatus
	}
	if !in.Priority.Valid() {
		return ErrInvalidPriority
	}
	if err := validateDueDate(in.DueDate); err != nil {
		return err
	}
	in.Labels = normalizeLabels(in.Labels)
	return nil
}

// TaskPatch is a partial update. It deliberately has no way to address id,
// projectId, createdBy or createdAt.
type TaskPatch struct {
	Title         *string
	Description   *string
	Status        *Status
	Priority      *Priority
	AssignedTo    *string
	ClearAssignee bool
	DueDate       *string
	ClearDueDate  bool
	Labels        []string
	SetLabels     bool
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Status == nil && p.Priority == nil &&
		p.AssignedTo == nil && !p.ClearAssignee && p.DueDate == nil && !p.ClearDueDate && !p.SetLabels
}

func (p *TaskPatch) Validate() error {
	if p.Empty() {
		return ErrEmptyPatch
	}
	if p.Title != nil {
		title := strings.TrimSpace(*p.Title)
		if err := validateTitle(title); err != nil {
			return err
		}
		p.Title = &title
	}
	if p.Status != nil && !p.Status.Valid() {
		return ErrInvalidStatus
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return ErrInvalidPriority
	}
	if p.DueDate != nil {
		if err := validateDueDate(*p.DueDate); err != nil {
			return err
		}
	}
	if p.SetLabels {
		p.Labels = normalizeLabels(p.Labels)
	}
	return nil
}

// Apply merges the patch into t. Timestamps are left to the caller.
func (p TaskPatch) Apply(t *Task) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.ClearAssignee {
		t.AssignedTo = ""
	} else if p.AssignedTo != nil {
		t.AssignedTo = *p.AssignedTo
	}
	if p.ClearDueDate {
		t.DueDate = ""
	} else if p.DueDate != nil {
		t.DueDate = *p.DueDate
	}
	if p.SetLabels {
		t.Labels = append([]string(nil), p.Labels...)
	}
}

func validateTitle(title string) error {
	if title == "" {
		return ErrEmptyTitle
	}
	if len(title) > maxTitleLength {
		return ErrTitleTooLong
	}
	return nil
}

func validateDueDate(d string) error {
	if d == "" {
		return nil
	}
	if _, err := time.Parse(DueDateLayout, d); err != nil {
		return ErrInvalidDueDate
	}
	return nil
}

// normalizeLabels trims labels and drops blanks and duplicates, keeping the
// first occurrence. Labels form a set.
func normalizeLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	seen := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}
