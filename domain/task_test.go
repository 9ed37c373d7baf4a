package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func ptrString(s string) *string { return &s }

func TestTaskInputNormalizeDefaults(t *testing.T) {
	in := TaskInput{Title: "  write docs ", Labels: []string{"a", " a", "", "b"}}
	if err := in.Normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if in.Title != "write docs" {
		t.Fatalf("expected trimmed title, got %q", in.Title)
	}
	if in.Status != StatusTodo || in.Priority != PriorityMedium {
		t.Fatalf("unexpected defaults: %s/%s", in.Status, in.Priority)
	}
	if len(in.Labels) != 2 || in.Labels[0] != "a" || in.Labels[1] != "b" {
		t.Fatalf("unexpected labels: %v", in.Labels)
	}
}

func TestTaskInputNormalizeRejects(t *testing.T) {
	tests := []struct {
		name string
		in   TaskInput
		want error
	}{
		{name: "empty title", in: TaskInput{Title: "  "}, want: ErrEmptyTitle},
		{name: "long title", in: TaskInput{Title: strings.Repeat("x", 256)}, want: ErrTitleTooLong},
		{name: "bad status", in: TaskInput{Title: "t", Status: "in_progress"}, want: ErrInvalidStatus},
		{name: "bad priority", in: TaskInput{Title: "t", Priority: "urgent"}, want: ErrInvalidPriority},
		{name: "bad due date", in: TaskInput{Title: "t", DueDate: "12/01/2025"}, want: ErrInvalidDueDate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.in.Normalize()
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if !IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestTaskPatchApply(t *testing.T) {
	task := Task{ID: "t1", Title: "old", AssignedTo: "u1", DueDate: "2025-01-01", Labels: []string{"x"}}
	done := StatusDone
	p := TaskPatch{Title: ptrString(" new "), Status: &done, ClearAssignee: true, SetLabels: true, Labels: []string{"y", "y"}}
	if err := p.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	p.Apply(&task)
	if task.Title != "new" || task.Status != StatusDone || task.AssignedTo != "" || task.DueDate != "2025-01-01" {
		t.Fatalf("unexpected task: %#v", task)
	}
	if len(task.Labels) != 1 || task.Labels[0] != "y" {
		t.Fatalf("unexpected labels: %v", task.Labels)
	}
}

func TestTaskPatchEmpty(t *testing.T) {
	p := TaskPatch{}
	if err := p.Validate(); !errors.Is(err, ErrEmptyPatch) {
		t.Fatalf("expected ErrEmptyPatch, got %v", err)
	}
}

func TestStatusWireValues(t *testing.T) {
	payload, err := json.Marshal(Task{ID: "t1", Status: StatusInProgress})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(payload), `"status":"in-progress"`) {
		t.Fatalf("expected in-progress status on the wire, got %s", payload)
	}
}

func TestBoardViolations(t *testing.T) {
	b := EmptyBoard("p1")
	b.Tasks["a"] = Task{ID: "a", Status: StatusTodo}
	b.Tasks["b"] = Task{ID: "b", Status: StatusDone}
	b.Tasks["c"] = Task{ID: "c", Status: StatusReview}
	todo := b.Columns[StatusTodo]
	todo.TaskIDs = []string{"a", "b", "ghost"}
	b.Columns[StatusTodo] = todo

	v := b.Violations()
	if len(v) != 3 {
		t.Fatalf("expected 3 violations, got %d: %v", len(v), v)
	}

	clean := EmptyBoard("p1")
	clean.Tasks["a"] = Task{ID: "a", Status: StatusTodo}
	todo = clean.Columns[StatusTodo]
	todo.TaskIDs = []string{"a"}
	clean.Columns[StatusTodo] = todo
	if v := clean.Violations(); len(v) != 0 {
		t.Fatalf("expected no violations, got %v", v)
	}
}
