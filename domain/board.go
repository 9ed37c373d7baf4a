package domain

// ColumnOrder is the fixed left-to-right order of board columns.
var ColumnOrder = []Status{StatusBacklog, StatusTodo, StatusInProgress, StatusReview, StatusDone}

var columnTitles = map[Status]string{
	StatusBacklog:    "Backlog",
	StatusTodo:       "To Do",
	StatusInProgress: "In Progress",
	StatusReview:     "Review",
	StatusDone:       "Done",
}

// ColumnTitle returns the display label for a column.
func ColumnTitle(s Status) string {
	return columnTitles[s]
}

// Column is an ordered bucket of task ids sharing one status.
type Column struct {
	ID      Status   `json:"id"`
	Title   string   `json:"title"`
	TaskIDs []string `json:"taskIds"`
}

// Board is the full column and task state for one project.
type Board struct {
	ProjectID   string            `json:"projectId"`
	Columns     map[Status]Column `json:"columns"`
	ColumnOrder []Status          `json:"columnOrder"`
	Tasks       map[string]Task   `json:"tasks"`
}

// EmptyBoard returns a board with every column present and no tasks.
func EmptyBoard(projectID string) Board {
	b := Board{
		ProjectID:   projectID,
		Columns:     make(map[Status]Column, len(ColumnOrder)),
		ColumnOrder: append([]Status(nil), ColumnOrder...),
		Tasks:       make(map[string]Task),
	}
	for _, s := range ColumnOrder {
		b.Columns[s] = Column{ID: s, Title: ColumnTitle(s), TaskIDs: []string{}}
	}
	return b
}

// Clone returns a deep copy of b.
func (b Board) Clone() Board {
	out := Board{
		ProjectID:   b.ProjectID,
		Columns:     make(map[Status]Column, len(b.Columns)),
		ColumnOrder: append([]Status(nil), b.ColumnOrder...),
		Tasks:       make(map[string]Task, len(b.Tasks)),
	}
	for id, c := range b.Columns {
		c.TaskIDs = append([]string{}, c.TaskIDs...)
		out.Columns[id] = c
	}
	for id, t := range b.Tasks {
		out.Tasks[id] = t.Clone()
	}
	return out
}

// ColumnTasks returns the tasks of a column in render order.
func (b Board) ColumnTasks(s Status) []Task {
	col := b.Columns[s]
	out := make([]Task, 0, len(col.TaskIDs))
	for _, id := range col.TaskIDs {
		if t, ok := b.Tasks[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Violations lists breaches of the board invariant: every listed id exists
// with a matching status, and every task is listed exactly once.
func (b Board) Violations() []string {
	var out []string
	seen := make(map[string]Status, len(b.Tasks))
	for _, s := range b.ColumnOrder {
		for _, id := range b.Columns[s].TaskIDs {
			t, ok := b.Tasks[id]
			switch {
			case !ok:
				out = append(out, "column "+string(s)+" lists unknown task "+id)
			case t.Status != s:
				out = append(out, "task "+id+" has status "+string(t.Status)+" but is listed in "+string(s))
			}
			if prev, dup := seen[id]; dup {
				out = append(out, "task "+id+" listed in both "+string(prev)+" and "+string(s))
			}
			seen[id] = s
		}
	}
	for id := range b.Tasks {
		if _, ok := seen[id]; !ok {
			out = append(out, "task "+id+" is not listed in any column")
		}
	}
	return out
}
