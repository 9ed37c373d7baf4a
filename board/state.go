// Package board holds the in-memory board of one project: columns of ordered
// task ids derived from task status, plus local optimistic moves that wait for
// the next snapshot to confirm or overwrite them.
package board

import (
	"fmt"
	"sync"
	"time"

	"boardsync/domain"
)

// Move relocates one task between column positions.
type Move struct {
	TaskID    string        `json:"taskId"`
	From      domain.Status `json:"fromColumn"`
	FromIndex int           `json:"fromIndex"`
	To        domain.Status `json:"toColumn"`
	ToIndex   int           `json:"toIndex"`
}

// NoOp reports whether the move leaves the task where it is.
func (m Move) NoOp() bool {
	return m.From == m.To && m.FromIndex == m.ToIndex
}

// PendingMove is a local move not yet seen in a snapshot.
type PendingMove struct {
	Move
	Generation uint64
	AppliedAt  time.Time
}

// ReplaceResult describes the outcome of one reconciliation.
type ReplaceResult struct {
	Generation uint64
	// Confirmed holds ids of pending moves whose destination status the
	// snapshot agrees with.
	Confirmed []string
	// Superseded holds ids of pending moves the snapshot overwrote.
	Superseded []string
	// Skipped holds ids of tasks left out because of an unknown status or a
	// repeated id.
	Skipped []string
}

// State is the board of a single project. All methods are safe for
// concurrent use; readers get copies.
type State struct {
	mu         sync.Mutex
	board      domain.Board
	generation uint64
	pending    []PendingMove
	watchers   map[chan struct{}]struct{}
	now        func() time.Time
}

// New returns an empty board for projectID at generation 0.
func New(projectID string) *State {
	return &State{
		board:    domain.EmptyBoard(projectID),
		watchers: make(map[chan struct{}]struct{}),
		now:      time.Now,
	}
}

// ProjectID returns the project this board mirrors.
func (s *State) ProjectID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.board.ProjectID
}

// Current returns a copy of the board.
func (s *State) Current() domain.Board {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.board.Clone()
}

// Task returns a copy of one task on the board.
func (s *State) Task(id string) (domain.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.board.Tasks[id]
	return t.Clone(), ok
}

// Generation returns the number of snapshots applied so far.
func (s *State) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Pending returns local moves that no snapshot has accounted for yet.
func (s *State) Pending() []PendingMove {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PendingMove(nil), s.pending...)
}

// Replace rebuilds the board from a complete task list and resolves every
// pending move against it. The input order is kept within each column.
func (s *State) Replace(tasks []domain.Task) ReplaceResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, skipped := Build(s.board.ProjectID, tasks)
	s.board = b
	s.generation++

	res := ReplaceResult{Generation: s.generation, Skipped: skipped}
	for _, p := range s.pending {
		if t, ok := b.Tasks[p.TaskID]; ok && t.Status == p.To {
			res.Confirmed = append(res.Confirmed, p.TaskID)
		} else {
			res.Superseded = append(res.Superseded, p.TaskID)
		}
	}
	s.pending = nil
	s.notifyLocked()
	return res
}

// ApplyLocalMove moves a task between positions and sets its status to the
// destination column. The move must be valid for the current board; an
// invalid one is a programming error and panics.
func (s *State) ApplyLocalMove(taskID string, from domain.Status, fromIndex int, to domain.Status, toIndex int) {
	m := Move{TaskID: taskID, From: from, FromIndex: fromIndex, To: to, ToIndex: toIndex}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkMove(s.board, m); err != nil {
		panic(fmt.Sprintf("board: ApplyLocalMove: %v", err))
	}
	s.applyLocked(m)
}

// TryMove validates m against the current board and applies it in the same
// critical section. It returns an error wrapping domain.ErrInvalidMove and
// leaves the board untouched when the move does not fit. A no-op move is
// reported as applied=false.
func (s *State) TryMove(m Move) (applied bool, err error) {
	if m.NoOp() {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkMove(s.board, m); err != nil {
		return false, err
	}
	s.applyLocked(m)
	return true, nil
}

func (s *State) applyLocked(m Move) {
	if m.NoOp() {
		return
	}
	src := s.board.Columns[m.From]
	ids := append([]string{}, src.TaskIDs[:m.FromIndex]...)
	src.TaskIDs = append(ids, src.TaskIDs[m.FromIndex+1:]...)
	s.board.Columns[m.From] = src

	dst := s.board.Columns[m.To]
	dst.TaskIDs = insertAt(dst.TaskIDs, m.ToIndex, m.TaskID)
	s.board.Columns[m.To] = dst

	t := s.board.Tasks[m.TaskID]
	t.Status = m.To
	s.board.Tasks[m.TaskID] = t

	p := PendingMove{Move: m, Generation: s.generation, AppliedAt: s.now()}
	replaced := false
	for i := range s.pending {
		if s.pending[i].TaskID == m.TaskID {
			s.pending[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		s.pending = append(s.pending, p)
	}
	s.notifyLocked()
}

// Watch returns a channel that receives a signal after every change. Signals
// coalesce; readers should call Current after each one. The returned func
// stops the watch.
func (s *State) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, ch)
			s.mu.Unlock()
		})
	}
}

func (s *State) notifyLocked() {
	for ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Build derives a board from a task list. Tasks are grouped by status in
// input order. Tasks with an unknown status and repeats of an id already seen
// are left out and returned as skipped.
func Build(projectID string, tasks []domain.Task) (domain.Board, []string) {
	b := domain.EmptyBoard(projectID)
	var skipped []string
	for _, t := range tasks {
		if !t.Status.Valid() {
			skipped = append(skipped, t.ID)
			continue
		}
		if _, dup := b.Tasks[t.ID]; dup {
			skipped = append(skipped, t.ID)
			continue
		}
		b.Tasks[t.ID] = t.Clone()
		col := b.Columns[t.Status]
		col.TaskIDs = append(col.TaskIDs, t.ID)
		b.Columns[t.Status] = col
	}
	return b, skipped
}

func checkMove(b domain.Board, m Move) error {
	src, ok := b.Columns[m.From]
	if !ok {
		return fmt.Errorf("%w: unknown source column %q", domain.ErrInvalidMove, m.From)
	}
	dst, ok := b.Columns[m.To]
	if !ok {
		return fmt.Errorf("%w: unknown destination column %q", domain.ErrInvalidMove, m.To)
	}
	if m.FromIndex < 0 || m.FromIndex >= len(src.TaskIDs) {
		return fmt.Errorf("%w: source index %d out of range for %s", domain.ErrInvalidMove, m.FromIndex, m.From)
	}
	if src.TaskIDs[m.FromIndex] != m.TaskID {
		return fmt.Errorf("%w: task %s is not at %s[%d]", domain.ErrInvalidMove, m.TaskID, m.From, m.FromIndex)
	}
	limit := len(dst.TaskIDs)
	if m.From == m.To {
		limit--
	}
	if m.ToIndex < 0 || m.ToIndex > limit {
		return fmt.Errorf("%w: destination index %d out of range for %s", domain.ErrInvalidMove, m.ToIndex, m.To)
	}
	return nil
}

func insertAt(ids []string, i int, id string) []string {
	out := make([]string, 0, len(ids)+1)
	out = append(out, ids[:i]...)
	out = append(out, id)
	return append(out, ids[i:]...)
}
