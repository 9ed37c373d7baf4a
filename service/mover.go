package service

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"boardsync/board"
	"boardsync/remote"
)

// Mover applies drag-and-drop moves: first to the local board, then to the
// task document.
type Mover struct {
	client remote.Client
	state  *board.State
	logger *log.Logger
	now    func() time.Time
}

func NewMover(client remote.Client, state *board.State, logger *log.Logger) *Mover {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Mover{client: client, state: state, logger: logger, now: time.Now}
}

// Move applies m to the board immediately and then writes the task's new
// status. A no-op move touches neither the board nor the store. An invalid
// move returns an error wrapping domain.ErrInvalidMove and changes nothing.
//
// When the write fails the local move is kept; the next snapshot restores
// the stored state. The returned error reports the failed write.
func (mv *Mover) Move(ctx context.Context, m board.Move) error {
	if m.NoOp() {
		return nil
	}
	prev, _ := mv.state.Task(m.TaskID)
	applied, err := mv.state.TryMove(m)
	if err != nil || !applied {
		return err
	}
	fields := remote.Fields{
		"status":    string(m.To),
		"updatedAt": monotonic(mv.now().UTC(), prev.UpdatedAt),
	}
	if err := mv.client.Update(ctx, remote.Tasks, m.TaskID, fields); err != nil {
		mv.logger.WithFields(log.Fields{
			"task":    m.TaskID,
			"project": mv.state.ProjectID(),
			"from":    m.From,
			"to":      m.To,
		}).WithError(err).Warn("move write failed, board stays optimistic until next snapshot")
		return fmt.Errorf("move task %s: %w", m.TaskID, err)
	}
	return nil
}
