package service

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"boardsync/board"
	"boardsync/remote"
	"boardsync/subscription"
)

// Board is an open project board: the local state, the subscription that
// keeps it current and the mover that edits it. Close releases the
// subscription.
type Board struct {
	State *board.State
	Mover *Mover

	projectID  string
	reconciler *subscription.Reconciler
	logger     *log.Logger

	mu     sync.Mutex
	errs   <-chan error
	closed bool
}

// OpenBoard checks that the project exists and starts mirroring its tasks.
func OpenBoard(ctx context.Context, client remote.Client, projectID string, logger *log.Logger) (*Board, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if _, err := client.Get(ctx, remote.Projects, projectID); err != nil {
		return nil, fmt.Errorf("project %s: %w", projectID, err)
	}
	state := board.New(projectID)
	b := &Board{
		State:      state,
		Mover:      NewMover(client, state, logger),
		projectID:  projectID,
		reconciler: subscription.New(client, state, logger),
		logger:     logger,
	}
	if err := b.Resubscribe(ctx); err != nil {
		return nil, err
	}
	logger.WithField("project", projectID).Debug("board opened")
	return b, nil
}

// Resubscribe starts a fresh subscription, for example after a terminal
// subscription error.
func (b *Board) Resubscribe(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("board %s is closed", b.projectID)
	}
	errs, err := b.reconciler.Subscribe(ctx, b.projectID)
	if err != nil {
		return fmt.Errorf("subscribe to project %s: %w", b.projectID, err)
	}
	b.errs = errs
	return nil
}

// Errors returns the terminal error channel of the current subscription.
func (b *Board) Errors() <-chan error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errs
}

func (b *Board) ProjectID() string { return b.projectID }

// Live reports whether the board is still receiving snapshots.
func (b *Board) Live() bool { return b.reconciler.Active() }

// Close stops the subscription. It is safe to call more than once.
func (b *Board) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.reconciler.Unsubscribe()
	b.logger.WithField("project", b.projectID).Debug("board closed")
}
