package api

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"boardsync/board"
	"boardsync/remote"
	"boardsync/service"
)

// Hub shares one open board per project between requests. Boards are
// reference counted and closed when the last holder releases them. Boards
// are opened and resubscribed outside the hub lock; later holders of a
// board that is still opening wait on that entry only.
type Hub struct {
	ctx    context.Context
	client remote.Client
	logger *log.Logger

	mu     sync.Mutex
	boards map[string]*hubEntry
}

type hubEntry struct {
	refs   int
	opened chan struct{}
	// board and err are set under Hub.mu before opened is closed.
	board *service.Board
	err   error

	resub sync.Mutex
}

// NewHub opens boards whose subscriptions live until ctx ends or the board is
// released.
func NewHub(ctx context.Context, client remote.Client, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{ctx: ctx, client: client, logger: logger, boards: map[string]*hubEntry{}}
}

// Acquire returns the open board of projectID, opening it if needed. A board
// whose subscription ended is resubscribed for the new holder. The returned
// release func must be called exactly once.
func (h *Hub) Acquire(ctx context.Context, projectID string) (*service.Board, func(), error) {
	h.mu.Lock()
	entry, ok := h.boards[projectID]
	if !ok {
		entry = &hubEntry{opened: make(chan struct{})}
		h.boards[projectID] = entry
	}
	entry.refs++
	h.mu.Unlock()

	var once sync.Once
	release := func() { once.Do(func() { h.release(projectID, entry) }) }

	if !ok {
		h.open(projectID, entry)
	} else {
		select {
		case <-entry.opened:
		case <-ctx.Done():
			release()
			return nil, nil, ctx.Err()
		}
	}
	if entry.err != nil {
		release()
		return nil, nil, entry.err
	}
	if ok {
		if err := h.revive(projectID, entry); err != nil {
			release()
			return nil, nil, err
		}
	}
	return entry.board, release, nil
}

func (h *Hub) open(projectID string, entry *hubEntry) {
	b, err := service.OpenBoard(h.ctx, h.client, projectID, h.logger)
	h.mu.Lock()
	entry.board, entry.err = b, err
	detached := h.boards[projectID] != entry
	if err != nil && !detached {
		delete(h.boards, projectID)
	}
	h.mu.Unlock()
	close(entry.opened)
	if err == nil && detached {
		// The hub was closed while this board was opening.
		b.Close()
	}
}

func (h *Hub) revive(projectID string, entry *hubEntry) error {
	entry.resub.Lock()
	defer entry.resub.Unlock()
	if entry.board.Live() {
		return nil
	}
	h.logger.WithField("project", projectID).Info("resubscribing board after subscription ended")
	return entry.board.Resubscribe(h.ctx)
}

func (h *Hub) release(projectID string, entry *hubEntry) {
	h.mu.Lock()
	entry.refs--
	last := entry.refs == 0
	if last && h.boards[projectID] == entry {
		delete(h.boards, projectID)
	}
	b := entry.board
	h.mu.Unlock()
	if last && b != nil {
		b.Close()
	}
}

// Open reports how many boards are open.
func (h *Hub) Open() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.boards)
}

// Close closes every open board regardless of holders.
func (h *Hub) Close() {
	h.mu.Lock()
	entries := h.boards
	h.boards = map[string]*hubEntry{}
	boards := make([]*service.Board, 0, len(entries))
	for _, e := range entries {
		if e.board != nil {
			boards = append(boards, e.board)
		}
	}
	h.mu.Unlock()
	for _, b := range boards {
		b.Close()
	}
}

// ready waits until the board has applied its first snapshot.
func ready(ctx context.Context, state *board.State) error {
	if state.Generation() > 0 {
		return nil
	}
	changes, stop := state.Watch()
	defer stop()
	for state.Generation() == 0 {
		select {
		case <-changes:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
