package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"boardsync/board"
	"boardsync/domain"
	"boardsync/remote"
)

var (
	// ErrProjectMismatch is returned when subscribing a board to a project
	// other than the one it mirrors.
	ErrProjectMismatch = errors.New("board belongs to a different project")
	// ErrSubscriptionClosed is reported when the store ends a subscription
	// without giving a reason.
	ErrSubscriptionClosed = errors.New("subscription closed by store")
)

// Reconciler mirrors the tasks of one project into a board.State. Each
// delivered snapshot replaces the board wholesale.
type Reconciler struct {
	client remote.Client
	state  *board.State
	logger *log.Logger

	mu     sync.Mutex
	active *active

	// applyMu orders snapshot application against Unsubscribe.
	applyMu sync.Mutex
}

type active struct {
	projectID string
	sub       remote.Subscription
	cancel    context.CancelFunc
	done      chan struct{}
	stopped   bool
}

// New creates a Reconciler for state. A nil logger uses the standard logger.
func New(client remote.Client, state *board.State, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Reconciler{client: client, state: state, logger: logger}
}

// Subscribe starts mirroring the tasks of projectID, replacing any active
// subscription. The returned channel yields at most one terminal error and is
// closed when the subscription ends for any reason. A failed subscription is
// never retried; callers subscribe again.
func (r *Reconciler) Subscribe(ctx context.Context, projectID string) (<-chan error, error) {
	if projectID != r.state.ProjectID() {
		return nil, fmt.Errorf("%w: %s", ErrProjectMismatch, projectID)
	}
	r.Unsubscribe()

	subCtx, cancel := context.WithCancel(ctx)
	sub, err := r.client.Subscribe(subCtx, remote.Tasks, remote.Eq("projectId", projectID))
	if err != nil {
		cancel()
		return nil, err
	}
	a := &active{projectID: projectID, sub: sub, cancel: cancel, done: make(chan struct{})}
	errs := make(chan error, 1)

	r.mu.Lock()
	r.active = a
	r.mu.Unlock()

	go r.run(subCtx, a, errs)
	return errs, nil
}

// Unsubscribe stops the active subscription. Once it returns no further
// snapshot reaches the board. Calling it without an active subscription is a
// no-op.
func (r *Reconciler) Unsubscribe() {
	r.mu.Lock()
	a := r.active
	r.active = nil
	r.mu.Unlock()
	if a == nil {
		return
	}
	r.applyMu.Lock()
	a.stopped = true
	r.applyMu.Unlock()
	a.cancel()
	_ = a.sub.Close()
	<-a.done
}

// Active reports whether a subscription is running.
func (r *Reconciler) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

func (r *Reconciler) run(ctx context.Context, a *active, errs chan<- error) {
	defer close(a.done)
	defer close(errs)
	for {
		select {
		case <-ctx.Done():
			return
		case docs, ok := <-a.sub.Snapshots():
			if !ok {
				r.finish(ctx, a, errs)
				return
			}
			r.apply(a, docs)
		}
	}
}

func (r *Reconciler) finish(ctx context.Context, a *active, errs chan<- error) {
	r.applyMu.Lock()
	stopped := a.stopped
	r.applyMu.Unlock()
	if stopped || ctx.Err() != nil {
		return
	}
	err := a.sub.Err()
	if err == nil {
		err = ErrSubscriptionClosed
	}
	r.logger.WithFields(log.Fields{"project": a.projectID}).WithError(err).Error("board subscription ended")
	r.mu.Lock()
	if r.active == a {
		r.active = nil
	}
	r.mu.Unlock()
	a.cancel()
	errs <- err
}

func (r *Reconciler) apply(a *active, docs []remote.Document) {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()
	if a.stopped {
		return
	}
	tasks := make([]domain.Task, 0, len(docs))
	for _, d := range docs {
		var t domain.Task
		if err := d.Decode(&t); err != nil {
			r.logger.WithFields(log.Fields{"project": a.projectID, "task": d.ID}).WithError(err).Warn("skipping undecodable task")
			continue
		}
		tasks = append(tasks, t)
	}
	res := r.state.Replace(tasks)
	fields := log.Fields{"project": a.projectID, "generation": res.Generation}
	if len(res.Skipped) > 0 {
		r.logger.WithFields(fields).WithField("tasks", res.Skipped).Warn("skipping tasks with unknown status or repeated id")
	}
	if len(res.Superseded) > 0 {
		r.logger.WithFields(fields).WithField("tasks", res.Superseded).Debug("local moves superseded by snapshot")
	}
	r.logger.WithFields(fields).WithField("count", len(tasks)).Debug("board reconciled")
}
