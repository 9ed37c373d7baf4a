package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/remote"
	"boardsync/repair"
)

// TaskService creates, edits and deletes tasks. Writes that touch both a
// task and its project's task list report partial failure as
// *domain.ReferentialInconsistencyError and queue a repair job. Open boards
// learn about these writes from their subscription only.
type TaskService struct {
	client  remote.Client
	repairs RepairQueue
	logger  *log.Logger
	now     func() time.Time
}

// NewTaskService builds a TaskService. repairs may be nil.
func NewTaskService(client remote.Client, repairs RepairQueue, logger *log.Logger) *TaskService {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &TaskService{client: client, repairs: repairs, logger: logger, now: time.Now}
}

// Create stores a new task in projectID and appends it to the project's task
// list. If the append fails the task document still exists; the task is
// returned together with a *domain.ReferentialInconsistencyError.
func (s *TaskService) Create(ctx context.Context, session domain.Session, projectID string, in domain.TaskInput) (domain.Task, error) {
	if !session.Valid() {
		return domain.Task{}, domain.ErrMissingSession
	}
	if err := in.Normalize(); err != nil {
		return domain.Task{}, err
	}
	if _, err := s.client.Get(ctx, remote.Projects, projectID); err != nil {
		return domain.Task{}, fmt.Errorf("project %s: %w", projectID, err)
	}

	now := s.now().UTC()
	t := domain.Task{
		ProjectID:   projectID,
		Title:       in.Title,
		Description: in.Description,
		Status:      in.Status,
		Priority:    in.Priority,
		AssignedTo:  in.AssignedTo,
		CreatedBy:   session.UserID,
		DueDate:     in.DueDate,
		Labels:      in.Labels,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	id, err := s.client.Create(ctx, remote.Tasks, taskFields(t))
	if err != nil {
		return domain.Task{}, fmt.Errorf("create task: %w", err)
	}
	t.ID = id

	var result error
	if err := s.client.Update(ctx, remote.Projects, projectID, remote.Fields{"taskIds": remote.ArrayUnion(id)}); err != nil {
		result = s.inconsistent(ctx, "create", repair.KindAppendTask, id, projectID, err)
	}
	return t, result
}

// Update merges patch into an existing task and bumps its updatedAt.
func (s *TaskService) Update(ctx context.Context, taskID string, patch domain.TaskPatch) (domain.Task, error) {
	if err := patch.Validate(); err != nil {
		return domain.Task{}, err
	}
	doc, err := s.client.Get(ctx, remote.Tasks, taskID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("task %s: %w", taskID, err)
	}
	t, err := decodeTask(doc)
	if err != nil {
		return domain.Task{}, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	t.UpdatedAt = monotonic(s.now().UTC(), t.UpdatedAt)
	if err := s.client.Update(ctx, remote.Tasks, taskID, patchFields(patch, t.UpdatedAt)); err != nil {
		return domain.Task{}, fmt.Errorf("update task %s: %w", taskID, err)
	}
	patch.Apply(&t)
	return t, nil
}

// Delete removes a task and its entry in the project's task list, in one
// transaction when the store allows it and otherwise list first, then
// document.
func (s *TaskService) Delete(ctx context.Context, taskID string) error {
	doc, err := s.client.Get(ctx, remote.Tasks, taskID)
	if err != nil {
		return fmt.Errorf("task %s: %w", taskID, err)
	}
	t, err := decodeTask(doc)
	if err != nil {
		return fmt.Errorf("decode task %s: %w", taskID, err)
	}
	return s.deleteTask(ctx, t)
}

func (s *TaskService) deleteTask(ctx context.Context, t domain.Task) error {
	unlist := remote.Fields{"taskIds": remote.ArrayRemove(t.ID)}
	err := s.client.Transaction(ctx, []remote.Op{
		remote.UpdateOp(remote.Projects, t.ProjectID, unlist),
		remote.DeleteOp(remote.Tasks, t.ID),
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, remote.ErrTransactionUnsupported), errors.Is(err, remote.ErrNotFound):
		// Fall through to ordered writes. NotFound here usually means the
		// project is already gone.
	default:
		return fmt.Errorf("delete task %s: %w", t.ID, err)
	}

	if err := s.client.Update(ctx, remote.Projects, t.ProjectID, unlist); err != nil {
		if !errors.Is(err, remote.ErrNotFound) {
			return fmt.Errorf("unlist task %s: %w", t.ID, err)
		}
		s.logger.WithFields(log.Fields{"task": t.ID, "project": t.ProjectID}).Warn("project missing while deleting task")
	}
	if err := s.client.Delete(ctx, remote.Tasks, t.ID); err != nil && !errors.Is(err, remote.ErrNotFound) {
		return s.inconsistent(ctx, "delete", repair.KindDeleteTask, t.ID, t.ProjectID, err)
	}
	return nil
}

func (s *TaskService) inconsistent(ctx context.Context, op string, kind repair.Kind, taskID, projectID string, cause error) error {
	ierr := &domain.ReferentialInconsistencyError{Op: op, TaskID: taskID, ProjectID: projectID, Err: cause}
	entry := s.logger.WithFields(log.Fields{"op": op, "task": taskID, "project": projectID})
	entry.WithError(cause).Error("project task list out of sync")
	if s.repairs != nil {
		job := repair.Job{Kind: kind, TaskID: taskID, ProjectID: projectID, Reason: cause.Error(), CreatedAt: s.now().UTC()}
		if err := s.repairs.Enqueue(ctx, job); err != nil {
			entry.WithError(err).Error("enqueue repair job")
		}
	}
	return ierr
}

// Get returns a single task.
func (s *TaskService) Get(ctx context.Context, taskID string) (domain.Task, error) {
	doc, err := s.client.Get(ctx, remote.Tasks, taskID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("task %s: %w", taskID, err)
	}
	return decodeTask(doc)
}

// ByIDs fetches tasks in the given order, skipping ids that no longer exist.
func (s *TaskService) ByIDs(ctx context.Context, ids []string) ([]domain.Task, error) {
	out := make([]domain.Task, 0, len(ids))
	for _, id := range ids {
		doc, err := s.client.Get(ctx, remote.Tasks, id)
		if errors.Is(err, remote.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", id, err)
		}
		t, err := decodeTask(doc)
		if err != nil {
			return nil, fmt.Errorf("decode task %s: %w", id, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// AssignedTo lists tasks assigned to the session user across projects.
func (s *TaskService) AssignedTo(ctx context.Context, session domain.Session) ([]domain.Task, error) {
	if !session.Valid() {
		return nil, domain.ErrMissingSession
	}
	return s.list(ctx, remote.Eq("assignedTo", session.UserID))
}

// ByProject lists the tasks of a project in store order.
func (s *TaskService) ByProject(ctx context.Context, projectID string) ([]domain.Task, error) {
	return s.list(ctx, remote.Eq("projectId", projectID))
}

func (s *TaskService) list(ctx context.Context, filters ...remote.Filter) ([]domain.Task, error) {
	docs, err := s.client.List(ctx, remote.Tasks, filters...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]domain.Task, 0, len(docs))
	for _, d := range docs {
		t, err := decodeTask(d)
		if err != nil {
			s.logger.WithField("task", d.ID).WithError(err).Warn("skipping undecodable task")
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// DeleteProjectTasks deletes every task of a project. It keeps going after a
// failed delete and returns all failures joined.
func (s *TaskService) DeleteProjectTasks(ctx context.Context, projectID string) error {
	tasks, err := s.ByProject(ctx, projectID)
	if err != nil {
		return err
	}
	var errs []error
	for _, t := range tasks {
		if err := s.deleteTask(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
