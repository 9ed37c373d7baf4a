package repair

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/remote"
)

// Report lists the differences between a project's task list and the tasks
// that point at the project. Orphans are tasks missing from the list;
// Dangling are listed ids without a task document.
type Report struct {
	ProjectID string   `json:"projectId"`
	Orphans   []string `json:"orphans"`
	Dangling  []string `json:"dangling"`
}

// Consistent reports whether the project and its tasks agree.
func (r Report) Consistent() bool {
	return len(r.Orphans) == 0 && len(r.Dangling) == 0
}

// Checker audits and repairs project task lists.
type Checker struct {
	client remote.Client
	logger *log.Logger
}

func NewChecker(client remote.Client, logger *log.Logger) *Checker {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Checker{client: client, logger: logger}
}

// Verify compares the project's task list with the tasks stored for it.
func (c *Checker) Verify(ctx context.Context, projectID string) (Report, error) {
	doc, err := c.client.Get(ctx, remote.Projects, projectID)
	if err != nil {
		return Report{}, fmt.Errorf("project %s: %w", projectID, err)
	}
	var p domain.Project
	if err := doc.Decode(&p); err != nil {
		return Report{}, fmt.Errorf("decode project %s: %w", projectID, err)
	}
	docs, err := c.client.List(ctx, remote.Tasks, remote.Eq("projectId", projectID))
	if err != nil {
		return Report{}, fmt.Errorf("list tasks of %s: %w", projectID, err)
	}

	listed := make(map[string]struct{}, len(p.TaskIDs))
	for _, id := range p.TaskIDs {
		listed[id] = struct{}{}
	}
	stored := make(map[string]struct{}, len(docs))
	rep := Report{ProjectID: projectID, Orphans: []string{}, Dangling: []string{}}
	for _, d := range docs {
		stored[d.ID] = struct{}{}
		if _, ok := listed[d.ID]; !ok {
			rep.Orphans = append(rep.Orphans, d.ID)
		}
	}
	for _, id := range p.TaskIDs {
		if _, ok := stored[id]; !ok {
			rep.Dangling = append(rep.Dangling, id)
		}
	}
	return rep, nil
}

// Heal appends orphans to the project's task list and drops dangling ids.
// It returns the report found before healing.
func (c *Checker) Heal(ctx context.Context, projectID string) (Report, error) {
	rep, err := c.Verify(ctx, projectID)
	if err != nil {
		return Report{}, err
	}
	if rep.Consistent() {
		return rep, nil
	}
	if len(rep.Orphans) > 0 {
		if err := c.client.Update(ctx, remote.Projects, projectID, remote.Fields{"taskIds": remote.ArrayUnion(rep.Orphans...)}); err != nil {
			return rep, fmt.Errorf("append orphans to %s: %w", projectID, err)
		}
	}
	if len(rep.Dangling) > 0 {
		if err := c.client.Update(ctx, remote.Projects, projectID, remote.Fields{"taskIds": remote.ArrayRemove(rep.Dangling...)}); err != nil {
			return rep, fmt.Errorf("remove dangling ids from %s: %w", projectID, err)
		}
	}
	c.logger.WithFields(log.Fields{"project": projectID, "orphans": rep.Orphans, "dangling": rep.Dangling}).Info("project task list healed")
	return rep, nil
}

// Apply performs a single repair job. Jobs are idempotent: applying one
// again after success changes nothing.
func (c *Checker) Apply(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	switch job.Kind {
	case KindAppendTask:
		return c.appendTask(ctx, job)
	case KindDeleteTask:
		return c.deleteTask(ctx, job)
	default:
		_, err := c.Heal(ctx, job.ProjectID)
		if errors.Is(err, remote.ErrNotFound) {
			return nil
		}
		return err
	}
}

func (c *Checker) appendTask(ctx context.Context, job Job) error {
	doc, err := c.client.Get(ctx, remote.Tasks, job.TaskID)
	if errors.Is(err, remote.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var t domain.Task
	if err := doc.Decode(&t); err != nil {
		return fmt.Errorf("decode task %s: %w", job.TaskID, err)
	}
	if t.ProjectID != job.ProjectID {
		c.logger.WithFields(log.Fields{"task": job.TaskID, "project": job.ProjectID, "actual_project": t.ProjectID}).Warn("task moved to another project, skipping append")
		return nil
	}
	err = c.client.Update(ctx, remote.Projects, job.ProjectID, remote.Fields{"taskIds": remote.ArrayUnion(job.TaskID)})
	if errors.Is(err, remote.ErrNotFound) {
		// The project is gone; the task can never be listed again.
		c.logger.WithFields(log.Fields{"task": job.TaskID, "project": job.ProjectID}).Warn("project missing, deleting orphan task")
		if err := c.client.Delete(ctx, remote.Tasks, job.TaskID); err != nil && !errors.Is(err, remote.ErrNotFound) {
			return err
		}
		return nil
	}
	return err
}

func (c *Checker) deleteTask(ctx context.Context, job Job) error {
	err := c.client.Update(ctx, remote.Projects, job.ProjectID, remote.Fields{"taskIds": remote.ArrayRemove(job.TaskID)})
	if err != nil && !errors.Is(err, remote.ErrNotFound) {
		return err
	}
	if err := c.client.Delete(ctx, remote.Tasks, job.TaskID); err != nil && !errors.Is(err, remote.ErrNotFound) {
		return err
	}
	return nil
}
