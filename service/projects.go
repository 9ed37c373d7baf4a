package service

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/remote"
)

// ProjectService manages projects. Deleting a project deletes its tasks
// first.
type ProjectService struct {
	client remote.Client
	tasks  *TaskService
	logger *log.Logger
	now    func() time.Time
}

func NewProjectService(client remote.Client, tasks *TaskService, logger *log.Logger) *ProjectService {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &ProjectService{client: client, tasks: tasks, logger: logger, now: time.Now}
}

func (s *ProjectService) Create(ctx context.Context, session domain.Session, in domain.ProjectInput) (domain.Project, error) {
	if !session.Valid() {
		return domain.Project{}, domain.ErrMissingSession
	}
	if err := in.Normalize(); err != nil {
		return domain.Project{}, err
	}
	now := s.now().UTC()
	p := domain.Project{
		Name:        in.Name,
		Description: in.Description,
		TeamID:      in.TeamID,
		CreatedBy:   session.UserID,
		CreatedAt:   now,
		UpdatedAt:   now,
		TaskIDs:     []string{},
	}
	id, err := s.client.Create(ctx, remote.Projects, remote.Fields{
		"name":        p.Name,
		"description": p.Description,
		"teamId":      p.TeamID,
		"createdBy":   p.CreatedBy,
		"createdAt":   p.CreatedAt,
		"updatedAt":   p.UpdatedAt,
		"taskIds":     p.TaskIDs,
	})
	if err != nil {
		return domain.Project{}, fmt.Errorf("create project: %w", err)
	}
	p.ID = id
	return p, nil
}

func (s *ProjectService) Update(ctx context.Context, projectID string, patch domain.ProjectPatch) (domain.Project, error) {
	if err := patch.Validate(); err != nil {
		return domain.Project{}, err
	}
	p, err := s.Get(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	p.UpdatedAt = monotonic(s.now().UTC(), p.UpdatedAt)
	fields := remote.Fields{"updatedAt": p.UpdatedAt}
	if patch.Name != nil {
		p.Name = *patch.Name
		fields["name"] = p.Name
	}
	if patch.Description != nil {
		p.Description = *patch.Description
		fields["description"] = p.Description
	}
	if err := s.client.Update(ctx, remote.Projects, projectID, fields); err != nil {
		return domain.Project{}, fmt.Errorf("update project %s: %w", projectID, err)
	}
	return p, nil
}

// Delete removes every task of the project and then the project. The project
// document survives when any task delete fails, so the call can be repeated.
func (s *ProjectService) Delete(ctx context.Context, projectID string) error {
	if _, err := s.client.Get(ctx, remote.Projects, projectID); err != nil {
		return fmt.Errorf("project %s: %w", projectID, err)
	}
	if err := s.tasks.DeleteProjectTasks(ctx, projectID); err != nil {
		return fmt.Errorf("delete tasks of project %s: %w", projectID, err)
	}
	if err := s.client.Delete(ctx, remote.Projects, projectID); err != nil {
		return fmt.Errorf("delete project %s: %w", projectID, err)
	}
	s.logger.WithField("project", projectID).Info("project deleted")
	return nil
}

func (s *ProjectService) Get(ctx context.Context, projectID string) (domain.Project, error) {
	doc, err := s.client.Get(ctx, remote.Projects, projectID)
	if err != nil {
		return domain.Project{}, fmt.Errorf("project %s: %w", projectID, err)
	}
	p, err := decodeProject(doc)
	if err != nil {
		return domain.Project{}, fmt.Errorf("decode project %s: %w", projectID, err)
	}
	return p, nil
}

// List returns the projects of the given teams, or when no team is given the
// projects the session user created. Each project appears once.
func (s *ProjectService) List(ctx context.Context, session domain.Session, teamIDs []string) ([]domain.Project, error) {
	if !session.Valid() {
		return nil, domain.ErrMissingSession
	}
	var queries [][]remote.Filter
	if len(teamIDs) == 0 {
		queries = append(queries, []remote.Filter{remote.Eq("createdBy", session.UserID)})
	}
	for _, team := range teamIDs {
		queries = append(queries, []remote.Filter{remote.Eq("teamId", team)})
	}
	out := []domain.Project{}
	seen := make(map[string]struct{})
	for _, filters := range queries {
		docs, err := s.client.List(ctx, remote.Projects, filters...)
		if err != nil {
			return nil, fmt.Errorf("list projects: %w", err)
		}
		for _, d := range docs {
			if _, ok := seen[d.ID]; ok {
				continue
			}
			p, err := decodeProject(d)
			if err != nil {
				s.logger.WithField("project", d.ID).WithError(err).Warn("skipping undecodable project")
				continue
			}
			seen[d.ID] = struct{}{}
			out = append(out, p)
		}
	}
	return out, nil
}
