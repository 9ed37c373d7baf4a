// Package service implements the board operations callers issue: moving
// tasks between columns and creating, editing and deleting tasks and
// projects while keeping each project's task list in step with its tasks.
package service

import (
	"context"
	"time"

	"boardsync/domain"
	"boardsync/remote"
	"boardsync/repair"
)

// RepairQueue accepts repair jobs for partially applied writes.
type RepairQueue interface {
	Enqueue(ctx context.Context, job repair.Job) error
}

// monotonic returns now, or prev when the clock is behind prev, so updatedAt
// never decreases.
func monotonic(now, prev time.Time) time.Time {
	if now.Before(prev) {
		return prev
	}
	return now
}

func taskFields(t domain.Task) remote.Fields {
	labels := t.Labels
	if labels == nil {
		labels = []string{}
	}
	return remote.Fields{
		"projectId":   t.ProjectID,
		"title":       t.Title,
		"description": t.Description,
		"status":      string(t.Status),
		"priority":    string(t.Priority),
		"assignedTo":  t.AssignedTo,
		"createdBy":   t.CreatedBy,
		"dueDate":     t.DueDate,
		"labels":      labels,
		"createdAt":   t.CreatedAt,
		"updatedAt":   t.UpdatedAt,
	}
}

func patchFields(p domain.TaskPatch, updatedAt time.Time) remote.Fields {
	f := remote.Fields{"updatedAt": updatedAt}
	if p.Title != nil {
		f["title"] = *p.Title
	}
	if p.Description != nil {
		f["description"] = *p.Description
	}
	if p.Status != nil {
		f["status"] = string(*p.Status)
	}
	if p.Priority != nil {
		f["priority"] = string(*p.Priority)
	}
	if p.ClearAssignee {
		f["assignedTo"] = ""
	} else if p.AssignedTo != nil {
		f["assignedTo"] = *p.AssignedTo
	}
	if p.ClearDueDate {
		f["dueDate"] = ""
	} else if p.DueDate != nil {
		f["dueDate"] = *p.DueDate
	}
	if p.SetLabels {
		labels := p.Labels
		if labels == nil {
			labels = []string{}
		}
		f["labels"] = labels
	}
	return f
}

func decodeTask(doc remote.Document) (domain.Task, error) {
	var t domain.Task
	err := doc.Decode(&t)
	return t, err
}

func decodeProject(doc remote.Document) (domain.Project, error) {
	var p domain.Project
	err := doc.Decode(&p)
	return p, err
}
