// Package repair restores the link between projects and their tasks after a
// paired write only partly succeeded. Jobs are queued by the task controller
// and applied by a background worker; a checker can also audit a project on
// demand.
package repair

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Kind names the repair a job performs.
type Kind string

const (
	// KindAppendTask adds a created task to its project's task list.
	KindAppendTask Kind = "append-task"
	// KindDeleteTask finishes deleting a task already removed from its
	// project's task list.
	KindDeleteTask Kind = "delete-task"
	// KindHealProject reconciles a project's task list with its tasks.
	KindHealProject Kind = "heal-project"
)

// Job is one queued repair.
type Job struct {
	Kind      Kind      `json:"kind"`
	TaskID    string    `json:"taskId,omitempty"`
	ProjectID string    `json:"projectId"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (j Job) Validate() error {
	switch j.Kind {
	case KindAppendTask, KindDeleteTask:
		if j.TaskID == "" || j.ProjectID == "" {
			return fmt.Errorf("%s job needs task and project ids", j.Kind)
		}
	case KindHealProject:
		if j.ProjectID == "" {
			return fmt.Errorf("%s job needs a project id", j.Kind)
		}
	default:
		return fmt.Errorf("unknown repair kind %q", j.Kind)
	}
	return nil
}

func encodeJob(j Job) (string, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJob(text string) (Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(text), &j); err != nil {
		return Job{}, err
	}
	return j, j.Validate()
}

// Message is a received job together with the handles needed to delete it.
type Message struct {
	ID           string
	PopReceipt   string
	DequeueCount int64
	Job          Job
	// Err is set when the message text could not be decoded into a job.
	Err error
}

// Queue carries repair jobs. Received messages stay invisible to other
// receivers until deleted or until their visibility timeout expires.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Receive(ctx context.Context, max int) ([]Message, error)
	Delete(ctx context.Context, msg Message) error
}
