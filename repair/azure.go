package repair

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
)

// AzureQueue stores repair jobs in an Azure Storage queue.
type AzureQueue struct {
	client     *azqueue.QueueClient
	visibility time.Duration
}

// NewAzureQueue connects to the named queue. visibility is how long a
// received job stays hidden before another receive may pick it up again.
func NewAzureQueue(connStr, name string, visibility time.Duration) (*AzureQueue, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 30 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	client, err := azqueue.NewQueueClientFromConnectionString(connStr, name, &opts)
	if err != nil {
		return nil, err
	}
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	return &AzureQueue{client: client, visibility: visibility}, nil
}

func (q *AzureQueue) Enqueue(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	text, err := encodeJob(job)
	if err != nil {
		return err
	}
	_, err = q.client.EnqueueMessage(ctx, text, nil)
	return err
}

func (q *AzureQueue) Receive(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	n := int32(max)
	vis := int32(q.visibility / time.Second)
	resp, err := q.client.DequeueMessages(ctx, &azqueue.DequeueMessagesOptions{
		NumberOfMessages:  &n,
		VisibilityTimeout: &vis,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m == nil || m.MessageID == nil || m.PopReceipt == nil {
			continue
		}
		msg := Message{ID: *m.MessageID, PopReceipt: *m.PopReceipt}
		if m.DequeueCount != nil {
			msg.DequeueCount = *m.DequeueCount
		}
		text := ""
		if m.MessageText != nil {
			text = *m.MessageText
		}
		msg.Job, msg.Err = decodeJob(text)
		out = append(out, msg)
	}
	return out, nil
}

func (q *AzureQueue) Delete(ctx context.Context, msg Message) error {
	_, err := q.client.DeleteMessage(ctx, msg.ID, msg.PopReceipt, nil)
	return err
}
