package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// Notifier announces collection writes over Redis pub/sub, one channel per
// collection. Notices carry no document data; subscribers refetch.
type Notifier struct {
	rc     *redis.Client
	prefix string
}

func NewNotifier(rc *redis.Client, prefix string) *Notifier {
	return &Notifier{rc: rc, prefix: prefix}
}

type notice struct {
	Collection string    `json:"collection"`
	At         time.Time `json:"at"`
}

func (n *Notifier) channel(collection string) string {
	return n.prefix + ":" + collection
}

func (n *Notifier) Publish(ctx context.Context, collection string) error {
	payload, err := json.Marshal(notice{Collection: collection, At: time.Now().UTC()})
	if err != nil {
		return err
	}
	return n.rc.Publish(ctx, n.channel(collection), payload).Err()
}

// Subscribe returns a channel that receives a signal after writes to the
// collection. Signals coalesce while unread. The channel closes when ctx ends
// or the returned stop func is called.
func (n *Notifier) Subscribe(ctx context.Context, collection string) (<-chan struct{}, func(), error) {
	ps := n.rc.Subscribe(ctx, n.channel(collection))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, err
	}
	out := make(chan struct{}, 1)
	msgs := ps.Channel()
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, func() { _ = ps.Close() }, nil
}
