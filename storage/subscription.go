package storage

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"boardsync/remote"
)

// Subscribe delivers the matching documents now and again after every change
// notice, with a periodic refetch as a fallback. Consecutive equal result
// sets are delivered once. A failed fetch ends the subscription.
func (t *Tables) Subscribe(ctx context.Context, collection string, filters ...remote.Filter) (remote.Subscription, error) {
	if _, err := t.table(collection); err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(ctx)
	var notices <-chan struct{}
	stop := func() {}
	if t.notifier != nil {
		var err error
		notices, stop, err = t.notifier.Subscribe(subCtx, collection)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("%w: listen for %s changes: %w", remote.ErrUnavailable, collection, err)
		}
	}
	s := &tableSubscription{
		out:    make(chan []remote.Document, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	fetch := func(ctx context.Context) ([]remote.Document, error) {
		return t.List(ctx, collection, filters...)
	}
	go func() {
		defer stop()
		s.run(subCtx, fetch, notices, t.pollInterval)
	}()
	return s, nil
}

type tableSubscription struct {
	out    chan []remote.Document
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *tableSubscription) Snapshots() <-chan []remote.Document { return s.out }

func (s *tableSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *tableSubscription) Close() error {
	s.mu.Lock()
	s.closed = true
	s.err = nil
	s.mu.Unlock()
	s.cancel()
	<-s.done
	return nil
}

func (s *tableSubscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.err = err
	}
}

func (s *tableSubscription) run(ctx context.Context, fetch func(context.Context) ([]remote.Document, error), notices <-chan struct{}, poll time.Duration) {
	defer close(s.done)
	defer close(s.out)

	var ticks <-chan time.Time
	if poll > 0 {
		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		ticks = ticker.C
	}

	var last []remote.Document
	delivered := false
	refresh := func() bool {
		docs, err := fetch(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.fail(err)
			}
			return false
		}
		if delivered && reflect.DeepEqual(docs, last) {
			return true
		}
		last, delivered = docs, true
		// Latest wins: drop an undelivered older snapshot.
		select {
		case <-s.out:
		default:
		}
		s.out <- docs
		return true
	}

	if !refresh() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-notices:
			if !ok {
				if ctx.Err() == nil {
					s.fail(fmt.Errorf("%w: change notices stopped", remote.ErrUnavailable))
				}
				return
			}
			if !refresh() {
				return
			}
		case <-ticks:
			if !refresh() {
				return
			}
		}
	}
}
