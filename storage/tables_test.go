package storage

import (
	"context"
	"errors"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"boardsync/remote"
)

type tablesFixture struct {
	store    *Tables
	tasks    *fakeTable
	projects *fakeTable
}

func newFixture(opts ...Option) tablesFixture {
	tasks, projects := newFakeTable(), newFakeTable()
	logger, _ := logtest.NewNullLogger()
	opts = append([]Option{WithLogger(logger)}, opts...)
	store := newTables(DefaultCollections("tasks", "projects"), map[string]tableAPI{
		remote.Tasks:    tasks,
		remote.Projects: projects,
	}, opts...)
	return tablesFixture{store: store, tasks: tasks, projects: projects}
}

func TestCreateGetRoundTrip(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	id, err := f.store.Create(ctx, remote.Tasks, remote.Fields{
		"projectId": "p1",
		"title":     "Write docs",
		"labels":    []string{"a", "b"},
		"createdAt": time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id == "" {
		t.Fatalf("expected server assigned id")
	}
	if _, ok := f.tasks.rows[rowKey("p1", id)]; !ok {
		t.Fatalf("expected row partitioned by project, got %v", f.tasks.order)
	}
	doc, err := f.store.Get(ctx, remote.Tasks, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.ID != id || doc.Data["title"] != "Write docs" || doc.Data["projectId"] != "p1" {
		t.Fatalf("unexpected doc %+v", doc)
	}
	if !reflect.DeepEqual(doc.Data["labels"], []any{"a", "b"}) {
		t.Fatalf("labels not restored as array: %#v", doc.Data["labels"])
	}
	if doc.Data["createdAt"] != "2024-01-02T03:04:05Z" {
		t.Fatalf("unexpected createdAt %v", doc.Data["createdAt"])
	}
	for _, k := range []string{"PartitionKey", "RowKey", "odata.etag", "id"} {
		if _, ok := doc.Data[k]; ok {
			t.Fatalf("storage key %s leaked into data", k)
		}
	}
}

func TestGetMissing(t *testing.T) {
	f := newFixture()
	if _, err := f.store.Get(context.Background(), remote.Tasks, "nope"); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.store.Get(context.Background(), "users", "x"); err == nil {
		t.Fatalf("expected error for unknown collection")
	}
}

func TestListFilters(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	for _, p := range []string{"p1", "p2", "p1", "o'brien"} {
		if _, err := f.store.Create(ctx, remote.Tasks, remote.Fields{"projectId": p, "title": p}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	docs, err := f.store.List(ctx, remote.Tasks, remote.Eq("projectId", "p1"))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 docs, got %d", len(docs))
	}
	docs, err = f.store.List(ctx, remote.Tasks, remote.Eq("projectId", "o'brien"))
	if err != nil || len(docs) != 1 {
		t.Fatalf("expected quoted filter to match one doc, got %d %v", len(docs), err)
	}
	all, err := f.store.List(ctx, remote.Tasks)
	if err != nil || len(all) != 4 {
		t.Fatalf("expected 4 docs, got %d %v", len(all), err)
	}
}

func TestUpdateMerges(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	id, _ := f.store.Create(ctx, remote.Tasks, remote.Fields{"projectId": "p1", "title": "a", "status": "todo"})
	if err := f.store.Update(ctx, remote.Tasks, id, remote.Fields{"status": "done"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	doc, _ := f.store.Get(ctx, remote.Tasks, id)
	if doc.Data["status"] != "done" || doc.Data["title"] != "a" {
		t.Fatalf("unexpected doc after merge %+v", doc.Data)
	}
	if err := f.store.Update(ctx, remote.Tasks, "missing", remote.Fields{"status": "done"}); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := f.store.Update(ctx, remote.Tasks, id, remote.Fields{"projectId": "p2"}); !errors.Is(err, remote.ErrConflict) {
		t.Fatalf("expected ErrConflict when moving partitions, got %v", err)
	}
}

func TestUpdateTransformRetriesOnETagConflict(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	id, _ := f.store.Create(ctx, remote.Projects, remote.Fields{"teamId": "t1", "taskIds": []string{"a"}})
	f.projects.beforeUpdate = func() {
		// A concurrent writer appends between read and write.
		f.projects.mu.Lock()
		defer f.projects.mu.Unlock()
		_ = f.projects.merge(map[string]any{"taskIds": `["a","b"]`}, rowKey("t1", id), nil)
	}
	if err := f.store.Update(ctx, remote.Projects, id, remote.Fields{"taskIds": remote.ArrayUnion("c")}); err != nil {
		t.Fatalf("update: %v", err)
	}
	doc, _ := f.store.Get(ctx, remote.Projects, id)
	if !reflect.DeepEqual(doc.Data["taskIds"], []any{"a", "b", "c"}) {
		t.Fatalf("concurrent append lost: %v", doc.Data["taskIds"])
	}
}

func TestUpdateClassifiesErrors(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	id, _ := f.store.Create(ctx, remote.Tasks, remote.Fields{"projectId": "p1"})
	f.tasks.writeErr = &azcore.ResponseError{StatusCode: 403}
	if err := f.store.Update(ctx, remote.Tasks, id, remote.Fields{"status": "done"}); !errors.Is(err, remote.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	id, _ := f.store.Create(ctx, remote.Tasks, remote.Fields{"projectId": "p1"})
	if err := f.store.Delete(ctx, remote.Tasks, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := f.store.Delete(ctx, remote.Tasks, id); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestTransactionSamePartition(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a, _ := f.store.Create(ctx, remote.Tasks, remote.Fields{"projectId": "p1", "status": "todo"})
	b, _ := f.store.Create(ctx, remote.Tasks, remote.Fields{"projectId": "p1", "status": "todo"})
	newID := remote.NewID()
	err := f.store.Transaction(ctx, []remote.Op{
		remote.UpdateOp(remote.Tasks, a, remote.Fields{"status": "done"}),
		remote.DeleteOp(remote.Tasks, b),
		remote.CreateOp(remote.Tasks, newID, remote.Fields{"projectId": "p1", "status": "todo"}),
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	docs, _ := f.store.List(ctx, remote.Tasks)
	if len(docs) != 2 {
		t.Fatalf("expected 2 docs, got %d", len(docs))
	}
	doc, _ := f.store.Get(ctx, remote.Tasks, a)
	if doc.Data["status"] != "done" {
		t.Fatalf("update not applied: %v", doc.Data)
	}
}

func TestTransactionAllOrNothing(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a, _ := f.store.Create(ctx, remote.Tasks, remote.Fields{"projectId": "p1", "status": "todo"})
	err := f.store.Transaction(ctx, []remote.Op{
		remote.UpdateOp(remote.Tasks, a, remote.Fields{"status": "done"}),
		remote.CreateOp(remote.Tasks, a, remote.Fields{"projectId": "p1"}),
	})
	if !errors.Is(err, remote.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	doc, _ := f.store.Get(ctx, remote.Tasks, a)
	if doc.Data["status"] != "todo" {
		t.Fatalf("partial transaction applied: %v", doc.Data)
	}
}

func TestTransactionUnsupported(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	task, _ := f.store.Create(ctx, remote.Tasks, remote.Fields{"projectId": "p1"})
	project, _ := f.store.Create(ctx, remote.Projects, remote.Fields{"teamId": "t1"})
	other, _ := f.store.Create(ctx, remote.Tasks, remote.Fields{"projectId": "p2"})

	cases := []struct {
		name string
		ops  []remote.Op
	}{
		{"cross collection", []remote.Op{
			remote.UpdateOp(remote.Projects, project, remote.Fields{"taskIds": remote.ArrayRemove(task)}),
			remote.DeleteOp(remote.Tasks, task),
		}},
		{"cross partition", []remote.Op{
			remote.DeleteOp(remote.Tasks, task),
			remote.DeleteOp(remote.Tasks, other),
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := f.store.Transaction(ctx, tc.ops); !errors.Is(err, remote.ErrTransactionUnsupported) {
				t.Fatalf("expected ErrTransactionUnsupported, got %v", err)
			}
		})
	}
	if len(f.tasks.rows) != 2 {
		t.Fatalf("unsupported transaction wrote: %d rows", len(f.tasks.rows))
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"not found", &azcore.ResponseError{StatusCode: 404}, remote.ErrNotFound},
		{"unauthorized", &azcore.ResponseError{StatusCode: 401}, remote.ErrPermissionDenied},
		{"forbidden", &azcore.ResponseError{StatusCode: 403}, remote.ErrPermissionDenied},
		{"conflict", &azcore.ResponseError{StatusCode: 409}, remote.ErrConflict},
		{"precondition", &azcore.ResponseError{StatusCode: 412}, remote.ErrConflict},
		{"throttled", &azcore.ResponseError{StatusCode: 429}, remote.ErrUnavailable},
		{"server", &azcore.ResponseError{StatusCode: 503}, remote.ErrUnavailable},
		{"transport", &net.OpError{Op: "dial", Err: errors.New("refused")}, remote.ErrUnavailable},
		{"canceled", context.Canceled, context.Canceled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(tc.err)
			if !errors.Is(got, tc.want) {
				t.Fatalf("classify(%v) = %v, want %v", tc.err, got, tc.want)
			}
			if !errors.Is(got, tc.err) {
				t.Fatalf("original error dropped from chain: %v", got)
			}
		})
	}
}

func TestODataFilter(t *testing.T) {
	got := odataFilter([]remote.Filter{remote.Eq("teamId", "t1"), remote.Eq("createdBy", "o'hara")})
	want := "createdBy eq 'o''hara' and teamId eq 't1'"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if odataFilter(nil) != "" {
		t.Fatalf("expected empty filter")
	}
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return rc
}

func TestListUsesCacheUntilWrite(t *testing.T) {
	rc := newRedis(t)
	f := newFixture(WithCache(NewCache(rc, "test", time.Minute)))
	ctx := context.Background()
	id, _ := f.store.Create(ctx, remote.Tasks, remote.Fields{"projectId": "p1", "status": "todo"})

	for i := 0; i < 2; i++ {
		docs, err := f.store.List(ctx, remote.Tasks, remote.Eq("projectId", "p1"))
		if err != nil || len(docs) != 1 {
			t.Fatalf("list: %d %v", len(docs), err)
		}
	}
	// locate during Create does not query; both lists share one fetch.
	if n := f.tasks.listCalls(); n != 1 {
		t.Fatalf("expected one table query, got %d", n)
	}
	if err := f.store.Update(ctx, remote.Tasks, id, remote.Fields{"status": "done"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	before := f.tasks.listCalls()
	docs, _ := f.store.List(ctx, remote.Tasks, remote.Eq("projectId", "p1"))
	if f.tasks.listCalls() != before+1 {
		t.Fatalf("expected cache miss after write")
	}
	if docs[0].Data["status"] != "done" {
		t.Fatalf("stale cached result: %v", docs[0].Data)
	}
}

func TestCacheFallsBackWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rc.Close()
	f := newFixture(WithCache(NewCache(rc, "test", time.Minute)))
	ctx := context.Background()
	mr.Close()
	if _, err := f.store.Create(ctx, remote.Tasks, remote.Fields{"projectId": "p1"}); err != nil {
		t.Fatalf("create should not fail on cache errors: %v", err)
	}
	docs, err := f.store.List(ctx, remote.Tasks)
	if err != nil || len(docs) != 1 {
		t.Fatalf("list should bypass broken cache: %d %v", len(docs), err)
	}
}

func nextSnapshot(t *testing.T, sub remote.Subscription) []remote.Document {
	t.Helper()
	select {
	case docs, ok := <-sub.Snapshots():
		if !ok {
			t.Fatalf("subscription closed: %v", sub.Err())
		}
		return docs
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for snapshot")
	}
	return nil
}

func TestSubscribeRefetchesOnNotice(t *testing.T) {
	rc := newRedis(t)
	f := newFixture(WithNotifier(NewNotifier(rc, "test")), WithPollInterval(0))
	ctx := context.Background()
	if _, err := f.store.Create(ctx, remote.Tasks, remote.Fields{"projectId": "p1", "title": "a"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	sub, err := f.store.Subscribe(ctx, remote.Tasks, remote.Eq("projectId", "p1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	if docs := nextSnapshot(t, sub); len(docs) != 1 {
		t.Fatalf("expected initial snapshot with 1 doc, got %d", len(docs))
	}
	if _, err := f.store.Create(ctx, remote.Tasks, remote.Fields{"projectId": "p1", "title": "b"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if docs := nextSnapshot(t, sub); len(docs) != 2 {
		t.Fatalf("expected snapshot with 2 docs, got %d", len(docs))
	}
}

func TestSubscribePollsWithoutNotifier(t *testing.T) {
	f := newFixture(WithPollInterval(10 * time.Millisecond))
	ctx := context.Background()
	sub, err := f.store.Subscribe(ctx, remote.Tasks)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	if docs := nextSnapshot(t, sub); len(docs) != 0 {
		t.Fatalf("expected empty snapshot, got %d", len(docs))
	}
	if _, err := f.store.Create(ctx, remote.Tasks, remote.Fields{"projectId": "p1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if docs := nextSnapshot(t, sub); len(docs) != 1 {
		t.Fatalf("expected polled snapshot with 1 doc, got %d", len(docs))
	}
}

func TestSubscribeTerminalError(t *testing.T) {
	f := newFixture(WithPollInterval(10 * time.Millisecond))
	ctx := context.Background()
	sub, err := f.store.Subscribe(ctx, remote.Tasks)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	nextSnapshot(t, sub)
	f.tasks.mu.Lock()
	f.tasks.listErr = &azcore.ResponseError{StatusCode: 403}
	f.tasks.mu.Unlock()
	select {
	case _, ok := <-sub.Snapshots():
		if ok {
			t.Fatalf("expected channel to close")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for terminal error")
	}
	if !errors.Is(sub.Err(), remote.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", sub.Err())
	}
}

func TestSubscriptionCloseClearsError(t *testing.T) {
	f := newFixture(WithPollInterval(0))
	sub, err := f.store.Subscribe(context.Background(), remote.Tasks)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	nextSnapshot(t, sub)
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-sub.Snapshots(); ok {
		t.Fatalf("expected closed channel")
	}
	if sub.Err() != nil {
		t.Fatalf("expected nil error after close, got %v", sub.Err())
	}
}
