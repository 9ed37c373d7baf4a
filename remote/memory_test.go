package remote

import (
	"context"
	"errors"
	"testing"
	"time"
)

func waitSnapshot(t *testing.T, sub Subscription) []Document {
	t.Helper()
	select {
	case snap, ok := <-sub.Snapshots():
		if !ok {
			t.Fatalf("subscription closed: %v", sub.Err())
		}
		return snap
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered")
	}
	return nil
}

func TestMemoryCRUD(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	id, err := m.Create(ctx, Tasks, Fields{"title": "a", "projectId": "p1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Update(ctx, Tasks, id, Fields{"title": "b", "id": "ignored"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	doc, err := m.Get(ctx, Tasks, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.ID != id || doc.Data["title"] != "b" || doc.Data["projectId"] != "p1" {
		t.Fatalf("unexpected document: %#v", doc)
	}
	if _, ok := doc.Data["id"]; ok {
		t.Fatal("id must not be stored in data")
	}
	if err := m.Delete(ctx, Tasks, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.Get(ctx, Tasks, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := m.Update(ctx, Tasks, id, Fields{"title": "c"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on update, got %v", err)
	}
	if err := m.Delete(ctx, Tasks, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on delete, got %v", err)
	}
}

func TestMemoryListFiltersInCreationOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	var want []string
	for _, p := range []string{"p1", "p2", "p1", "p1"} {
		id, err := m.Create(ctx, Tasks, Fields{"projectId": p})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if p == "p1" {
			want = append(want, id)
		}
	}
	docs, err := m.List(ctx, Tasks, Eq("projectId", "p1"))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != len(want) {
		t.Fatalf("expected %d docs, got %d", len(want), len(docs))
	}
	for i, d := range docs {
		if d.ID != want[i] {
			t.Fatalf("doc %d: expected %s, got %s", i, want[i], d.ID)
		}
	}
}

func TestMemoryArrayTransforms(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	id, err := m.Create(ctx, Projects, Fields{"taskIds": []string{"a"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Update(ctx, Projects, id, Fields{"taskIds": ArrayUnion("b", "a", "c")}); err != nil {
		t.Fatalf("union: %v", err)
	}
	if err := m.Update(ctx, Projects, id, Fields{"taskIds": ArrayRemove("a")}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	doc, _ := m.Get(ctx, Projects, id)
	var p struct {
		TaskIDs []string `json:"taskIds"`
	}
	if err := doc.Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(p.TaskIDs) != 2 || p.TaskIDs[0] != "b" || p.TaskIDs[1] != "c" {
		t.Fatalf("unexpected taskIds: %v", p.TaskIDs)
	}
}

func TestMemoryTransactionAllOrNothing(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	pid, _ := m.Create(ctx, Projects, Fields{"taskIds": []string{"t1"}})
	tid, _ := m.Create(ctx, Tasks, Fields{"projectId": pid})

	err := m.Transaction(ctx, []Op{
		UpdateOp(Projects, pid, Fields{"taskIds": ArrayRemove(tid)}),
		DeleteOp(Tasks, "missing"),
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	doc, _ := m.Get(ctx, Projects, pid)
	if ids := toStrings(doc.Data["taskIds"]); len(ids) != 1 {
		t.Fatalf("failed transaction leaked a write: %v", ids)
	}

	if err := m.Transaction(ctx, []Op{
		UpdateOp(Projects, pid, Fields{"taskIds": ArrayRemove("t1")}),
		DeleteOp(Tasks, tid),
	}); err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if _, err := m.Get(ctx, Tasks, tid); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected task deleted, got %v", err)
	}

	m.SetTransactionsSupported(false)
	if err := m.Transaction(ctx, nil); !errors.Is(err, ErrTransactionUnsupported) {
		t.Fatalf("expected ErrTransactionUnsupported, got %v", err)
	}
}

func TestMemoryFailNext(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.FailNext(OpNameCreate, Projects, ErrUnavailable)
	if _, err := m.Create(ctx, Tasks, Fields{}); err != nil {
		t.Fatalf("fault on other collection fired: %v", err)
	}
	if _, err := m.Create(ctx, Projects, Fields{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := m.Create(ctx, Projects, Fields{}); err != nil {
		t.Fatalf("fault fired twice: %v", err)
	}
	if got := m.Calls(OpNameCreate); got != 3 {
		t.Fatalf("expected 3 create calls, got %d", got)
	}
}

func TestMemorySubscribeDeliversFullSnapshots(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if _, err := m.Create(ctx, Tasks, Fields{"projectId": "p1", "title": "a"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	sub, err := m.Subscribe(ctx, Tasks, Eq("projectId", "p1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if snap := waitSnapshot(t, sub); len(snap) != 1 {
		t.Fatalf("expected initial snapshot of 1, got %d", len(snap))
	}
	if _, err := m.Create(ctx, Tasks, Fields{"projectId": "p2"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Create(ctx, Tasks, Fields{"projectId": "p1", "title": "b"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	deadline := time.After(time.Second)
	for {
		select {
		case snap := <-sub.Snapshots():
			if len(snap) == 2 {
				return
			}
		case <-deadline:
			t.Fatal("snapshot with both p1 tasks never arrived")
		}
	}
}

func TestMemoryDisconnectIsTerminal(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	sub, err := m.Subscribe(ctx, Tasks)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitSnapshot(t, sub)
	m.Disconnect(ErrPermissionDenied)
	select {
	case _, ok := <-sub.Snapshots():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("snapshots channel not closed")
	}
	if !errors.Is(sub.Err(), ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", sub.Err())
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("close after terminate: %v", err)
	}
}

func TestMemorySubscriptionClosesWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMemory()
	sub, err := m.Subscribe(ctx, Tasks)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.Snapshots():
			if !ok {
				if sub.Err() != nil {
					t.Fatalf("expected nil error after cancel, got %v", sub.Err())
				}
				return
			}
		case <-deadline:
			t.Fatal("subscription did not stop")
		}
	}
}
