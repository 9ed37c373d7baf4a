package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
)

// fakeTable is an in-memory table understanding the equality filters the
// store renders.
type fakeTable struct {
	mu       sync.Mutex
	rows     map[string]map[string]any
	order    []string
	version  int
	lists    int
	listErr  error
	writeErr error
	// beforeUpdate runs once before the next UpdateEntity, outside the lock.
	beforeUpdate func()
}

func newFakeTable() *fakeTable {
	return &fakeTable{rows: map[string]map[string]any{}}
}

func rowKey(pk, rk string) string { return pk + "|" + rk }

func (f *fakeTable) nextETag() string {
	f.version++
	return fmt.Sprintf("W/\"%d\"", f.version)
}

func (f *fakeTable) listCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

func matches(row map[string]any, filter string) bool {
	if filter == "" {
		return true
	}
	for _, clause := range strings.Split(filter, " and ") {
		field, quoted, ok := strings.Cut(clause, " eq ")
		if !ok {
			return false
		}
		want := strings.ReplaceAll(strings.TrimSuffix(strings.TrimPrefix(quoted, "'"), "'"), "''", "'")
		got, _ := row[field].(string)
		if got != want {
			return false
		}
	}
	return true
}

func (f *fakeTable) NewListEntitiesPager(opts *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse] {
	filter := ""
	var top int32
	if opts != nil && opts.Filter != nil {
		filter = *opts.Filter
	}
	if opts != nil && opts.Top != nil {
		top = *opts.Top
	}
	fetched := false
	return runtime.NewPager(runtime.PagingHandler[aztables.ListEntitiesResponse]{
		More: func(aztables.ListEntitiesResponse) bool { return !fetched },
		Fetcher: func(ctx context.Context, _ *aztables.ListEntitiesResponse) (aztables.ListEntitiesResponse, error) {
			fetched = true
			f.mu.Lock()
			defer f.mu.Unlock()
			f.lists++
			if f.listErr != nil {
				return aztables.ListEntitiesResponse{}, f.listErr
			}
			var resp aztables.ListEntitiesResponse
			for _, k := range f.order {
				row := f.rows[k]
				if !matches(row, filter) {
					continue
				}
				payload, _ := json.Marshal(row)
				resp.Entities = append(resp.Entities, payload)
				if top > 0 && len(resp.Entities) >= int(top) {
					break
				}
			}
			return resp, nil
		},
	})
}

func decodeEntity(payload []byte) (map[string]any, string, error) {
	var ent map[string]any
	if err := json.Unmarshal(payload, &ent); err != nil {
		return nil, "", err
	}
	pk, _ := ent["PartitionKey"].(string)
	rk, _ := ent["RowKey"].(string)
	return ent, rowKey(pk, rk), nil
}

func (f *fakeTable) add(ent map[string]any, key string) error {
	if _, ok := f.rows[key]; ok {
		return &azcore.ResponseError{StatusCode: 409, ErrorCode: "EntityAlreadyExists"}
	}
	ent["odata.etag"] = f.nextETag()
	f.rows[key] = ent
	f.order = append(f.order, key)
	return nil
}

func (f *fakeTable) merge(ent map[string]any, key string, ifMatch *azcore.ETag) error {
	cur, ok := f.rows[key]
	if !ok {
		return &azcore.ResponseError{StatusCode: 404, ErrorCode: "ResourceNotFound"}
	}
	if ifMatch != nil && *ifMatch != azcore.ETagAny && string(*ifMatch) != cur["odata.etag"] {
		return &azcore.ResponseError{StatusCode: 412, ErrorCode: "UpdateConditionNotSatisfied"}
	}
	for k, v := range ent {
		cur[k] = v
	}
	cur["odata.etag"] = f.nextETag()
	return nil
}

func (f *fakeTable) remove(key string) error {
	if _, ok := f.rows[key]; !ok {
		return &azcore.ResponseError{StatusCode: 404, ErrorCode: "ResourceNotFound"}
	}
	delete(f.rows, key)
	for i, k := range f.order {
		if k == key {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeTable) AddEntity(ctx context.Context, payload []byte, _ *aztables.AddEntityOptions) (aztables.AddEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return aztables.AddEntityResponse{}, f.writeErr
	}
	ent, key, err := decodeEntity(payload)
	if err != nil {
		return aztables.AddEntityResponse{}, err
	}
	return aztables.AddEntityResponse{}, f.add(ent, key)
}

func (f *fakeTable) UpdateEntity(ctx context.Context, payload []byte, opts *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error) {
	f.mu.Lock()
	hook := f.beforeUpdate
	f.beforeUpdate = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return aztables.UpdateEntityResponse{}, f.writeErr
	}
	ent, key, err := decodeEntity(payload)
	if err != nil {
		return aztables.UpdateEntityResponse{}, err
	}
	var ifMatch *azcore.ETag
	if opts != nil {
		ifMatch = opts.IfMatch
	}
	return aztables.UpdateEntityResponse{}, f.merge(ent, key, ifMatch)
}

func (f *fakeTable) DeleteEntity(ctx context.Context, pk, rk string, _ *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return aztables.DeleteEntityResponse{}, f.writeErr
	}
	return aztables.DeleteEntityResponse{}, f.remove(rowKey(pk, rk))
}

func (f *fakeTable) SubmitTransaction(ctx context.Context, actions []aztables.TransactionAction, _ *aztables.SubmitTransactionOptions) (aztables.TransactionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return aztables.TransactionResponse{}, f.writeErr
	}
	rows := make(map[string]map[string]any, len(f.rows))
	for k, v := range f.rows {
		row := make(map[string]any, len(v))
		for pk, pv := range v {
			row[pk] = pv
		}
		rows[k] = row
	}
	order := append([]string(nil), f.order...)
	version := f.version
	rollback := func() {
		f.rows, f.order, f.version = rows, order, version
	}
	for _, a := range actions {
		ent, key, err := decodeEntity(a.Entity)
		if err == nil {
			switch a.ActionType {
			case aztables.TransactionTypeAdd:
				err = f.add(ent, key)
			case aztables.TransactionTypeUpdateMerge:
				err = f.merge(ent, key, a.IfMatch)
			case aztables.TransactionTypeDelete:
				err = f.remove(key)
			default:
				err = fmt.Errorf("unexpected action %s", a.ActionType)
			}
		}
		if err != nil {
			rollback()
			return aztables.TransactionResponse{}, err
		}
	}
	return aztables.TransactionResponse{}, nil
}
