// Package storage implements the document store on Azure Table Storage, with
// Redis carrying change notices between processes and caching query results.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	log "github.com/sirupsen/logrus"

	"boardsync/remote"
)

// maxBatch is the entity group transaction limit of Azure tables.
const maxBatch = 100

// tableAPI is the part of *aztables.Client the store uses.
type tableAPI interface {
	NewListEntitiesPager(opts *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
	AddEntity(ctx context.Context, entity []byte, opts *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, opts *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	DeleteEntity(ctx context.Context, partitionKey, rowKey string, opts *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
	SubmitTransaction(ctx context.Context, actions []aztables.TransactionAction, opts *aztables.SubmitTransactionOptions) (aztables.TransactionResponse, error)
}

type table struct {
	Collection
	api tableAPI
}

// Tables is a remote.Client backed by one Azure table per collection.
type Tables struct {
	tables       map[string]table
	notifier     *Notifier
	cache        *Cache
	logger       *log.Logger
	pollInterval time.Duration
	maxRetries   int
}

type Option func(*Tables)

// WithNotifier publishes a notice after every write and drives
// subscriptions from notices instead of polling alone.
func WithNotifier(n *Notifier) Option { return func(t *Tables) { t.notifier = n } }

// WithCache caches List results until the next write to the collection.
func WithCache(c *Cache) Option { return func(t *Tables) { t.cache = c } }

func WithLogger(l *log.Logger) Option { return func(t *Tables) { t.logger = l } }

// WithPollInterval sets how often subscriptions refetch without a notice.
func WithPollInterval(d time.Duration) Option { return func(t *Tables) { t.pollInterval = d } }

// New connects to the tables of the given collections.
func New(connStr string, collections []Collection, opts ...Option) (*Tables, error) {
	clientOpts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &clientOpts)
	if err != nil {
		return nil, err
	}
	apis := make(map[string]tableAPI, len(collections))
	for _, c := range collections {
		apis[c.Name] = svc.NewClient(c.Table)
	}
	return newTables(collections, apis, opts...), nil
}

func newTables(collections []Collection, apis map[string]tableAPI, opts ...Option) *Tables {
	t := &Tables{
		tables:       make(map[string]table, len(collections)),
		logger:       log.StandardLogger(),
		pollInterval: 30 * time.Second,
		maxRetries:   5,
	}
	for _, c := range collections {
		t.tables[c.Name] = table{Collection: c, api: apis[c.Name]}
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tables) table(collection string) (table, error) {
	tb, ok := t.tables[collection]
	if !ok || tb.api == nil {
		return table{}, fmt.Errorf("unknown collection %q", collection)
	}
	return tb, nil
}

func (t *Tables) query(ctx context.Context, tb table, filter string, top int32) ([]storedEntity, error) {
	opts := &aztables.ListEntitiesOptions{}
	if filter != "" {
		opts.Filter = &filter
	}
	if top > 0 {
		opts.Top = &top
	}
	pager := tb.api.NewListEntitiesPager(opts)
	var out []storedEntity
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, classify(err)
		}
		for _, raw := range resp.Entities {
			ent, err := tb.decode(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, ent)
			if top > 0 && len(out) >= int(top) {
				return out, nil
			}
		}
	}
	return out, nil
}

// locate finds a document by id. Ids are unique across partitions, so the
// lookup filters on the row key alone.
func (t *Tables) locate(ctx context.Context, tb table, id string) (storedEntity, error) {
	ents, err := t.query(ctx, tb, "RowKey eq "+odataString(id), 1)
	if err != nil {
		return storedEntity{}, err
	}
	if len(ents) == 0 {
		return storedEntity{}, fmt.Errorf("%w: %s/%s", remote.ErrNotFound, tb.Name, id)
	}
	return ents[0], nil
}

func (t *Tables) Get(ctx context.Context, collection, id string) (remote.Document, error) {
	tb, err := t.table(collection)
	if err != nil {
		return remote.Document{}, err
	}
	ent, err := t.locate(ctx, tb, id)
	if err != nil {
		return remote.Document{}, err
	}
	return ent.Doc, nil
}

func (t *Tables) List(ctx context.Context, collection string, filters ...remote.Filter) ([]remote.Document, error) {
	tb, err := t.table(collection)
	if err != nil {
		return nil, err
	}
	filter := odataFilter(filters)
	var key string
	if t.cache != nil {
		var docs []remote.Document
		var hit bool
		key, docs, hit = t.cache.Lookup(ctx, collection, filter)
		if hit {
			return docs, nil
		}
	}
	ents, err := t.query(ctx, tb, filter, 0)
	if err != nil {
		return nil, err
	}
	docs := make([]remote.Document, 0, len(ents))
	for _, e := range ents {
		docs = append(docs, e.Doc)
	}
	if t.cache != nil && key != "" {
		t.cache.Store(ctx, key, docs)
	}
	return docs, nil
}

func (t *Tables) Create(ctx context.Context, collection string, fields remote.Fields) (string, error) {
	tb, err := t.table(collection)
	if err != nil {
		return "", err
	}
	data, err := remote.Merge(nil, fields)
	if err != nil {
		return "", err
	}
	id := remote.NewID()
	payload, err := tb.encode(id, data)
	if err != nil {
		return "", err
	}
	if _, err := tb.api.AddEntity(ctx, payload, nil); err != nil {
		return "", classify(err)
	}
	t.changed(ctx, collection)
	return id, nil
}

// Update merges fields into a document. Array transforms are applied with a
// read-modify-write guarded by the entity ETag and retried on conflict.
func (t *Tables) Update(ctx context.Context, collection, id string, fields remote.Fields) error {
	tb, err := t.table(collection)
	if err != nil {
		return err
	}
	guarded := fields.HasTransforms()
	for attempt := 1; ; attempt++ {
		cur, err := t.locate(ctx, tb, id)
		if err != nil {
			return err
		}
		payload, err := t.mergePayload(tb, cur, fields)
		if err != nil {
			return err
		}
		etag := azcore.ETagAny
		if guarded {
			etag = cur.ETag
		}
		_, err = tb.api.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeMerge})
		if err == nil {
			t.changed(ctx, collection)
			return nil
		}
		if guarded && isStatus(err, 412) && attempt < t.maxRetries {
			t.logger.WithFields(log.Fields{"collection": collection, "id": id, "attempt": attempt}).Debug("etag conflict, retrying update")
			continue
		}
		return classify(err)
	}
}

func (t *Tables) mergePayload(tb table, cur storedEntity, fields remote.Fields) ([]byte, error) {
	if v, ok := fields[tb.PartitionField]; ok {
		if s, _ := v.(string); s != cur.PartitionKey {
			return nil, fmt.Errorf("%w: %s cannot change %s", remote.ErrConflict, tb.Name, tb.PartitionField)
		}
	}
	merged, err := remote.Merge(cur.Doc.Data, fields)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k != "id" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return tb.encodeFields(cur.PartitionKey, cur.Doc.ID, merged, keys)
}

func (t *Tables) Delete(ctx context.Context, collection, id string) error {
	tb, err := t.table(collection)
	if err != nil {
		return err
	}
	cur, err := t.locate(ctx, tb, id)
	if err != nil {
		return err
	}
	if _, err := tb.api.DeleteEntity(ctx, cur.PartitionKey, id, nil); err != nil {
		return classify(err)
	}
	t.changed(ctx, collection)
	return nil
}

// Transaction submits ops as one entity group transaction. Azure only allows
// that within a single table partition; anything wider returns
// remote.ErrTransactionUnsupported before touching the store.
func (t *Tables) Transaction(ctx context.Context, ops []remote.Op) error {
	if len(ops) == 0 {
		return nil
	}
	if len(ops) > maxBatch {
		return remote.ErrTransactionUnsupported
	}
	collection := ops[0].Collection
	for _, op := range ops[1:] {
		if op.Collection != collection {
			return remote.ErrTransactionUnsupported
		}
	}
	tb, err := t.table(collection)
	if err != nil {
		return err
	}

	actions := make([]aztables.TransactionAction, 0, len(ops))
	pk := ""
	for _, op := range ops {
		action, opPK, err := t.action(ctx, tb, op)
		if err != nil {
			return err
		}
		if pk == "" {
			pk = opPK
		} else if opPK != pk {
			return remote.ErrTransactionUnsupported
		}
		actions = append(actions, action)
	}
	if _, err := tb.api.SubmitTransaction(ctx, actions, nil); err != nil {
		return classify(err)
	}
	t.changed(ctx, collection)
	return nil
}

func (t *Tables) action(ctx context.Context, tb table, op remote.Op) (aztables.TransactionAction, string, error) {
	switch op.Kind {
	case remote.OpCreate:
		data, err := remote.Merge(nil, op.Fields)
		if err != nil {
			return aztables.TransactionAction{}, "", err
		}
		payload, err := tb.encode(op.ID, data)
		if err != nil {
			return aztables.TransactionAction{}, "", err
		}
		return aztables.TransactionAction{ActionType: aztables.TransactionTypeAdd, Entity: payload}, tb.partition(data), nil
	case remote.OpUpdate:
		cur, err := t.locate(ctx, tb, op.ID)
		if err != nil {
			return aztables.TransactionAction{}, "", err
		}
		payload, err := t.mergePayload(tb, cur, op.Fields)
		if err != nil {
			return aztables.TransactionAction{}, "", err
		}
		etag := cur.ETag
		return aztables.TransactionAction{ActionType: aztables.TransactionTypeUpdateMerge, Entity: payload, IfMatch: &etag}, cur.PartitionKey, nil
	case remote.OpDelete:
		cur, err := t.locate(ctx, tb, op.ID)
		if err != nil {
			return aztables.TransactionAction{}, "", err
		}
		payload, err := json.Marshal(map[string]string{"PartitionKey": cur.PartitionKey, "RowKey": op.ID})
		if err != nil {
			return aztables.TransactionAction{}, "", err
		}
		etag := azcore.ETagAny
		return aztables.TransactionAction{ActionType: aztables.TransactionTypeDelete, Entity: payload, IfMatch: &etag}, cur.PartitionKey, nil
	}
	return aztables.TransactionAction{}, "", fmt.Errorf("unsupported op %s", op.Kind)
}

// changed invalidates cached queries and tells subscribers about a write.
// Failures are logged; the write itself already succeeded.
func (t *Tables) changed(ctx context.Context, collection string) {
	if t.cache != nil {
		if err := t.cache.Invalidate(ctx, collection); err != nil {
			t.logger.WithField("collection", collection).WithError(err).Error("invalidate query cache")
		}
	}
	if t.notifier != nil {
		if err := t.notifier.Publish(ctx, collection); err != nil {
			t.logger.WithField("collection", collection).WithError(err).Error("publish change notice")
		}
	}
}
