package remote

import (
	"context"
	"sync"
)

// Operation names used for call counting and fault injection on Memory.
const (
	OpNameGet         = "get"
	OpNameList        = "list"
	OpNameCreate      = "create"
	OpNameUpdate      = "update"
	OpNameDelete      = "delete"
	OpNameTransaction = "transaction"
	OpNameSubscribe   = "subscribe"
)

type fault struct {
	op         string
	collection string
	err        error
}

type memCollection struct {
	docs  map[string]map[string]any
	order []string
}

func (c *memCollection) clone() *memCollection {
	out := &memCollection{docs: make(map[string]map[string]any, len(c.docs)), order: append([]string(nil), c.order...)}
	for id, d := range c.docs {
		out.docs[id] = d
	}
	return out
}

func (c *memCollection) remove(id string) {
	delete(c.docs, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i:i], c.order[i+1:]...)
			return
		}
	}
}

// Memory is an in-process Client. Documents are listed in creation order,
// subscriptions are pushed on every committed write, and faults can be queued
// per operation to simulate a misbehaving store.
type Memory struct {
	mu           sync.Mutex
	collections  map[string]*memCollection
	subs         map[*memSubscription]struct{}
	faults       []fault
	calls        map[string]int
	transactions bool
}

// NewMemory returns an empty store with transaction support enabled.
func NewMemory() *Memory {
	return &Memory{
		collections:  make(map[string]*memCollection),
		subs:         make(map[*memSubscription]struct{}),
		calls:        make(map[string]int),
		transactions: true,
	}
}

// SetTransactionsSupported toggles Transaction; when disabled it fails with
// ErrTransactionUnsupported.
func (m *Memory) SetTransactionsSupported(ok bool) {
	m.mu.Lock()
	m.transactions = ok
	m.mu.Unlock()
}

// FailNext makes the next call of op on collection fail with err. An empty
// collection matches any collection.
func (m *Memory) FailNext(op, collection string, err error) {
	m.mu.Lock()
	m.faults = append(m.faults, fault{op: op, collection: collection, err: err})
	m.mu.Unlock()
}

// Calls returns how many times op was invoked, failed calls included.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Writes returns the number of create, update, delete and transaction calls.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[OpNameCreate] + m.calls[OpNameUpdate] + m.calls[OpNameDelete] + m.calls[OpNameTransaction]
}

// Disconnect terminates every live subscription with err.
func (m *Memory) Disconnect(err error) {
	m.mu.Lock()
	subs := make([]*memSubscription, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()
	for _, s := range subs {
		s.terminate(err)
	}
}

// begin records the call and pops a matching fault. Callers hold m.mu.
func (m *Memory) begin(op, collection string) error {
	m.calls[op]++
	for i, f := range m.faults {
		if f.op == op && (f.collection == "" || f.collection == collection) {
			m.faults = append(m.faults[:i:i], m.faults[i+1:]...)
			return f.err
		}
	}
	return nil
}

func (m *Memory) collection(name string) *memCollection {
	c, ok := m.collections[name]
	if !ok {
		c = &memCollection{docs: make(map[string]map[string]any)}
		m.collections[name] = c
	}
	return c
}

func (m *Memory) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpNameGet, collection); err != nil {
		return Document{}, err
	}
	data, ok := m.collection(collection).docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return Document{ID: id, Data: copyData(data)}, nil
}

func (m *Memory) List(ctx context.Context, collection string, filters ...Filter) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpNameList, collection); err != nil {
		return nil, err
	}
	return m.query(collection, filters), nil
}

func (m *Memory) query(collection string, filters []Filter) []Document {
	c := m.collection(collection)
	out := []Document{}
	for _, id := range c.order {
		data := c.docs[id]
		if Matches(data, filters) {
			out = append(out, Document{ID: id, Data: copyData(data)})
		}
	}
	return out
}

func (m *Memory) Create(ctx context.Context, collection string, fields Fields) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpNameCreate, collection); err != nil {
		return "", err
	}
	id := NewID()
	if err := m.applyLocked(m.collections, []Op{CreateOp(collection, id, fields)}); err != nil {
		return "", err
	}
	m.notifyLocked(collection)
	return id, nil
}

func (m *Memory) Update(ctx context.Context, collection, id string, fields Fields) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpNameUpdate, collection); err != nil {
		return err
	}
	if err := m.applyLocked(m.collections, []Op{UpdateOp(collection, id, fields)}); err != nil {
		return err
	}
	m.notifyLocked(collection)
	return nil
}

func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpNameDelete, collection); err != nil {
		return err
	}
	if err := m.applyLocked(m.collections, []Op{DeleteOp(collection, id)}); err != nil {
		return err
	}
	m.notifyLocked(collection)
	return nil
}

func (m *Memory) Transaction(ctx context.Context, ops []Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	collection := ""
	if len(ops) > 0 {
		collection = ops[0].Collection
	}
	if err := m.begin(OpNameTransaction, collection); err != nil {
		return err
	}
	if !m.transactions {
		return ErrTransactionUnsupported
	}
	staged := make(map[string]*memCollection, len(m.collections))
	for name, c := range m.collections {
		staged[name] = c
	}
	touched := make(map[string]struct{})
	for _, op := range ops {
		if _, ok := touched[op.Collection]; ok {
			continue
		}
		touched[op.Collection] = struct{}{}
		if c, ok := staged[op.Collection]; ok {
			staged[op.Collection] = c.clone()
		}
	}
	if err := m.applyLocked(staged, ops); err != nil {
		return err
	}
	m.collections = staged
	for name := range touched {
		m.notifyLocked(name)
	}
	return nil
}

// applyLocked applies ops to cols in order, stopping at the first failure.
// Stored maps are replaced, never mutated, so cloned collections stay
// isolated from the committed ones.
func (m *Memory) applyLocked(cols map[string]*memCollection, ops []Op) error {
	for _, op := range ops {
		c, ok := cols[op.Collection]
		if !ok {
			c = &memCollection{docs: make(map[string]map[string]any)}
			cols[op.Collection] = c
		}
		switch op.Kind {
		case OpCreate:
			if _, exists := c.docs[op.ID]; exists {
				return ErrConflict
			}
			data, err := Merge(nil, op.Fields)
			if err != nil {
				return err
			}
			c.docs[op.ID] = data
			c.order = append(c.order, op.ID)
		case OpUpdate:
			cur, exists := c.docs[op.ID]
			if !exists {
				return ErrNotFound
			}
			data, err := Merge(cur, op.Fields)
			if err != nil {
				return err
			}
			c.docs[op.ID] = data
		case OpDelete:
			if _, exists := c.docs[op.ID]; !exists {
				return ErrNotFound
			}
			c.remove(op.ID)
		}
	}
	return nil
}

func (m *Memory) notifyLocked(collection string) {
	for s := range m.subs {
		if s.collection == collection {
			s.poke()
		}
	}
}

func (m *Memory) Subscribe(ctx context.Context, collection string, filters ...Filter) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if err := m.begin(OpNameSubscribe, collection); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	s := &memSubscription{
		store:      m,
		collection: collection,
		filters:    append([]Filter(nil), filters...),
		out:        make(chan []Document, 1),
		changed:    make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	m.subs[s] = struct{}{}
	m.mu.Unlock()

	s.changed <- struct{}{}
	go s.run(ctx)
	return s, nil
}

type memSubscription struct {
	store      *Memory
	collection string
	filters    []Filter

	out     chan []Document
	changed chan struct{}
	stop    chan struct{}
	done    chan struct{}

	mu       sync.Mutex
	err      error
	stopOnce sync.Once
}

func (s *memSubscription) poke() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

func (s *memSubscription) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.out)
	defer func() {
		s.store.mu.Lock()
		delete(s.store.subs, s)
		s.store.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-s.changed:
		}
		s.store.mu.Lock()
		snap := s.store.query(s.collection, s.filters)
		s.store.mu.Unlock()

		// Replace an undelivered snapshot: only the latest state matters.
		select {
		case <-s.out:
		default:
		}
		select {
		case s.out <- snap:
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		}
	}
}

func (s *memSubscription) terminate(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *memSubscription) Snapshots() <-chan []Document { return s.out }

func (s *memSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *memSubscription) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

func copyData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if arr, ok := v.([]any); ok {
			v = append([]any(nil), arr...)
		}
		out[k] = v
	}
	return out
}
