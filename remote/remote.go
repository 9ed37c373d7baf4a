// Package remote defines the contract of the hosted document store the board
// engine talks to: read-once fetches, merge writes, optional multi-document
// transactions and push subscriptions that always deliver the complete
// matching result set.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Collection names used by the board engine.
const (
	Tasks    = "tasks"
	Projects = "projects"
)

var (
	ErrNotFound               = errors.New("document not found")
	ErrPermissionDenied       = errors.New("permission denied")
	ErrUnavailable            = errors.New("store unavailable")
	ErrConflict               = errors.New("write conflict")
	ErrTransactionUnsupported = errors.New("transaction not supported for these operations")
)

// Client is the capability the engine needs from the document store.
type Client interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	List(ctx context.Context, collection string, filters ...Filter) ([]Document, error)
	// Create stores a new document and returns its server-assigned id.
	Create(ctx context.Context, collection string, fields Fields) (string, error)
	// Update merges fields into an existing document.
	Update(ctx context.Context, collection, id string, fields Fields) error
	Delete(ctx context.Context, collection, id string) error
	// Transaction applies every op or none of them.
	Transaction(ctx context.Context, ops []Op) error
	// Subscribe streams the full result set matching filters on every change.
	Subscribe(ctx context.Context, collection string, filters ...Filter) (Subscription, error)
}

// Subscription is a live query. Snapshots is closed after Close or after a
// terminal error, which Err then reports.
type Subscription interface {
	Snapshots() <-chan []Document
	Err() error
	Close() error
}

// Fields is a partial document. Values must be JSON encodable; Transform
// values are applied against the stored array instead of replacing it.
type Fields map[string]any

// Document is a stored document with its id kept apart from the data.
type Document struct {
	ID   string
	Data map[string]any
}

// Decode unmarshals the document, id included, into v.
func (d Document) Decode(v any) error {
	m := make(map[string]any, len(d.Data)+1)
	for k, val := range d.Data {
		m[k] = val
	}
	m["id"] = d.ID
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}

// Filter is a field equality predicate.
type Filter struct {
	Field string
	Value string
}

func Eq(field, value string) Filter {
	return Filter{Field: field, Value: value}
}

type OpKind int

const (
	OpCreate OpKind = iota + 1
	OpUpdate
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return fmt.Sprintf("op(%d)", int(k))
}

// Op is one write inside a transaction. Creates inside a transaction carry a
// caller-chosen id from NewID.
type Op struct {
	Kind       OpKind
	Collection string
	ID         string
	Fields     Fields
}

func CreateOp(collection, id string, fields Fields) Op {
	return Op{Kind: OpCreate, Collection: collection, ID: id, Fields: fields}
}

func UpdateOp(collection, id string, fields Fields) Op {
	return Op{Kind: OpUpdate, Collection: collection, ID: id, Fields: fields}
}

func DeleteOp(collection, id string) Op {
	return Op{Kind: OpDelete, Collection: collection, ID: id}
}

// NewID returns a fresh document id.
func NewID() string {
	return uuid.NewString()
}
