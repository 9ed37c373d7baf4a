// Package telemetry decorates the document store client with a span and a
// metrics log line per operation.
package telemetry

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"boardsync/remote"
)

const (
	tracerName  = "boardsync/remote"
	metricsLine = "remote.op.metrics"
)

// Client wraps a remote.Client.
type Client struct {
	next   remote.Client
	logger *log.Logger
	tracer trace.Tracer
}

// Wrap returns next instrumented with the global tracer provider.
func Wrap(next remote.Client, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Client{next: next, logger: logger, tracer: otel.GetTracerProvider().Tracer(tracerName)}
}

type opMetrics struct {
	c          *Client
	span       trace.Span
	start      time.Time
	op         string
	collection string
	documents  int
}

func (c *Client) begin(ctx context.Context, op, collection string, attrs ...attribute.KeyValue) (context.Context, *opMetrics) {
	attrs = append(attrs,
		attribute.String("db.system", "boardsync"),
		attribute.String("db.operation", op),
		attribute.String("db.collection", collection),
	)
	ctx, span := c.tracer.Start(ctx, "remote."+op, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
	return ctx, &opMetrics{c: c, span: span, start: time.Now(), op: op, collection: collection, documents: -1}
}

func (m *opMetrics) end(err error) {
	elapsed := durationToMillis(time.Since(m.start))
	fields := log.Fields{
		"op":          m.op,
		"collection":  m.collection,
		"duration_ms": elapsed,
	}
	if m.documents >= 0 {
		fields["documents"] = m.documents
		m.span.SetAttributes(attribute.Int("boardsync.remote.documents", m.documents))
	}
	if sc := m.span.SpanContext(); sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
	}
	switch {
	case err == nil:
		m.span.SetStatus(codes.Ok, "")
		m.c.logger.WithFields(fields).Debug(metricsLine)
	case expected(err):
		fields["error"] = err.Error()
		m.span.SetStatus(codes.Error, err.Error())
		m.c.logger.WithFields(fields).Info(metricsLine)
	default:
		fields["error"] = err.Error()
		m.span.RecordError(err)
		m.span.SetStatus(codes.Error, err.Error())
		m.c.logger.WithFields(fields).Warn(metricsLine)
	}
	m.span.SetAttributes(attribute.Float64("boardsync.remote.duration_ms", elapsed))
	m.span.End()
}

// expected reports errors callers routinely handle, such as a missing
// document during an idempotent delete.
func expected(err error) bool {
	return errors.Is(err, remote.ErrNotFound) || errors.Is(err, remote.ErrTransactionUnsupported)
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

func (c *Client) Get(ctx context.Context, collection, id string) (remote.Document, error) {
	ctx, m := c.begin(ctx, remote.OpNameGet, collection, attribute.String("db.document_id", id))
	doc, err := c.next.Get(ctx, collection, id)
	m.end(err)
	return doc, err
}

func (c *Client) List(ctx context.Context, collection string, filters ...remote.Filter) ([]remote.Document, error) {
	ctx, m := c.begin(ctx, remote.OpNameList, collection, attribute.Int("db.filters", len(filters)))
	docs, err := c.next.List(ctx, collection, filters...)
	if err == nil {
		m.documents = len(docs)
	}
	m.end(err)
	return docs, err
}

func (c *Client) Create(ctx context.Context, collection string, fields remote.Fields) (string, error) {
	ctx, m := c.begin(ctx, remote.OpNameCreate, collection)
	id, err := c.next.Create(ctx, collection, fields)
	if err == nil {
		m.span.SetAttributes(attribute.String("db.document_id", id))
	}
	m.end(err)
	return id, err
}

func (c *Client) Update(ctx context.Context, collection, id string, fields remote.Fields) error {
	ctx, m := c.begin(ctx, remote.OpNameUpdate, collection, attribute.String("db.document_id", id))
	err := c.next.Update(ctx, collection, id, fields)
	m.end(err)
	return err
}

func (c *Client) Delete(ctx context.Context, collection, id string) error {
	ctx, m := c.begin(ctx, remote.OpNameDelete, collection, attribute.String("db.document_id", id))
	err := c.next.Delete(ctx, collection, id)
	m.end(err)
	return err
}

func (c *Client) Transaction(ctx context.Context, ops []remote.Op) error {
	collection := ""
	if len(ops) > 0 {
		collection = ops[0].Collection
	}
	ctx, m := c.begin(ctx, remote.OpNameTransaction, collection, attribute.Int("db.ops", len(ops)))
	err := c.next.Transaction(ctx, ops)
	m.end(err)
	return err
}

// Subscribe traces opening the subscription; deliveries are not traced.
func (c *Client) Subscribe(ctx context.Context, collection string, filters ...remote.Filter) (remote.Subscription, error) {
	// The subscription outlives the span, so it keeps the caller's ctx.
	_, m := c.begin(ctx, remote.OpNameSubscribe, collection, attribute.Int("db.filters", len(filters)))
	sub, err := c.next.Subscribe(ctx, collection, filters...)
	m.end(err)
	return sub, err
}
