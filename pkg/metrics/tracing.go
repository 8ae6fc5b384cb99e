package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Tracer opens spans around handshakes and frame crypto. OTelTracer exports
// them through OpenTelemetry; SimpleTracer keeps them in memory.
type Tracer interface {
	// StartSpan opens name under any span already in ctx. The returned
	// SpanEnder must be called exactly once.
	StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, SpanEnder)
}

// SpanEnder closes a span; a non-nil error marks it failed.
type SpanEnder func(err error)

// SpanOption configures a span at start.
type SpanOption func(*spanConfig)

type spanConfig struct {
	kind       SpanKind
	attributes map[string]interface{}
}

func newSpanConfig(opts []SpanOption) *spanConfig {
	cfg := &spanConfig{kind: SpanKindInternal, attributes: make(map[string]interface{})}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// SpanKind says which side of an exchange a span covers.
type SpanKind int

const (
	SpanKindInternal SpanKind = iota
	SpanKindServer
	SpanKindClient
)

func (k SpanKind) String() string {
	switch k {
	case SpanKindServer:
		return "server"
	case SpanKindClient:
		return "client"
	default:
		return "internal"
	}
}

// Span names.
const (
	SpanHandshakeClient = "sealtunnel.handshake.client"
	SpanHandshakeServer = "sealtunnel.handshake.server"
	SpanEncrypt         = "sealtunnel.frame.seal"
	SpanDecrypt         = "sealtunnel.frame.open"
)

// Attribute keys attached by TunnelObserver.
const (
	AttrRole       = "sealtunnel.role"
	AttrFrameBytes = "sealtunnel.frame.bytes"
)

// WithSpanKind sets the span kind.
func WithSpanKind(kind SpanKind) SpanOption {
	return func(c *spanConfig) { c.kind = kind }
}

// WithAttributes merges attrs into the span's attributes.
func WithAttributes(attrs map[string]interface{}) SpanOption {
	return func(c *spanConfig) {
		for k, v := range attrs {
			c.attributes[k] = v
		}
	}
}

// WithAttribute sets a single attribute.
func WithAttribute(key string, value interface{}) SpanOption {
	return func(c *spanConfig) { c.attributes[key] = value }
}

// NoOpTracer discards spans. It is the global tracer until SetTracer is
// called.
type NoOpTracer struct{}

func (NoOpTracer) StartSpan(ctx context.Context, _ string, _ ...SpanOption) (context.Context, SpanEnder) {
	return ctx, func(error) {}
}

// RecordedSpan is a span finished under a SimpleTracer.
type RecordedSpan struct {
	Name       string
	Kind       SpanKind
	TraceID    string
	SpanID     string
	ParentID   string
	Start      time.Time
	Duration   time.Duration
	Attributes map[string]interface{}
	Err        error
}

// SimpleTracer records finished spans in memory, in the order they end.
// Tests and the --tracing=simple mode of the binary use it.
type SimpleTracer struct {
	mu    sync.Mutex
	spans []RecordedSpan
}

// NewSimpleTracer creates an empty SimpleTracer.
func NewSimpleTracer() *SimpleTracer {
	return &SimpleTracer{}
}

type openSpanKey struct{}

// StartSpan opens a span. A span already in ctx becomes its parent and
// lends it its trace ID.
func (t *SimpleTracer) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, SpanEnder) {
	cfg := newSpanConfig(opts)
	span := &RecordedSpan{
		Name:       name,
		Kind:       cfg.kind,
		TraceID:    uuid.NewString(),
		SpanID:     uuid.NewString(),
		Start:      time.Now(),
		Attributes: cfg.attributes,
	}
	if parent, ok := ctx.Value(openSpanKey{}).(*RecordedSpan); ok {
		span.TraceID = parent.TraceID
		span.ParentID = parent.SpanID
	}

	var once sync.Once
	return context.WithValue(ctx, openSpanKey{}, span), func(err error) {
		once.Do(func() {
			span.Duration = time.Since(span.Start)
			span.Err = err
			t.mu.Lock()
			t.spans = append(t.spans, *span)
			t.mu.Unlock()
		})
	}
}

// Spans returns a copy of the finished spans.
func (t *SimpleTracer) Spans() []RecordedSpan {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]RecordedSpan(nil), t.spans...)
}

// SpansNamed returns the finished spans called name.
func (t *SimpleTracer) SpansNamed(name string) []RecordedSpan {
	var out []RecordedSpan
	for _, s := range t.Spans() {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

// Reset drops every finished span.
func (t *SimpleTracer) Reset() {
	t.mu.Lock()
	t.spans = nil
	t.mu.Unlock()
}

var (
	globalTracerMu sync.RWMutex
	globalTracer   Tracer = NoOpTracer{}
)

// SetTracer replaces the global tracer. A nil tracer restores NoOpTracer.
func SetTracer(t Tracer) {
	if t == nil {
		t = NoOpTracer{}
	}
	globalTracerMu.Lock()
	globalTracer = t
	globalTracerMu.Unlock()
}

// GetTracer returns the global tracer.
func GetTracer() Tracer {
	globalTracerMu.RLock()
	defer globalTracerMu.RUnlock()
	return globalTracer
}

// StartSpan opens a span on the global tracer.
func StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, SpanEnder) {
	return GetTracer().StartSpan(ctx, name, opts...)
}
