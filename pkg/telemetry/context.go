package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry combines logging, tracing and metrics for a run.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown writes the metrics textfile and flushes pending spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Metrics.WriteTextfile(); err != nil {
		return err
	}
	return t.Tracer.Shutdown(ctx)
}

// StartMetricsServer starts the metrics HTTP listener if one is configured.
func (t *Telemetry) StartMetricsServer(ctx context.Context) error {
	return t.Metrics.StartMetricsServer(ctx, t.Logger.NewComponentLogger("metrics"))
}

type scopeKind int

const (
	scopeRun scopeKind = iota
	scopeSite
	scopeAction
)

// Scope is an instrumented unit of work: a run, a site pipeline or a single
// action. End must be called exactly once.
type Scope struct {
	Logger *Logger

	tel   *Telemetry
	span  trace.Span
	timer *Timer
	kind  scopeKind
	label string
}

func start(ctx context.Context, kind scopeKind, label string, logger func(*Logger) *Logger,
	span func(*Tracer, context.Context) (context.Context, trace.Span)) (context.Context, *Scope) {
	tel := FromTelemetryContext(ctx)
	s := &Scope{timer: NewTimer(), kind: kind, label: label, tel: tel}
	if tel == nil {
		s.Logger = logger(FromContext(ctx))
		return s.Logger.WithContext(ctx), s
	}

	ctx, s.span = span(tel.Tracer, ctx)
	s.Logger = logger(FromContext(ctx))
	if id := TraceID(ctx); id != "" {
		s.Logger = s.Logger.WithField("trace_id", id)
	}
	return s.Logger.WithContext(ctx), s
}

// StartRun opens the scope of a provisioning run.
func StartRun(ctx context.Context, runID string) (context.Context, *Scope) {
	return start(ctx, scopeRun, "",
		func(l *Logger) *Logger { return l.WithRunID(runID) },
		func(t *Tracer, ctx context.Context) (context.Context, trace.Span) { return t.StartRunSpan(ctx, runID) },
	)
}

// StartSite opens the scope of one site pipeline. The framework label is
// used for the duration histogram.
func StartSite(ctx context.Context, siteID, host, framework string) (context.Context, *Scope) {
	return start(ctx, scopeSite, framework,
		func(l *Logger) *Logger { return l.WithSite(siteID, host) },
		func(t *Tracer, ctx context.Context) (context.Context, trace.Span) {
			return t.StartSiteSpan(ctx, siteID, host)
		},
	)
}

// StartAction opens the scope of a single action of the given kind.
func StartAction(ctx context.Context, name, kind string) (context.Context, *Scope) {
	return start(ctx, scopeAction, kind,
		func(l *Logger) *Logger { return l.WithAction(name) },
		func(t *Tracer, ctx context.Context) (context.Context, trace.Span) {
			return t.StartActionSpan(ctx, name, kind)
		},
	)
}

// SetAttributes attaches attributes to the scope's span, if any.
func (s *Scope) SetAttributes(attrs ...attribute.KeyValue) {
	if s.span != nil {
		s.span.SetAttributes(attrs...)
	}
}

// End closes the scope with the given status label and returns its duration.
func (s *Scope) End(status string, err error) time.Duration {
	duration := s.timer.Duration()
	class, classified := errorClassOf(err)

	if s.span != nil {
		if err != nil {
			s.span.SetAttributes(AttrErrorClass.String(class))
			RecordError(s.span, err)
		} else {
			RecordSuccess(s.span)
		}
		s.span.End()
	}

	if s.tel == nil {
		return duration
	}
	switch s.kind {
	case scopeRun:
		s.tel.Metrics.RecordRunCompleted(status, duration)
	case scopeSite:
		s.tel.Metrics.RecordSite(s.label, status, duration)
	case scopeAction:
		s.tel.Metrics.RecordAction(s.label, status, duration)
		// Errors are counted once, where they occur.
		if classified {
			s.tel.Metrics.RecordError(class)
		}
	}
	return duration
}

// classified is implemented by errors that carry a class label.
type classified interface {
	ErrorClass() string
}

func errorClassOf(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	var c classified
	if errors.As(err, &c) {
		return c.ErrorClass(), true
	}
	return "unclassified", true
}
