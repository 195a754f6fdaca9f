package adapt

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/grimoire/internal/llm"
	"github.com/fyrsmithlabs/grimoire/internal/spell"
)

const instrumentationName = "github.com/fyrsmithlabs/grimoire/internal/adapt"

const defaultCompletionTimeout = 30 * time.Second

// Engine runs one adaptation: build the prompt, make a single bounded
// completion call, validate the response. It never retries a failed
// adaptation; retry policy belongs to the caller or the transport.
type Engine struct {
	completer   llm.Completer
	constraints *AdaptationConstraints
	timeout     time.Duration
	logger      *zap.Logger

	tracer       trace.Tracer
	meter        metric.Meter
	adaptCounter metric.Int64Counter
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithTimeout bounds a single completion call (default 30s).
func WithTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine creates an adaptation engine. A nil constraints value
// selects the defaults; per-call constraints can still override it.
func NewEngine(completer llm.Completer, constraints *AdaptationConstraints, opts ...EngineOption) *Engine {
	if constraints == nil {
		constraints = DefaultConstraints()
	}

	e := &Engine{
		completer:   completer,
		constraints: constraints,
		timeout:     defaultCompletionTimeout,
		logger:      zap.NewNop(),
		tracer:      otel.Tracer(instrumentationName),
		meter:       otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.initMetrics()
	return e
}

func (e *Engine) initMetrics() {
	var err error
	e.adaptCounter, err = e.meter.Int64Counter(
		"grimoire.adapt.patches_total",
		metric.WithDescription("Total number of patch adaptation attempts by outcome"),
		metric.WithUnit("{patch}"),
	)
	if err != nil {
		e.logger.Warn("failed to create adaptation counter", zap.Error(err))
	}
}

// GeneratePatch adapts a spell's canonical solution to the failing
// context. It returns either an accepted PatchResult or a tagged
// *PatchError; it never panics and never surfaces a raw transport
// error. A nil constraints argument uses the engine's configured
// defaults.
func (e *Engine) GeneratePatch(ctx context.Context, sp *spell.Spell, fc FailingContext, constraints *AdaptationConstraints) (*PatchResult, *PatchError) {
	ctx, span := e.tracer.Start(ctx, "adapt.generate_patch")
	defer span.End()

	if constraints == nil {
		constraints = e.constraints
	}

	span.SetAttributes(
		attribute.String("spell_id", sp.ID),
		attribute.String("repository", fc.Repository),
		attribute.Int("max_files", constraints.MaxFiles),
	)

	if err := fc.Validate(); err != nil {
		return nil, e.fail(ctx, span, newPatchError(CodeConstraintViolation, "invalid failing context: %v", err))
	}

	prompt := BuildPrompt(sp, fc, constraints)

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	raw, err := e.completer.Complete(callCtx, prompt)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, e.fail(ctx, span, newPatchError(CodeTimeout, "completion exceeded %s", e.timeout))
		}
		return nil, e.fail(ctx, span, newPatchError(CodeUpstreamError, "completion failed: %v", err))
	}

	result, perr := Validate(raw, constraints)
	if perr != nil {
		return nil, e.fail(ctx, span, perr)
	}

	e.logger.Info("patch adapted",
		zap.String("spell_id", sp.ID),
		zap.String("repository", fc.Repository),
		zap.Int("files_touched", len(result.FilesTouched)),
	)
	e.count(ctx, "accepted")
	span.SetAttributes(attribute.Int("files_touched", len(result.FilesTouched)))
	return result, nil
}

func (e *Engine) fail(ctx context.Context, span trace.Span, perr *PatchError) *PatchError {
	e.logger.Warn("patch adaptation failed",
		zap.String("code", string(perr.Code)),
		zap.String("message", perr.Message),
	)
	e.count(ctx, string(perr.Code))
	span.SetAttributes(attribute.String("error_code", string(perr.Code)))
	return perr
}

func (e *Engine) count(ctx context.Context, outcome string) {
	if e.adaptCounter != nil {
		e.adaptCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", outcome),
		))
	}
}
