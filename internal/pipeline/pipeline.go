// Package pipeline orchestrates one request end to end: safety check,
// frame build, cascade resolution, tier selection, trace append.
package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quietloop/quietloop/internal/cascade"
	"github.com/quietloop/quietloop/internal/config"
	"github.com/quietloop/quietloop/internal/domain"
	"github.com/quietloop/quietloop/internal/frame"
	"github.com/quietloop/quietloop/internal/nudge"
	"github.com/quietloop/quietloop/internal/safety"
	"github.com/quietloop/quietloop/internal/trace"
)

const tracerName = "quietloop/pipeline"

// needMoreInfo is the deterministic reply for empty or oversized input. It
// never reaches the cache or a provider.
const needMoreInfo = "I need a bit more to go on. Tell me what you're working on or how you're doing, in a sentence or two."

// Pipeline wires the stages together. All dependencies are injected; the
// clock is overridable for tests.
type Pipeline struct {
	cfg     config.PipelineConfig
	monitor *safety.Monitor
	safety  config.SafetyConfig
	frames  *frame.Builder
	cascade *cascade.Cascade
	store   trace.Store
	logger  *slog.Logger
	now     func() time.Time

	appends sync.WaitGroup
}

type Options struct {
	Config  config.PipelineConfig
	Monitor *safety.Monitor
	Safety  config.SafetyConfig
	Frames  *frame.Builder
	Cascade *cascade.Cascade
	Store   trace.Store
	Logger  *slog.Logger
}

// New validates the safety response up front: a pipeline that cannot produce
// its crisis text must not start.
func New(opts Options) (*Pipeline, error) {
	if strings.TrimSpace(opts.Safety.ResponseText) == "" {
		return nil, domain.ErrConfig("crisis response text is empty")
	}
	if opts.Frames == nil || opts.Cascade == nil || opts.Store == nil {
		return nil, domain.ErrConfig("pipeline missing a stage dependency")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pipeline{
		cfg:     opts.Config,
		monitor: opts.Monitor,
		safety:  opts.Safety,
		frames:  opts.Frames,
		cascade: opts.Cascade,
		store:   opts.Store,
		logger:  opts.Logger.With(slog.String("component", "pipeline")),
		now:     time.Now,
	}, nil
}

// SetNow overrides the clock; test hook.
func (p *Pipeline) SetNow(now func() time.Time) { p.now = now }

// Process runs one request. It returns Success=false only for configuration
// defects; every runtime failure degrades to some response instead.
func (p *Pipeline) Process(ctx context.Context, req domain.Request) domain.Result {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "pipeline.process")
	defer span.End()

	start := p.now()

	if req.UserID == "" {
		return p.finish(ctx, req, start, domain.Result{
			Success:      true,
			ResponseText: needMoreInfo,
			Source:       domain.SourceStaticFallback,
			DeliveryTier: domain.TierGentle,
		}, false)
	}
	if msg := strings.TrimSpace(req.Message); msg == "" ||
		(p.cfg.MaxMessageRunes > 0 && utf8.RuneCountInString(req.Message) > p.cfg.MaxMessageRunes) {
		span.SetAttributes(attribute.String("pipeline.outcome", "invalid_input"))
		return p.finish(ctx, req, start, domain.Result{
			Success:      true,
			ResponseText: needMoreInfo,
			Source:       domain.SourceStaticFallback,
			DeliveryTier: domain.TierGentle,
		}, false)
	}

	// The crisis check fronts everything and fails closed.
	if det := safety.ClassifyFailClosed(p.monitor, req.Message); det.IsCrisis {
		span.SetAttributes(
			attribute.String("pipeline.outcome", "crisis"),
			attribute.String("crisis.category", det.Category))
		return p.crisis(ctx, req, start, det)
	}

	reqCtx := ctx
	if p.cfg.OverallDeadline > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, p.cfg.OverallDeadline)
		defer cancel()
	}

	fr := p.frames.Build(reqCtx, req.UserID, req.TaskFocus)

	cand, err := p.cascade.Respond(reqCtx, req, fr)
	if err != nil {
		// Only a configuration defect reaches here. Bug-class, not runtime.
		p.logger.Error("cascade cannot produce a response",
			slog.String("user_id", req.UserID),
			slog.String("error", err.Error()))
		return domain.Result{
			Success:          false,
			Error:            err.Error(),
			CognitiveLoad:    fr.CognitiveLoad,
			ProcessingTimeMS: p.millisSince(start),
		}
	}

	tier := nudge.Select(fr, cand, req.TierHint)
	span.SetAttributes(
		attribute.String("pipeline.outcome", string(cand.Source)),
		attribute.String("pipeline.tier", string(tier)))

	return p.finish(ctx, req, start, domain.Result{
		Success:       true,
		ResponseText:  cand.Text,
		Source:        cand.Source,
		CognitiveLoad: fr.CognitiveLoad,
		DeliveryTier:  tier,
	}, true)
}

// crisis produces the pre-validated safety response. It bypasses the frame
// builder, the cache, and the cascade, runs under its own deadline rather
// than the caller's, and is never cached.
func (p *Pipeline) crisis(ctx context.Context, req domain.Request, start time.Time, det safety.Detection) domain.Result {
	crisisCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CrisisDeadline)
	defer cancel()

	text := p.safety.ResponseText
	if len(p.safety.Resources) > 0 {
		text += "\n\n" + strings.Join(p.safety.Resources, "\n")
	}

	p.logger.Warn("crisis response issued",
		slog.String("user_id", req.UserID),
		slog.String("category", det.Category))

	result := domain.Result{
		Success:      true,
		ResponseText: text,
		Source:       domain.SourceCrisis,
		DeliveryTier: domain.TierUrgent,
	}
	return p.finish(crisisCtx, req, start, result, true)
}

// Wait blocks until all in-flight trace appends have settled. Call before
// closing the store; one-shot callers and tests need it, the server does not.
func (p *Pipeline) Wait() { p.appends.Wait() }

// finish stamps timing and appends the trace record. Appends run off the
// request path on a detached context, so a slow or dead store can neither
// fail a request that already has its response nor stretch its latency.
func (p *Pipeline) finish(ctx context.Context, req domain.Request, start time.Time, result domain.Result, record bool) domain.Result {
	result.ProcessingTimeMS = p.millisSince(start)

	if record {
		appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.AppendTimeout)

		now := p.now()
		events := []domain.TraceEvent{
			{
				UserID:    req.UserID,
				EventType: domain.EventMessage,
				Payload:   messagePayload(req),
				Source:    "pipeline",
				Timestamp: now,
			},
			{
				UserID:    req.UserID,
				EventType: domain.EventNudgeSent,
				Payload: map[string]string{
					"source": string(result.Source),
					"tier":   string(result.DeliveryTier),
				},
				Source:    "pipeline",
				Timestamp: now,
			},
		}
		p.appends.Add(1)
		go func() {
			defer p.appends.Done()
			defer cancel()
			for _, ev := range events {
				if err := p.store.Append(appendCtx, ev); err != nil {
					p.logger.Warn("trace append failed",
						slog.String("user_id", req.UserID),
						slog.String("event_type", ev.EventType),
						slog.String("error", err.Error()))
					break
				}
			}
		}()
	}
	return result
}

func messagePayload(req domain.Request) map[string]string {
	payload := map[string]string{"text": req.Message}
	if req.TaskFocus != "" {
		payload["task"] = req.TaskFocus
	}
	return payload
}

func (p *Pipeline) millisSince(start time.Time) float64 {
	return float64(p.now().Sub(start)) / float64(time.Millisecond)
}
