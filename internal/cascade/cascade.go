// Package cascade routes a request through progressively more expensive
// response tiers under one hard deadline: pattern rules, the response cache,
// the primary provider, the secondary provider, and a static fallback.
package cascade

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quietloop/quietloop/internal/domain"
	"github.com/quietloop/quietloop/internal/provider"
	"github.com/quietloop/quietloop/internal/respcache"
)

const tracerName = "quietloop/cascade"

// slot is one provider tier with its own breaker and per-call budget.
type slot struct {
	name    string
	prov    provider.Provider
	breaker *Breaker
	timeout time.Duration
	source  domain.Source
}

// Options configures a Cascade.
type Options struct {
	Rules            *RuleSet
	Cache            *respcache.Cache
	CacheTTL         time.Duration
	Primary          provider.Provider
	PrimaryTimeout   time.Duration
	Secondary        provider.Provider
	SecondaryTimeout time.Duration
	FailureThreshold int
	CoolDown         time.Duration
	Prompts          *provider.PromptBuilder
	Fallbacks        map[domain.Tier]string
	Logger           *slog.Logger
}

// Cascade is the tiered response state machine. Safe for concurrent use;
// breaker state is shared across all requests hitting the same provider.
type Cascade struct {
	rules     *RuleSet
	cache     *respcache.Cache
	cacheTTL  time.Duration
	slots     []slot
	prompts   *provider.PromptBuilder
	fallbacks map[domain.Tier]string
	logger    *slog.Logger
	now       func() time.Time
}

// New validates options and builds the cascade. A missing fallback entry for
// any tier is a configuration defect and fails construction, which is what
// guarantees the static tier can never fail at runtime.
func New(opts Options) (*Cascade, error) {
	if opts.Rules == nil {
		opts.Rules = DefaultRules()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Prompts == nil {
		opts.Prompts = provider.NewPromptBuilder(0)
	}
	fallbacks := defaultFallbacks()
	for tier, text := range opts.Fallbacks {
		if text != "" {
			fallbacks[tier] = text
		}
	}
	for _, tier := range []domain.Tier{domain.TierGentle, domain.TierMotivational, domain.TierSarcastic, domain.TierUrgent} {
		if fallbacks[tier] == "" {
			return nil, domain.ErrConfig("static fallback missing for tier " + string(tier))
		}
	}

	c := &Cascade{
		rules:     opts.Rules,
		cache:     opts.Cache,
		cacheTTL:  opts.CacheTTL,
		prompts:   opts.Prompts,
		fallbacks: fallbacks,
		logger:    opts.Logger.With(slog.String("component", "cascade")),
		now:       time.Now,
	}

	if opts.Primary != nil {
		c.slots = append(c.slots, slot{
			name:    opts.Primary.Name(),
			prov:    opts.Primary,
			breaker: NewBreaker(opts.FailureThreshold, opts.CoolDown),
			timeout: opts.PrimaryTimeout,
			source:  domain.SourcePrimaryProvider,
		})
	}
	if opts.Secondary != nil {
		c.slots = append(c.slots, slot{
			name:    opts.Secondary.Name(),
			prov:    opts.Secondary,
			breaker: NewBreaker(opts.FailureThreshold, opts.CoolDown),
			timeout: opts.SecondaryTimeout,
			source:  domain.SourceSecondaryProvider,
		})
	}
	return c, nil
}

// SetNow overrides the clock; test hook. Propagates to all breakers.
func (c *Cascade) SetNow(now func() time.Time) {
	c.now = now
	for _, s := range c.slots {
		s.breaker.SetNow(now)
	}
}

// BreakerStatus exposes a provider's circuit state for monitoring.
func (c *Cascade) BreakerStatus(name string) (CircuitStatus, bool) {
	for _, s := range c.slots {
		if s.name == name {
			return s.breaker.Status(), true
		}
	}
	return "", false
}

// Respond resolves one request against the tier ladder. The context carries
// the overall deadline; when it expires mid-cascade the in-flight provider
// call is cancelled and resolution drops straight to the static fallback.
// The only possible error is a configuration defect.
func (c *Cascade) Respond(ctx context.Context, req domain.Request, frame domain.ContextFrame) (domain.ResponseCandidate, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "cascade.respond")
	defer span.End()

	start := c.now()
	normalized := respcache.Normalize(req.Message)
	key := respcache.Key(normalized, frame.Signature)

	// PATTERN_MATCH
	if rule, ok := c.rules.Match(normalized); ok {
		cand := domain.ResponseCandidate{
			Text:       rule.Response,
			Source:     domain.SourcePattern,
			Confidence: rule.Confidence,
			LatencyMS:  millisSince(start, c.now()),
		}
		span.SetAttributes(attribute.String("cascade.tier", "pattern"), attribute.String("cascade.rule", rule.Name))
		if c.cache != nil {
			c.cache.Put(key, cand, c.cacheTTL)
		}
		return cand, nil
	}

	// CACHE_LOOKUP and the coalesced provider tiers.
	if c.cache != nil {
		cand, hit, err := c.cache.GetOrCompute(ctx, key, c.cacheTTL, func(ctx context.Context) (domain.ResponseCandidate, error) {
			return c.generate(ctx, req, frame, start)
		})
		switch {
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			// Deadline expired while waiting on someone else's flight.
			// generate short-circuits to the static fallback on a dead ctx.
			cand, err = c.generate(ctx, req, frame, start)
			if err == nil {
				span.SetAttributes(attribute.String("cascade.tier", string(cand.Source)))
			}
			return cand, err
		case err != nil:
			return domain.ResponseCandidate{}, err
		}
		// Relabel only values the cache could actually hold. A fallback handed
		// to coalesced waiters keeps its real source so downstream tier rules
		// still see it as a fallback.
		if hit && cand.Source.Cacheable() {
			cand.Source = domain.SourceCache
			cand.LatencyMS = millisSince(start, c.now())
			span.SetAttributes(attribute.String("cascade.tier", "cache"))
		} else {
			span.SetAttributes(attribute.String("cascade.tier", string(cand.Source)))
		}
		return cand, nil
	}

	cand, err := c.generate(ctx, req, frame, start)
	if err == nil {
		span.SetAttributes(attribute.String("cascade.tier", string(cand.Source)))
	}
	return cand, err
}

// generate runs the provider tiers and the static fallback.
func (c *Cascade) generate(ctx context.Context, req domain.Request, frame domain.ContextFrame, start time.Time) (domain.ResponseCandidate, error) {
	systemContext := c.prompts.SystemContext(frame)

	for _, s := range c.slots {
		if ctx.Err() != nil {
			// Overall deadline gone; stop burning budget on providers.
			break
		}
		if !s.breaker.Allow() {
			c.logger.Debug("circuit open, skipping provider", slog.String("provider", s.name))
			continue
		}

		text, err := c.callProvider(ctx, s, req.Message, systemContext)
		if err != nil {
			s.breaker.RecordFailure()
			c.logger.Warn("provider tier failed",
				slog.String("provider", s.name),
				slog.String("kind", string(domain.KindOf(err))),
				slog.String("error", err.Error()))
			continue
		}

		s.breaker.RecordSuccess()
		return domain.ResponseCandidate{
			Text:       text,
			Source:     s.source,
			Confidence: 0.9,
			LatencyMS:  millisSince(start, c.now()),
		}, nil
	}

	// STATIC_FALLBACK: deterministic, always available, never cached.
	text, ok := c.fallbacks[frame.RecommendedTier]
	if !ok || text == "" {
		return domain.ResponseCandidate{}, domain.ErrConfig("no static fallback for tier " + string(frame.RecommendedTier))
	}
	return domain.ResponseCandidate{
		Text:       text,
		Source:     domain.SourceStaticFallback,
		Confidence: 0.3,
		LatencyMS:  millisSince(start, c.now()),
	}, nil
}

// callProvider makes one bounded attempt. No retries: a retry would blow
// the latency budget.
func (c *Cascade) callProvider(ctx context.Context, s slot, prompt, systemContext string) (string, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "cascade.provider."+s.name)
	defer span.End()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.prov.Generate(ctx, prompt, systemContext)
}

func defaultFallbacks() map[domain.Tier]string {
	return map[domain.Tier]string{
		domain.TierGentle:       "I'm here. Whenever you're ready, pick one small thing and we'll start there.",
		domain.TierMotivational: "You've handled harder days than this one. One small step, right now, and the rest follows.",
		domain.TierSarcastic:    "The task isn't going to do itself, tragically. Ten minutes on it, then you can judge me.",
		domain.TierUrgent:       "Stop. Breathe. Close everything except the one thing that matters and do only that.",
	}
}

func millisSince(start, end time.Time) float64 {
	return float64(end.Sub(start)) / float64(time.Millisecond)
}
