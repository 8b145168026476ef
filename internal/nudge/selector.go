// Package nudge decides how a finished response is delivered: which tone
// tier it goes out at, and to which actuation sink.
package nudge

import (
	"context"
	"log/slog"

	"github.com/quietloop/quietloop/internal/domain"
)

// Select maps a frame and a resolved candidate to the delivery tier. Pure,
// no I/O.
//
// Precedence, highest first:
//  1. crisis-sourced candidates always deliver urgent
//  2. a valid caller hint wins over the frame's recommendation
//  3. static fallbacks never escalate above the frame's recommendation
//  4. otherwise the frame's recommendation stands
//
// Degraded frames were built without history, so their recommendation is a
// guess; those are capped at motivational to avoid sarcasm or urgency the
// window cannot justify.
func Select(frame domain.ContextFrame, candidate domain.ResponseCandidate, tierHint string) domain.Tier {
	if candidate.Source == domain.SourceCrisis {
		return domain.TierUrgent
	}

	tier := frame.RecommendedTier
	if tier == "" {
		tier = domain.TierGentle
	}
	if frame.Degraded && rank(tier) > rank(domain.TierMotivational) {
		tier = domain.TierMotivational
	}

	if hint, ok := domain.ParseTier(tierHint); ok {
		return hint
	}

	if candidate.Source == domain.SourceStaticFallback && rank(tier) > rank(frame.RecommendedTier) {
		tier = frame.RecommendedTier
	}
	return tier
}

func rank(t domain.Tier) int {
	switch t {
	case domain.TierGentle:
		return 0
	case domain.TierMotivational:
		return 1
	case domain.TierSarcastic:
		return 2
	case domain.TierUrgent:
		return 3
	}
	return 0
}

// Sink receives finished nudges. The concrete surfacing (speaker, chat,
// desktop notification) lives behind this interface.
type Sink interface {
	Deliver(ctx context.Context, n domain.Nudge) error
}

// LogSink writes nudges to the structured log. It is the default sink for
// the CLI and for deployments without an actuation channel wired up.
type LogSink struct {
	logger *slog.Logger
}

var _ Sink = (*LogSink)(nil)

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With(slog.String("component", "nudge"))}
}

func (s *LogSink) Deliver(ctx context.Context, n domain.Nudge) error {
	s.logger.InfoContext(ctx, "nudge delivered",
		slog.String("user_id", n.UserID),
		slog.String("tier", string(n.DeliveryTier)),
		slog.Int("text_len", len(n.ResponseText)))
	return nil
}
