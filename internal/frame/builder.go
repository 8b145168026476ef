// Package frame derives the scored context snapshot used to route responses.
package frame

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/quietloop/quietloop/internal/config"
	"github.com/quietloop/quietloop/internal/domain"
	"github.com/quietloop/quietloop/internal/trace"
)

// BuilderVersion is folded into every signature. Bump it whenever the
// scoring formula changes shape, so cached responses keyed on old frames
// stop matching.
const BuilderVersion = "v1"

// overwhelmKeywords are scanned inside message-event payloads in addition to
// explicit overwhelm events.
var overwhelmKeywords = []string{"overwhelmed", "too much", "can't focus", "drowning", "behind on everything"}

// Builder computes ContextFrames from the trace store. The scored output is
// a pure function of the window content and the scoring config; the clock
// never enters the formula (late-hour and break staleness are measured
// against the newest event in the window), which is what makes the signature
// reproducible.
type Builder struct {
	store       trace.Store
	cfg         config.ScoringConfig
	loc         *time.Location
	readTimeout time.Duration
	logger      *slog.Logger
}

// NewBuilder wires a builder over the given store.
func NewBuilder(store trace.Store, cfg config.ScoringConfig, readTimeout time.Duration, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{store: store, cfg: cfg, loc: cfg.Location(), readTimeout: readTimeout, logger: logger.With(slog.String("component", "frame"))}
}

// Build assembles the bounded window and scores it. A store failure returns
// a degraded neutral frame; Build never returns an error.
func (b *Builder) Build(ctx context.Context, userID, taskFocus string) domain.ContextFrame {
	readCtx := ctx
	if b.readTimeout > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(ctx, b.readTimeout)
		defer cancel()
	}

	events, err := b.store.Recent(readCtx, userID, b.cfg.WindowMaxAge, b.cfg.WindowMaxEvents)
	if err != nil {
		b.logger.Warn("trace window read failed, building degraded frame",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		return b.degraded(userID, taskFocus)
	}

	load := b.cognitiveLoad(events)
	frame := domain.ContextFrame{
		UserID:             userID,
		TaskFocus:          taskFocus,
		WindowEvents:       events,
		CognitiveLoad:      load,
		AccessibilityScore: b.accessibility(load, events),
		RecommendedTier:    b.tierFor(load),
	}
	frame.Signature = b.signature(frame, false)
	return frame
}

func (b *Builder) degraded(userID, taskFocus string) domain.ContextFrame {
	frame := domain.ContextFrame{
		UserID:             userID,
		TaskFocus:          taskFocus,
		CognitiveLoad:      0.5,
		AccessibilityScore: 0.5,
		RecommendedTier:    b.tierFor(0.5),
		Degraded:           true,
	}
	frame.Signature = b.signature(frame, true)
	return frame
}

// cognitiveLoad is a clamped weighted sum of four indicators, each
// normalized to [0,1] at its configured saturation point. Monotonic in every
// signal.
func (b *Builder) cognitiveLoad(events []domain.TraceEvent) float64 {
	if len(events) == 0 {
		return 0
	}
	newest := events[len(events)-1].Timestamp

	var switches, overwhelm int
	lastBreak := time.Time{}
	for _, ev := range events {
		switch ev.EventType {
		case domain.EventTaskSwitch:
			switches++
		case domain.EventOverwhelm:
			overwhelm++
		case domain.EventBreakTaken:
			if ev.Timestamp.After(lastBreak) {
				lastBreak = ev.Timestamp
			}
		case domain.EventMessage:
			if containsOverwhelmKeyword(ev.Payload["text"]) {
				overwhelm++
			}
		}
	}

	switchScore := ratio(switches, b.cfg.SwitchSaturation)
	overwhelmScore := ratio(overwhelm, b.cfg.OverwhelmSaturation)

	// No break inside the window counts as maximally stale.
	breakScore := 1.0
	if !lastBreak.IsZero() && b.cfg.BreakSaturation > 0 {
		breakScore = clamp01(float64(newest.Sub(lastBreak)) / float64(b.cfg.BreakSaturation))
	}

	lateScore := lateHourPenalty(newest, b.loc)

	load := b.cfg.SwitchWeight*switchScore +
		b.cfg.OverwhelmWeight*overwhelmScore +
		b.cfg.BreakWeight*breakScore +
		b.cfg.LateHourWeight*lateScore
	return clamp01(load)
}

// accessibility drops with load and with the number of unresolved context
// items in the window.
func (b *Builder) accessibility(load float64, events []domain.TraceEvent) float64 {
	open := 0
	for _, ev := range events {
		switch ev.EventType {
		case domain.EventContextOpened:
			open++
		case domain.EventContextResolved:
			if open > 0 {
				open--
			}
		}
	}
	itemScore := ratio(open, b.cfg.ContextSaturation)
	return clamp01(1 - 0.7*load - 0.3*itemScore)
}

func (b *Builder) tierFor(load float64) domain.Tier {
	switch {
	case load < b.cfg.GentleBelow:
		return domain.TierGentle
	case load < b.cfg.MotivationalBelow:
		return domain.TierMotivational
	case load < b.cfg.SarcasticBelow:
		return domain.TierSarcastic
	default:
		return domain.TierUrgent
	}
}

// signature hashes a canonical rendering of everything the scores depend on.
func (b *Builder) signature(frame domain.ContextFrame, degraded bool) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n%s\n%s\n%v\n", BuilderVersion, b.cfg.Fingerprint(), frame.UserID, frame.TaskFocus, degraded)
	for _, ev := range frame.WindowEvents {
		fmt.Fprintf(h, "%s|%s|%s|", ev.EventType, ev.Source, ev.Timestamp.UTC().Format(time.RFC3339Nano))
		keys := make([]string, 0, len(ev.Payload))
		for k := range ev.Payload {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(h, "%s=%s;", k, ev.Payload[k])
		}
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// lateHourPenalty ramps from 0 during the day to 1 deep in the night, based
// on the newest window event's hour in the configured zone. The zone comes
// from config, never from the host, so the same window scores the same
// everywhere.
func lateHourPenalty(ts time.Time, loc *time.Location) float64 {
	switch hour := ts.In(loc).Hour(); {
	case hour >= 8 && hour < 21:
		return 0
	case hour == 21:
		return 0.25
	case hour == 22:
		return 0.5
	case hour == 23 || hour < 2:
		return 0.75
	default: // 02:00-07:59
		return 1
	}
}

func containsOverwhelmKeyword(text string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, kw := range overwhelmKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func ratio(n, saturation int) float64 {
	if saturation <= 0 {
		return 0
	}
	return clamp01(float64(n) / float64(saturation))
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
