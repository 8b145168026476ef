package provider

import (
	"strings"
	"testing"
	"time"

	"github.com/quietloop/quietloop/internal/domain"
)

func sampleFrame(eventCount int) domain.ContextFrame {
	frame := domain.ContextFrame{
		UserID:             "u1",
		TaskFocus:          "quarterly report",
		CognitiveLoad:      0.42,
		AccessibilityScore: 0.61,
		RecommendedTier:    domain.TierMotivational,
	}
	base := time.Date(2025, time.June, 10, 9, 0, 0, 0, time.UTC)
	for i := 0; i < eventCount; i++ {
		frame.WindowEvents = append(frame.WindowEvents, domain.TraceEvent{
			EventType: domain.EventTaskSwitch,
			Payload:   map[string]string{"task": strings.Repeat("x", 24)},
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}
	return frame
}

func TestSystemContextIncludesFrameFacts(t *testing.T) {
	b := NewPromptBuilder(0)
	text := b.SystemContext(sampleFrame(3))

	for _, want := range []string{"Cognitive load: 0.42", "quarterly report", "task_switch", "upbeat"} {
		if !strings.Contains(text, want) {
			t.Errorf("system context missing %q:\n%s", want, text)
		}
	}
}

func TestSystemContextDeterministic(t *testing.T) {
	b := NewPromptBuilder(256)
	a := b.SystemContext(sampleFrame(10))
	c := b.SystemContext(sampleFrame(10))
	if a != c {
		t.Error("identical frames must render identically")
	}
}

func TestSystemContextTrimsToBudget(t *testing.T) {
	tight := NewPromptBuilder(120)
	loose := NewPromptBuilder(0)

	frame := sampleFrame(40)
	trimmed := tight.SystemContext(frame)
	full := loose.SystemContext(frame)

	if len(trimmed) >= len(full) {
		t.Errorf("budgeted render should drop events: trimmed=%d full=%d", len(trimmed), len(full))
	}

	// Newest events survive; the oldest are dropped first.
	newest := frame.WindowEvents[len(frame.WindowEvents)-1].Timestamp.Format("15:04")
	if !strings.Contains(trimmed, newest) {
		t.Error("newest event must survive trimming")
	}

	codec := NewPromptBuilder(120)
	c, err := codec.getCodec()
	if err != nil {
		t.Skipf("tokenizer unavailable: %v", err)
	}
	ids, _, err := c.Encode(trimmed)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) > 120 {
		t.Errorf("rendered context is %d tokens, budget is 120", len(ids))
	}
}

func TestSystemContextDegradedFrame(t *testing.T) {
	b := NewPromptBuilder(0)
	frame := domain.ContextFrame{UserID: "u1", Degraded: true, RecommendedTier: domain.TierGentle, CognitiveLoad: 0.5, AccessibilityScore: 0.5}
	text := b.SystemContext(frame)

	if !strings.Contains(text, "history is unavailable") {
		t.Error("degraded frames must warn the model off past activity")
	}
	if strings.Contains(text, "Recent activity") {
		t.Error("degraded frames carry no activity section")
	}
}
