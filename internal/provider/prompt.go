package provider

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/quietloop/quietloop/internal/domain"
)

// PromptBuilder renders the frame into a system context for a provider,
// trimming the event history until the rendered text fits the configured
// token budget. Newest events survive trimming; they carry the most signal.
type PromptBuilder struct {
	maxTokens int

	once  sync.Once
	codec tokenizer.Codec
	err   error
}

// NewPromptBuilder creates a builder bounded to maxTokens. Zero disables
// the budget.
func NewPromptBuilder(maxTokens int) *PromptBuilder {
	return &PromptBuilder{maxTokens: maxTokens}
}

func (b *PromptBuilder) getCodec() (tokenizer.Codec, error) {
	b.once.Do(func() {
		b.codec, b.err = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return b.codec, b.err
}

// SystemContext renders the frame. The tone instruction tracks the frame's
// recommended tier; the trace window is summarized newest-last.
func (b *PromptBuilder) SystemContext(frame domain.ContextFrame) string {
	events := frame.WindowEvents
	for {
		text := render(frame, events)
		if b.maxTokens <= 0 || len(events) == 0 {
			return text
		}
		codec, err := b.getCodec()
		if err != nil {
			// No codec, no budget enforcement; the provider will truncate.
			return text
		}
		ids, _, err := codec.Encode(text)
		if err != nil || len(ids) <= b.maxTokens {
			return text
		}
		// Drop the oldest event and re-render.
		events = events[1:]
	}
}

func render(frame domain.ContextFrame, events []domain.TraceEvent) string {
	var sb strings.Builder
	sb.WriteString("You are a brief, warm personal support assistant. ")
	sb.WriteString(toneInstruction(frame.RecommendedTier))
	sb.WriteString(" Keep answers under three sentences.\n")
	fmt.Fprintf(&sb, "Cognitive load: %.2f. Accessibility: %.2f.\n", frame.CognitiveLoad, frame.AccessibilityScore)
	if frame.TaskFocus != "" {
		fmt.Fprintf(&sb, "Current focus: %s.\n", frame.TaskFocus)
	}
	if frame.Degraded {
		sb.WriteString("Recent history is unavailable; do not reference past activity.\n")
	}
	if len(events) > 0 {
		sb.WriteString("Recent activity, oldest first:\n")
		for _, ev := range events {
			fmt.Fprintf(&sb, "- %s %s", ev.Timestamp.Format("15:04"), ev.EventType)
			if task := ev.Payload["task"]; task != "" {
				fmt.Fprintf(&sb, " (%s)", task)
			}
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

func toneInstruction(tier domain.Tier) string {
	switch tier {
	case domain.TierGentle:
		return "Tone: gentle and unhurried."
	case domain.TierMotivational:
		return "Tone: upbeat and encouraging."
	case domain.TierSarcastic:
		return "Tone: playful, lightly sarcastic, high energy; redirect without judgment."
	case domain.TierUrgent:
		return "Tone: direct and grounding; one concrete step only."
	}
	return "Tone: neutral."
}
