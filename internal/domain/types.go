// Package domain provides the canonical types shared across the pipeline.
package domain

import "time"

// Source identifies which tier of the cascade produced a response.
type Source string

const (
	SourcePattern           Source = "pattern"
	SourceCache             Source = "cache"
	SourcePrimaryProvider   Source = "primary_provider"
	SourceSecondaryProvider Source = "secondary_provider"
	SourceStaticFallback    Source = "static_fallback"
	SourceCrisis            Source = "crisis"
)

// Cacheable reports whether a candidate from this source may be written to
// the response cache. Crisis responses are never cached; static fallbacks are
// never cached so a later request still gets a chance at a live provider.
func (s Source) Cacheable() bool {
	switch s {
	case SourceCrisis, SourceStaticFallback:
		return false
	}
	return true
}

// Tier is the tone/urgency classification used both for the frame's
// recommendation and for the final delivery decision.
type Tier string

const (
	TierGentle       Tier = "gentle"
	TierMotivational Tier = "motivational"
	TierSarcastic    Tier = "sarcastic"
	TierUrgent       Tier = "urgent"
)

// ParseTier maps a string to a known tier. The second return is false for
// unknown or empty input.
func ParseTier(s string) (Tier, bool) {
	switch Tier(s) {
	case TierGentle, TierMotivational, TierSarcastic, TierUrgent:
		return Tier(s), true
	}
	return "", false
}

// Well-known trace event types. External collaborators may append types not
// listed here; the frame builder ignores what it does not understand.
const (
	EventTaskSwitch      = "task_switch"
	EventTaskComplete    = "task_complete"
	EventBreakTaken      = "break_taken"
	EventOverwhelm       = "overwhelm"
	EventContextOpened   = "context_opened"
	EventContextResolved = "context_resolved"
	EventMessage         = "message"
	EventNudgeSent       = "nudge_sent"
)

// TraceEvent is a single append-only entry in a user's behavioral log.
// Immutable once written; the ID is assigned by the store on append.
type TraceEvent struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	EventType string            `json:"event_type"`
	Payload   map[string]string `json:"payload,omitempty"`
	Source    string            `json:"source"`
	Timestamp time.Time         `json:"timestamp"`
}

// ContextFrame is the derived, ephemeral snapshot of a user's recent state.
// It is recomputed on every request and never persisted. Signature is a
// deterministic hash of the window content plus the scoring version; two
// frames built from identical windows by the same builder are bit-identical.
type ContextFrame struct {
	UserID             string       `json:"user_id"`
	TaskFocus          string       `json:"task_focus,omitempty"`
	WindowEvents       []TraceEvent `json:"window_events"`
	CognitiveLoad      float64      `json:"cognitive_load"`
	AccessibilityScore float64      `json:"accessibility_score"`
	RecommendedTier    Tier         `json:"recommended_tier"`
	Signature          string       `json:"signature"`
	Degraded           bool         `json:"degraded,omitempty"`
}

// ResponseCandidate is the outcome of one cascade resolution. Immutable.
type ResponseCandidate struct {
	Text       string  `json:"text"`
	Source     Source  `json:"source"`
	Confidence float64 `json:"confidence"`
	LatencyMS  float64 `json:"latency_ms"`
}

// Request is the input contract consumed from the HTTP/CLI surface.
type Request struct {
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
	TaskFocus string `json:"task_focus,omitempty"`
	TierHint  string `json:"tier_hint,omitempty"`
}

// Result is the output contract produced back to that surface.
type Result struct {
	Success          bool    `json:"success"`
	ResponseText     string  `json:"response_text"`
	Source           Source  `json:"source"`
	CognitiveLoad    float64 `json:"cognitive_load"`
	ProcessingTimeMS float64 `json:"processing_time_ms"`
	DeliveryTier     Tier    `json:"delivery_tier"`
	Error            string  `json:"error,omitempty"`
}

// Nudge is what the (external) actuation layer receives.
type Nudge struct {
	UserID       string `json:"user_id"`
	ResponseText string `json:"response_text"`
	DeliveryTier Tier   `json:"delivery_tier"`
}
