package cascade

import (
	"regexp"
	"strings"
)

// MatchKind is the tagged variant for a pattern rule. Matching order across
// rules is the slice order; within a rule the kind decides the test.
type MatchKind int

const (
	MatchExact MatchKind = iota
	MatchPrefix
	MatchKeyword
	MatchRegexp
)

// Rule is a single deterministic lexical rule. Rules run against the
// normalized input (lowercased, whitespace collapsed).
type Rule struct {
	Name       string
	Kind       MatchKind
	Pattern    string
	Response   string
	Confidence float64

	re *regexp.Regexp
}

// RuleSet is an ordered rule table; the first match wins, making the
// priority an explicit, testable contract.
type RuleSet struct {
	rules []Rule
}

// NewRuleSet compiles the given rules in order.
func NewRuleSet(rules []Rule) (*RuleSet, error) {
	rs := &RuleSet{rules: make([]Rule, len(rules))}
	copy(rs.rules, rules)
	for i := range rs.rules {
		if rs.rules[i].Kind == MatchRegexp {
			re, err := regexp.Compile(rs.rules[i].Pattern)
			if err != nil {
				return nil, err
			}
			rs.rules[i].re = re
		}
	}
	return rs, nil
}

// Match runs the table against normalized input.
func (rs *RuleSet) Match(normalized string) (Rule, bool) {
	for _, r := range rs.rules {
		switch r.Kind {
		case MatchExact:
			if normalized == r.Pattern {
				return r, true
			}
		case MatchPrefix:
			if strings.HasPrefix(normalized, r.Pattern) {
				return r, true
			}
		case MatchKeyword:
			if strings.Contains(normalized, r.Pattern) {
				return r, true
			}
		case MatchRegexp:
			if r.re.MatchString(normalized) {
				return r, true
			}
		}
	}
	return Rule{}, false
}

// DefaultRules is the built-in table for the short utterances the assistant
// sees constantly; answering them locally keeps providers out of the hot
// path.
func DefaultRules() *RuleSet {
	rs, err := NewRuleSet([]Rule{
		{
			Name:       "greeting",
			Kind:       MatchRegexp,
			Pattern:    `^(hi|hey|hello|good (morning|afternoon|evening))\b`,
			Response:   "Hey. What's the one thing you want to get moving on right now?",
			Confidence: 0.95,
		},
		{
			Name:       "thanks",
			Kind:       MatchRegexp,
			Pattern:    `^(thanks|thank you|thx)\b`,
			Response:   "Anytime. Go get it.",
			Confidence: 0.95,
		},
		{
			Name:       "break-request",
			Kind:       MatchKeyword,
			Pattern:    "need a break",
			Response:   "Take it. Five real minutes away from the screen, then come back to one small step.",
			Confidence: 0.9,
		},
		{
			Name:       "stuck-starting",
			Kind:       MatchRegexp,
			Pattern:    `\bstuck (on )?starting\b`,
			Response:   "Starting is the whole battle. Open it, write one bad sentence, and let momentum do the rest.",
			Confidence: 0.85,
		},
		{
			Name:       "what-next",
			Kind:       MatchExact,
			Pattern:    "what should i do next",
			Response:   "Pick the smallest task you've been avoiding and give it ten minutes.",
			Confidence: 0.85,
		},
	})
	if err != nil {
		// The built-in table is compiled at init; a bad pattern is a
		// programming defect.
		panic(err)
	}
	return rs
}
