// Package safety implements the crisis classifier that fronts the pipeline.
package safety

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Detection is the classifier verdict for one input.
type Detection struct {
	IsCrisis bool
	Category string
	Term     string
}

// Categories in priority order; the first matching category wins.
const (
	CategorySelfHarm         = "self_harm"
	CategoryViolence         = "violence"
	CategoryMedicalEmergency = "medical_emergency"
	CategoryClassifierError  = "classifier_error"
)

var builtinTerms = map[string][]string{
	CategorySelfHarm: {
		"kill myself", "hurt myself", "harm myself", "end my life",
		"end it all", "suicide", "suicidal", "self harm", "self-harm",
		"want to die", "better off dead", "no reason to live",
	},
	CategoryViolence: {
		"kill them", "hurt them", "hurt someone", "kill someone",
	},
	CategoryMedicalEmergency: {
		"can't breathe", "cannot breathe", "chest pain", "overdose",
		"overdosed", "took too many pills",
	},
}

var categoryOrder = []string{CategorySelfHarm, CategoryViolence, CategoryMedicalEmergency}

type rule struct {
	category string
	term     string
	re       *regexp.Regexp
}

// Monitor is a stateless lexical crisis classifier. All rules are compiled
// once at construction; Classify does no I/O and no per-call allocation
// proportional to history.
type Monitor struct {
	rules []rule
}

// NewMonitor builds the classifier from the built-in lexicon plus optional
// per-deployment extra terms keyed by category.
func NewMonitor(extraTerms map[string][]string) (*Monitor, error) {
	terms := make(map[string][]string, len(builtinTerms))
	for cat, list := range builtinTerms {
		terms[cat] = append(terms[cat], list...)
	}
	extraCats := make([]string, 0, len(extraTerms))
	for cat := range extraTerms {
		extraCats = append(extraCats, cat)
	}
	sort.Strings(extraCats)
	for _, cat := range extraCats {
		terms[cat] = append(terms[cat], extraTerms[cat]...)
	}

	order := categoryOrder
	for _, cat := range extraCats {
		known := false
		for _, c := range order {
			if c == cat {
				known = true
				break
			}
		}
		if !known {
			order = append(order, cat)
		}
	}

	m := &Monitor{}
	for _, cat := range order {
		for _, term := range terms[cat] {
			term = strings.ToLower(strings.TrimSpace(term))
			if term == "" {
				continue
			}
			re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(term) + `\b`)
			if err != nil {
				return nil, fmt.Errorf("compile crisis term %q: %w", term, err)
			}
			m.rules = append(m.rules, rule{category: cat, term: term, re: re})
		}
	}
	return m, nil
}

// Classify scans the input against the rule table in priority order.
func (m *Monitor) Classify(text string) (Detection, error) {
	if m == nil || len(m.rules) == 0 {
		return Detection{}, fmt.Errorf("crisis monitor not initialized")
	}
	for _, r := range m.rules {
		if r.re.MatchString(text) {
			return Detection{IsCrisis: true, Category: r.category, Term: r.term}, nil
		}
	}
	return Detection{}, nil
}

// ClassifyFailClosed never fails open: any classifier error is reported as a
// crisis match. This is a deliberate safety bias.
func ClassifyFailClosed(m *Monitor, text string) Detection {
	det, err := m.Classify(text)
	if err != nil {
		return Detection{IsCrisis: true, Category: CategoryClassifierError}
	}
	return det
}
