package cascade

import (
	"testing"

	"github.com/quietloop/quietloop/internal/respcache"
)

func TestDefaultRulesMatch(t *testing.T) {
	rs := DefaultRules()

	tests := []struct {
		input    string
		wantRule string
		wantHit  bool
	}{
		{"hey", "greeting", true},
		{"Hello there", "greeting", true},
		{"good morning!", "greeting", true},
		{"thanks a lot", "thanks", true},
		{"I really need a break from this", "break-request", true},
		{"I'm stuck starting this email", "stuck-starting", true},
		{"what should I do next", "what-next", true},
		{"what should I do next week", "", false},
		{"help me draft a reply to my landlord", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			rule, ok := rs.Match(respcache.Normalize(tt.input))
			if ok != tt.wantHit {
				t.Fatalf("Match(%q) hit = %v, want %v", tt.input, ok, tt.wantHit)
			}
			if ok && rule.Name != tt.wantRule {
				t.Errorf("Match(%q) rule = %q, want %q", tt.input, rule.Name, tt.wantRule)
			}
		})
	}
}

func TestRuleOrderIsPriority(t *testing.T) {
	rs, err := NewRuleSet([]Rule{
		{Name: "first", Kind: MatchKeyword, Pattern: "ping", Response: "one"},
		{Name: "second", Kind: MatchKeyword, Pattern: "ping", Response: "two"},
	})
	if err != nil {
		t.Fatal(err)
	}

	rule, ok := rs.Match("ping")
	if !ok || rule.Name != "first" {
		t.Errorf("first listed rule must win, got %q", rule.Name)
	}
}

func TestRuleKinds(t *testing.T) {
	rs, err := NewRuleSet([]Rule{
		{Name: "exact", Kind: MatchExact, Pattern: "exactly this"},
		{Name: "prefix", Kind: MatchPrefix, Pattern: "start:"},
		{Name: "keyword", Kind: MatchKeyword, Pattern: "needle"},
		{Name: "regexp", Kind: MatchRegexp, Pattern: `^\d+ minutes$`},
	})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		input string
		want  string
	}{
		{"exactly this", "exact"},
		{"start: whatever follows", "prefix"},
		{"a needle in a haystack", "keyword"},
		{"25 minutes", "regexp"},
	}
	for _, tt := range tests {
		rule, ok := rs.Match(tt.input)
		if !ok || rule.Name != tt.want {
			t.Errorf("Match(%q) = %q, want %q", tt.input, rule.Name, tt.want)
		}
	}

	if _, ok := rs.Match("exactly this plus more"); ok {
		t.Error("exact rule must not match a superstring")
	}
}

func TestBadRegexpRejected(t *testing.T) {
	_, err := NewRuleSet([]Rule{{Name: "bad", Kind: MatchRegexp, Pattern: "("}})
	if err == nil {
		t.Error("invalid pattern must fail compilation")
	}
}
