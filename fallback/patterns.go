package fallback

import (
	"regexp"
)

// PatternRule is a canned reply for messages matching any of its patterns.
type PatternRule struct {
	Patterns    []*regexp.Regexp
	Response    string
	Confidence  float64
	Suggestions []string
}

var catchAll = PatternRule{
	Patterns: []*regexp.Regexp{regexp.MustCompile(`(?s).*`)},
	Response: "I'm having trouble reaching the assistant right now. " +
		"Your tides and tasks are safe, and you can keep working offline.",
	Confidence: 0.1,
	Suggestions: []string{
		"Try again in a few minutes",
		"List your tides",
		"Start a flow session",
	},
}

// DefaultPatternRules returns the built-in replies for common requests.
func DefaultPatternRules() []PatternRule {
	return []PatternRule{
		{
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)^\s*(hi|hello|hey|good (morning|afternoon|evening))\b`),
			},
			Response:    "Hello! The assistant is offline at the moment, but basic tide actions still work.",
			Confidence:  0.8,
			Suggestions: []string{"Create a tide", "List your tides"},
		},
		{
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(help|what can you do|commands)\b`),
			},
			Response: "While the assistant is offline I can create tides, list tides, start or stop " +
				"a flow session, record your energy level and fetch reports.",
			Confidence:  0.7,
			Suggestions: []string{"Create a tide called Deep Work", "Start a flow session"},
		},
		{
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(focus|concentrat\w*|distract\w*)\b`),
			},
			Response: "Try a short flow session: pick one task, silence notifications and work for " +
				"25 minutes before taking a break.",
			Confidence:  0.5,
			Suggestions: []string{"Start a flow session"},
		},
		{
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(tired|exhausted|low energy|burn(ed|t)? out)\b`),
			},
			Response: "Energy dips are normal. Log your energy level so your tide can adapt, " +
				"and consider a short break.",
			Confidence:  0.5,
			Suggestions: []string{"Set my energy to 3"},
		},
		{
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(report|progress|stats|statistics|insights?)\b`),
			},
			Response:    "Reports need the assistant or the tide server. Ask for a daily, weekly or monthly report to try fetching it directly.",
			Confidence:  0.4,
			Suggestions: []string{"Get my weekly report"},
		},
	}
}

// PatternResponder returns the first rule matching a message. Its last rule
// always matches, so Respond never fails.
type PatternResponder struct {
	rules []PatternRule
}

// NewPatternResponder creates a responder from rules, appending the
// catch-all rule when the last rule is not already one.
func NewPatternResponder(rules []PatternRule) *PatternResponder {
	rules = append([]PatternRule(nil), rules...)
	if len(rules) == 0 || !isCatchAll(rules[len(rules)-1]) {
		rules = append(rules, catchAll)
	}
	return &PatternResponder{rules: rules}
}

func isCatchAll(rule PatternRule) bool {
	for _, p := range rule.Patterns {
		if p.MatchString("") {
			return true
		}
	}
	return false
}

// Respond returns the matching rule and whether it is the final catch-all.
func (r *PatternResponder) Respond(message string) (PatternRule, bool) {
	last := len(r.rules) - 1
	for i, rule := range r.rules {
		for _, p := range rule.Patterns {
			if p.MatchString(message) {
				return rule, i == last
			}
		}
	}
	return r.rules[last], true
}
