// Package secrets redacts credential material from text before it leaves
// the pipeline, most importantly change proposal titles and bodies. Agent
// notes can quote file contents verbatim, so anything published to the
// hosting provider passes through the scrubber first.
package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// RedactionString replaces every detected secret.
const RedactionString = "[REDACTED]"

// Finding records a detected secret. The matched text itself is never
// stored, only its location and the rule that caught it.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Line        int    `json:"line"`
}

// Result holds the scrubbed text and what was found in it.
type Result struct {
	Scrubbed string    `json:"scrubbed"`
	Findings []Finding `json:"findings,omitempty"`
}

// HasFindings reports whether any secrets were detected.
func (r *Result) HasFindings() bool {
	return len(r.Findings) > 0
}

// Summary returns a short human-readable description of the result.
func (r *Result) Summary() string {
	if !r.HasFindings() {
		return "no secrets detected"
	}
	ids := make(map[string]bool, len(r.Findings))
	for _, f := range r.Findings {
		ids[f.RuleID] = true
	}
	return fmt.Sprintf("%d secret(s) redacted across %d rule(s)", len(r.Findings), len(ids))
}

type compiledRule struct {
	Rule
	pattern  *regexp.Regexp
	keywords []*regexp.Regexp
}

// Scrubber detects and redacts secrets using a fixed rule set.
type Scrubber struct {
	rules []*compiledRule
}

// New compiles the given rules into a Scrubber. Passing no rules uses
// DefaultRules.
func New(rules ...Rule) (*Scrubber, error) {
	if len(rules) == 0 {
		rules = DefaultRules()
	}

	compiled := make([]*compiledRule, 0, len(rules))
	for _, rule := range rules {
		if rule.ID == "" || rule.Pattern == "" {
			return nil, fmt.Errorf("rule %q: id and pattern are required", rule.ID)
		}
		pattern, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: invalid pattern: %w", rule.ID, err)
		}
		cr := &compiledRule{Rule: rule, pattern: pattern}
		for _, kw := range rule.Keywords {
			kp, err := regexp.Compile("(?i)" + regexp.QuoteMeta(kw))
			if err != nil {
				return nil, fmt.Errorf("rule %q: invalid keyword %q: %w", rule.ID, kw, err)
			}
			cr.keywords = append(cr.keywords, kp)
		}
		compiled = append(compiled, cr)
	}
	return &Scrubber{rules: compiled}, nil
}

// MustNew compiles the rules, panicking on error. For use with the
// built-in rule set, which is covered by tests.
func MustNew(rules ...Rule) *Scrubber {
	s, err := New(rules...)
	if err != nil {
		panic(err)
	}
	return s
}

type span struct {
	start, end int
}

// Scrub redacts every secret in content and reports what was found.
func (s *Scrubber) Scrub(content string) *Result {
	result := &Result{Scrubbed: content}

	var spans []span
	for _, rule := range s.rules {
		if !rule.keywordsPresent(content) {
			continue
		}
		for _, m := range rule.pattern.FindAllStringIndex(content, -1) {
			line := strings.Count(content[:m[0]], "\n") + 1
			result.Findings = append(result.Findings, Finding{
				RuleID:      rule.ID,
				Description: rule.Description,
				Line:        line,
			})
			spans = append(spans, span{start: m[0], end: m[1]})
		}
	}

	if len(spans) == 0 {
		return result
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := mergeSpans(spans)

	// Replace back to front so earlier offsets stay valid.
	scrubbed := content
	for i := len(merged) - 1; i >= 0; i-- {
		sp := merged[i]
		scrubbed = scrubbed[:sp.start] + RedactionString + scrubbed[sp.end:]
	}
	result.Scrubbed = scrubbed
	return result
}

// Check detects secrets without modifying the content.
func (s *Scrubber) Check(content string) *Result {
	result := s.Scrub(content)
	result.Scrubbed = content
	return result
}

func (r *compiledRule) keywordsPresent(content string) bool {
	if len(r.keywords) == 0 {
		return true
	}
	for _, kw := range r.keywords {
		if kw.MatchString(content) {
			return true
		}
	}
	return false
}

func mergeSpans(spans []span) []span {
	merged := []span{spans[0]}
	for _, cur := range spans[1:] {
		last := &merged[len(merged)-1]
		if cur.start <= last.end {
			if cur.end > last.end {
				last.end = cur.end
			}
			continue
		}
		merged = append(merged, cur)
	}
	return merged
}
