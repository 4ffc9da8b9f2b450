package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// DefaultReplacement is substituted for every redacted span.
const DefaultReplacement = "[REDACTED]"

// Rule detects one kind of secret.
type Rule struct {
	ID      string `koanf:"id"`
	Pattern string `koanf:"pattern"`
	// Keywords gate the rule: at least one must appear (case-insensitive)
	// somewhere in the text before Pattern is tried.
	Keywords []string `koanf:"keywords"`
	Severity string   `koanf:"severity"`
}

// Config configures a Redactor. Zero Rules means DefaultRules.
type Config struct {
	Rules       []Rule   `koanf:"rules"`
	Replacement string   `koanf:"replacement"`
	AllowList   []string `koanf:"allow_list"`
}

// Finding locates one redacted match. The matched text is never kept.
type Finding struct {
	RuleID   string `json:"rule_id"`
	Severity string `json:"severity"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
	Line     int    `json:"line"`
}

type compiledRule struct {
	Rule
	re       *regexp.Regexp
	keywords []string
}

// Redactor is safe for concurrent use; it holds only compiled patterns.
type Redactor struct {
	rules       []compiledRule
	allow       []*regexp.Regexp
	replacement string
}

// New compiles cfg.
func New(cfg Config) (*Redactor, error) {
	rules := cfg.Rules
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	r := &Redactor{replacement: cfg.Replacement}
	if r.replacement == "" {
		r.replacement = DefaultReplacement
	}

	seen := make(map[string]bool, len(rules))
	for i, rule := range rules {
		if rule.ID == "" {
			return nil, fmt.Errorf("rule %d: id is required", i)
		}
		if seen[rule.ID] {
			return nil, fmt.Errorf("rule %s: duplicate id", rule.ID)
		}
		seen[rule.ID] = true
		if rule.Pattern == "" {
			return nil, fmt.Errorf("rule %s: pattern is required", rule.ID)
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		kws := make([]string, len(rule.Keywords))
		for j, kw := range rule.Keywords {
			kws[j] = strings.ToLower(kw)
		}
		r.rules = append(r.rules, compiledRule{Rule: rule, re: re, keywords: kws})
	}

	for i, p := range cfg.AllowList {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("allow_list %d: %w", i, err)
		}
		r.allow = append(r.allow, re)
	}
	return r, nil
}

// Scan reports every match, ordered by position.
func (r *Redactor) Scan(text string) []Finding {
	if r == nil || text == "" {
		return nil
	}
	lower := strings.ToLower(text)

	var out []Finding
	for _, rule := range r.rules {
		if !rule.gated(lower) {
			continue
		}
		for _, m := range rule.re.FindAllStringIndex(text, -1) {
			if r.allowed(text[m[0]:m[1]]) {
				continue
			}
			out = append(out, Finding{
				RuleID:   rule.ID,
				Severity: rule.Severity,
				Start:    m[0],
				End:      m[1],
				Line:     strings.Count(text[:m[0]], "\n") + 1,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].End > out[j].End
	})
	return out
}

// Redact replaces every match with the replacement string. Overlapping and
// adjacent matches collapse into one replacement.
func (r *Redactor) Redact(text string) (string, []Finding) {
	findings := r.Scan(text)
	if len(findings) == 0 {
		return text, nil
	}

	var b strings.Builder
	b.Grow(len(text))
	pos := 0
	for i := 0; i < len(findings); {
		start, end := findings[i].Start, findings[i].End
		i++
		for i < len(findings) && findings[i].Start <= end {
			end = max(end, findings[i].End)
			i++
		}
		b.WriteString(text[pos:start])
		b.WriteString(r.replacement)
		pos = end
	}
	b.WriteString(text[pos:])
	return b.String(), findings
}

// RuleIDs returns the distinct rule IDs in findings, sorted.
func RuleIDs(findings []Finding) []string {
	seen := make(map[string]bool, len(findings))
	var ids []string
	for _, f := range findings {
		if !seen[f.RuleID] {
			seen[f.RuleID] = true
			ids = append(ids, f.RuleID)
		}
	}
	sort.Strings(ids)
	return ids
}

func (c compiledRule) gated(lower string) bool {
	if len(c.keywords) == 0 {
		return true
	}
	for _, kw := range c.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func (r *Redactor) allowed(match string) bool {
	for _, re := range r.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}
