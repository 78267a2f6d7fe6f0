// Package classifier tags approval requests with a domain for routing and
// failure isolation. Classification is a pure function of the request and
// the rule table.
//
// Evaluation order:
//  1. Exact source allowlist: the first rule listing the request's source or
//     tool_ref wins.
//  2. Keyword scoring: every rule scores the number of keyword hits across
//     the request text; the highest score wins, ties go to the rule declared
//     first.
//  3. The default domain, reported with low confidence.
package classifier

import (
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"github.com/jkaninda/gatekeeper/internal/approval"
	"github.com/jkaninda/gatekeeper/internal/config"
)

// Confidence describes which rule stage produced the result.
type Confidence string

const (
	ConfidenceExact   Confidence = "exact"
	ConfidenceKeyword Confidence = "keyword"
	ConfidenceLow     Confidence = "low"
)

// Rule maps sources and keywords to a domain.
type Rule struct {
	Domain   string
	Sources  []string
	Keywords []string
}

// Result is the outcome of one classification.
type Result struct {
	Domain     string
	Confidence Confidence
	Score      int
	Matched    []string // Keywords or the source that decided the result.
}

// Classifier evaluates a fixed rule table.
type Classifier struct {
	rules    []Rule
	fallback string
	logger   *slog.Logger
}

// New builds a classifier. Keywords are matched case-insensitively.
func New(rules []Rule, fallback string, logger *slog.Logger) *Classifier {
	norm := make([]Rule, len(rules))
	for i, r := range rules {
		kws := make([]string, 0, len(r.Keywords))
		for _, k := range r.Keywords {
			if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
				kws = append(kws, k)
			}
		}
		norm[i] = Rule{Domain: r.Domain, Sources: append([]string(nil), r.Sources...), Keywords: kws}
	}
	if fallback == "" {
		fallback = "general"
	}
	return &Classifier{rules: norm, fallback: fallback, logger: logger}
}

// FromConfig builds a classifier from the configured rule table.
func FromConfig(cfg *config.ClassifierConfig, logger *slog.Logger) *Classifier {
	table := cfg.RuleTable()
	rules := make([]Rule, len(table))
	for i, r := range table {
		rules[i] = Rule{Domain: r.Domain, Sources: r.Sources, Keywords: r.Keywords}
	}
	return New(rules, cfg.DefaultDomain(), logger)
}

// Default returns the fallback domain.
func (c *Classifier) Default() string { return c.fallback }

// Classify returns the domain for r without side effects.
func (c *Classifier) Classify(r *approval.Request) Result {
	for _, rule := range c.rules {
		for _, src := range rule.Sources {
			if src == "" {
				continue
			}
			if src == r.Source || src == r.ToolRef {
				return Result{Domain: rule.Domain, Confidence: ConfidenceExact, Matched: []string{src}}
			}
		}
	}

	tokens := tokenize(r)
	best := -1
	var bestMatched []string
	bestScore := 0
	for i, rule := range c.rules {
		score, matched := scoreRule(rule, tokens)
		if score > bestScore {
			best, bestScore, bestMatched = i, score, matched
		}
	}
	if best >= 0 {
		return Result{Domain: c.rules[best].Domain, Confidence: ConfidenceKeyword, Score: bestScore, Matched: bestMatched}
	}
	return Result{Domain: c.fallback, Confidence: ConfidenceLow}
}

// Tag classifies r and logs low-confidence results for rule tuning.
func (c *Classifier) Tag(r *approval.Request) string {
	res := c.Classify(r)
	if res.Confidence == ConfidenceLow && c.logger != nil {
		c.logger.Warn("low-confidence classification",
			slog.String("approval_id", r.ID),
			slog.String("action_type", r.ActionType),
			slog.String("tool_ref", r.ToolRef),
			slog.String("domain", res.Domain),
		)
	}
	return res.Domain
}

func scoreRule(rule Rule, tokens map[string]int) (int, []string) {
	score := 0
	var matched []string
	for _, kw := range rule.Keywords {
		if n := tokens[kw]; n > 0 {
			score += n
			matched = append(matched, kw)
		}
	}
	return score, matched
}

// tokenize splits the request's descriptive fields and parameter keys and
// string values into lowercase words with their counts.
func tokenize(r *approval.Request) map[string]int {
	counts := make(map[string]int)
	add := func(s string) {
		for _, w := range strings.FieldsFunc(strings.ToLower(s), func(c rune) bool {
			return !unicode.IsLetter(c) && !unicode.IsDigit(c)
		}) {
			counts[w]++
		}
	}
	add(r.ActionType)
	add(r.Target)
	add(r.ToolRef)
	add(r.Source)
	walkStrings(r.Parameters, add, 0)
	return counts
}

func walkStrings(v any, add func(string), depth int) {
	if depth > 8 {
		return
	}
	switch t := v.(type) {
	case string:
		add(t)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			add(k)
			walkStrings(t[k], add, depth+1)
		}
	case []any:
		for _, e := range t {
			walkStrings(e, add, depth+1)
		}
	}
}
