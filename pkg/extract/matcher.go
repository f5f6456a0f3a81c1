/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: matcher.go
Description: Matchers for the Pattern Extraction Engine. A Matcher is a declarative pattern that
can be evaluated in-process as a pure function over a printable-text stream, or rendered as an
equivalent strings/grep pipeline for execution on the device.
*/

package extract

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Strategy selects how the hits of a matcher are reduced.
type Strategy string

const (
	// StrategyFirst keeps the first hit.
	StrategyFirst Strategy = "first"
	// StrategyMostFrequent keeps the hit that occurs most often. Used as a heuristic for
	// identifiers that have no structured key in memory.
	StrategyMostFrequent Strategy = "most_frequent"
	// StrategyAll keeps every hit up to Limit.
	StrategyAll Strategy = "all"
)

// defaultAllLimit bounds StrategyAll when no limit is configured.
const defaultAllLimit = 20

// Result is the tagged outcome of a matcher: Found with values, or not found.
type Result struct {
	Values []string
	Found  bool
}

// NotFound is the empty result.
var NotFound = Result{}

// Found wraps non-empty values into a result.
func Found(values ...string) Result {
	var out []string
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return NotFound
	}
	return Result{Values: out, Found: true}
}

// Func is a pure matcher over a printable-text stream.
type Func func(text string) Result

// Cascade evaluates fns left to right and returns the first found result.
func Cascade(fns ...Func) Func {
	return func(text string) Result {
		for _, fn := range fns {
			if res := fn(text); res.Found {
				return res
			}
		}
		return NotFound
	}
}

// Matcher is one candidate shape for a field.
//
// Evaluation mirrors the device pipeline:
//
//	strings CAPTURE [| grep -A 1 -F ANCHOR] | grep -oE PATTERN | <strategy> [| grep -oE REFINE] [| sed -E TRIM]
type Matcher struct {
	Pattern  string   `yaml:"pattern" json:"pattern"`
	Anchor   string   `yaml:"anchor,omitempty" json:"anchor,omitempty"`
	Refine   string   `yaml:"refine,omitempty" json:"refine,omitempty"`
	Trim     []string `yaml:"trim,omitempty" json:"trim,omitempty"`
	Strategy Strategy `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	Limit    int      `yaml:"limit,omitempty" json:"limit,omitempty"`
	Unique   bool     `yaml:"unique,omitempty" json:"unique,omitempty"`

	re     *regexp.Regexp
	refine *regexp.Regexp
	trim   []*regexp.Regexp
}

// Compile validates the matcher and prepares its regular expressions.
func (m *Matcher) Compile() error {
	if m.Pattern == "" {
		return fmt.Errorf("matcher pattern is empty")
	}
	for _, s := range append([]string{m.Pattern, m.Anchor, m.Refine}, m.Trim...) {
		if strings.ContainsAny(s, "'\n") {
			return fmt.Errorf("matcher %q: single quotes and newlines are not allowed", s)
		}
	}
	switch m.Strategy {
	case "", StrategyFirst, StrategyMostFrequent, StrategyAll:
	default:
		return fmt.Errorf("matcher %q: unknown strategy %q", m.Pattern, m.Strategy)
	}
	re, err := regexp.Compile(m.Pattern)
	if err != nil {
		return fmt.Errorf("matcher pattern %q: %w", m.Pattern, err)
	}
	m.re = re
	m.refine = nil
	if m.Refine != "" {
		if m.refine, err = regexp.Compile(m.Refine); err != nil {
			return fmt.Errorf("matcher refine %q: %w", m.Refine, err)
		}
	}
	m.trim = m.trim[:0]
	for _, t := range m.Trim {
		tre, err := regexp.Compile(t)
		if err != nil {
			return fmt.Errorf("matcher trim %q: %w", t, err)
		}
		m.trim = append(m.trim, tre)
	}
	return nil
}

func (m *Matcher) strategy() Strategy {
	if m.Strategy == "" {
		return StrategyFirst
	}
	return m.Strategy
}

func (m *Matcher) limit() int {
	if m.Limit > 0 {
		return m.Limit
	}
	return defaultAllLimit
}

// Func returns the matcher as a pure function.
func (m *Matcher) Func() Func {
	return func(text string) Result {
		return m.Match(text)
	}
}

// Match evaluates the matcher against a printable-text stream (one string per line).
func (m *Matcher) Match(text string) Result {
	if m.re == nil {
		if err := m.Compile(); err != nil {
			return NotFound
		}
	}
	lines := strings.Split(text, "\n")
	if m.Anchor != "" {
		lines = afterAnchor(lines, m.Anchor)
	}

	var hits []string
	for _, line := range lines {
		hits = append(hits, m.re.FindAllString(line, -1)...)
	}
	if len(hits) == 0 {
		return NotFound
	}

	switch m.strategy() {
	case StrategyFirst:
		hits = hits[:1]
	case StrategyMostFrequent:
		hits = []string{mostFrequent(hits)}
	case StrategyAll:
		if m.Unique {
			hits = sortUnique(hits)
		}
		if len(hits) > m.limit() {
			hits = hits[:m.limit()]
		}
	}

	if m.refine != nil {
		var refined []string
		for _, h := range hits {
			refined = append(refined, m.refine.FindAllString(h, -1)...)
		}
		hits = refined
	}

	var out []string
	for _, h := range hits {
		for _, t := range m.trim {
			h = replaceFirst(t, h)
		}
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	return Found(out...)
}

// Shell renders the matcher as a pipeline over the capture file.
func (m *Matcher) Shell(capture string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "strings %s", capture)
	if m.Anchor != "" {
		fmt.Fprintf(&b, " | grep -A 1 -F '%s'", m.Anchor)
	}
	fmt.Fprintf(&b, " | grep -oE '%s'", m.Pattern)
	switch m.strategy() {
	case StrategyFirst:
		b.WriteString(" | head -1")
	case StrategyMostFrequent:
		b.WriteString(" | sort | uniq -c | sort -rn | head -1 | sed -E 's/^[[:space:]]*[0-9]+[[:space:]]+//'")
	case StrategyAll:
		if m.Unique {
			b.WriteString(" | sort -u")
		}
		fmt.Fprintf(&b, " | head -%d", m.limit())
	}
	if m.Refine != "" {
		fmt.Fprintf(&b, " | grep -oE '%s'", m.Refine)
	}
	if len(m.Trim) > 0 {
		exprs := make([]string, len(m.Trim))
		for i, t := range m.Trim {
			exprs[i] = "s/" + strings.ReplaceAll(t, "/", `\/`) + "//"
		}
		fmt.Fprintf(&b, " | sed -E '%s'", strings.Join(exprs, ";"))
	}
	return b.String()
}

// afterAnchor keeps lines containing anchor plus the line that follows each (grep -A 1).
func afterAnchor(lines []string, anchor string) []string {
	var out []string
	last := -1
	for i, line := range lines {
		if !strings.Contains(line, anchor) {
			continue
		}
		for j := i; j <= i+1 && j < len(lines); j++ {
			if j > last {
				out = append(out, lines[j])
				last = j
			}
		}
	}
	return out
}

// mostFrequent picks the most common hit. Ties go to the lexically greatest value, matching
// `sort | uniq -c | sort -rn`.
func mostFrequent(hits []string) string {
	counts := make(map[string]int, len(hits))
	for _, h := range hits {
		counts[h]++
	}
	best, bestCount := "", 0
	for h, c := range counts {
		if c > bestCount || (c == bestCount && h > best) {
			best, bestCount = h, c
		}
	}
	return best
}

func sortUnique(hits []string) []string {
	seen := make(map[string]struct{}, len(hits))
	var out []string
	for _, h := range hits {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// replaceFirst deletes the first match of re, like sed 's/RE//'.
func replaceFirst(re *regexp.Regexp, s string) string {
	loc := re.FindStringIndex(s)
	if loc == nil {
		return s
	}
	return s[:loc[0]] + s[loc[1]:]
}
