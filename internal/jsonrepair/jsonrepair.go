// Package jsonrepair applies best-effort textual fixes to malformed JSON.
//
// Repairs aim at syntactic validity only. A repaired document parses, but nothing
// guarantees it means what the author intended; substitutions can also touch
// string contents that happen to match a pattern.
package jsonrepair

import (
	"encoding/json"
	"regexp"
)

// Rule is one ordered substitution. Replacement uses regexp.Expand syntax.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// DefaultRules run in order: trailing commas, single-quoted keys, boolean casing.
var DefaultRules = []Rule{
	{Name: "trailing-comma-object", Pattern: regexp.MustCompile(`,\s*}`), Replacement: "}"},
	{Name: "trailing-comma-array", Pattern: regexp.MustCompile(`,\s*]`), Replacement: "]"},
	{Name: "single-quoted-key", Pattern: regexp.MustCompile(`'([^'"\n]*)'\s*:`), Replacement: `"$1":`},
	{Name: "boolean-true-casing", Pattern: regexp.MustCompile(`([:\[,]\s*)(?:True|TRUE)\b`), Replacement: "${1}true"},
	{Name: "boolean-false-casing", Pattern: regexp.MustCompile(`([:\[,]\s*)(?:False|FALSE)\b`), Replacement: "${1}false"},
}

type Repairer struct {
	rules []Rule
}

// New returns a Repairer over rules, or over DefaultRules when none are given.
func New(rules ...Rule) *Repairer {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	return &Repairer{rules: append([]Rule(nil), rules...)}
}

type Result struct {
	Text    string
	Applied []string
}

// Repair runs every rule and returns the result only if it is now valid JSON.
func (r *Repairer) Repair(text string) (Result, bool) {
	result := Result{Text: text}
	for _, rule := range r.rules {
		next := rule.Pattern.ReplaceAllString(result.Text, rule.Replacement)
		if next != result.Text {
			result.Applied = append(result.Applied, rule.Name)
			result.Text = next
		}
	}
	if !json.Valid([]byte(result.Text)) {
		return Result{}, false
	}
	return result, true
}

// Attempt returns the repaired text, or false when the text is still invalid.
func (r *Repairer) Attempt(text string) (string, bool) {
	result, ok := r.Repair(text)
	return result.Text, ok
}

var defaultRepairer = New()

// Attempt repairs text with DefaultRules.
func Attempt(text string) (string, bool) {
	return defaultRepairer.Attempt(text)
}
