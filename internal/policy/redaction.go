// Package policy holds the data-handling rules applied before conversation
// text leaves the process.
package policy

import "regexp"

type rule struct {
	kind    string
	pattern *regexp.Regexp
	marker  string
}

// Order matters: card numbers would otherwise match the phone rule, and
// social security numbers the card rule.
var rules = []rule{
	{kind: "email", pattern: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), marker: "[REDACTED_EMAIL]"},
	{kind: "ssn", pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), marker: "[REDACTED_SSN]"},
	{kind: "card", pattern: regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), marker: "[REDACTED_CARD]"},
	{kind: "phone", pattern: regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), marker: "[REDACTED_PHONE]"},
}

// Redaction is the outcome of masking one text.
type Redaction struct {
	Text string
	// Kinds lists the rule kinds that matched, in rule order.
	Kinds []string
}

func (r Redaction) Changed() bool { return len(r.Kinds) > 0 }

// Redact masks common high-risk PII patterns.
func Redact(input string) Redaction {
	out := Redaction{Text: input}
	for _, r := range rules {
		next := r.pattern.ReplaceAllString(out.Text, r.marker)
		if next != out.Text {
			out.Kinds = append(out.Kinds, r.kind)
			out.Text = next
		}
	}
	return out
}

// RedactPII is Redact for callers that only need the masked text.
func RedactPII(input string) (redacted string, changed bool) {
	r := Redact(input)
	return r.Text, r.Changed()
}
