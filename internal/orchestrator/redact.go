package orchestrator

import "strings"

const redactedPlaceholder = "[REDACTED]"

// redactor removes secret material from text that leaves the execution
// boundary: persisted error messages, logged output tails, chat entries.
// Secrets travel to the sandbox through its environment and nowhere else;
// anything that still contains one here is an agent echoing it back.
type redactor struct {
	values []string
}

// newRedactor builds a redactor over the given secret values. Empty and
// very short values are ignored: replacing them would mangle ordinary
// text without protecting anything.
func newRedactor(values []string) *redactor {
	r := &redactor{}
	for _, v := range values {
		if len(v) >= 6 {
			r.values = append(r.values, v)
		}
	}
	return r
}

func (r *redactor) add(value string) {
	if len(value) >= 6 {
		r.values = append(r.values, value)
	}
}

// redact replaces every occurrence of every secret value.
func (r *redactor) redact(s string) string {
	for _, v := range r.values {
		s = strings.ReplaceAll(s, v, redactedPlaceholder)
	}
	return s
}

// redactErr is redact for error messages; nil-safe.
func (r *redactor) redactErr(err error) string {
	if err == nil {
		return ""
	}
	return r.redact(err.Error())
}
