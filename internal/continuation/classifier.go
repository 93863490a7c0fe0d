// Package continuation decides whether a chat turn resumes a server-side exchange
// and keeps the per-session continuation tokens needed to do so.
package continuation

import (
	"regexp"
	"strings"
)

// Decision is the outcome of classifying one inbound message.
type Decision int

const (
	Fresh Decision = iota
	Continuation
)

func (d Decision) String() string {
	if d == Continuation {
		return "continuation"
	}
	return "fresh"
}

// Reason names the rule that produced a Decision.
type Reason string

const (
	ReasonNone    Reason = "none"
	ReasonKeyword Reason = "keyword"
	ReasonPattern Reason = "pattern"
)

// Keywords are matched against the whole normalized message, or as its first
// word when followed by a literal space.
var Keywords = []string{"continue", "next", "more", "go on", "keep going", "proceed", "further"}

var continuationPatterns = compilePatterns(
	`continue.*explaining`,
	`tell me more`,
	`go on`,
	`keep going`,
	`more details`,
	`elaborate`,
	`expand on`,
	`further explain`,
	`what about.*next`,
	`and then`,
	`what comes next`,
	`proceed with`,
	`carry on`,
	`continue with`,
	`next step`,
	`further information`,
)

func compilePatterns(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		out = append(out, regexp.MustCompile(expr))
	}
	return out
}

// Classify decides whether message continues the previous exchange.
// A cached token alone never makes a message a continuation; only explicit
// wording does, so the cached-token flag is accepted but ignored.
func Classify(message string, _ bool) Decision {
	decision, _ := Explain(message)
	return decision
}

// Explain is Classify plus the rule that matched.
func Explain(message string) (Decision, Reason) {
	normalized := strings.ToLower(strings.TrimSpace(message))
	if normalized == "" {
		return Fresh, ReasonNone
	}

	if IsKeyword(normalized) {
		return Continuation, ReasonKeyword
	}

	for _, pattern := range continuationPatterns {
		if pattern.MatchString(normalized) {
			return Continuation, ReasonPattern
		}
	}

	return Fresh, ReasonNone
}

// IsKeyword reports whether message is a bare continuation keyword or starts with
// one followed by a space. Trailing punctuation ("continue.") does not match.
func IsKeyword(message string) bool {
	normalized := strings.ToLower(strings.TrimSpace(message))
	for _, keyword := range Keywords {
		if normalized == keyword || strings.HasPrefix(normalized, keyword+" ") {
			return true
		}
	}
	return false
}
