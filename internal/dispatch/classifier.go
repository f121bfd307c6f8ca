package dispatch

import (
	"strings"
)

// Classifier decides whether a comment asks the agent to do work (run a
// full worker) or just asks a question (answered inline).
type Classifier interface {
	IsActionRequest(text string) bool
}

// questionLeads open requests for information rather than work.
var questionLeads = map[string]bool{
	"what": true, "how": true, "why": true, "when": true, "where": true,
	"who": true, "which": true, "can": true, "could": true, "would": true,
	"should": true, "is": true, "are": true, "do": true, "does": true,
	"explain": true, "describe": true, "list": true, "show": true,
	"tell": true, "summarize": true,
}

// actionVerbs open requests for work on the codebase or issue.
var actionVerbs = map[string]bool{
	"implement": true, "fix": true, "build": true, "refactor": true,
	"write": true, "work": true, "debug": true, "review": true,
	"create": true, "add": true, "update": true, "remove": true,
	"delete": true, "change": true, "improve": true, "optimize": true,
	"make": true, "rename": true, "migrate": true, "upgrade": true,
}

// KeywordClassifier is a heuristic classifier over the leading verb.
// Questions and information requests stay inline; imperative work
// requests dispatch a worker. Ambiguity resolves to inline, the cheaper
// wrong answer.
type KeywordClassifier struct{}

func (KeywordClassifier) IsActionRequest(text string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(text))
	if trimmed == "" {
		return false
	}
	if strings.HasSuffix(trimmed, "?") {
		return false
	}
	trimmed = strings.TrimPrefix(trimmed, "please ")

	words := strings.Fields(trimmed)
	if len(words) == 0 {
		return false
	}
	first := strings.Trim(words[0], ",.:;!")

	if questionLeads[first] {
		return false
	}
	if !actionVerbs[first] {
		return false
	}
	// "update me on ...", "tell us about ..." ask for a report, not work.
	if len(words) > 1 && (words[1] == "me" || words[1] == "us") {
		return false
	}
	return true
}
