// Package report renders and delivers progress updates to the issue's
// comment thread, throttling outbound writes so a burst of agent
// activity becomes a single comment edit.
package report

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/joescharf/zenova/internal/models"
)

// Status selects the header of a progress comment.
type Status string

const (
	StatusWorking  Status = "working"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

const commentAuthor = "🤖 Claude"

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, `"`, "&quot;")
	return s
}

var (
	codeBlockRe  = regexp.MustCompile("(?s)```\\w*\\n(.*?)```")
	inlineCodeRe = regexp.MustCompile("`([^`]+)`")
	boldRe       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicRe     = regexp.MustCompile(`\*(.+?)\*`)
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
)

// markdownToHTML is a minimal renderer for the markdown agents emit:
// bold, italic, inline code, fenced code blocks, links, line breaks.
func markdownToHTML(text string) string {
	html := escapeHTML(text)
	html = codeBlockRe.ReplaceAllString(html, "<pre><code>$1</code></pre>")
	html = inlineCodeRe.ReplaceAllString(html, "<code>$1</code>")
	html = boldRe.ReplaceAllString(html, "<strong>$1</strong>")
	html = italicRe.ReplaceAllString(html, "<em>$1</em>")
	html = linkRe.ReplaceAllString(html, `<a href="$2">$1</a>`)

	var out strings.Builder
	for _, block := range strings.Split(html, "\n\n") {
		if strings.HasPrefix(block, "<pre>") {
			out.WriteString(block)
			continue
		}
		out.WriteString("<p>")
		out.WriteString(strings.ReplaceAll(block, "\n", "<br>"))
		out.WriteString("</p>")
	}
	return out.String()
}

func activityIcon(a models.AgentActivity) string {
	if a.Completed {
		return "✅"
	}
	return "⏳"
}

// FormatProgressComment renders the live status comment with one line
// per activity.
func FormatProgressComment(activities []models.AgentActivity, status Status) string {
	label := "Working..."
	switch status {
	case StatusComplete:
		label = "Complete"
	case StatusError:
		label = "Error"
	}
	header := fmt.Sprintf("<p><strong>%s — %s</strong></p>", commentAuthor, label)

	if len(activities) == 0 {
		return header + "<p>Analyzing the request...</p>"
	}

	var items strings.Builder
	for _, a := range activities {
		fmt.Fprintf(&items, "<li>%s %s</li>", activityIcon(a), escapeHTML(a.Label))
	}
	return header + "<ul>" + items.String() + "</ul>"
}

// FormatThinkingComment is the placeholder posted as soon as a session
// starts, before any activity has arrived.
func FormatThinkingComment() string {
	return fmt.Sprintf("<p><strong>%s — Working...</strong></p><p>Analyzing the request...</p>", commentAuthor)
}

// FormatFinalCombinedComment folds the activity log into a collapsible
// section above the rendered response, so a finished run is a single
// comment rather than a thread.
func FormatFinalCombinedComment(activities []models.AgentActivity, response, actor string) string {
	byLine := ""
	if actor != "" {
		byLine = fmt.Sprintf(" (requested by %s)", escapeHTML(actor))
	}
	header := fmt.Sprintf("<p><strong>%s — Complete%s</strong></p>", commentAuthor, byLine)

	progress := ""
	if len(activities) > 0 {
		var items strings.Builder
		for _, a := range activities {
			fmt.Fprintf(&items, "<li>✅ %s</li>", escapeHTML(a.Label))
		}
		progress = fmt.Sprintf("<details><summary>Activity log (%d steps)</summary><ul>%s</ul></details>",
			len(activities), items.String())
	}

	return header + progress + "<hr>" + markdownToHTML(response)
}

// FormatErrorCombinedComment is the terminal render for a failed run.
// Incomplete activities show where the run stopped.
func FormatErrorCombinedComment(activities []models.AgentActivity, errText string) string {
	header := fmt.Sprintf("<p><strong>%s — Error</strong></p>", commentAuthor)

	progress := ""
	if len(activities) > 0 {
		var items strings.Builder
		for _, a := range activities {
			icon := "❌"
			if a.Completed {
				icon = "✅"
			}
			fmt.Fprintf(&items, "<li>%s %s</li>", icon, escapeHTML(a.Label))
		}
		progress = fmt.Sprintf("<details><summary>Activity log (%d steps)</summary><ul>%s</ul></details>",
			len(activities), items.String())
	}

	return header + progress + "<p>Something went wrong while processing this request:</p><pre><code>" +
		escapeHTML(truncate(errText, 1000)) + "</code></pre>"
}

// FormatAwaitingInput renders a question from the agent and invites a
// follow-up reply.
func FormatAwaitingInput(question string) string {
	return fmt.Sprintf("<p><strong>%s — Needs Input</strong></p>%s<p><em>Reply to this issue to continue the conversation.</em></p>",
		commentAuthor, markdownToHTML(question))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
