package report

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/joescharf/zenova/internal/models"
)

func TestFormatProgressComment(t *testing.T) {
	activities := []models.AgentActivity{
		{Label: "Reading files", Completed: true},
		{Label: "Running commands"},
	}

	html := FormatProgressComment(activities, StatusWorking)
	assert.Contains(t, html, "🤖 Claude — Working...")
	assert.Contains(t, html, "<li>✅ Reading files</li>")
	assert.Contains(t, html, "<li>⏳ Running commands</li>")

	html = FormatProgressComment(nil, StatusWorking)
	assert.Contains(t, html, "Analyzing the request...")

	html = FormatProgressComment(activities, StatusComplete)
	assert.Contains(t, html, "🤖 Claude — Complete")
}

func TestFormatProgressCommentEscapesLabels(t *testing.T) {
	html := FormatProgressComment([]models.AgentActivity{{Label: "Using <script>"}}, StatusWorking)
	assert.Contains(t, html, "Using &lt;script&gt;")
	assert.NotContains(t, html, "<script>")
}

func TestFormatFinalCombinedComment(t *testing.T) {
	activities := []models.AgentActivity{
		{Label: "Reading files"},
		{Label: "Editing files"},
	}

	html := FormatFinalCombinedComment(activities, "All **done**.", "alice")
	assert.Contains(t, html, "🤖 Claude — Complete (requested by alice)")
	assert.Contains(t, html, "<summary>Activity log (2 steps)</summary>")
	assert.Contains(t, html, "<li>✅ Reading files</li>")
	assert.Contains(t, html, "<strong>done</strong>")

	// No activity section when the log is empty.
	html = FormatFinalCombinedComment(nil, "done", "")
	assert.NotContains(t, html, "<details>")
	assert.NotContains(t, html, "requested by")
}

func TestFormatErrorCombinedComment(t *testing.T) {
	activities := []models.AgentActivity{
		{Label: "Reading files", Completed: true},
		{Label: "Running commands"},
	}

	html := FormatErrorCombinedComment(activities, "exit status 1")
	assert.Contains(t, html, "🤖 Claude — Error")
	assert.Contains(t, html, "<li>✅ Reading files</li>")
	assert.Contains(t, html, "<li>❌ Running commands</li>")
	assert.Contains(t, html, "<pre><code>exit status 1</code></pre>")
}

func TestFormatErrorCombinedCommentTruncates(t *testing.T) {
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	html := FormatErrorCombinedComment(nil, string(long))
	assert.LessOrEqual(t, len(html), 1300)
}

func TestFormatAwaitingInput(t *testing.T) {
	html := FormatAwaitingInput("Which branch should I target?")
	assert.Contains(t, html, "🤖 Claude — Needs Input")
	assert.Contains(t, html, "Which branch should I target?")
	assert.Contains(t, html, "Reply to this issue to continue")
}

func TestMarkdownToHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bold", "**bold**", "<p><strong>bold</strong></p>"},
		{"italic", "*em*", "<p><em>em</em></p>"},
		{"inline code", "run `go vet`", "<p>run <code>go vet</code></p>"},
		{"link", "[docs](https://example.com)", `<p><a href="https://example.com">docs</a></p>`},
		{"paragraphs", "one\n\ntwo", "<p>one</p><p>two</p>"},
		{"line break", "one\ntwo", "<p>one<br>two</p>"},
		{"code block", "```go\nx := 1\n```", "<pre><code>x := 1\n</code></pre>"},
		{"escapes html", "<b>&</b>", "<p>&lt;b&gt;&amp;&lt;/b&gt;</p>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, markdownToHTML(tt.in))
		})
	}
}
