package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joescharf/zenova/internal/models"
	"github.com/joescharf/zenova/internal/report"
)

const inlineSystemPrompt = `You are a senior software engineer and technical lead. You are reviewing tickets from a project management system.

When given a ticket/issue, provide:
1. **Analysis** — What exactly needs to be done and why
2. **Implementation Plan** — Step-by-step technical approach
3. **Code** — Concrete code snippets or pseudocode where relevant
4. **Acceptance Criteria** — How to verify the task is done correctly

Be specific, technical, and actionable.`

// runInline answers the ticket directly through the Anthropic API when
// no worker runtime is available. It produces analysis rather than code
// changes, but keeps the session and comment flow identical.
func (r *Runner) runInline(ctx context.Context, task *models.QueuedTask, secrets map[string]string, reporter *report.Reporter, opts RunOptions) error {
	apiKey := secrets["CLAUDE_CODE_OAUTH_TOKEN"]
	if apiKey == "" {
		apiKey = secrets["ANTHROPIC_API_KEY"]
	}
	if apiKey == "" {
		return reporter.FinalizeError(ctx, "no Anthropic API key available for inline agent")
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	payload, err := task.DecodePayload()
	if err != nil {
		return reporter.FinalizeError(ctx, "invalid task payload: "+err.Error())
	}

	var details []string
	details = append(details, "Title: "+payload.Name)
	if payload.DescriptionStripped != "" {
		details = append(details, "Description:\n"+payload.DescriptionStripped)
	}
	if payload.Priority != "" {
		details = append(details, "Priority: "+payload.Priority)
	}
	if opts.Prompt != "" {
		details = append(details, "Request: "+opts.Prompt)
	}

	msg, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(r.model),
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: inlineSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(
				fmt.Sprintf("Please analyze this ticket and provide a complete technical plan:\n\n%s",
					strings.Join(details, "\n\n")))),
		},
	})
	if err != nil {
		r.logger.Error("inline agent API call failed", "task", task.ID, "error", err)
		return reporter.FinalizeError(ctx, "inline agent failed: "+err.Error())
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return reporter.FinalizeError(ctx, "inline agent returned no text")
	}

	return reporter.Finalize(ctx, text, opts.ActorName)
}
