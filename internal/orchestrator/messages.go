package orchestrator

import (
	"fmt"
	"strings"

	"github.com/astrid-app/astrid-agent/internal/plan"
	"github.com/astrid-app/astrid-agent/internal/stream"
	"github.com/astrid-app/astrid-agent/internal/util"
)

func planComment(p *plan.ImplementationPlan) string {
	return p.Markdown() + "\n---\nReply **approve** to implement this plan, or describe what should change."
}

func failureComment(step string, err error) string {
	return fmt.Sprintf("❌ %s failed\n\n```\n%s\n```\n\nReply with any comment to retry; your comment is passed along as feedback.",
		util.Capitalize(step), err)
}

func retryComment(attempt int) string {
	return fmt.Sprintf("🔄 Retrying with your feedback (attempt %d).", attempt)
}

func executionComment(res *plan.ExecutionResult, changed []string, prURL string) string {
	var sb strings.Builder
	sb.WriteString("✅ Implementation complete\n\n")
	if res.CommitMessage != "" {
		sb.WriteString("**" + util.FirstLine(res.CommitMessage) + "**\n\n")
	}
	if len(changed) > 0 {
		sb.WriteString("Changed files:\n")
		for _, f := range changed {
			sb.WriteString("- `" + f + "`\n")
		}
		sb.WriteString("\n")
	}
	if prURL != "" {
		sb.WriteString("Pull request: " + prURL + "\n\n")
	}
	sb.WriteString("Reply **ship it** to merge, or describe what should change.")
	return sb.String()
}

func completedComment(prURL string) string {
	if prURL == "" {
		return "🚀 Task completed."
	}
	return "🚀 Task completed. Pull request: " + prURL
}

func detectedComment(d stream.Detected) string {
	switch d.Type {
	case stream.ContentPR:
		return "🔗 Pull request created: " + d.URL
	case stream.ContentPlan:
		return "📋 " + d.Content
	case stream.ContentQuestion:
		return "❓ " + d.Content
	case stream.ContentError:
		return "⚠️ " + d.Content
	default:
		return "⏳ " + d.Content
	}
}

func questionComment(question string, options []string) string {
	var sb strings.Builder
	sb.WriteString("❓ " + question)
	for i, opt := range options {
		fmt.Fprintf(&sb, "\n%d. %s", i+1, opt)
	}
	return sb.String()
}
