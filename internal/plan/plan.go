// Package plan holds the structured artifacts passed between the planning
// and execution phases and the parser that recovers a plan from model prose.
package plan

import (
	"fmt"
	"strings"
)

// FileAction is the kind of change an execution made to a file.
type FileAction string

const (
	ActionCreate FileAction = "create"
	ActionModify FileAction = "modify"
	ActionDelete FileAction = "delete"
)

// PlannedFile is one file a plan intends to touch.
type PlannedFile struct {
	Path    string `json:"path"`
	Purpose string `json:"purpose"`
	Changes string `json:"changes"`
}

// ImplementationPlan is the approved description of what execution will do.
type ImplementationPlan struct {
	Summary             string        `json:"summary"`
	Approach            string        `json:"approach"`
	Files               []PlannedFile `json:"files"`
	EstimatedComplexity string        `json:"estimatedComplexity"`
	Considerations      []string      `json:"considerations"`
}

// FileChange is a single mutation reported by a sandbox tool.
type FileChange struct {
	Path    string     `json:"path"`
	Content string     `json:"content"`
	Action  FileAction `json:"action"`
}

// Usage is the advisory token and cost accounting for one phase.
type Usage struct {
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	CostUSD      float64 `json:"costUSD"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CostUSD += other.CostUSD
}

// ExecutionResult is what the execution phase hands back to the orchestrator.
type ExecutionResult struct {
	Success       bool         `json:"success"`
	Files         []FileChange `json:"files"`
	CommitMessage string       `json:"commitMessage"`
	PRTitle       string       `json:"prTitle"`
	PRDescription string       `json:"prDescription"`
	Usage         *Usage       `json:"usage,omitempty"`
	Error         string       `json:"error,omitempty"`
}

// PlanningResult is what the planning phase hands back to the orchestrator.
type PlanningResult struct {
	Plan       *ImplementationPlan `json:"plan"`
	Iterations int                 `json:"iterations"`
	Usage      *Usage              `json:"usage,omitempty"`
}

// Markdown renders the plan as the comment posted for approval.
func (p *ImplementationPlan) Markdown() string {
	var sb strings.Builder
	sb.WriteString("## Implementation Plan\n\n")
	if p.Summary != "" {
		sb.WriteString(p.Summary + "\n\n")
	}
	if p.Approach != "" {
		sb.WriteString("### Approach\n\n" + p.Approach + "\n\n")
	}
	sb.WriteString("### Files\n\n")
	for _, f := range p.Files {
		fmt.Fprintf(&sb, "- `%s`", f.Path)
		if f.Purpose != "" {
			sb.WriteString(": " + f.Purpose)
		}
		sb.WriteString("\n")
		if f.Changes != "" {
			sb.WriteString("  - " + f.Changes + "\n")
		}
	}
	if p.EstimatedComplexity != "" {
		fmt.Fprintf(&sb, "\n**Estimated complexity:** %s\n", p.EstimatedComplexity)
	}
	if len(p.Considerations) > 0 {
		sb.WriteString("\n### Considerations\n\n")
		for _, c := range p.Considerations {
			sb.WriteString("- " + c + "\n")
		}
	}
	sb.WriteString("\nReply **approve** to start implementation, or describe the changes you want.")
	return sb.String()
}
