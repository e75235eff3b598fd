package executor

import (
	"bytes"
	"text/template"

	"github.com/astrid-app/astrid-agent/internal/plan"
	"github.com/astrid-app/astrid-agent/internal/workflow"
)

const planningSystemPrompt = `You are a senior software engineer planning a change to an existing repository.
You can explore the repository with read_file, glob_files, grep_search and run_bash.
You cannot modify files during planning.

Explore before you plan. Read the files you intend to change and find their callers.
When you understand the change, reply with a short explanation followed by exactly one
fenced json block of this shape:

` + "```json" + `
{
  "summary": "one sentence",
  "approach": "how the change will be made",
  "files": [{"path": "relative/path", "purpose": "why it changes", "changes": "what changes"}],
  "estimatedComplexity": "low | medium | high",
  "considerations": ["risks, edge cases, follow-ups"]
}
` + "```" + `

The files list must name every file you will create or modify. A plan with no files is rejected.`

const executionSystemPrompt = `You are a senior software engineer implementing an approved plan in a repository.
Use read_file before editing a file. Prefer edit_file for small changes and write_file for new files.
Run the project's tests or build with run_bash when it is practical.
You cannot push, change git topology, or touch protected paths.

When the implementation is complete call task_complete with a conventional commit message,
a pull request title and a pull request description. Do not call task_complete before the
change is implemented.`

var planningUserTmpl = template.Must(template.New("planning").Parse(`# Task: {{.Task.Title}}
{{if .Task.ListDescription}}
List: {{.Task.ListDescription}}
{{end}}
{{if .Task.Description}}
## Description

{{.Task.Description}}
{{end}}
{{if .PreviousError}}
## Previous attempt failed
{{if .FailedStep}}
Step: {{.FailedStep}}
{{end}}
` + "```" + `
{{.PreviousError}}
` + "```" + `
{{end}}
{{if .Feedback}}
## Feedback from the task owner

{{.Feedback}}
{{end}}
Explore the repository and produce an implementation plan.`))

var executionUserTmpl = template.Must(template.New("execution").Parse(`# Task: {{.Task.Title}}
{{if .Task.Description}}
{{.Task.Description}}
{{end}}
## Approved plan

{{.Plan.Summary}}
{{if .Plan.Approach}}
Approach: {{.Plan.Approach}}
{{end}}
Files:
{{range .Plan.Files}}- ` + "`{{.Path}}`" + `{{if .Purpose}}: {{.Purpose}}{{end}}{{if .Changes}} ({{.Changes}}){{end}}
{{end}}
{{if .Plan.Considerations}}Considerations:
{{range .Plan.Considerations}}- {{.}}
{{end}}{{end}}
{{if .Feedback}}
## Requested changes

The task owner reviewed the previous implementation and asked for:

{{.Feedback}}
{{end}}
Implement the plan now.`))

// Re-prompts sent when the model stops short.
const (
	nudgeUseTools = "Do not answer from assumptions. Use the tools to explore the repository before responding."
	nudgeNoFiles  = "Your plan lists no files. Explore further, identify the concrete files to change, and reply with a complete plan."
	nudgeNoPlan   = "I could not find a plan in your reply. Reply with the fenced json plan block described in your instructions."
	nudgeContinue = "Continue implementing the plan with the tools. Call task_complete when the change is done."
)

type planningData struct {
	Task          workflow.Task
	Feedback      string
	PreviousError string
	FailedStep    string
}

type executionData struct {
	Task     workflow.Task
	Plan     *plan.ImplementationPlan
	Feedback string
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
