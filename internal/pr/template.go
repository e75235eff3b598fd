package pr

import (
	"bytes"
	"regexp"
	"sort"
	"strings"
	"text/template"

	"github.com/gobwas/glob"
)

// TemplateData contains all data available to PR templates
type TemplateData struct {
	// Summary is the model-written PR description
	Summary string
	// Task is the task title
	Task string
	// TaskID identifies the task that produced the branch
	TaskID string
	// Branch is the branch name
	Branch string
	// ChangedFiles is a list of modified file paths
	ChangedFiles []string
	// LinkedIssue is any detected issue reference (e.g., "#42")
	LinkedIssue string
}

// DefaultBodyTemplate is used when no custom template is configured.
const DefaultBodyTemplate = `{{.Summary}}
{{if .ChangedFiles}}
## Changed files

{{range .ChangedFiles}}- ` + "`{{.}}`" + `
{{end}}{{end}}
{{if .LinkedIssue}}Closes {{.LinkedIssue}}
{{end}}
---
Task {{.TaskID}} on ` + "`{{.Branch}}`" + `
`

// RenderTemplate renders a custom PR body template with the given data
func RenderTemplate(tmplStr string, data TemplateData) (string, error) {
	tmpl, err := template.New("pr-template").Parse(tmplStr)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

// RenderBody renders the default body template.
func RenderBody(data TemplateData) string {
	body, err := RenderTemplate(DefaultBodyTemplate, data)
	if err != nil {
		return data.Summary
	}
	return body
}

var issuePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:fixes|fix|closes|close|resolves|resolve)\s*#(\d+)`),
	regexp.MustCompile(`#(\d+)`),
}

// ExtractIssueReference extracts issue references from text
// Supports formats: #123, fixes #123, closes #123, resolves #123
func ExtractIssueReference(text string) string {
	for _, re := range issuePatterns {
		if matches := re.FindStringSubmatch(text); len(matches) >= 2 {
			return "#" + matches[1]
		}
	}
	return ""
}

// ResolveReviewers determines reviewers based on changed files and config
func ResolveReviewers(changedFiles []string, defaultReviewers []string, byPath map[string][]string) []string {
	reviewerSet := make(map[string]bool)

	for _, r := range defaultReviewers {
		reviewerSet[normalizeReviewer(r)] = true
	}

	for pattern, reviewers := range byPath {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			continue
		}

		for _, file := range changedFiles {
			if g.Match(file) {
				for _, r := range reviewers {
					reviewerSet[normalizeReviewer(r)] = true
				}
				break
			}
		}
	}

	result := make([]string, 0, len(reviewerSet))
	for r := range reviewerSet {
		if r != "" {
			result = append(result, r)
		}
	}
	sort.Strings(result)
	return result
}

// normalizeReviewer removes @ prefix from reviewer handles
func normalizeReviewer(reviewer string) string {
	return strings.TrimPrefix(strings.TrimSpace(reviewer), "@")
}
