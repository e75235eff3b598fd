package plan

import (
	"errors"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantErr   error
		wantFiles int
		wantSum   string
	}{
		{
			name: "fenced json block",
			input: "I explored the repo.\n\n```json\n" +
				`{"summary":"Add login","approach":"handler","files":[{"path":"auth.go","purpose":"p","changes":"c"}],"estimatedComplexity":"Low","considerations":["tests"]}` +
				"\n```\n",
			wantFiles: 1,
			wantSum:   "Add login",
		},
		{
			name: "untagged fence",
			input: "```\n" +
				`{"summary":"s","files":[{"path":"a.go"},{"path":"b.go"}]}` +
				"\n```",
			wantFiles: 2,
			wantSum:   "s",
		},
		{
			name: "skips non-plan json and other languages",
			input: "```go\nfunc main() {}\n```\n\n```json\n{\"name\":\"pkg\"}\n```\n\n```json\n" +
				`{"summary":"second","files":[{"path":"x.go"}]}` + "\n```",
			wantFiles: 1,
			wantSum:   "second",
		},
		{
			name:      "bare object",
			input:     `  {"summary":"bare","files":[{"path":"main.go"}]}  `,
			wantFiles: 1,
			wantSum:   "bare",
		},
		{
			name:    "empty files rejected",
			input:   "```json\n{\"summary\":\"nothing\",\"files\":[]}\n```",
			wantErr: ErrNoFiles,
		},
		{
			name:    "blank paths count as empty",
			input:   "```json\n{\"summary\":\"x\",\"files\":[{\"path\":\"  \"}]}\n```",
			wantErr: ErrNoFiles,
		},
		{
			name:    "prose only",
			input:   "I think we should edit main.go.",
			wantErr: ErrNoPlanBlock,
		},
		{
			name:    "malformed json",
			input:   "```json\n{\"summary\": \n```",
			wantErr: ErrNoPlanBlock,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse(tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Parse() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse() unexpected error: %v", err)
			}
			if len(p.Files) != tt.wantFiles {
				t.Errorf("len(Files) = %d, want %d", len(p.Files), tt.wantFiles)
			}
			if p.Summary != tt.wantSum {
				t.Errorf("Summary = %q, want %q", p.Summary, tt.wantSum)
			}
		})
	}
}

func TestParse_NormalizesComplexity(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"HIGH", "high"},
		{" low ", "low"},
		{"enormous", "medium"},
		{"", "medium"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p, err := Parse(`{"summary":"s","files":[{"path":"a"}],"estimatedComplexity":"` + tt.in + `"}`)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if p.EstimatedComplexity != tt.want {
				t.Errorf("EstimatedComplexity = %q, want %q", p.EstimatedComplexity, tt.want)
			}
		})
	}
}

func TestImplementationPlan_Markdown(t *testing.T) {
	p := &ImplementationPlan{
		Summary:             "Add a health endpoint",
		Approach:            "New echo route",
		Files:               []PlannedFile{{Path: "server.go", Purpose: "route", Changes: "add GET /health"}},
		EstimatedComplexity: "low",
		Considerations:      []string{"keep it unauthenticated"},
	}

	got := p.Markdown()
	for _, want := range []string{"## Implementation Plan", "`server.go`: route", "add GET /health", "**Estimated complexity:** low", "keep it unauthenticated", "approve"} {
		if !strings.Contains(got, want) {
			t.Errorf("Markdown() missing %q:\n%s", want, got)
		}
	}
}

func TestUsage_Add(t *testing.T) {
	u := Usage{InputTokens: 10, OutputTokens: 5, CostUSD: 0.5}
	u.Add(Usage{InputTokens: 1, OutputTokens: 2, CostUSD: 0.25})
	if u.InputTokens != 11 || u.OutputTokens != 7 || u.CostUSD != 0.75 {
		t.Errorf("Add() = %+v", u)
	}
}
