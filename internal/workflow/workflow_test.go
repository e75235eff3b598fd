package workflow

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	aerrors "github.com/astrid-app/astrid-agent/internal/errors"
	"github.com/astrid-app/astrid-agent/internal/plan"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusAwaitingApproval, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusTesting, false},
		{StatusAwaitingApproval, StatusTesting, true},
		{StatusAwaitingApproval, StatusCompleted, false},
		{StatusTesting, StatusReadyToMerge, true},
		{StatusTesting, StatusCompleted, true},
		{StatusReadyToMerge, StatusCompleted, true},
		{StatusReadyToMerge, StatusTesting, false},
		{StatusFailed, StatusPending, true},
		{StatusFailed, StatusTesting, false},
		{StatusCompleted, StatusPending, false},
		{StatusCompleted, StatusFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestEveryNonTerminalStatusCanFail(t *testing.T) {
	for _, s := range AllStatuses() {
		if s == StatusCompleted || s == StatusFailed {
			continue
		}
		if !CanTransition(s, StatusFailed) {
			t.Errorf("%s cannot transition to FAILED", s)
		}
	}
}

func TestStatus_Valid(t *testing.T) {
	for _, s := range AllStatuses() {
		if !s.Valid() {
			t.Errorf("%s.Valid() = false", s)
		}
	}
	if Status("MERGED").Valid() {
		t.Error("unknown status reported valid")
	}
	if !StatusCompleted.Terminal() || StatusFailed.Terminal() {
		t.Error("only COMPLETED is terminal")
	}
}

func TestWorkflow_TransitionTo(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := created.Add(time.Minute)
	wf := &Workflow{ID: "wf-1", TaskID: "t1", Status: StatusPending, CreatedAt: created, UpdatedAt: created}

	if err := wf.TransitionTo(StatusAwaitingApproval, later); err != nil {
		t.Fatalf("TransitionTo() error = %v", err)
	}
	if wf.Status != StatusAwaitingApproval || !wf.UpdatedAt.Equal(later) {
		t.Errorf("workflow = %+v", wf)
	}

	err := wf.TransitionTo(StatusCompleted, later.Add(time.Minute))
	if !errors.Is(err, aerrors.ErrInvalidTransition) {
		t.Fatalf("TransitionTo(COMPLETED) error = %v, want ErrInvalidTransition", err)
	}
	if wf.Status != StatusAwaitingApproval || !wf.UpdatedAt.Equal(later) {
		t.Error("rejected transition mutated the workflow")
	}
}

func TestMetadata_RoundTrip(t *testing.T) {
	in := Metadata{
		Plan: &plan.ImplementationPlan{
			Summary: "Add login",
			Files:   []plan.PlannedFile{{Path: "auth.go", Purpose: "login handler"}},
		},
		Execution: &Execution{Branch: "astrid/task-abcdef12", PRURL: "https://github.com/o/r/pull/1"},
		Extra:     map[string]json.RawMessage{"customKey": json.RawMessage(`{"a":1}`)},
	}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}

	var out Metadata
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Version != MetadataVersion {
		t.Errorf("Version = %d, want %d", out.Version, MetadataVersion)
	}
	if out.PRURL() != "https://github.com/o/r/pull/1" {
		t.Errorf("PRURL() = %q", out.PRURL())
	}
	if out.Plan == nil || out.Plan.Summary != "Add login" || len(out.Plan.Files) != 1 {
		t.Errorf("Plan = %+v", out.Plan)
	}
	if string(out.Extra["customKey"]) != `{"a":1}` {
		t.Errorf("unknown key not preserved: %v", out.Extra)
	}
}

func TestMetadata_UpgradeLegacy(t *testing.T) {
	legacy := `{
		"error": "push rejected",
		"step": "push",
		"userFeedback": "try force",
		"retryTriggeredAt": "2026-01-02T03:04:05Z",
		"githubActionsStatus": "success"
	}`

	var m Metadata
	if err := json.Unmarshal([]byte(legacy), &m); err != nil {
		t.Fatal(err)
	}

	if m.Failure == nil || m.Failure.Error != "push rejected" || m.Failure.Step != "push" {
		t.Errorf("Failure = %+v", m.Failure)
	}
	if m.UserFeedback() != "try force" {
		t.Errorf("UserFeedback() = %q", m.UserFeedback())
	}
	if m.Retry == nil || m.Retry.RetryTriggeredAt.Year() != 2026 {
		t.Errorf("Retry = %+v", m.Retry)
	}
	if m.CI == nil || m.CI.GitHubActionsStatus != "success" {
		t.Errorf("CI = %+v", m.CI)
	}
	if _, ok := m.Extra["error"]; !ok {
		t.Error("legacy keys should be preserved")
	}
}

func TestMetadata_VersionedSkipsUpgrade(t *testing.T) {
	var m Metadata
	if err := json.Unmarshal([]byte(`{"version":1,"error":"stale"}`), &m); err != nil {
		t.Fatal(err)
	}
	if m.Failure != nil {
		t.Error("versioned metadata should not be upgraded")
	}
}

func TestMetadata_EmptyAccessors(t *testing.T) {
	var m Metadata
	if m.UserFeedback() != "" || m.PRURL() != "" {
		t.Error("zero metadata accessors should be empty")
	}
}
