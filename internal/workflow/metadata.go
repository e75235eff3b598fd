package workflow

import (
	"encoding/json"
	"time"

	"github.com/astrid-app/astrid-agent/internal/plan"
)

// MetadataVersion is written into every serialized Metadata.
const MetadataVersion = 1

// Failure records why a phase failed.
type Failure struct {
	Error    string    `json:"error"`
	Step     string    `json:"step"`
	FailedAt time.Time `json:"failedAt"`
}

// Retry records the most recent retry request.
type Retry struct {
	UserFeedback     string    `json:"userFeedback"`
	RetryTriggeredAt time.Time `json:"retryTriggeredAt"`
	Attempt          int       `json:"attempt"`
	// PreviousError is the failure that the retry is responding to.
	PreviousError string `json:"previousError,omitempty"`
	FailedStep    string `json:"failedStep,omitempty"`
}

// Execution records the outcome of the latest execution phase.
type Execution struct {
	Branch        string            `json:"branch"`
	Files         []plan.FileChange `json:"files,omitempty"`
	CommitMessage string            `json:"commitMessage,omitempty"`
	PRURL         string            `json:"prUrl,omitempty"`
	Feedback      string            `json:"feedback,omitempty"`
	Usage         *plan.Usage       `json:"usage,omitempty"`
}

// CI records external test status.
type CI struct {
	GitHubActionsStatus string    `json:"githubActionsStatus"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Metadata is the typed replacement for the free-form workflow metadata map.
// Each known payload lives in its own optional field; keys written by older
// versions that this build does not model are kept in Extra and written back
// unchanged.
type Metadata struct {
	Version   int                        `json:"version"`
	Failure   *Failure                   `json:"failure,omitempty"`
	Retry     *Retry                     `json:"retry,omitempty"`
	Plan      *plan.ImplementationPlan   `json:"plan,omitempty"`
	Execution *Execution                 `json:"execution,omitempty"`
	CI        *CI                        `json:"ci,omitempty"`
	Legacy    bool                       `json:"legacy,omitempty"`
	Extra     map[string]json.RawMessage `json:"-"`
}

var knownMetadataKeys = map[string]bool{
	"version": true, "failure": true, "retry": true, "plan": true,
	"execution": true, "ci": true, "legacy": true,
}

// legacyFlat covers the flat keys older writers used.
type legacyFlat struct {
	Error               string `json:"error"`
	Step                string `json:"step"`
	PreviousError       string `json:"previousError"`
	FailedStep          string `json:"failedStep"`
	UserFeedback        string `json:"userFeedback"`
	RetryTriggeredAt    string `json:"retryTriggeredAt"`
	GitHubActionsStatus string `json:"githubActionsStatus"`
}

type metadataAlias Metadata

// MarshalJSON writes known fields and re-emits any preserved unknown keys.
func (m Metadata) MarshalJSON() ([]byte, error) {
	m.Version = MetadataVersion
	known, err := json.Marshal(metadataAlias(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return known, nil
	}

	merged := make(map[string]json.RawMessage, len(m.Extra)+6)
	for k, v := range m.Extra {
		merged[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON reads a versioned document, upgrading flat legacy keys.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var alias metadataAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*m = Metadata(alias)

	for k, v := range raw {
		if knownMetadataKeys[k] {
			continue
		}
		if m.Extra == nil {
			m.Extra = make(map[string]json.RawMessage)
		}
		m.Extra[k] = v
	}

	if m.Version == 0 {
		m.upgradeLegacy()
	}
	return nil
}

// upgradeLegacy lifts flat keys from unversioned documents into typed fields.
// The original keys stay in Extra so older readers still see them.
func (m *Metadata) upgradeLegacy() {
	if len(m.Extra) == 0 {
		return
	}

	var flat legacyFlat
	if b, err := json.Marshal(m.Extra); err == nil {
		_ = json.Unmarshal(b, &flat)
	}

	if m.Failure == nil && (flat.Error != "" || flat.PreviousError != "") {
		m.Failure = &Failure{Error: firstNonEmpty(flat.Error, flat.PreviousError), Step: firstNonEmpty(flat.Step, flat.FailedStep)}
	}
	if m.Retry == nil && flat.UserFeedback != "" {
		r := &Retry{UserFeedback: flat.UserFeedback, PreviousError: flat.PreviousError, FailedStep: flat.FailedStep}
		if ts, err := time.Parse(time.RFC3339, flat.RetryTriggeredAt); err == nil {
			r.RetryTriggeredAt = ts
		}
		m.Retry = r
	}
	if m.CI == nil && flat.GitHubActionsStatus != "" {
		m.CI = &CI{GitHubActionsStatus: flat.GitHubActionsStatus}
	}
}

// UserFeedback returns the pending retry feedback, if any.
func (m Metadata) UserFeedback() string {
	if m.Retry == nil {
		return ""
	}
	return m.Retry.UserFeedback
}

// PRURL returns the pull request recorded by the last execution.
func (m Metadata) PRURL() string {
	if m.Execution == nil {
		return ""
	}
	return m.Execution.PRURL
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
