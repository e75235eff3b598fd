// Package classifier turns free-text comments into typed workflow actions.
//
// Classification is a pure keyword count: each family scores one point per
// keyword found as a substring of the lowercased comment. Merge wins
// outright whenever it scores, then changes-requested beats approve only if
// it scores strictly higher.
package classifier

import (
	"regexp"
	"strings"
)

// ActionType is the intent extracted from a comment.
type ActionType string

const (
	ActionNone             ActionType = "none"
	ActionApprove          ActionType = "approve"
	ActionMerge            ActionType = "merge"
	ActionChangesRequested ActionType = "changes_requested"
	ActionRetry            ActionType = "retry"
)

// ActionableThreshold is the minimum confidence a result needs to be acted on.
const ActionableThreshold = 0.2

// Per-keyword weights.
const (
	mergeWeight   = 0.3
	changesWeight = 0.25
	approveWeight = 0.3
)

// Action is a transient classification result.
type Action struct {
	Type       ActionType `json:"type"`
	Confidence float64    `json:"confidence"`
	Feedback   string     `json:"feedback,omitempty"`
}

// Actionable reports whether the orchestrator should act on a.
func (a Action) Actionable() bool {
	return a.Type != ActionNone && a.Confidence >= ActionableThreshold
}

var mergeKeywords = []string{
	"merge",
	"ship it",
	"deploy",
	"go live",
	"release it",
	"push to prod",
}

var approveKeywords = []string{
	"approve",
	"lgtm",
	"looks good",
	"ship",
	"go ahead",
	"proceed",
	"sounds good",
	"let's do it",
	"good to go",
	"👍",
}

var changesKeywords = []string{
	"change",
	"instead",
	"don't",
	"do not",
	"rather",
	"should",
	"modify",
	"fix",
	"wrong",
	"not quite",
	"revise",
	"missing",
	"however",
}

var sentenceSplit = regexp.MustCompile(`[.!?\n]+`)

// Classifier is the keyword classifier. The zero value is ready to use.
type Classifier struct{}

// New returns a Classifier.
func New() *Classifier {
	return &Classifier{}
}

// Classify implements the orchestrator's comment classifier dependency.
func (c *Classifier) Classify(text string) Action {
	return Classify(text)
}

// Classify maps comment text to an action.
func Classify(text string) Action {
	lower := strings.ToLower(text)

	merge := score(lower, mergeKeywords)
	changes := score(lower, changesKeywords)
	approve := score(lower, approveKeywords)

	switch {
	case merge > 0:
		return Action{Type: ActionMerge, Confidence: confidence(merge, mergeWeight)}
	case changes > 0 && changes > approve:
		return Action{
			Type:       ActionChangesRequested,
			Confidence: confidence(changes, changesWeight),
			Feedback:   extractFeedback(text),
		}
	case approve > 0:
		return Action{Type: ActionApprove, Confidence: confidence(approve, approveWeight)}
	default:
		return Action{Type: ActionNone, Confidence: 0}
	}
}

func score(lower string, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			n++
		}
	}
	return n
}

func confidence(score int, weight float64) float64 {
	return min(float64(score)*weight, 1)
}

// extractFeedback keeps the sentences that contain a change-request keyword.
// The whole trimmed comment is returned when no single sentence matches.
func extractFeedback(text string) string {
	var kept []string
	for _, sentence := range sentenceSplit.Split(text, -1) {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}
		if score(strings.ToLower(sentence), changesKeywords) > 0 {
			kept = append(kept, sentence)
		}
	}
	if len(kept) == 0 {
		return strings.TrimSpace(text)
	}
	return strings.Join(kept, ". ")
}
