package stream

import "regexp"

// Pattern families checked against each completed section, in priority order.
var (
	// PRCreatedPatterns match a pull request URL.
	PRCreatedPatterns = []string{
		`https://github\.com/[^/\s]+/[^/\s]+/pull/\d+`,
	}

	// PlanPatterns match a section that opens a plan.
	PlanPatterns = []string{
		`(?im)^#{1,4}\s*(?:implementation\s+|proposed\s+)?plan\b`,
		`(?im)^\*\*(?:implementation\s+)?plan\*\*`,
		`(?i)^here(?:'s| is) (?:my|the) (?:implementation |proposed )?plan`,
		`(?i)^(?:my |the )?approach(?: will be)?:`,
		`(?i)i(?:'ll| will) (?:implement|make) the following changes`,
	}

	// QuestionPatterns match the model asking the human something directly.
	QuestionPatterns = []string{
		`(?i)\b(?:what|which|how|where|when|who|why)\b[^?.\n]*\b(?:would you|do you|should I|is the)\b[^?]*\?`,
		`(?i)(?:can|could|would) you (?:tell me|specify|clarify|explain|provide|confirm)`,
		`(?i)please (?:specify|clarify|provide|tell me|let me know|confirm)`,
		`(?i)I need (?:to know|more information|clarification|you to)`,
		`(?i)\b(?:would you like|do you want|would you prefer|should I)\b[^?]*\?`,
	}

	// ProgressPatterns match narration of work being done.
	ProgressPatterns = []string{
		`(?i)^(?:reading|writing|editing|creating|modifying|analyzing|searching|running|executing|building|testing|updating|adding|implementing)\b`,
		`(?i)^(?:let me (?:check|look|see|analyze|examine|investigate|read|search|find|run|update|create|add|fix)|now i'?ll|next,? i'?ll|i'?ll (?:now|start|begin))`,
		`(?i)^i(?:'ve| have) (?:created|updated|modified|added|fixed|implemented|removed|written)`,
	}

	// ErrorPatterns match failures reported by the model or its tools.
	ErrorPatterns = []string{
		`(?i)^error:`,
		`(?i)(?:rate limit|quota) (?:exceeded|reached)`,
		`(?i)(?:build|tests?|compilation) failed`,
	}
)

func compilePatterns(patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile(p))
	}
	return compiled
}

var (
	prRegexps       = compilePatterns(PRCreatedPatterns)
	planRegexps     = compilePatterns(PlanPatterns)
	questionRegexps = compilePatterns(QuestionPatterns)
	progressRegexps = compilePatterns(ProgressPatterns)
	errorRegexps    = compilePatterns(ErrorPatterns)
)

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
