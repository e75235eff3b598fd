// Package stream classifies an executor's incremental text output into
// discrete human-facing events.
//
// Output is buffered and split on blank lines. Each completed section is
// checked for a pull request URL, a plan header, a direct question, a
// progress narration, and finally an error, and emitted at most once per
// category window. Plans and questions are also deduplicated by a hash of
// their opening text, so a model repeating itself across iterations does
// not produce repeated comments.
package stream

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"
)

// ContentType is the category of a detected section.
type ContentType string

const (
	ContentPR       ContentType = "pr"
	ContentPlan     ContentType = "plan"
	ContentQuestion ContentType = "question"
	ContentProgress ContentType = "progress"
	ContentError    ContentType = "error"
)

// Rate-limit windows per category.
const (
	PlanInterval     = 30 * time.Second
	QuestionInterval = 60 * time.Second
	ProgressInterval = 15 * time.Second
)

// Display limits.
const (
	MaxPlanDisplay     = 1000
	MaxQuestionDisplay = 500
	MaxProgressDisplay = 200
	MaxErrorDisplay    = 500

	// dedupPrefix is how much of a section contributes to its dedup hash.
	dedupPrefix = 100
)

const truncationMarker = "\n\n... (truncated)"

// Detected is one event extracted from the stream.
type Detected struct {
	Type    ContentType `json:"type"`
	Content string      `json:"content"`
	URL     string      `json:"url,omitempty"`
}

// ParserState holds the per-session buffer, rate limiters, and dedup sets.
// One ParserState belongs to one in-flight executor session and must not be
// shared between goroutines.
type ParserState struct {
	buffer strings.Builder

	LastPlanPosted     time.Time
	LastQuestionPosted time.Time
	LastProgressPosted time.Time

	PostedPlans     map[string]struct{}
	PostedQuestions map[string]struct{}
	postedPRs       map[string]struct{}

	plan     *rate.Limiter
	question *rate.Limiter
	progress *rate.Limiter

	now func() time.Time
}

// Option configures a ParserState.
type Option func(*ParserState)

// WithClock overrides the time source used for rate limiting.
func WithClock(now func() time.Time) Option {
	return func(s *ParserState) {
		s.now = now
	}
}

// NewState returns an empty ParserState.
func NewState(opts ...Option) *ParserState {
	s := &ParserState{
		PostedPlans:     make(map[string]struct{}),
		PostedQuestions: make(map[string]struct{}),
		postedPRs:       make(map[string]struct{}),
		plan:            rate.NewLimiter(rate.Every(PlanInterval), 1),
		question:        rate.NewLimiter(rate.Every(QuestionInterval), 1),
		progress:        rate.NewLimiter(rate.Every(ProgressInterval), 1),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pending returns the buffered text that has not yet formed a complete section.
func (s *ParserState) Pending() string {
	return s.buffer.String()
}

var sectionBoundary = regexp.MustCompile(`\n[ \t]*\n`)

// ParseChunk appends text to the state's buffer and classifies every section
// completed by it. The trailing incomplete section stays buffered.
func ParseChunk(text string, state *ParserState) []Detected {
	state.buffer.WriteString(text)
	buffered := state.buffer.String()

	parts := sectionBoundary.Split(buffered, -1)
	if len(parts) == 1 {
		return nil
	}

	state.buffer.Reset()
	state.buffer.WriteString(parts[len(parts)-1])

	var out []Detected
	for _, section := range parts[:len(parts)-1] {
		if d, ok := classify(strings.TrimSpace(section), state); ok {
			out = append(out, d)
		}
	}
	return out
}

// Flush classifies whatever remains in the buffer, for use when a session ends.
func Flush(state *ParserState) []Detected {
	rest := strings.TrimSpace(state.buffer.String())
	state.buffer.Reset()
	if rest == "" {
		return nil
	}
	if d, ok := classify(rest, state); ok {
		return []Detected{d}
	}
	return nil
}

func classify(section string, state *ParserState) (Detected, bool) {
	if section == "" {
		return Detected{}, false
	}
	now := state.now()

	if url := firstMatch(prRegexps, section); url != "" {
		if _, seen := state.postedPRs[url]; seen {
			return Detected{}, false
		}
		state.postedPRs[url] = struct{}{}
		return Detected{Type: ContentPR, Content: truncate(section, MaxProgressDisplay), URL: url}, true
	}

	if matchAny(planRegexps, section) {
		if !admit(section, state.PostedPlans, state.plan, now) {
			return Detected{}, false
		}
		state.LastPlanPosted = now
		return Detected{Type: ContentPlan, Content: truncate(section, MaxPlanDisplay)}, true
	}

	if matchAny(questionRegexps, section) {
		if !admit(section, state.PostedQuestions, state.question, now) {
			return Detected{}, false
		}
		state.LastQuestionPosted = now
		return Detected{Type: ContentQuestion, Content: truncate(section, MaxQuestionDisplay)}, true
	}

	if matchAny(progressRegexps, section) {
		if !state.progress.AllowN(now, 1) {
			return Detected{}, false
		}
		state.LastProgressPosted = now
		return Detected{Type: ContentProgress, Content: truncate(firstLine(section), MaxProgressDisplay)}, true
	}

	if matchAny(errorRegexps, section) {
		return Detected{Type: ContentError, Content: truncate(section, MaxErrorDisplay)}, true
	}

	return Detected{}, false
}

// admit applies dedup then the category rate limit. A rate-limited section
// is not recorded, so it may still be emitted once the window reopens.
func admit(section string, posted map[string]struct{}, limiter *rate.Limiter, now time.Time) bool {
	key := contentHash(section)
	if _, seen := posted[key]; seen {
		return false
	}
	if !limiter.AllowN(now, 1) {
		return false
	}
	posted[key] = struct{}{}
	return true
}

func contentHash(section string) string {
	prefix := section
	if utf8.RuneCountInString(prefix) > dedupPrefix {
		prefix = string([]rune(prefix)[:dedupPrefix])
	}
	sum := sha256.Sum256([]byte(prefix))
	return hex.EncodeToString(sum[:])
}

func firstMatch(res []*regexp.Regexp, s string) string {
	for _, re := range res {
		if m := re.FindString(s); m != "" {
			return m
		}
	}
	return ""
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + truncationMarker
}
