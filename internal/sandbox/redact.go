package sandbox

import (
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// Redactor scrubs credentials from tool output before it is shown to a model.
type Redactor interface {
	Redact(content string) string
}

// GitleaksRedactor replaces secrets found by the default gitleaks rule set.
type GitleaksRedactor struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// NewGitleaksRedactor loads the default gitleaks configuration.
func NewGitleaksRedactor() (*GitleaksRedactor, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, err
	}
	return &GitleaksRedactor{detector: detector}, nil
}

// Redact returns content with each detected secret replaced by a marker
// naming the rule that matched it.
func (g *GitleaksRedactor) Redact(content string) string {
	if content == "" {
		return content
	}

	g.mu.Lock()
	findings := g.detector.DetectString(content)
	g.mu.Unlock()

	for _, f := range findings {
		if f.Secret == "" {
			continue
		}
		content = strings.ReplaceAll(content, f.Secret, "[REDACTED:"+f.RuleID+"]")
	}
	return content
}

type nopRedactor struct{}

func (nopRedactor) Redact(content string) string { return content }
