package plan

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/astrid-app/astrid-agent/internal/errors"
)

// ErrNoPlanBlock indicates the text contained no plan-shaped JSON.
var ErrNoPlanBlock = errors.New("no implementation plan found in response")

// ErrNoFiles indicates a plan that names no files. Such a plan is never
// accepted; the planner must keep exploring.
var ErrNoFiles = errors.New("plan lists no files")

var validComplexity = map[string]bool{"low": true, "medium": true, "high": true}

var md = goldmark.New()

// Parse recovers an ImplementationPlan from model output. Fenced code blocks
// tagged json (or untagged) are tried in order and the first one that decodes
// to a plan-shaped object wins. A bare JSON object is accepted when there are
// no fences. The returned error is a ValidationError wrapping ErrNoPlanBlock
// or ErrNoFiles.
func Parse(response string) (*ImplementationPlan, error) {
	source := []byte(response)

	for _, block := range fencedBlocks(source) {
		p, ok := decodeCandidate(block)
		if !ok {
			continue
		}
		return p, validate(p)
	}

	trimmed := bytes.TrimSpace(source)
	if bytes.HasPrefix(trimmed, []byte("{")) {
		if p, ok := decodeCandidate(trimmed); ok {
			return p, validate(p)
		}
	}

	return nil, errors.NewValidationError("response did not contain a plan").WithCause(ErrNoPlanBlock)
}

// fencedBlocks returns the bodies of json or unlabeled fenced code blocks.
func fencedBlocks(source []byte) [][]byte {
	doc := md.Parser().Parse(text.NewReader(source))

	var blocks [][]byte
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fence, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}

		lang := strings.ToLower(string(fence.Language(source)))
		if lang != "" && lang != "json" {
			return ast.WalkSkipChildren, nil
		}

		var buf bytes.Buffer
		lines := fence.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			buf.Write(seg.Value(source))
		}
		blocks = append(blocks, buf.Bytes())
		return ast.WalkSkipChildren, nil
	})
	return blocks
}

// decodeCandidate accepts an object only if it carries a summary or files key.
func decodeCandidate(data []byte) (*ImplementationPlan, bool) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, false
	}
	_, hasFiles := keys["files"]
	_, hasSummary := keys["summary"]
	if !hasFiles && !hasSummary {
		return nil, false
	}

	var p ImplementationPlan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, false
	}
	p.EstimatedComplexity = strings.ToLower(strings.TrimSpace(p.EstimatedComplexity))
	if !validComplexity[p.EstimatedComplexity] {
		p.EstimatedComplexity = "medium"
	}
	return &p, true
}

func validate(p *ImplementationPlan) error {
	var kept []PlannedFile
	for _, f := range p.Files {
		if strings.TrimSpace(f.Path) != "" {
			kept = append(kept, f)
		}
	}
	p.Files = kept

	if len(p.Files) == 0 {
		return errors.NewValidationError("plan must list at least one file").WithField("files").WithCause(ErrNoFiles)
	}
	return nil
}
