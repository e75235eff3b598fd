package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/astrid-app/astrid-agent/internal/errors"
)

// searchTimeout bounds grep_search independently of run_bash.
const searchTimeout = 30 * time.Second

// skippedDirs are never descended into by glob_files.
var skippedDirs = map[string]bool{".git": true, "node_modules": true, "vendor": true}

func (s *Sandbox) globFiles(ctx context.Context, raw json.RawMessage) (ToolResult, error) {
	var args struct {
		Pattern string `json:"pattern"`
	}
	if err := decodeArgs(ToolGlobFiles, raw, &args); err != nil {
		return ToolResult{}, err
	}
	if strings.TrimSpace(args.Pattern) == "" {
		return ToolResult{}, errors.NewToolExecutionError(ToolGlobFiles, "pattern is required", errors.ErrInvalidInput)
	}
	if filepath.IsAbs(args.Pattern) || strings.Contains(args.Pattern, "..") {
		return ToolResult{}, errors.NewSandboxViolationError(ToolGlobFiles, args.Pattern, errors.ErrPathEscape)
	}

	matcher, err := compileGlob(args.Pattern)
	if err != nil {
		return ToolResult{}, errors.NewToolExecutionError(ToolGlobFiles, "invalid pattern", err)
	}
	basenameOnly := !strings.Contains(args.Pattern, "/")

	var matches []string
	walkErr := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != s.root && skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		subject := rel
		if basenameOnly {
			subject = d.Name()
		}
		if matcher.MatchString(subject) {
			matches = append(matches, rel)
		}
		return nil
	})
	if walkErr != nil {
		return ToolResult{}, errors.NewToolExecutionError(ToolGlobFiles, "walk failed", walkErr)
	}

	if len(matches) == 0 {
		return ToolResult{Success: true, Result: "No files matched " + args.Pattern}, nil
	}
	sort.Strings(matches)

	total := len(matches)
	if total > s.cfg.GlobLimit {
		matches = matches[:s.cfg.GlobLimit]
	}
	out := strings.Join(matches, "\n")
	if total > s.cfg.GlobLimit {
		out += fmt.Sprintf("\n\n[showing first %d of %d files]", s.cfg.GlobLimit, total)
	}
	return ToolResult{Success: true, Result: out}, nil
}

func (s *Sandbox) grepSearch(ctx context.Context, raw json.RawMessage) (ToolResult, error) {
	var args struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
		Include string `json:"include"`
	}
	if err := decodeArgs(ToolGrepSearch, raw, &args); err != nil {
		return ToolResult{}, err
	}
	if args.Pattern == "" {
		return ToolResult{}, errors.NewToolExecutionError(ToolGrepSearch, "pattern is required", errors.ErrInvalidInput)
	}

	target := "."
	if args.Path != "" && args.Path != "." {
		_, rel, err := s.resolve(ToolGrepSearch, args.Path)
		if err != nil {
			return ToolResult{}, err
		}
		target = rel
	}

	var include globMatcher
	if args.Include != "" {
		if filepath.IsAbs(args.Include) || strings.Contains(args.Include, "..") {
			return ToolResult{}, errors.NewSandboxViolationError(ToolGrepSearch, args.Include, errors.ErrPathEscape)
		}
		m, err := compileGlob(args.Include)
		if err != nil {
			return ToolResult{}, errors.NewToolExecutionError(ToolGrepSearch, "invalid include pattern", err)
		}
		include = m
	}
	basenameOnly := !strings.Contains(args.Include, "/")

	// --null separates the file name so include filtering survives colons in paths.
	argv := []string{"-rnHE", "--null", "--binary-files=without-match", "--exclude-dir=.git", "-e", args.Pattern, "--", target}

	out, code, err := s.run(ctx, searchTimeout, s.cfg.MaxBashOutputBytes, "grep", argv...)
	if err != nil {
		return ToolResult{}, err
	}

	switch code {
	case 0:
	case 1:
		return ToolResult{Success: true, Result: "No matches found for " + args.Pattern}, nil
	default:
		return ToolResult{Success: false, Result: fmt.Sprintf("grep failed with exit code %d:\n%s", code, out)}, nil
	}

	var lines []string
	for _, l := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		path, rest, ok := strings.Cut(l, "\x00")
		if !ok {
			// Only the output cap notice is kept from lines without a file name.
			if strings.HasPrefix(l, "[output capped") {
				lines = append(lines, l)
			}
			continue
		}
		path = strings.TrimPrefix(filepath.ToSlash(path), "./")
		if include != nil {
			subject := path
			if basenameOnly {
				subject = filepath.Base(path)
			}
			if !include.MatchString(subject) {
				continue
			}
		}
		lines = append(lines, path+":"+rest)
	}
	if len(lines) == 0 {
		return ToolResult{Success: true, Result: "No matches found for " + args.Pattern}, nil
	}
	total := len(lines)
	if total > s.cfg.GrepLimit {
		lines = lines[:s.cfg.GrepLimit]
	}
	result := strings.Join(lines, "\n")
	if total > s.cfg.GrepLimit {
		result += fmt.Sprintf("\n\n[showing first %d of %d matches]", s.cfg.GrepLimit, total)
	}
	return ToolResult{Success: true, Result: result}, nil
}

// globMatcher matches slash-separated paths. A "**/" segment may also match
// zero directories, so "pkg/**/*.go" covers "pkg/a.go".
type globMatcher []glob.Glob

func compileGlob(pattern string) (globMatcher, error) {
	variants := expandDoubleStar(pattern)
	m := make(globMatcher, 0, len(variants))
	for _, v := range variants {
		g, err := glob.Compile(v, '/')
		if err != nil {
			return nil, err
		}
		m = append(m, g)
	}
	return m, nil
}

func (m globMatcher) MatchString(s string) bool {
	for _, g := range m {
		if g.Match(s) {
			return true
		}
	}
	return false
}

// expandDoubleStar returns pattern plus every variant with one or more "**/"
// segments dropped.
func expandDoubleStar(pattern string) []string {
	idx := strings.Index(pattern, "**/")
	if idx < 0 {
		return []string{pattern}
	}
	head := pattern[:idx]
	var out []string
	for _, tail := range expandDoubleStar(pattern[idx+3:]) {
		out = append(out, head+"**/"+tail, head+tail)
	}
	return out
}
