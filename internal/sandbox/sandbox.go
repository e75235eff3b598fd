// Package sandbox executes the fixed tool vocabulary an executor may call,
// confined to one task's worktree.
//
// Every tool returns a ToolResult rather than an error: failures become text
// the model can read and react to. Refused calls (denylisted commands,
// protected paths, paths outside the root) are logged as violations but are
// only fatal to the single call that made them.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/astrid-app/astrid-agent/internal/errors"
	"github.com/astrid-app/astrid-agent/internal/logging"
	"github.com/astrid-app/astrid-agent/internal/plan"
)

// Tool names.
const (
	ToolReadFile     = "read_file"
	ToolWriteFile    = "write_file"
	ToolEditFile     = "edit_file"
	ToolRunBash      = "run_bash"
	ToolGlobFiles    = "glob_files"
	ToolGrepSearch   = "grep_search"
	ToolTaskComplete = "task_complete"
)

// Defaults applied when a Config field is zero.
const (
	DefaultBashTimeout    = 120 * time.Second
	DefaultMaxOutput      = 10000
	DefaultMaxBashOutput  = 1024 * 1024
	DefaultGlobLimit      = 100
	DefaultGrepLimit      = 50
	outputTruncatedNotice = "\n\n[output truncated at %d characters]"
)

// Completion carries the task_complete arguments through to the executor.
type Completion struct {
	CommitMessage string `json:"commitMessage"`
	PRTitle       string `json:"prTitle"`
	PRDescription string `json:"prDescription"`
}

// ToolResult is the outcome of one tool call.
type ToolResult struct {
	Success    bool             `json:"success"`
	Result     string           `json:"result"`
	FileChange *plan.FileChange `json:"fileChange,omitempty"`
	Completion *Completion      `json:"completion,omitempty"`
}

// Config bounds what the sandbox will do.
type Config struct {
	BashTimeout         time.Duration
	MaxOutput           int
	MaxBashOutputBytes  int
	GlobLimit           int
	GrepLimit           int
	BlockedBashPatterns []string
	ProtectedPaths      []string
}

// Sandbox runs tools against a single worktree root.
type Sandbox struct {
	root      string
	cfg       Config
	deny      *Denylist
	protected []string
	redactor  Redactor
	logger    *logging.Logger
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithRedactor scrubs read_file and run_bash output through r.
func WithRedactor(r Redactor) Option {
	return func(s *Sandbox) {
		if r != nil {
			s.redactor = r
		}
	}
}

// WithLogger sets the logger used for violations and failures.
func WithLogger(l *logging.Logger) Option {
	return func(s *Sandbox) {
		s.logger = logging.OrNop(l)
	}
}

// New creates a Sandbox rooted at root, which must be an existing directory.
func New(root string, cfg Config, opts ...Option) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("sandbox root: %w", err)
	}
	if !info.IsDir() {
		return nil, errors.NewValidationError("sandbox root is not a directory").WithValue(abs)
	}

	if cfg.BashTimeout <= 0 {
		cfg.BashTimeout = DefaultBashTimeout
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = DefaultMaxOutput
	}
	if cfg.MaxBashOutputBytes <= 0 {
		cfg.MaxBashOutputBytes = DefaultMaxBashOutput
	}
	if cfg.GlobLimit <= 0 {
		cfg.GlobLimit = DefaultGlobLimit
	}
	if cfg.GrepLimit <= 0 {
		cfg.GrepLimit = DefaultGrepLimit
	}

	protected := make([]string, 0, len(cfg.ProtectedPaths))
	for _, p := range cfg.ProtectedPaths {
		if p = strings.Trim(filepath.ToSlash(filepath.Clean(p)), "/"); p != "" && p != "." {
			protected = append(protected, p)
		}
	}

	s := &Sandbox{
		root:      abs,
		cfg:       cfg,
		deny:      NewDenylist(cfg.BlockedBashPatterns...),
		protected: protected,
		redactor:  nopRedactor{},
		logger:    logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the absolute worktree root.
func (s *Sandbox) Root() string {
	return s.root
}

// Execute dispatches one tool call. Arguments are the raw JSON object the
// model produced. The result text is always truncated to the configured
// maximum before it is returned.
func (s *Sandbox) Execute(ctx context.Context, name string, args json.RawMessage) ToolResult {
	var (
		res ToolResult
		err error
	)

	switch name {
	case ToolReadFile:
		res, err = s.readFile(args)
	case ToolWriteFile:
		res, err = s.writeFile(args)
	case ToolEditFile:
		res, err = s.editFile(args)
	case ToolRunBash:
		res, err = s.runBash(ctx, args)
	case ToolGlobFiles:
		res, err = s.globFiles(ctx, args)
	case ToolGrepSearch:
		res, err = s.grepSearch(ctx, args)
	case ToolTaskComplete:
		res, err = s.taskComplete(args)
	default:
		err = errors.NewToolExecutionError(name, "unknown tool", errors.ErrUnknownTool)
	}

	if err != nil {
		res = s.failure(name, err)
	}
	res.Result = s.truncate(res.Result)
	return res
}

func (s *Sandbox) failure(tool string, err error) ToolResult {
	if errors.IsSandboxViolation(err) {
		s.logger.Warn("sandbox violation", "tool", tool, "error", err)
		return ToolResult{Success: false, Result: "Blocked: " + err.Error()}
	}
	s.logger.Debug("tool failed", "tool", tool, "error", err)
	return ToolResult{Success: false, Result: "Error: " + err.Error()}
}

func (s *Sandbox) truncate(out string) string {
	if len(out) <= s.cfg.MaxOutput {
		return out
	}
	cut := s.cfg.MaxOutput
	// Back up to a rune boundary.
	for cut > 0 && !isRuneStart(out[cut]) {
		cut--
	}
	return out[:cut] + fmt.Sprintf(outputTruncatedNotice, s.cfg.MaxOutput)
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

func decodeArgs(tool string, raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.NewToolExecutionError(tool, "invalid arguments", err)
	}
	return nil
}

func (s *Sandbox) readFile(raw json.RawMessage) (ToolResult, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := decodeArgs(ToolReadFile, raw, &args); err != nil {
		return ToolResult{}, err
	}
	abs, _, err := s.resolve(ToolReadFile, args.Path)
	if err != nil {
		return ToolResult{}, err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return ToolResult{}, errors.NewToolExecutionError(ToolReadFile, "failed to read "+args.Path, err)
	}
	return ToolResult{Success: true, Result: s.redactor.Redact(string(data))}, nil
}

func (s *Sandbox) writeFile(raw json.RawMessage) (ToolResult, error) {
	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := decodeArgs(ToolWriteFile, raw, &args); err != nil {
		return ToolResult{}, err
	}
	abs, rel, err := s.resolve(ToolWriteFile, args.Path)
	if err != nil {
		return ToolResult{}, err
	}
	if err := s.checkProtected(ToolWriteFile, rel); err != nil {
		return ToolResult{}, err
	}

	action := plan.ActionCreate
	if _, err := os.Stat(abs); err == nil {
		action = plan.ActionModify
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return ToolResult{}, errors.NewToolExecutionError(ToolWriteFile, "failed to create parent directories", err)
	}
	if err := os.WriteFile(abs, []byte(args.Content), 0644); err != nil {
		return ToolResult{}, errors.NewToolExecutionError(ToolWriteFile, "failed to write "+rel, err)
	}

	verb := "Created"
	if action == plan.ActionModify {
		verb = "Updated"
	}
	return ToolResult{
		Success:    true,
		Result:     fmt.Sprintf("%s %s (%d bytes)", verb, rel, len(args.Content)),
		FileChange: &plan.FileChange{Path: rel, Content: args.Content, Action: action},
	}, nil
}

func (s *Sandbox) editFile(raw json.RawMessage) (ToolResult, error) {
	var args struct {
		Path       string `json:"path"`
		OldString  string `json:"old_string"`
		NewString  string `json:"new_string"`
		ReplaceAll bool   `json:"replace_all"`
	}
	if err := decodeArgs(ToolEditFile, raw, &args); err != nil {
		return ToolResult{}, err
	}
	abs, rel, err := s.resolve(ToolEditFile, args.Path)
	if err != nil {
		return ToolResult{}, err
	}
	if err := s.checkProtected(ToolEditFile, rel); err != nil {
		return ToolResult{}, err
	}
	if args.OldString == "" {
		return ToolResult{}, errors.NewToolExecutionError(ToolEditFile, "old_string must not be empty", errors.ErrInvalidInput)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return ToolResult{}, errors.NewToolExecutionError(ToolEditFile, "failed to read "+rel, err)
	}
	content := string(data)

	count := strings.Count(content, args.OldString)
	if count == 0 {
		return ToolResult{}, errors.NewToolExecutionError(ToolEditFile, "old_string not found in "+rel, nil)
	}

	var updated string
	if args.ReplaceAll {
		updated = strings.ReplaceAll(content, args.OldString, args.NewString)
	} else {
		updated = strings.Replace(content, args.OldString, args.NewString, 1)
	}
	if err := os.WriteFile(abs, []byte(updated), 0644); err != nil {
		return ToolResult{}, errors.NewToolExecutionError(ToolEditFile, "failed to write "+rel, err)
	}

	replaced := 1
	if args.ReplaceAll {
		replaced = count
	}
	return ToolResult{
		Success:    true,
		Result:     fmt.Sprintf("Edited %s (%d replacement(s))", rel, replaced),
		FileChange: &plan.FileChange{Path: rel, Content: updated, Action: plan.ActionModify},
	}, nil
}

func (s *Sandbox) taskComplete(raw json.RawMessage) (ToolResult, error) {
	var c Completion
	if err := decodeArgs(ToolTaskComplete, raw, &c); err != nil {
		return ToolResult{}, err
	}
	return ToolResult{Success: true, Result: "Task marked complete.", Completion: &c}, nil
}
